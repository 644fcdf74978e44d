package manifest

import (
	"time"

	"github.com/syntor/agentmesh/pkg/models"
)

// APIVersion is the only manifest version understood.
const APIVersion = "agentmesh.dev/v1"

// KindAgent marks a static agent registration.
const KindAgent = "Agent"

// AgentManifest describes an agent that cannot register itself
type AgentManifest struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"` // "agentmesh.dev/v1"
	Kind       string    `yaml:"kind" json:"kind"`             // "Agent"
	Metadata   AgentMeta `yaml:"metadata" json:"metadata"`
	Spec       AgentSpec `yaml:"spec" json:"spec"`
}

// AgentMeta contains agent identification
type AgentMeta struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	CreatedAt   time.Time         `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt   time.Time         `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// AgentSpec defines how the mesh reaches and routes to the agent
type AgentSpec struct {
	Type           string           `yaml:"type" json:"type"`
	Endpoint       string           `yaml:"endpoint" json:"endpoint"`
	Standby        bool             `yaml:"standby,omitempty" json:"standby,omitempty"`
	MaxConnections int              `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`
	Capabilities   []CapabilitySpec `yaml:"capabilities" json:"capabilities"`
	Compliance     ComplianceSpec   `yaml:"compliance,omitempty" json:"compliance,omitempty"`
}

// CapabilitySpec defines a capability
type CapabilitySpec struct {
	Name                    string  `yaml:"name" json:"name"`
	Version                 string  `yaml:"version,omitempty" json:"version,omitempty"`
	Description             string  `yaml:"description,omitempty" json:"description,omitempty"`
	MaxConcurrent           int     `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
	SuccessRate             float64 `yaml:"successRate,omitempty" json:"successRate,omitempty"`
	AvgResponseTime         string  `yaml:"avgResponseTime,omitempty" json:"avgResponseTime,omitempty"` // Duration string
	RequiresSensitiveAccess bool    `yaml:"requiresSensitiveAccess,omitempty" json:"requiresSensitiveAccess,omitempty"`
}

// ComplianceSpec declares the agent's data-protection posture
type ComplianceSpec struct {
	Encryption bool `yaml:"encryption" json:"encryption"`
	Audit      bool `yaml:"audit" json:"audit"`
	Certified  bool `yaml:"certified" json:"certified"`
}

// GetCapabilityNames returns a list of capability names
func (m *AgentManifest) GetCapabilityNames() []string {
	names := make([]string, len(m.Spec.Capabilities))
	for i, c := range m.Spec.Capabilities {
		names[i] = c.Name
	}
	return names
}

// HasCapability checks if the agent has a specific capability
func (m *AgentManifest) HasCapability(name string) bool {
	for _, c := range m.Spec.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ToRegistration converts the manifest into a registry entry. Capabilities
// without a declared success rate are assumed fully reliable.
func (m *AgentManifest) ToRegistration() *models.AgentRegistration {
	reg := &models.AgentRegistration{
		AgentID:        m.Metadata.Name,
		AgentType:      m.Spec.Type,
		Endpoint:       m.Spec.Endpoint,
		MaxConnections: m.Spec.MaxConnections,
		Compliance: models.ComplianceFlags{
			EncryptionEnabled: m.Spec.Compliance.Encryption,
			AuditEnabled:      m.Spec.Compliance.Audit,
			Certified:         m.Spec.Compliance.Certified,
		},
		Metadata: map[string]string{"source": "manifest"},
	}
	for k, v := range m.Metadata.Labels {
		reg.Metadata[k] = v
	}
	if m.Spec.Standby {
		reg.Status = models.StatusStandby
		reg.Metadata[models.MetadataStandby] = "true"
	}

	for _, c := range m.Spec.Capabilities {
		rate := c.SuccessRate
		if rate == 0 {
			rate = 1
		}
		var avg float64
		if d, err := time.ParseDuration(c.AvgResponseTime); err == nil {
			avg = d.Seconds()
		}
		reg.Capabilities = append(reg.Capabilities, models.Capability{
			Name:                    c.Name,
			Version:                 c.Version,
			Description:             c.Description,
			MaxConcurrent:           c.MaxConcurrent,
			SuccessRate:             rate,
			AvgResponseTime:         avg,
			RequiresSensitiveAccess: c.RequiresSensitiveAccess,
		})
	}
	return reg
}
