package models

import (
	"time"
)

// AgentRegistration describes a worker agent known to the registry.
type AgentRegistration struct {
	AgentID            string            `json:"agent_id" yaml:"agent_id"`
	AgentType          string            `json:"agent_type" yaml:"agent_type"`
	Endpoint           string            `json:"endpoint" yaml:"endpoint"`
	Capabilities       []Capability      `json:"capabilities" yaml:"capabilities"`
	Status             AgentStatus       `json:"status" yaml:"status"`
	LoadFactor         float64           `json:"load_factor" yaml:"load_factor"`
	CurrentConnections int               `json:"current_connections" yaml:"current_connections"`
	MaxConnections     int               `json:"max_connections" yaml:"max_connections"`
	ErrorRate          float64           `json:"error_rate" yaml:"error_rate"`
	Compliance         ComplianceFlags   `json:"compliance_flags" yaml:"compliance_flags"`
	Metadata           map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	RegisteredAt       time.Time         `json:"registered_at" yaml:"-"`
	LastHeartbeat      time.Time         `json:"last_heartbeat" yaml:"-"`
}

// Metadata keys with meaning to the platform.
const (
	MetadataStandby  = "standby"
	MetadataPriority = "priority"
)

// Validate checks required fields and the sensitive-access invariant.
func (r *AgentRegistration) Validate() error {
	if r.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "agent id is required"}
	}
	if r.AgentType == "" {
		return &ValidationError{Field: "agent_type", Message: "agent type is required"}
	}
	if r.Endpoint == "" {
		return &ValidationError{Field: "endpoint", Message: "endpoint is required"}
	}
	if r.LoadFactor < 0 || r.LoadFactor > 1 {
		return &ValidationError{Field: "load_factor", Message: "load factor must be within [0, 1]"}
	}
	if r.ErrorRate < 0 || r.ErrorRate > 1 {
		return &ValidationError{Field: "error_rate", Message: "error rate must be within [0, 1]"}
	}
	for _, c := range r.Capabilities {
		if c.Name == "" {
			return &ValidationError{Field: "capabilities", Message: "capability name is required"}
		}
		if c.SuccessRate < 0 || c.SuccessRate > 1 {
			return &ValidationError{Field: "capabilities", Message: "success rate of " + c.Name + " must be within [0, 1]"}
		}
	}
	if r.RequiresSensitiveAccess() && !(r.Compliance.EncryptionEnabled && r.Compliance.AuditEnabled) {
		return &ValidationError{
			Field:   "compliance_flags",
			Message: "sensitive capabilities require encryption and audit logging",
		}
	}
	return nil
}

// HasCapability reports whether the agent declares the named capability.
func (r *AgentRegistration) HasCapability(name string) bool {
	_, ok := r.Capability(name)
	return ok
}

// Capability returns the named capability.
func (r *AgentRegistration) Capability(name string) (Capability, bool) {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// RequiresSensitiveAccess reports whether any capability handles protected payloads.
func (r *AgentRegistration) RequiresSensitiveAccess() bool {
	for _, c := range r.Capabilities {
		if c.RequiresSensitiveAccess {
			return true
		}
	}
	return false
}

// IsCompliant reports whether the agent's compliance flags allow sensitive traffic.
func (r *AgentRegistration) IsCompliant() bool {
	return r.Compliance.Compliant()
}

// AvgResponseTime is the mean declared response time across capabilities, in seconds.
func (r *AgentRegistration) AvgResponseTime() float64 {
	if len(r.Capabilities) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.Capabilities {
		sum += c.AvgResponseTime
	}
	return sum / float64(len(r.Capabilities))
}

// SuccessRate is the mean declared success rate across capabilities.
// An agent without capabilities derives it from its error rate.
func (r *AgentRegistration) SuccessRate() float64 {
	if len(r.Capabilities) == 0 {
		return 1 - r.ErrorRate
	}
	var sum float64
	for _, c := range r.Capabilities {
		sum += c.SuccessRate
	}
	return sum / float64(len(r.Capabilities))
}

// IsStandby reports whether the agent is a fallback held in reserve.
func (r *AgentRegistration) IsStandby() bool {
	return r.Status == StatusStandby || r.Metadata[MetadataStandby] == "true"
}

// SuitabilityScore ranks candidates; lower is better.
func (r *AgentRegistration) SuitabilityScore() float64 {
	return r.LoadFactor*100 + r.ErrorRate*50 + r.AvgResponseTime() + r.Status.StatusPenalty()
}

// Clone returns a deep copy safe to hand out of a locked store.
func (r *AgentRegistration) Clone() *AgentRegistration {
	c := *r
	c.Capabilities = append([]Capability(nil), r.Capabilities...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
