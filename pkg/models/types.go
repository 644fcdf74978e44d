package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders messages and routing decisions. Higher values are more urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// AllPriorities lists every tier from most to least urgent.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsUrgent reports whether the priority bypasses request queuing.
func (p Priority) IsUrgent() bool {
	return p >= PriorityHigh
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a priority name. Empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// AuthLevel describes what a message is allowed to carry.
type AuthLevel string

const (
	AuthPublic        AuthLevel = "public"
	AuthAuthenticated AuthLevel = "authenticated"
	AuthSensitive     AuthLevel = "sensitive"
	AuthEmergency     AuthLevel = "emergency"
)

// RequiresSensitiveAccess reports whether payloads at this level must be encrypted in transit.
func (a AuthLevel) RequiresSensitiveAccess() bool {
	return a == AuthSensitive || a == AuthEmergency
}

// AgentStatus is the registry-visible state of a worker agent.
type AgentStatus string

const (
	StatusHealthy     AgentStatus = "healthy"
	StatusDegraded    AgentStatus = "degraded"
	StatusUnhealthy   AgentStatus = "unhealthy"
	StatusUnreachable AgentStatus = "unreachable"
	StatusMaintenance AgentStatus = "maintenance"
	StatusStandby     AgentStatus = "standby"
)

// Routable reports whether discovery may return an agent in this status.
func (s AgentStatus) Routable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// StatusPenalty is the suitability penalty for an agent status.
func (s AgentStatus) StatusPenalty() float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 25
	default:
		return 100
	}
}

// HealthStatus is the monitor's assessment of an agent.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// CircuitState represents circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Capability represents a capability that an agent can handle
type Capability struct {
	Name                    string  `json:"name" yaml:"name"`
	Version                 string  `json:"version,omitempty" yaml:"version,omitempty"`
	Description             string  `json:"description,omitempty" yaml:"description,omitempty"`
	MaxConcurrent           int     `json:"max_concurrent" yaml:"max_concurrent"`
	SuccessRate             float64 `json:"success_rate" yaml:"success_rate"`
	AvgResponseTime         float64 `json:"avg_response_time" yaml:"avg_response_time"` // seconds
	RequiresSensitiveAccess bool    `json:"requires_sensitive_access" yaml:"requires_sensitive_access"`
}

// ComplianceFlags records the data-protection posture an agent declared at registration.
type ComplianceFlags struct {
	EncryptionEnabled bool `json:"encryption_enabled" yaml:"encryption_enabled"`
	AuditEnabled      bool `json:"audit_enabled" yaml:"audit_enabled"`
	Certified         bool `json:"certified" yaml:"certified"`
	AccessViolations  int  `json:"access_violations" yaml:"access_violations"`
}

// Compliant reports whether the agent may be trusted with sensitive traffic.
func (c ComplianceFlags) Compliant() bool {
	return c.EncryptionEnabled && c.AuditEnabled && c.AccessViolations == 0
}

// AuditEntry is one append-only record on a message's audit trail.
type AuditEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	AgentID   string            `json:"agent_id"`
	Details   map[string]string `json:"details,omitempty"`
}
