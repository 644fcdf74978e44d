package faulttolerance

import (
	"time"

	"github.com/syntor/agentmesh/pkg/health"
)

// SystemMode is the fleet-wide operating posture.
type SystemMode string

const (
	ModeNormal      SystemMode = "normal"
	ModeDegraded    SystemMode = "degraded"
	ModeEmergency   SystemMode = "emergency"
	ModeMaintenance SystemMode = "maintenance"
	ModeRecovery    SystemMode = "recovery"
)

// AllModes lists every mode.
var AllModes = []SystemMode{ModeNormal, ModeDegraded, ModeEmergency, ModeMaintenance, ModeRecovery}

// FailureType classifies what went wrong with an agent.
type FailureType string

const (
	FailureUnresponsive        FailureType = "unresponsive"
	FailureOverloaded          FailureType = "overloaded"
	FailureNetworkTimeout      FailureType = "network_timeout"
	FailureComplianceViolation FailureType = "compliance_violation"
	FailureProcessingError     FailureType = "processing_error"
)

// Strategy names a recovery strategy.
type Strategy string

const (
	StrategyEmergencyProtocol   Strategy = "emergency_protocol"
	StrategyFailover            Strategy = "failover"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategyExponentialBackoff  Strategy = "exponential_backoff"
	StrategyManualIntervention  Strategy = "manual_intervention"
	StrategyCircuitBreaker      Strategy = "circuit_breaker"
)

// Impact grades how much a failure hurts service continuity.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Failure is one detected agent failure, open until resolved.
type Failure struct {
	ID          string               `json:"id"`
	AgentID     string               `json:"agent_id"`
	AgentType   string               `json:"agent_type"`
	Type        FailureType          `json:"failure_type"`
	Severity    health.AlertSeverity `json:"severity"`
	Message     string               `json:"message"`
	AlertID     string               `json:"alert_id,omitempty"`
	Impact      Impact               `json:"impact"`
	SafetyRisk  bool                 `json:"safety_risk"`
	Strategy    Strategy             `json:"strategy"`
	Occurrences int                  `json:"occurrences"`
	DetectedAt  time.Time            `json:"detected_at"`
	Resolved    bool                 `json:"resolved"`
	ResolvedAt  time.Time            `json:"resolved_at,omitempty"`
	Outcome     string               `json:"outcome,omitempty"`
}

// ActionStatus tracks a scheduled recovery action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

// RecoveryAction is a deferred recovery step, run once ScheduledAt passes.
type RecoveryAction struct {
	ID          string       `json:"id"`
	FailureID   string       `json:"failure_id"`
	AgentID     string       `json:"agent_id"`
	Strategy    Strategy     `json:"strategy"`
	Attempt     int          `json:"attempt"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	ExecutedAt  time.Time    `json:"executed_at,omitempty"`
	Status      ActionStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
}

type failureKey struct {
	agentID string
	kind    FailureType
}
