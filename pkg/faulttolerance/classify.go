package faulttolerance

import (
	"strings"
	"time"

	"github.com/syntor/agentmesh/pkg/health"
)

// Classify derives the failure type from an alert, reading its text first
// and its metric second.
func Classify(alert health.HealthAlert) FailureType {
	text := strings.ToLower(alert.Message)
	switch {
	case strings.Contains(text, "unresponsive"), strings.Contains(text, "unreachable"):
		return FailureUnresponsive
	case strings.Contains(text, "compliance"), strings.Contains(text, "violation"):
		return FailureComplianceViolation
	case strings.Contains(text, "timeout"), strings.Contains(text, "timed out"):
		return FailureNetworkTimeout
	case strings.Contains(text, "overload"):
		return FailureOverloaded
	}

	switch alert.Metric {
	case health.MetricAvailability:
		return FailureUnresponsive
	case health.MetricCompliance:
		return FailureComplianceViolation
	case health.MetricResponseTime:
		return FailureNetworkTimeout
	case health.MetricCPU, health.MetricMemory, health.MetricConnections, health.MetricQueueLength:
		return FailureOverloaded
	default:
		return FailureProcessingError
	}
}

// ChooseStrategy picks exactly one recovery strategy.
func ChooseStrategy(kind FailureType, safetyRisk bool) Strategy {
	if safetyRisk {
		return StrategyEmergencyProtocol
	}
	switch kind {
	case FailureUnresponsive:
		return StrategyFailover
	case FailureOverloaded:
		return StrategyGracefulDegradation
	case FailureNetworkTimeout:
		return StrategyExponentialBackoff
	case FailureComplianceViolation:
		return StrategyManualIntervention
	default:
		return StrategyCircuitBreaker
	}
}

// AssessImpact grades a failure. A critical agent type that has lost its
// last routable instance under a critical or error alert is a safety risk.
func AssessImpact(criticalType bool, alternates int, severity health.AlertSeverity) (Impact, bool) {
	serious := severity.AtLeast(health.SeverityError)
	switch {
	case criticalType && alternates == 0 && serious:
		return ImpactCritical, true
	case criticalType:
		return ImpactHigh, false
	case alternates == 0:
		return ImpactMedium, false
	default:
		return ImpactLow, false
	}
}

// BackoffDelay is 2^min(n, 5) seconds.
func BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 5 {
		n = 5
	}
	return time.Duration(1<<uint(n)) * time.Second
}

// NextMode computes the mode from the fraction of agents in good standing.
// Maintenance is never left automatically.
func NextMode(current SystemMode, healthyFraction float64, criticalAlerts bool) SystemMode {
	switch {
	case current == ModeMaintenance:
		return ModeMaintenance
	case healthyFraction < 0.3 || criticalAlerts:
		return ModeEmergency
	case healthyFraction < 0.7:
		return ModeDegraded
	case healthyFraction > 0.9:
		return ModeNormal
	case current == ModeEmergency || current == ModeDegraded:
		return ModeRecovery
	default:
		return current
	}
}
