package health

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

func (s AlertSeverity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s AlertSeverity) AtLeast(other AlertSeverity) bool {
	return s.rank() >= other.rank()
}

// HealthAlert is an open or resolved threshold breach for one agent metric.
type HealthAlert struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	AgentType  string        `json:"agent_type,omitempty"`
	Metric     MetricType    `json:"metric"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
	Escalated  bool          `json:"escalated,omitempty"`

	// consecutive samples inside the recovery band
	recoverySamples int
}

type alertKey struct {
	agentID string
	metric  MetricType
}

func newAlert(agentID, agentType string, metric MetricType, severity AlertSeverity, value, threshold float64, now time.Time) *HealthAlert {
	return &HealthAlert{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		AgentType: agentType,
		Metric:    metric,
		Severity:  severity,
		Message:   alertMessage(metric, severity, value, threshold),
		Value:     value,
		Threshold: threshold,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// alertMessage wording is matched by the fault tolerance classifier.
func alertMessage(metric MetricType, severity AlertSeverity, value, threshold float64) string {
	switch metric {
	case MetricAvailability:
		return "agent unresponsive: health endpoint not answering"
	case MetricResponseTime:
		return fmt.Sprintf("%s response time %.2fs exceeds %.2fs (timeout risk)", severity, value, threshold)
	case MetricCPU, MetricMemory, MetricConnections, MetricQueueLength:
		return fmt.Sprintf("%s %s %.2f exceeds %.2f: agent overloaded", severity, metric, value, threshold)
	case MetricCompliance:
		return fmt.Sprintf("%s compliance score %.2f below %.2f: compliance violation", severity, value, threshold)
	case MetricErrorRate:
		return fmt.Sprintf("%s error rate %.3f exceeds %.3f: processing errors", severity, value, threshold)
	default:
		return fmt.Sprintf("%s %s %.2f crossed %.2f", severity, metric, value, threshold)
	}
}
