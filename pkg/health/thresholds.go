// Package health watches registered agents, compares what they report against
// a threshold table and raises alerts when a metric crosses it.
package health

import "github.com/syntor/agentmesh/pkg/models"

// MetricType names an observed agent metric. The values double as the keys
// of the stats payload served by GET /a2a/stats.
type MetricType string

const (
	MetricResponseTime MetricType = "response_time"
	MetricErrorRate    MetricType = "error_rate"
	MetricThroughput   MetricType = "throughput"
	MetricCPU          MetricType = "cpu_usage"
	MetricMemory       MetricType = "memory_usage"
	MetricDisk         MetricType = "disk_usage"
	MetricQueueLength  MetricType = "queue_length"
	MetricConnections  MetricType = "connection_count"
	MetricCompliance   MetricType = "compliance_score"
	// MetricAvailability is binary: 1 when the agent answers its health endpoint.
	MetricAvailability MetricType = "availability"
)

// StatsMetrics are the metrics pulled from an agent's stats endpoint.
var StatsMetrics = []MetricType{
	MetricResponseTime, MetricErrorRate, MetricThroughput, MetricCPU,
	MetricMemory, MetricDisk, MetricQueueLength, MetricConnections,
}

// Threshold holds the warning and critical levels of a metric. For an
// inverted threshold lower values are worse.
type Threshold struct {
	Warning  float64 `mapstructure:"warning" json:"warning" yaml:"warning"`
	Critical float64 `mapstructure:"critical" json:"critical" yaml:"critical"`
	Inverted bool    `mapstructure:"inverted" json:"inverted" yaml:"inverted"`
}

// DefaultThresholds returns the built-in threshold table.
func DefaultThresholds() map[MetricType]Threshold {
	return map[MetricType]Threshold{
		MetricResponseTime: {Warning: 2.0, Critical: 5.0},
		MetricErrorRate:    {Warning: 0.05, Critical: 0.15},
		MetricCPU:          {Warning: 0.8, Critical: 0.95},
		MetricMemory:       {Warning: 0.85, Critical: 0.95},
		MetricDisk:         {Warning: 0.9, Critical: 0.98},
		MetricQueueLength:  {Warning: 100, Critical: 500},
		MetricConnections:  {Warning: 800, Critical: 1000},
		MetricThroughput:   {Warning: 1.0, Critical: 0.1, Inverted: true},
		MetricCompliance:   {Warning: 0.9, Critical: 0.6, Inverted: true},
		MetricAvailability: {Warning: 0.5, Critical: 0.5, Inverted: true},
	}
}

// Severity classifies v. An empty result means v is within limits.
func (t Threshold) Severity(v float64) AlertSeverity {
	if t.worseOrEqual(v, t.Critical) {
		return SeverityCritical
	}
	if t.worseOrEqual(v, t.Warning) {
		return SeverityWarning
	}
	return ""
}

// Recovered reports whether v is back below 90% of the warning level.
func (t Threshold) Recovered(v float64) bool {
	if t.Inverted {
		return v > t.Warning/0.9
	}
	return v < t.Warning*0.9
}

// Score maps v onto [0, 1]: 1 up to the warning level, 0 at or beyond the
// critical level, linear in between.
func (t Threshold) Score(v float64) float64 {
	if !t.worseOrEqual(v, t.Warning) {
		return 1
	}
	if t.worseOrEqual(v, t.Critical) || t.Warning == t.Critical {
		return 0
	}
	return (t.Critical - v) / (t.Critical - t.Warning)
}

func (t Threshold) worseOrEqual(v, level float64) bool {
	if t.Inverted {
		return v <= level
	}
	return v >= level
}

// ComplianceScore rates the data-protection posture of a sensitive agent.
// Missing encryption or audit costs 0.4 each and every access violation 0.1.
func ComplianceScore(flags models.ComplianceFlags, violations int) float64 {
	score := 1.0
	if !flags.EncryptionEnabled {
		score -= 0.4
	}
	if !flags.AuditEnabled {
		score -= 0.4
	}
	if flags.AccessViolations > violations {
		violations = flags.AccessViolations
	}
	score -= 0.1 * float64(violations)
	if score < 0 {
		return 0
	}
	return score
}
