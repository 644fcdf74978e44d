package metrics

import (
	"net/http"
	"time"
)

// Collector records mesh metrics. Components accept a Collector and default to Nop.
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	Register(metric Metric) error
	Handler() http.Handler
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // histograms only
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Mesh metric definitions
var (
	MessagesSent = Metric{
		Name:   "agentmesh_messages_sent_total",
		Type:   CounterType,
		Help:   "Envelopes sent by the protocol client",
		Labels: []string{"method", "kind"},
	}

	MessagesReceived = Metric{
		Name:   "agentmesh_messages_received_total",
		Type:   CounterType,
		Help:   "Envelopes handled by the protocol dispatcher",
		Labels: []string{"method", "outcome"},
	}

	RequestDuration = Metric{
		Name:    "agentmesh_request_duration_seconds",
		Type:    HistogramType,
		Help:    "Round trip of requests sent to agents",
		Labels:  []string{"method"},
		Buckets: latencyBuckets,
	}

	RegisteredAgents = Metric{
		Name:   "agentmesh_registered_agents",
		Type:   GaugeType,
		Help:   "Registered agents by status",
		Labels: []string{"status"},
	}

	RegistryOperations = Metric{
		Name:   "agentmesh_registry_operations_total",
		Type:   CounterType,
		Help:   "Registry operations by outcome",
		Labels: []string{"operation", "status"},
	}

	RoutingDecisions = Metric{
		Name:   "agentmesh_routing_decisions_total",
		Type:   CounterType,
		Help:   "Load balancer routing outcomes",
		Labels: []string{"algorithm", "priority", "outcome"},
	}

	CircuitBreakerState = Metric{
		Name:   "agentmesh_circuit_breaker_state",
		Type:   GaugeType,
		Help:   "Breaker state per agent (0=closed, 1=half_open, 2=open)",
		Labels: []string{"agent_id"},
	}

	HealthAlerts = Metric{
		Name:   "agentmesh_health_alerts_total",
		Type:   CounterType,
		Help:   "Health alerts raised",
		Labels: []string{"metric", "severity"},
	}

	SystemMode = Metric{
		Name:   "agentmesh_system_mode",
		Type:   GaugeType,
		Help:   "Current system mode (1 for the active mode)",
		Labels: []string{"mode"},
	}

	FailuresHandled = Metric{
		Name:   "agentmesh_failures_handled_total",
		Type:   CounterType,
		Help:   "Failures handled by recovery strategy",
		Labels: []string{"failure_type", "strategy"},
	}

	QueueDepth = Metric{
		Name:   "agentmesh_queue_depth",
		Type:   GaugeType,
		Help:   "Messages waiting per queue",
		Labels: []string{"queue"},
	}

	QueueOutcomes = Metric{
		Name:   "agentmesh_queue_messages_total",
		Type:   CounterType,
		Help:   "Queued message outcomes",
		Labels: []string{"queue", "outcome"},
	}

	QueueProcessingDuration = Metric{
		Name:    "agentmesh_queue_processing_seconds",
		Type:    HistogramType,
		Help:    "Processing time of queued messages",
		Labels:  []string{"queue"},
		Buckets: latencyBuckets,
	}
)

// MeshMetrics lists every metric the coordinator registers.
func MeshMetrics() []Metric {
	return []Metric{
		MessagesSent, MessagesReceived, RequestDuration,
		RegisteredAgents, RegistryOperations,
		RoutingDecisions, CircuitBreakerState,
		HealthAlerts, SystemMode, FailuresHandled,
		QueueDepth, QueueOutcomes, QueueProcessingDuration,
	}
}

type nopCollector struct{}

// Nop returns a collector that records nothing.
func Nop() Collector { return nopCollector{} }

func (nopCollector) IncrementCounter(string, map[string]string) {}
func (nopCollector) AddCounter(string, float64, map[string]string) {}
func (nopCollector) SetGauge(string, float64, map[string]string) {}
func (nopCollector) ObserveHistogram(string, float64, map[string]string) {}
func (nopCollector) ObserveDuration(string, time.Time, map[string]string) {}
func (nopCollector) Register(Metric) error { return nil }
func (nopCollector) Handler() http.Handler { return http.NotFoundHandler() }

// OrNop returns c, or a discarding collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop()
	}
	return c
}
