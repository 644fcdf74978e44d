package health

import (
	"math"
	"time"

	"github.com/syntor/agentmesh/pkg/models"
)

// Trend is the direction of a metric over its recent samples.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// MinTrendSamples is the number of samples needed before a trend is fitted.
const MinTrendSamples = 10

// TrendStats describes the recent samples of one metric. Volatility is their
// standard deviation.
type TrendStats struct {
	Direction  Trend   `json:"direction"`
	Slope      float64 `json:"slope"`
	Volatility float64 `json:"volatility"`
}

// Sample is one observation of a metric.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// AgentProfile is the monitor's view of one agent.
type AgentProfile struct {
	AgentID          string                    `json:"agent_id"`
	AgentType        string                    `json:"agent_type"`
	Status           models.HealthStatus       `json:"status"`
	Score            float64                   `json:"health_score"`
	ComplianceScore  float64                   `json:"compliance_score"`
	LastCheck        time.Time                 `json:"last_check"`
	LastDetailed     time.Time                 `json:"last_detailed_check"`
	Latest           map[MetricType]float64    `json:"latest"`
	Trends           map[MetricType]Trend      `json:"trends,omitempty"`
	TrendStats       map[MetricType]TrendStats `json:"trend_stats,omitempty"`
	ConsecutiveFails int                       `json:"consecutive_failures"`
}

type profile struct {
	AgentProfile
	history map[MetricType][]Sample
}

func newProfile(reg *models.AgentRegistration) *profile {
	return &profile{
		AgentProfile: AgentProfile{
			AgentID:         reg.AgentID,
			AgentType:       reg.AgentType,
			Status:          models.HealthUnknown,
			Score:           1,
			ComplianceScore: 1,
			Latest:          make(map[MetricType]float64),
			Trends:          make(map[MetricType]Trend),
			TrendStats:      make(map[MetricType]TrendStats),
		},
		history: make(map[MetricType][]Sample),
	}
}

func (p *profile) record(metric MetricType, value float64, at time.Time, limit int) {
	h := append(p.history[metric], Sample{Value: value, At: at})
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	p.history[metric] = h
	p.Latest[metric] = value
}

func (p *profile) snapshot() AgentProfile {
	out := p.AgentProfile
	out.Latest = make(map[MetricType]float64, len(p.Latest))
	for k, v := range p.Latest {
		out.Latest[k] = v
	}
	out.Trends = make(map[MetricType]Trend, len(p.Trends))
	for k, v := range p.Trends {
		out.Trends[k] = v
	}
	out.TrendStats = make(map[MetricType]TrendStats, len(p.TrendStats))
	for k, v := range p.TrendStats {
		out.TrendStats[k] = v
	}
	return out
}

// Slope fits a least-squares line through values at unit spacing.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Volatility is the population standard deviation of values.
func Volatility(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}

// AnalyzeSamples computes direction, slope and volatility of samples.
func AnalyzeSamples(samples []Sample, tolerance float64) TrendStats {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	return TrendStats{
		Direction:  DetectTrend(samples, tolerance),
		Slope:      Slope(values),
		Volatility: Volatility(values),
	}
}

// DetectTrend classifies samples. Fewer than MinTrendSamples are stable.
// The slope is taken relative to the mean so the tolerance is scale-free.
func DetectTrend(samples []Sample, tolerance float64) Trend {
	if len(samples) < MinTrendSamples {
		return TrendStable
	}
	values := make([]float64, len(samples))
	var mean float64
	for i, s := range samples {
		values[i] = s.Value
		mean += s.Value
	}
	mean /= float64(len(values))

	slope := Slope(values)
	scale := mean
	if scale < 0 {
		scale = -scale
	}
	if scale < 1e-9 {
		scale = 1
	}
	switch rel := slope / scale; {
	case rel > tolerance:
		return TrendIncreasing
	case rel < -tolerance:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
