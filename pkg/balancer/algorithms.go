package balancer

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/syntor/agentmesh/pkg/models"
)

// Algorithm names a selection strategy.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	LeastConnections   Algorithm = "least_connections"
	LeastResponseTime  Algorithm = "least_response_time"
	HealthAware        Algorithm = "health_aware"
	PriorityRouting    Algorithm = "priority_routing"
	Adaptive           Algorithm = "adaptive"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{
	RoundRobin, WeightedRoundRobin, LeastConnections, LeastResponseTime,
	HealthAware, PriorityRouting, Adaptive,
}

// ParseAlgorithm validates an algorithm name. Empty selects adaptive.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return Adaptive, nil
	}
	for _, a := range Algorithms {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown load balancing algorithm %q", s)
}

// selection is what a strategy sees when choosing.
type selection struct {
	candidates []*models.AgentRegistration
	agentType  string
	priority   models.Priority
}

// Strategy picks one agent from a non-empty candidate list.
type Strategy interface {
	Select(s selection) *models.AgentRegistration
}

// signals are the runtime observations strategies may consult.
type signals interface {
	responseTime(reg *models.AgentRegistration) float64
	healthScore(reg *models.AgentRegistration) float64
	recentErrorRate() float64
}

type roundRobinStrategy struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func (r *roundRobinStrategy) Select(s selection) *models.AgentRegistration {
	r.mu.Lock()
	n := r.counters[s.agentType]
	r.counters[s.agentType] = n + 1
	r.mu.Unlock()
	return s.candidates[n%uint64(len(s.candidates))]
}

type weightedStrategy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// Select samples with weight 1-load_factor. A fully loaded fleet falls back
// to a uniform pick.
func (w *weightedStrategy) Select(s selection) *models.AgentRegistration {
	weights := make([]float64, len(s.candidates))
	var total float64
	for i, c := range s.candidates {
		weights[i] = 1 - c.LoadFactor
		if weights[i] < 0 {
			weights[i] = 0
		}
		total += weights[i]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if total == 0 {
		return s.candidates[w.rnd.Intn(len(s.candidates))]
	}
	pick := w.rnd.Float64() * total
	for i, weight := range weights {
		pick -= weight
		if pick < 0 {
			return s.candidates[i]
		}
	}
	return s.candidates[len(s.candidates)-1]
}

type leastConnectionsStrategy struct{}

func (leastConnectionsStrategy) Select(s selection) *models.AgentRegistration {
	best := s.candidates[0]
	for _, c := range s.candidates[1:] {
		if c.CurrentConnections < best.CurrentConnections {
			best = c
		}
	}
	return best
}

type leastResponseTimeStrategy struct {
	signals signals
}

func (l leastResponseTimeStrategy) Select(s selection) *models.AgentRegistration {
	best := s.candidates[0]
	bestRT := l.signals.responseTime(best)
	for _, c := range s.candidates[1:] {
		if rt := l.signals.responseTime(c); rt < bestRT {
			best, bestRT = c, rt
		}
	}
	return best
}

type healthAwareStrategy struct {
	signals signals
}

func (h healthAwareStrategy) Select(s selection) *models.AgentRegistration {
	best := s.candidates[0]
	bestScore := h.signals.healthScore(best)
	for _, c := range s.candidates[1:] {
		if score := h.signals.healthScore(c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

type priorityStrategy struct {
	fallback Strategy
}

// Select sends critical traffic to the compliant agent with the lowest
// error rate. Without a compliant agent it behaves like the fallback.
func (p priorityStrategy) Select(s selection) *models.AgentRegistration {
	if s.priority != models.PriorityCritical {
		return p.fallback.Select(s)
	}
	var best *models.AgentRegistration
	for _, c := range s.candidates {
		if !c.IsCompliant() {
			continue
		}
		if best == nil || c.ErrorRate < best.ErrorRate {
			best = c
		}
	}
	if best == nil {
		return p.fallback.Select(s)
	}
	return best
}

type adaptiveStrategy struct {
	signals signals
	byName  map[Algorithm]Strategy
}

func (a adaptiveStrategy) Select(s selection) *models.AgentRegistration {
	return a.byName[a.choose(s)].Select(s)
}

func (a adaptiveStrategy) choose(s selection) Algorithm {
	if a.signals.recentErrorRate() > 0.10 {
		return HealthAware
	}
	var load float64
	for _, c := range s.candidates {
		load += c.LoadFactor
	}
	if load/float64(len(s.candidates)) > 0.70 {
		return LeastConnections
	}
	if s.priority.IsUrgent() {
		return PriorityRouting
	}
	return WeightedRoundRobin
}

func newStrategies(sig signals, seed int64) map[Algorithm]Strategy {
	health := healthAwareStrategy{signals: sig}
	byName := map[Algorithm]Strategy{
		RoundRobin:         &roundRobinStrategy{counters: make(map[string]uint64)},
		WeightedRoundRobin: &weightedStrategy{rnd: rand.New(rand.NewSource(seed))},
		LeastConnections:   leastConnectionsStrategy{},
		LeastResponseTime:  leastResponseTimeStrategy{signals: sig},
		HealthAware:        health,
		PriorityRouting:    priorityStrategy{fallback: health},
	}
	byName[Adaptive] = adaptiveStrategy{signals: sig, byName: byName}
	return byName
}

// compositeHealth blends capacity, reliability and status into [0, 1].
// A monitor score, when known, replaces the status term.
func compositeHealth(reg *models.AgentRegistration, monitorScore float64, known bool) float64 {
	status := 1 - reg.Status.StatusPenalty()/100
	if known {
		status = monitorScore
	}
	return 0.35*(1-reg.LoadFactor) + 0.35*(1-reg.ErrorRate) + 0.3*status
}
