// Package balancer routes messages to agents: it discovers candidates, picks
// one with a load balancing algorithm, consults the agent's circuit breaker
// and fails over across the remaining candidates.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
	"github.com/syntor/agentmesh/pkg/registry"
	"github.com/syntor/agentmesh/pkg/resilience"
)

var (
	ErrNoAgents  = errors.New("no suitable agents")
	ErrQueueFull = errors.New("routing queue full")
	ErrStopped   = errors.New("balancer stopped")
)

// RoutingError reports why routing to an agent failed.
type RoutingError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *RoutingError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("routing to agent %s failed: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("routing to agent %s failed: %s", e.AgentID, e.Reason)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Discoverer finds candidate agents.
type Discoverer interface {
	Discover(ctx context.Context, q registry.Query) ([]*models.AgentRegistration, error)
}

// Sender delivers a message and waits for its response.
type Sender interface {
	Send(ctx context.Context, endpoint string, msg *models.Message) (*models.Message, error)
}

// HealthScorer exposes monitor health scores.
type HealthScorer interface {
	HealthScore(agentID string) (float64, bool)
}

// Request is one message to route.
type Request struct {
	Message    *models.Message
	AgentType  string
	Capability string
	Algorithm  Algorithm
	// Timeout bounds each dispatch attempt; zero uses the configured default.
	Timeout         time.Duration
	PreferredAgents []string
	ExcludeAgents   []string
}

// Config holds load balancer configuration
type Config struct {
	DefaultAlgorithm Algorithm     `mapstructure:"default_algorithm" json:"default_algorithm"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	QueueSize        int           `mapstructure:"queue_size" json:"queue_size"`
	ErrorWindow      int           `mapstructure:"error_window" json:"error_window"`
	Seed             int64         `mapstructure:"seed" json:"seed"`
}

// DefaultConfig returns default load balancer configuration
func DefaultConfig() Config {
	return Config{
		DefaultAlgorithm: Adaptive,
		RequestTimeout:   30 * time.Second,
		QueueSize:        1000,
		ErrorWindow:      100,
		Seed:             time.Now().UnixNano(),
	}
}

// Options carries the optional collaborators of a Balancer.
type Options struct {
	Breakers *resilience.BreakerSet
	Health   HealthScorer
	Logger   logging.Logger
	Metrics  metrics.Collector
}

// AgentStats are the balancer's observations of one agent.
type AgentStats struct {
	Requests        int64   `json:"requests"`
	Failures        int64   `json:"failures"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// Stats summarizes routing activity.
type Stats struct {
	Routed          int64                 `json:"routed"`
	Failed          int64                 `json:"failed"`
	Failovers       int64                 `json:"failovers"`
	BreakerRejects  int64                 `json:"breaker_rejects"`
	RecentErrorRate float64               `json:"recent_error_rate"`
	QueueDepth      map[string]int        `json:"queue_depth"`
	Agents          map[string]AgentStats `json:"agents"`
}

// Balancer routes requests to agents.
type Balancer struct {
	discoverer Discoverer
	sender     Sender
	breakers   *resilience.BreakerSet
	health     HealthScorer
	config     Config
	logger     logging.Logger
	metrics    metrics.Collector
	strategies map[Algorithm]Strategy

	mu       sync.Mutex
	agents   map[string]*AgentStats
	outcomes []bool // ring of recent dispatch failures
	next     int
	filled   bool
	stats    Stats

	tiers *tiers
}

// New creates a load balancer.
func New(d Discoverer, s Sender, config Config, opts Options) *Balancer {
	def := DefaultConfig()
	if config.DefaultAlgorithm == "" {
		config.DefaultAlgorithm = def.DefaultAlgorithm
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.ErrorWindow <= 0 {
		config.ErrorWindow = def.ErrorWindow
	}
	if config.Seed == 0 {
		config.Seed = def.Seed
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig())
	}

	b := &Balancer{
		discoverer: d,
		sender:     s,
		breakers:   opts.Breakers,
		health:     opts.Health,
		config:     config,
		logger:     logging.OrNop(opts.Logger).With(logging.String("component", "load_balancer")),
		metrics:    metrics.OrNop(opts.Metrics),
		agents:     make(map[string]*AgentStats),
		outcomes:   make([]bool, config.ErrorWindow),
	}
	b.strategies = newStrategies(b, config.Seed)
	return b
}

// Breakers returns the breaker set consulted before every dispatch.
func (b *Balancer) Breakers() *resilience.BreakerSet {
	return b.breakers
}

// QueryFor builds the discovery query for req, tightened by priority.
func QueryFor(req Request) registry.Query {
	q := registry.Query{
		AgentType:       req.AgentType,
		Capability:      req.Capability,
		PreferredAgents: req.PreferredAgents,
		ExcludeAgents:   req.ExcludeAgents,
	}
	if req.Message != nil {
		q.RequiresSensitiveAccess = req.Message.AuthLevel.RequiresSensitiveAccess()
	}

	priority := models.PriorityNormal
	if req.Message != nil {
		priority = req.Message.Priority
	}
	switch priority {
	case models.PriorityCritical:
		q.MaxLoadFactor, q.MinSuccessRate = 1.0, 0.5
	case models.PriorityHigh:
		q.MaxLoadFactor, q.MinSuccessRate = 0.9, 0.7
	default:
		q.MaxLoadFactor, q.MinSuccessRate = 0.8, 0.8
	}
	return q
}

// Route delivers req to one suitable agent. Normal and low priority requests
// pass through the tier queues while the balancer is started.
func (b *Balancer) Route(ctx context.Context, req Request) (*models.Message, error) {
	if req.Message == nil {
		return nil, errors.New("route: nil message")
	}
	if t := b.tierQueues(); t != nil && !req.Message.Priority.IsUrgent() {
		return t.submit(ctx, req)
	}
	return b.route(ctx, req)
}

func (b *Balancer) route(ctx context.Context, req Request) (*models.Message, error) {
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = b.config.DefaultAlgorithm
	}
	strategy, ok := b.strategies[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown load balancing algorithm %q", algorithm)
	}

	priority := req.Message.Priority
	labels := map[string]string{"algorithm": string(algorithm), "priority": priority.String()}
	logger := b.logger.WithContext(ctx).With(
		logging.MessageID(req.Message.ID),
		logging.Method(req.Message.Method),
		logging.String("priority", priority.String()))

	candidates, err := b.discoverer.Discover(ctx, QueryFor(req))
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	if len(candidates) == 0 {
		b.outcome(labels, "no_agents")
		return nil, fmt.Errorf("%w: %s", ErrNoAgents, describe(req))
	}

	var firstErr error
	attempts := 0
	for len(candidates) > 0 {
		agent := strategy.Select(selection{candidates: candidates, agentType: req.AgentType, priority: priority})
		candidates = without(candidates, agent.AgentID)

		breaker := b.breakers.Get(agent.AgentID)
		if !breaker.ShouldAllowRequest() {
			b.mu.Lock()
			b.stats.BreakerRejects++
			b.mu.Unlock()
			logger.Debug("circuit open, skipping agent", logging.AgentID(agent.AgentID))
			if firstErr == nil {
				firstErr = &RoutingError{AgentID: agent.AgentID, Reason: resilience.ErrCircuitOpen.Error(), Err: resilience.ErrCircuitOpen}
			}
			continue
		}

		if attempts > 0 {
			b.mu.Lock()
			b.stats.Failovers++
			b.mu.Unlock()
			logger.Info("failing over", logging.AgentID(agent.AgentID), logging.Int("attempt", attempts+1))
		}
		attempts++

		resp, err := b.dispatch(ctx, agent, req)
		if err == nil {
			breaker.RecordSuccess()
			b.outcome(labels, "success")
			return resp, protocol.ResponseError(resp)
		}

		if ctx.Err() != nil {
			// The caller gave up; the agent is not to blame.
			breaker.RecordCancelled()
			if firstErr == nil {
				firstErr = &RoutingError{AgentID: agent.AgentID, Reason: "request cancelled", Err: ctx.Err()}
			}
			break
		}
		breaker.RecordFailure()
		logger.Warn("dispatch failed", logging.AgentID(agent.AgentID), logging.Err(err))
		if firstErr == nil {
			firstErr = &RoutingError{AgentID: agent.AgentID, Reason: "dispatch failed", Err: err}
		}
	}

	b.outcome(labels, "exhausted")
	return nil, firstErr
}

// dispatch sends to one agent. A reply carrying a non-retryable RPC error
// counts as a success of the agent.
func (b *Balancer) dispatch(ctx context.Context, agent *models.AgentRegistration, req Request) (*models.Message, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.config.RequestTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := b.sender.Send(dctx, agent.Endpoint, req.Message)
	elapsed := time.Since(start)
	if err == nil && resp != nil && resp.Error != nil && protocol.IsRetryable(resp.Error) {
		err = resp.Error
	}
	if ctx.Err() == nil {
		b.observe(agent.AgentID, elapsed, err != nil)
	}
	return resp, err
}

func (b *Balancer) observe(agentID string, elapsed time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.agents[agentID]
	if !ok {
		s = &AgentStats{}
		b.agents[agentID] = s
	}
	s.Requests++
	if failed {
		s.Failures++
	} else {
		secs := elapsed.Seconds()
		if s.AvgResponseTime == 0 {
			s.AvgResponseTime = secs
		} else {
			s.AvgResponseTime = 0.8*s.AvgResponseTime + 0.2*secs
		}
	}

	b.outcomes[b.next] = failed
	b.next = (b.next + 1) % len(b.outcomes)
	if b.next == 0 {
		b.filled = true
	}
}

func (b *Balancer) outcome(labels map[string]string, outcome string) {
	b.mu.Lock()
	if outcome == "success" {
		b.stats.Routed++
	} else {
		b.stats.Failed++
	}
	b.mu.Unlock()

	l := map[string]string{"outcome": outcome}
	for k, v := range labels {
		l[k] = v
	}
	b.metrics.IncrementCounter(metrics.RoutingDecisions.Name, l)
}

// responseTime prefers observed latency over the declared figure.
func (b *Balancer) responseTime(reg *models.AgentRegistration) float64 {
	b.mu.Lock()
	s, ok := b.agents[reg.AgentID]
	b.mu.Unlock()
	if ok && s.AvgResponseTime > 0 {
		return s.AvgResponseTime
	}
	return reg.AvgResponseTime()
}

func (b *Balancer) healthScore(reg *models.AgentRegistration) float64 {
	var score float64
	known := false
	if b.health != nil {
		score, known = b.health.HealthScore(reg.AgentID)
	}
	return compositeHealth(reg, score, known)
}

func (b *Balancer) recentErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentErrorRateLocked()
}

func (b *Balancer) recentErrorRateLocked() float64 {
	n := b.next
	if b.filled {
		n = len(b.outcomes)
	}
	if n == 0 {
		return 0
	}
	failed := 0
	for _, f := range b.outcomes[:n] {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(n)
}

// Stats returns a snapshot of routing activity.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	out := b.stats
	out.RecentErrorRate = b.recentErrorRateLocked()
	out.Agents = make(map[string]AgentStats, len(b.agents))
	for id, s := range b.agents {
		out.Agents[id] = *s
	}
	b.mu.Unlock()

	out.QueueDepth = map[string]int{}
	if t := b.tierQueues(); t != nil {
		out.QueueDepth = t.depths()
	}
	return out
}

func without(regs []*models.AgentRegistration, agentID string) []*models.AgentRegistration {
	out := make([]*models.AgentRegistration, 0, len(regs))
	for _, r := range regs {
		if r.AgentID != agentID {
			out = append(out, r)
		}
	}
	return out
}

func describe(req Request) string {
	parts := []string{}
	if req.AgentType != "" {
		parts = append(parts, "type="+req.AgentType)
	}
	if req.Capability != "" {
		parts = append(parts, "capability="+req.Capability)
	}
	if len(parts) == 0 {
		parts = append(parts, "method="+req.Message.Method)
	}
	sort.Strings(parts)
	return fmt.Sprint(parts)
}
