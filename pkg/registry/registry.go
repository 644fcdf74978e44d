package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
)

var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidRegistration = errors.New("invalid registration")
)

// ValidationError describes why a registration was rejected.
type ValidationError = models.ValidationError

const agentKeyPrefix = "agents/"

// Config holds registry configuration
type Config struct {
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" json:"health_check_interval"`
	// RegistrationTTL bounds how long a registration survives without a
	// heartbeat in stores that expire keys. Zero disables expiry.
	RegistrationTTL time.Duration `mapstructure:"registration_ttl" json:"registration_ttl"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout" json:"ping_timeout"`
	// PingConcurrency bounds the pings in flight during one liveness cycle.
	PingConcurrency int `mapstructure:"ping_concurrency" json:"ping_concurrency"`
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:    90 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		PingTimeout:         5 * time.Second,
		PingConcurrency:     10,
	}
}

// Options carries the optional collaborators of a Registry.
type Options struct {
	Checker protocol.Checker
	Logger  logging.Logger
	Metrics metrics.Collector
	Audit   audit.Sink
	Now     func() time.Time
}

// Registry stores agent registrations in a Store and answers discovery queries.
type Registry struct {
	store   Store
	config  Config
	checker protocol.Checker
	logger  logging.Logger
	metrics metrics.Collector
	audit   audit.Sink
	now     func() time.Time

	// mu serializes read-modify-write cycles against the store.
	mu sync.Mutex

	hookMu       sync.RWMutex
	onUnregister []func(agentID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry over store.
func New(store Store, config Config, opts Options) *Registry {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = DefaultConfig().PingTimeout
	}
	if config.PingConcurrency <= 0 {
		config.PingConcurrency = DefaultConfig().PingConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:   store,
		config:  config,
		checker: opts.Checker,
		logger:  logging.OrNop(opts.Logger).With(logging.String("component", "registry")),
		metrics: metrics.OrNop(opts.Metrics),
		audit:   audit.OrNop(opts.Audit),
		now:     opts.Now,
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// OnUnregister adds a callback invoked after an agent is removed.
func (r *Registry) OnUnregister(fn func(agentID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

func agentKey(id string) string {
	return agentKeyPrefix + id
}

// Register validates and stores a registration, replacing any previous one
// with the same id.
func (r *Registry) Register(ctx context.Context, reg *models.AgentRegistration) error {
	if reg == nil {
		return fmt.Errorf("%w: nil registration", ErrInvalidRegistration)
	}
	if err := reg.Validate(); err != nil {
		r.recordOp("register", "rejected")
		return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}

	stored := reg.Clone()
	now := r.now().UTC()
	if stored.Status == "" {
		stored.Status = models.StatusHealthy
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	stored.LastHeartbeat = now
	if stored.ErrorRate == 0 && len(stored.Capabilities) > 0 {
		stored.ErrorRate = 1 - stored.SuccessRate()
	}

	r.mu.Lock()
	err := r.put(ctx, stored)
	r.mu.Unlock()
	if err != nil {
		r.recordOp("register", "error")
		return err
	}

	r.recordOp("register", "ok")
	r.logger.Info("agent registered",
		logging.AgentID(stored.AgentID),
		logging.String("agent_type", stored.AgentType),
		logging.Int("capabilities", len(stored.Capabilities)))
	r.audit.Emit(ctx, audit.NewEvent(audit.AgentRegistered, stored.AgentID, map[string]interface{}{
		"agent_type":   stored.AgentType,
		"endpoint":     stored.Endpoint,
		"capabilities": capabilityNames(stored),
		"sensitive":    stored.RequiresSensitiveAccess(),
	}))
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, err := r.get(ctx, agentID)
	if err == nil {
		err = r.store.Delete(ctx, agentKey(agentID))
	}
	r.mu.Unlock()
	if err != nil {
		r.recordOp("unregister", "error")
		return err
	}

	r.recordOp("unregister", "ok")
	r.logger.Info("agent unregistered", logging.AgentID(agentID))
	r.audit.Emit(ctx, audit.NewEvent(audit.AgentUnregistered, agentID, nil))

	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onUnregister...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(agentID)
	}
	return nil
}

// CapabilityMetrics are observed per-capability figures.
type CapabilityMetrics struct {
	SuccessRate     float64
	AvgResponseTime float64
}

// HealthUpdate carries the metrics reported with a status change. Nil
// fields are left untouched.
type HealthUpdate struct {
	LoadFactor         *float64
	CurrentConnections *int
	ErrorRate          *float64
	Capabilities       map[string]CapabilityMetrics
}

// UpdateHealth sets status and applies metrics. An empty status keeps the
// current one. It returns false when the agent is unknown.
func (r *Registry) UpdateHealth(ctx context.Context, agentID string, status models.AgentStatus, update HealthUpdate) (bool, error) {
	found, err := r.mutate(ctx, agentID, func(reg *models.AgentRegistration) {
		if status != "" {
			reg.Status = status
		}
		if update.LoadFactor != nil {
			reg.LoadFactor = clamp01(*update.LoadFactor)
		}
		if update.CurrentConnections != nil {
			reg.CurrentConnections = *update.CurrentConnections
		}
		if update.ErrorRate != nil {
			reg.ErrorRate = clamp01(*update.ErrorRate)
		}
		for i := range reg.Capabilities {
			if m, ok := update.Capabilities[reg.Capabilities[i].Name]; ok {
				reg.Capabilities[i].SuccessRate = clamp01(m.SuccessRate)
				reg.Capabilities[i].AvgResponseTime = m.AvgResponseTime
			}
		}
	})
	if errors.Is(err, ErrAgentNotFound) {
		return false, nil
	}
	return found, err
}

// SetStatus changes only the status of an agent.
func (r *Registry) SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	_, err := r.mutate(ctx, agentID, func(reg *models.AgentRegistration) {
		reg.Status = status
	})
	return err
}

// Heartbeat refreshes the liveness timestamp. An agent marked unreachable
// for a missed heartbeat becomes healthy again.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	_, err := r.mutate(ctx, agentID, func(reg *models.AgentRegistration) {
		reg.LastHeartbeat = r.now().UTC()
		if reg.Status == models.StatusUnreachable {
			reg.Status = models.StatusHealthy
		}
	})
	return err
}

// Get returns a copy of one registration.
func (r *Registry) Get(ctx context.Context, agentID string) (*models.AgentRegistration, error) {
	return r.get(ctx, agentID)
}

// List returns all registrations, optionally of one agent type, ordered by id.
func (r *Registry) List(ctx context.Context, agentType string) ([]*models.AgentRegistration, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	if agentType == "" {
		return all, nil
	}
	out := all[:0]
	for _, reg := range all {
		if reg.AgentType == agentType {
			out = append(out, reg)
		}
	}
	return out, nil
}

// Discover returns the routable agents matching q, best first.
func (r *Registry) Discover(ctx context.Context, q Query) ([]*models.AgentRegistration, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	return q.Apply(all), nil
}

// GetBest returns the most suitable agent for q.
func (r *Registry) GetBest(ctx context.Context, q Query) (*models.AgentRegistration, error) {
	q.Limit = 1
	found, err := r.Discover(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &NoAgentError{Query: q}
	}
	return found[0], nil
}

// Start launches the heartbeat and liveness loop.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.runHealthChecks(ctx)
}

// Stop ends the loop and waits for it.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) runHealthChecks(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.CheckHealth(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("health check cycle failed", logging.Err(err))
			}
		}
	}
}

// IsStale reports whether reg has missed its heartbeat window at now.
func IsStale(reg *models.AgentRegistration, now time.Time, timeout time.Duration) bool {
	return now.Sub(reg.LastHeartbeat) > timeout
}

// CheckHealth runs one liveness cycle: stale agents become unreachable,
// the rest are pinged and flipped between healthy and unhealthy.
func (r *Registry) CheckHealth(ctx context.Context) error {
	all, err := r.all(ctx)
	if err != nil {
		return err
	}

	now := r.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.PingConcurrency)
	for _, reg := range all {
		if reg.Status == models.StatusMaintenance {
			continue
		}

		if IsStale(reg, now, r.config.HeartbeatTimeout) {
			if reg.Status != models.StatusUnreachable {
				r.logger.Warn("agent heartbeat expired",
					logging.AgentID(reg.AgentID),
					logging.Duration("age", now.Sub(reg.LastHeartbeat)))
				r.transition(ctx, reg.AgentID, models.StatusUnreachable)
			}
			continue
		}

		if r.checker == nil || reg.Status == models.StatusStandby {
			continue
		}

		reg := reg
		g.Go(func() error {
			r.pingAgent(gctx, reg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.publishStatusGauge(ctx)
	return nil
}

func (r *Registry) pingAgent(ctx context.Context, reg *models.AgentRegistration) {
	pingCtx, cancel := context.WithTimeout(ctx, r.config.PingTimeout)
	_, err := r.checker.Ping(pingCtx, reg.Endpoint)
	cancel()

	switch {
	case err != nil && reg.Status.Routable():
		r.logger.Warn("agent not responding", logging.AgentID(reg.AgentID), logging.Err(err))
		r.transition(ctx, reg.AgentID, models.StatusUnhealthy)
	case err == nil && (reg.Status == models.StatusUnhealthy || reg.Status == models.StatusUnreachable):
		r.logger.Info("agent responding again", logging.AgentID(reg.AgentID))
		r.transition(ctx, reg.AgentID, models.StatusHealthy)
	}
}

func (r *Registry) transition(ctx context.Context, agentID string, status models.AgentStatus) {
	if err := r.SetStatus(ctx, agentID, status); err != nil && !errors.Is(err, ErrAgentNotFound) {
		r.logger.Error("failed to update agent status", logging.AgentID(agentID), logging.Err(err))
	}
}

func (r *Registry) publishStatusGauge(ctx context.Context) {
	all, err := r.all(ctx)
	if err != nil {
		return
	}
	counts := map[models.AgentStatus]int{
		models.StatusHealthy: 0, models.StatusDegraded: 0, models.StatusUnhealthy: 0,
		models.StatusUnreachable: 0, models.StatusMaintenance: 0, models.StatusStandby: 0,
	}
	for _, reg := range all {
		counts[reg.Status]++
	}
	for status, n := range counts {
		r.metrics.SetGauge(metrics.RegisteredAgents.Name, float64(n), map[string]string{"status": string(status)})
	}
}

func (r *Registry) mutate(ctx context.Context, agentID string, fn func(*models.AgentRegistration)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.get(ctx, agentID)
	if err != nil {
		return false, err
	}
	fn(reg)
	if err := r.put(ctx, reg); err != nil {
		return true, err
	}
	return true, nil
}

func (r *Registry) put(ctx context.Context, reg *models.AgentRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err := r.store.Put(ctx, agentKey(reg.AgentID), data, r.config.RegistrationTTL); err != nil {
		return fmt.Errorf("failed to store agent %s: %w", reg.AgentID, err)
	}
	return nil
}

func (r *Registry) get(ctx context.Context, agentID string) (*models.AgentRegistration, error) {
	data, err := r.store.Get(ctx, agentKey(agentID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	var reg models.AgentRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to decode agent %s: %w", agentID, err)
	}
	return &reg, nil
}

func (r *Registry) all(ctx context.Context) ([]*models.AgentRegistration, error) {
	entries, err := r.store.List(ctx, agentKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]*models.AgentRegistration, 0, len(entries))
	for _, key := range sortedKeys(entries) {
		var reg models.AgentRegistration
		if err := json.Unmarshal(entries[key], &reg); err != nil {
			r.logger.Warn("skipping undecodable registration", logging.String("key", key), logging.Err(err))
			continue
		}
		out = append(out, &reg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (r *Registry) recordOp(op, status string) {
	r.metrics.IncrementCounter(metrics.RegistryOperations.Name, map[string]string{"operation": op, "status": status})
}

func capabilityNames(reg *models.AgentRegistration) []string {
	names := make([]string, len(reg.Capabilities))
	for i, c := range reg.Capabilities {
		names[i] = c.Name
	}
	return names
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
