package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
	"github.com/syntor/agentmesh/pkg/registry"
)

// Registry is the part of the service registry the monitor reads and updates.
type Registry interface {
	List(ctx context.Context, agentType string) ([]*models.AgentRegistration, error)
	SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error
	UpdateHealth(ctx context.Context, agentID string, status models.AgentStatus, update registry.HealthUpdate) (bool, error)
}

// AlertListener is notified when an alert is created, escalated or resolved.
type AlertListener func(ctx context.Context, alert HealthAlert)

// Config holds monitor configuration
type Config struct {
	CheckInterval         time.Duration `mapstructure:"check_interval" json:"check_interval"`
	DetailedCheckInterval time.Duration `mapstructure:"detailed_check_interval" json:"detailed_check_interval"`
	TrendInterval         time.Duration `mapstructure:"trend_interval" json:"trend_interval"`
	PingTimeout           time.Duration `mapstructure:"ping_timeout" json:"ping_timeout"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
	Concurrency           int           `mapstructure:"concurrency" json:"concurrency"`
	RecoverySamples       int           `mapstructure:"recovery_samples" json:"recovery_samples"`
	HistorySize           int           `mapstructure:"history_size" json:"history_size"`
	TrendTolerance        float64       `mapstructure:"trend_tolerance" json:"trend_tolerance"`

	// Thresholds override entries of DefaultThresholds.
	Thresholds map[MetricType]Threshold `mapstructure:"thresholds" json:"thresholds"`
}

// DefaultConfig returns default monitor configuration
func DefaultConfig() Config {
	return Config{
		CheckInterval:         30 * time.Second,
		DetailedCheckInterval: 300 * time.Second,
		TrendInterval:         60 * time.Second,
		PingTimeout:           5 * time.Second,
		HeartbeatTimeout:      90 * time.Second,
		Concurrency:           8,
		RecoverySamples:       5,
		HistorySize:           100,
		TrendTolerance:        0.01,
		Thresholds:            DefaultThresholds(),
	}
}

// Options carries the optional collaborators of a Monitor.
type Options struct {
	Logger  logging.Logger
	Metrics metrics.Collector
	Audit   audit.Sink
	Now     func() time.Time
}

// Monitor runs the basic and detailed health checks and owns the alert table.
type Monitor struct {
	registry Registry
	checker  protocol.Checker
	config   Config
	logger   logging.Logger
	metrics  metrics.Collector
	audit    audit.Sink
	now      func() time.Time

	mu       sync.RWMutex
	profiles map[string]*profile
	alerts   map[alertKey]*HealthAlert
	history  []HealthAlert

	listenMu  sync.RWMutex
	listeners []AlertListener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Threshold overrides in config are merged
// over the defaults.
func NewMonitor(reg Registry, checker protocol.Checker, config Config, opts Options) *Monitor {
	def := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.DetailedCheckInterval <= 0 {
		config.DetailedCheckInterval = def.DetailedCheckInterval
	}
	if config.TrendInterval <= 0 {
		config.TrendInterval = def.TrendInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.RecoverySamples <= 0 {
		config.RecoverySamples = def.RecoverySamples
	}
	if config.HistorySize < MinTrendSamples {
		config.HistorySize = def.HistorySize
	}
	if config.TrendTolerance <= 0 {
		config.TrendTolerance = def.TrendTolerance
	}
	thresholds := DefaultThresholds()
	for k, v := range config.Thresholds {
		thresholds[k] = v
	}
	config.Thresholds = thresholds

	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		registry: reg,
		checker:  checker,
		config:   config,
		logger:   logging.OrNop(opts.Logger).With(logging.String("component", "health_monitor")),
		metrics:  metrics.OrNop(opts.Metrics),
		audit:    audit.OrNop(opts.Audit),
		now:      opts.Now,
		profiles: make(map[string]*profile),
		alerts:   make(map[alertKey]*HealthAlert),
	}
}

// Subscribe registers an alert listener.
func (m *Monitor) Subscribe(l AlertListener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) notify(ctx context.Context, alerts []HealthAlert) {
	if len(alerts) == 0 {
		return
	}
	m.listenMu.RLock()
	listeners := append([]AlertListener(nil), m.listeners...)
	m.listenMu.RUnlock()
	for _, a := range alerts {
		for _, l := range listeners {
			l(ctx, a)
		}
	}
}

// Start launches the basic, detailed and trend loops.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.loop(ctx, m.config.CheckInterval, "basic check", m.BasicCheck)
	m.loop(ctx, m.config.DetailedCheckInterval, "detailed check", m.DetailedCheck)
	m.loop(ctx, m.config.TrendInterval, "trend analysis", func(context.Context) error {
		m.AnalyzeTrends()
		return nil
	})
}

// Stop cancels the loops and waits for in-flight checks.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn(name+" failed", logging.Err(err))
				}
			}
		}
	}()
}

// BasicCheck pings every registered agent and pushes liveness to the registry.
func (m *Monitor) BasicCheck(ctx context.Context) error {
	agents, err := m.registry.List(ctx, "")
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, reg := range agents {
		if reg.Status == models.StatusMaintenance || reg.Status == models.StatusStandby {
			continue
		}
		reg := reg
		g.Go(func() error {
			m.checkAgent(gctx, reg)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) checkAgent(ctx context.Context, reg *models.AgentRegistration) {
	now := m.now()
	alive := false
	var latency time.Duration

	if !registry.IsStale(reg, now, m.config.HeartbeatTimeout) {
		pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
		d, err := m.checker.Ping(pingCtx, reg.Endpoint)
		cancel()
		if err == nil {
			alive, latency = true, d
		} else {
			m.logger.Debug("ping failed", logging.AgentID(reg.AgentID), logging.Err(err))
		}
	}

	m.touch(reg, func(p *profile) {
		p.LastCheck = now
		if alive {
			p.ConsecutiveFails = 0
		} else {
			p.ConsecutiveFails++
		}
	})

	if alive {
		m.RecordMetric(ctx, reg, MetricResponseTime, latency.Seconds())
		m.RecordMetric(ctx, reg, MetricAvailability, 1)
		if reg.Status == models.StatusUnreachable || reg.Status == models.StatusUnhealthy {
			m.setStatus(ctx, reg.AgentID, models.StatusHealthy)
		}
		return
	}

	m.RecordMetric(ctx, reg, MetricAvailability, 0)
	if reg.Status != models.StatusUnreachable {
		m.setStatus(ctx, reg.AgentID, models.StatusUnreachable)
	}
}

// DetailedCheck pulls stats from routable agents and evaluates every metric.
func (m *Monitor) DetailedCheck(ctx context.Context) error {
	agents, err := m.registry.List(ctx, "")
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, reg := range agents {
		if !reg.Status.Routable() {
			continue
		}
		reg := reg
		g.Go(func() error {
			m.detailAgent(gctx, reg)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) detailAgent(ctx context.Context, reg *models.AgentRegistration) {
	statsCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	stats, err := m.checker.Stats(statsCtx, reg.Endpoint)
	cancel()
	if err != nil {
		m.logger.Warn("stats fetch failed", logging.AgentID(reg.AgentID), logging.Err(err))
		return
	}

	now := m.now()
	m.touch(reg, func(p *profile) { p.LastDetailed = now })

	for _, metric := range StatsMetrics {
		if v, ok := stats[string(metric)]; ok {
			m.RecordMetric(ctx, reg, metric, v)
		}
	}
	if reg.RequiresSensitiveAccess() {
		score := ComplianceScore(reg.Compliance, int(stats["access_violations"]))
		m.touch(reg, func(p *profile) { p.ComplianceScore = score })
		m.RecordMetric(ctx, reg, MetricCompliance, score)
	}

	update := registry.HealthUpdate{}
	if v, ok := stats[string(MetricErrorRate)]; ok {
		update.ErrorRate = &v
	}
	if v, ok := stats[string(MetricConnections)]; ok {
		n := int(v)
		update.CurrentConnections = &n
	}
	if v, ok := stats["load_factor"]; ok {
		update.LoadFactor = &v
	} else if v, ok := stats[string(MetricCPU)]; ok {
		update.LoadFactor = &v
	}

	status := models.StatusHealthy
	if p, ok := m.Profile(reg.AgentID); ok && p.Status != models.HealthHealthy {
		status = models.StatusDegraded
	}
	if _, err := m.registry.UpdateHealth(ctx, reg.AgentID, status, update); err != nil {
		m.logger.Error("failed to push health to registry", logging.AgentID(reg.AgentID), logging.Err(err))
	}
}

// RecordMetric stores a sample and runs it through the alert pipeline.
func (m *Monitor) RecordMetric(ctx context.Context, reg *models.AgentRegistration, metric MetricType, value float64) {
	var changed []HealthAlert

	m.mu.Lock()
	p := m.profileLocked(reg)
	now := m.now()
	p.record(metric, value, now, m.config.HistorySize)
	if t, ok := m.config.Thresholds[metric]; ok {
		changed = m.evaluateLocked(p, metric, t, value, now)
	}
	m.refreshStatusLocked(p)
	m.mu.Unlock()

	for _, a := range changed {
		m.publish(ctx, a)
	}
	m.notify(ctx, changed)
}

func (m *Monitor) evaluateLocked(p *profile, metric MetricType, t Threshold, value float64, now time.Time) []HealthAlert {
	key := alertKey{agentID: p.AgentID, metric: metric}
	open := m.alerts[key]
	severity := t.Severity(value)
	if metric == MetricAvailability && severity != "" {
		severity = SeverityError
	}

	if severity != "" {
		level := t.Warning
		if severity == SeverityCritical {
			level = t.Critical
		}
		if open == nil {
			a := newAlert(p.AgentID, p.AgentType, metric, severity, value, level, now)
			m.alerts[key] = a
			return []HealthAlert{*a}
		}
		open.recoverySamples = 0
		open.Value = value
		open.UpdatedAt = now
		if severity.AtLeast(open.Severity) && severity != open.Severity {
			open.Severity = severity
			open.Threshold = level
			open.Escalated = true
			open.Message = alertMessage(metric, severity, value, level)
			return []HealthAlert{*open}
		}
		return nil
	}

	if open == nil {
		return nil
	}
	// Only warnings clear themselves; worse alerts wait for ResolveAlert.
	if metric != MetricAvailability && open.Severity != SeverityWarning {
		return nil
	}
	if !t.Recovered(value) && metric != MetricAvailability {
		open.recoverySamples = 0
		return nil
	}
	open.recoverySamples++
	if metric != MetricAvailability && open.recoverySamples < m.config.RecoverySamples {
		return nil
	}
	open.Resolved = true
	open.ResolvedAt = now
	open.UpdatedAt = now
	delete(m.alerts, key)
	m.history = append(m.history, *open)
	return []HealthAlert{*open}
}

// refreshStatusLocked derives the profile status from open alerts, falling
// back to the averaged threshold score.
func (m *Monitor) refreshStatusLocked(p *profile) {
	var sum float64
	var n int
	for metric, v := range p.Latest {
		if t, ok := m.config.Thresholds[metric]; ok {
			sum += t.Score(v)
			n++
		}
	}
	if n > 0 {
		p.Score = sum / float64(n)
	}

	var warning, critical bool
	for key, a := range m.alerts {
		if key.agentID != p.AgentID {
			continue
		}
		if a.Severity.AtLeast(SeverityError) {
			critical = true
		} else if a.Severity == SeverityWarning {
			warning = true
		}
	}

	switch {
	case critical:
		p.Status = models.HealthCritical
	case warning:
		p.Status = models.HealthWarning
	case n == 0:
		p.Status = models.HealthUnknown
	case p.Score >= 0.8:
		p.Status = models.HealthHealthy
	case p.Score >= 0.5:
		p.Status = models.HealthWarning
	default:
		p.Status = models.HealthCritical
	}
}

func (m *Monitor) publish(ctx context.Context, a HealthAlert) {
	fields := []logging.Field{
		logging.AgentID(a.AgentID),
		logging.String("metric", string(a.Metric)),
		logging.String("severity", string(a.Severity)),
		logging.Float64("value", a.Value),
	}
	event := audit.AlertCreated
	switch {
	case a.Resolved:
		event = audit.AlertResolved
		m.logger.Info("alert resolved", fields...)
	case a.Escalated:
		m.logger.Warn("alert escalated", fields...)
	default:
		m.logger.Warn("alert raised", fields...)
		m.metrics.IncrementCounter(metrics.HealthAlerts.Name, map[string]string{
			"metric": string(a.Metric), "severity": string(a.Severity),
		})
	}
	m.audit.Emit(ctx, audit.NewEvent(event, a.AgentID, map[string]interface{}{
		"alert_id": a.ID,
		"metric":   string(a.Metric),
		"severity": string(a.Severity),
		"value":    a.Value,
		"message":  a.Message,
	}))
}

// AnalyzeTrends fits a slope and measures volatility over the recent samples
// of every metric.
func (m *Monitor) AnalyzeTrends() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.profiles {
		for metric, samples := range p.history {
			if len(samples) < MinTrendSamples {
				continue
			}
			window := samples
			if len(window) > 2*MinTrendSamples {
				window = window[len(window)-2*MinTrendSamples:]
			}
			stats := AnalyzeSamples(window, m.config.TrendTolerance)
			trend := stats.Direction
			p.Trends[metric] = trend
			p.TrendStats[metric] = stats
			if worsening(m.config.Thresholds[metric], trend) {
				m.logger.Info("metric trending toward threshold",
					logging.AgentID(p.AgentID),
					logging.String("metric", string(metric)),
					logging.String("trend", string(trend)))
			}
		}
	}
}

func worsening(t Threshold, trend Trend) bool {
	if t.Warning == 0 && t.Critical == 0 {
		return false
	}
	if t.Inverted {
		return trend == TrendDecreasing
	}
	return trend == TrendIncreasing
}

func (m *Monitor) touch(reg *models.AgentRegistration, fn func(*profile)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.profileLocked(reg))
}

func (m *Monitor) profileLocked(reg *models.AgentRegistration) *profile {
	p, ok := m.profiles[reg.AgentID]
	if !ok {
		p = newProfile(reg)
		m.profiles[reg.AgentID] = p
	}
	return p
}

func (m *Monitor) setStatus(ctx context.Context, agentID string, status models.AgentStatus) {
	if err := m.registry.SetStatus(ctx, agentID, status); err != nil {
		m.logger.Warn("failed to set agent status",
			logging.AgentID(agentID), logging.String("status", string(status)), logging.Err(err))
	}
}

// Forget drops the profile and open alerts of an agent.
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, agentID)
	for key := range m.alerts {
		if key.agentID == agentID {
			delete(m.alerts, key)
		}
	}
}

// Profile returns a snapshot of one agent's profile.
func (m *Monitor) Profile(agentID string) (AgentProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[agentID]
	if !ok {
		return AgentProfile{}, false
	}
	return p.snapshot(), true
}

// Profiles returns snapshots of all profiles ordered by agent id.
func (m *Monitor) Profiles() []AgentProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// History returns the samples of one metric.
func (m *Monitor) History(agentID string, metric MetricType) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[agentID]
	if !ok {
		return nil
	}
	return append([]Sample(nil), p.history[metric]...)
}

// ActiveAlerts returns the open alerts ordered by creation time.
func (m *Monitor) ActiveAlerts() []HealthAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealthAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolvedAlerts returns the alert history.
func (m *Monitor) ResolvedAlerts() []HealthAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HealthAlert(nil), m.history...)
}

// HasCriticalAlerts reports whether any critical alert is open.
func (m *Monitor) HasCriticalAlerts() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ResolveAlert closes an open alert by id.
func (m *Monitor) ResolveAlert(ctx context.Context, alertID string) bool {
	var resolved *HealthAlert

	m.mu.Lock()
	for key, a := range m.alerts {
		if a.ID != alertID {
			continue
		}
		now := m.now()
		a.Resolved = true
		a.ResolvedAt = now
		a.UpdatedAt = now
		delete(m.alerts, key)
		m.history = append(m.history, *a)
		if p, ok := m.profiles[key.agentID]; ok {
			m.refreshStatusLocked(p)
		}
		copied := *a
		resolved = &copied
		break
	}
	m.mu.Unlock()

	if resolved == nil {
		return false
	}
	m.publish(ctx, *resolved)
	m.notify(ctx, []HealthAlert{*resolved})
	return true
}

// HealthScore returns the averaged threshold score of an agent.
func (m *Monitor) HealthScore(agentID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[agentID]
	if !ok {
		return 0, false
	}
	return p.Score, true
}
