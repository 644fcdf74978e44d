// Package faulttolerance reacts to agent failures. It tracks the system mode,
// turns health alerts into classified failures, runs one recovery strategy
// per failure and re-closes circuit breakers once agents come back.
package faulttolerance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/health"
	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
	"github.com/syntor/agentmesh/pkg/registry"
	"github.com/syntor/agentmesh/pkg/resilience"
)

// Registry is the part of the service registry the manager needs.
type Registry interface {
	List(ctx context.Context, agentType string) ([]*models.AgentRegistration, error)
	Get(ctx context.Context, agentID string) (*models.AgentRegistration, error)
	SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error
}

const reasonAlertResolved = "alert resolved"

// AlertSource is the health monitor as seen by the manager.
type AlertSource interface {
	Subscribe(l health.AlertListener)
	HasCriticalAlerts() bool
	ResolveAlert(ctx context.Context, alertID string) bool
}

// Notifier reaches the humans on call.
type Notifier interface {
	NotifyStaff(ctx context.Context, f Failure) error
}

// ModeListener observes mode changes.
type ModeListener func(ctx context.Context, from, to SystemMode, reason string)

// Config holds fault tolerance configuration
type Config struct {
	AssessmentInterval time.Duration `mapstructure:"assessment_interval" json:"assessment_interval"`
	ActionInterval     time.Duration `mapstructure:"action_interval" json:"action_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval" json:"reconcile_interval"`
	CheckTimeout       time.Duration `mapstructure:"check_timeout" json:"check_timeout"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts" json:"max_retry_attempts"`
	HistoryLimit       int           `mapstructure:"history_limit" json:"history_limit"`
	CriticalAgentTypes []string      `mapstructure:"critical_agent_types" json:"critical_agent_types"`
}

// DefaultConfig returns default fault tolerance configuration
func DefaultConfig() Config {
	return Config{
		AssessmentInterval: 30 * time.Second,
		ActionInterval:     time.Second,
		ReconcileInterval:  15 * time.Second,
		CheckTimeout:       5 * time.Second,
		MaxRetryAttempts:   5,
		HistoryLimit:       1000,
	}
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	Notifier Notifier
	Logger   logging.Logger
	Metrics  metrics.Collector
	Audit    audit.Sink
	Now      func() time.Time
}

// Manager is the fault tolerance manager.
type Manager struct {
	registry Registry
	alerts   AlertSource
	checker  protocol.Checker
	breakers *resilience.BreakerSet
	notifier Notifier
	config   Config
	logger   logging.Logger
	metrics  metrics.Collector
	audit    audit.Sink
	now      func() time.Time
	critical map[string]bool

	mu      sync.Mutex
	mode    SystemMode
	active  map[failureKey]*Failure
	history []Failure
	actions []*RecoveryAction

	listenMu  sync.RWMutex
	listeners []ModeListener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager sharing breakers with the load balancer.
func NewManager(reg Registry, alerts AlertSource, checker protocol.Checker, breakers *resilience.BreakerSet, config Config, opts Options) *Manager {
	def := DefaultConfig()
	if config.AssessmentInterval <= 0 {
		config.AssessmentInterval = def.AssessmentInterval
	}
	if config.ActionInterval <= 0 {
		config.ActionInterval = def.ActionInterval
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = def.ReconcileInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = def.CheckTimeout
	}
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := logging.OrNop(opts.Logger).With(logging.String("component", "fault_tolerance"))
	if opts.Notifier == nil {
		opts.Notifier = &LogNotifier{Logger: logger, Audit: opts.Audit}
	}

	critical := make(map[string]bool, len(config.CriticalAgentTypes))
	for _, t := range config.CriticalAgentTypes {
		critical[t] = true
	}

	m := &Manager{
		registry: reg,
		alerts:   alerts,
		checker:  checker,
		breakers: breakers,
		notifier: opts.Notifier,
		config:   config,
		logger:   logger,
		metrics:  metrics.OrNop(opts.Metrics),
		audit:    audit.OrNop(opts.Audit),
		now:      opts.Now,
		critical: critical,
		mode:     ModeNormal,
		active:   make(map[failureKey]*Failure),
	}
	if alerts != nil {
		alerts.Subscribe(m.HandleAlert)
	}
	return m
}

// OnModeChange registers a mode listener.
func (m *Manager) OnModeChange(l ModeListener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Mode returns the current system mode.
func (m *Manager) Mode() SystemMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode changes the mode and reports whether it changed.
func (m *Manager) SetMode(ctx context.Context, mode SystemMode, reason string) bool {
	m.mu.Lock()
	from := m.mode
	m.mode = mode
	m.mu.Unlock()
	if from == mode {
		return false
	}

	m.logger.Warn("system mode changed",
		logging.String("from", string(from)),
		logging.String("to", string(mode)),
		logging.String("reason", reason))
	for _, candidate := range AllModes {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		m.metrics.SetGauge(metrics.SystemMode.Name, v, map[string]string{"mode": string(candidate)})
	}
	m.audit.Emit(ctx, audit.NewEvent(audit.ModeChanged, "", map[string]interface{}{
		"from": string(from), "to": string(mode), "reason": reason,
	}))

	m.listenMu.RLock()
	listeners := append([]ModeListener(nil), m.listeners...)
	m.listenMu.RUnlock()
	for _, l := range listeners {
		l(ctx, from, mode, reason)
	}
	return true
}

// Start launches the assessment, action and reconciliation loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.loop(ctx, m.config.AssessmentInterval, "mode assessment", func(ctx context.Context) error {
		_, err := m.AssessMode(ctx)
		return err
	})
	m.loop(ctx, m.config.ActionInterval, "recovery actions", func(ctx context.Context) error {
		m.ExecuteDueActions(ctx)
		return nil
	})
	m.loop(ctx, m.config.ReconcileInterval, "breaker reconciliation", func(ctx context.Context) error {
		m.ReconcileBreakers(ctx)
		return nil
	})
}

// Stop cancels the loops and waits for them.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
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

// AssessMode recomputes the system mode from fleet health.
func (m *Manager) AssessMode(ctx context.Context) (SystemMode, error) {
	fraction, err := m.healthyFraction(ctx)
	if err != nil {
		return m.Mode(), err
	}
	critical := m.alerts != nil && m.alerts.HasCriticalAlerts()

	current := m.Mode()
	next := NextMode(current, fraction, critical)
	if next != current {
		m.SetMode(ctx, next, "fleet assessment")
	}
	return next, nil
}

// healthyFraction is the share of active agents that are routable with a
// closed breaker. Standby and maintenance agents are not counted.
func (m *Manager) healthyFraction(ctx context.Context) (float64, error) {
	all, err := m.registry.List(ctx, "")
	if err != nil {
		return 0, err
	}
	var total, good int
	for _, reg := range all {
		if reg.Status == models.StatusMaintenance || reg.IsStandby() {
			continue
		}
		total++
		if reg.Status.Routable() && m.breakers.State(reg.AgentID) == models.CircuitClosed {
			good++
		}
	}
	if total == 0 {
		return 1, nil
	}
	return float64(good) / float64(total), nil
}

// HandleAlert turns a serious alert into a failure and recovers from it.
// Resolved alerts close the matching failure.
func (m *Manager) HandleAlert(ctx context.Context, alert health.HealthAlert) {
	kind := Classify(alert)
	key := failureKey{agentID: alert.AgentID, kind: kind}

	if alert.Resolved {
		m.resolve(ctx, key, reasonAlertResolved)
		return
	}
	if !alert.Severity.AtLeast(health.SeverityError) {
		return
	}

	if m.repeat(key) {
		return
	}
	f := &Failure{
		ID:          uuid.New().String(),
		AgentID:     alert.AgentID,
		AgentType:   alert.AgentType,
		Type:        kind,
		Severity:    alert.Severity,
		Message:     alert.Message,
		AlertID:     alert.ID,
		Occurrences: 1,
		DetectedAt:  m.now(),
	}
	m.assess(ctx, f)

	// f is read-only once published, apart from fields written under mu.
	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		existing.Occurrences++
		m.mu.Unlock()
		return
	}
	m.active[key] = f
	m.mu.Unlock()

	m.handle(ctx, f)
}

// repeat counts another occurrence of an already active failure.
func (m *Manager) repeat(key failureKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.active[key]
	if ok {
		f.Occurrences++
	}
	return ok
}

// occurrences reads the occurrence count of a published failure.
func (m *Manager) occurrences(f *Failure) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f.Occurrences
}

// ReportFailure records a failure observed outside the alert pipeline.
func (m *Manager) ReportFailure(ctx context.Context, agentID string, kind FailureType, message string) {
	reg, err := m.registry.Get(ctx, agentID)
	agentType := ""
	if err == nil {
		agentType = reg.AgentType
	}
	m.HandleAlert(ctx, health.HealthAlert{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		AgentType: agentType,
		Severity:  health.SeverityError,
		Message:   message,
		Metric:    metricFor(kind),
		CreatedAt: m.now(),
	})
}

func metricFor(kind FailureType) health.MetricType {
	switch kind {
	case FailureUnresponsive:
		return health.MetricAvailability
	case FailureOverloaded:
		return health.MetricCPU
	case FailureNetworkTimeout:
		return health.MetricResponseTime
	case FailureComplianceViolation:
		return health.MetricCompliance
	default:
		return health.MetricErrorRate
	}
}

// assess fills in the agent type, impact and strategy of an unpublished failure.
func (m *Manager) assess(ctx context.Context, f *Failure) {
	if f.AgentType == "" {
		if reg, err := m.registry.Get(ctx, f.AgentID); err == nil {
			f.AgentType = reg.AgentType
		}
	}
	alternates := m.alternates(ctx, f)
	f.Impact, f.SafetyRisk = AssessImpact(m.critical[f.AgentType], alternates, f.Severity)
	f.Strategy = ChooseStrategy(f.Type, f.SafetyRisk)
}

func (m *Manager) handle(ctx context.Context, f *Failure) {
	logger := m.logger.With(
		logging.AgentID(f.AgentID),
		logging.String("failure_type", string(f.Type)),
		logging.String("strategy", string(f.Strategy)),
		logging.String("impact", string(f.Impact)))
	logger.Warn("failure detected", logging.Bool("safety_risk", f.SafetyRisk))

	m.audit.Emit(ctx, audit.NewEvent(audit.FailureDetected, f.AgentID, map[string]interface{}{
		"failure_id":   f.ID,
		"failure_type": string(f.Type),
		"impact":       string(f.Impact),
		"safety_risk":  f.SafetyRisk,
		"strategy":     string(f.Strategy),
		"message":      f.Message,
	}))
	m.metrics.IncrementCounter(metrics.FailuresHandled.Name, map[string]string{
		"failure_type": string(f.Type), "strategy": string(f.Strategy),
	})

	outcome, err := handlers[f.Strategy].Recover(ctx, m, f)
	if err != nil {
		outcome = "recovery failed: " + err.Error()
		logger.Error("recovery failed", logging.Err(err))
	} else {
		logger.Info("recovery executed", logging.String("outcome", outcome))
	}

	m.mu.Lock()
	f.Outcome = outcome
	m.mu.Unlock()

	m.audit.Emit(ctx, audit.NewEvent(audit.RecoveryExecuted, f.AgentID, map[string]interface{}{
		"failure_id": f.ID,
		"strategy":   string(f.Strategy),
		"outcome":    outcome,
		"success":    err == nil,
	}))
}

// alternates counts other routable agents of the same type.
func (m *Manager) alternates(ctx context.Context, f *Failure) int {
	if f.AgentType == "" {
		return 0
	}
	all, err := m.registry.List(ctx, f.AgentType)
	if err != nil {
		return 0
	}
	n := 0
	for _, reg := range all {
		if reg.AgentID != f.AgentID && reg.Status.Routable() && m.breakers.State(reg.AgentID) != models.CircuitOpen {
			n++
		}
	}
	return n
}

// requiresCompliance holds when the failed agent carried sensitive traffic.
func (m *Manager) requiresCompliance(all []*models.AgentRegistration, failedID string) bool {
	for _, reg := range all {
		if reg.AgentID == failedID {
			return reg.RequiresSensitiveAccess()
		}
	}
	return false
}

// activateStandby brings standby agents of agentType (all types when empty)
// into service.
func (m *Manager) activateStandby(ctx context.Context, agentType string) (int, error) {
	all, err := m.registry.List(ctx, agentType)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, reg := range all {
		if !reg.IsStandby() {
			continue
		}
		if err := m.registry.SetStatus(ctx, reg.AgentID, models.StatusHealthy); err != nil {
			m.logger.Error("failed to activate standby agent", logging.AgentID(reg.AgentID), logging.Err(err))
			continue
		}
		m.breakers.Get(reg.AgentID).Reset()
		m.logger.Info("standby agent activated", logging.AgentID(reg.AgentID))
		n++
	}
	return n, nil
}

// isolate moves traffic off an agent.
func (m *Manager) isolate(ctx context.Context, agentID string) {
	m.breakers.Get(agentID).ForceOpen()
	if err := m.registry.SetStatus(ctx, agentID, models.StatusUnhealthy); err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
		m.logger.Error("failed to isolate agent", logging.AgentID(agentID), logging.Err(err))
	}
}

func (m *Manager) schedule(f *Failure, strategy Strategy, attempt int) RecoveryAction {
	a := &RecoveryAction{
		ID:          uuid.New().String(),
		FailureID:   f.ID,
		AgentID:     f.AgentID,
		Strategy:    strategy,
		Attempt:     attempt,
		ScheduledAt: m.now().Add(BackoffDelay(attempt)),
		Status:      ActionPending,
	}
	m.mu.Lock()
	m.actions = append(m.actions, a)
	m.mu.Unlock()
	return *a
}

// ExecuteDueActions runs pending actions whose time has come. A successful
// live check closes the agent's breaker and resolves the failure; a failed one is
// rescheduled until MaxRetryAttempts is reached.
func (m *Manager) ExecuteDueActions(ctx context.Context) {
	now := m.now()
	var due []*RecoveryAction

	m.mu.Lock()
	for _, a := range m.actions {
		if a.Status == ActionPending && !a.ScheduledAt.After(now) {
			due = append(due, a)
		}
	}
	m.mu.Unlock()

	for _, a := range due {
		err := m.verify(ctx, a.AgentID)

		m.mu.Lock()
		a.ExecutedAt = m.now()
		var failure *Failure
		for _, f := range m.active {
			if f.ID == a.FailureID {
				failure = f
			}
		}
		if err == nil {
			a.Status = ActionSucceeded
		} else {
			a.Status = ActionFailed
			a.Error = err.Error()
		}
		m.mu.Unlock()

		if err == nil {
			m.breakers.Get(a.AgentID).Reset()
			if failure != nil {
				m.resolve(ctx, failureKey{agentID: failure.AgentID, kind: failure.Type}, "recovery action succeeded")
			}
			continue
		}

		m.logger.Warn("recovery action failed",
			logging.AgentID(a.AgentID), logging.Int("attempt", a.Attempt), logging.Err(err))
		if failure != nil && a.Attempt < m.config.MaxRetryAttempts {
			m.schedule(failure, a.Strategy, a.Attempt+1)
		}
	}
	m.pruneActions()
}

func (m *Manager) pruneActions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.actions) <= m.config.HistoryLimit {
		return
	}
	kept := m.actions[:0]
	drop := len(m.actions) - m.config.HistoryLimit
	for _, a := range m.actions {
		if drop > 0 && a.Status != ActionPending {
			drop--
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
}

// ReconcileBreakers pings every agent whose breaker is not closed and whose
// registry status is routable again. One successful ping closes the breaker.
func (m *Manager) ReconcileBreakers(ctx context.Context) {
	for _, agentID := range m.breakers.NotClosed() {
		reg, err := m.registry.Get(ctx, agentID)
		if errors.Is(err, registry.ErrAgentNotFound) {
			m.breakers.Remove(agentID)
			continue
		}
		if err != nil || !reg.Status.Routable() {
			continue
		}

		if err := m.verify(ctx, agentID); err != nil {
			m.logger.Debug("breaker check failed", logging.AgentID(agentID), logging.Err(err))
			continue
		}
		m.breakers.Get(agentID).Reset()
		m.logger.Info("circuit breaker closed after live check", logging.AgentID(agentID))
		m.resolveAgent(ctx, agentID)
	}
}

func (m *Manager) verify(ctx context.Context, agentID string) error {
	if m.checker == nil {
		return errors.New("no checker configured")
	}
	reg, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()
	_, err = m.checker.Ping(pctx, reg.Endpoint)
	return err
}

func (m *Manager) resolve(ctx context.Context, key failureKey, reason string) {
	m.mu.Lock()
	f, ok := m.active[key]
	if ok {
		delete(m.active, key)
		f.Resolved = true
		f.ResolvedAt = m.now()
		if f.Outcome == "" {
			f.Outcome = reason
		}
		m.history = append(m.history, *f)
		if len(m.history) > m.config.HistoryLimit {
			m.history = m.history[len(m.history)-m.config.HistoryLimit:]
		}
	}
	m.mu.Unlock()

	if ok && reason != reasonAlertResolved && m.alerts != nil {
		m.alerts.ResolveAlert(ctx, f.AlertID)
	}
	if ok {
		m.logger.Info("failure resolved",
			logging.AgentID(key.agentID),
			logging.String("failure_type", string(key.kind)),
			logging.String("reason", reason))
	}
}

func (m *Manager) resolveAgent(ctx context.Context, agentID string) {
	m.mu.Lock()
	var keys []failureKey
	for key := range m.active {
		if key.agentID == agentID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.resolve(ctx, key, "agent recovered")
	}
}

// ActiveFailures returns unresolved failures, oldest first.
func (m *Manager) ActiveFailures() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Failure, 0, len(m.active))
	for _, f := range m.active {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// FailureHistory returns resolved failures.
func (m *Manager) FailureHistory() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Failure(nil), m.history...)
}

// Actions returns all tracked recovery actions.
func (m *Manager) Actions() []RecoveryAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecoveryAction, len(m.actions))
	for i, a := range m.actions {
		out[i] = *a
	}
	return out
}

// Status summarizes the manager for operators.
type Status struct {
	Mode           SystemMode `json:"mode"`
	ActiveFailures int        `json:"active_failures"`
	PendingActions int        `json:"pending_actions"`

	Breakers map[string]resilience.CircuitBreakerStats `json:"breakers"`
}

// Status returns the current mode, failure count and breaker states.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{Mode: m.mode, ActiveFailures: len(m.active)}
	for _, a := range m.actions {
		if a.Status == ActionPending {
			s.PendingActions++
		}
	}
	m.mu.Unlock()
	s.Breakers = m.breakers.Snapshot()
	return s
}

// LogNotifier reports staff notifications to the log and the audit sink.
type LogNotifier struct {
	Logger logging.Logger
	Audit  audit.Sink
}

func (n *LogNotifier) NotifyStaff(ctx context.Context, f Failure) error {
	logging.OrNop(n.Logger).Error("staff notification",
		logging.AgentID(f.AgentID),
		logging.String("failure_type", string(f.Type)),
		logging.String("impact", string(f.Impact)),
		logging.Bool("safety_risk", f.SafetyRisk))
	audit.OrNop(n.Audit).Emit(ctx, audit.NewEvent(audit.FailureDetected, f.AgentID, map[string]interface{}{
		"failure_id":   f.ID,
		"notification": "staff",
		"impact":       string(f.Impact),
	}))
	return nil
}
