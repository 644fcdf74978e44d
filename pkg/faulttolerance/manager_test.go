package faulttolerance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/health"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/registry"
	"github.com/syntor/agentmesh/pkg/resilience"
)

type fakeAlerts struct {
	listeners []health.AlertListener
	critical  bool

	mu       sync.Mutex
	resolved []string
}

func (f *fakeAlerts) Subscribe(l health.AlertListener) { f.listeners = append(f.listeners, l) }
func (f *fakeAlerts) HasCriticalAlerts() bool          { return f.critical }

func (f *fakeAlerts) ResolveAlert(_ context.Context, alertID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, alertID)
	return true
}

func (f *fakeAlerts) resolvedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

func (f *fakeAlerts) fire(a health.HealthAlert) {
	for _, l := range f.listeners {
		l(context.Background(), a)
	}
}

type fakeChecker struct {
	mu   sync.Mutex
	down map[string]bool
}

func (p *fakeChecker) setDown(endpoint string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[endpoint] = down
}

func (p *fakeChecker) Ping(_ context.Context, endpoint string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[endpoint] {
		return 0, errors.New("no route to host")
	}
	return time.Millisecond, nil
}

func (p *fakeChecker) Stats(context.Context, string) (map[string]float64, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	failures []Failure
}

func (n *recordingNotifier) NotifyStaff(_ context.Context, f Failure) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
	return nil
}

type env struct {
	reg      *registry.Registry
	alerts   *fakeAlerts
	checker  *fakeChecker
	notifier *recordingNotifier
	audit    *audit.Recorder
	manager  *Manager
	now      time.Time
}

func newEnv(t *testing.T, criticalTypes ...string) *env {
	t.Helper()
	e := &env{
		alerts:   &fakeAlerts{},
		checker:  &fakeChecker{down: map[string]bool{}},
		notifier: &recordingNotifier{},
		audit:    &audit.Recorder{},
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	e.reg = registry.New(registry.NewMemoryStore(), registry.DefaultConfig(), registry.Options{})
	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	e.manager = NewManager(e.reg, e.alerts, e.checker, breakers, Config{CriticalAgentTypes: criticalTypes}, Options{
		Notifier: e.notifier,
		Audit:    e.audit,
		Now:      func() time.Time { return e.now },
	})
	return e
}

func (e *env) add(t *testing.T, id, agentType string, status models.AgentStatus) {
	t.Helper()
	require.NoError(t, e.reg.Register(context.Background(), &models.AgentRegistration{
		AgentID:      id,
		AgentType:    agentType,
		Endpoint:     "http://" + id,
		Status:       status,
		Capabilities: []models.Capability{{Name: "work", SuccessRate: 0.99}},
	}))
}

func (e *env) status(t *testing.T, id string) models.AgentStatus {
	t.Helper()
	reg, err := e.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return reg.Status
}

func alert(agentID, agentType string, metric health.MetricType, severity health.AlertSeverity, message string) health.HealthAlert {
	return health.HealthAlert{ID: "alert-" + agentID, AgentID: agentID, AgentType: agentType, Metric: metric, Severity: severity, Message: message}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		alert health.HealthAlert
		want  FailureType
	}{
		{alert("a", "", health.MetricAvailability, health.SeverityError, "agent unresponsive: health endpoint not answering"), FailureUnresponsive},
		{alert("a", "", health.MetricCPU, health.SeverityCritical, "critical cpu_usage 0.97 exceeds 0.95: agent overloaded"), FailureOverloaded},
		{alert("a", "", health.MetricResponseTime, health.SeverityCritical, "critical response time 6.00s exceeds 5.00s (timeout risk)"), FailureNetworkTimeout},
		{alert("a", "", health.MetricCompliance, health.SeverityCritical, "compliance score 0.50 below 0.60: compliance violation"), FailureComplianceViolation},
		{alert("a", "", health.MetricErrorRate, health.SeverityCritical, "critical error rate 0.200 exceeds 0.150: processing errors"), FailureProcessingError},
		{alert("a", "", health.MetricMemory, health.SeverityCritical, ""), FailureOverloaded},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.alert), tc.alert.Message)
	}
}

func TestChooseStrategy(t *testing.T) {
	assert.Equal(t, StrategyEmergencyProtocol, ChooseStrategy(FailureOverloaded, true))
	assert.Equal(t, StrategyFailover, ChooseStrategy(FailureUnresponsive, false))
	assert.Equal(t, StrategyGracefulDegradation, ChooseStrategy(FailureOverloaded, false))
	assert.Equal(t, StrategyExponentialBackoff, ChooseStrategy(FailureNetworkTimeout, false))
	assert.Equal(t, StrategyManualIntervention, ChooseStrategy(FailureComplianceViolation, false))
	assert.Equal(t, StrategyCircuitBreaker, ChooseStrategy(FailureProcessingError, false))
}

func TestNextMode(t *testing.T) {
	assert.Equal(t, ModeEmergency, NextMode(ModeNormal, 0.2, false))
	assert.Equal(t, ModeEmergency, NextMode(ModeNormal, 1.0, true))
	assert.Equal(t, ModeDegraded, NextMode(ModeNormal, 0.5, false))
	assert.Equal(t, ModeNormal, NextMode(ModeDegraded, 0.95, false))
	assert.Equal(t, ModeRecovery, NextMode(ModeEmergency, 0.8, false))
	assert.Equal(t, ModeRecovery, NextMode(ModeRecovery, 0.8, false))
	assert.Equal(t, ModeNormal, NextMode(ModeNormal, 0.8, false))
	assert.Equal(t, ModeMaintenance, NextMode(ModeMaintenance, 0.0, true))
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, BackoffDelay(0))
	assert.Equal(t, 8*time.Second, BackoffDelay(3))
	assert.Equal(t, 32*time.Second, BackoffDelay(5))
	assert.Equal(t, 32*time.Second, BackoffDelay(9))
}

func TestUnresponsiveAgentFailsOver(t *testing.T) {
	e := newEnv(t)
	e.add(t, "w1", "triage", models.StatusUnreachable)
	e.add(t, "w2", "triage", models.StatusStandby)

	e.alerts.fire(alert("w1", "triage", health.MetricAvailability, health.SeverityError, "agent unresponsive"))

	assert.Equal(t, models.StatusHealthy, e.status(t, "w2"))
	assert.Equal(t, models.CircuitOpen, e.manager.breakers.State("w1"))

	failures := e.manager.ActiveFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, StrategyFailover, failures[0].Strategy)
	assert.Equal(t, "failed over to w2", failures[0].Outcome)
	assert.Len(t, e.audit.OfType(audit.FailureDetected), 1)
	assert.Len(t, e.audit.OfType(audit.RecoveryExecuted), 1)

	// a repeated alert is folded into the open failure
	e.alerts.fire(alert("w1", "triage", health.MetricAvailability, health.SeverityError, "agent unresponsive"))
	failures = e.manager.ActiveFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Occurrences)

	resolved := alert("w1", "triage", health.MetricAvailability, health.SeverityError, "agent unresponsive")
	resolved.Resolved = true
	e.alerts.fire(resolved)
	assert.Empty(t, e.manager.ActiveFailures())
	assert.Len(t, e.manager.FailureHistory(), 1)
}

func TestSafetyRiskTriggersEmergencyProtocol(t *testing.T) {
	e := newEnv(t, "patient_monitoring")
	e.add(t, "monitor-1", "patient_monitoring", models.StatusUnreachable)
	e.add(t, "spare-1", "records", models.StatusStandby)

	var modes []SystemMode
	e.manager.OnModeChange(func(_ context.Context, _, to SystemMode, _ string) { modes = append(modes, to) })

	e.alerts.fire(alert("monitor-1", "patient_monitoring", health.MetricAvailability, health.SeverityError, "agent unresponsive"))

	assert.Equal(t, ModeEmergency, e.manager.Mode())
	assert.Equal(t, []SystemMode{ModeEmergency}, modes)
	assert.Equal(t, models.StatusHealthy, e.status(t, "spare-1"))
	assert.Equal(t, models.StatusUnhealthy, e.status(t, "monitor-1"))
	assert.Equal(t, models.CircuitOpen, e.manager.breakers.State("monitor-1"))

	require.Len(t, e.notifier.failures, 1)
	assert.True(t, e.notifier.failures[0].SafetyRisk)
	assert.Equal(t, ImpactCritical, e.notifier.failures[0].Impact)
	assert.Len(t, e.audit.OfType(audit.ModeChanged), 1)
}

func TestWarningAlertsAreIgnored(t *testing.T) {
	e := newEnv(t)
	e.add(t, "w1", "triage", models.StatusHealthy)
	e.alerts.fire(alert("w1", "triage", health.MetricCPU, health.SeverityWarning, "warning cpu_usage: agent overloaded"))
	assert.Empty(t, e.manager.ActiveFailures())
}

func TestOverloadShedsLoad(t *testing.T) {
	e := newEnv(t)
	e.add(t, "w1", "triage", models.StatusHealthy)
	e.add(t, "w2", "triage", models.StatusHealthy)

	e.alerts.fire(alert("w1", "triage", health.MetricCPU, health.SeverityCritical, "critical cpu_usage 0.97 exceeds 0.95: agent overloaded"))

	assert.Equal(t, models.StatusDegraded, e.status(t, "w1"))
	assert.Equal(t, ModeNormal, e.manager.Mode())
}

func TestComplianceViolationNeedsManualIntervention(t *testing.T) {
	e := newEnv(t)
	e.add(t, "w1", "records", models.StatusHealthy)
	e.add(t, "w2", "records", models.StatusHealthy)

	e.alerts.fire(alert("w1", "records", health.MetricCompliance, health.SeverityCritical, "compliance violation"))

	require.Len(t, e.notifier.failures, 1)
	assert.Equal(t, FailureComplianceViolation, e.notifier.failures[0].Type)
	assert.Equal(t, models.StatusHealthy, e.status(t, "w1"))
	assert.Equal(t, models.CircuitClosed, e.manager.breakers.State("w1"))
}

func TestBackoffActionRetriesUntilSuccess(t *testing.T) {
	e := newEnv(t)
	e.add(t, "w1", "triage", models.StatusHealthy)
	e.add(t, "w2", "triage", models.StatusHealthy)
	e.checker.setDown("http://w1", true)

	e.manager.ReportFailure(context.Background(), "w1", FailureNetworkTimeout, "request timed out")

	actions := e.manager.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, e.now.Add(2*time.Second), actions[0].ScheduledAt)

	// not yet due
	e.manager.ExecuteDueActions(context.Background())
	assert.Equal(t, ActionPending, e.manager.Actions()[0].Status)

	e.now = e.now.Add(2 * time.Second)
	e.manager.ExecuteDueActions(context.Background())
	actions = e.manager.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, ActionFailed, actions[0].Status)
	assert.NotEmpty(t, actions[0].Error)
	assert.Equal(t, 2, actions[1].Attempt)
	assert.Equal(t, e.now.Add(4*time.Second), actions[1].ScheduledAt)

	e.checker.setDown("http://w1", false)
	e.now = e.now.Add(4 * time.Second)
	e.manager.ExecuteDueActions(context.Background())
	assert.Equal(t, ActionSucceeded, e.manager.Actions()[1].Status)
	assert.Empty(t, e.manager.ActiveFailures())
}

func TestBackoffIsBounded(t *testing.T) {
	e := newEnv(t)
	e.add(t, "w1", "triage", models.StatusHealthy)
	e.add(t, "w2", "triage", models.StatusHealthy)
	e.checker.setDown("http://w1", true)

	e.manager.ReportFailure(context.Background(), "w1", FailureNetworkTimeout, "request timed out")
	for i := 0; i < 10; i++ {
		e.now = e.now.Add(time.Minute)
		e.manager.ExecuteDueActions(context.Background())
	}
	actions := e.manager.Actions()
	assert.Len(t, actions, e.manager.config.MaxRetryAttempts)
	for _, a := range actions {
		assert.Equal(t, ActionFailed, a.Status)
	}
}

func TestReconcileBreakersClosesRecoveredAgents(t *testing.T) {
	e := newEnv(t)
	e.add(t, "back", "triage", models.StatusHealthy)
	e.add(t, "still-down", "triage", models.StatusHealthy)
	e.add(t, "sick", "triage", models.StatusUnhealthy)
	for _, id := range []string{"back", "still-down", "sick"} {
		e.manager.breakers.Get(id).ForceOpen()
	}
	e.manager.breakers.Get("gone").ForceOpen()
	e.checker.setDown("http://still-down", true)

	e.manager.ReconcileBreakers(context.Background())

	assert.Equal(t, models.CircuitClosed, e.manager.breakers.State("back"))
	assert.Equal(t, models.CircuitOpen, e.manager.breakers.State("still-down"))
	assert.Equal(t, models.CircuitOpen, e.manager.breakers.State("sick"))
	_, tracked := e.manager.breakers.Peek("gone")
	assert.False(t, tracked)
}

func TestRecoveredAgentClosesHealthAlert(t *testing.T) {
	e := newEnv(t)
	e.add(t, "flaky", "triage", models.StatusHealthy)
	ctx := context.Background()

	e.alerts.fire(alert("flaky", "triage", health.MetricErrorRate, health.SeverityCritical, "processing errors"))
	require.Len(t, e.manager.ActiveFailures(), 1)
	e.manager.breakers.Get("flaky").ForceOpen()

	e.manager.ReconcileBreakers(ctx)

	assert.Empty(t, e.manager.ActiveFailures())
	assert.Equal(t, []string{"alert-flaky"}, e.alerts.resolvedIDs())
}

func TestConcurrentAlertsAndReaders(t *testing.T) {
	e := newEnv(t)
	const agents = 20
	for i := 0; i < agents; i++ {
		e.add(t, fmt.Sprintf("worker-%d", i), "triage", models.StatusHealthy)
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-done:
				return
			default:
				for _, f := range e.manager.ActiveFailures() {
					_ = f.Strategy
					_ = f.Occurrences
				}
				_ = e.manager.Actions()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		id := fmt.Sprintf("worker-%d", i)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.alerts.fire(alert(id, "triage", health.MetricResponseTime, health.SeverityCritical, "slow responses"))
			}()
		}
	}
	wg.Wait()
	close(done)
	readers.Wait()

	failures := e.manager.ActiveFailures()
	require.Len(t, failures, agents)
	total := 0
	for _, f := range failures {
		assert.NotEmpty(t, f.Strategy)
		total += f.Occurrences
	}
	assert.Equal(t, 2*agents, total)
}

func TestAssessMode(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		e.add(t, id, "triage", models.StatusHealthy)
	}
	e.add(t, "spare", "triage", models.StatusStandby)
	ctx := context.Background()

	mode, err := e.manager.AssessMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, mode)

	require.NoError(t, e.reg.SetStatus(ctx, "a", models.StatusUnreachable))
	require.NoError(t, e.reg.SetStatus(ctx, "b", models.StatusUnreachable))
	mode, _ = e.manager.AssessMode(ctx)
	assert.Equal(t, ModeDegraded, mode)

	require.NoError(t, e.reg.SetStatus(ctx, "a", models.StatusHealthy))
	mode, _ = e.manager.AssessMode(ctx)
	assert.Equal(t, ModeRecovery, mode)

	require.NoError(t, e.reg.SetStatus(ctx, "b", models.StatusHealthy))
	mode, _ = e.manager.AssessMode(ctx)
	assert.Equal(t, ModeNormal, mode)

	e.alerts.critical = true
	mode, _ = e.manager.AssessMode(ctx)
	assert.Equal(t, ModeEmergency, mode)

	e.manager.SetMode(ctx, ModeMaintenance, "operator")
	mode, _ = e.manager.AssessMode(ctx)
	assert.Equal(t, ModeMaintenance, mode)

	st := e.manager.Status()
	assert.Equal(t, ModeMaintenance, st.Mode)
}
