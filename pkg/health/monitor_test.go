package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/registry"
)

type fakeChecker struct {
	mu    sync.Mutex
	down  map[string]bool
	stats map[string]map[string]float64
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{down: map[string]bool{}, stats: map[string]map[string]float64{}}
}

func (p *fakeChecker) Ping(_ context.Context, endpoint string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[endpoint] {
		return 0, errors.New("connection refused")
	}
	return 50 * time.Millisecond, nil
}

func (p *fakeChecker) Stats(_ context.Context, endpoint string) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]float64{}
	for k, v := range p.stats[endpoint] {
		out[k] = v
	}
	return out, nil
}

type testEnv struct {
	reg     *registry.Registry
	monitor *Monitor
	checker *fakeChecker
	audit   *audit.Recorder
	now     time.Time
	mu      sync.Mutex
}

func (e *testEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), checker: newFakeChecker(), audit: &audit.Recorder{}}
	e.reg = registry.New(registry.NewMemoryStore().WithClock(e.Now), registry.Config{HeartbeatTimeout: time.Minute}, registry.Options{Now: e.Now})
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Minute
	e.monitor = NewMonitor(e.reg, e.checker, cfg, Options{Now: e.Now, Audit: e.audit})
	return e
}

func (e *testEnv) register(t *testing.T, id string) *models.AgentRegistration {
	t.Helper()
	reg := &models.AgentRegistration{
		AgentID:      id,
		AgentType:    "triage",
		Endpoint:     "http://" + id,
		Capabilities: []models.Capability{{Name: "score", SuccessRate: 0.99}},
	}
	require.NoError(t, e.reg.Register(context.Background(), reg))
	got, err := e.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestWarningAlertLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	reg := e.register(t, "a1")

	var notified []HealthAlert
	e.monitor.Subscribe(func(_ context.Context, a HealthAlert) { notified = append(notified, a) })

	e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.08)
	e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.09)
	require.Len(t, e.monitor.ActiveAlerts(), 1)
	assert.Equal(t, SeverityWarning, e.monitor.ActiveAlerts()[0].Severity)
	assert.Len(t, notified, 1)

	p, _ := e.monitor.Profile("a1")
	assert.Equal(t, models.HealthWarning, p.Status)

	// inside the hysteresis band: no progress toward recovery
	e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.046)
	for i := 0; i < 4; i++ {
		e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.01)
	}
	require.Len(t, e.monitor.ActiveAlerts(), 1)

	e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.01)
	assert.Empty(t, e.monitor.ActiveAlerts())
	require.Len(t, e.monitor.ResolvedAlerts(), 1)
	assert.True(t, notified[len(notified)-1].Resolved)

	p, _ = e.monitor.Profile("a1")
	assert.Equal(t, models.HealthHealthy, p.Status)
	assert.Len(t, e.audit.OfType(audit.AlertCreated), 1)
	assert.Len(t, e.audit.OfType(audit.AlertResolved), 1)
}

func TestCriticalBreachEscalatesOpenAlert(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	reg := e.register(t, "a1")

	var notified []HealthAlert
	e.monitor.Subscribe(func(_ context.Context, a HealthAlert) { notified = append(notified, a) })

	e.monitor.RecordMetric(ctx, reg, MetricCPU, 0.85)
	e.monitor.RecordMetric(ctx, reg, MetricCPU, 0.97)

	alerts := e.monitor.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.True(t, alerts[0].Escalated)
	assert.Contains(t, alerts[0].Message, "overloaded")
	assert.Len(t, notified, 2)
	assert.True(t, e.monitor.HasCriticalAlerts())

	p, _ := e.monitor.Profile("a1")
	assert.Equal(t, models.HealthCritical, p.Status)

	assert.True(t, e.monitor.ResolveAlert(ctx, alerts[0].ID))
	assert.False(t, e.monitor.HasCriticalAlerts())
	assert.False(t, e.monitor.ResolveAlert(ctx, alerts[0].ID))
}

func TestCriticalAlertWaitsForExplicitResolution(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	reg := e.register(t, "a1")

	e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.50)
	alerts := e.monitor.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.Equal(t, SeverityCritical, alerts[0].Severity)

	for i := 0; i < 10; i++ {
		e.monitor.RecordMetric(ctx, reg, MetricErrorRate, 0.01)
	}
	require.Len(t, e.monitor.ActiveAlerts(), 1)
	assert.Empty(t, e.monitor.ResolvedAlerts())
	assert.True(t, e.monitor.HasCriticalAlerts())

	assert.True(t, e.monitor.ResolveAlert(ctx, alerts[0].ID))
	assert.Empty(t, e.monitor.ActiveAlerts())
	require.Len(t, e.monitor.ResolvedAlerts(), 1)
}

func TestBasicCheckMarksStaleAgentUnreachable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "quiet")
	e.register(t, "live")

	var notified []HealthAlert
	e.monitor.Subscribe(func(_ context.Context, a HealthAlert) { notified = append(notified, a) })

	e.Advance(2 * time.Minute)
	require.NoError(t, e.reg.Heartbeat(ctx, "live"))
	require.NoError(t, e.monitor.BasicCheck(ctx))

	quiet, _ := e.reg.Get(ctx, "quiet")
	live, _ := e.reg.Get(ctx, "live")
	assert.Equal(t, models.StatusUnreachable, quiet.Status)
	assert.Equal(t, models.StatusHealthy, live.Status)

	require.Len(t, notified, 1)
	assert.Equal(t, "quiet", notified[0].AgentID)
	assert.Equal(t, SeverityError, notified[0].Severity)
	assert.Contains(t, notified[0].Message, "unresponsive")

	p, _ := e.monitor.Profile("live")
	assert.InDelta(t, 0.05, p.Latest[MetricResponseTime], 1e-9)
}

func TestBasicCheckRestoresRespondingAgent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "a1")
	e.checker.down["http://a1"] = true

	require.NoError(t, e.monitor.BasicCheck(ctx))
	got, _ := e.reg.Get(ctx, "a1")
	assert.Equal(t, models.StatusUnreachable, got.Status)
	require.Len(t, e.monitor.ActiveAlerts(), 1)

	e.checker.mu.Lock()
	e.checker.down = map[string]bool{}
	e.checker.mu.Unlock()

	require.NoError(t, e.monitor.BasicCheck(ctx))
	got, _ = e.reg.Get(ctx, "a1")
	assert.Equal(t, models.StatusHealthy, got.Status)
	assert.Empty(t, e.monitor.ActiveAlerts())
}

func TestBasicCheckLeavesStandbyAgentsAlone(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Register(ctx, &models.AgentRegistration{
		AgentID:      "spare",
		AgentType:    "triage",
		Endpoint:     "http://spare",
		Status:       models.StatusStandby,
		Capabilities: []models.Capability{{Name: "score", SuccessRate: 0.99}},
	}))
	e.checker.down["http://spare"] = true

	require.NoError(t, e.monitor.BasicCheck(ctx))
	got, err := e.reg.Get(ctx, "spare")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStandby, got.Status)
	assert.Empty(t, e.monitor.ActiveAlerts())
}

func TestDetailedCheckPushesMetricsToRegistry(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "a1")
	e.checker.stats["http://a1"] = map[string]float64{
		"response_time":    0.4,
		"error_rate":       0.07,
		"cpu_usage":        0.5,
		"connection_count": 12,
	}

	require.NoError(t, e.monitor.DetailedCheck(ctx))

	got, _ := e.reg.Get(ctx, "a1")
	assert.Equal(t, models.StatusDegraded, got.Status)
	assert.Equal(t, 0.07, got.ErrorRate)
	assert.Equal(t, 0.5, got.LoadFactor)
	assert.Equal(t, 12, got.CurrentConnections)

	alerts := e.monitor.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, MetricErrorRate, alerts[0].Metric)
}

func TestDetailedCheckScoresCompliance(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	reg := &models.AgentRegistration{
		AgentID:      "phi",
		AgentType:    "records",
		Endpoint:     "http://phi",
		Capabilities: []models.Capability{{Name: "read", SuccessRate: 1, RequiresSensitiveAccess: true}},
		Compliance:   models.ComplianceFlags{EncryptionEnabled: true, AuditEnabled: true},
	}
	require.NoError(t, e.reg.Register(ctx, reg))
	e.checker.stats["http://phi"] = map[string]float64{"access_violations": 5}

	require.NoError(t, e.monitor.DetailedCheck(ctx))

	p, _ := e.monitor.Profile("phi")
	assert.InDelta(t, 0.5, p.ComplianceScore, 1e-9)
	alerts := e.monitor.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "compliance violation")
}

func TestAnalyzeTrends(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	reg := e.register(t, "a1")

	for i := 0; i < 12; i++ {
		e.monitor.RecordMetric(ctx, reg, MetricQueueLength, float64(10+5*i))
		e.monitor.RecordMetric(ctx, reg, MetricMemory, 0.5)
	}
	e.monitor.AnalyzeTrends()

	p, _ := e.monitor.Profile("a1")
	assert.Equal(t, TrendIncreasing, p.Trends[MetricQueueLength])
	assert.Equal(t, TrendStable, p.Trends[MetricMemory])
	assert.Len(t, e.monitor.History("a1", MetricMemory), 12)

	queue := p.TrendStats[MetricQueueLength]
	assert.Equal(t, TrendIncreasing, queue.Direction)
	assert.InDelta(t, 5.0, queue.Slope, 1e-9)
	assert.Greater(t, queue.Volatility, 0.0)
	assert.InDelta(t, 0.0, p.TrendStats[MetricMemory].Volatility, 1e-12)
}

func TestVolatility(t *testing.T) {
	assert.Zero(t, Volatility(nil))
	assert.Zero(t, Volatility([]float64{3}))
	assert.InDelta(t, 2.0, Volatility([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
}

func TestDetectTrendNeedsMinimumSamples(t *testing.T) {
	samples := make([]Sample, MinTrendSamples-1)
	for i := range samples {
		samples[i] = Sample{Value: float64(100 - i*10)}
	}
	assert.Equal(t, TrendStable, DetectTrend(samples, 0.01))

	samples = append(samples, Sample{Value: 0})
	assert.Equal(t, TrendDecreasing, DetectTrend(samples, 0.01))
	assert.InDelta(t, 2.0, Slope([]float64{1, 3, 5, 7}), 1e-9)
}

func TestThresholds(t *testing.T) {
	rt := DefaultThresholds()[MetricResponseTime]
	assert.Equal(t, AlertSeverity(""), rt.Severity(1.0))
	assert.Equal(t, SeverityWarning, rt.Severity(2.0))
	assert.Equal(t, SeverityCritical, rt.Severity(6.0))
	assert.Equal(t, 1.0, rt.Score(1.0))
	assert.InDelta(t, 0.5, rt.Score(3.5), 1e-9)
	assert.Equal(t, 0.0, rt.Score(5.0))
	assert.True(t, rt.Recovered(1.7))
	assert.False(t, rt.Recovered(1.9))

	tp := DefaultThresholds()[MetricThroughput]
	assert.Equal(t, SeverityWarning, tp.Severity(0.5))
	assert.Equal(t, SeverityCritical, tp.Severity(0.05))
	assert.Equal(t, AlertSeverity(""), tp.Severity(5))

	assert.Equal(t, 1.0, ComplianceScore(models.ComplianceFlags{EncryptionEnabled: true, AuditEnabled: true}, 0))
	assert.InDelta(t, 0.6, ComplianceScore(models.ComplianceFlags{AuditEnabled: true}, 0), 1e-9)
	assert.Equal(t, 0.0, ComplianceScore(models.ComplianceFlags{}, 3))
}

func TestThresholdScoreProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("score stays within [0, 1] and never rises as the value worsens", prop.ForAll(
		func(a, b float64) bool {
			for _, th := range DefaultThresholds() {
				lo, hi := a, b
				if lo > hi {
					lo, hi = hi, lo
				}
				better, worse := lo, hi
				if th.Inverted {
					better, worse = hi, lo
				}
				s1, s2 := th.Score(better), th.Score(worse)
				if s1 < 0 || s1 > 1 || s2 < 0 || s2 > 1 || s2 > s1 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 2000),
		gen.Float64Range(0, 2000),
	))

	properties.TestingRun(t)
}
