package registry

import (
	"context"
	"errors"
	"fmt"
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
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChecker struct {
	mu   sync.Mutex
	down map[string]bool
}

func (p *fakeChecker) Ping(_ context.Context, endpoint string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[endpoint] {
		return 0, errors.New("connection refused")
	}
	return 10 * time.Millisecond, nil
}

func (p *fakeChecker) Stats(context.Context, string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func agent(id string, successRate float64) *models.AgentRegistration {
	return &models.AgentRegistration{
		AgentID:   id,
		AgentType: "image_analysis",
		Endpoint:  "http://" + id,
		Capabilities: []models.Capability{
			{Name: "analyze", SuccessRate: successRate, AvgResponseTime: 1.0},
		},
	}
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 30 * time.Second
	return New(NewMemoryStore().WithClock(c.Now), cfg, opts), c
}

func TestRegisterRejectsSensitiveWithoutCompliance(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	reg := agent("a1", 0.9)
	reg.Capabilities[0].RequiresSensitiveAccess = true
	reg.Compliance = models.ComplianceFlags{EncryptionEnabled: true}

	err := r.Register(ctx, reg)
	require.ErrorIs(t, err, ErrInvalidRegistration)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "compliance_flags", verr.Field)

	reg.Compliance.AuditEnabled = true
	require.NoError(t, r.Register(ctx, reg))
}

func TestRegisterSensitiveProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("sensitive registration requires encryption and audit", prop.ForAll(
		func(encryption, auditOn bool) bool {
			r, _ := newTestRegistry(t, Options{})
			reg := agent("a", 0.9)
			reg.Capabilities[0].RequiresSensitiveAccess = true
			reg.Compliance = models.ComplianceFlags{EncryptionEnabled: encryption, AuditEnabled: auditOn}
			err := r.Register(context.Background(), reg)
			return (err == nil) == (encryption && auditOn)
		},
		gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestRegisterDerivesErrorRateAndAudits(t *testing.T) {
	rec := &audit.Recorder{}
	r, _ := newTestRegistry(t, Options{Audit: rec})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agent("a1", 0.9)))
	got, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, got.ErrorRate, 1e-9)
	assert.Equal(t, models.StatusHealthy, got.Status)
	assert.False(t, got.RegisteredAt.IsZero())
	assert.Len(t, rec.OfType(audit.AgentRegistered), 1)

	var removed []string
	r.OnUnregister(func(id string) { removed = append(removed, id) })
	require.NoError(t, r.Unregister(ctx, "a1"))
	assert.Equal(t, []string{"a1"}, removed)
	assert.Len(t, rec.OfType(audit.AgentUnregistered), 1)

	_, err = r.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.ErrorIs(t, r.Unregister(ctx, "a1"), ErrAgentNotFound)
}

func TestDiscoverBySuccessRate(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agent("agent-1", 0.95)))
	require.NoError(t, r.Register(ctx, agent("agent-2", 0.4)))
	require.NoError(t, r.Register(ctx, agent("agent-3", 0.99)))

	found, err := r.Discover(ctx, Query{AgentType: "image_analysis", MinSuccessRate: 0.8})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "agent-3", found[0].AgentID)
	assert.Equal(t, "agent-1", found[1].AgentID)

	best, err := r.GetBest(ctx, Query{Capability: "analyze", MinSuccessRate: 0.8})
	require.NoError(t, err)
	assert.Equal(t, "agent-3", best.AgentID)

	_, err = r.GetBest(ctx, Query{Capability: "transcribe"})
	var noAgent *NoAgentError
	assert.ErrorAs(t, err, &noAgent)
}

func TestDiscoverFilters(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	busy := agent("busy", 0.9)
	busy.LoadFactor = 0.95
	sensitive := agent("phi", 0.9)
	sensitive.Capabilities[0].RequiresSensitiveAccess = true
	sensitive.Compliance = models.ComplianceFlags{EncryptionEnabled: true, AuditEnabled: true}
	for _, reg := range []*models.AgentRegistration{agent("plain", 0.9), busy, sensitive} {
		require.NoError(t, r.Register(ctx, reg))
	}

	found, _ := r.Discover(ctx, Query{MaxLoadFactor: 0.8})
	assert.Equal(t, []string{"phi", "plain"}, ids(found))

	found, _ = r.Discover(ctx, Query{Capability: "analyze", RequiresSensitiveAccess: true})
	assert.Equal(t, []string{"phi"}, ids(found))

	found, _ = r.Discover(ctx, Query{RequireCompliance: true})
	assert.Equal(t, []string{"phi"}, ids(found))

	found, _ = r.Discover(ctx, Query{PreferredAgents: []string{"busy"}})
	assert.Equal(t, "busy", found[0].AgentID)

	found, _ = r.Discover(ctx, Query{Limit: 1})
	assert.Len(t, found, 1)
}

func TestDiscoverNeverReturnsUnroutableOrExcluded(t *testing.T) {
	statuses := []models.AgentStatus{
		models.StatusHealthy, models.StatusDegraded, models.StatusUnhealthy,
		models.StatusUnreachable, models.StatusMaintenance, models.StatusStandby,
	}

	properties := gopter.NewProperties(nil)
	properties.Property("only healthy or degraded non-excluded agents", prop.ForAll(
		func(picks []int, excludeMask []bool) bool {
			r, _ := newTestRegistry(t, Options{})
			ctx := context.Background()
			var exclude []string
			for i, p := range picks {
				id := fmt.Sprintf("a%d", i)
				reg := agent(id, 0.9)
				reg.Status = statuses[p%len(statuses)]
				if err := r.Register(ctx, reg); err != nil {
					return false
				}
				if i < len(excludeMask) && excludeMask[i] {
					exclude = append(exclude, id)
				}
			}
			found, err := r.Discover(ctx, Query{ExcludeAgents: exclude})
			if err != nil {
				return false
			}
			for _, reg := range found {
				if !reg.Status.Routable() || contains(exclude, reg.AgentID) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}

func TestUpdateHealth(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, agent("a1", 0.9)))

	load, conns := 0.6, 4
	ok, err := r.UpdateHealth(ctx, "a1", models.StatusDegraded, HealthUpdate{
		LoadFactor:         &load,
		CurrentConnections: &conns,
		Capabilities:       map[string]CapabilityMetrics{"analyze": {SuccessRate: 0.7, AvgResponseTime: 2.5}},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := r.Get(ctx, "a1")
	assert.Equal(t, models.StatusDegraded, got.Status)
	assert.Equal(t, 0.6, got.LoadFactor)
	assert.Equal(t, 4, got.CurrentConnections)
	assert.Equal(t, 0.7, got.Capabilities[0].SuccessRate)
	assert.Equal(t, 2.5, got.Capabilities[0].AvgResponseTime)

	ok, err = r.UpdateHealth(ctx, "ghost", models.StatusHealthy, HealthUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckHealthMarksStaleAgentsUnreachable(t *testing.T) {
	checker := &fakeChecker{down: map[string]bool{}}
	r, c := newTestRegistry(t, Options{Checker: checker})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agent("quiet", 0.9)))
	require.NoError(t, r.Register(ctx, agent("chatty", 0.9)))

	c.Advance(31 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "chatty"))
	require.NoError(t, r.CheckHealth(ctx))

	quiet, _ := r.Get(ctx, "quiet")
	chatty, _ := r.Get(ctx, "chatty")
	assert.Equal(t, models.StatusUnreachable, quiet.Status)
	assert.Equal(t, models.StatusHealthy, chatty.Status)

	require.NoError(t, r.Heartbeat(ctx, "quiet"))
	quiet, _ = r.Get(ctx, "quiet")
	assert.Equal(t, models.StatusHealthy, quiet.Status)
}

func TestCheckHealthFlipsOnPing(t *testing.T) {
	checker := &fakeChecker{down: map[string]bool{"http://a1": true}}
	r, _ := newTestRegistry(t, Options{Checker: checker})
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, agent("a1", 0.9)))

	require.NoError(t, r.CheckHealth(ctx))
	got, _ := r.Get(ctx, "a1")
	assert.Equal(t, models.StatusUnhealthy, got.Status)

	checker.mu.Lock()
	checker.down = map[string]bool{}
	checker.mu.Unlock()

	require.NoError(t, r.CheckHealth(ctx))
	got, _ = r.Get(ctx, "a1")
	assert.Equal(t, models.StatusHealthy, got.Status)
}

// gatedChecker holds every ping until want pings are in flight at once.
type gatedChecker struct {
	want    int32
	mu      sync.Mutex
	active  int32
	peak    int32
	release chan struct{}
}

func (p *gatedChecker) Ping(ctx context.Context, _ string) (time.Duration, error) {
	p.mu.Lock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	if p.active == p.want {
		close(p.release)
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	select {
	case <-p.release:
		return time.Millisecond, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *gatedChecker) Stats(context.Context, string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func TestCheckHealthPingsConcurrently(t *testing.T) {
	checker := &gatedChecker{want: 4, release: make(chan struct{})}
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.PingTimeout = 5 * time.Second
	cfg.PingConcurrency = 4
	r := New(NewMemoryStore().WithClock(c.Now), cfg, Options{Checker: checker, Now: c.Now})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Register(ctx, agent(fmt.Sprintf("a%d", i), 0.9)))
	}

	start := time.Now()
	require.NoError(t, r.CheckHealth(ctx))
	assert.Less(t, time.Since(start), cfg.PingTimeout)
	assert.Equal(t, int32(4), checker.peak)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	for _, reg := range all {
		assert.Equal(t, models.StatusHealthy, reg.Status, reg.AgentID)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	s := NewMemoryStore().WithClock(c.Now)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "agents/a", []byte("1"), time.Second))
	require.NoError(t, s.Put(ctx, "agents/b", []byte("2"), 0))
	require.NoError(t, s.Put(ctx, "queues/x", []byte("3"), 0))

	all, _ := s.List(ctx, "agents/")
	assert.Len(t, all, 2)

	c.Advance(time.Second)
	_, err := s.Get(ctx, "agents/a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	all, _ = s.List(ctx, "agents/")
	assert.Equal(t, map[string][]byte{"agents/b": []byte("2")}, all)

	require.NoError(t, s.Delete(ctx, "agents/b"))
	_, err = s.Get(ctx, "agents/b")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func ids(regs []*models.AgentRegistration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.AgentID
	}
	return out
}
