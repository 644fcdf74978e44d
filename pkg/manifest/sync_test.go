package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/registry"
)

func runSyncer(t *testing.T, s *Syncer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSyncerRegistersLoadedManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "static-1", "static")

	catalog := newCatalog(t, dir)
	reg := registry.New(registry.NewMemoryStore(), registry.DefaultConfig(), registry.Options{})
	runSyncer(t, NewSyncer(catalog, reg, 0, nil))

	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), "static-1")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	agent, err := reg.Get(context.Background(), "static-1")
	require.NoError(t, err)
	assert.Equal(t, "analysis", agent.AgentType)
	assert.Equal(t, "http://static-1:8701", agent.Endpoint)
	assert.Equal(t, "manifest", agent.Metadata["source"])
	assert.True(t, agent.HasCapability("analyze"))
}

func TestSyncerFollowsHotReload(t *testing.T) {
	dir := t.TempDir()
	catalog := newCatalog(t, dir)
	reg := registry.New(registry.NewMemoryStore(), registry.DefaultConfig(), registry.Options{})
	runSyncer(t, NewSyncer(catalog, reg, 0, nil))
	startWatching(t, catalog)

	path := writeManifest(t, dir, "dynamic-1", "dynamic")
	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), "dynamic-1")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), "dynamic-1")
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

// countingRegistrar wraps a registry to observe heartbeats.
type countingRegistrar struct {
	*registry.Registry
	beats chan string
}

func (c *countingRegistrar) Heartbeat(ctx context.Context, id string) error {
	err := c.Registry.Heartbeat(ctx, id)
	select {
	case c.beats <- id:
	default:
	}
	return err
}

func TestSyncerHeartbeatsAndRestoresDroppedAgents(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "static-2", "static")

	catalog := newCatalog(t, dir)
	inner := registry.New(registry.NewMemoryStore(), registry.DefaultConfig(), registry.Options{})
	reg := &countingRegistrar{Registry: inner, beats: make(chan string, 16)}
	runSyncer(t, NewSyncer(catalog, reg, 20*time.Millisecond, nil))

	select {
	case id := <-reg.beats:
		assert.Equal(t, "static-2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat sent")
	}

	require.NoError(t, inner.Unregister(context.Background(), "static-2"))
	require.Eventually(t, func() bool {
		_, err := inner.Get(context.Background(), "static-2")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestToRegistration(t *testing.T) {
	m := &AgentManifest{
		APIVersion: APIVersion,
		Kind:       KindAgent,
		Metadata:   AgentMeta{Name: "records-1", Labels: map[string]string{"zone": "a"}},
		Spec: AgentSpec{
			Type:     "records",
			Endpoint: "https://records-1:8443",
			Standby:  true,
			Capabilities: []CapabilitySpec{
				{Name: "lookup", AvgResponseTime: "1.5s", RequiresSensitiveAccess: true},
			},
			Compliance: ComplianceSpec{Encryption: true, Audit: true, Certified: true},
		},
	}
	require.NoError(t, ValidateManifest(m))

	reg := m.ToRegistration()
	require.NoError(t, reg.Validate())
	assert.Equal(t, models.StatusStandby, reg.Status)
	assert.True(t, reg.IsStandby())
	assert.True(t, reg.IsCompliant())
	assert.Equal(t, "a", reg.Metadata["zone"])
	require.Len(t, reg.Capabilities, 1)
	assert.Equal(t, 1.0, reg.Capabilities[0].SuccessRate)
	assert.Equal(t, 1.5, reg.Capabilities[0].AvgResponseTime)
	assert.True(t, reg.RequiresSensitiveAccess())
}

func TestValidateManifest(t *testing.T) {
	valid := func() *AgentManifest {
		return &AgentManifest{
			APIVersion: APIVersion,
			Kind:       KindAgent,
			Metadata:   AgentMeta{Name: "agent-1"},
			Spec: AgentSpec{
				Type:         "analysis",
				Endpoint:     "http://agent-1:8701",
				Capabilities: []CapabilitySpec{{Name: "analyze"}},
			},
		}
	}
	require.NoError(t, ValidateManifest(valid()))

	tests := []struct {
		name   string
		mutate func(*AgentManifest)
		want   string
	}{
		{"version", func(m *AgentManifest) { m.APIVersion = "v0" }, "unsupported apiVersion"},
		{"kind", func(m *AgentManifest) { m.Kind = "Tool" }, "invalid kind"},
		{"name", func(m *AgentManifest) { m.Metadata.Name = "Agent_1" }, "metadata.name"},
		{"endpoint", func(m *AgentManifest) { m.Spec.Endpoint = "" }, "spec.endpoint is required"},
		{"endpoint host", func(m *AgentManifest) { m.Spec.Endpoint = "agent-1" }, "invalid spec.endpoint"},
		{"no capabilities", func(m *AgentManifest) { m.Spec.Capabilities = nil }, "at least one capability"},
		{"success rate", func(m *AgentManifest) { m.Spec.Capabilities[0].SuccessRate = 1.5 }, "successRate"},
		{"duration", func(m *AgentManifest) { m.Spec.Capabilities[0].AvgResponseTime = "soon" }, "avgResponseTime"},
		{"sensitive without compliance", func(m *AgentManifest) {
			m.Spec.Capabilities[0].RequiresSensitiveAccess = true
		}, "sensitive capabilities"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			assert.ErrorContains(t, ValidateManifest(m), tt.want)
		})
	}
}

func TestCatalogFind(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "analyzer-2", "second")
	writeManifest(t, dir, "analyzer-1", "first")
	records := `apiVersion: agentmesh.dev/v1
kind: Agent
metadata:
  name: records-1
spec:
  type: records
  endpoint: http://records-1:8702
  capabilities:
    - name: lookup
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records-1.yml"), []byte(records), 0644))

	catalog := newCatalog(t, dir)

	names := func(ms []*AgentManifest) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.Metadata.Name
		}
		return out
	}
	assert.Equal(t, []string{"analyzer-1", "analyzer-2", "records-1"}, names(catalog.List()))
	assert.Equal(t, []string{"analyzer-1", "analyzer-2"}, names(catalog.Find(Filter{Capability: "analyze"})))
	assert.Equal(t, []string{"records-1"}, names(catalog.Find(Filter{AgentType: "records"})))
	assert.Empty(t, catalog.Find(Filter{AgentType: "records", Capability: "analyze"}))
}

func TestCatalogRejectsDuplicateAgent(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "twin", "original")
	catalog := newCatalog(t, dir)

	copyPath := filepath.Join(dir, "twin-copy.yaml")
	require.NoError(t, os.WriteFile(copyPath, []byte(manifestYAML("twin", "copy")), 0644))
	assert.ErrorContains(t, catalog.Load(copyPath), "already declared")

	m, ok := catalog.Get("twin")
	require.True(t, ok)
	assert.Equal(t, "original", m.Metadata.Description)
}

func TestCatalogLoadReportsOnlyRealChanges(t *testing.T) {
	dir := t.TempDir()
	catalog := newCatalog(t, dir)
	var changes []Change
	catalog.Subscribe(func(c Change) { changes = append(changes, c) })

	path := writeManifest(t, dir, "steady", "v1")
	require.NoError(t, catalog.Load(path))
	require.NoError(t, catalog.Load(path))
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeAdded, changes[0].Kind)

	require.NoError(t, os.WriteFile(path, []byte(manifestYAML("renamed", "v2")), 0644))
	require.NoError(t, catalog.Load(path))
	require.Len(t, changes, 3)
	assert.Equal(t, ChangeRemoved, changes[1].Kind)
	assert.Equal(t, "steady", changes[1].AgentID)
	assert.Equal(t, ChangeAdded, changes[2].Kind)
	assert.Equal(t, "renamed", changes[2].AgentID)
	_, ok := catalog.Get("steady")
	assert.False(t, ok)
}

func TestReadManifestRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML("typo", "x")+"  endpont: http://typo\n"), 0644))

	_, err := ReadManifest(path)
	assert.Error(t, err)

	m, err := ReadManifest(writeManifest(t, dir, "fine", "ok"))
	require.NoError(t, err)
	assert.Equal(t, "fine", m.Metadata.Name)
}
