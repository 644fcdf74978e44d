package worker

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
)

// fakeCoordinator answers the registry methods and records the calls.
type fakeCoordinator struct {
	mu         sync.Mutex
	calls      []string
	registered map[string]bool
}

func newFakeCoordinator(t *testing.T) (*fakeCoordinator, *httptest.Server) {
	t.Helper()
	f := &fakeCoordinator{registered: make(map[string]bool)}
	d := protocol.NewDispatcher(protocol.DispatcherConfig{AgentID: "coordinator"})
	d.Handle("registry.register", func(_ context.Context, msg *models.Message) (interface{}, error) {
		f.record("register")
		f.mu.Lock()
		f.registered[msg.Params["agent_id"].(string)] = true
		f.mu.Unlock()
		return map[string]bool{"registered": true}, nil
	})
	d.Handle("registry.heartbeat", func(_ context.Context, msg *models.Message) (interface{}, error) {
		f.record("heartbeat")
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.registered[msg.Params["agent_id"].(string)] {
			return nil, models.NewRPCError(models.CodeInvalidParams, "agent not found")
		}
		return map[string]bool{"ok": true}, nil
	})
	d.Handle("registry.unregister", func(_ context.Context, msg *models.Message) (interface{}, error) {
		f.record("unregister")
		f.mu.Lock()
		delete(f.registered, msg.Params["agent_id"].(string))
		f.mu.Unlock()
		return map[string]bool{"unregistered": true}, nil
	})
	ts := httptest.NewServer(protocol.NewServer(d, protocol.ServerConfig{}, nil))
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeCoordinator) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCoordinator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newWorker(t *testing.T, coordinatorURL string) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AgentID = "worker-test"
	cfg.Addr = "127.0.0.1:0"
	cfg.CoordinatorURL = coordinatorURL
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MaxConcurrent = 4
	w, err := New(cfg, nil)
	require.NoError(t, err)
	w.RegisterDefaults()
	return w
}

func TestRegistrationAdvertisesHandlers(t *testing.T) {
	w := newWorker(t, "http://unused")
	reg := w.Registration()
	require.NoError(t, reg.Validate())
	assert.Equal(t, "worker-test", reg.AgentID)
	assert.True(t, reg.HasCapability("echo"))
	assert.True(t, reg.HasCapability("sleep"))
	assert.True(t, reg.HasCapability("fail"))
	assert.False(t, reg.RequiresSensitiveAccess())
}

func TestSensitiveWorkerRequiresCompliance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensitive = true
	w, err := New(cfg, nil)
	require.NoError(t, err)
	w.Handle("records", EchoHandler)
	assert.Error(t, w.Registration().Validate())

	cfg.Compliance = models.ComplianceFlags{EncryptionEnabled: true, AuditEnabled: true}
	w, err = New(cfg, nil)
	require.NoError(t, err)
	w.Handle("records", EchoHandler)
	assert.NoError(t, w.Registration().Validate())
}

func TestHandlersAndStats(t *testing.T) {
	w := newWorker(t, "http://unused")
	ts := httptest.NewServer(w.Handler())
	defer ts.Close()

	stats := w.Stats()
	assert.NotContains(t, stats, "throughput", "idle worker must not report zero throughput")

	client := protocol.NewClient(protocol.NewHTTPTransport(ts.Client(), ""), protocol.ClientConfig{AgentID: "caller"})
	ctx := context.Background()

	result, err := client.SendRequest(ctx, ts.URL, "echo", map[string]interface{}{"x": "y"}, protocol.RequestOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"y"}`, string(result))

	_, err = client.SendRequest(ctx, ts.URL, "fail", nil, protocol.RequestOptions{})
	var rpcErr *models.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, models.CodeInternal, rpcErr.Code)
	assert.True(t, protocol.IsRetryable(err))

	_, err = client.SendRequest(ctx, ts.URL, "fail", map[string]interface{}{"code": models.CodeInvalidParams}, protocol.RequestOptions{})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, models.CodeInvalidParams, rpcErr.Code)
	assert.False(t, protocol.IsRetryable(err))

	stats = w.Stats()
	assert.Equal(t, 3.0, stats["throughput"])
	assert.InDelta(t, 2.0/3.0, stats["error_rate"], 1e-9)
	assert.Equal(t, 3.0, stats["messages_processed"])
	assert.Equal(t, 0.0, stats["load_factor"])
}

func TestSleepHandler(t *testing.T) {
	msg := models.NewRequest("sleep", map[string]interface{}{"duration": "10ms"}, models.PriorityNormal, models.AuthPublic)
	out, err := SleepHandler(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"slept": "10ms"}, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg.Params["duration"] = "1h"
	_, err = SleepHandler(ctx, msg)
	var rpcErr *models.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, models.CodeTimeout, rpcErr.Code)

	msg.Params["duration"] = "forever"
	_, err = SleepHandler(context.Background(), msg)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, models.CodeInvalidParams, rpcErr.Code)
}

func TestHeartbeatReregistersWhenForgotten(t *testing.T) {
	coord, ts := newFakeCoordinator(t)
	w := newWorker(t, ts.URL)
	ctx := context.Background()

	require.NoError(t, w.Heartbeat(ctx))
	assert.Equal(t, []string{"heartbeat", "register"}, coord.Calls())

	require.NoError(t, w.Heartbeat(ctx))
	assert.Equal(t, []string{"heartbeat", "register", "heartbeat"}, coord.Calls())
}

func TestRunRegistersHeartbeatsAndUnregisters(t *testing.T) {
	coord, ts := newFakeCoordinator(t)
	w := newWorker(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		calls := coord.Calls()
		return len(calls) >= 2 && calls[0] == "register" && calls[len(calls)-1] == "heartbeat"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Contains(t, coord.Calls(), "unregister")
}

func TestWorkerShedsBeyondCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgentID = "worker-busy"
	cfg.MaxConcurrent = 1
	w, err := New(cfg, nil)
	require.NoError(t, err)
	release := make(chan struct{})
	w.Handle("block", func(ctx context.Context, _ *models.Message) (interface{}, error) {
		<-release
		return "done", nil
	})
	ts := httptest.NewServer(w.Handler())
	defer ts.Close()

	client := protocol.NewClient(protocol.NewHTTPTransport(ts.Client(), ""), protocol.ClientConfig{AgentID: "caller"})
	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), ts.URL, "block", nil, protocol.RequestOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool { return w.Stats()["load_factor"] == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = client.SendRequest(context.Background(), ts.URL, "block", nil, protocol.RequestOptions{})
	var rpcErr *models.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, models.CodeUnavailable, rpcErr.Code)
	assert.True(t, protocol.IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
}
