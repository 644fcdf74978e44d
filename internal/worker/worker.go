// Package worker is a reference worker agent. It serves the A2A endpoints,
// registers itself with a coordinator and keeps the registration alive with
// heartbeats carrying its load.
package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
	"github.com/syntor/agentmesh/pkg/resilience"
)

// Config holds configuration for the worker agent
type Config struct {
	AgentID   string
	AgentType string
	// Addr is the listen address; Endpoint is what the coordinator dials.
	Addr     string
	Endpoint string

	CoordinatorURL    string
	Token             string
	EncryptionKey     string // hex, 32 bytes
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	MaxConcurrent     int
	Standby           bool
	Compliance        models.ComplianceFlags
	// Sensitive marks every capability as handling protected payloads.
	Sensitive bool
}

// DefaultConfig returns default worker agent configuration
func DefaultConfig() Config {
	return Config{
		AgentID:           "worker-1",
		AgentType:         "worker",
		Addr:              ":8701",
		Endpoint:          "http://localhost:8701",
		CoordinatorURL:    "http://localhost:8700",
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    10 * time.Second,
		MaxConcurrent:     10,
	}
}

// Worker is a worker agent.
type Worker struct {
	config     Config
	logger     logging.Logger
	dispatcher *protocol.Dispatcher
	server     *protocol.Server
	client     *protocol.Client
	slots      *resilience.Backpressure

	mu           sync.Mutex
	capabilities []string
	window       []outcome
	started      time.Time

	handled atomic.Int64
	failed  atomic.Int64
}

// outcome is one handled request in the stats window.
type outcome struct {
	at      time.Time
	elapsed time.Duration
	failed  bool
}

const statsWindow = time.Minute

// New creates a worker with no handlers. Register handlers before Run.
func New(config Config, logger logging.Logger) (*Worker, error) {
	def := DefaultConfig()
	if config.AgentID == "" {
		return nil, errors.New("worker: agent id is required")
	}
	if config.AgentType == "" {
		config.AgentType = def.AgentType
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}

	var cipher protocol.Cipher
	if config.EncryptionKey != "" {
		key, err := hex.DecodeString(config.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("worker: encryption key: %w", err)
		}
		c, err := protocol.NewAEADCipher(key)
		if err != nil {
			return nil, err
		}
		cipher = c
	}

	logger = logging.OrNop(logger).With(logging.AgentID(config.AgentID))
	w := &Worker{
		config:  config,
		logger:  logger,
		started: time.Now(),
		slots:   resilience.NewBackpressure(config.MaxConcurrent),
	}
	w.client = protocol.NewClient(
		protocol.NewHTTPTransport(&http.Client{Timeout: config.RequestTimeout}, config.Token),
		protocol.ClientConfig{
			AgentID:        config.AgentID,
			DefaultTimeout: config.RequestTimeout,
			Cipher:         cipher,
			Logger:         logger,
		})
	w.dispatcher = protocol.NewDispatcher(protocol.DispatcherConfig{
		AgentID:    config.AgentID,
		Cipher:     cipher,
		Logger:     logger,
		OnResponse: w.client.Resolve,
	})
	w.server = protocol.NewServer(w.dispatcher, protocol.ServerConfig{
		Addr:  config.Addr,
		Stats: w.Stats,
	}, logger)
	return w, nil
}

// Handle registers h for method and advertises method as a capability.
func (w *Worker) Handle(method string, h protocol.HandlerFunc) {
	w.mu.Lock()
	w.capabilities = append(w.capabilities, method)
	w.mu.Unlock()
	w.dispatcher.Handle(method, w.track(h))
}

// track wraps h with the counters behind Stats. Requests beyond
// MaxConcurrent are shed with an Unavailable error so callers fail over.
func (w *Worker) track(h protocol.HandlerFunc) protocol.HandlerFunc {
	return func(ctx context.Context, msg *models.Message) (interface{}, error) {
		if !w.slots.TryAcquire() {
			return nil, models.NewRPCError(models.CodeUnavailable, "%s: %v", w.config.AgentID, resilience.ErrOverloaded)
		}
		start := time.Now()
		result, err := h(ctx, msg)
		elapsed := time.Since(start)
		w.slots.Release()

		w.handled.Add(1)
		if err != nil {
			w.failed.Add(1)
		}
		w.mu.Lock()
		w.window = append(w.window, outcome{at: start, elapsed: elapsed, failed: err != nil})
		w.trimLocked(time.Now())
		w.mu.Unlock()
		return result, err
	}
}

func (w *Worker) trimLocked(now time.Time) {
	cut := 0
	for cut < len(w.window) && now.Sub(w.window[cut].at) > statsWindow {
		cut++
	}
	w.window = w.window[cut:]
}

// Handler exposes the A2A endpoints, for tests and embedding.
func (w *Worker) Handler() http.Handler {
	return w.server
}

// Stats reports the metrics the health monitor evaluates. Throughput is only
// reported once the worker has handled traffic in the last minute.
func (w *Worker) Stats() map[string]float64 {
	w.mu.Lock()
	w.trimLocked(time.Now())
	var total time.Duration
	var failures int
	for _, o := range w.window {
		total += o.elapsed
		if o.failed {
			failures++
		}
	}
	n := len(w.window)
	w.mu.Unlock()

	active := float64(w.slots.InFlight())
	stats := map[string]float64{
		"connection_count":   active,
		"queue_length":       active,
		"load_factor":        w.slots.LoadFactor(),
		"messages_processed": float64(w.handled.Load()),
		"uptime_seconds":     time.Since(w.started).Seconds(),
		"error_rate":         0,
		"response_time":      0,
	}
	if n > 0 {
		stats["error_rate"] = float64(failures) / float64(n)
		stats["response_time"] = (total / time.Duration(n)).Seconds()
		stats["throughput"] = float64(n)
	}
	return stats
}

// Registration describes this worker to the registry.
func (w *Worker) Registration() *models.AgentRegistration {
	w.mu.Lock()
	names := append([]string(nil), w.capabilities...)
	w.mu.Unlock()

	reg := &models.AgentRegistration{
		AgentID:        w.config.AgentID,
		AgentType:      w.config.AgentType,
		Endpoint:       w.config.Endpoint,
		MaxConnections: w.config.MaxConcurrent,
		Compliance:     w.config.Compliance,
		Metadata:       map[string]string{"source": "self"},
	}
	if w.config.Standby {
		reg.Status = models.StatusStandby
		reg.Metadata[models.MetadataStandby] = "true"
	}
	for _, name := range names {
		reg.Capabilities = append(reg.Capabilities, models.Capability{
			Name:                    name,
			Version:                 "1.0",
			MaxConcurrent:           w.config.MaxConcurrent,
			SuccessRate:             1,
			RequiresSensitiveAccess: w.config.Sensitive,
		})
	}
	return reg
}

func (w *Worker) call(ctx context.Context, method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var p map[string]interface{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	_, err = w.client.SendRequest(ctx, w.config.CoordinatorURL, method, p, protocol.RequestOptions{
		Priority:  models.PriorityHigh,
		AuthLevel: models.AuthAuthenticated,
	})
	return err
}

// Register announces the worker to the coordinator.
func (w *Worker) Register(ctx context.Context) error {
	if err := w.call(ctx, "registry.register", w.Registration()); err != nil {
		return fmt.Errorf("failed to register with %s: %w", w.config.CoordinatorURL, err)
	}
	w.logger.Info("registered with coordinator", logging.String("coordinator", w.config.CoordinatorURL))
	return nil
}

// Heartbeat refreshes the registration and reports load. A coordinator
// that no longer knows the worker gets a fresh registration.
func (w *Worker) Heartbeat(ctx context.Context) error {
	stats := w.Stats()
	err := w.call(ctx, "registry.heartbeat", map[string]interface{}{
		"agent_id":            w.config.AgentID,
		"load_factor":         stats["load_factor"],
		"current_connections": int(stats["connection_count"]),
		"error_rate":          stats["error_rate"],
	})
	var rpcErr *models.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == models.CodeInvalidParams {
		w.logger.Warn("coordinator lost registration", logging.Err(err))
		return w.Register(ctx)
	}
	return err
}

// Unregister removes the worker from the registry.
func (w *Worker) Unregister(ctx context.Context) error {
	return w.call(ctx, "registry.unregister", map[string]string{"agent_id": w.config.AgentID})
}

// Run serves requests, registers and heartbeats until ctx is cancelled, then
// unregisters and shuts the server down.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(w.server.Start)
	g.Go(func() error {
		w.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.config.RequestTimeout)
		defer cancel()
		retryer := resilience.NewRetryer(resilience.RetryConfig{
			MaxAttempts: 3,
			ShouldRetry: protocol.IsRetryable,
		})
		if err := retryer.Execute(shutdownCtx, w.Unregister).Err(); err != nil {
			w.logger.Warn("failed to unregister", logging.Err(err))
		}
		return w.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	// The coordinator may start after the worker.
	backoff := resilience.Backoff{
		Initial:    min(time.Second, w.config.HeartbeatInterval),
		Max:        w.config.HeartbeatInterval,
		Multiplier: 2,
		Jitter:     0.1,
	}
	for attempt := 1; ; attempt++ {
		err := w.Register(ctx)
		if err == nil {
			break
		}
		delay := backoff.Delay(attempt)
		w.logger.Warn("registration failed, retrying", logging.Err(err), logging.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Heartbeat(ctx); err != nil {
				w.logger.Warn("heartbeat failed", logging.Err(err))
			}
		}
	}
}
