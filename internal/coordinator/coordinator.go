// Package coordinator assembles a mesh coordinator node from the configured
// components and serves the registry and mesh methods over A2A.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/balancer"
	"github.com/syntor/agentmesh/pkg/config"
	"github.com/syntor/agentmesh/pkg/faulttolerance"
	"github.com/syntor/agentmesh/pkg/health"
	"github.com/syntor/agentmesh/pkg/kafka"
	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/manifest"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
	"github.com/syntor/agentmesh/pkg/queue"
	"github.com/syntor/agentmesh/pkg/registry"
	"github.com/syntor/agentmesh/pkg/resilience"
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	// Transport delivers to agents; defaults to HTTP.
	Transport protocol.Transport
	// Checker checks agent liveness; defaults to HTTP.
	Checker protocol.Checker
	// Audit receives events in addition to the configured sinks.
	Audit audit.Sink
}

// Coordinator owns every component of a coordinator node.
type Coordinator struct {
	config  config.SystemConfig
	logger  logging.Logger
	metrics *metrics.PrometheusCollector
	audit   audit.Sink

	registry   *registry.Registry
	monitor    *health.Monitor
	breakers   *resilience.BreakerSet
	balancer   *balancer.Balancer
	faults     *faulttolerance.Manager
	queues     *queue.Manager
	client     *protocol.Client
	dispatcher *protocol.Dispatcher
	server     *protocol.Server

	manifests *manifest.Catalog
	syncer    *manifest.Syncer

	// closers release external connections in reverse order on shutdown.
	closers []func() error
	buffer  *audit.BufferedSink
	persist bool
}

// New connects to the configured backends and wires the components. Nothing
// runs until Run is called.
func New(ctx context.Context, cfg config.SystemConfig, logger logging.Logger, opts Options) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger).With(logging.String("node", cfg.Server.AgentID))
	c := &Coordinator{config: cfg, logger: logger}

	c.metrics = metrics.NewPrometheusCollector()
	if err := c.metrics.RegisterMeshMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	kafkaClient, err := c.connectKafka(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.buildAudit(ctx, kafkaClient, opts.Audit); err != nil {
		return nil, err
	}
	store, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}

	cipher, err := newCipher(cfg.Server.EncryptionKey)
	if err != nil {
		return nil, err
	}
	httpTransport := protocol.NewHTTPTransport(&http.Client{Timeout: cfg.Server.RequestTimeout}, "")
	transport := opts.Transport
	if transport == nil {
		transport = httpTransport
	}
	checker := opts.Checker
	if checker == nil {
		checker = httpTransport
	}

	c.client = protocol.NewClient(transport, protocol.ClientConfig{
		AgentID:        cfg.Server.AgentID,
		DefaultTimeout: cfg.Server.RequestTimeout,
		Cipher:         cipher,
		Logger:         logger,
		Metrics:        c.metrics,
	})

	c.registry = registry.New(store, cfg.Registry.Config, registry.Options{
		Checker: checker,
		Logger:  logger,
		Metrics: c.metrics,
		Audit:   c.audit,
	})
	c.monitor = health.NewMonitor(c.registry, checker, cfg.Health, health.Options{
		Logger:  logger,
		Metrics: c.metrics,
		Audit:   c.audit,
	})
	c.breakers = resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Balancer.BreakerThreshold,
		RecoveryTimeout:  cfg.Balancer.BreakerTimeout,
		HalfOpenMaxCalls: 1,
		OnStateChange:    c.breakerChanged,
	})
	c.balancer = balancer.New(c.registry, c.client, cfg.Balancer.Config, balancer.Options{
		Breakers: c.breakers,
		Health:   c.monitor,
		Logger:   logger,
		Metrics:  c.metrics,
	})
	c.faults = faulttolerance.NewManager(c.registry, c.monitor, checker, c.breakers, cfg.FaultTolerance, faulttolerance.Options{
		Logger:  logger,
		Metrics: c.metrics,
		Audit:   c.audit,
	})

	queueConfig := cfg.Queue
	if queueConfig.DeadLetterTopic == "" && kafkaClient != nil {
		queueConfig.DeadLetterTopic = cfg.Kafka.DeadLetters
	}
	queueOpts := queue.Options{
		Breakers: c.breakers,
		Logger:   logger,
		Metrics:  c.metrics,
		Audit:    c.audit,
	}
	// Only a shared backend makes queued messages outlive the process.
	if cfg.Registry.Backend == config.BackendRedis {
		queueOpts.Store = store
		c.persist = true
	}
	if kafkaClient != nil {
		queueOpts.DeadLetters = kafkaClient
	}
	c.queues, err = queue.New(c.registry, c.client, queueConfig, queueOpts)
	if err != nil {
		return nil, err
	}

	// Forget per-agent state once an agent leaves.
	c.registry.OnUnregister(func(agentID string) {
		c.monitor.Forget(agentID)
		c.breakers.Remove(agentID)
	})

	c.dispatcher = protocol.NewDispatcher(protocol.DispatcherConfig{
		AgentID:    cfg.Server.AgentID,
		Cipher:     cipher,
		Logger:     logger,
		Metrics:    c.metrics,
		OnResponse: c.client.Resolve,
	})
	c.registerHandlers()

	c.server = protocol.NewServer(c.dispatcher, protocol.ServerConfig{
		Addr:      cfg.Server.Addr,
		Validator: newValidator(cfg.Server),
		RateLimit: cfg.Server.RateLimit,
		Burst:     cfg.Server.Burst,
		Stats:     c.stats,
	}, logger)
	if cfg.Monitoring.MetricsEnabled {
		c.server.Router().Handle(cfg.Monitoring.MetricsPath, c.metrics.Handler())
	}

	if cfg.Manifests.Dir != "" {
		c.manifests, err = manifest.OpenCatalog([]string{cfg.Manifests.Dir}, logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.manifests.Close)
		c.syncer = manifest.NewSyncer(c.manifests, c.registry, cfg.Manifests.HeartbeatInterval, logger)
	}

	ok = true
	return c, nil
}

func (c *Coordinator) connectKafka(ctx context.Context) (*kafka.Client, error) {
	if !c.config.Kafka.Enabled() {
		return nil, nil
	}
	client := kafka.NewClient(c.config.Kafka)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	c.closers = append(c.closers, client.Close)
	return client, nil
}

// buildAudit composes the log sink with the durable writers that are configured.
func (c *Coordinator) buildAudit(ctx context.Context, kafkaClient *kafka.Client, extra audit.Sink) error {
	sinks := audit.MultiSink{audit.NewLogSink(c.logger)}
	if extra != nil {
		sinks = append(sinks, extra)
	}

	var writers audit.MultiWriter
	if c.config.Audit.PostgresURL != "" {
		pg, err := audit.OpenPostgres(ctx, c.config.Audit.PostgresURL)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, pg.Close)
		writers = append(writers, pg)
	}
	if kafkaClient != nil {
		writers = append(writers, audit.NewKafkaWriter(kafkaClient, c.config.Kafka.AuditTopic))
	}
	if len(writers) > 0 {
		c.buffer = audit.NewBufferedSink(writers, c.config.Audit.Buffer, c.logger)
		sinks = append(sinks, c.buffer)
	}
	c.audit = sinks
	return nil
}

func (c *Coordinator) openStore(ctx context.Context) (registry.Store, error) {
	if c.config.Registry.Backend != config.BackendRedis {
		return registry.NewMemoryStore(), nil
	}
	store := registry.NewRedisStore(c.config.Registry.Redis)
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, store.Close)
	return store, nil
}

func newCipher(key string) (protocol.Cipher, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("server.encryption_key: %w", err)
	}
	cipher, err := protocol.NewAEADCipher(raw)
	if err != nil {
		return nil, err
	}
	return cipher, nil
}

func newValidator(s config.ServerSettings) protocol.TokenValidator {
	var vs protocol.Validators
	if len(s.AuthTokens) > 0 {
		vs = append(vs, protocol.NewStaticTokenValidator(s.AuthTokens...))
	}
	if s.JWTSecret != "" {
		vs = append(vs, protocol.NewJWTValidator([]byte(s.JWTSecret), s.JWTIssuer))
	}
	if len(vs) == 0 {
		return nil
	}
	return vs
}

var breakerGauge = map[models.CircuitState]float64{
	models.CircuitClosed:   0,
	models.CircuitHalfOpen: 1,
	models.CircuitOpen:     2,
}

func (c *Coordinator) breakerChanged(agentID string, from, to models.CircuitState) {
	c.logger.Info("circuit breaker state changed",
		logging.AgentID(agentID),
		logging.String("from", string(from)),
		logging.String("to", string(to)))
	c.metrics.SetGauge(metrics.CircuitBreakerState.Name, breakerGauge[to], map[string]string{"agent_id": agentID})
}

// Handler is the HTTP surface of the node, for tests and embedding.
func (c *Coordinator) Handler() http.Handler {
	return c.server
}

// Run starts every component and serves until ctx is cancelled or the
// listener fails, then shuts down in reverse order.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.persist {
		n, err := c.queues.Restore(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore queued messages: %w", err)
		}
		if n > 0 {
			c.logger.Info("queued messages restored", logging.Int("count", n))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	c.start(gctx)

	g.Go(c.server.Start)
	if c.syncer != nil {
		g.Go(func() error { return c.syncer.Run(gctx) })
	}
	if c.manifests != nil && c.config.Manifests.Watch {
		if err := c.manifests.Watch(gctx); err != nil {
			c.logger.Warn("manifest hot reload disabled", logging.Err(err))
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		return c.shutdown()
	})

	c.logger.Info("coordinator started",
		logging.String("addr", c.config.Server.Addr),
		logging.String("registry_backend", c.config.Registry.Backend),
		logging.Bool("auth", c.config.Server.AuthEnabled()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) start(ctx context.Context) {
	if c.buffer != nil {
		c.buffer.Start()
	}
	c.registry.Start(ctx)
	c.monitor.Start(ctx)
	c.balancer.Start(ctx)
	c.faults.Start(ctx)
	c.queues.Start(ctx)
}

func (c *Coordinator) shutdown() error {
	timeout := c.config.System.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.logger.Info("coordinator shutting down")
	err := c.server.Shutdown(ctx)
	c.queues.Stop()
	c.faults.Stop()
	c.balancer.Stop()
	c.monitor.Stop()
	c.registry.Stop()
	c.close()
	return err
}

func (c *Coordinator) close() {
	if c.buffer != nil {
		c.buffer.Stop()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("failed to release resource", logging.Err(err))
		}
	}
	c.closers = nil
}
