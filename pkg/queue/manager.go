package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/kafka"
	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
	"github.com/syntor/agentmesh/pkg/registry"
	"github.com/syntor/agentmesh/pkg/resilience"
)

const storePrefix = "queue/"

var errProcessingTimeout = errors.New("processing timeout exceeded")

// Discoverer finds agents able to handle a message.
type Discoverer interface {
	Discover(ctx context.Context, q registry.Query) ([]*models.AgentRegistration, error)
}

// Sender delivers a message and waits for its response.
type Sender interface {
	Send(ctx context.Context, endpoint string, msg *models.Message) (*models.Message, error)
}

// Config holds queue manager configuration
type Config struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size" json:"batch_size"`
	MaxRetries         int           `mapstructure:"max_retries" json:"max_retries"`
	CriticalMaxRetries int           `mapstructure:"critical_max_retries" json:"critical_max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay" json:"max_retry_delay"`
	ProcessingTimeout  time.Duration `mapstructure:"processing_timeout" json:"processing_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	MaxSize            int           `mapstructure:"max_size" json:"max_size"`
	CompletedHistory   int           `mapstructure:"completed_history" json:"completed_history"`
	DeadLetterTopic    string        `mapstructure:"dead_letter_topic" json:"dead_letter_topic"`
	Queues             []Definition  `mapstructure:"queues" json:"queues"`
}

// DefaultConfig returns default queue configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:       100 * time.Millisecond,
		BatchSize:          10,
		MaxRetries:         3,
		CriticalMaxRetries: 5,
		RetryDelay:         time.Second,
		MaxRetryDelay:      5 * time.Minute,
		ProcessingTimeout:  5 * time.Minute,
		SweepInterval:      30 * time.Second,
		RequestTimeout:     30 * time.Second,
		MaxSize:            10000,
		CompletedHistory:   1000,
	}
}

// StandardQueues are created by every manager.
func StandardQueues(c Config) []Definition {
	return []Definition{
		{Name: QueueCritical, Type: TypeMedicalCritical, MaxRetries: c.CriticalMaxRetries, MaxSize: c.MaxSize},
		{Name: QueueHigh, Type: TypePriority, MaxRetries: c.MaxRetries, MaxSize: c.MaxSize},
		{Name: QueueNormal, Type: TypePriority, MaxRetries: c.MaxRetries, MaxSize: c.MaxSize},
		{Name: QueueBatch, Type: TypeBatch, MaxRetries: c.MaxRetries, MaxSize: c.MaxSize},
		{Name: QueueDelayed, Type: TypeDelayed, MaxRetries: c.MaxRetries, MaxSize: c.MaxSize},
		{Name: QueueDeadLetter, Type: TypeDeadLetter},
	}
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	// Store persists queued messages so they survive a restart.
	Store registry.Store
	// Breakers is shared with the load balancer.
	Breakers *resilience.BreakerSet
	// DeadLetters receives a copy of every dead-lettered message.
	DeadLetters kafka.Publisher
	Logger      logging.Logger
	Metrics     metrics.Collector
	Audit       audit.Sink
	Now         func() time.Time
}

// Manager owns the named queues and their processors.
type Manager struct {
	discoverer  Discoverer
	sender      Sender
	config      Config
	store       registry.Store
	breakers    *resilience.BreakerSet
	deadLetters kafka.Publisher
	backoff     resilience.Backoff
	logger      logging.Logger
	metrics     metrics.Collector
	audit       audit.Sink
	now         func() time.Time

	mu     sync.RWMutex
	queues map[string]*queue
	names  []string

	doneMu sync.Mutex
	done   map[string]*QueuedMessage
	// doneOrder is a ring of completed ids, oldest at doneNext.
	doneOrder []string
	doneNext  int

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager with the standard queues and any configured extras.
func New(d Discoverer, s Sender, config Config, opts Options) (*Manager, error) {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.CriticalMaxRetries < config.MaxRetries {
		config.CriticalMaxRetries = max(def.CriticalMaxRetries, config.MaxRetries)
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = def.MaxRetryDelay
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = def.ProcessingTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxSize <= 0 {
		config.MaxSize = def.MaxSize
	}
	if config.CompletedHistory <= 0 {
		config.CompletedHistory = def.CompletedHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		discoverer:  d,
		sender:      s,
		config:      config,
		store:       opts.Store,
		breakers:    opts.Breakers,
		deadLetters: opts.DeadLetters,
		backoff:     resilience.Backoff{Initial: config.RetryDelay, Max: config.MaxRetryDelay, Multiplier: 2},
		logger:      logging.OrNop(opts.Logger).With(logging.String("component", "queue_manager")),
		metrics:     metrics.OrNop(opts.Metrics),
		audit:       audit.OrNop(opts.Audit),
		now:         opts.Now,
		queues:      make(map[string]*queue),
		done:        make(map[string]*QueuedMessage),
		doneOrder:   make([]string, 0, config.CompletedHistory),
	}
	for _, qd := range append(StandardQueues(config), config.Queues...) {
		if err := m.CreateQueue(qd); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CreateQueue adds a named queue. Redefining an existing queue is an error.
func (m *Manager) CreateQueue(d Definition) error {
	if d.Name == "" {
		return errors.New("queue name is required")
	}
	switch d.Type {
	case TypePriority, TypeFIFO, TypeMedicalCritical, TypeBatch, TypeDelayed, TypeDeadLetter:
	case "":
		d.Type = TypeFIFO
	default:
		return fmt.Errorf("queue %s: unknown type %q", d.Name, d.Type)
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = m.config.MaxRetries
		if d.Type == TypeMedicalCritical {
			d.MaxRetries = m.config.CriticalMaxRetries
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[d.Name]; ok {
		return fmt.Errorf("queue %s already exists", d.Name)
	}
	m.queues[d.Name] = newQueue(d)
	m.names = append(m.names, d.Name)
	return nil
}

// Queues returns the queue names in creation order.
func (m *Manager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

func (m *Manager) lookup(name string) (*queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// RouteQueue picks the queue for a message: critical priority or emergency
// auth goes to the critical queue, high priority to the high priority queue,
// batch methods to the batch queue and everything else to the normal queue.
func RouteQueue(msg *models.Message) string {
	switch {
	case msg.Priority == models.PriorityCritical || msg.AuthLevel == models.AuthEmergency:
		return QueueCritical
	case msg.Priority == models.PriorityHigh:
		return QueueHigh
	case strings.HasPrefix(msg.Method, BatchMethodPrefix):
		return QueueBatch
	default:
		return QueueNormal
	}
}

// Send enqueues msg on target, or on the routed queue when target is empty,
// and returns the message id.
func (m *Manager) Send(ctx context.Context, msg *models.Message, target string) (string, error) {
	return m.SendWith(ctx, msg, SendOptions{Queue: target})
}

// SendWith enqueues msg with per-message options.
func (m *Manager) SendWith(ctx context.Context, msg *models.Message, opts SendOptions) (string, error) {
	if msg == nil || msg.Method == "" {
		return "", fmt.Errorf("%w: method is required", ErrInvalidMessage)
	}
	name := opts.Queue
	if name == "" {
		name = RouteQueue(msg)
		if opts.Delay > 0 && name == QueueNormal {
			name = QueueDelayed
		}
	}
	q, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	if q.def.Type == TypeDeadLetter {
		return "", fmt.Errorf("%w: cannot send to dead-letter queue %s", ErrInvalidMessage, name)
	}

	copied := *msg
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	if copied.JSONRPC == "" {
		copied.JSONRPC = models.ProtocolVersion
	}
	mode := opts.DeliveryMode
	if mode == "" {
		mode = AtLeastOnce
	}
	now := m.now()
	qm := &QueuedMessage{
		Message:      &copied,
		Queue:        name,
		Status:       StatusPending,
		CreatedAt:    now,
		ScheduledAt:  now.Add(opts.Delay),
		MaxRetries:   q.def.MaxRetries,
		DeliveryMode: mode,
	}

	if err := m.persist(ctx, qm); err != nil {
		return "", fmt.Errorf("failed to persist message: %w", err)
	}
	if err := q.push(qm); err != nil {
		m.forget(ctx, qm)
		m.outcome(name, "rejected")
		return "", fmt.Errorf("%s: %w", name, err)
	}

	m.outcome(name, "enqueued")
	m.publishDepth(q)
	m.logger.WithContext(ctx).Debug("message enqueued",
		logging.MessageID(copied.ID),
		logging.Method(copied.Method),
		logging.String("queue", name),
		logging.String("priority", copied.Priority.String()))
	m.audit.Emit(ctx, audit.NewEvent(audit.MessageEnqueued, "", map[string]interface{}{
		"message_id": copied.ID,
		"method":     copied.Method,
		"queue":      name,
		"priority":   copied.Priority.String(),
	}))
	return copied.ID, nil
}

// Start launches one processor per queue plus the stale sweep.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, name := range m.Queues() {
		name := name
		q, _ := m.lookup(name)
		if q.def.Type == TypeDeadLetter {
			continue
		}
		m.loop(ctx, m.config.PollInterval, func(ctx context.Context) {
			if _, err := m.ProcessQueue(ctx, name); err != nil && ctx.Err() == nil {
				m.logger.Warn("queue processing failed", logging.String("queue", name), logging.Err(err))
			}
		})
	}
	m.loop(ctx, m.config.SweepInterval, func(ctx context.Context) {
		m.SweepStale(ctx)
	})
	m.logger.Info("queue processors started", logging.Int("queues", len(m.Queues())))
}

// Stop stops taking new work and waits for in-flight dispatches.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
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
				fn(ctx)
			}
		}
	}()
}

// ProcessQueue dispatches one batch of due messages from the named queue and
// returns how many were dispatched.
func (m *Manager) ProcessQueue(ctx context.Context, name string) (int, error) {
	q, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	if q.def.Type == TypeDeadLetter {
		return 0, nil
	}

	leases := q.take(m.now(), m.config.BatchSize)
	if len(leases) == 0 {
		return 0, nil
	}
	m.publishDepth(q)

	// dispatches in flight finish even when ctx is cancelled
	dispatchCtx := context.WithoutCancel(ctx)
	done := 0
	for i, l := range leases {
		if ctx.Err() != nil {
			m.giveBack(q, leases[i:])
			break
		}
		start := m.now()
		agentID, err := m.dispatch(dispatchCtx, l.msg.Message)
		m.finish(dispatchCtx, q, l, agentID, start, err)
		done++
	}
	return done, nil
}

// giveBack returns untouched leases to the queue.
func (m *Manager) giveBack(q *queue, leases []lease) {
	q.mu.Lock()
	for _, l := range leases {
		if q.releaseLocked(l) {
			l.msg.Status = StatusPending
			l.msg.StartedAt = time.Time{}
			q.insertLocked(l.msg)
		}
	}
	q.mu.Unlock()
	m.publishDepth(q)
}

// dispatch resolves an agent by capability and sends msg to it.
func (m *Manager) dispatch(ctx context.Context, msg *models.Message) (string, error) {
	query := registry.Query{
		Capability:              msg.Method,
		RequiresSensitiveAccess: msg.AuthLevel.RequiresSensitiveAccess(),
	}
	if msg.Target != "" {
		query.PreferredAgents = []string{msg.Target}
	}
	candidates, err := m.discoverer.Discover(ctx, query)
	if err != nil {
		return "", fmt.Errorf("discovery failed: %w", err)
	}

	for _, agent := range candidates {
		var breaker *resilience.CircuitBreaker
		if m.breakers != nil {
			breaker = m.breakers.Get(agent.AgentID)
			if !breaker.ShouldAllowRequest() {
				continue
			}
		}

		rctx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		resp, err := m.sender.Send(rctx, agent.Endpoint, msg)
		cancel()
		if err == nil {
			err = protocol.ResponseError(resp)
		}
		if breaker != nil {
			if protocol.IsRetryable(err) {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}
		return agent.AgentID, err
	}
	if len(candidates) > 0 {
		return "", fmt.Errorf("all %d candidates rejected: %w", len(candidates), resilience.ErrCircuitOpen)
	}
	return "", &registry.NoAgentError{Query: query}
}

// finish acknowledges one lease. Results for leases already reclaimed by the
// stale sweep are dropped.
func (m *Manager) finish(ctx context.Context, q *queue, l lease, agentID string, start time.Time, err error) {
	now := m.now()
	msg := l.msg
	logger := m.logger.WithContext(ctx).With(
		logging.MessageID(msg.ID()),
		logging.Method(msg.Message.Method),
		logging.String("queue", q.def.Name))

	q.mu.Lock()
	if !q.releaseLocked(l) {
		q.mu.Unlock()
		logger.Debug("dropping result of reclaimed message")
		return
	}
	if agentID != "" {
		msg.AgentID = agentID
	}

	if err == nil {
		msg.Status = StatusCompleted
		msg.CompletedAt = now
		msg.LastError = ""
		q.recordCompletionLocked(now, now.Sub(start))
		completed := msg.clone()
		q.mu.Unlock()

		m.remember(completed)
		m.forget(ctx, msg)
		m.outcome(q.def.Name, "completed")
		m.metrics.ObserveHistogram(metrics.QueueProcessingDuration.Name, now.Sub(start).Seconds(),
			map[string]string{"queue": q.def.Name})
		logger.Debug("message completed", logging.AgentID(agentID))
		return
	}

	msg.LastError = err.Error()
	msg.RetryCount++
	q.failed++
	if msg.DeliveryMode != AtMostOnce && msg.RetryCount <= msg.MaxRetries {
		msg.Status = StatusRetry
		msg.StartedAt = time.Time{}
		msg.ScheduledAt = now.Add(m.RetryDelay(msg.RetryCount))
		q.insertLocked(msg)
		snapshot := msg.clone()
		q.mu.Unlock()

		m.persistLogged(ctx, snapshot)
		m.outcome(q.def.Name, "retried")
		m.publishDepth(q)
		logger.Warn("message failed, retry scheduled",
			logging.Int("retry_count", msg.RetryCount),
			logging.Int("max_retries", msg.MaxRetries),
			logging.Time("scheduled_at", msg.ScheduledAt),
			logging.Err(err))
		return
	}
	q.deadLettered++
	q.mu.Unlock()

	m.deadLetter(ctx, msg)
	m.publishDepth(q)
}

// RetryDelay is the wait before retry n: RetryDelay doubled per earlier
// attempt, capped at MaxRetryDelay.
func (m *Manager) RetryDelay(n int) time.Duration {
	return m.backoff.Delay(n)
}

type deadLetterRecord struct {
	MessageID  string           `json:"message_id"`
	Queue      string           `json:"queue"`
	Method     string           `json:"method"`
	Priority   models.Priority  `json:"priority"`
	AuthLevel  models.AuthLevel `json:"auth_level"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error"`
	AgentID    string           `json:"agent_id,omitempty"`
	FailedAt   time.Time        `json:"failed_at"`
	Message    *models.Message  `json:"message,omitempty"`
}

func (m *Manager) deadLetter(ctx context.Context, msg *QueuedMessage) {
	origin := msg.Queue
	now := m.now()

	dlq, err := m.lookup(QueueDeadLetter)
	if err == nil {
		dlq.mu.Lock()
		msg.Status = StatusDeadLetter
		msg.Origin = origin
		msg.CompletedAt = now
		msg.StartedAt = time.Time{}
		dlq.insertLocked(msg)
		dlq.deadLettered++
		snapshot := msg.clone()
		dlq.mu.Unlock()
		m.persistLogged(ctx, snapshot)
		m.publishDepth(dlq)
	}

	m.outcome(origin, "dead_lettered")
	m.logger.WithContext(ctx).Error("message moved to dead-letter queue",
		logging.MessageID(msg.ID()),
		logging.Method(msg.Message.Method),
		logging.String("queue", origin),
		logging.Int("retry_count", msg.RetryCount),
		logging.String("last_error", msg.LastError))
	m.audit.Emit(ctx, audit.NewEvent(audit.MessageDeadLettered, msg.AgentID, map[string]interface{}{
		"message_id":  msg.ID(),
		"method":      msg.Message.Method,
		"queue":       origin,
		"retry_count": msg.RetryCount,
		"last_error":  msg.LastError,
	}))

	if m.deadLetters == nil || m.config.DeadLetterTopic == "" {
		return
	}
	record := deadLetterRecord{
		MessageID:  msg.ID(),
		Queue:      origin,
		Method:     msg.Message.Method,
		Priority:   msg.Message.Priority,
		AuthLevel:  msg.Message.AuthLevel,
		RetryCount: msg.RetryCount,
		LastError:  msg.LastError,
		AgentID:    msg.AgentID,
		FailedAt:   now,
	}
	if !msg.Message.AuthLevel.RequiresSensitiveAccess() {
		record.Message = msg.Message
	}
	headers := map[string]string{"queue": origin, "method": msg.Message.Method}
	if err := m.deadLetters.PublishJSON(ctx, m.config.DeadLetterTopic, msg.ID(), record, headers); err != nil {
		m.logger.Warn("failed to export dead letter", logging.MessageID(msg.ID()), logging.Err(err))
	}
}

// SweepStale reclaims messages stuck in processing past ProcessingTimeout.
// Each counts as a failed attempt, so it is retried or dead-lettered.
func (m *Manager) SweepStale(ctx context.Context) int {
	now := m.now()
	n := 0
	for _, name := range m.Queues() {
		q, err := m.lookup(name)
		if err != nil || q.def.Type == TypeDeadLetter {
			continue
		}
		for _, l := range q.stale(now, m.config.ProcessingTimeout) {
			m.logger.Warn("reclaiming stale message",
				logging.MessageID(l.msg.ID()),
				logging.String("queue", name),
				logging.Duration("processing_for", now.Sub(l.msg.StartedAt)))
			m.finish(ctx, q, l, "", l.msg.StartedAt, errProcessingTimeout)
			n++
		}
	}
	return n
}

// Get returns a copy of a queued or dead-lettered message.
func (m *Manager) Get(id string) (*QueuedMessage, bool) {
	for _, name := range m.Queues() {
		q, err := m.lookup(name)
		if err != nil {
			continue
		}
		if msg, ok := q.find(id); ok {
			return msg, true
		}
	}
	m.doneMu.Lock()
	defer m.doneMu.Unlock()
	if msg, ok := m.done[id]; ok {
		return msg.clone(), true
	}
	return nil, false
}

// remember keeps a completed message for status lookups, evicting the
// oldest once CompletedHistory is reached.
func (m *Manager) remember(msg *QueuedMessage) {
	m.doneMu.Lock()
	defer m.doneMu.Unlock()
	id := msg.ID()
	if _, ok := m.done[id]; ok {
		m.done[id] = msg
		return
	}
	if len(m.doneOrder) < m.config.CompletedHistory {
		m.doneOrder = append(m.doneOrder, id)
	} else {
		delete(m.done, m.doneOrder[m.doneNext])
		m.doneOrder[m.doneNext] = id
		m.doneNext = (m.doneNext + 1) % len(m.doneOrder)
	}
	m.done[id] = msg
}

// Pending returns copies of the waiting messages of a queue in dispatch order.
func (m *Manager) Pending(name string) ([]*QueuedMessage, error) {
	q, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return q.snapshot(), nil
}

// DeadLetters returns the dead-lettered messages, oldest first.
func (m *Manager) DeadLetters() []*QueuedMessage {
	out, _ := m.Pending(QueueDeadLetter)
	return out
}

// Replay moves a dead-lettered message back to its original queue with a
// fresh retry budget.
func (m *Manager) Replay(ctx context.Context, id string) error {
	dlq, err := m.lookup(QueueDeadLetter)
	if err != nil {
		return err
	}
	msg, ok := dlq.remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}

	target := msg.Origin
	q, err := m.lookup(target)
	if err != nil {
		q, _ = m.lookup(RouteQueue(msg.Message))
	}
	q.mu.Lock()
	msg.Status = StatusPending
	msg.RetryCount = 0
	msg.LastError = ""
	msg.Origin = ""
	msg.CompletedAt = time.Time{}
	msg.ScheduledAt = m.now()
	q.insertLocked(msg)
	snapshot := msg.clone()
	q.mu.Unlock()

	m.persistLogged(ctx, snapshot)
	m.publishDepth(q)
	m.publishDepth(dlq)
	m.logger.Info("dead letter replayed", logging.MessageID(id), logging.String("queue", q.def.Name))
	return nil
}

// Restore reloads persisted messages. Messages that were processing when the
// process stopped are queued again.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	entries, err := m.store.List(ctx, storePrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted messages: %w", err)
	}

	restored := make([]*QueuedMessage, 0, len(entries))
	for key, raw := range entries {
		var msg QueuedMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Message == nil {
			m.logger.Warn("skipping unreadable persisted message", logging.String("key", key))
			continue
		}
		restored = append(restored, &msg)
	}
	sort.SliceStable(restored, func(i, j int) bool { return restored[i].CreatedAt.Before(restored[j].CreatedAt) })

	n := 0
	for _, msg := range restored {
		if _, exists := m.Get(msg.ID()); exists {
			continue
		}
		q, err := m.lookup(msg.Queue)
		if err != nil {
			q, _ = m.lookup(RouteQueue(msg.Message))
		}
		if msg.Status == StatusProcessing {
			msg.Status = StatusPending
			msg.StartedAt = time.Time{}
		}
		q.mu.Lock()
		q.insertLocked(msg)
		q.mu.Unlock()
		n++
	}
	for _, name := range m.Queues() {
		if q, err := m.lookup(name); err == nil {
			m.publishDepth(q)
		}
	}
	m.logger.Info("queued messages restored", logging.Int("count", n))
	return n, nil
}

// Stats returns the statistics of one queue.
func (m *Manager) Stats(name string) (Stats, error) {
	q, err := m.lookup(name)
	if err != nil {
		return Stats{}, err
	}
	return q.stats(m.now()), nil
}

// GlobalStats aggregates the statistics of all queues.
func (m *Manager) GlobalStats() GlobalStats {
	now := m.now()
	g := GlobalStats{Queues: make(map[string]Stats)}
	for _, name := range m.Queues() {
		q, err := m.lookup(name)
		if err != nil {
			continue
		}
		s := q.stats(now)
		g.Queues[name] = s
		if q.def.Type == TypeDeadLetter {
			continue
		}
		g.Pending += s.Pending
		g.Processing += s.Processing
		g.Completed += s.Completed
		g.Failed += s.Failed
		g.DeadLettered += s.DeadLettered
		g.ThroughputPerMinute += s.ThroughputPerMinute
	}
	return g
}

func storeKey(id string) string {
	return storePrefix + id
}

func (m *Manager) persist(ctx context.Context, msg *QueuedMessage) error {
	if m.store == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, storeKey(msg.ID()), raw, 0)
}

func (m *Manager) persistLogged(ctx context.Context, msg *QueuedMessage) {
	if err := m.persist(ctx, msg); err != nil {
		m.logger.Warn("failed to persist message", logging.MessageID(msg.ID()), logging.Err(err))
	}
}

func (m *Manager) forget(ctx context.Context, msg *QueuedMessage) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, storeKey(msg.ID())); err != nil && !errors.Is(err, registry.ErrKeyNotFound) {
		m.logger.Warn("failed to delete persisted message", logging.MessageID(msg.ID()), logging.Err(err))
	}
}

func (m *Manager) outcome(queueName, outcome string) {
	m.metrics.IncrementCounter(metrics.QueueOutcomes.Name, map[string]string{"queue": queueName, "outcome": outcome})
}

func (m *Manager) publishDepth(q *queue) {
	m.metrics.SetGauge(metrics.QueueDepth.Name, float64(q.depth()), map[string]string{"queue": q.def.Name})
}
