package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntor/agentmesh/pkg/logging"
)

// BufferedConfig tunes a BufferedSink.
type BufferedConfig struct {
	Capacity      int           `mapstructure:"capacity" json:"capacity"`
	BatchSize     int           `mapstructure:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" json:"flush_interval"`
}

// DefaultBufferedConfig returns a 10k event buffer flushed every 500ms or 100 events.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		Capacity:      10000,
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// BufferedSink hands events to a background worker that writes them in batches.
// Emit never blocks; events are dropped and logged when the buffer is full.
type BufferedSink struct {
	ch      chan Event
	writer  BatchWriter
	config  BufferedConfig
	logger  logging.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
	mu      sync.RWMutex
}

// NewBufferedSink creates a sink writing to w. Call Start before emitting.
func NewBufferedSink(w BatchWriter, config BufferedConfig, logger logging.Logger) *BufferedSink {
	def := DefaultBufferedConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	return &BufferedSink{
		ch:     make(chan Event, config.Capacity),
		writer: w,
		config: config,
		logger: logging.OrNop(logger).With(logging.String("component", "audit_buffer")),
	}
}

// Start launches the flush worker.
func (s *BufferedSink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop closes the buffer and waits for the final flush.
func (s *BufferedSink) Stop() {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return
	}
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("audit buffer drained", logging.Int64("dropped", s.dropped.Load()))
}

// Emit queues e for the next batch.
func (s *BufferedSink) Emit(_ context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}

	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		s.logger.Error("audit buffer overflow",
			logging.String("event_type", string(e.Type)),
			logging.AgentID(e.AgentID),
		)
	}
}

// Dropped returns the number of events that could not be buffered.
func (s *BufferedSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *BufferedSink) worker() {
	defer s.wg.Done()

	batch := make([]Event, 0, s.config.BatchSize)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writer.WriteBatch(context.Background(), batch); err != nil {
			s.logger.Error("audit flush failed", logging.Int("events", len(batch)), logging.Err(err))
		}
		batch = make([]Event, 0, s.config.BatchSize)
	}

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
