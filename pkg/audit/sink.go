package audit

import (
	"context"
	"sync"

	"github.com/syntor/agentmesh/pkg/logging"
)

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// Nop returns a sink that drops every event.
func Nop() Sink { return nopSink{} }

// OrNop returns s, or a dropping sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop()
	}
	return s
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger logging.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger).With(logging.String("component", "audit"))}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	s.logger.WithContext(ctx).Info("audit event",
		logging.String("event_id", e.ID),
		logging.String("event_type", string(e.Type)),
		logging.AgentID(e.AgentID),
		logging.Any("context", e.Context),
	)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder keeps events in memory. Useful for tests and the status endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
