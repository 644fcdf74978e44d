package queue

import (
	"sort"
	"sync"
	"time"
)

const sampleWindowSize = 100

type sampleWindow struct {
	values []time.Duration
	next   int
}

func (w *sampleWindow) add(d time.Duration) {
	if len(w.values) < sampleWindowSize {
		w.values = append(w.values, d)
		return
	}
	w.values[w.next] = d
	w.next = (w.next + 1) % sampleWindowSize
}

func (w *sampleWindow) mean() time.Duration {
	if len(w.values) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range w.values {
		sum += v
	}
	return sum / time.Duration(len(w.values))
}

// lease identifies one processing attempt of a message.
type lease struct {
	msg   *QueuedMessage
	token uint64
}

// queue holds the messages of one named queue.
type queue struct {
	def Definition

	mu         sync.Mutex
	pending    []*QueuedMessage
	processing map[string]*QueuedMessage
	tokens     map[string]uint64
	nextToken  uint64

	completed    int64
	failed       int64
	deadLettered int64
	procTimes    sampleWindow
	waitTimes    sampleWindow
	completions  []time.Time
}

func newQueue(def Definition) *queue {
	return &queue{
		def:        def,
		processing: make(map[string]*QueuedMessage),
		tokens:     make(map[string]uint64),
	}
}

// push enqueues a new message, honouring the size limit.
func (q *queue) push(m *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.def.MaxSize > 0 && len(q.pending)+len(q.processing) >= q.def.MaxSize {
		return ErrQueueFull
	}
	q.insertLocked(m)
	return nil
}

// insertLocked places m behind every message of equal or higher priority in
// ordered queues, and at the tail otherwise.
func (q *queue) insertLocked(m *QueuedMessage) {
	m.Queue = q.def.Name
	if !q.def.Type.ordered() {
		q.pending = append(q.pending, m)
		return
	}
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority() < m.Priority()
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = m
}

// take leases up to n messages whose scheduled time has passed, in queue order.
func (q *queue) take(now time.Time, n int) []lease {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []lease
	kept := q.pending[:0]
	for _, m := range q.pending {
		if len(out) >= n || m.ScheduledAt.After(now) {
			kept = append(kept, m)
			continue
		}
		m.Status = StatusProcessing
		m.StartedAt = now
		q.nextToken++
		q.processing[m.ID()] = m
		q.tokens[m.ID()] = q.nextToken
		q.waitTimes.add(now.Sub(m.ScheduledAt))
		out = append(out, lease{msg: m, token: q.nextToken})
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return out
}

// releaseLocked ends a lease. It returns false when the lease was already
// reclaimed by the stale sweep.
func (q *queue) releaseLocked(l lease) bool {
	if q.tokens[l.msg.ID()] != l.token {
		return false
	}
	delete(q.processing, l.msg.ID())
	delete(q.tokens, l.msg.ID())
	return true
}

// stale returns leases that have been processing longer than timeout.
func (q *queue) stale(now time.Time, timeout time.Duration) []lease {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []lease
	for id, m := range q.processing {
		if now.Sub(m.StartedAt) > timeout {
			out = append(out, lease{msg: m, token: q.tokens[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].msg.StartedAt.Before(out[j].msg.StartedAt) })
	return out
}

func (q *queue) remove(id string) (*QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.pending {
		if m.ID() == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

func (q *queue) find(id string) (*QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.processing[id]; ok {
		return m.clone(), true
	}
	for _, m := range q.pending {
		if m.ID() == id {
			return m.clone(), true
		}
	}
	return nil, false
}

func (q *queue) snapshot() []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedMessage, len(q.pending))
	for i, m := range q.pending {
		out[i] = m.clone()
	}
	return out
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *queue) recordCompletionLocked(now time.Time, took time.Duration) {
	q.completed++
	q.procTimes.add(took)
	q.completions = append(q.completions, now)
	q.trimCompletionsLocked(now)
}

func (q *queue) trimCompletionsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(q.completions) && !q.completions[i].After(cutoff) {
		i++
	}
	q.completions = q.completions[i:]
}

func (q *queue) stats(now time.Time) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trimCompletionsLocked(now)
	return Stats{
		Name:                q.def.Name,
		Type:                q.def.Type,
		Pending:             len(q.pending),
		Processing:          len(q.processing),
		Completed:           q.completed,
		Failed:              q.failed,
		DeadLettered:        q.deadLettered,
		AvgProcessingTime:   q.procTimes.mean(),
		AvgQueueTime:        q.waitTimes.mean(),
		ThroughputPerMinute: len(q.completions),
	}
}
