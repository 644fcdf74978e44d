package balancer

import (
	"context"
	"sync"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
)

// queuedPriorities are the tiers drained by background workers. Urgent
// priorities never wait in a queue.
var queuedPriorities = []models.Priority{models.PriorityNormal, models.PriorityLow}

type result struct {
	resp *models.Message
	err  error
}

type job struct {
	ctx  context.Context
	req  Request
	done chan result
}

type tiers struct {
	b      *Balancer
	queues map[models.Priority]chan job
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// mu orders enqueues before the final drain.
	mu     sync.RWMutex
	closed bool
}

// Start launches one worker per queued priority tier. Cancelling ctx has the
// same effect as Stop.
func (b *Balancer) Start(ctx context.Context) {
	b.mu.Lock()
	if b.tiers != nil {
		b.mu.Unlock()
		return
	}
	t := &tiers{
		b:      b,
		queues: make(map[models.Priority]chan job, len(queuedPriorities)),
		stop:   make(chan struct{}),
	}
	for _, p := range queuedPriorities {
		t.queues[p] = make(chan job, b.config.QueueSize)
	}
	b.tiers = t
	b.mu.Unlock()

	for _, p := range queuedPriorities {
		t.wg.Add(1)
		go t.work(p)
	}
	go func() {
		select {
		case <-ctx.Done():
			b.detach(t)
			t.shutdown()
		case <-t.stop:
		}
	}()
	b.logger.Info("routing tiers started", logging.Int("queue_size", b.config.QueueSize))
}

// Stop ends the tier workers after the job in flight; queued jobs fail with
// ErrStopped. Later routes go straight to an agent.
func (b *Balancer) Stop() {
	b.mu.Lock()
	t := b.tiers
	b.tiers = nil
	b.mu.Unlock()
	if t == nil {
		return
	}
	t.shutdown()
}

func (b *Balancer) detach(t *tiers) {
	b.mu.Lock()
	if b.tiers == t {
		b.tiers = nil
	}
	b.mu.Unlock()
}

func (b *Balancer) tierQueues() *tiers {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tiers
}

func (t *tiers) shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.once.Do(func() { close(t.stop) })
	t.wg.Wait()

	for _, q := range t.queues {
		for {
			select {
			case j := <-q:
				j.done <- result{err: ErrStopped}
				continue
			default:
			}
			break
		}
	}
	t.b.logger.Info("routing tiers stopped")
}

func (t *tiers) submit(ctx context.Context, req Request) (*models.Message, error) {
	q, ok := t.queues[req.Message.Priority]
	if !ok {
		q = t.queues[models.PriorityNormal]
	}

	j := job{ctx: ctx, req: req, done: make(chan result, 1)}
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return t.b.route(ctx, req)
	}
	select {
	case q <- j:
	default:
		t.mu.RUnlock()
		return nil, ErrQueueFull
	}
	t.mu.RUnlock()
	t.b.metrics.SetGauge(metrics.QueueDepth.Name, float64(len(q)), map[string]string{"queue": tierName(req.Message.Priority)})

	select {
	case r := <-j.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *tiers) work(p models.Priority) {
	defer t.wg.Done()
	q := t.queues[p]
	for {
		select {
		case <-t.stop:
			return
		case j := <-q:
			t.b.metrics.SetGauge(metrics.QueueDepth.Name, float64(len(q)), map[string]string{"queue": tierName(p)})
			if err := j.ctx.Err(); err != nil {
				j.done <- result{err: err}
				continue
			}
			resp, err := t.b.route(j.ctx, j.req)
			j.done <- result{resp: resp, err: err}
		}
	}
}

func (t *tiers) depths() map[string]int {
	out := make(map[string]int, len(t.queues))
	for p, q := range t.queues {
		out[tierName(p)] = len(q)
	}
	return out
}

func tierName(p models.Priority) string {
	return "route_" + p.String()
}
