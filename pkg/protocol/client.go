package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
)

var (
	ErrTimeout          = errors.New("request timed out")
	ErrDuplicateRequest = errors.New("request id already pending")
)

const ewmaAlpha = 0.2

// RequestOptions controls a single request.
type RequestOptions struct {
	Priority  models.Priority
	AuthLevel models.AuthLevel
	SessionID string
	Timeout   time.Duration
}

// ClientConfig configures a Client.
type ClientConfig struct {
	AgentID        string
	DefaultTimeout time.Duration
	Cipher         Cipher
	Logger         logging.Logger
	Metrics        metrics.Collector
}

// Client sends envelopes to other agents and correlates responses with
// outstanding requests by message id.
type Client struct {
	agentID        string
	transport      Transport
	cipher         Cipher
	defaultTimeout time.Duration
	logger         logging.Logger
	metrics        metrics.Collector

	mu      sync.Mutex
	pending map[string]chan *models.Message
	stats   ClientStats
}

// ClientStats are running counters of a client.
type ClientStats struct {
	MessagesSent     int64   `json:"messages_sent"`
	ResponsesMatched int64   `json:"responses_received"`
	Errors           int64   `json:"errors"`
	Timeouts         int64   `json:"timeouts"`
	LateResponses    int64   `json:"late_responses"`
	AvgResponseTime  float64 `json:"avg_response_time"` // seconds, exponentially weighted
	Pending          int     `json:"pending"`
}

// NewClient creates a client that delivers through t.
func NewClient(t Transport, config ClientConfig) *Client {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	return &Client{
		agentID:        config.AgentID,
		transport:      t,
		cipher:         config.Cipher,
		defaultTimeout: config.DefaultTimeout,
		logger:         logging.OrNop(config.Logger).With(logging.String("component", "protocol_client")),
		metrics:        metrics.OrNop(config.Metrics),
		pending:        make(map[string]chan *models.Message),
	}
}

// SendRequest calls method on the agent at endpoint and returns its result.
// A remote error is returned as *models.RPCError.
func (c *Client) SendRequest(ctx context.Context, endpoint, method string, params map[string]interface{}, opts RequestOptions) (json.RawMessage, error) {
	msg := models.NewRequest(method, params, opts.Priority, opts.AuthLevel)
	msg.SessionID = opts.SessionID
	if msg.Priority == 0 {
		msg.Priority = models.PriorityNormal
	}
	if msg.AuthLevel == "" {
		msg.AuthLevel = models.AuthAuthenticated
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	resp, err := c.Send(ctx, endpoint, msg)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// SendNotification delivers a message that expects no response.
func (c *Client) SendNotification(ctx context.Context, endpoint, method string, params map[string]interface{}, opts RequestOptions) error {
	msg := models.NewNotification(method, params, opts.Priority, opts.AuthLevel)
	msg.SessionID = opts.SessionID
	if msg.Priority == 0 {
		msg.Priority = models.PriorityNormal
	}
	if msg.AuthLevel == "" {
		msg.AuthLevel = models.AuthAuthenticated
	}
	_, err := c.Send(ctx, endpoint, msg)
	return err
}

// Send delivers msg and, for requests, waits for the correlated response.
// Without a deadline on ctx the default timeout applies. On timeout the pending
// handle is discarded and a late response is dropped.
func (c *Client) Send(ctx context.Context, endpoint string, msg *models.Message) (*models.Message, error) {
	out := msg.Clone()
	if out.JSONRPC == "" {
		out.JSONRPC = models.ProtocolVersion
	}
	if out.Source == "" {
		out.Source = c.agentID
	}
	out.Target = endpoint
	out.AppendAudit("message_sent", c.agentID, map[string]string{"method": out.Method, "endpoint": endpoint})

	if err := Seal(out, c.cipher); err != nil {
		c.countError()
		return nil, err
	}

	kind := "notification"
	if out.IsRequest() {
		kind = "request"
	}
	c.metrics.IncrementCounter(metrics.MessagesSent.Name, map[string]string{"method": out.Method, "kind": kind})

	if !out.IsRequest() {
		c.mu.Lock()
		c.stats.MessagesSent++
		c.mu.Unlock()
		if _, err := c.transport.Send(ctx, endpoint, out); err != nil {
			c.countError()
			return nil, err
		}
		return nil, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	ch, err := c.register(out.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.transport.Send(ctx, endpoint, out)
		if err != nil {
			errCh <- err
			return
		}
		if resp == nil {
			errCh <- &TransportError{Endpoint: endpoint, Err: errors.New("no response to request")}
			return
		}
		c.resolve(out.ID, resp)
	}()

	select {
	case resp := <-ch:
		elapsed := time.Since(start)
		if err := Open(resp, c.cipher); err != nil {
			c.countError()
			return nil, err
		}
		resp.AppendAudit("response_received", c.agentID, map[string]string{"method": out.Method})
		c.recordResponse(elapsed, resp.Error != nil)
		c.metrics.ObserveHistogram(metrics.RequestDuration.Name, elapsed.Seconds(), map[string]string{"method": out.Method})
		return resp, nil

	case err := <-errCh:
		c.discard(out.ID)
		c.countError()
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, c.timeout(out, endpoint)
		}
		return nil, err

	case <-ctx.Done():
		c.discard(out.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, c.timeout(out, endpoint)
		}
		c.countError()
		return nil, ctx.Err()
	}
}

// Resolve hands a response received out of band to its waiting request.
// It reports false when no request with that id is pending.
func (c *Client) Resolve(resp *models.Message) bool {
	if resp == nil || resp.ID == "" {
		return false
	}
	return c.resolve(resp.ID, resp)
}

func (c *Client) resolve(id string, resp *models.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	} else {
		c.stats.LateResponses++
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response without pending request", logging.MessageID(id))
		return false
	}
	ch <- resp
	return true
}

func (c *Client) register(id string) (chan *models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	ch := make(chan *models.Message, 1)
	c.pending[id] = ch
	c.stats.MessagesSent++
	return ch, nil
}

func (c *Client) discard(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) timeout(msg *models.Message, endpoint string) error {
	c.mu.Lock()
	c.stats.Timeouts++
	c.stats.Errors++
	c.mu.Unlock()
	c.logger.Warn("request timed out",
		logging.MessageID(msg.ID),
		logging.Method(msg.Method),
		logging.String("endpoint", endpoint),
	)
	return fmt.Errorf("%w: %s to %s", ErrTimeout, msg.Method, endpoint)
}

func (c *Client) countError() {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
}

func (c *Client) recordResponse(elapsed time.Duration, remoteError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ResponsesMatched++
	if remoteError {
		c.stats.Errors++
	}
	secs := elapsed.Seconds()
	if c.stats.ResponsesMatched == 1 {
		c.stats.AvgResponseTime = secs
	} else {
		c.stats.AvgResponseTime = ewmaAlpha*secs + (1-ewmaAlpha)*c.stats.AvgResponseTime
	}
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pending = len(c.pending)
	return s
}

// IsRetryable reports whether err means the agent itself failed, as opposed to
// rejecting the request. Delivery failures, timeouts, internal and
// unavailable RPC errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *models.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case models.CodeInternal, models.CodeTimeout, models.CodeUnavailable:
			return true
		default:
			return false
		}
	}
	return true
}

// ResponseError converts an error response into an error, or nil for a success.
func ResponseError(resp *models.Message) error {
	if resp == nil || resp.Error == nil {
		return nil
	}
	return resp.Error
}
