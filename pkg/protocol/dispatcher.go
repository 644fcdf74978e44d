package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/metrics"
	"github.com/syntor/agentmesh/pkg/models"
)

// HandlerFunc serves one method. Returning a *models.RPCError controls the
// error code; any other error becomes an Internal error.
type HandlerFunc func(ctx context.Context, msg *models.Message) (interface{}, error)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	AgentID string
	Cipher  Cipher
	Logger  logging.Logger
	Metrics metrics.Collector
	// OnResponse receives response envelopes that arrive as inbound messages.
	OnResponse func(*models.Message) bool
}

// Dispatcher validates inbound envelopes and invokes registered handlers.
// It never returns a Go error to the transport; failures become error responses.
type Dispatcher struct {
	agentID    string
	cipher     Cipher
	logger     logging.Logger
	metrics    metrics.Collector
	onResponse func(*models.Message) bool

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	received atomic.Int64
	errors   atomic.Int64
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		agentID:    config.AgentID,
		cipher:     config.Cipher,
		logger:     logging.OrNop(config.Logger).With(logging.String("component", "dispatcher")),
		metrics:    metrics.OrNop(config.Metrics),
		onResponse: config.OnResponse,
		handlers:   make(map[string]HandlerFunc),
	}
}

// Handle registers h for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods lists registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleMessage processes one inbound envelope and returns the response to
// send back, or nil when the message carried no id.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *models.Message) *models.Message {
	d.received.Add(1)

	if err := msg.Validate(); err != nil {
		return d.fail(msg, "invalid", models.NewRPCError(models.CodeInvalidRequest, "%s", err.Error()))
	}

	if msg.IsResponse() {
		if d.onResponse == nil || !d.onResponse(msg) {
			d.logger.Debug("unmatched response dropped", logging.MessageID(msg.ID))
		}
		d.count(msg.Method, "response")
		return nil
	}

	if err := Open(msg, d.cipher); err != nil {
		d.logger.Warn("failed to open sensitive message", logging.MessageID(msg.ID), logging.Err(err))
		return d.fail(msg, "decrypt_failed", models.NewRPCError(models.CodeInvalidRequest, "unable to decrypt payload"))
	}
	msg.AppendAudit("message_received", d.agentID, map[string]string{"method": msg.Method})

	d.mu.RLock()
	h, ok := d.handlers[msg.Method]
	d.mu.RUnlock()
	if !ok {
		return d.fail(msg, "not_found", models.NewRPCError(models.CodeMethodNotFound, "method not found: %s", msg.Method))
	}

	ctx = logging.WithMessageID(ctx, msg.ID)
	if msg.SessionID != "" {
		ctx = logging.WithSessionID(ctx, msg.SessionID)
	}
	result, err := d.invoke(ctx, h, msg)
	if err != nil {
		var rpcErr *models.RPCError
		if !errors.As(err, &rpcErr) {
			d.logger.WithContext(ctx).Error("handler failed", logging.Method(msg.Method), logging.Err(err))
			rpcErr = models.NewRPCError(models.CodeInternal, "internal error")
		}
		return d.fail(msg, "error", rpcErr)
	}

	d.count(msg.Method, "ok")
	if !msg.IsRequest() {
		return nil
	}

	resp, err := models.NewResponse(msg, result)
	if err != nil {
		return d.fail(msg, "error", models.NewRPCError(models.CodeInternal, "unable to encode result"))
	}
	resp.Source = d.agentID
	resp.AuditTrail = msg.AuditTrail
	resp.AppendAudit("response_sent", d.agentID, map[string]string{"method": msg.Method})
	if err := Seal(resp, d.cipher); err != nil {
		d.logger.Error("failed to seal response", logging.MessageID(msg.ID), logging.Err(err))
		return d.fail(msg, "error", models.NewRPCError(models.CodeInternal, "unable to encrypt result"))
	}
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, msg *models.Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).Error("handler panicked",
				logging.Method(msg.Method),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (d *Dispatcher) fail(msg *models.Message, outcome string, rpcErr *models.RPCError) *models.Message {
	d.errors.Add(1)
	d.count(msg.Method, outcome)
	if msg.ID == "" {
		return nil
	}
	resp := models.NewErrorResponse(msg, rpcErr)
	resp.Source = d.agentID
	return resp
}

func (d *Dispatcher) count(method, outcome string) {
	d.metrics.IncrementCounter(metrics.MessagesReceived.Name, map[string]string{"method": method, "outcome": outcome})
}

// DispatcherStats are counters of inbound traffic.
type DispatcherStats struct {
	Received int64    `json:"messages_received"`
	Errors   int64    `json:"errors"`
	Methods  []string `json:"methods"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Received: d.received.Load(),
		Errors:   d.errors.Load(),
		Methods:  d.Methods(),
	}
}
