package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/syntor/agentmesh/pkg/balancer"
	"github.com/syntor/agentmesh/pkg/faulttolerance"
	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/queue"
	"github.com/syntor/agentmesh/pkg/registry"
)

// Methods served by the coordinator.
const (
	MethodRegister      = "registry.register"
	MethodHeartbeat     = "registry.heartbeat"
	MethodUnregister    = "registry.unregister"
	MethodDiscover      = "registry.discover"
	MethodRoute         = "mesh.route"
	MethodEnqueue       = "mesh.enqueue"
	MethodStatus        = "mesh.status"
	MethodMessageStatus = "mesh.message_status"
	MethodReplay        = "mesh.replay"
	MethodSetMode       = "mesh.set_mode"
)

func (c *Coordinator) registerHandlers() {
	c.dispatcher.Handle(MethodRegister, c.handleRegister)
	c.dispatcher.Handle(MethodHeartbeat, c.handleHeartbeat)
	c.dispatcher.Handle(MethodUnregister, c.handleUnregister)
	c.dispatcher.Handle(MethodDiscover, c.handleDiscover)
	c.dispatcher.Handle(MethodRoute, c.handleRoute)
	c.dispatcher.Handle(MethodEnqueue, c.handleEnqueue)
	c.dispatcher.Handle(MethodStatus, c.handleStatus)
	c.dispatcher.Handle(MethodMessageStatus, c.handleMessageStatus)
	c.dispatcher.Handle(MethodReplay, c.handleReplay)
	c.dispatcher.Handle(MethodSetMode, c.handleSetMode)
}

// decodeParams maps the params object of msg onto v.
func decodeParams(msg *models.Message, v interface{}) error {
	raw, err := json.Marshal(msg.Params)
	if err != nil {
		return models.NewRPCError(models.CodeInvalidParams, "invalid params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return models.NewRPCError(models.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func agentIDParam(msg *models.Message) (string, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeParams(msg, &p); err != nil {
		return "", err
	}
	if p.AgentID == "" {
		return "", models.NewRPCError(models.CodeInvalidParams, "agent_id is required")
	}
	return p.AgentID, nil
}

// registryError converts registry failures into RPC errors.
func registryError(err error) error {
	var nf *registry.NoAgentError
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		return models.NewRPCError(models.CodeInvalidParams, "%s", err.Error())
	case errors.Is(err, registry.ErrInvalidRegistration):
		return models.NewRPCError(models.CodeInvalidParams, "%s", err.Error())
	case errors.As(err, &nf):
		return models.NewRPCError(models.CodeUnavailable, "%s", nf.Error())
	default:
		return err
	}
}

func (c *Coordinator) handleRegister(ctx context.Context, msg *models.Message) (interface{}, error) {
	var reg models.AgentRegistration
	if err := decodeParams(msg, &reg); err != nil {
		return nil, err
	}
	if err := c.registry.Register(ctx, &reg); err != nil {
		return nil, registryError(err)
	}
	return map[string]interface{}{"agent_id": reg.AgentID, "registered": true}, nil
}

// heartbeatParams carries optional load figures with a heartbeat.
type heartbeatParams struct {
	AgentID            string   `json:"agent_id"`
	LoadFactor         *float64 `json:"load_factor,omitempty"`
	CurrentConnections *int     `json:"current_connections,omitempty"`
	ErrorRate          *float64 `json:"error_rate,omitempty"`
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, msg *models.Message) (interface{}, error) {
	var p heartbeatParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return nil, models.NewRPCError(models.CodeInvalidParams, "agent_id is required")
	}
	if err := c.registry.Heartbeat(ctx, p.AgentID); err != nil {
		return nil, registryError(err)
	}
	if p.LoadFactor != nil || p.CurrentConnections != nil || p.ErrorRate != nil {
		update := registry.HealthUpdate{
			LoadFactor:         p.LoadFactor,
			CurrentConnections: p.CurrentConnections,
			ErrorRate:          p.ErrorRate,
		}
		if _, err := c.registry.UpdateHealth(ctx, p.AgentID, "", update); err != nil {
			return nil, registryError(err)
		}
	}
	return map[string]interface{}{"agent_id": p.AgentID, "ok": true}, nil
}

func (c *Coordinator) handleUnregister(ctx context.Context, msg *models.Message) (interface{}, error) {
	id, err := agentIDParam(msg)
	if err != nil {
		return nil, err
	}
	if err := c.registry.Unregister(ctx, id); err != nil {
		return nil, registryError(err)
	}
	return map[string]interface{}{"agent_id": id, "unregistered": true}, nil
}

// discoverParams is the wire form of registry.Query.
type discoverParams struct {
	AgentType               string   `json:"agent_type"`
	Capability              string   `json:"capability"`
	RequiresSensitiveAccess bool     `json:"requires_sensitive_access"`
	RequireCompliance       bool     `json:"require_compliance"`
	MaxLoadFactor           float64  `json:"max_load_factor"`
	MinSuccessRate          float64  `json:"min_success_rate"`
	PreferredAgents         []string `json:"preferred_agents"`
	ExcludeAgents           []string `json:"exclude_agents"`
	Limit                   int      `json:"limit"`
}

func (c *Coordinator) handleDiscover(ctx context.Context, msg *models.Message) (interface{}, error) {
	var p discoverParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	agents, err := c.registry.Discover(ctx, registry.Query{
		AgentType:               p.AgentType,
		Capability:              p.Capability,
		RequiresSensitiveAccess: p.RequiresSensitiveAccess,
		RequireCompliance:       p.RequireCompliance,
		MaxLoadFactor:           p.MaxLoadFactor,
		MinSuccessRate:          p.MinSuccessRate,
		PreferredAgents:         p.PreferredAgents,
		ExcludeAgents:           p.ExcludeAgents,
		Limit:                   p.Limit,
	})
	if err != nil {
		return nil, registryError(err)
	}
	return map[string]interface{}{"agents": agents, "count": len(agents)}, nil
}

// innerParams describes the message a caller wants delivered through the mesh.
// Priority, auth level and session are inherited from the outer envelope.
type innerParams struct {
	Method     string                 `json:"method"`
	Params     map[string]interface{} `json:"params"`
	AgentType  string                 `json:"agent_type"`
	Capability string                 `json:"capability"`
}

func (p innerParams) message(outer *models.Message) (*models.Message, error) {
	if p.Method == "" {
		return nil, models.NewRPCError(models.CodeInvalidParams, "method is required")
	}
	inner := models.NewRequest(p.Method, p.Params, outer.Priority, outer.AuthLevel)
	if inner.Priority == 0 {
		inner.Priority = models.PriorityNormal
	}
	if inner.AuthLevel == "" {
		inner.AuthLevel = models.AuthAuthenticated
	}
	inner.SessionID = outer.SessionID
	inner.SensitiveContext = outer.SensitiveContext
	return inner, nil
}

type routeParams struct {
	innerParams
	Algorithm       string   `json:"algorithm"`
	Timeout         string   `json:"timeout"`
	PreferredAgents []string `json:"preferred_agents"`
	ExcludeAgents   []string `json:"exclude_agents"`
}

func (c *Coordinator) handleRoute(ctx context.Context, msg *models.Message) (interface{}, error) {
	var p routeParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	inner, err := p.message(msg)
	if err != nil {
		return nil, err
	}
	req := balancer.Request{
		Message:         inner,
		AgentType:       p.AgentType,
		Capability:      p.Capability,
		PreferredAgents: p.PreferredAgents,
		ExcludeAgents:   p.ExcludeAgents,
	}
	if req.Capability == "" && req.AgentType == "" {
		req.Capability = p.Method
	}
	if p.Algorithm != "" {
		if req.Algorithm, err = balancer.ParseAlgorithm(p.Algorithm); err != nil {
			return nil, models.NewRPCError(models.CodeInvalidParams, "%s", err.Error())
		}
	}
	if p.Timeout != "" {
		if req.Timeout, err = time.ParseDuration(p.Timeout); err != nil {
			return nil, models.NewRPCError(models.CodeInvalidParams, "invalid timeout: %v", err)
		}
	}

	resp, err := c.balancer.Route(ctx, req)
	if err != nil {
		return nil, routeError(err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return map[string]interface{}{
		"message_id": inner.ID,
		"agent_id":   resp.Source,
		"result":     resp.Result,
	}, nil
}

// routeError keeps remote RPC errors and maps routing failures to Unavailable.
func routeError(err error) error {
	var rpcErr *models.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var nf *registry.NoAgentError
	if errors.As(err, &nf) || errors.Is(err, balancer.ErrNoAgents) {
		return models.NewRPCError(models.CodeUnavailable, "%s", err.Error())
	}
	return models.NewRPCError(models.CodeUnavailable, "routing failed: %s", err.Error())
}

type enqueueParams struct {
	innerParams
	Queue        string             `json:"queue"`
	Target       string             `json:"target"`
	Delay        string             `json:"delay"`
	DeliveryMode queue.DeliveryMode `json:"delivery_mode"`
}

func (c *Coordinator) handleEnqueue(ctx context.Context, msg *models.Message) (interface{}, error) {
	var p enqueueParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	inner, err := p.message(msg)
	if err != nil {
		return nil, err
	}
	inner.Target = p.Target

	opts := queue.SendOptions{Queue: p.Queue, DeliveryMode: p.DeliveryMode}
	if p.Delay != "" {
		if opts.Delay, err = time.ParseDuration(p.Delay); err != nil {
			return nil, models.NewRPCError(models.CodeInvalidParams, "invalid delay: %v", err)
		}
	}

	id, err := c.queues.SendWith(ctx, inner, opts)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return nil, models.NewRPCError(models.CodeUnavailable, "%s", err.Error())
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrInvalidMessage):
		return nil, models.NewRPCError(models.CodeInvalidParams, "%s", err.Error())
	case err != nil:
		return nil, err
	}

	result := map[string]interface{}{"message_id": id}
	if qm, ok := c.queues.Get(id); ok {
		result["queue"] = qm.Queue
		result["scheduled_at"] = qm.ScheduledAt
	}
	return result, nil
}

// Status is the body of mesh.status.
type Status struct {
	Mode         faulttolerance.SystemMode `json:"mode"`
	Agents       map[string]int            `json:"agents"`
	ActiveAlerts int                       `json:"active_alerts"`
	Faults       faulttolerance.Status     `json:"faults"`
	Queues       queue.GlobalStats         `json:"queues"`
	Routing      balancer.Stats            `json:"routing"`
}

func (c *Coordinator) handleStatus(ctx context.Context, _ *models.Message) (interface{}, error) {
	return c.Status(ctx)
}

// Status reports the mode, fleet composition and component statistics.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	agents, err := c.registry.List(ctx, "")
	if err != nil {
		return Status{}, err
	}
	byStatus := make(map[string]int)
	for _, a := range agents {
		byStatus[string(a.Status)]++
	}
	faults := c.faults.Status()
	return Status{
		Mode:         faults.Mode,
		Agents:       byStatus,
		ActiveAlerts: len(c.monitor.ActiveAlerts()),
		Faults:       faults,
		Queues:       c.queues.GlobalStats(),
		Routing:      c.balancer.Stats(),
	}, nil
}

func (c *Coordinator) handleMessageStatus(_ context.Context, msg *models.Message) (interface{}, error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	qm, ok := c.queues.Get(p.MessageID)
	if !ok {
		return nil, models.NewRPCError(models.CodeInvalidParams, "unknown message: %s", p.MessageID)
	}
	// The payload stays with the queue; callers see delivery state only.
	return map[string]interface{}{
		"message_id":  qm.ID(),
		"method":      qm.Message.Method,
		"queue":       qm.Queue,
		"status":      qm.Status,
		"retry_count": qm.RetryCount,
		"agent_id":    qm.AgentID,
		"last_error":  qm.LastError,
	}, nil
}

func (c *Coordinator) handleReplay(ctx context.Context, msg *models.Message) (interface{}, error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	if err := c.queues.Replay(ctx, p.MessageID); err != nil {
		if errors.Is(err, queue.ErrNotDeadLetter) {
			return nil, models.NewRPCError(models.CodeInvalidParams, "%s", err.Error())
		}
		return nil, err
	}
	return map[string]interface{}{"message_id": p.MessageID, "replayed": true}, nil
}

func (c *Coordinator) handleSetMode(ctx context.Context, msg *models.Message) (interface{}, error) {
	var p struct {
		Mode   faulttolerance.SystemMode `json:"mode"`
		Reason string                    `json:"reason"`
	}
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	valid := false
	for _, m := range faulttolerance.AllModes {
		valid = valid || m == p.Mode
	}
	if !valid {
		return nil, models.NewRPCError(models.CodeInvalidParams, "unknown mode: %s", p.Mode)
	}
	if p.Reason == "" {
		p.Reason = "operator request"
	}
	changed := c.faults.SetMode(ctx, p.Mode, p.Reason)
	c.logger.WithContext(ctx).Info("mode set by operator",
		logging.String("mode", string(p.Mode)),
		logging.Bool("changed", changed))
	return map[string]interface{}{"mode": c.faults.Mode(), "changed": changed}, nil
}

// stats feeds GET /a2a/stats.
func (c *Coordinator) stats() map[string]float64 {
	cs := c.client.Stats()
	qs := c.queues.GlobalStats()
	rs := c.balancer.Stats()
	return map[string]float64{
		"messages_sent":      float64(cs.MessagesSent),
		"responses_received": float64(cs.ResponsesMatched),
		"timeouts":           float64(cs.Timeouts),
		"avg_response_time":  cs.AvgResponseTime,
		"queue_pending":      float64(qs.Pending),
		"queue_processing":   float64(qs.Processing),
		"queue_dead_letters": float64(qs.DeadLettered),
		"routed":             float64(rs.Routed),
		"routing_failures":   float64(rs.Failed),
		"error_rate":         rs.RecentErrorRate,
	}
}
