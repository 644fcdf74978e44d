package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/syntor/agentmesh/pkg/models"
)

// Built-in handlers used to exercise the mesh.

// EchoHandler returns its params unchanged.
func EchoHandler(_ context.Context, msg *models.Message) (interface{}, error) {
	params := msg.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

// SleepHandler waits for params.duration (default 1s) or until cancelled.
func SleepHandler(ctx context.Context, msg *models.Message) (interface{}, error) {
	d := time.Second
	if s, ok := msg.Params["duration"].(string); ok {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, models.NewRPCError(models.CodeInvalidParams, "invalid duration: %v", err)
		}
		d = parsed
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, models.NewRPCError(models.CodeTimeout, "sleep interrupted")
	case <-t.C:
		return map[string]interface{}{"slept": d.String()}, nil
	}
}

// FailHandler always fails. params.code selects the RPC error code; without it
// the failure is an internal error, which the mesh treats as an agent fault.
func FailHandler(_ context.Context, msg *models.Message) (interface{}, error) {
	if code, ok := msg.Params["code"].(float64); ok {
		return nil, models.NewRPCError(int(code), "requested failure")
	}
	return nil, fmt.Errorf("requested failure")
}

// RegisterDefaults installs echo, sleep and fail.
func (w *Worker) RegisterDefaults() {
	w.Handle("echo", EchoHandler)
	w.Handle("sleep", SleepHandler)
	w.Handle("fail", FailHandler)
}
