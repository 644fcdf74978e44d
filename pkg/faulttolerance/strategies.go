package faulttolerance

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/registry"
)

// recoveryHandler carries out one strategy for a failure.
type recoveryHandler interface {
	Recover(ctx context.Context, m *Manager, f *Failure) (string, error)
}

var handlers = map[Strategy]recoveryHandler{
	StrategyEmergencyProtocol:   emergencyProtocol{},
	StrategyFailover:            failover{},
	StrategyGracefulDegradation: gracefulDegradation{},
	StrategyExponentialBackoff:  exponentialBackoff{},
	StrategyManualIntervention:  manualIntervention{},
	StrategyCircuitBreaker:      breakerTrip{},
}

var errNoFailoverTarget = errors.New("no failover target available")

type emergencyProtocol struct{}

// Recover switches to emergency mode, wakes every standby agent, moves
// traffic off the affected agents and asks for staff.
func (emergencyProtocol) Recover(ctx context.Context, m *Manager, f *Failure) (string, error) {
	m.SetMode(ctx, ModeEmergency, "emergency protocol for "+f.AgentID)

	activated, err := m.activateStandby(ctx, "")
	if err != nil {
		return "", err
	}
	m.isolate(ctx, f.AgentID)

	if err := m.notifier.NotifyStaff(ctx, *f); err != nil {
		m.logger.Error("staff notification failed", logging.AgentID(f.AgentID), logging.Err(err))
	}
	return fmt.Sprintf("emergency mode, %d standby agents activated, staff notified", activated), nil
}

type failover struct{}

// Recover activates the best compliant agent of the same type and opens the
// failed agent's breaker.
func (failover) Recover(ctx context.Context, m *Manager, f *Failure) (string, error) {
	m.breakers.Get(f.AgentID).ForceOpen()

	all, err := m.registry.List(ctx, f.AgentType)
	if err != nil {
		return "", err
	}
	q := registry.Query{RequireCompliance: m.requiresCompliance(all, f.AgentID), ExcludeAgents: []string{f.AgentID}}

	var target *models.AgentRegistration
	if routable := q.Apply(all); len(routable) > 0 {
		target = routable[0]
	} else {
		for _, reg := range all {
			if reg.AgentID != f.AgentID && reg.IsStandby() && (!q.RequireCompliance || reg.IsCompliant()) {
				target = reg
				break
			}
		}
	}
	if target == nil {
		return "", fmt.Errorf("%w for %s", errNoFailoverTarget, f.AgentID)
	}

	if target.Status != models.StatusHealthy {
		if err := m.registry.SetStatus(ctx, target.AgentID, models.StatusHealthy); err != nil {
			return "", err
		}
	}
	m.breakers.Get(target.AgentID).Reset()
	return "failed over to " + target.AgentID, nil
}

type gracefulDegradation struct{}

// Recover marks the agent degraded so routing sheds load from it, and
// degrades the system when too much of the fleet is struggling.
func (gracefulDegradation) Recover(ctx context.Context, m *Manager, f *Failure) (string, error) {
	if err := m.registry.SetStatus(ctx, f.AgentID, models.StatusDegraded); err != nil {
		return "", err
	}
	fraction, err := m.healthyFraction(ctx)
	if err != nil {
		return "", err
	}
	if fraction < 0.7 && m.Mode() == ModeNormal {
		m.SetMode(ctx, ModeDegraded, "load shedding on "+f.AgentID)
		return "load shed, system degraded", nil
	}
	return "load shed", nil
}

type exponentialBackoff struct{}

func (exponentialBackoff) Recover(ctx context.Context, m *Manager, f *Failure) (string, error) {
	a := m.schedule(f, StrategyExponentialBackoff, m.occurrences(f))
	return fmt.Sprintf("retry scheduled at %s", a.ScheduledAt.Format("15:04:05")), nil
}

type manualIntervention struct{}

func (manualIntervention) Recover(ctx context.Context, m *Manager, f *Failure) (string, error) {
	m.logger.Error("manual intervention required",
		logging.AgentID(f.AgentID),
		logging.String("failure_type", string(f.Type)),
		logging.String("impact", string(f.Impact)))
	if err := m.notifier.NotifyStaff(ctx, *f); err != nil {
		return "", err
	}
	return "escalated for manual intervention", nil
}

type breakerTrip struct{}

func (breakerTrip) Recover(ctx context.Context, m *Manager, f *Failure) (string, error) {
	m.breakers.Get(f.AgentID).ForceOpen()
	return "circuit breaker opened", nil
}
