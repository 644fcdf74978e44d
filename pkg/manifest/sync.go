package manifest

import (
	"context"
	"errors"
	"time"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/registry"
)

// Registrar is the part of the registry the syncer drives.
type Registrar interface {
	Register(ctx context.Context, reg *models.AgentRegistration) error
	Unregister(ctx context.Context, agentID string) error
	Heartbeat(ctx context.Context, agentID string) error
}

// Syncer mirrors a Catalog into the registry. Static agents never
// heartbeat themselves, so the syncer does it on their behalf.
type Syncer struct {
	catalog  *Catalog
	reg      Registrar
	interval time.Duration
	logger   logging.Logger

	events chan Change
	done   chan struct{}
}

// NewSyncer creates a syncer. interval <= 0 disables heartbeating.
func NewSyncer(catalog *Catalog, reg Registrar, interval time.Duration, logger logging.Logger) *Syncer {
	s := &Syncer{
		catalog:  catalog,
		reg:      reg,
		interval: interval,
		logger:   logging.OrNop(logger).With(logging.String("component", "manifest-sync")),
		events:   make(chan Change, 64),
		done:     make(chan struct{}),
	}
	catalog.Subscribe(func(e Change) {
		select {
		case s.events <- e:
		case <-s.done:
		}
	})
	return s
}

// Run registers every loaded manifest and then applies changes until ctx
// is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	defer close(s.done)

	for _, m := range s.catalog.List() {
		s.register(ctx, m)
	}

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.events:
			s.apply(ctx, e)
		case <-tick:
			s.heartbeat(ctx)
		}
	}
}

func (s *Syncer) apply(ctx context.Context, e Change) {
	switch e.Kind {
	case ChangeAdded, ChangeUpdated:
		// The catalog holds the latest version; a queued change may be stale.
		if m, ok := s.catalog.Get(e.AgentID); ok {
			s.register(ctx, m)
		}
	case ChangeRemoved:
		if _, ok := s.catalog.Get(e.AgentID); ok {
			return
		}
		err := s.reg.Unregister(ctx, e.AgentID)
		if err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
			s.logger.Error("failed to unregister manifest agent", logging.AgentID(e.AgentID), logging.Err(err))
			return
		}
		s.logger.Info("manifest agent removed", logging.AgentID(e.AgentID), logging.String("path", e.Path))
	}
}

func (s *Syncer) register(ctx context.Context, m *AgentManifest) {
	if err := s.reg.Register(ctx, m.ToRegistration()); err != nil {
		s.logger.Error("failed to register manifest agent", logging.AgentID(m.Metadata.Name), logging.Err(err))
		return
	}
	s.logger.Debug("manifest agent registered", logging.AgentID(m.Metadata.Name))
}

// heartbeat refreshes every static agent, re-registering any the registry
// has dropped.
func (s *Syncer) heartbeat(ctx context.Context) {
	for _, m := range s.catalog.List() {
		err := s.reg.Heartbeat(ctx, m.Metadata.Name)
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrAgentNotFound):
			s.register(ctx, m)
		default:
			s.logger.Warn("manifest heartbeat failed", logging.AgentID(m.Metadata.Name), logging.Err(err))
		}
	}
}
