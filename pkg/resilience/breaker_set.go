package resilience

import (
	"sort"
	"sync"

	"github.com/syntor/agentmesh/pkg/models"
)

// BreakerSet is the one set of circuit breakers keyed by agent id. The load
// balancer and the fault tolerance manager share a single instance.
type BreakerSet struct {
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewBreakerSet creates an empty set whose breakers use config.
func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for agentID, creating it on first use.
func (s *BreakerSet) Get(agentID string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[agentID]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[agentID]; ok {
		return cb
	}
	cb = NewCircuitBreaker(agentID, s.config)
	s.breakers[agentID] = cb
	return cb
}

// Peek returns the breaker for agentID without creating one.
func (s *BreakerSet) Peek(agentID string) (*CircuitBreaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.breakers[agentID]
	return cb, ok
}

// State returns the state for agentID; agents never seen are closed.
func (s *BreakerSet) State(agentID string) models.CircuitState {
	if cb, ok := s.Peek(agentID); ok {
		return cb.State()
	}
	return models.CircuitClosed
}

// Remove drops the breaker of an unregistered agent.
func (s *BreakerSet) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, agentID)
}

// NotClosed lists agents whose breaker is open or half-open, sorted by id.
func (s *BreakerSet) NotClosed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, cb := range s.breakers {
		if cb.State() != models.CircuitClosed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns stats for every breaker.
func (s *BreakerSet) Snapshot() map[string]CircuitBreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]CircuitBreakerStats, len(s.breakers))
	for id, cb := range s.breakers {
		out[id] = cb.Stats()
	}
	return out
}
