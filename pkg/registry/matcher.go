package registry

import (
	"fmt"
	"sort"

	"github.com/syntor/agentmesh/pkg/models"
)

// Query describes the agents a caller is looking for.
type Query struct {
	AgentType  string
	Capability string
	// RequiresSensitiveAccess keeps only agents permitted to process
	// sensitive payloads for the capability.
	RequiresSensitiveAccess bool
	RequireCompliance       bool
	MaxLoadFactor           float64 // 0 means no limit
	MinSuccessRate          float64
	PreferredAgents         []string
	ExcludeAgents           []string
	Limit                   int
}

// NoAgentError is returned when no agent satisfies a query
type NoAgentError struct {
	Query Query
}

func (e *NoAgentError) Error() string {
	switch {
	case e.Query.Capability != "":
		return fmt.Sprintf("no agent available with capability %q", e.Query.Capability)
	case e.Query.AgentType != "":
		return fmt.Sprintf("no agent available of type %q", e.Query.AgentType)
	default:
		return "no agent available"
	}
}

// Matches reports whether reg passes every filter of q.
func (q Query) Matches(reg *models.AgentRegistration) bool {
	if !reg.Status.Routable() {
		return false
	}
	if q.AgentType != "" && reg.AgentType != q.AgentType {
		return false
	}
	if contains(q.ExcludeAgents, reg.AgentID) {
		return false
	}

	successRate := reg.SuccessRate()
	if q.Capability != "" {
		capability, ok := reg.Capability(q.Capability)
		if !ok {
			return false
		}
		if q.RequiresSensitiveAccess && !capability.RequiresSensitiveAccess {
			return false
		}
		successRate = capability.SuccessRate
	} else if q.RequiresSensitiveAccess && !reg.RequiresSensitiveAccess() {
		return false
	}

	if q.RequireCompliance && !reg.IsCompliant() {
		return false
	}

	maxLoad := q.MaxLoadFactor
	if maxLoad <= 0 {
		maxLoad = 1.0
	}
	if reg.LoadFactor > maxLoad {
		return false
	}
	return successRate >= q.MinSuccessRate
}

// Apply filters regs, orders them by suitability and moves preferred agents
// to the front.
func (q Query) Apply(regs []*models.AgentRegistration) []*models.AgentRegistration {
	matched := make([]*models.AgentRegistration, 0, len(regs))
	for _, reg := range regs {
		if q.Matches(reg) {
			matched = append(matched, reg)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SuitabilityScore() < matched[j].SuitabilityScore()
	})

	if len(q.PreferredAgents) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return contains(q.PreferredAgents, matched[i].AgentID) && !contains(q.PreferredAgents, matched[j].AgentID)
		})
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
