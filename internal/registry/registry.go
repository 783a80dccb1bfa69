// Package registry tracks execution agents: identity, inferred role,
// last-seen time and liveness. The registry exclusively owns agent records;
// callers only ever receive copies.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/domain"
)

type Registry struct {
	mu     sync.Mutex
	clock  clock.Clock
	agents map[string]*domain.Agent
	logger *log.Logger
}

func New(clk clock.Clock, logger *log.Logger) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		clock:  clk,
		agents: make(map[string]*domain.Agent),
		logger: logger,
	}
}

// Register creates or replaces the agent record, inferring its role from the
// reported context. Unknown contexts map to RoleNone.
func (r *Registry) Register(agentID string, info domain.AgentInfo) domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	agent := &domain.Agent{
		ID:           agentID,
		Role:         domain.RoleFromContext(info.Context),
		WorldID:      info.WorldID,
		VillageID:    info.VillageID,
		Visible:      info.Visible,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if existing, ok := r.agents[agentID]; ok {
		agent.RegisteredAt = existing.RegisteredAt
	}
	r.agents[agentID] = agent
	return *agent
}

// Heartbeat updates the agent's observed state and resets its liveness clock.
// A heartbeat from an unknown agent behaves as a registration.
func (r *Registry) Heartbeat(agentID string, info domain.AgentInfo) domain.Agent {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return r.Register(agentID, info)
	}
	agent.Role = domain.RoleFromContext(info.Context)
	agent.WorldID = info.WorldID
	agent.VillageID = info.VillageID
	agent.Visible = info.Visible
	agent.LastSeen = r.clock.Now()
	out := *agent
	r.mu.Unlock()
	return out
}

// Unregister removes the agent. Removing an unknown agent is a no-op.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// FindAgentForRole returns the visible agent with the matching role, and
// matching village when villageID is non-empty, preferring the most recent
// heartbeat.
func (r *Registry) FindAgentForRole(role domain.Role, villageID string) (domain.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *domain.Agent
	for _, agent := range r.agents {
		if !agent.Visible || agent.Role != role {
			continue
		}
		if villageID != "" && agent.VillageID != villageID {
			continue
		}
		if best == nil || agent.LastSeen.After(best.LastSeen) {
			best = agent
		}
	}
	if best == nil {
		return domain.Agent{}, false
	}
	return *best, true
}

// SweepStale removes every agent whose last heartbeat is older than the
// threshold and returns the removed ids.
func (r *Registry) SweepStale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var removed []string
	for id, agent := range r.agents {
		if now.Sub(agent.LastSeen) > threshold {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.logger.Printf("registry purged %d stale agents", len(removed))
	}
	return removed
}

// Agents returns a copy of all agent records, most recently seen first.
func (r *Registry) Agents() []domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarshalState serializes the registry for the persistent store.
func (r *Registry) MarshalState() ([]byte, error) {
	agents := r.Agents()
	data, err := json.Marshal(agents)
	if err != nil {
		return nil, fmt.Errorf("marshal registry state: %w", err)
	}
	return data, nil
}

// RestoreState rehydrates the registry from a stored snapshot, replacing any
// current contents.
func (r *Registry) RestoreState(data []byte) error {
	var agents []domain.Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return fmt.Errorf("unmarshal registry state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*domain.Agent, len(agents))
	for i := range agents {
		agent := agents[i]
		r.agents[agent.ID] = &agent
	}
	return nil
}
