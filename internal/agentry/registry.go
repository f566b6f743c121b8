package agentry

import (
	"context"
	"fmt"

	"github.com/taskforge/coordinator/internal/store"
	"github.com/taskforge/coordinator/internal/tasks"
)

// Registry applies roster defaults on top of internal/store's runtime
// Agent table — the Store remains the single source of truth for
// status/rollup counters; the Roster only seeds role/skills/
// capabilities at (re-)registration time.
type Registry struct {
	store  *store.Store
	roster *Roster
}

// New builds a Registry. roster may be nil if no static roster file is
// configured; agents then register with whatever profile the caller
// supplies directly.
func New(s *store.Store, roster *Roster) *Registry {
	return &Registry{store: s, roster: roster}
}

// Register upserts name into the Store, applying its roster profile's
// role/skills/capabilities if one is declared (spec.md §6
// register-agent).
func (r *Registry) Register(ctx context.Context, name string) (*tasks.Agent, error) {
	a := &tasks.Agent{Name: name}
	if r.roster != nil {
		if p := r.roster.Find(name); p != nil {
			converted, err := p.ToAgent()
			if err != nil {
				return nil, err
			}
			a = converted
		}
	}
	return r.store.RegisterAgent(ctx, a)
}

// Heartbeat forwards to the Store, optionally recording the agent's
// current task.
func (r *Registry) Heartbeat(ctx context.Context, name string, currentTaskID *int64) error {
	return r.store.Heartbeat(ctx, name, currentTaskID)
}

// BindChannel records that name is reachable via an external channel
// (e.g. a chat workspace), for notification routing.
func (r *Registry) BindChannel(ctx context.Context, name, channel string) error {
	return r.store.BindAgentChannel(ctx, name, channel)
}

// Get returns the current runtime state of a registered agent.
func (r *Registry) Get(ctx context.Context, name string) (*tasks.Agent, error) {
	a, err := r.store.GetAgent(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return a, nil
}

// List returns every registered agent.
func (r *Registry) List(ctx context.Context) ([]*tasks.Agent, error) {
	return r.store.ListAgents(ctx)
}
