package sim

import (
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/agent"
)

// Terminal is one simulated satellite terminal: its DAMA agent and the
// traffic sources feeding its queues.
type Terminal struct {
	Agent   *agent.Agent
	Sources []*TrafficSource
}

// ID returns the terminal id.
func (t *Terminal) ID() dama.TalID { return t.Agent.TalID() }

// Registry is a thread-safe set of terminals keyed by id.
type Registry struct {
	mu        sync.RWMutex
	terminals map[dama.TalID]*Terminal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{terminals: make(map[dama.TalID]*Terminal)}
}

// Register adds t. Returns an error if the id is already registered.
func (r *Registry) Register(t *Terminal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if _, exists := r.terminals[id]; exists {
		return fmt.Errorf("terminal %s already registered", id)
	}
	r.terminals[id] = t
	return nil
}

// Get retrieves a terminal by id.
func (r *Registry) Get(id dama.TalID) (*Terminal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.terminals[id]
	return t, ok
}

// Unregister removes a terminal.
func (r *Registry) Unregister(id dama.TalID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.terminals, id)
}

// List returns every terminal ordered by id.
func (r *Registry) List() []*Terminal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Terminal) int { return int(a.ID()) - int(b.ID()) })
	return out
}

// Len is the number of registered terminals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terminals)
}
