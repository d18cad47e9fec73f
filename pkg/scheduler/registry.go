// Package scheduler provides the agent registry and the bounded priority
// scheduler that dispatches tasks to registered agents.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// Result is an agent's final output for one task.
type Result struct {
	Output  string
	Sources []models.Source
	Tokens  models.TokenUsage
}

// Agent executes tasks. Implementations report progress through the emitter
// and must return promptly once ctx is cancelled.
type Agent interface {
	Name() string
	Role() string
	Capabilities() []string
	Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*Result, error)
}

// agentEntry pairs an agent with its mutable runtime state.
type agentEntry struct {
	agent         Agent
	state         models.AgentState
	currentTaskID string
	stats         models.AgentStats
}

// Registry tracks registered agents, their state, and their lifetime stats.
// One agent runs at most one task at a time.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*agentEntry)}
}

// Register adds an agent. Names are unique; re-registration is rejected.
func (r *Registry) Register(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := agent.Name()
	if _, exists := r.agents[name]; exists {
		return errkind.Newf(errkind.KindBadInput, "agent %q already registered", name)
	}
	r.agents[name] = &agentEntry{agent: agent, state: models.AgentIdle}
	slog.Info("Registered agent", "agent", name, "role", agent.Role())
	return nil
}

// Get returns a registered agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[name]
	if !ok {
		return nil, errkind.Newf(errkind.KindNotFound, "agent %q not registered", name)
	}
	return entry.agent, nil
}

// List returns a snapshot of all agents sorted by name.
func (r *Registry) List() []models.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AgentRecord, 0, len(r.agents))
	for name, entry := range r.agents {
		out = append(out, models.AgentRecord{
			Name:          name,
			Role:          entry.agent.Role(),
			Capabilities:  entry.agent.Capabilities(),
			State:         entry.state,
			CurrentTaskID: entry.currentTaskID,
			Stats:         entry.stats,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// tryAcquire marks an agent busy for a task. Returns false when the agent is
// already busy or stopped.
func (r *Registry) tryAcquire(name, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[name]
	if !ok || entry.state != models.AgentIdle {
		return false
	}
	entry.state = models.AgentBusy
	entry.currentTaskID = taskID
	return true
}

// release marks an agent idle again and records the invocation outcome.
func (r *Registry) release(name string, tokens int, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[name]
	if !ok {
		return
	}
	entry.state = models.AgentIdle
	entry.currentTaskID = ""
	entry.stats.Invocations++
	entry.stats.TotalTokens += tokens
	if failed {
		entry.stats.Errors++
	}
}

// isIdle reports whether an agent exists and is idle.
func (r *Registry) isIdle(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[name]
	return ok && entry.state == models.AgentIdle
}
