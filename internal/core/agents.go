package core

import (
	"context"
	"sort"
	"sync"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// ExecutionAgent performs one step. A returned error is treated by the
// runner as a failed result, the same as Success=false.
type ExecutionAgent interface {
	Execute(ctx context.Context, sc *models.StepContext) (*models.AgentResult, error)
}

// AgentFunc adapts a function to the ExecutionAgent interface.
type AgentFunc func(ctx context.Context, sc *models.StepContext) (*models.AgentResult, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, sc *models.StepContext) (*models.AgentResult, error) {
	return f(ctx, sc)
}

// AgentRegistry maps step types to agents, with an optional fallback agent
// for types nobody registered.
type AgentRegistry struct {
	mu       sync.RWMutex
	agents   map[string]ExecutionAgent
	fallback ExecutionAgent
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]ExecutionAgent)}
}

// Register binds an agent to a step type, replacing any earlier binding.
func (r *AgentRegistry) Register(stepType string, agent ExecutionAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[stepType] = agent
}

// SetDefault sets the agent used for unregistered step types.
func (r *AgentRegistry) SetDefault(agent ExecutionAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = agent
}

// Get returns the agent for a step type, falling back to the default agent.
func (r *AgentRegistry) Get(stepType string) (ExecutionAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[stepType]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &workflow.NotFoundError{Kind: "agent", ID: stepType}
}

// Has reports whether an agent is registered for the step type itself.
func (r *AgentRegistry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[stepType]
	return ok
}

// Types returns the registered step types, sorted.
func (r *AgentRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
