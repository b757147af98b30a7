package core

import (
	"context"
	"sync"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// RunState is the state of a run shared with hooks. The runner appends to
// it as agents finish; hooks only read it.
type RunState struct {
	mu           sync.Mutex
	agentResults []models.AgentResult
}

// AgentResults returns a copy of the agent results recorded so far, in
// completion order.
func (r *RunState) AgentResults() []models.AgentResult {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AgentResult, len(r.agentResults))
	copy(out, r.agentResults)
	return out
}

func (r *RunState) add(res models.AgentResult) {
	r.mu.Lock()
	r.agentResults = append(r.agentResults, res)
	r.mu.Unlock()
}

// HookContext is what a hook sees when it is evaluated. Step and
// AgentResult are nil at the sprint-level hook points.
type HookContext struct {
	Sprint      *models.Sprint
	Step        *models.Step
	AgentResult *models.AgentResult
	RunState    *RunState
}

// Hook is a check evaluated at one point of sprint execution.
type Hook interface {
	Name() string
	Point() models.HookPoint
	Evaluate(ctx context.Context, hc *HookContext) models.HookResult
}

// HookRegistry holds hooks grouped by point, in registration order.
type HookRegistry struct {
	hooks map[models.HookPoint][]Hook
}

// NewHookRegistry creates a registry holding the given hooks.
func NewHookRegistry(hooks ...Hook) *HookRegistry {
	r := &HookRegistry{hooks: make(map[models.HookPoint][]Hook)}
	for _, h := range hooks {
		r.Register(h)
	}
	return r
}

// Register adds a hook at its point.
func (r *HookRegistry) Register(h Hook) {
	r.hooks[h.Point()] = append(r.hooks[h.Point()], h)
}

// Hooks returns the hooks registered at a point.
func (r *HookRegistry) Hooks(point models.HookPoint) []Hook {
	if r == nil {
		return nil
	}
	return append([]Hook(nil), r.hooks[point]...)
}

// EvaluateAll evaluates every hook at point in registration order and
// returns all results. Each result is stamped with the hook's name.
func (r *HookRegistry) EvaluateAll(ctx context.Context, point models.HookPoint, hc *HookContext) []models.HookResult {
	hooks := r.Hooks(point)
	results := make([]models.HookResult, 0, len(hooks))
	for _, h := range hooks {
		res := h.Evaluate(ctx, hc)
		res.Hook = h.Name()
		results = append(results, res)
	}
	return results
}

// FirstBlockingFailure returns the first failed result that blocks, if any.
func FirstBlockingFailure(results []models.HookResult) (models.HookResult, bool) {
	for _, r := range results {
		if !r.Passed && r.Blocking {
			return r, true
		}
	}
	return models.HookResult{}, false
}
