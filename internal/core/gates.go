package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// defaultCoverage applies to sprint types without a threshold of their own.
const defaultCoverage = 80.0

// CoverageGate fails a step whose reported coverage is below the threshold
// for the sprint's type. Results without coverage data pass.
type CoverageGate struct {
	// Threshold applies when PerType has no entry for the sprint type.
	Threshold float64
	PerType   map[string]float64
}

func (g *CoverageGate) Name() string            { return "coverage" }
func (g *CoverageGate) Point() models.HookPoint { return models.HookPostStep }

func (g *CoverageGate) threshold(sp *models.Sprint) float64 {
	if sp != nil {
		if v, ok := g.PerType[sp.Type]; ok {
			return v
		}
	}
	return g.Threshold
}

func (g *CoverageGate) Evaluate(_ context.Context, hc *HookContext) models.HookResult {
	if hc.AgentResult == nil {
		return models.HookResult{Passed: true, Message: "no agent result to check"}
	}
	cov := hc.AgentResult.CoveragePercent
	if cov == nil {
		return models.HookResult{Passed: true, Message: "no coverage data reported"}
	}
	limit := g.threshold(hc.Sprint)
	if *cov >= limit {
		return models.HookResult{Passed: true, Message: fmt.Sprintf("coverage %.1f%% meets threshold %.1f%%", *cov, limit)}
	}
	return models.HookResult{
		Passed:   false,
		Blocking: true,
		Message:  fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", *cov, limit),
	}
}

// QualityReviewGate requires the latest review verdict of the run to be
// "approve".
type QualityReviewGate struct{}

func (QualityReviewGate) Name() string            { return "quality_review" }
func (QualityReviewGate) Point() models.HookPoint { return models.HookPreCompletion }

func (QualityReviewGate) Evaluate(_ context.Context, hc *HookContext) models.HookResult {
	verdict := ""
	for _, r := range hc.RunState.AgentResults() {
		if r.ReviewVerdict != "" {
			verdict = r.ReviewVerdict
		}
	}
	switch verdict {
	case "":
		return models.HookResult{Passed: false, Blocking: true, Message: "no quality review found"}
	case "approve":
		return models.HookResult{Passed: true, Message: "quality review approved"}
	default:
		return models.HookResult{Passed: false, Blocking: true, Message: "quality review verdict: " + verdict}
	}
}

// StepOrderingGate requires every step before the current one in the
// sprint's step list to be done or skipped. Steps the sprint does not list,
// such as phase steps, are ordered by their phase and pass.
type StepOrderingGate struct{}

func (StepOrderingGate) Name() string            { return "step_ordering" }
func (StepOrderingGate) Point() models.HookPoint { return models.HookPreStep }

func (StepOrderingGate) Evaluate(_ context.Context, hc *HookContext) models.HookResult {
	if hc.Step == nil || hc.Sprint == nil {
		return models.HookResult{Passed: true, Message: "no step to validate"}
	}
	idx := slices.IndexFunc(hc.Sprint.Steps, func(st models.Step) bool { return st.ID == hc.Step.ID })
	if idx < 0 {
		return models.HookResult{Passed: true, Message: "step is not part of the sprint step list"}
	}
	for _, st := range hc.Sprint.Steps[:idx] {
		if !st.Status.Finished() {
			return models.HookResult{
				Passed:   false,
				Blocking: true,
				Message:  fmt.Sprintf("preceding step %q not complete (status: %s)", st.Name, st.Status),
			}
		}
	}
	return models.HookResult{Passed: true, Message: "step ordering valid"}
}

// RequiredStepsGate fails completion while any sprint step is unfinished.
// An empty Required list means every step is required.
type RequiredStepsGate struct {
	Required []string
}

func (g *RequiredStepsGate) Name() string            { return "required_steps" }
func (g *RequiredStepsGate) Point() models.HookPoint { return models.HookPreCompletion }

func (g *RequiredStepsGate) Evaluate(_ context.Context, hc *HookContext) models.HookResult {
	var missing []string
	for _, st := range hc.Sprint.Steps {
		if len(g.Required) > 0 && !slices.Contains(g.Required, st.Name) {
			continue
		}
		if !st.Status.Finished() {
			missing = append(missing, st.Name)
		}
	}
	if len(missing) == 0 {
		return models.HookResult{Passed: true, Message: "all required steps complete"}
	}
	deferred := make([]string, len(missing))
	for i, name := range missing {
		deferred[i] = "Complete step: " + name
	}
	return models.HookResult{
		Passed:        false,
		Blocking:      true,
		Message:       "incomplete steps: " + strings.Join(missing, ", "),
		DeferredItems: deferred,
	}
}

// GroomingHook asks the grooming agent for follow-on work once a sprint
// completes. It never blocks.
type GroomingHook struct {
	Agents *AgentRegistry
}

func (g *GroomingHook) Name() string            { return "grooming" }
func (g *GroomingHook) Point() models.HookPoint { return models.HookPostCompletion }

func (g *GroomingHook) Evaluate(ctx context.Context, hc *HookContext) models.HookResult {
	if g.Agents == nil || !g.Agents.Has("grooming") {
		return models.HookResult{Passed: true, Message: "no grooming agent configured"}
	}
	agent, _ := g.Agents.Get("grooming")
	sc := &models.StepContext{
		Step:            models.Step{ID: "grooming", Name: "grooming", Status: models.StepInProgress, Metadata: map[string]any{"type": "grooming"}},
		Sprint:          hc.Sprint,
		PreviousOutputs: hc.RunState.AgentResults(),
	}
	res, err := agent.Execute(ctx, sc)
	if err != nil {
		return models.HookResult{Passed: false, Message: "grooming failed: " + err.Error()}
	}
	if res == nil || !res.Success {
		return models.HookResult{Passed: false, Message: "grooming agent reported failure"}
	}
	return models.HookResult{
		Passed:        true,
		Message:       fmt.Sprintf("grooming proposed %d follow-on items", len(res.DeferredItems)),
		DeferredItems: res.DeferredItems,
	}
}

// DefaultHooks returns the coverage, quality review, step ordering and
// required steps gates with the coverage threshold for sprintType.
func DefaultHooks(sprintType string) []Hook {
	threshold, ok := models.DefaultCoverageThresholds()[sprintType]
	if !ok {
		threshold = defaultCoverage
	}
	return []Hook{
		&CoverageGate{Threshold: threshold},
		QualityReviewGate{},
		StepOrderingGate{},
		&RequiredStepsGate{},
	}
}

// HooksFromConfig returns the gates enabled in cfg.
func HooksFromConfig(cfg models.GateConfig, agents *AgentRegistry) []Hook {
	if !cfg.Enabled {
		return nil
	}
	var hooks []Hook
	if cfg.Coverage {
		perType := cfg.CoverageThresholds
		if perType == nil {
			perType = models.DefaultCoverageThresholds()
		}
		hooks = append(hooks, &CoverageGate{Threshold: cfg.DefaultCoverage, PerType: perType})
	}
	if cfg.QualityReview {
		hooks = append(hooks, QualityReviewGate{})
	}
	if cfg.StepOrdering {
		hooks = append(hooks, StepOrderingGate{})
	}
	if cfg.RequiredSteps {
		hooks = append(hooks, &RequiredStepsGate{})
	}
	if cfg.Grooming {
		hooks = append(hooks, &GroomingHook{Agents: agents})
	}
	return hooks
}
