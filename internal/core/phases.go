package core

import (
	"fmt"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// defaultPhaseRetries is the retry budget of a phase that does not set one.
const defaultPhaseRetries = 2

// PhaseGate checks a phase's exit condition and explains a failure.
type PhaseGate func(res models.PhaseResult) (bool, string)

// PhaseConfig configures one execution phase. A phase with neither an agent
// type nor steps does no agent work. A failed phase blocks the sprint unless
// it is Optional, in which case the failure is recorded and the run moves on.
type PhaseConfig struct {
	Phase models.Phase
	// AgentType selects the agent for the single synthetic step of a phase
	// without declared Steps.
	AgentType  string
	Steps      []models.Step
	Gate       PhaseGate
	Artifacts  []string
	Optional   bool
	MaxRetries int
}

func (pc PhaseConfig) hasWork() bool {
	return pc.AgentType != "" || len(pc.Steps) > 0
}

// workSteps returns the declared steps, or one synthetic step for the
// phase's agent type.
func (pc PhaseConfig) workSteps() []models.Step {
	if len(pc.Steps) > 0 {
		out := make([]models.Step, len(pc.Steps))
		copy(out, pc.Steps)
		return out
	}
	return []models.Step{{
		ID:       "phase-" + string(pc.Phase),
		Name:     string(pc.Phase),
		Status:   models.StepTodo,
		Metadata: map[string]any{"type": pc.AgentType, "phase": string(pc.Phase)},
	}}
}

// DefaultPhaseConfigs returns the standard phase sequence. Review is a human
// checkpoint and complete is handled by the runner, so neither has an agent.
func DefaultPhaseConfigs() []PhaseConfig {
	return []PhaseConfig{
		{Phase: models.PhasePlan, AgentType: "planning", MaxRetries: defaultPhaseRetries,
			Artifacts: []string{"contracts", "team_plan", "tdd_strategy", "coding_strategy", "context_brief"}},
		{Phase: models.PhaseTDD, AgentType: "test", MaxRetries: defaultPhaseRetries,
			Artifacts: []string{"test_files"}},
		{Phase: models.PhaseBuild, AgentType: "implement", MaxRetries: defaultPhaseRetries,
			Artifacts: []string{"implementation_code"}},
		{Phase: models.PhaseValidate, AgentType: "test", MaxRetries: defaultPhaseRetries,
			Artifacts: []string{"validation_report"}},
		{Phase: models.PhaseReview},
		{Phase: models.PhaseComplete,
			Artifacts: []string{"postmortem", "quality_report", "deferred_items"}},
	}
}

// MinCoverageGate passes when every agent result that reported coverage
// meets min, and at least one did.
func MinCoverageGate(min float64) PhaseGate {
	return func(res models.PhaseResult) (bool, string) {
		reported := false
		for _, r := range res.AgentResults {
			if r.CoveragePercent == nil {
				continue
			}
			reported = true
			if *r.CoveragePercent < min {
				return false, fmt.Sprintf("coverage %.1f%% below %.1f%%", *r.CoveragePercent, min)
			}
		}
		if !reported {
			return false, "no coverage reported"
		}
		return true, ""
	}
}

// ReviewApprovedGate passes when the last review verdict of the phase is
// "approve".
func ReviewApprovedGate() PhaseGate {
	return func(res models.PhaseResult) (bool, string) {
		verdict := ""
		for _, r := range res.AgentResults {
			if r.ReviewVerdict != "" {
				verdict = r.ReviewVerdict
			}
		}
		if verdict == "approve" {
			return true, ""
		}
		if verdict == "" {
			return false, "no review verdict"
		}
		return false, "review verdict: " + verdict
	}
}

// AllSucceededGate passes when every agent result of the phase succeeded.
func AllSucceededGate() PhaseGate {
	return func(res models.PhaseResult) (bool, string) {
		for _, r := range res.AgentResults {
			if !r.Success {
				return false, "an agent result failed"
			}
		}
		return true, ""
	}
}
