package models

import "time"

// Phase is one of the fixed execution stages a sprint passes through.
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseTDD      Phase = "tdd"
	PhaseBuild    Phase = "build"
	PhaseValidate Phase = "validate"
	PhaseReview   Phase = "review"
	PhaseComplete Phase = "complete"
)

// PhaseOrder is the canonical phase sequence.
var PhaseOrder = []Phase{PhasePlan, PhaseTDD, PhaseBuild, PhaseValidate, PhaseReview, PhaseComplete}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, v := range PhaseOrder {
		if p == v {
			return true
		}
	}
	return false
}

// AgentResult is what an execution agent returns for one step.
type AgentResult struct {
	Success         bool           `json:"success"`
	Output          string         `json:"output"`
	FilesModified   []string       `json:"files_modified,omitempty"`
	FilesCreated    []string       `json:"files_created,omitempty"`
	TestResults     map[string]any `json:"test_results,omitempty"`
	CoveragePercent *float64       `json:"coverage_percent,omitempty"`
	ReviewVerdict   string         `json:"review_verdict,omitempty"`
	DeferredItems   []string       `json:"deferred_items,omitempty"`
}

// StepContext is the bundle handed to an execution agent.
type StepContext struct {
	Step                 Step          `json:"step"`
	Sprint               *Sprint       `json:"sprint"`
	Epic                 *Epic         `json:"epic,omitempty"`
	ProjectRoot          string        `json:"project_root"`
	PreviousOutputs      []AgentResult `json:"previous_outputs"`
	CumulativeDeferred   string        `json:"cumulative_deferred,omitempty"`
	CumulativePostmortem string        `json:"cumulative_postmortem,omitempty"`
}

// PhaseResult is the outcome of executing one phase.
type PhaseResult struct {
	Phase             Phase         `json:"phase"`
	Success           bool          `json:"success"`
	GatePassed        *bool         `json:"gate_passed,omitempty"`
	GateReason        string        `json:"gate_reason,omitempty"`
	AgentResults      []AgentResult `json:"agent_results,omitempty"`
	ArtifactsProduced []string      `json:"artifacts_produced,omitempty"`
	DeferredItems     []string      `json:"deferred_items,omitempty"`
}

// PhaseRecord is the persisted outcome of a phase, used to resume phased runs.
type PhaseRecord struct {
	Phase   Phase    `json:"phase"`
	Success bool     `json:"success"`
	Outputs []string `json:"outputs,omitempty"`
}

// HookPoint names an extension point in sprint execution.
type HookPoint string

const (
	HookPreSprint      HookPoint = "pre_sprint"
	HookPreStep        HookPoint = "pre_step"
	HookPostStep       HookPoint = "post_step"
	HookPreCompletion  HookPoint = "pre_completion"
	HookPostCompletion HookPoint = "post_completion"
)

// HookResult is the verdict of one hook evaluation.
type HookResult struct {
	Hook          string   `json:"hook"`
	Passed        bool     `json:"passed"`
	Message       string   `json:"message"`
	Blocking      bool     `json:"blocking"`
	DeferredItems []string `json:"deferred_items,omitempty"`
}

// RunResult summarizes one runner invocation.
type RunResult struct {
	RunID           string                     `json:"run_id"`
	SprintID        string                     `json:"sprint_id"`
	Success         bool                       `json:"success"`
	CurrentPhase    Phase                      `json:"current_phase,omitempty"`
	StoppedAtReview bool                       `json:"stopped_at_review"`
	StepsCompleted  int                        `json:"steps_completed"`
	StepsTotal      int                        `json:"steps_total"`
	PhaseResults    []PhaseResult              `json:"phase_results,omitempty"`
	AgentResults    []AgentResult              `json:"agent_results,omitempty"`
	DeferredItems   []string                   `json:"deferred_items,omitempty"`
	HookResults     map[HookPoint][]HookResult `json:"hook_results,omitempty"`
	Attempts        map[string]int             `json:"attempts,omitempty"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
	DurationSeconds float64                    `json:"duration_seconds"`
}

// Progress is reported to the caller's progress callback during a run.
type Progress struct {
	SprintID        string `json:"sprint_id"`
	Phase           Phase  `json:"phase,omitempty"`
	PhasesCompleted int    `json:"phases_completed,omitempty"`
	PhasesTotal     int    `json:"phases_total,omitempty"`
	CurrentStep     string `json:"current_step,omitempty"`
	CompletedSteps  int    `json:"completed_steps"`
	TotalSteps      int    `json:"total_steps"`
}

// StepAttempt is one dispatch of a step to an agent.
type StepAttempt struct {
	RunID    string    `json:"run_id"`
	SprintID string    `json:"sprint_id"`
	StepID   string    `json:"step_id"`
	Attempt  int       `json:"attempt"`
	Success  bool      `json:"success"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// RunRecord is the ledger row kept for each runner invocation.
type RunRecord struct {
	RunID           string     `json:"run_id"`
	SprintID        string     `json:"sprint_id"`
	Mode            string     `json:"mode"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Success         bool       `json:"success"`
	StoppedAtReview bool       `json:"stopped_at_review"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	StepsCompleted  int        `json:"steps_completed"`
	StepsTotal      int        `json:"steps_total"`
	DurationSeconds float64    `json:"duration_seconds"`
}
