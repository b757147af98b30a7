package models

import "time"

// SprintStatus represents the lifecycle state of a sprint.
type SprintStatus string

const (
	SprintBacklog    SprintStatus = "backlog"
	SprintTodo       SprintStatus = "todo"
	SprintInProgress SprintStatus = "in_progress"
	SprintReview     SprintStatus = "review"
	SprintDone       SprintStatus = "done"
	SprintBlocked    SprintStatus = "blocked"
	SprintAbandoned  SprintStatus = "abandoned"
	SprintArchived   SprintStatus = "archived"
)

// AllSprintStatuses lists every sprint status in board order.
var AllSprintStatuses = []SprintStatus{
	SprintBacklog, SprintTodo, SprintInProgress, SprintReview,
	SprintDone, SprintBlocked, SprintAbandoned, SprintArchived,
}

// IsTerminal reports whether no further work happens in this status.
func (s SprintStatus) IsTerminal() bool {
	return s == SprintDone || s == SprintAbandoned || s == SprintArchived
}

// Valid reports whether s is a known sprint status.
func (s SprintStatus) Valid() bool {
	for _, v := range AllSprintStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// StepStatus represents the state of a single step.
type StepStatus string

const (
	StepTodo       StepStatus = "todo"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepBlocked    StepStatus = "blocked"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Finished reports whether the step counts as complete for lifecycle checks.
func (s StepStatus) Finished() bool {
	return s == StepDone || s == StepSkipped
}

// EpicStatus represents the derived state of an epic.
type EpicStatus string

const (
	EpicDraft     EpicStatus = "draft"
	EpicActive    EpicStatus = "active"
	EpicCompleted EpicStatus = "completed"
)

// Epic groups related sprints toward one outcome.
type Epic struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      EpicStatus        `json:"status"`
	SprintIDs   []string          `json:"sprint_ids"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Task is a checklist entry in a sprint document. Steps are materialized
// from tasks when a sprint starts.
type Task struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// Step is the smallest unit dispatched to an execution agent.
type Step struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      StepStatus     `json:"status"`
	Agent       string         `json:"agent,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Type returns the dispatch type of the step, falling back to its name.
func (s *Step) Type() string {
	if t, ok := s.Metadata["type"].(string); ok && t != "" {
		return t
	}
	return s.Name
}

// OutputText returns the textual output recorded when the step advanced.
func (s *Step) OutputText() string {
	if s.Output == nil {
		return ""
	}
	if v, ok := s.Output["output"].(string); ok {
		return v
	}
	return ""
}

// Transition is one entry in a sprint's append-only status audit trail.
type Transition struct {
	From      SprintStatus `json:"from"`
	To        SprintStatus `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason,omitempty"`
}

// Sprint is the unit of schedulable work.
type Sprint struct {
	ID           string            `json:"id"`
	Goal         string            `json:"goal"`
	Type         string            `json:"type,omitempty"`
	Status       SprintStatus      `json:"status"`
	EpicID       string            `json:"epic_id,omitempty"`
	Tasks        []Task            `json:"tasks,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Deliverables []string          `json:"deliverables,omitempty"`
	Steps        []Step            `json:"steps,omitempty"`
	Transitions  []Transition      `json:"transitions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CurrentStep returns the step currently in progress, or nil.
func (s *Sprint) CurrentStep() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepInProgress {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepsFinished reports whether every step is done or skipped.
func (s *Sprint) StepsFinished() bool {
	for _, st := range s.Steps {
		if !st.Status.Finished() {
			return false
		}
	}
	return true
}

// ProjectState is the whole project as read from a backend.
type ProjectState struct {
	ProjectName    string    `json:"project_name"`
	Epics          []*Epic   `json:"epics"`
	Sprints        []*Sprint `json:"sprints"`
	ActiveSprintID string    `json:"active_sprint_id,omitempty"`
}

// StatusSummary aggregates sprint counts across the project.
type StatusSummary struct {
	ProjectName       string  `json:"project_name"`
	TotalEpics        int     `json:"total_epics"`
	TotalSprints      int     `json:"total_sprints"`
	SprintsDone       int     `json:"sprints_done"`
	SprintsInProgress int     `json:"sprints_in_progress"`
	SprintsBlocked    int     `json:"sprints_blocked"`
	SprintsTodo       int     `json:"sprints_todo"`
	SprintsReview     int     `json:"sprints_review"`
	ProgressPct       float64 `json:"progress_pct"`
	ActiveSprintID    string  `json:"active_sprint_id,omitempty"`
}

// StepRef is the short form of a step used in summaries.
type StepRef struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// StepStatusSummary reports a sprint's step progress.
type StepStatusSummary struct {
	SprintID       string    `json:"sprint_id"`
	CurrentStep    string    `json:"current_step,omitempty"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	ProgressPct    float64   `json:"progress_pct"`
	Steps          []StepRef `json:"steps"`
}

// SummarizeSteps builds a StepStatusSummary for a sprint.
func SummarizeSteps(s *Sprint) *StepStatusSummary {
	sum := &StepStatusSummary{SprintID: s.ID, TotalSteps: len(s.Steps), Steps: make([]StepRef, 0, len(s.Steps))}
	for _, st := range s.Steps {
		if st.Status == StepInProgress && sum.CurrentStep == "" {
			sum.CurrentStep = st.Name
		}
		if st.Status == StepDone {
			sum.CompletedSteps++
		}
		sum.Steps = append(sum.Steps, StepRef{ID: st.ID, Name: st.Name, Status: st.Status})
	}
	if sum.TotalSteps > 0 {
		sum.ProgressPct = RoundPct(sum.CompletedSteps, sum.TotalSteps)
	}
	return sum
}

// RoundPct returns part/total as a percentage rounded to one decimal place.
func RoundPct(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(int(float64(part)/float64(total)*1000+0.5)) / 10
}

// CreateSprintOpts describes a sprint to create. An empty EpicID creates a
// standalone sprint.
type CreateSprintOpts struct {
	EpicID       string   `json:"epic_id,omitempty"`
	Goal         string   `json:"goal"`
	Type         string   `json:"type,omitempty"`
	Tasks        []Task   `json:"tasks,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Backlog      bool     `json:"backlog,omitempty"`
}
