package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// The helpers below operate on a sprint value and are shared by the kanban
// and in-memory backends so both enforce the same lifecycle.

func recordTransition(sp *models.Sprint, to models.SprintStatus, reason string, now time.Time) {
	sp.Transitions = append(sp.Transitions, models.Transition{
		From:      sp.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	sp.Status = to
}

// checkAbandon permits abandoning only sprints that never started.
func checkAbandon(sp *models.Sprint) error {
	if !workflow.CanAbandon(sp.Status) {
		return &workflow.InvalidTransitionError{SprintID: sp.ID, From: sp.Status, To: models.SprintAbandoned}
	}
	return nil
}

// requireFrom rejects a move to status to unless the sprint is in status
// from. Resume and reject share a target with start and need their own
// source check.
func requireFrom(sp *models.Sprint, from, to models.SprintStatus) error {
	if sp.Status != from {
		return &workflow.InvalidTransitionError{SprintID: sp.ID, From: sp.Status, To: to}
	}
	return nil
}

// materializeSteps builds one step per task when the sprint has none.
func materializeSteps(sp *models.Sprint) {
	if len(sp.Steps) > 0 {
		return
	}
	for i, t := range sp.Tasks {
		step := models.Step{
			ID:     fmt.Sprintf("step-%d", i+1),
			Name:   t.Name,
			Status: models.StepTodo,
		}
		if t.Type != "" {
			step.Metadata = map[string]any{"type": t.Type}
		}
		if t.Done {
			step.Status = models.StepDone
		}
		sp.Steps = append(sp.Steps, step)
	}
}

// startNextStep puts the first unfinished step in progress unless one
// already is.
func startNextStep(sp *models.Sprint, now time.Time) {
	if sp.CurrentStep() != nil {
		return
	}
	for i := range sp.Steps {
		st := &sp.Steps[i]
		if st.Status.Finished() {
			continue
		}
		st.Status = models.StepInProgress
		if st.StartedAt == nil {
			t := now
			st.StartedAt = &t
		}
		return
	}
}

func advanceCurrentStep(sp *models.Sprint, output map[string]any, now time.Time) error {
	cur := sp.CurrentStep()
	if cur == nil {
		return &workflow.ValidationError{SprintID: sp.ID, Reason: "no step in progress"}
	}
	t := now
	cur.Status = models.StepDone
	cur.CompletedAt = &t
	if output != nil {
		cur.Output = output
	}
	startNextStep(sp, now)
	return nil
}

func requireStepsFinished(sp *models.Sprint, action string) error {
	var pending []string
	for _, st := range sp.Steps {
		if !st.Status.Finished() {
			pending = append(pending, st.Name)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return &workflow.ValidationError{
		SprintID: sp.ID,
		Reason:   fmt.Sprintf("cannot %s with unfinished steps: %s", action, strings.Join(pending, ", ")),
	}
}

// hoursBetween returns the elapsed hours between an RFC 3339 start and end,
// rounded to one decimal place.
func hoursBetween(start string, end time.Time) (float64, bool) {
	t, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return 0, false
	}
	h := end.Sub(t).Hours()
	return float64(int(h*10+0.5)) / 10, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func cloneSprint(sp *models.Sprint) *models.Sprint {
	c := *sp
	c.Tasks = append([]models.Task(nil), sp.Tasks...)
	c.Dependencies = append([]string(nil), sp.Dependencies...)
	c.Deliverables = append([]string(nil), sp.Deliverables...)
	c.Transitions = append([]models.Transition(nil), sp.Transitions...)
	c.Steps = make([]models.Step, len(sp.Steps))
	copy(c.Steps, sp.Steps)
	if sp.Metadata != nil {
		c.Metadata = make(map[string]string, len(sp.Metadata))
		for k, v := range sp.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneEpic(e *models.Epic) *models.Epic {
	c := *e
	c.SprintIDs = append([]string{}, e.SprintIDs...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func summarize(projectName string, epics []*models.Epic, sprints []*models.Sprint) *models.StatusSummary {
	sum := &models.StatusSummary{
		ProjectName:  projectName,
		TotalEpics:   len(epics),
		TotalSprints: len(sprints),
	}
	for _, sp := range sprints {
		switch sp.Status {
		case models.SprintDone, models.SprintArchived:
			sum.SprintsDone++
		case models.SprintInProgress:
			sum.SprintsInProgress++
			if sum.ActiveSprintID == "" {
				sum.ActiveSprintID = sp.ID
			}
		case models.SprintBlocked:
			sum.SprintsBlocked++
		case models.SprintTodo, models.SprintBacklog:
			sum.SprintsTodo++
		case models.SprintReview:
			sum.SprintsReview++
		}
	}
	sum.ProgressPct = models.RoundPct(sum.SprintsDone, sum.TotalSprints)
	return sum
}

func activeSprintID(sprints []*models.Sprint) string {
	for _, sp := range sprints {
		if sp.Status == models.SprintInProgress {
			return sp.ID
		}
	}
	return ""
}
