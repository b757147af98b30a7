package core

import (
	"context"
	"fmt"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// FindResumePoint returns the index of the first step that is neither done
// nor skipped, or the step count when every step is.
func FindResumePoint(b sprintGetter, id string) (int, error) {
	sp, err := b.GetSprint(id)
	if err != nil {
		return 0, err
	}
	for i, st := range sp.Steps {
		if !st.Status.Finished() {
			return i, nil
		}
	}
	return len(sp.Steps), nil
}

// Resume continues a blocked sprint from where it stopped. Flat runs pick up
// at the first unfinished step and phased runs at the first phase not
// recorded as successful. Outputs of earlier work are handed to agents as
// previous outputs.
func (r *Runner) Resume(ctx context.Context, id string, onProgress ProgressFunc) (*models.RunResult, error) {
	sp, err := r.backend.GetSprint(id)
	if err != nil {
		return nil, err
	}
	if sp.Status != models.SprintBlocked {
		return nil, &workflow.InvalidTransitionError{SprintID: id, From: sp.Status, To: models.SprintInProgress}
	}

	x := r.newExecution(id, onProgress)
	if err := x.loadNotes(); err != nil {
		return nil, err
	}
	if sp, err = r.backend.ResumeSprint(id); err != nil {
		return nil, fmt.Errorf("resuming sprint %s: %w", id, err)
	}
	r.logEvent("sprint.status_changed", map[string]any{"sprint_id": id, "status": string(models.SprintInProgress), "run_id": x.result.RunID})
	if err := x.begin(ctx, sp); err != nil {
		return nil, err
	}
	if err := x.seedPreviousOutputs(); err != nil {
		return nil, err
	}
	return x.stop(ctx, x.execute(ctx))
}

// seedPreviousOutputs loads the outputs of finished steps, or of successful
// phases in phased mode, into the run state.
func (x *execution) seedPreviousOutputs() error {
	if x.r.Mode() == models.ModePhased {
		records, err := x.r.backend.PhaseRecords(x.sprintID)
		if err != nil {
			return fmt.Errorf("reading phase records for %s: %w", x.sprintID, err)
		}
		for _, rec := range records {
			if !rec.Success {
				continue
			}
			for _, out := range rec.Outputs {
				x.state.add(models.AgentResult{Success: true, Output: out})
			}
		}
		return nil
	}
	for _, st := range x.sprint.Steps {
		if st.Status == models.StepDone && st.OutputText() != "" {
			x.state.add(models.AgentResult{Success: true, Output: st.OutputText()})
		}
	}
	return nil
}

// Cancel stops a sprint. An in-progress sprint is blocked so it can be
// resumed later; a todo sprint is abandoned. Cancel does not interrupt an
// agent that is already running.
func (r *Runner) Cancel(id, reason string) (*models.Sprint, error) {
	sp, err := r.backend.GetSprint(id)
	if err != nil {
		return nil, err
	}
	switch sp.Status {
	case models.SprintInProgress:
		sp, err = r.backend.BlockSprint(id, reason)
		if err == nil {
			r.logEvent("sprint.blocked", map[string]any{"sprint_id": id, "reason": reason})
		}
	case models.SprintTodo:
		sp, err = r.backend.AbandonSprint(id, reason)
		if err == nil {
			r.logEvent("sprint.status_changed", map[string]any{"sprint_id": id, "status": string(models.SprintAbandoned), "reason": reason})
		}
	default:
		return nil, &workflow.InvalidTransitionError{SprintID: id, From: sp.Status, To: models.SprintAbandoned}
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling sprint %s: %w", id, err)
	}
	return sp, nil
}

// RetryStep runs the first unfinished step again, up to maxRetries+1 times,
// stopping at the first success. It returns the last result and does not
// change the sprint.
func (r *Runner) RetryStep(ctx context.Context, id string, maxRetries int) (*models.AgentResult, error) {
	sp, err := r.backend.GetSprint(id)
	if err != nil {
		return nil, err
	}
	idx, err := FindResumePoint(r.backend, id)
	if err != nil {
		return nil, err
	}
	if idx == len(sp.Steps) {
		return nil, &workflow.ValidationError{SprintID: id, Reason: "no step to retry"}
	}
	st := sp.Steps[idx]
	agent, err := r.agents.Get(st.Type())
	if err != nil {
		return nil, err
	}

	x := r.newExecution(id, nil)
	if err := x.loadNotes(); err != nil {
		return nil, err
	}
	x.sprint = sp
	if sp.EpicID != "" {
		if x.epic, err = r.backend.GetEpic(sp.EpicID); err != nil {
			return nil, fmt.Errorf("loading epic %s: %w", sp.EpicID, err)
		}
	}

	var res models.AgentResult
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, r.retryDelay); err != nil {
				break
			}
		}
		res = x.attempt(ctx, agent, st)
		if res.Success {
			break
		}
	}
	return &res, nil
}
