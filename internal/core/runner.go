package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// ProgressFunc receives progress reports during a run.
type ProgressFunc func(models.Progress)

// RunnerOpts configures a Runner. A nil Phases list selects flat mode, where
// the sprint's own steps are dispatched one after another.
type RunnerOpts struct {
	Phases      []PhaseConfig
	Hooks       *HookRegistry
	Notes       NotesStore
	Ledger      RunRecorder
	Events      EventLogger
	Logger      *slog.Logger
	ProjectRoot string
	// MaxRetries and RetryDelay apply to flat mode. Phases carry their own
	// retry budget.
	MaxRetries int
	RetryDelay time.Duration
}

// Runner drives sprints through their phases or steps, dispatching work to
// execution agents and recording every outcome in the backend.
type Runner struct {
	backend    Backend
	agents     *AgentRegistry
	phases     []PhaseConfig
	hooks      *HookRegistry
	notes      NotesStore
	ledger     RunRecorder
	events     EventLogger
	log        *slog.Logger
	root       string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// NewRunner creates a Runner over backend and agents.
func NewRunner(backend Backend, agents *AgentRegistry, opts RunnerOpts) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewHookRegistry()
	}
	return &Runner{
		backend:    backend,
		agents:     agents,
		phases:     opts.Phases,
		hooks:      hooks,
		notes:      opts.Notes,
		ledger:     opts.Ledger,
		events:     opts.Events,
		log:        logger,
		root:       opts.ProjectRoot,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        time.Now,
	}
}

// Mode reports whether the runner walks phases or flat steps.
func (r *Runner) Mode() models.ExecutionMode {
	if len(r.phases) > 0 {
		return models.ModePhased
	}
	return models.ModeFlat
}

// Run starts a todo sprint and executes it until it stops at review,
// completes, or blocks. Dependency sprints must all be done; otherwise a
// DependencyNotMetError is returned before anything changes.
func (r *Runner) Run(ctx context.Context, id string, onProgress ProgressFunc) (*models.RunResult, error) {
	if err := ValidateDependencies(r.backend, id); err != nil {
		return nil, err
	}
	x := r.newExecution(id, onProgress)
	if err := x.loadNotes(); err != nil {
		return nil, err
	}
	sp, err := r.backend.StartSprint(id)
	if err != nil {
		return nil, fmt.Errorf("starting sprint %s: %w", id, err)
	}
	r.logEvent("sprint.started", map[string]any{"sprint_id": id, "run_id": x.result.RunID, "mode": string(r.Mode())})
	if err := x.begin(ctx, sp); err != nil {
		return nil, err
	}

	hc := &HookContext{Sprint: sp, RunState: x.state}
	if fail, ok := x.evaluate(ctx, models.HookPreSprint, hc); !ok {
		return x.stop(ctx, x.fail("", "PRE_SPRINT hook failed: "+fail.Message))
	}
	return x.stop(ctx, x.execute(ctx))
}

func (r *Runner) newExecution(id string, onProgress ProgressFunc) *execution {
	return &execution{
		r:        r,
		sprintID: id,
		progress: onProgress,
		state:    &RunState{},
		start:    r.now(),
		result: &models.RunResult{
			RunID:       uuid.NewString(),
			SprintID:    id,
			HookResults: make(map[models.HookPoint][]models.HookResult),
			Attempts:    make(map[string]int),
		},
	}
}

func (r *Runner) logEvent(eventType string, data map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.LogEvent(eventType, data); err != nil {
		r.log.Warn("writing event", "type", eventType, "error", err)
	}
}

// execution is the state of one Run or Resume call.
type execution struct {
	r        *Runner
	sprintID string
	sprint   *models.Sprint
	epic     *models.Epic
	progress ProgressFunc
	state    *RunState
	start    time.Time

	deferredNotes   string
	postmortemNotes string

	mu     sync.Mutex // guards result.Attempts
	result *models.RunResult
}

func (x *execution) loadNotes() error {
	if x.r.notes == nil {
		return nil
	}
	var err error
	if x.deferredNotes, err = x.r.notes.Deferred(); err != nil {
		return fmt.Errorf("reading deferred notes: %w", err)
	}
	if x.postmortemNotes, err = x.r.notes.Postmortem(); err != nil {
		return fmt.Errorf("reading postmortem notes: %w", err)
	}
	return nil
}

// begin records the sprint and epic the run works on and opens the ledger
// entry.
func (x *execution) begin(ctx context.Context, sp *models.Sprint) error {
	x.sprint = sp
	if sp.EpicID != "" {
		epic, err := x.r.backend.GetEpic(sp.EpicID)
		if err != nil {
			return fmt.Errorf("loading epic %s: %w", sp.EpicID, err)
		}
		x.epic = epic
	}
	if x.r.ledger != nil {
		if err := x.r.ledger.StartRun(ctx, x.result.RunID, x.sprintID, string(x.r.Mode()), x.start); err != nil {
			x.r.log.Warn("recording run start", "run_id", x.result.RunID, "error", err)
		}
	}
	return nil
}

func (x *execution) execute(ctx context.Context) error {
	if x.r.Mode() == models.ModePhased {
		return x.runPhased(ctx)
	}
	return x.runFlat(ctx)
}

// runPhased walks the phase configs from the first phase not yet recorded
// as successful.
func (x *execution) runPhased(ctx context.Context) error {
	records, err := x.r.backend.PhaseRecords(x.sprintID)
	if err != nil {
		return fmt.Errorf("reading phase records for %s: %w", x.sprintID, err)
	}
	done := make(map[models.Phase]bool)
	for _, rec := range records {
		if rec.Success {
			done[rec.Phase] = true
		}
	}

	var completeCfg *PhaseConfig
	for i := range x.r.phases {
		pc := x.r.phases[i]
		if done[pc.Phase] {
			continue
		}
		switch {
		case pc.Phase == models.PhaseReview:
			return x.stopAtReview(pc)
		case pc.Phase == models.PhaseComplete:
			completeCfg = &x.r.phases[i]
		case pc.hasWork():
			if err := x.runWorkPhase(ctx, pc); err != nil || (!pc.Optional && !x.lastPhaseSucceeded()) {
				return err
			}
		default:
			res := models.PhaseResult{Phase: pc.Phase, Success: true, ArtifactsProduced: pc.Artifacts}
			if err := x.recordPhase(res); err != nil {
				return err
			}
		}
	}
	return x.complete(ctx, completeCfg)
}

func (x *execution) lastPhaseSucceeded() bool {
	n := len(x.result.PhaseResults)
	return n > 0 && x.result.PhaseResults[n-1].Success
}

// runWorkPhase dispatches a phase's steps, evaluates its exit gate, and
// blocks the sprint when either fails. A failed optional phase is recorded
// and deferred instead.
func (x *execution) runWorkPhase(ctx context.Context, pc PhaseConfig) error {
	res, why, err := x.dispatchPhase(ctx, pc)
	x.result.DeferredItems = append(x.result.DeferredItems, res.DeferredItems...)

	reason := ""
	if !res.Success {
		if err != nil {
			why = err.Error()
		}
		if why == "" {
			why = "agent failure"
		}
		reason = fmt.Sprintf("phase '%s' failed: %s", pc.Phase, why)
	} else if pc.Gate != nil {
		passed, detail := pc.Gate(res)
		res.GatePassed = &passed
		res.GateReason = detail
		if !passed {
			res.Success = false
			res.ArtifactsProduced = nil
			reason = fmt.Sprintf("gate failed for phase '%s': %s", pc.Phase, detail)
		}
	}

	if err := x.recordPhase(res); err != nil {
		return err
	}
	x.report(pc.Phase)
	switch {
	case res.Success:
		return nil
	case pc.Optional:
		x.r.log.Info("optional phase failed", "sprint_id", x.sprintID, "phase", pc.Phase, "reason", reason)
		x.result.DeferredItems = append(x.result.DeferredItems, "Optional "+reason)
		return nil
	default:
		return x.fail(pc.Phase, reason)
	}
}

func (x *execution) recordPhase(res models.PhaseResult) error {
	x.result.PhaseResults = append(x.result.PhaseResults, res)
	x.result.CurrentPhase = res.Phase
	rec := models.PhaseRecord{Phase: res.Phase, Success: res.Success}
	for _, ar := range res.AgentResults {
		if ar.Output != "" {
			rec.Outputs = append(rec.Outputs, ar.Output)
		}
	}
	if err := x.r.backend.RecordPhase(x.sprintID, rec); err != nil {
		return fmt.Errorf("recording phase %s of %s: %w", res.Phase, x.sprintID, err)
	}
	x.r.logEvent("phase.completed", map[string]any{"sprint_id": x.sprintID, "phase": string(res.Phase), "success": res.Success})
	return nil
}

type stepOutcome struct {
	step   models.Step
	result models.AgentResult
}

// dispatchPhase runs the phase's steps in dependency order. Ready steps are
// dispatched together and their results handled as they finish. On failure
// it also returns why, naming the first blocking hook or failed step. An
// error means the steps could not be scheduled at all.
func (x *execution) dispatchPhase(ctx context.Context, pc PhaseConfig) (models.PhaseResult, string, error) {
	res := models.PhaseResult{Phase: pc.Phase}
	sched, err := NewScheduler(pc.workSteps())
	if err != nil {
		return res, "", err
	}

	hooksOK := true
	why := ""
	note := func(reason string) {
		if why == "" {
			why = reason
		}
	}
	for !sched.IsDone() {
		ready := sched.Ready()
		if len(ready) == 0 {
			break
		}
		var batch []models.Step
		for _, st := range ready {
			hc := &HookContext{Sprint: x.sprint, Step: &st, RunState: x.state}
			if fail, ok := x.evaluate(ctx, models.HookPreStep, hc); !ok {
				x.r.log.Info("pre-step hook blocked step", "sprint_id", x.sprintID, "step", st.ID, "hook", fail.Hook)
				hooksOK = false
				note(fmt.Sprintf("PRE_STEP hook failed for step '%s': %s", st.Name, fail.Message))
				_ = sched.MarkFailed(st.ID)
				continue
			}
			_ = sched.MarkInProgress(st.ID)
			batch = append(batch, st)
		}

		outcomes := make(chan stepOutcome, len(batch))
		var g errgroup.Group
		for _, st := range batch {
			g.Go(func() error {
				outcomes <- stepOutcome{step: st, result: x.dispatch(ctx, st, pc.MaxRetries)}
				return nil
			})
		}
		for range batch {
			out := <-outcomes
			res.AgentResults = append(res.AgentResults, out.result)
			res.DeferredItems = append(res.DeferredItems, out.result.DeferredItems...)
			if !out.result.Success {
				note(fmt.Sprintf("step '%s' failed: %s", out.step.Name, out.result.Output))
			}
			if fail, ok := x.handleStepResult(ctx, sched, out); !ok {
				hooksOK = false
				note(fmt.Sprintf("POST_STEP hook failed for step '%s': %s", out.step.Name, fail.Message))
			}
		}
		_ = g.Wait()
	}

	res.Success = !sched.HasFailures() && hooksOK
	if res.Success {
		res.ArtifactsProduced = pc.Artifacts
		why = ""
	}
	return res, why, nil
}

// handleStepResult records a finished step and runs the POST_STEP hooks. It
// reports false with the failure when a blocking hook failed.
func (x *execution) handleStepResult(ctx context.Context, sched *Scheduler, out stepOutcome) (models.HookResult, bool) {
	x.state.add(out.result)
	x.result.AgentResults = append(x.result.AgentResults, out.result)
	if out.result.Success {
		_ = sched.MarkComplete(out.step.ID)
		x.r.logEvent("step.completed", map[string]any{"sprint_id": x.sprintID, "step": out.step.ID})
	} else {
		_ = sched.MarkFailed(out.step.ID)
		x.r.logEvent("step.failed", map[string]any{"sprint_id": x.sprintID, "step": out.step.ID, "output": out.result.Output})
	}
	result := out.result
	hc := &HookContext{Sprint: x.sprint, Step: &out.step, AgentResult: &result, RunState: x.state}
	return x.evaluate(ctx, models.HookPostStep, hc)
}

// dispatch runs a step on its agent, retrying failures up to maxRetries
// times. Agent errors and panics count as failed results.
func (x *execution) dispatch(ctx context.Context, st models.Step, maxRetries int) models.AgentResult {
	agent, err := x.r.agents.Get(st.Type())
	if err != nil {
		return models.AgentResult{Success: false, Output: err.Error()}
	}
	var res models.AgentResult
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, x.r.retryDelay); err != nil {
				break
			}
		}
		res = x.attempt(ctx, agent, st)
		x.mu.Lock()
		x.result.Attempts[st.ID]++
		x.mu.Unlock()
		x.recordAttempt(ctx, st, attempt, res)
		if res.Success || ctx.Err() != nil {
			break
		}
		x.r.log.Info("step attempt failed", "sprint_id", x.sprintID, "step", st.ID, "attempt", attempt)
	}
	return res
}

func (x *execution) attempt(ctx context.Context, agent ExecutionAgent, st models.Step) (res models.AgentResult) {
	defer func() {
		if p := recover(); p != nil {
			res = models.AgentResult{Success: false, Output: fmt.Sprintf("agent panicked: %v", p)}
		}
	}()
	out, err := agent.Execute(ctx, x.stepContext(st))
	if err != nil {
		return models.AgentResult{Success: false, Output: err.Error()}
	}
	if out == nil {
		return models.AgentResult{Success: false, Output: "agent returned no result"}
	}
	return *out
}

func (x *execution) recordAttempt(ctx context.Context, st models.Step, n int, res models.AgentResult) {
	if x.r.ledger == nil {
		return
	}
	a := models.StepAttempt{
		RunID:    x.result.RunID,
		SprintID: x.sprintID,
		StepID:   st.ID,
		Attempt:  n,
		Success:  res.Success,
		Output:   res.Output,
		At:       x.r.now(),
	}
	if err := x.r.ledger.RecordAttempt(ctx, a); err != nil {
		x.r.log.Warn("recording attempt", "run_id", x.result.RunID, "step", st.ID, "error", err)
	}
}

func (x *execution) stepContext(st models.Step) *models.StepContext {
	selected := SelectContext(st.Type(), x.sprint.Goal, x.deferredNotes, x.postmortemNotes)
	return &models.StepContext{
		Step:                 st,
		Sprint:               x.sprint,
		Epic:                 x.epic,
		ProjectRoot:          x.r.root,
		PreviousOutputs:      x.state.AgentResults(),
		CumulativeDeferred:   selected.Deferred,
		CumulativePostmortem: selected.Postmortem,
	}
}

// evaluate runs the hooks at point, records every result, and reports false
// with the first blocking failure if there is one.
func (x *execution) evaluate(ctx context.Context, point models.HookPoint, hc *HookContext) (models.HookResult, bool) {
	results := x.r.hooks.EvaluateAll(ctx, point, hc)
	if len(results) == 0 {
		return models.HookResult{}, true
	}
	x.result.HookResults[point] = append(x.result.HookResults[point], results...)
	for _, res := range results {
		x.result.DeferredItems = append(x.result.DeferredItems, res.DeferredItems...)
	}
	fail, blocked := FirstBlockingFailure(results)
	return fail, !blocked
}

// advanceRemaining marks every unfinished step of the sprint done, in order.
func (x *execution) advanceRemaining() error {
	sp, err := x.r.backend.GetSprint(x.sprintID)
	if err != nil {
		return err
	}
	for sp.CurrentStep() != nil {
		if sp, err = x.r.backend.AdvanceStep(x.sprintID, map[string]any{"output": "phase-completed"}); err != nil {
			return fmt.Errorf("advancing steps of %s: %w", x.sprintID, err)
		}
	}
	x.sprint = sp
	return nil
}

func (x *execution) stopAtReview(pc PhaseConfig) error {
	if err := x.advanceRemaining(); err != nil {
		return err
	}
	sp, err := x.r.backend.MoveToReview(x.sprintID)
	if err != nil {
		return fmt.Errorf("moving %s to review: %w", x.sprintID, err)
	}
	x.sprint = sp
	x.r.logEvent("sprint.status_changed", map[string]any{"sprint_id": x.sprintID, "status": string(models.SprintReview)})
	x.result.Success = true
	x.result.StoppedAtReview = true
	x.result.CurrentPhase = pc.Phase
	return nil
}

// complete finishes a phased run that has no review checkpoint.
func (x *execution) complete(ctx context.Context, cfg *PhaseConfig) error {
	if err := x.advanceRemaining(); err != nil {
		return err
	}
	hc := &HookContext{Sprint: x.sprint, RunState: x.state}
	if fail, ok := x.evaluate(ctx, models.HookPreCompletion, hc); !ok {
		return x.fail(models.PhaseComplete, "PRE_COMPLETION hook failed: "+fail.Message)
	}
	sp, err := x.r.backend.CompleteSprint(x.sprintID)
	if err != nil {
		return fmt.Errorf("completing %s: %w", x.sprintID, err)
	}
	x.sprint = sp
	x.r.logEvent("sprint.status_changed", map[string]any{"sprint_id": x.sprintID, "status": string(models.SprintDone)})
	x.result.Success = true
	x.result.CurrentPhase = models.PhaseComplete
	if cfg != nil {
		res := models.PhaseResult{Phase: models.PhaseComplete, Success: true, ArtifactsProduced: cfg.Artifacts}
		if err := x.recordPhase(res); err != nil {
			return err
		}
	}
	x.evaluate(ctx, models.HookPostCompletion, &HookContext{Sprint: sp, RunState: x.state})
	return nil
}

// runFlat dispatches the sprint's steps one at a time in list order.
func (x *execution) runFlat(ctx context.Context) error {
	sched, err := NewScheduler(Sequentialize(x.sprint.Steps))
	if err != nil {
		return fmt.Errorf("scheduling steps of %s: %w", x.sprintID, err)
	}

	for {
		sp, err := x.r.backend.GetSprint(x.sprintID)
		if err != nil {
			return err
		}
		x.sprint = sp
		cur := sp.CurrentStep()
		if cur == nil {
			break
		}
		st := *cur
		if !stepReady(sched, st.ID) {
			return x.fail("", fmt.Sprintf("step '%s' has unfinished dependencies", st.Name))
		}
		_ = sched.MarkInProgress(st.ID)

		hc := &HookContext{Sprint: sp, Step: &st, RunState: x.state}
		if fail, ok := x.evaluate(ctx, models.HookPreStep, hc); !ok {
			return x.fail("", fmt.Sprintf("PRE_STEP hook failed for step '%s': %s", st.Name, fail.Message))
		}

		res := x.dispatch(ctx, st, x.r.maxRetries)
		x.state.add(res)
		x.result.AgentResults = append(x.result.AgentResults, res)
		x.result.DeferredItems = append(x.result.DeferredItems, res.DeferredItems...)

		hc = &HookContext{Sprint: sp, Step: &st, AgentResult: &res, RunState: x.state}
		if fail, ok := x.evaluate(ctx, models.HookPostStep, hc); !ok {
			_ = sched.MarkFailed(st.ID)
			return x.fail("", fmt.Sprintf("POST_STEP hook failed for step '%s': %s", st.Name, fail.Message))
		}
		if !res.Success {
			_ = sched.MarkFailed(st.ID)
			x.r.logEvent("step.failed", map[string]any{"sprint_id": x.sprintID, "step": st.ID, "output": res.Output})
			return x.fail("", fmt.Sprintf("step '%s' failed: %s", st.Name, res.Output))
		}

		if _, err := x.r.backend.AdvanceStep(x.sprintID, map[string]any{"output": res.Output}); err != nil {
			return fmt.Errorf("advancing step %s of %s: %w", st.ID, x.sprintID, err)
		}
		_ = sched.MarkComplete(st.ID)
		x.r.logEvent("step.completed", map[string]any{"sprint_id": x.sprintID, "step": st.ID})
		x.report("")
	}

	hc := &HookContext{Sprint: x.sprint, RunState: x.state}
	if fail, ok := x.evaluate(ctx, models.HookPreCompletion, hc); !ok {
		return x.fail("", "PRE_COMPLETION hook failed: "+fail.Message)
	}
	sp, err := x.r.backend.MoveToReview(x.sprintID)
	if err != nil {
		return fmt.Errorf("moving %s to review: %w", x.sprintID, err)
	}
	x.sprint = sp
	x.r.logEvent("sprint.status_changed", map[string]any{"sprint_id": x.sprintID, "status": string(models.SprintReview)})
	x.result.Success = true
	x.result.StoppedAtReview = true
	return nil
}

func stepReady(sched *Scheduler, id string) bool {
	for _, st := range sched.Ready() {
		if st.ID == id {
			return true
		}
	}
	return false
}

// fail blocks the sprint with reason and marks the run failed.
func (x *execution) fail(phase models.Phase, reason string) error {
	x.result.Success = false
	x.result.FailureReason = reason
	if phase != "" {
		x.result.CurrentPhase = phase
	}
	x.r.log.Info("blocking sprint", "sprint_id", x.sprintID, "reason", reason)
	sp, err := x.r.backend.BlockSprint(x.sprintID, reason)
	if err != nil {
		return fmt.Errorf("blocking sprint %s: %w", x.sprintID, err)
	}
	x.sprint = sp
	x.r.logEvent("sprint.blocked", map[string]any{"sprint_id": x.sprintID, "reason": reason})
	return nil
}

func (x *execution) report(phase models.Phase) {
	if x.progress == nil {
		return
	}
	sum, err := x.r.backend.StepStatus(x.sprintID)
	if err != nil {
		x.r.log.Warn("reading step status", "sprint_id", x.sprintID, "error", err)
		return
	}
	p := models.Progress{
		SprintID:       x.sprintID,
		Phase:          phase,
		CurrentStep:    sum.CurrentStep,
		CompletedSteps: sum.CompletedSteps,
		TotalSteps:     sum.TotalSteps,
	}
	if phase != "" {
		p.PhasesCompleted = len(x.result.PhaseResults)
		p.PhasesTotal = len(x.r.phases)
	}
	x.progress(p)
}

// stop finalizes the result: step counts, duration, notes, ledger and the
// run.finished event. The run error, if any, is returned unchanged.
func (x *execution) stop(ctx context.Context, runErr error) (*models.RunResult, error) {
	res := x.result
	res.DurationSeconds = x.r.now().Sub(x.start).Seconds()
	if sum, err := x.r.backend.StepStatus(x.sprintID); err == nil {
		res.StepsCompleted = sum.CompletedSteps
		res.StepsTotal = sum.TotalSteps
	}
	if runErr != nil && res.FailureReason == "" {
		res.FailureReason = runErr.Error()
	}

	if x.r.notes != nil && x.sprint != nil {
		if err := x.r.notes.AppendDeferred(x.sprint, res.DeferredItems); err != nil {
			x.r.log.Warn("appending deferred notes", "sprint_id", x.sprintID, "error", err)
		}
		if err := x.r.notes.AppendPostmortem(x.sprint, res); err != nil {
			x.r.log.Warn("appending postmortem", "sprint_id", x.sprintID, "error", err)
		}
	}
	if x.r.ledger != nil {
		if err := x.r.ledger.FinishRun(ctx, res, x.r.now()); err != nil {
			x.r.log.Warn("recording run finish", "run_id", res.RunID, "error", err)
		}
	}
	x.r.logEvent("run.finished", map[string]any{
		"sprint_id":         x.sprintID,
		"run_id":            res.RunID,
		"success":           res.Success,
		"stopped_at_review": res.StoppedAtReview,
		"duration_seconds":  res.DurationSeconds,
	})
	return res, runErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
