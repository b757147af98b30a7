package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/storage"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// --- Test fakes ---

// scriptedAgent returns results keyed by step name. Each name's results are
// consumed in order and the last one repeats.
type scriptedAgent struct {
	mu       sync.Mutex
	script   map[string][]models.AgentResult
	fallback models.AgentResult
	calls    []string
	contexts []*models.StepContext
}

func newScriptedAgent() *scriptedAgent {
	return &scriptedAgent{script: map[string][]models.AgentResult{}, fallback: models.AgentResult{Success: true}}
}

func (a *scriptedAgent) on(name string, results ...models.AgentResult) *scriptedAgent {
	a.script[name] = results
	return a
}

func (a *scriptedAgent) Execute(_ context.Context, sc *models.StepContext) (*models.AgentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, sc.Step.Name)
	a.contexts = append(a.contexts, sc)
	res := a.fallback
	res.Output = sc.Step.Name + " done"
	if queue := a.script[sc.Step.Name]; len(queue) > 0 {
		res = queue[0]
		if len(queue) > 1 {
			a.script[sc.Step.Name] = queue[1:]
		}
	}
	return &res, nil
}

func (a *scriptedAgent) callCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == name {
			n++
		}
	}
	return n
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeEvents) LogEvent(eventType string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	return nil
}

type fakeNotes struct {
	deferred    string
	postmortem  string
	appended    [][]string
	postmortems []*models.RunResult
}

func (f *fakeNotes) Deferred() (string, error)   { return f.deferred, nil }
func (f *fakeNotes) Postmortem() (string, error) { return f.postmortem, nil }
func (f *fakeNotes) AppendDeferred(_ *models.Sprint, items []string) error {
	f.appended = append(f.appended, items)
	return nil
}
func (f *fakeNotes) AppendPostmortem(_ *models.Sprint, res *models.RunResult) error {
	f.postmortems = append(f.postmortems, res)
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	started  []string
	attempts []models.StepAttempt
	finished []*models.RunResult
}

func (f *fakeLedger) StartRun(_ context.Context, runID, _, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeLedger) RecordAttempt(_ context.Context, a models.StepAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeLedger) FinishRun(_ context.Context, res *models.RunResult, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, res)
	return nil
}

// staticHook returns the same result every time.
type staticHook struct {
	name   string
	point  models.HookPoint
	result models.HookResult
	calls  int
}

func (h *staticHook) Name() string            { return h.name }
func (h *staticHook) Point() models.HookPoint { return h.point }
func (h *staticHook) Evaluate(context.Context, *HookContext) models.HookResult {
	h.calls++
	return h.result
}

// --- Helpers ---

func abcTasks() []models.Task {
	return []models.Task{{Name: "a", Type: "implement"}, {Name: "b", Type: "implement"}, {Name: "c", Type: "implement"}}
}

func newSprint(t *testing.T, b *storage.MemoryStore, tasks []models.Task) *models.Sprint {
	t.Helper()
	sp, err := b.CreateSprint(models.CreateSprintOpts{Goal: "Build the parser", Type: "backend", Tasks: tasks})
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	return sp
}

func registryWith(agent ExecutionAgent) *AgentRegistry {
	r := NewAgentRegistry()
	r.SetDefault(agent)
	return r
}

func failed(output string) models.AgentResult { return models.AgentResult{Success: false, Output: output} }

func coverage(v float64) *float64 { return &v }

// --- Flat mode ---

func TestRunner_FlatRunStopsAtReview(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	agent := newScriptedAgent()
	events := &fakeEvents{}
	var progress []models.Progress
	r := NewRunner(b, registryWith(agent), RunnerOpts{Events: events})

	res, err := r.Run(context.Background(), sp.ID, func(p models.Progress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || !res.StoppedAtReview {
		t.Fatalf("result = %+v", res)
	}
	if res.StepsCompleted != 3 || res.StepsTotal != 3 {
		t.Errorf("steps = %d/%d, want 3/3", res.StepsCompleted, res.StepsTotal)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintReview {
		t.Errorf("status = %s, want review", got.Status)
	}
	if len(progress) != 3 || progress[2].CompletedSteps != 3 {
		t.Errorf("progress = %+v", progress)
	}
	if len(agent.contexts[2].PreviousOutputs) != 2 || agent.contexts[2].PreviousOutputs[0].Output != "a done" {
		t.Errorf("previous outputs for c = %+v", agent.contexts[2].PreviousOutputs)
	}
	if events.types[0] != "sprint.started" || events.types[len(events.types)-1] != "run.finished" {
		t.Errorf("events = %v", events.types)
	}
}

func TestRunner_RetryBoundSucceeds(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks()[:1])
	agent := newScriptedAgent().on("a", failed("x"), failed("y"), models.AgentResult{Success: true, Output: "ok"})
	r := NewRunner(b, registryWith(agent), RunnerOpts{MaxRetries: 2})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success after retries: %+v", res)
	}
	if res.Attempts["step-1"] != 3 || agent.callCount("a") != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", res.Attempts["step-1"], agent.callCount("a"))
	}
}

func TestRunner_RetryBoundBlocks(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks()[:1])
	agent := newScriptedAgent().on("a", failed("compile error"))
	ledger := &fakeLedger{}
	r := NewRunner(b, registryWith(agent), RunnerOpts{MaxRetries: 2, Ledger: ledger})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || agent.callCount("a") != 3 {
		t.Fatalf("success=%v calls=%d, want failure after 3 calls", res.Success, agent.callCount("a"))
	}
	if !strings.Contains(res.FailureReason, "step 'a' failed: compile error") {
		t.Errorf("failure reason = %q", res.FailureReason)
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
	if len(ledger.started) != 1 || len(ledger.attempts) != 3 || len(ledger.finished) != 1 {
		t.Errorf("ledger started=%d attempts=%d finished=%d", len(ledger.started), len(ledger.attempts), len(ledger.finished))
	}
}

func TestRunner_AgentErrorIsFailedResult(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks()[:1])
	agent := AgentFunc(func(context.Context, *models.StepContext) (*models.AgentResult, error) {
		return nil, errors.New("timed out")
	})
	r := NewRunner(b, registryWith(agent), RunnerOpts{})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || !strings.Contains(res.FailureReason, "timed out") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunner_BlockAfterOneOfThreeThenResume(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	agent := newScriptedAgent().on("b", failed("flaky"), models.AgentResult{Success: true, Output: "b done"})
	r := NewRunner(b, registryWith(agent), RunnerOpts{})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.StepsCompleted != 1 {
		t.Fatalf("first run = %+v", res)
	}
	if idx, _ := FindResumePoint(b, sp.ID); idx != 1 {
		t.Fatalf("resume point = %d, want 1", idx)
	}

	res, err = r.Resume(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.Success || !res.StoppedAtReview || res.StepsCompleted != 3 {
		t.Fatalf("resumed run = %+v", res)
	}
	if agent.callCount("a") != 1 {
		t.Errorf("step a ran %d times, want 1", agent.callCount("a"))
	}
	resumedB := agent.contexts[2]
	if resumedB.Step.Name != "b" || len(resumedB.PreviousOutputs) != 1 || resumedB.PreviousOutputs[0].Output != "a done" {
		t.Errorf("resumed b context = %+v", resumedB.PreviousOutputs)
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Metadata["previous_blocker"] == "" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestRunner_ResumeRequiresBlocked(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	r := NewRunner(b, registryWith(newScriptedAgent()), RunnerOpts{})

	_, err := r.Resume(context.Background(), sp.ID, nil)
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRunner_DependencyNotMet(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	dep := newSprint(t, b, abcTasks())
	sp, _ := b.CreateSprint(models.CreateSprintOpts{Goal: "Second", Tasks: abcTasks(), Dependencies: []string{dep.ID}})
	r := NewRunner(b, registryWith(newScriptedAgent()), RunnerOpts{})

	_, err := r.Run(context.Background(), sp.ID, nil)
	var dnm *workflow.DependencyNotMetError
	if !errors.As(err, &dnm) || dnm.Unmet[0] != dep.ID {
		t.Fatalf("expected DependencyNotMetError, got %v", err)
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintTodo {
		t.Errorf("status = %s, want todo", got.Status)
	}
}

func TestRunner_PreSprintHookBlocks(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	hook := &staticHook{name: "guard", point: models.HookPreSprint, result: models.HookResult{Passed: false, Blocking: true, Message: "no"}}
	agent := newScriptedAgent()
	r := NewRunner(b, registryWith(agent), RunnerOpts{Hooks: NewHookRegistry(hook)})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || len(agent.calls) != 0 {
		t.Fatalf("success=%v calls=%v", res.Success, agent.calls)
	}
	if hr := res.HookResults[models.HookPreSprint]; len(hr) != 1 || hr[0].Hook != "guard" {
		t.Errorf("hook results = %+v", res.HookResults)
	}
}

func TestRunner_NonBlockingHookFailureDoesNotHalt(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	hook := &staticHook{name: "advice", point: models.HookPostStep, result: models.HookResult{Passed: false, Message: "meh"}}
	r := NewRunner(b, registryWith(newScriptedAgent()), RunnerOpts{Hooks: NewHookRegistry(hook)})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || hook.calls != 3 || len(res.HookResults[models.HookPostStep]) != 3 {
		t.Fatalf("success=%v calls=%d", res.Success, hook.calls)
	}
}

func TestRunner_NotesAreReadAndAppended(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks()[:1])
	notes := &fakeNotes{deferred: "# Deferred Items\n\n## s-0: parser work\n\n- [ ] parser unicode\n"}
	agent := newScriptedAgent().on("a", models.AgentResult{Success: true, Output: "ok", DeferredItems: []string{"benchmarks"}})
	r := NewRunner(b, registryWith(agent), RunnerOpts{Notes: notes})

	if _, err := r.Run(context.Background(), sp.ID, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(agent.contexts[0].CumulativeDeferred, "parser unicode") {
		t.Errorf("deferred context = %q", agent.contexts[0].CumulativeDeferred)
	}
	if len(notes.appended) != 1 || notes.appended[0][0] != "benchmarks" {
		t.Errorf("appended = %v", notes.appended)
	}
	if len(notes.postmortems) != 1 || !notes.postmortems[0].Success {
		t.Errorf("postmortems = %+v", notes.postmortems)
	}
}

// --- Phased mode ---

func phasedRegistry(agent ExecutionAgent) *AgentRegistry {
	r := NewAgentRegistry()
	for _, typ := range []string{"planning", "test", "implement"} {
		r.Register(typ, agent)
	}
	return r
}

func TestRunner_PhasedStopsAtReview(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	agent := newScriptedAgent()
	r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: DefaultPhaseConfigs()})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || !res.StoppedAtReview || res.CurrentPhase != models.PhaseReview {
		t.Fatalf("result = %+v", res)
	}
	var phases []models.Phase
	for _, pr := range res.PhaseResults {
		phases = append(phases, pr.Phase)
	}
	want := []models.Phase{models.PhasePlan, models.PhaseTDD, models.PhaseBuild, models.PhaseValidate}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintReview || !got.StepsFinished() {
		t.Errorf("sprint = %s, steps finished = %v", got.Status, got.StepsFinished())
	}
	records, _ := b.PhaseRecords(sp.ID)
	if len(records) != 4 {
		t.Errorf("phase records = %+v", records)
	}
}

func TestRunner_PhaseGateFailureStopsOrdering(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	phases := DefaultPhaseConfigs()
	phases[2].Gate = MinCoverageGate(90)
	agent := newScriptedAgent().on("build",
		models.AgentResult{Success: true, Output: "low", CoveragePercent: coverage(50)},
		models.AgentResult{Success: true, Output: "high", CoveragePercent: coverage(95)},
	)
	r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: phases})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.CurrentPhase != models.PhaseBuild {
		t.Fatalf("result = %+v", res)
	}
	if len(res.PhaseResults) != 3 {
		t.Fatalf("phase results = %d, want plan, tdd, build", len(res.PhaseResults))
	}
	last := res.PhaseResults[2]
	if last.GatePassed == nil || *last.GatePassed || !strings.Contains(last.GateReason, "below") {
		t.Errorf("build result = %+v", last)
	}
	if agent.callCount("validate") != 0 {
		t.Error("validate ran after the build gate failed")
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintBlocked {
		t.Fatalf("status = %s, want blocked", got.Status)
	}

	res, err = r.Resume(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.Success || !res.StoppedAtReview {
		t.Fatalf("resumed run = %+v", res)
	}
	if agent.callCount("plan") != 1 || agent.callCount("tdd") != 1 || agent.callCount("build") != 2 {
		t.Errorf("calls = %v", agent.calls)
	}
	if res.PhaseResults[0].Phase != models.PhaseBuild {
		t.Errorf("resume started at %s, want build", res.PhaseResults[0].Phase)
	}
}

func TestRunner_PhaseStepsRunByDependency(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	phases := []PhaseConfig{{
		Phase:      models.PhaseBuild,
		MaxRetries: 0,
		Steps: []models.Step{
			{ID: "A", Name: "A", Metadata: map[string]any{"type": "implement"}},
			{ID: "B", Name: "B", Metadata: map[string]any{"type": "implement"}},
			{ID: "C", Name: "C", DependsOn: []string{"A", "B"}, Metadata: map[string]any{"type": "implement"}},
		},
	}, {Phase: models.PhaseReview}}
	agent := newScriptedAgent()
	r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: phases})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || len(agent.calls) != 3 || agent.calls[2] != "C" {
		t.Fatalf("success=%v calls=%v", res.Success, agent.calls)
	}
	if len(agent.contexts[2].PreviousOutputs) != 2 {
		t.Errorf("C saw %d previous outputs, want 2", len(agent.contexts[2].PreviousOutputs))
	}
}

func TestRunner_PhaseStepFailureSkipsDependents(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	phases := []PhaseConfig{{
		Phase: models.PhaseBuild,
		Steps: []models.Step{
			{ID: "A", Name: "A", Metadata: map[string]any{"type": "implement"}},
			{ID: "C", Name: "C", DependsOn: []string{"A"}, Metadata: map[string]any{"type": "implement"}},
		},
	}}
	agent := newScriptedAgent().on("A", failed("boom"))
	r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: phases})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || agent.callCount("C") != 0 {
		t.Fatalf("success=%v calls=%v", res.Success, agent.calls)
	}
	if !strings.Contains(res.FailureReason, "phase 'build' failed") {
		t.Errorf("failure reason = %q", res.FailureReason)
	}
}

func TestRunner_PhasedWithoutReviewCompletes(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	post := &staticHook{name: "after", point: models.HookPostCompletion, result: models.HookResult{Passed: false, Message: "ignored"}}
	phases := []PhaseConfig{
		{Phase: models.PhaseBuild, AgentType: "implement"},
		{Phase: models.PhaseComplete, Artifacts: []string{"postmortem"}},
	}
	r := NewRunner(b, phasedRegistry(newScriptedAgent()), RunnerOpts{
		Phases: phases,
		Hooks:  NewHookRegistry(&RequiredStepsGate{}, post),
	})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.StoppedAtReview || res.CurrentPhase != models.PhaseComplete {
		t.Fatalf("result = %+v", res)
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if post.calls != 1 {
		t.Errorf("post-completion hook calls = %d", post.calls)
	}
}

func TestRunner_PhasedWithConfiguredGates(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	agent := newScriptedAgent()
	agents := phasedRegistry(agent)
	r := NewRunner(b, agents, RunnerOpts{
		Phases: DefaultPhaseConfigs(),
		Hooks:  NewHookRegistry(HooksFromConfig(models.DefaultGateConfig(), agents)...),
	})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || !res.StoppedAtReview {
		t.Fatalf("result = %+v", res)
	}
	for _, phase := range []string{"plan", "tdd", "build", "validate"} {
		if agent.callCount(phase) != 1 {
			t.Errorf("%s calls = %d, want 1", phase, agent.callCount(phase))
		}
	}
	got, _ := b.GetSprint(sp.ID)
	if got.Status != models.SprintReview {
		t.Errorf("status = %s, want review", got.Status)
	}
}

func TestRunner_PhaseBlockReasonNamesHook(t *testing.T) {
	t.Run("pre-step", func(t *testing.T) {
		b := storage.NewMemoryStore("demo")
		sp := newSprint(t, b, abcTasks())
		lint := &staticHook{name: "lint", point: models.HookPreStep, result: models.HookResult{Passed: false, Blocking: true, Message: "lint not run"}}
		agent := newScriptedAgent()
		r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: DefaultPhaseConfigs(), Hooks: NewHookRegistry(lint)})

		res, err := r.Run(context.Background(), sp.ID, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Success || len(agent.calls) != 0 {
			t.Fatalf("success=%v calls=%v", res.Success, agent.calls)
		}
		if !strings.Contains(res.FailureReason, "PRE_STEP hook failed for step 'plan': lint not run") {
			t.Errorf("failure reason = %q", res.FailureReason)
		}
		got, _ := b.GetSprint(sp.ID)
		if got.Metadata["blocker"] != res.FailureReason {
			t.Errorf("blocker = %q", got.Metadata["blocker"])
		}
	})

	t.Run("post-step", func(t *testing.T) {
		b := storage.NewMemoryStore("demo")
		sp := newSprint(t, b, abcTasks())
		agent := newScriptedAgent().on("plan", models.AgentResult{Success: true, Output: "planned", CoveragePercent: coverage(50)})
		agents := phasedRegistry(agent)
		r := NewRunner(b, agents, RunnerOpts{
			Phases: DefaultPhaseConfigs(),
			Hooks:  NewHookRegistry(HooksFromConfig(models.DefaultGateConfig(), agents)...),
		})

		res, err := r.Run(context.Background(), sp.ID, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Success || res.CurrentPhase != models.PhasePlan {
			t.Fatalf("result = %+v", res)
		}
		if !strings.Contains(res.FailureReason, "POST_STEP hook failed for step 'plan'") || strings.Contains(res.FailureReason, "agent failure") {
			t.Errorf("failure reason = %q", res.FailureReason)
		}
	})

	t.Run("agent", func(t *testing.T) {
		b := storage.NewMemoryStore("demo")
		sp := newSprint(t, b, abcTasks())
		agent := newScriptedAgent().on("plan", failed("no plan"))
		r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: DefaultPhaseConfigs()})

		res, err := r.Run(context.Background(), sp.ID, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.FailureReason != "phase 'plan' failed: step 'plan' failed: no plan" {
			t.Errorf("failure reason = %q", res.FailureReason)
		}
	})
}

func TestRunner_PreviousOutputsFollowCompletionOrder(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	phases := []PhaseConfig{{
		Phase: models.PhaseBuild,
		Steps: []models.Step{
			{ID: "A", Name: "A", Metadata: map[string]any{"type": "implement"}},
			{ID: "B", Name: "B", Metadata: map[string]any{"type": "implement"}},
			{ID: "C", Name: "C", DependsOn: []string{"A", "B"}, Metadata: map[string]any{"type": "implement"}},
		},
	}, {Phase: models.PhaseReview}}

	bDone := make(chan struct{})
	var mu sync.Mutex
	var seen []models.AgentResult
	agent := AgentFunc(func(ctx context.Context, sc *models.StepContext) (*models.AgentResult, error) {
		switch sc.Step.ID {
		case "A":
			select {
			case <-bDone:
			case <-time.After(2 * time.Second):
			}
			time.Sleep(50 * time.Millisecond)
		case "B":
			defer close(bDone)
		case "C":
			mu.Lock()
			seen = sc.PreviousOutputs
			mu.Unlock()
		}
		return &models.AgentResult{Success: true, Output: sc.Step.ID + " done"}, nil
	})
	r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: phases})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0].Output != "B done" || seen[1].Output != "A done" {
		t.Errorf("C saw previous outputs %+v, want B then A", seen)
	}
}

func TestRunner_OptionalPhaseFailureContinues(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	phases := DefaultPhaseConfigs()
	phases[1].Optional = true
	phases[1].MaxRetries = 0
	agent := newScriptedAgent().on("tdd", failed("no test harness"))
	r := NewRunner(b, phasedRegistry(agent), RunnerOpts{Phases: phases})

	res, err := r.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || !res.StoppedAtReview {
		t.Fatalf("result = %+v", res)
	}
	if len(res.PhaseResults) != 4 || res.PhaseResults[1].Phase != models.PhaseTDD || res.PhaseResults[1].Success {
		t.Fatalf("phase results = %+v", res.PhaseResults)
	}
	if agent.callCount("build") != 1 || agent.callCount("validate") != 1 {
		t.Errorf("calls = %v", agent.calls)
	}
	found := false
	for _, item := range res.DeferredItems {
		if strings.Contains(item, "phase 'tdd' failed: step 'tdd' failed: no test harness") {
			found = true
		}
	}
	if !found {
		t.Errorf("deferred items = %v", res.DeferredItems)
	}
}

// --- Cancel and retry ---

func TestRunner_Cancel(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	r := NewRunner(b, registryWith(newScriptedAgent()), RunnerOpts{})

	todo := newSprint(t, b, abcTasks())
	if sp, err := r.Cancel(todo.ID, "not needed"); err != nil || sp.Status != models.SprintAbandoned {
		t.Fatalf("cancel todo: %v, %+v", err, sp)
	}

	running := newSprint(t, b, abcTasks())
	if _, err := b.StartSprint(running.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sp, err := r.Cancel(running.ID, "stop"); err != nil || sp.Status != models.SprintBlocked {
		t.Fatalf("cancel in progress: %v, %+v", err, sp)
	}

	if _, err := r.Cancel(running.ID, "again"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("cancel blocked: expected invalid transition, got %v", err)
	}
}

func TestRunner_RetryStep(t *testing.T) {
	b := storage.NewMemoryStore("demo")
	sp := newSprint(t, b, abcTasks())
	if _, err := b.StartSprint(sp.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	agent := newScriptedAgent().on("a", failed("1"), failed("2"), failed("3"), failed("4"))
	r := NewRunner(b, registryWith(agent), RunnerOpts{})

	res, err := r.RetryStep(context.Background(), sp.ID, 2)
	if err != nil {
		t.Fatalf("RetryStep: %v", err)
	}
	if res.Success || res.Output != "3" || agent.callCount("a") != 3 {
		t.Fatalf("result=%+v calls=%d", res, agent.callCount("a"))
	}

	empty := newSprint(t, b, nil)
	if _, err := r.RetryStep(context.Background(), empty.ID, 1); !errors.Is(err, workflow.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
