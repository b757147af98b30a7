package core

import (
	"context"
	"strings"
	"testing"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

func sprintWithSteps(statuses ...models.StepStatus) *models.Sprint {
	sp := &models.Sprint{ID: "s-1", Type: "backend"}
	for i, st := range statuses {
		name := string(rune('a' + i))
		sp.Steps = append(sp.Steps, models.Step{ID: "step-" + name, Name: name, Status: st})
	}
	return sp
}

func TestCoverageGate(t *testing.T) {
	ctx := context.Background()
	g := &CoverageGate{Threshold: 80, PerType: models.DefaultCoverageThresholds()}
	sp := &models.Sprint{Type: "backend"}

	tests := []struct {
		name   string
		result *models.AgentResult
		sprint *models.Sprint
		pass   bool
	}{
		{"no result", nil, sp, true},
		{"no coverage", &models.AgentResult{Success: true}, sp, true},
		{"backend below 85", &models.AgentResult{CoveragePercent: coverage(84.9)}, sp, false},
		{"backend at 85", &models.AgentResult{CoveragePercent: coverage(85)}, sp, true},
		{"frontend at 70", &models.AgentResult{CoveragePercent: coverage(70)}, &models.Sprint{Type: "frontend"}, true},
		{"unknown type uses default", &models.AgentResult{CoveragePercent: coverage(79)}, &models.Sprint{Type: "mobile"}, false},
		{"research passes at zero", &models.AgentResult{CoveragePercent: coverage(0)}, &models.Sprint{Type: "research"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.Evaluate(ctx, &HookContext{Sprint: tt.sprint, AgentResult: tt.result})
			if res.Passed != tt.pass {
				t.Errorf("Passed = %v, want %v (%s)", res.Passed, tt.pass, res.Message)
			}
			if !res.Passed && !res.Blocking {
				t.Error("coverage failure should block")
			}
		})
	}
}

func TestQualityReviewGate(t *testing.T) {
	ctx := context.Background()
	state := &RunState{}
	hc := &HookContext{Sprint: &models.Sprint{}, RunState: state}

	if res := (QualityReviewGate{}).Evaluate(ctx, hc); res.Passed || res.Message != "no quality review found" {
		t.Fatalf("missing verdict: %+v", res)
	}
	state.add(models.AgentResult{ReviewVerdict: "request_changes"})
	if res := (QualityReviewGate{}).Evaluate(ctx, hc); res.Passed {
		t.Fatalf("request_changes passed")
	}
	state.add(models.AgentResult{Output: "no verdict here"})
	state.add(models.AgentResult{ReviewVerdict: "approve"})
	if res := (QualityReviewGate{}).Evaluate(ctx, hc); !res.Passed {
		t.Fatalf("latest approve failed: %+v", res)
	}
}

func TestStepOrderingGate(t *testing.T) {
	ctx := context.Background()
	sp := sprintWithSteps(models.StepDone, models.StepInProgress, models.StepTodo)

	if res := (StepOrderingGate{}).Evaluate(ctx, &HookContext{Sprint: sp, Step: &sp.Steps[1]}); !res.Passed {
		t.Errorf("second step blocked: %s", res.Message)
	}
	res := (StepOrderingGate{}).Evaluate(ctx, &HookContext{Sprint: sp, Step: &sp.Steps[2]})
	if res.Passed || !strings.Contains(res.Message, `"b"`) {
		t.Errorf("third step = %+v", res)
	}
	phaseStep := models.Step{ID: "phase-build"}
	if res := (StepOrderingGate{}).Evaluate(ctx, &HookContext{Sprint: sp, Step: &phaseStep}); !res.Passed {
		t.Errorf("phase step blocked: %s", res.Message)
	}

	// A freshly started sprint has its first step in progress.
	started := sprintWithSteps(models.StepInProgress, models.StepTodo)
	planStep := models.Step{ID: "phase-plan"}
	if res := (StepOrderingGate{}).Evaluate(ctx, &HookContext{Sprint: started, Step: &planStep}); !res.Passed {
		t.Errorf("phase step blocked on a started sprint: %s", res.Message)
	}
}

func TestRequiredStepsGate(t *testing.T) {
	ctx := context.Background()
	sp := sprintWithSteps(models.StepDone, models.StepSkipped, models.StepTodo)

	res := (&RequiredStepsGate{}).Evaluate(ctx, &HookContext{Sprint: sp})
	if res.Passed || len(res.DeferredItems) != 1 || res.DeferredItems[0] != "Complete step: c" {
		t.Fatalf("result = %+v", res)
	}
	if res := (&RequiredStepsGate{Required: []string{"a"}}).Evaluate(ctx, &HookContext{Sprint: sp}); !res.Passed {
		t.Fatalf("only a required: %+v", res)
	}
}

func TestGroomingHook(t *testing.T) {
	ctx := context.Background()
	hc := &HookContext{Sprint: &models.Sprint{ID: "s-1"}, RunState: &RunState{}}

	if res := (&GroomingHook{Agents: NewAgentRegistry()}).Evaluate(ctx, hc); !res.Passed || res.Blocking {
		t.Fatalf("without agent: %+v", res)
	}

	agents := NewAgentRegistry()
	agents.Register("grooming", AgentFunc(func(_ context.Context, sc *models.StepContext) (*models.AgentResult, error) {
		return &models.AgentResult{Success: true, DeferredItems: []string{"next: caching for " + sc.Sprint.ID}}, nil
	}))
	res := (&GroomingHook{Agents: agents}).Evaluate(ctx, hc)
	if !res.Passed || res.Blocking || len(res.DeferredItems) != 1 || res.DeferredItems[0] != "next: caching for s-1" {
		t.Fatalf("with agent: %+v", res)
	}
}

func TestDefaultHooks(t *testing.T) {
	hooks := DefaultHooks("frontend")
	if len(hooks) != 4 {
		t.Fatalf("len = %d, want 4", len(hooks))
	}
	cg, ok := hooks[0].(*CoverageGate)
	if !ok || cg.Threshold != 70 {
		t.Errorf("coverage gate = %+v", hooks[0])
	}
	if cg := DefaultHooks("unknown")[0].(*CoverageGate); cg.Threshold != 80 {
		t.Errorf("unknown type threshold = %v", cg.Threshold)
	}
}

func TestHooksFromConfig(t *testing.T) {
	cfg := models.DefaultGateConfig()
	cfg.Grooming = true
	var names []string
	for _, h := range HooksFromConfig(cfg, NewAgentRegistry()) {
		names = append(names, h.Name())
	}
	if strings.Join(names, ",") != "coverage,step_ordering,required_steps,grooming" {
		t.Errorf("hooks = %v", names)
	}

	cfg.Enabled = false
	if hooks := HooksFromConfig(cfg, nil); len(hooks) != 0 {
		t.Errorf("disabled gates returned %d hooks", len(hooks))
	}
}

func TestHookRegistry_EvaluateAllKeepsOrder(t *testing.T) {
	first := &staticHook{name: "first", point: models.HookPreStep, result: models.HookResult{Passed: false, Blocking: true, Message: "stop"}}
	second := &staticHook{name: "second", point: models.HookPreStep, result: models.HookResult{Passed: true}}
	other := &staticHook{name: "other", point: models.HookPostStep}
	r := NewHookRegistry(first, second, other)

	results := r.EvaluateAll(context.Background(), models.HookPreStep, &HookContext{})
	if len(results) != 2 || results[0].Hook != "first" || results[1].Hook != "second" {
		t.Fatalf("results = %+v", results)
	}
	if second.calls != 1 || other.calls != 0 {
		t.Errorf("calls: second=%d other=%d", second.calls, other.calls)
	}
	if fail, ok := FirstBlockingFailure(results); !ok || fail.Hook != "first" {
		t.Errorf("first blocking failure = %+v, %v", fail, ok)
	}
}

func TestAgentRegistry_Fallback(t *testing.T) {
	r := NewAgentRegistry()
	if _, err := r.Get("implement"); err == nil {
		t.Fatal("expected error without agents")
	}
	impl := newScriptedAgent()
	fallback := newScriptedAgent()
	r.Register("implement", impl)
	r.SetDefault(fallback)

	if a, _ := r.Get("implement"); a != impl {
		t.Error("registered agent not returned")
	}
	if a, _ := r.Get("review"); a != fallback {
		t.Error("fallback agent not returned")
	}
	if r.Has("review") || !r.Has("implement") {
		t.Error("Has should only report registered types")
	}
	if types := r.Types(); len(types) != 1 || types[0] != "implement" {
		t.Errorf("types = %v", types)
	}
}
