package internal

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/cli"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

func writeConfig(t *testing.T, root, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, core.ConfigFileName), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func newTestApp(t *testing.T, root string) *App {
	t.Helper()
	app, err := NewApp(root)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestResolveProjectRoot_HomeSet(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(core.HomeEnvVar, tmpDir)

	got, err := ResolveProjectRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got != tmpDir {
		t.Errorf("ResolveProjectRoot() = %q, want %q", got, tmpDir)
	}
}

func TestResolveProjectRoot_FindsConfig(t *testing.T) {
	tmpDir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	subDir := filepath.Join(tmpDir, "sub", "nested")
	if err := os.MkdirAll(subDir, 0o750); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, tmpDir, "kanban_dir: kanban\n")
	t.Setenv(core.HomeEnvVar, "")
	t.Chdir(subDir)

	got, err := ResolveProjectRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got != tmpDir {
		t.Errorf("ResolveProjectRoot() = %q, want %q", got, tmpDir)
	}
}

func TestNewApp_Defaults(t *testing.T) {
	root := t.TempDir()
	app := newTestApp(t, root)

	if app.Config.Execution.Mode != models.ModePhased {
		t.Errorf("mode = %s, want phased", app.Config.Execution.Mode)
	}
	if app.Runner.Mode() != models.ModePhased {
		t.Errorf("runner mode = %s, want phased", app.Runner.Mode())
	}
	if app.Ledger == nil {
		t.Error("Ledger not opened")
	}
	if app.EventLog == nil || app.AlertEngine == nil || app.MetricsCalc == nil {
		t.Error("observability not wired")
	}
	if app.Notifier != nil {
		t.Error("Notifier set without a webhook")
	}

	if cli.ProjectRoot != root || cli.Backend == nil || cli.Board == nil || cli.Runner != app.Runner {
		t.Error("CLI package variables not wired")
	}
	if cli.Runs == nil || cli.Lock == nil || len(cli.Initializers) != 2 {
		t.Error("CLI ledger, lock, or initializers not wired")
	}
	if _, err := os.Stat(filepath.Join(root, RunLedgerFile)); err != nil {
		t.Errorf("run ledger not created: %v", err)
	}
}

func TestNewApp_SlackNotifier(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "notifications:\n  slack:\n    webhook_url: https://hooks.slack.com/services/T000/B000/XXXX\n")

	app := newTestApp(t, root)
	if app.Notifier == nil || cli.Notifier == nil {
		t.Error("Notifier not wired from config")
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "execution:\n  mode: parallel\n")

	_, err := NewApp(root)
	if err == nil || !strings.Contains(err.Error(), "execution.mode") {
		t.Errorf("NewApp() error = %v, want execution.mode validation error", err)
	}
}

func TestNewApp_MissingWorkflowFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "execution:\n  workflow_file: workflow.yaml\n")

	_, err := NewApp(root)
	if err == nil || !strings.Contains(err.Error(), "loading workflow file") {
		t.Errorf("NewApp() error = %v", err)
	}
}

func TestNewApp_WorkflowFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "execution:\n  workflow_file: workflow.yaml\n")
	wf := "phases:\n  - name: build\n  - name: validate\n"
	if err := os.WriteFile(filepath.Join(root, "workflow.yaml"), []byte(wf), 0o600); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(t, root)
	if app.Runner.Mode() != models.ModePhased {
		t.Errorf("runner mode = %s, want phased", app.Runner.Mode())
	}
}

func TestNewApp_FlatRunEndToEnd(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	root := t.TempDir()
	writeConfig(t, root, "execution:\n  mode: flat\ngates:\n  enabled: false\nagents:\n  default:\n    command: "+truePath+"\n")

	app := newTestApp(t, root)
	if app.Runner.Mode() != models.ModeFlat {
		t.Fatalf("runner mode = %s, want flat", app.Runner.Mode())
	}
	if err := app.Store.Init(); err != nil {
		t.Fatal(err)
	}
	sp, err := app.Store.CreateSprint(models.CreateSprintOpts{Goal: "Tokenizer", Tasks: []models.Task{{Name: "lex"}, {Name: "parse"}}})
	if err != nil {
		t.Fatal(err)
	}

	res, err := app.Runner.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || !res.StoppedAtReview || res.StepsCompleted != 2 {
		t.Errorf("result = %+v", res)
	}

	got, err := app.Store.GetSprint(sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SprintReview {
		t.Errorf("status = %s, want review", got.Status)
	}

	runs, err := app.Ledger.ListRuns(context.Background(), sp.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != res.RunID || runs[0].FinishedAt == nil {
		t.Errorf("ledger runs = %+v", runs)
	}

	m, err := app.MetricsCalc.Calculate(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if m.RunsStarted != 1 || m.StepsCompleted != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestNewApp_PhasedRunWithDefaultGates(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	root := t.TempDir()
	writeConfig(t, root, "agents:\n  default:\n    command: "+truePath+"\n")

	app := newTestApp(t, root)
	if !app.Config.Gates.Enabled || !app.Config.Gates.StepOrdering {
		t.Fatalf("gates = %+v, want the defaults", app.Config.Gates)
	}
	if err := app.Store.Init(); err != nil {
		t.Fatal(err)
	}
	sp, err := app.Store.CreateSprint(models.CreateSprintOpts{Goal: "Tokenizer", Tasks: []models.Task{{Name: "lex"}, {Name: "parse"}, {Name: "emit"}}})
	if err != nil {
		t.Fatal(err)
	}

	res, err := app.Runner.Run(context.Background(), sp.ID, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || !res.StoppedAtReview || len(res.PhaseResults) != 4 {
		t.Errorf("result = %+v", res)
	}
	got, err := app.Store.GetSprint(sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SprintReview {
		t.Errorf("status = %s, want review", got.Status)
	}
}

func TestAppClose_Nil(t *testing.T) {
	app := &App{}
	if err := app.Close(); err != nil {
		t.Errorf("Close() on empty App = %v", err)
	}
}
