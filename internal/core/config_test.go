package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// --- Helper ---

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// --- LoadConfig tests ---

func TestLoadConfig_Defaults_WhenNoFile(t *testing.T) {
	cfg, err := NewConfigurationManager(t.TempDir()).LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.KanbanDir != "kanban" {
		t.Errorf("KanbanDir = %q, want %q", cfg.KanbanDir, "kanban")
	}
	if cfg.StateDir != ".claude" {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, ".claude")
	}
	if cfg.Execution.Mode != models.ModePhased {
		t.Errorf("Mode = %q, want %q", cfg.Execution.Mode, models.ModePhased)
	}
	if cfg.Execution.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Execution.MaxRetries)
	}
	if !cfg.Gates.Enabled || !cfg.Gates.Coverage || cfg.Gates.QualityReview {
		t.Errorf("Gates = %+v", cfg.Gates)
	}
	if cfg.Gates.CoverageThresholds["backend"] != 85 {
		t.Errorf("backend threshold = %v, want 85", cfg.Gates.CoverageThresholds["backend"])
	}
	if cfg.Alerts.BlockedHours != 24 {
		t.Errorf("BlockedHours = %d, want 24", cfg.Alerts.BlockedHours)
	}
}

func TestLoadConfig_ReadsMaestroYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ConfigFileName, `
kanban_dir: board
execution:
  mode: flat
  max_retries: 4
  retry_delay: 2s
  workflow_file: workflow.yaml
gates:
  quality_review: true
  default_coverage: 65
  coverage_thresholds:
    backend: 90
    mobile: 50
agents:
  implement:
    command: ./bin/implementer
    args: ["--fast"]
    timeout: 10m
alerts:
  review_days: 2
notifications:
  slack:
    webhook_url: https://hooks.slack.com/services/T/B/X
`)

	cfg, err := NewConfigurationManager(dir).LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.KanbanDir != "board" {
		t.Errorf("KanbanDir = %q, want board", cfg.KanbanDir)
	}
	if cfg.StateDir != ".claude" {
		t.Errorf("StateDir = %q, want default", cfg.StateDir)
	}
	if cfg.Execution.Mode != models.ModeFlat || cfg.Execution.MaxRetries != 4 {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if cfg.Execution.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay = %v, want 2s", cfg.Execution.RetryDelay)
	}
	if cfg.Execution.WorkflowFile != "workflow.yaml" {
		t.Errorf("WorkflowFile = %q", cfg.Execution.WorkflowFile)
	}
	if !cfg.Gates.QualityReview || !cfg.Gates.StepOrdering {
		t.Errorf("Gates = %+v", cfg.Gates)
	}
	if cfg.Gates.DefaultCoverage != 65 {
		t.Errorf("DefaultCoverage = %v, want 65", cfg.Gates.DefaultCoverage)
	}

	thresholds := cfg.Gates.CoverageThresholds
	if thresholds["backend"] != 90 || thresholds["mobile"] != 50 || thresholds["frontend"] != 70 {
		t.Errorf("thresholds = %v", thresholds)
	}

	impl, ok := cfg.Agents["implement"]
	if !ok {
		t.Fatal("implement agent missing")
	}
	if impl.Command != "./bin/implementer" || len(impl.Args) != 1 || impl.Timeout != 10*time.Minute {
		t.Errorf("implement agent = %+v", impl)
	}
	if cfg.Alerts.ReviewDays != 2 || cfg.Alerts.StaleDays != 3 {
		t.Errorf("Alerts = %+v", cfg.Alerts)
	}
	if cfg.Notifications.Slack.WebhookURL == "" {
		t.Error("slack webhook not read")
	}
}

func TestLoadConfig_InvalidYAML_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ConfigFileName, "execution: [unclosed\n")

	if _, err := NewConfigurationManager(dir).LoadConfig(); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

// --- ValidateConfig tests ---

func TestValidateConfig_Defaults(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	if err := cm.ValidateConfig(DefaultProjectConfig()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateConfig_NilConfig_ReturnsError(t *testing.T) {
	if err := NewConfigurationManager("").ValidateConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestValidateConfig_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultProjectConfig()
	cfg.KanbanDir = ""
	cfg.Execution.Mode = "parallel"
	cfg.Execution.MaxRetries = -1
	cfg.Gates.CoverageThresholds = map[string]float64{"backend": 120}
	cfg.Agents = map[string]models.AgentConfig{"review": {}}

	err := NewConfigurationManager("").ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"kanban_dir must not be empty",
		`execution.mode must be phased or flat, got "parallel"`,
		"execution.max_retries must not be negative",
		"gates.coverage_thresholds.backend must be between 0 and 100",
		"agents.review.command must not be empty",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

// --- FindProjectRoot tests ---

func TestFindProjectRoot_WalksUpToConfig(t *testing.T) {
	t.Setenv(HomeEnvVar, "")
	root := t.TempDir()
	writeFile(t, root, ConfigFileName, "kanban_dir: kanban\n")
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != root {
		t.Errorf("root = %q, want %q", got, root)
	}
}

func TestFindProjectRoot_KanbanDirMarksRoot(t *testing.T) {
	t.Setenv(HomeEnvVar, "")
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "kanban", "0-backlog"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(filepath.Join(root, "kanban", "0-backlog"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != root {
		t.Errorf("root = %q, want %q", got, root)
	}
}

func TestFindProjectRoot_EnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnvVar, home)

	got, err := FindProjectRoot(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != home {
		t.Errorf("root = %q, want %q", got, home)
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/proj", "kanban"); got != filepath.Join("/proj", "kanban") {
		t.Errorf("relative = %q", got)
	}
	if got := ResolvePath("/proj", "/abs/kanban"); got != "/abs/kanban" {
		t.Errorf("absolute = %q", got)
	}
}

// --- LockProject tests ---

func TestLockProject_ReleaseAllowsRelock(t *testing.T) {
	root := t.TempDir()
	unlock, err := LockProject(root)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	unlock, err = LockProject(root)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = unlock()

	if _, err := os.Stat(filepath.Join(root, ".maestro", "lock")); err != nil {
		t.Errorf("lock file missing: %v", err)
	}
}
