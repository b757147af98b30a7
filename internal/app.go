// Package internal provides the App struct that wires all components of
// maestro together and initializes the CLI layer.
package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/cli"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/integration"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/observability"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/storage"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// RunLedgerFile is the SQLite run history, relative to the project root.
const RunLedgerFile = ".maestro/runs.db"

// DefaultAgentKey names the agents entry used for step types without their
// own agent.
const DefaultAgentKey = "default"

// App holds all service dependencies for a maestro project.
type App struct {
	Root   string
	Config *models.ProjectConfig

	// Storage layer
	Store  *storage.KanbanStore
	Notes  *storage.Notes
	Ledger *storage.RunLedger

	// Execution
	Agents *core.AgentRegistry
	Hooks  *core.HookRegistry
	Runner *core.Runner

	// Observability
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
}

// NewApp loads the project configuration under root and wires every
// component. A missing .maestro.yaml yields the defaults; an invalid one is
// an error.
func NewApp(root string) (*App, error) {
	app := &App{Root: root}

	// --- Configuration ---
	cm := core.NewConfigurationManager(root)
	cfg, err := cm.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cm.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	app.Config = cfg

	phases, err := phasesFor(root, cfg.Execution)
	if err != nil {
		return nil, err
	}

	// --- Storage layer ---
	kanbanDir := core.ResolvePath(root, cfg.KanbanDir)
	app.Store = storage.NewKanbanStore(kanbanDir, core.ResolvePath(root, cfg.StateDir))
	app.Notes = storage.NewNotes(kanbanDir)

	// The ledger is optional: a project that cannot open it still runs, it
	// just has no history for `maestro runs`.
	if ledger, err := storage.OpenRunLedger(filepath.Join(root, RunLedgerFile)); err == nil {
		app.Ledger = ledger
	}

	// --- Observability ---
	// Non-fatal: disable observability if the log can't be created.
	if log, err := observability.NewJSONLEventLog(filepath.Join(root, observability.EventLogFile)); err == nil {
		app.EventLog = log
		app.AlertEngine = observability.NewAlertEngine(log, cfg.Alerts)
		app.MetricsCalc = observability.NewMetricsCalculator(log)
	}
	if url := cfg.Notifications.Slack.WebhookURL; url != "" {
		app.Notifier = observability.NewSlackNotifier(url)
	}

	// --- Execution ---
	app.Agents = agentsFromConfig(cfg.Agents, root)
	app.Hooks = core.NewHookRegistry(core.HooksFromConfig(cfg.Gates, app.Agents)...)

	opts := core.RunnerOpts{
		Phases:      phases,
		Hooks:       app.Hooks,
		Notes:       app.Notes,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cli.LogLevel})),
		ProjectRoot: root,
		MaxRetries:  cfg.Execution.MaxRetries,
		RetryDelay:  cfg.Execution.RetryDelay,
	}
	// Assigning a nil *RunLedger to the interface field would make it
	// non-nil, so only set what exists.
	if app.Ledger != nil {
		opts.Ledger = app.Ledger
	}
	if app.EventLog != nil {
		opts.Events = observability.NewEventLogger(app.EventLog)
	}
	app.Runner = core.NewRunner(app.Store, app.Agents, opts)

	// --- Wire CLI package-level variables ---
	cli.ProjectRoot = root
	cli.Config = cfg
	cli.Backend = app.Store
	cli.Board = app.Store.Scanner()
	cli.Runner = app.Runner
	cli.Initializers = []cli.Initializer{app.Store, app.Notes}
	cli.Lock = func() (func() error, error) { return core.LockProject(root) }
	cli.Runs = nil
	if app.Ledger != nil {
		cli.Runs = app.Ledger
	}

	cli.EventLog = app.EventLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	cli.Notifier = app.Notifier

	return app, nil
}

// phasesFor returns the phase configuration for the execution mode. Flat
// mode has none; phased mode reads the workflow file when one is named.
func phasesFor(root string, exec models.ExecutionConfig) ([]core.PhaseConfig, error) {
	if exec.Mode == models.ModeFlat {
		return nil, nil
	}
	if exec.WorkflowFile == "" {
		return core.DefaultPhaseConfigs(), nil
	}
	phases, err := core.LoadWorkflowFile(core.ResolvePath(root, exec.WorkflowFile))
	if err != nil {
		return nil, fmt.Errorf("loading workflow file: %w", err)
	}
	return phases, nil
}

// agentsFromConfig registers one command agent per configured step type.
// The "default" entry handles every type without its own agent.
func agentsFromConfig(agents map[string]models.AgentConfig, dir string) *core.AgentRegistry {
	reg := core.NewAgentRegistry()
	for stepType, ac := range agents {
		agent := integration.NewCommandAgent(ac, dir)
		agent.Stderr = os.Stderr
		if stepType == DefaultAgentKey {
			reg.SetDefault(agent)
			continue
		}
		reg.Register(stepType, agent)
	}
	return reg
}

// Close releases resources held by the App: the run ledger and the event
// log file handle. It is safe to call on an App missing either.
func (a *App) Close() error {
	var errs []error
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	if a.EventLog != nil {
		errs = append(errs, a.EventLog.Close())
	}
	return errors.Join(errs...)
}

// ResolveProjectRoot determines the project root. MAESTRO_HOME wins;
// otherwise the nearest directory holding .maestro.yaml or kanban/ above
// the working directory, falling back to the working directory itself.
func ResolveProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return core.FindProjectRoot(cwd)
}
