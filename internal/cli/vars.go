package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/observability"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// RunHistory lists recorded runs. storage.RunLedger implements it.
type RunHistory interface {
	ListRuns(ctx context.Context, sprintID string, limit int) ([]models.RunRecord, error)
	Attempts(ctx context.Context, runID string) ([]models.StepAttempt, error)
}

// Initializer prepares an empty project tree. storage.KanbanStore and
// storage.Notes implement it.
type Initializer interface {
	Init() error
}

// Package-level service instances, set during app initialization in app.go.
var (
	ProjectRoot  string
	Config       *models.ProjectConfig
	Backend      core.Backend
	Runner       *core.Runner
	Runs         RunHistory
	Board        BoardSource
	Initializers []Initializer

	// Lock takes the project lock for mutating commands. Nil runs unlocked.
	Lock func() (func() error, error)
)

// Observability service instances, set during app initialization in app.go.
var (
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
)

// LogLevel gates the runner's slog handler; --verbose lowers it to debug.
var LogLevel = func() *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	return lv
}()

func requireBackend() error {
	if Backend == nil {
		return fmt.Errorf("backend not initialized")
	}
	return nil
}

// withLock runs fn while holding the project lock.
func withLock(fn func() error) error {
	if Lock == nil {
		return fn()
	}
	unlock, err := Lock()
	if err != nil {
		return fmt.Errorf("locking project: %w", err)
	}
	defer func() { _ = unlock() }()
	return fn()
}
