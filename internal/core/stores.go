package core

import (
	"context"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// Backend is the durable store for epics and sprints.
// This interface is defined locally in core to avoid importing storage;
// storage.KanbanStore and storage.MemoryStore implement it.
type Backend interface {
	CreateEpic(title, description string) (*models.Epic, error)
	GetEpic(id string) (*models.Epic, error)
	ListEpics() ([]*models.Epic, error)
	StartEpic(id string) (*models.Epic, error)
	CompleteEpic(id string) (*models.Epic, error)
	ArchiveEpic(id string) (*models.Epic, error)

	CreateSprint(opts models.CreateSprintOpts) (*models.Sprint, error)
	GetSprint(id string) (*models.Sprint, error)
	ListSprints(epicID string) ([]*models.Sprint, error)
	UpdateSprint(id string, fields map[string]string) (*models.Sprint, error)

	StartSprint(id string) (*models.Sprint, error)
	AdvanceStep(id string, output map[string]any) (*models.Sprint, error)
	CompleteSprint(id string) (*models.Sprint, error)
	BlockSprint(id, reason string) (*models.Sprint, error)
	MoveToReview(id string) (*models.Sprint, error)
	RejectSprint(id, reason string) (*models.Sprint, error)
	ResumeSprint(id string) (*models.Sprint, error)
	AbandonSprint(id, reason string) (*models.Sprint, error)
	ArchiveSprint(id string) (*models.Sprint, error)

	RecordPhase(id string, rec models.PhaseRecord) error
	PhaseRecords(id string) ([]models.PhaseRecord, error)

	ProjectState() (*models.ProjectState, error)
	StatusSummary() (*models.StatusSummary, error)
	StepStatus(id string) (*models.StepStatusSummary, error)
}

// NotesStore reads and appends the cumulative deferred and postmortem notes.
// This interface is defined locally in core to avoid importing storage.
type NotesStore interface {
	Deferred() (string, error)
	Postmortem() (string, error)
	AppendDeferred(sp *models.Sprint, items []string) error
	AppendPostmortem(sp *models.Sprint, res *models.RunResult) error
}

// RunRecorder persists run history. storage.RunLedger implements it.
type RunRecorder interface {
	StartRun(ctx context.Context, runID, sprintID, mode string, startedAt time.Time) error
	RecordAttempt(ctx context.Context, a models.StepAttempt) error
	FinishRun(ctx context.Context, res *models.RunResult, finishedAt time.Time) error
}
