package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// KanbanStore persists epics and sprints as markdown documents in a column
// directory tree. The tree is the database: every read walks it afresh and
// every status change rewrites metadata and moves the entry on disk.
type KanbanStore struct {
	root    string
	scanner *Scanner
	state   stateFiles
	now     func() time.Time
}

// NewKanbanStore creates a store rooted at kanbanDir with sprint state files
// kept in stateDir.
func NewKanbanStore(kanbanDir, stateDir string) *KanbanStore {
	return &KanbanStore{
		root:    kanbanDir,
		scanner: NewScanner(kanbanDir, stateDir),
		state:   stateFiles{dir: stateDir},
		now:     time.Now,
	}
}

// KanbanDir returns the root of the column tree.
func (s *KanbanStore) KanbanDir() string { return s.root }

// Scanner returns the read-only scanner over the same tree.
func (s *KanbanStore) Scanner() *Scanner { return s.scanner }

// Init creates the column directories.
func (s *KanbanStore) Init() error {
	for _, col := range Columns {
		if err := os.MkdirAll(filepath.Join(s.root, col), 0o750); err != nil {
			return fmt.Errorf("creating column %s: %w", col, err)
		}
	}
	return nil
}

// --- Epics ---

// CreateEpic writes a new epic directory in the todo column.
func (s *KanbanStore) CreateEpic(title, description string) (*models.Epic, error) {
	if strings.TrimSpace(title) == "" {
		return nil, &workflow.ValidationError{Reason: "epic title is required"}
	}
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	num, _ := NextNumbers(snap)
	now := s.now()
	dir := filepath.Join(s.root, ColTodo, epicDirName(num, Slugify(title)))
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("creating epic %s: target already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating epic directory: %w", err)
	}

	meta := &FrontMatter{}
	meta.Set("epic", strconv.Itoa(num))
	meta.Set("title", title)
	meta.Set("status", string(models.EpicDraft))
	meta.Set("created", formatTime(now))
	meta.SetNull("started")
	meta.SetNull("completed")
	meta.AppendHistory(ColTodo, formatTime(now))
	doc := &Document{Meta: meta, Body: renderEpicBody(num, title, description)}
	if err := writeDocument(filepath.Join(dir, epicMetaFile), doc); err != nil {
		return nil, err
	}
	return s.GetEpic(workflow.EpicID(num))
}

// GetEpic returns the epic with its member sprint ids.
func (s *KanbanStore) GetEpic(id string) (*models.Epic, error) {
	_, rec, err := s.loadEpic(id)
	if err != nil {
		return nil, err
	}
	return rec.epic, nil
}

// ListEpics returns every epic ordered by number.
func (s *KanbanStore) ListEpics() ([]*models.Epic, error) {
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	return snap.Epics, nil
}

// StartEpic moves an epic to the in-progress column.
func (s *KanbanStore) StartEpic(id string) (*models.Epic, error) {
	return s.moveEpic(id, ColInProgress, func(meta *FrontMatter, now string) error {
		meta.Set("status", string(models.EpicActive))
		meta.Set("started", now)
		return nil
	})
}

// CompleteEpic moves an epic to the done column once all its sprints are terminal.
func (s *KanbanStore) CompleteEpic(id string) (*models.Epic, error) {
	snap, rec, err := s.loadEpic(id)
	if err != nil {
		return nil, err
	}
	var open []string
	for _, sid := range rec.epic.SprintIDs {
		if sp, _ := snap.Sprint(sid); !sp.Status.IsTerminal() {
			open = append(open, sid)
		}
	}
	if len(open) > 0 {
		return nil, &workflow.ValidationError{
			Reason: fmt.Sprintf("epic %s has unfinished sprints: %s", rec.epic.ID, strings.Join(open, ", ")),
		}
	}
	return s.moveEpic(id, ColDone, func(meta *FrontMatter, now string) error {
		meta.Set("status", string(models.EpicCompleted))
		meta.Set("completed", now)
		return nil
	})
}

// ArchiveEpic moves an epic to the archived column.
func (s *KanbanStore) ArchiveEpic(id string) (*models.Epic, error) {
	return s.moveEpic(id, ColArchived, func(meta *FrontMatter, now string) error {
		meta.Set("archived_at", now)
		return nil
	})
}

func (s *KanbanStore) moveEpic(id, col string, edit func(*FrontMatter, string) error) (*models.Epic, error) {
	_, rec, err := s.loadEpic(id)
	if err != nil {
		return nil, err
	}
	now := formatTime(s.now())
	if err := edit(rec.doc.Meta, now); err != nil {
		return nil, err
	}
	rec.doc.Meta.AppendHistory(col, now)
	if err := writeDocument(filepath.Join(rec.dir, epicMetaFile), rec.doc); err != nil {
		return nil, err
	}
	if err := moveEntry(rec.dir, filepath.Join(s.root, col, filepath.Base(rec.dir))); err != nil {
		return nil, fmt.Errorf("moving epic %s: %w", rec.epic.ID, err)
	}
	return s.GetEpic(rec.epic.ID)
}

func (s *KanbanStore) loadEpic(id string) (*Snapshot, *epicRecord, error) {
	eid, err := workflow.NormalizeEpicID(id)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, nil, err
	}
	rec, ok := snap.epics[eid]
	if !ok {
		return nil, nil, &workflow.NotFoundError{Kind: "epic", ID: eid}
	}
	return snap, rec, nil
}

// --- Sprints ---

// CreateSprint writes a new sprint, nested in its epic when one is given
// and standalone in the todo (or backlog) column otherwise.
func (s *KanbanStore) CreateSprint(opts models.CreateSprintOpts) (*models.Sprint, error) {
	if strings.TrimSpace(opts.Goal) == "" {
		return nil, &workflow.ValidationError{Reason: "sprint goal is required"}
	}
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	_, num := NextNumbers(snap)

	status := models.SprintTodo
	col := ColTodo
	if opts.Backlog {
		status = models.SprintBacklog
		col = ColBacklog
	}
	parent := filepath.Join(s.root, col)
	epicNum := 0
	if opts.EpicID != "" {
		eid, err := workflow.NormalizeEpicID(opts.EpicID)
		if err != nil {
			return nil, err
		}
		erec, ok := snap.epics[eid]
		if !ok {
			return nil, &workflow.NotFoundError{Kind: "epic", ID: eid}
		}
		parent = erec.dir
		col = erec.column
		epicNum = erec.number
	}

	deps := make([]string, 0, len(opts.Dependencies))
	for _, d := range opts.Dependencies {
		id, err := workflow.NormalizeSprintID(d)
		if err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}

	name := sprintName{Number: num, Slug: sprintSlug(opts.Goal)}
	dir := filepath.Join(parent, name.String())
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("creating sprint %s: target already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating sprint directory: %w", err)
	}

	now := formatTime(s.now())
	meta := &FrontMatter{}
	meta.Set("sprint", strconv.Itoa(num))
	meta.Set("title", opts.Goal)
	if opts.Type != "" {
		meta.Set("type", opts.Type)
	} else {
		meta.SetNull("type")
	}
	if epicNum > 0 {
		meta.Set("epic", strconv.Itoa(epicNum))
	} else {
		meta.SetNull("epic")
	}
	meta.Set("status", string(status))
	meta.Set("created", now)
	meta.SetNull("started")
	meta.SetNull("completed")
	if len(deps) > 0 {
		meta.Set("dependencies", strings.Join(deps, ", "))
	}
	meta.AppendHistory(col, now)

	doc := &Document{Meta: meta, Body: renderSprintBody(num, opts.Goal, opts.Tasks, opts.Deliverables)}
	if err := writeDocument(filepath.Join(dir, name.String()+".md"), doc); err != nil {
		return nil, err
	}
	return s.GetSprint(workflow.SprintID(num))
}

// GetSprint returns the sprint with steps and transitions from its state file.
func (s *KanbanStore) GetSprint(id string) (*models.Sprint, error) {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return nil, err
	}
	return rec.sprint, nil
}

// ListSprints returns the sprints of one epic, or all sprints when epicID is empty.
func (s *KanbanStore) ListSprints(epicID string) ([]*models.Sprint, error) {
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	if epicID == "" {
		return snap.Sprints, nil
	}
	eid, err := workflow.NormalizeEpicID(epicID)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.epics[eid]; !ok {
		return nil, &workflow.NotFoundError{Kind: "epic", ID: eid}
	}
	var out []*models.Sprint
	for _, sp := range snap.Sprints {
		if sp.EpicID == eid {
			out = append(out, sp)
		}
	}
	return out, nil
}

// UpdateSprint rewrites metadata fields in place. Status is changed only
// through the lifecycle operations.
func (s *KanbanStore) UpdateSprint(id string, fields map[string]string) (*models.Sprint, error) {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return nil, err
	}
	if _, ok := fields["status"]; ok {
		return nil, &workflow.ValidationError{SprintID: rec.sprint.ID, Reason: "status changes must use a lifecycle operation"}
	}
	for k, v := range fields {
		if k == "history" {
			return nil, &workflow.ValidationError{SprintID: rec.sprint.ID, Reason: "history is managed by the store"}
		}
		rec.doc.Meta.Set(k, v)
	}
	if err := writeDocument(rec.path, rec.doc); err != nil {
		return nil, err
	}
	return s.GetSprint(rec.sprint.ID)
}

// StartSprint moves a todo sprint to in progress and starts its first step.
func (s *KanbanStore) StartSprint(id string) (*models.Sprint, error) {
	return s.change(id, models.SprintInProgress, "", func(rec *sprintRecord, st *SprintState, now time.Time) error {
		materializeSteps(rec.sprint)
		startNextStep(rec.sprint, now)
		rec.doc.Meta.Set("started", formatTime(now))
		t := now
		st.StartedAt = &t
		return nil
	})
}

// AdvanceStep completes the step in progress and starts the next one.
func (s *KanbanStore) AdvanceStep(id string, output map[string]any) (*models.Sprint, error) {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return nil, err
	}
	if err := advanceCurrentStep(rec.sprint, output, s.now()); err != nil {
		return nil, err
	}
	st := s.stateFor(rec)
	st.syncSteps(rec.sprint)
	if err := s.state.write(rec.name.Number, st); err != nil {
		return nil, err
	}
	return s.GetSprint(rec.sprint.ID)
}

// CompleteSprint marks the sprint done once every step is done or skipped.
func (s *KanbanStore) CompleteSprint(id string) (*models.Sprint, error) {
	return s.change(id, models.SprintDone, "", func(rec *sprintRecord, st *SprintState, now time.Time) error {
		if err := requireStepsFinished(rec.sprint, "complete sprint"); err != nil {
			return err
		}
		meta := rec.doc.Meta
		meta.Set("completed", formatTime(now))
		if h, ok := hoursBetween(meta.Value("started"), now); ok {
			meta.Set("hours", strconv.FormatFloat(h, 'f', 1, 64))
		}
		t := now
		st.CompletedAt = &t
		return nil
	})
}

// BlockSprint pauses an in-progress sprint with a reason.
func (s *KanbanStore) BlockSprint(id, reason string) (*models.Sprint, error) {
	return s.change(id, models.SprintBlocked, reason, func(rec *sprintRecord, st *SprintState, now time.Time) error {
		rec.doc.Meta.Set("blocked_at", formatTime(now))
		rec.doc.Meta.Set("blocker", reason)
		st.Blocker = reason
		return nil
	})
}

// MoveToReview hands a sprint with all steps finished over for review.
func (s *KanbanStore) MoveToReview(id string) (*models.Sprint, error) {
	return s.change(id, models.SprintReview, "", func(rec *sprintRecord, _ *SprintState, _ time.Time) error {
		return requireStepsFinished(rec.sprint, "move to review")
	})
}

// RejectSprint sends a sprint in review back to in progress.
func (s *KanbanStore) RejectSprint(id, reason string) (*models.Sprint, error) {
	return s.change(id, models.SprintInProgress, reason, func(rec *sprintRecord, st *SprintState, now time.Time) error {
		if err := requireFrom(rec.sprint, models.SprintReview, models.SprintInProgress); err != nil {
			return err
		}
		rec.doc.Meta.Set("rejection_reason", reason)
		rec.doc.Meta.Set("rejected_at", formatTime(now))
		st.RejectionReason = reason
		st.RejectionHistory = append(st.RejectionHistory, Rejection{Reason: reason, Timestamp: now})
		return nil
	})
}

// ResumeSprint moves a blocked sprint back to in progress and restarts the
// first unfinished step.
func (s *KanbanStore) ResumeSprint(id string) (*models.Sprint, error) {
	return s.change(id, models.SprintInProgress, "resumed", func(rec *sprintRecord, st *SprintState, now time.Time) error {
		if err := requireFrom(rec.sprint, models.SprintBlocked, models.SprintInProgress); err != nil {
			return err
		}
		meta := rec.doc.Meta
		blocker := meta.Value("blocker")
		if blocker == "" {
			blocker = st.Blocker
		}
		meta.Set("resumed_at", formatTime(now))
		meta.Set("previous_blocker", blocker)
		meta.SetNull("blocker")
		st.PreviousBlocker = blocker
		st.Blocker = ""
		t := now
		st.ResumedAt = &t
		startNextStep(rec.sprint, now)
		return nil
	})
}

// AbandonSprint cancels a sprint that never started.
func (s *KanbanStore) AbandonSprint(id, reason string) (*models.Sprint, error) {
	return s.change(id, models.SprintAbandoned, reason, func(rec *sprintRecord, st *SprintState, now time.Time) error {
		rec.doc.Meta.Set("aborted_at", formatTime(now))
		rec.doc.Meta.Set("abort_reason", reason)
		st.AbortReason = reason
		return nil
	})
}

// ArchiveSprint moves a done or abandoned sprint to the archive.
func (s *KanbanStore) ArchiveSprint(id string) (*models.Sprint, error) {
	return s.change(id, models.SprintArchived, "", func(rec *sprintRecord, _ *SprintState, now time.Time) error {
		rec.doc.Meta.Set("archived_at", formatTime(now))
		return nil
	})
}

// RecordPhase stores the outcome of an execution phase in the state file.
func (s *KanbanStore) RecordPhase(id string, phase models.PhaseRecord) error {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return err
	}
	st := s.stateFor(rec)
	st.recordPhase(phase)
	return s.state.write(rec.name.Number, st)
}

// PhaseRecords returns the recorded phase outcomes in the order they ran.
func (s *KanbanStore) PhaseRecords(id string) ([]models.PhaseRecord, error) {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return nil, err
	}
	if rec.state == nil {
		return nil, nil
	}
	return rec.state.Phases, nil
}

// State returns the raw state file contents, or nil when none exists yet.
func (s *KanbanStore) State(id string) (*SprintState, error) {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return nil, err
	}
	return rec.state, nil
}

// --- Summaries ---

// ProjectState returns every epic and sprint.
func (s *KanbanStore) ProjectState() (*models.ProjectState, error) {
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	return &models.ProjectState{
		ProjectName:    s.projectName(),
		Epics:          snap.Epics,
		Sprints:        snap.Sprints,
		ActiveSprintID: activeSprintID(snap.Sprints),
	}, nil
}

// StatusSummary returns sprint counts across the project.
func (s *KanbanStore) StatusSummary() (*models.StatusSummary, error) {
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	return summarize(s.projectName(), snap.Epics, snap.Sprints), nil
}

// StepStatus returns step progress for one sprint.
func (s *KanbanStore) StepStatus(id string) (*models.StepStatusSummary, error) {
	sp, err := s.GetSprint(id)
	if err != nil {
		return nil, err
	}
	return models.SummarizeSteps(sp), nil
}

func (s *KanbanStore) projectName() string {
	abs, err := filepath.Abs(s.root)
	if err != nil {
		return filepath.Base(filepath.Dir(s.root))
	}
	return filepath.Base(filepath.Dir(abs))
}

// --- internals ---

func (s *KanbanStore) loadSprint(id string) (*Snapshot, *sprintRecord, error) {
	sid, err := workflow.NormalizeSprintID(id)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.scanner.Scan()
	if err != nil {
		return nil, nil, err
	}
	rec, ok := snap.sprints[sid]
	if !ok {
		return nil, nil, &workflow.NotFoundError{Kind: "sprint", ID: sid}
	}
	return snap, rec, nil
}

func (s *KanbanStore) stateFor(rec *sprintRecord) *SprintState {
	if rec.state != nil {
		return rec.state
	}
	return &SprintState{SprintID: rec.sprint.ID, Status: rec.sprint.Status}
}

// change runs one status-changing operation: validate the transition, let
// edit adjust metadata and state, append the transition and history entry,
// persist both files and relocate the entry.
func (s *KanbanStore) change(id string, to models.SprintStatus, reason string, edit func(*sprintRecord, *SprintState, time.Time) error) (*models.Sprint, error) {
	_, rec, err := s.loadSprint(id)
	if err != nil {
		return nil, err
	}
	sp := rec.sprint
	if to == models.SprintAbandoned {
		err = checkAbandon(sp)
	} else {
		err = workflow.ValidateTransition(sp.ID, sp.Status, to)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	st := s.stateFor(rec)
	if err := edit(rec, st, now); err != nil {
		return nil, err
	}
	recordTransition(sp, to, reason, now)
	st.syncSteps(sp)

	meta := rec.doc.Meta
	meta.Set("status", string(to))
	meta.AppendHistory(s.targetColumn(rec, to), formatTime(now))

	if err := writeDocument(rec.path, rec.doc); err != nil {
		return nil, err
	}
	if err := s.state.write(rec.name.Number, st); err != nil {
		return nil, err
	}
	if err := s.relocate(rec, to); err != nil {
		return nil, fmt.Errorf("relocating sprint %s: %w", sp.ID, err)
	}
	return s.GetSprint(sp.ID)
}

// targetColumn is the column the sprint's entry ends up in after moving to status to.
func (s *KanbanStore) targetColumn(rec *sprintRecord, to models.SprintStatus) string {
	if rec.epicDir == "" || movesEpic(to) {
		return ColumnForStatus(to)
	}
	return rec.column
}

// movesEpic reports whether a nested sprint entering status to drags its
// epic directory along. Terminal and blocked states are carried by the
// name marker instead so sibling sprints are not moved.
func movesEpic(to models.SprintStatus) bool {
	return to == models.SprintInProgress || to == models.SprintReview
}

func (s *KanbanStore) relocate(rec *sprintRecord, to models.SprintStatus) error {
	entry := rec.path
	if rec.dir != "" {
		entry = rec.dir
	}
	parent := filepath.Dir(entry)
	switch {
	case rec.epicDir == "":
		parent = filepath.Join(s.root, ColumnForStatus(to))
	case movesEpic(to):
		newEpic := filepath.Join(s.root, ColumnForStatus(to), filepath.Base(rec.epicDir))
		if err := moveEntry(rec.epicDir, newEpic); err != nil {
			return err
		}
		parent = newEpic
	}
	current := filepath.Join(parent, filepath.Base(entry))
	if rec.epicDir == "" {
		current = entry
	}

	name := rec.name.withMarker(markerForStatus(to))
	if rec.dir == "" {
		return moveEntry(current, filepath.Join(parent, name.String()+".md"))
	}
	newDir := filepath.Join(parent, name.String())
	if err := moveEntry(current, newDir); err != nil {
		return err
	}
	if filepath.Base(rec.path) != filepath.Base(rec.dir)+".md" {
		return nil
	}
	return moveEntry(filepath.Join(newDir, filepath.Base(rec.path)), filepath.Join(newDir, name.String()+".md"))
}

// moveEntry renames from to to. Moving onto itself does nothing; an
// existing target is an error.
func moveEntry(from, to string) error {
	if from == to {
		return nil
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("target already exists: %s", to)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", to, err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(to), err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("moving %s: %w", from, err)
	}
	return nil
}

func writeDocument(path string, doc *Document) error {
	if err := os.WriteFile(path, []byte(doc.String()), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
