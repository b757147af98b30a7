package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// MemoryStore is an in-memory backend with the same lifecycle rules as
// KanbanStore. It is used in tests and for dry runs.
type MemoryStore struct {
	mu          sync.Mutex
	projectName string
	epics       map[string]*models.Epic
	sprints     map[string]*models.Sprint
	phases      map[string][]models.PhaseRecord
	nextEpic    int
	nextSprint  int
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore(projectName string) *MemoryStore {
	return &MemoryStore{
		projectName: projectName,
		epics:       make(map[string]*models.Epic),
		sprints:     make(map[string]*models.Sprint),
		phases:      make(map[string][]models.PhaseRecord),
		nextEpic:    1,
		nextSprint:  1,
		now:         time.Now,
	}
}

func (m *MemoryStore) CreateEpic(title, description string) (*models.Epic, error) {
	if strings.TrimSpace(title) == "" {
		return nil, &workflow.ValidationError{Reason: "epic title is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &models.Epic{
		ID:          workflow.EpicID(m.nextEpic),
		Title:       title,
		Description: description,
		Status:      models.EpicDraft,
		SprintIDs:   []string{},
		Metadata:    map[string]string{"created": formatTime(m.now())},
	}
	m.nextEpic++
	m.epics[e.ID] = e
	return m.view(e), nil
}

func (m *MemoryStore) GetEpic(id string) (*models.Epic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.epic(id)
	if err != nil {
		return nil, err
	}
	return m.view(e), nil
}

func (m *MemoryStore) ListEpics() ([]*models.Epic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Epic, 0, len(m.epics))
	for _, e := range m.epics {
		out = append(out, m.view(e))
	}
	sort.Slice(out, func(i, j int) bool { return idNumber(out[i].ID) < idNumber(out[j].ID) })
	return out, nil
}

func (m *MemoryStore) StartEpic(id string) (*models.Epic, error) {
	return m.setEpicStatus(id, models.EpicActive, "started")
}

func (m *MemoryStore) CompleteEpic(id string) (*models.Epic, error) {
	m.mu.Lock()
	e, err := m.epic(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var open []string
	for _, sid := range e.SprintIDs {
		if !m.sprints[sid].Status.IsTerminal() {
			open = append(open, sid)
		}
	}
	m.mu.Unlock()
	if len(open) > 0 {
		return nil, &workflow.ValidationError{
			Reason: fmt.Sprintf("epic %s has unfinished sprints: %s", e.ID, strings.Join(open, ", ")),
		}
	}
	return m.setEpicStatus(id, models.EpicCompleted, "completed")
}

func (m *MemoryStore) ArchiveEpic(id string) (*models.Epic, error) {
	return m.setEpicStatus(id, "", "archived_at")
}

func (m *MemoryStore) setEpicStatus(id string, status models.EpicStatus, stampKey string) (*models.Epic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.epic(id)
	if err != nil {
		return nil, err
	}
	if status != "" {
		e.Status = status
	}
	e.Metadata[stampKey] = formatTime(m.now())
	return m.view(e), nil
}

func (m *MemoryStore) CreateSprint(opts models.CreateSprintOpts) (*models.Sprint, error) {
	if strings.TrimSpace(opts.Goal) == "" {
		return nil, &workflow.ValidationError{Reason: "sprint goal is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var epic *models.Epic
	if opts.EpicID != "" {
		e, err := m.epic(opts.EpicID)
		if err != nil {
			return nil, err
		}
		epic = e
	}
	deps := make([]string, 0, len(opts.Dependencies))
	for _, d := range opts.Dependencies {
		id, err := workflow.NormalizeSprintID(d)
		if err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}

	status := models.SprintTodo
	if opts.Backlog {
		status = models.SprintBacklog
	}
	sp := &models.Sprint{
		ID:           workflow.SprintID(m.nextSprint),
		Goal:         opts.Goal,
		Type:         opts.Type,
		Status:       status,
		Tasks:        append([]models.Task(nil), opts.Tasks...),
		Dependencies: deps,
		Deliverables: append([]string(nil), opts.Deliverables...),
		Metadata:     map[string]string{"created": formatTime(m.now())},
	}
	m.nextSprint++
	if epic != nil {
		sp.EpicID = epic.ID
		epic.SprintIDs = append(epic.SprintIDs, sp.ID)
	}
	m.sprints[sp.ID] = sp
	return cloneSprint(sp), nil
}

func (m *MemoryStore) GetSprint(id string) (*models.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.sprint(id)
	if err != nil {
		return nil, err
	}
	return cloneSprint(sp), nil
}

func (m *MemoryStore) ListSprints(epicID string) ([]*models.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epicID != "" {
		e, err := m.epic(epicID)
		if err != nil {
			return nil, err
		}
		epicID = e.ID
	}
	var out []*models.Sprint
	for _, sp := range m.sprints {
		if epicID == "" || sp.EpicID == epicID {
			out = append(out, cloneSprint(sp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return idNumber(out[i].ID) < idNumber(out[j].ID) })
	return out, nil
}

func (m *MemoryStore) UpdateSprint(id string, fields map[string]string) (*models.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.sprint(id)
	if err != nil {
		return nil, err
	}
	if _, ok := fields["status"]; ok {
		return nil, &workflow.ValidationError{SprintID: sp.ID, Reason: "status changes must use a lifecycle operation"}
	}
	if sp.Metadata == nil {
		sp.Metadata = make(map[string]string)
	}
	for k, v := range fields {
		sp.Metadata[k] = v
		if k == "title" {
			sp.Goal = v
		}
	}
	return cloneSprint(sp), nil
}

func (m *MemoryStore) StartSprint(id string) (*models.Sprint, error) {
	return m.change(id, models.SprintInProgress, "", func(sp *models.Sprint, now time.Time) error {
		materializeSteps(sp)
		startNextStep(sp, now)
		sp.Metadata["started"] = formatTime(now)
		return nil
	})
}

func (m *MemoryStore) AdvanceStep(id string, output map[string]any) (*models.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.sprint(id)
	if err != nil {
		return nil, err
	}
	if err := advanceCurrentStep(sp, output, m.now()); err != nil {
		return nil, err
	}
	return cloneSprint(sp), nil
}

func (m *MemoryStore) CompleteSprint(id string) (*models.Sprint, error) {
	return m.change(id, models.SprintDone, "", func(sp *models.Sprint, now time.Time) error {
		if err := requireStepsFinished(sp, "complete sprint"); err != nil {
			return err
		}
		sp.Metadata["completed"] = formatTime(now)
		return nil
	})
}

func (m *MemoryStore) BlockSprint(id, reason string) (*models.Sprint, error) {
	return m.change(id, models.SprintBlocked, reason, func(sp *models.Sprint, now time.Time) error {
		sp.Metadata["blocked_at"] = formatTime(now)
		sp.Metadata["blocker"] = reason
		return nil
	})
}

func (m *MemoryStore) MoveToReview(id string) (*models.Sprint, error) {
	return m.change(id, models.SprintReview, "", func(sp *models.Sprint, _ time.Time) error {
		return requireStepsFinished(sp, "move to review")
	})
}

func (m *MemoryStore) RejectSprint(id, reason string) (*models.Sprint, error) {
	return m.change(id, models.SprintInProgress, reason, func(sp *models.Sprint, now time.Time) error {
		if err := requireFrom(sp, models.SprintReview, models.SprintInProgress); err != nil {
			return err
		}
		sp.Metadata["rejection_reason"] = reason
		sp.Metadata["rejected_at"] = formatTime(now)
		return nil
	})
}

func (m *MemoryStore) ResumeSprint(id string) (*models.Sprint, error) {
	return m.change(id, models.SprintInProgress, "resumed", func(sp *models.Sprint, now time.Time) error {
		if err := requireFrom(sp, models.SprintBlocked, models.SprintInProgress); err != nil {
			return err
		}
		sp.Metadata["previous_blocker"] = sp.Metadata["blocker"]
		sp.Metadata["resumed_at"] = formatTime(now)
		delete(sp.Metadata, "blocker")
		startNextStep(sp, now)
		return nil
	})
}

func (m *MemoryStore) AbandonSprint(id, reason string) (*models.Sprint, error) {
	return m.change(id, models.SprintAbandoned, reason, func(sp *models.Sprint, now time.Time) error {
		sp.Metadata["aborted_at"] = formatTime(now)
		sp.Metadata["abort_reason"] = reason
		return nil
	})
}

func (m *MemoryStore) ArchiveSprint(id string) (*models.Sprint, error) {
	return m.change(id, models.SprintArchived, "", func(sp *models.Sprint, now time.Time) error {
		sp.Metadata["archived_at"] = formatTime(now)
		return nil
	})
}

func (m *MemoryStore) RecordPhase(id string, rec models.PhaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.sprint(id)
	if err != nil {
		return err
	}
	records := m.phases[sp.ID]
	for i := range records {
		if records[i].Phase == rec.Phase {
			records[i] = rec
			return nil
		}
	}
	m.phases[sp.ID] = append(records, rec)
	return nil
}

func (m *MemoryStore) PhaseRecords(id string) ([]models.PhaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.sprint(id)
	if err != nil {
		return nil, err
	}
	return append([]models.PhaseRecord(nil), m.phases[sp.ID]...), nil
}

func (m *MemoryStore) ProjectState() (*models.ProjectState, error) {
	epics, _ := m.ListEpics()
	sprints, _ := m.ListSprints("")
	return &models.ProjectState{
		ProjectName:    m.projectName,
		Epics:          epics,
		Sprints:        sprints,
		ActiveSprintID: activeSprintID(sprints),
	}, nil
}

func (m *MemoryStore) StatusSummary() (*models.StatusSummary, error) {
	epics, _ := m.ListEpics()
	sprints, _ := m.ListSprints("")
	return summarize(m.projectName, epics, sprints), nil
}

func (m *MemoryStore) StepStatus(id string) (*models.StepStatusSummary, error) {
	sp, err := m.GetSprint(id)
	if err != nil {
		return nil, err
	}
	return models.SummarizeSteps(sp), nil
}

// view copies e with its status derived from member sprints the same way
// the scanner derives it. Callers hold m.mu.
func (m *MemoryStore) view(e *models.Epic) *models.Epic {
	c := cloneEpic(e)
	if len(e.SprintIDs) == 0 {
		return c
	}
	allTerminal, started := true, false
	for _, id := range e.SprintIDs {
		st := m.sprints[id].Status
		if !st.IsTerminal() {
			allTerminal = false
		}
		if st != models.SprintTodo && st != models.SprintBacklog {
			started = true
		}
	}
	switch {
	case allTerminal:
		c.Status = models.EpicCompleted
	case started:
		c.Status = models.EpicActive
	default:
		c.Status = models.EpicDraft
	}
	return c
}

func (m *MemoryStore) change(id string, to models.SprintStatus, reason string, edit func(*models.Sprint, time.Time) error) (*models.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.sprint(id)
	if err != nil {
		return nil, err
	}
	if to == models.SprintAbandoned {
		err = checkAbandon(sp)
	} else {
		err = workflow.ValidateTransition(sp.ID, sp.Status, to)
	}
	if err != nil {
		return nil, err
	}
	work := cloneSprint(sp)
	if work.Metadata == nil {
		work.Metadata = make(map[string]string)
	}
	now := m.now()
	if err := edit(work, now); err != nil {
		return nil, err
	}
	recordTransition(work, to, reason, now)
	m.sprints[sp.ID] = work
	return cloneSprint(work), nil
}

func (m *MemoryStore) sprint(id string) (*models.Sprint, error) {
	sid, err := workflow.NormalizeSprintID(id)
	if err != nil {
		return nil, err
	}
	sp, ok := m.sprints[sid]
	if !ok {
		return nil, &workflow.NotFoundError{Kind: "sprint", ID: sid}
	}
	return sp, nil
}

func (m *MemoryStore) epic(id string) (*models.Epic, error) {
	eid, err := workflow.NormalizeEpicID(id)
	if err != nil {
		return nil, err
	}
	e, ok := m.epics[eid]
	if !ok {
		return nil, &workflow.NotFoundError{Kind: "epic", ID: eid}
	}
	return e, nil
}
