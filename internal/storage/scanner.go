package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

type epicRecord struct {
	epic   *models.Epic
	number int
	column string
	dir    string
	doc    *Document
}

type sprintRecord struct {
	sprint  *models.Sprint
	name    sprintName
	column  string
	epicDir string
	dir     string
	path    string
	doc     *Document
	state   *SprintState
}

// Snapshot is the full project state as read by one scan.
type Snapshot struct {
	Epics   []*models.Epic
	Sprints []*models.Sprint

	epics   map[string]*epicRecord
	sprints map[string]*sprintRecord
}

// Sprint returns the sprint with the given id.
func (s *Snapshot) Sprint(id string) (*models.Sprint, bool) {
	rec, ok := s.sprints[id]
	if !ok {
		return nil, false
	}
	return rec.sprint, true
}

// Epic returns the epic with the given id.
func (s *Snapshot) Epic(id string) (*models.Epic, bool) {
	rec, ok := s.epics[id]
	if !ok {
		return nil, false
	}
	return rec.epic, true
}

// Scanner derives project state by walking the kanban tree. It holds no
// cache, so every Scan reflects the filesystem at that moment.
type Scanner struct {
	root  string
	state stateFiles
}

// NewScanner returns a scanner over kanbanDir reading state files from stateDir.
func NewScanner(kanbanDir, stateDir string) *Scanner {
	return &Scanner{root: kanbanDir, state: stateFiles{dir: stateDir}}
}

// Scan walks every column directory and returns what it finds.
func (s *Scanner) Scan() (*Snapshot, error) {
	snap := &Snapshot{
		epics:   make(map[string]*epicRecord),
		sprints: make(map[string]*sprintRecord),
	}
	for _, col := range Columns {
		colDir := filepath.Join(s.root, col)
		entries, err := os.ReadDir(colDir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading column %s: %w", col, err)
		}
		for _, e := range entries {
			name := e.Name()
			path := filepath.Join(colDir, name)
			if e.IsDir() {
				if num, _, ok := parseEpicName(name); ok {
					if err := s.scanEpic(snap, col, path, num); err != nil {
						return nil, err
					}
					continue
				}
			}
			if err := s.scanSprintEntry(snap, col, "", path, e.IsDir()); err != nil {
				return nil, err
			}
		}
	}

	for _, rec := range snap.sprints {
		if rec.sprint.EpicID == "" {
			continue
		}
		if erec, ok := snap.epics[rec.sprint.EpicID]; ok {
			erec.epic.SprintIDs = append(erec.epic.SprintIDs, rec.sprint.ID)
		}
	}
	for _, erec := range snap.epics {
		sort.Slice(erec.epic.SprintIDs, func(i, j int) bool {
			return idNumber(erec.epic.SprintIDs[i]) < idNumber(erec.epic.SprintIDs[j])
		})
		erec.epic.Status = deriveEpicStatus(erec, snap)
		snap.Epics = append(snap.Epics, erec.epic)
	}
	for _, rec := range snap.sprints {
		snap.Sprints = append(snap.Sprints, rec.sprint)
	}
	sort.Slice(snap.Epics, func(i, j int) bool { return idNumber(snap.Epics[i].ID) < idNumber(snap.Epics[j].ID) })
	sort.Slice(snap.Sprints, func(i, j int) bool { return idNumber(snap.Sprints[i].ID) < idNumber(snap.Sprints[j].ID) })
	return snap, nil
}

func (s *Scanner) scanEpic(snap *Snapshot, col, dir string, num int) error {
	id := workflow.EpicID(num)
	_, slug, _ := parseEpicName(filepath.Base(dir))
	doc, err := readDocument(filepath.Join(dir, epicMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		doc = &Document{Meta: &FrontMatter{}}
	} else if err != nil {
		return fmt.Errorf("reading epic %s: %w", id, err)
	}

	epic := &models.Epic{
		ID:        id,
		Title:     doc.Meta.Value("title"),
		SprintIDs: []string{},
		Metadata:  doc.Meta.Map(),
	}
	if epic.Title == "" {
		epic.Title = unslug(slug)
	}
	epic.Description = sections(doc.Body)[sectionDescription]
	snap.epics[id] = &epicRecord{epic: epic, number: num, column: col, dir: dir, doc: doc}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading epic directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name() == epicMetaFile {
			continue
		}
		if err := s.scanSprintEntry(snap, col, dir, filepath.Join(dir, e.Name()), e.IsDir()); err != nil {
			return err
		}
	}
	return nil
}

// scanSprintEntry reads one sprint directory or bare sprint file. Entries
// that are not sprints are ignored.
func (s *Scanner) scanSprintEntry(snap *Snapshot, col, epicDir, path string, isDir bool) error {
	base := filepath.Base(path)
	if !isDir && !strings.HasSuffix(base, ".md") {
		return nil
	}
	name, ok := parseSprintName(base)
	if !ok {
		return nil
	}

	rec := &sprintRecord{name: name, column: col, epicDir: epicDir}
	if isDir {
		rec.dir = path
		primary, err := findPrimaryFile(path, name.Number)
		if err != nil {
			return err
		}
		if primary == "" {
			return nil
		}
		rec.path = primary
	} else {
		rec.path = path
	}

	doc, err := readDocument(rec.path)
	if err != nil {
		return fmt.Errorf("reading sprint %s: %w", rec.path, err)
	}
	rec.doc = doc
	st, err := s.state.read(name.Number)
	if err != nil {
		return err
	}
	rec.state = st

	rec.sprint = buildSprint(rec)
	if prev, dup := snap.sprints[rec.sprint.ID]; dup {
		return fmt.Errorf("sprint %s found twice: %s and %s", rec.sprint.ID, prev.path, rec.path)
	}
	snap.sprints[rec.sprint.ID] = rec
	return nil
}

func findPrimaryFile(dir string, number int) (string, error) {
	exact := filepath.Join(dir, filepath.Base(dir)+".md")
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading sprint directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		if n, ok := parseSprintName(e.Name()); ok && n.Number == number {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

func buildSprint(rec *sprintRecord) *models.Sprint {
	meta := rec.doc.Meta
	body := sections(rec.doc.Body)
	sp := &models.Sprint{
		ID:           workflow.SprintID(rec.name.Number),
		Goal:         meta.Value("title"),
		Type:         meta.Value("type"),
		Status:       resolveStatus(rec.name, meta, rec.column),
		Tasks:        parseTasks(body[sectionTasks]),
		Deliverables: parseBullets(body[sectionDeliverables]),
		Metadata:     meta.Map(),
	}
	if sp.Goal == "" {
		sp.Goal = body[sectionGoal]
	}
	if sp.Goal == "" {
		sp.Goal = unslug(rec.name.Slug)
	}
	if rec.epicDir != "" {
		if num, _, ok := parseEpicName(filepath.Base(rec.epicDir)); ok {
			sp.EpicID = workflow.EpicID(num)
		}
	}
	for _, dep := range parseList(meta.Value("dependencies")) {
		if id, err := workflow.NormalizeSprintID(dep); err == nil {
			sp.Dependencies = append(sp.Dependencies, id)
		}
	}
	if rec.state != nil {
		sp.Steps = rec.state.Steps
		sp.Transitions = rec.state.Transitions
	}
	return sp
}

// resolveStatus applies the status precedence: name marker, then the status
// metadata field, then the physical column.
func resolveStatus(name sprintName, meta *FrontMatter, col string) models.SprintStatus {
	if st, ok := name.markerStatus(); ok {
		return st
	}
	if st, ok := parseStatus(meta.Value("status")); ok {
		return st
	}
	if st, ok := StatusForColumn(col); ok {
		return st
	}
	return models.SprintTodo
}

func parseStatus(v string) (models.SprintStatus, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "-", "_")
	if v == "aborted" {
		return models.SprintAbandoned, true
	}
	st := models.SprintStatus(v)
	return st, st.Valid()
}

func deriveEpicStatus(erec *epicRecord, snap *Snapshot) models.EpicStatus {
	ids := erec.epic.SprintIDs
	if len(ids) == 0 {
		switch strings.ToLower(strings.ReplaceAll(erec.doc.Meta.Value("status"), "-", "_")) {
		case "active", "in_progress":
			return models.EpicActive
		case "completed", "done", "archived":
			return models.EpicCompleted
		case "draft", "todo", "backlog":
			return models.EpicDraft
		}
		switch erec.column {
		case ColInProgress, ColReview:
			return models.EpicActive
		case ColDone, ColArchived:
			return models.EpicCompleted
		}
		return models.EpicDraft
	}

	allTerminal := true
	started := false
	for _, id := range ids {
		st := snap.sprints[id].sprint.Status
		if !st.IsTerminal() {
			allTerminal = false
		}
		if st != models.SprintTodo && st != models.SprintBacklog {
			started = true
		}
	}
	switch {
	case allTerminal:
		return models.EpicCompleted
	case started:
		return models.EpicActive
	}
	return models.EpicDraft
}

// BoardEpic is one appearance of an epic in a board column.
type BoardEpic struct {
	Epic    *models.Epic
	Sprints []*models.Sprint
}

// BoardColumn is a column of the rendered board.
type BoardColumn struct {
	Name    string
	Status  models.SprintStatus
	Epics   []BoardEpic
	Sprints []*models.Sprint
}

// Board arranges the snapshot by resolved status. An epic is listed in
// every column one of its sprints resolves to, each time with only the
// sprints in that column. Epics without sprints stay in their own column.
func (s *Snapshot) Board() []BoardColumn {
	board := make([]BoardColumn, len(Columns))
	index := make(map[string]int, len(Columns))
	for i, col := range Columns {
		st, _ := StatusForColumn(col)
		board[i] = BoardColumn{Name: col, Status: st}
		index[col] = i
	}

	for _, epic := range s.Epics {
		if len(epic.SprintIDs) == 0 {
			i := index[s.epics[epic.ID].column]
			board[i].Epics = append(board[i].Epics, BoardEpic{Epic: epic})
			continue
		}
		byCol := make(map[string][]*models.Sprint)
		for _, id := range epic.SprintIDs {
			sp := s.sprints[id].sprint
			col := ColumnForStatus(sp.Status)
			byCol[col] = append(byCol[col], sp)
		}
		for _, col := range Columns {
			if sprints, ok := byCol[col]; ok {
				i := index[col]
				board[i].Epics = append(board[i].Epics, BoardEpic{Epic: epic, Sprints: sprints})
			}
		}
	}
	for _, sp := range s.Sprints {
		if sp.EpicID != "" {
			continue
		}
		i := index[ColumnForStatus(sp.Status)]
		board[i].Sprints = append(board[i].Sprints, sp)
	}
	return board
}

// NextNumbers returns the next free epic and sprint numbers.
func NextNumbers(snap *Snapshot) (epic, sprint int) {
	for _, e := range snap.Epics {
		if n := idNumber(e.ID); n > epic {
			epic = n
		}
	}
	for _, sp := range snap.Sprints {
		if n := idNumber(sp.ID); n > sprint {
			sprint = n
		}
	}
	return epic + 1, sprint + 1
}

func idNumber(id string) int {
	n, err := workflow.ParseNumber(id)
	if err != nil {
		return 0
	}
	return n
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(string(data))
	if errors.Is(err, ErrMissingFrontMatter) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
