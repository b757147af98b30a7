// Package mcp provides an MCP (Model Context Protocol) server that exposes
// the maestro project state as tools for AI coding assistants.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/core"
	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/observability"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the project backend and exposes it as MCP tools.
type Server struct {
	server      *gomcp.Server
	backend     core.Backend
	metricsCalc observability.MetricsCalculator
	alertEngine observability.AlertEngine
	// lock serializes mutating tools with other maestro processes.
	lock func() (func() error, error)
}

// Option configures optional Server behaviour.
type Option func(*Server)

// WithLock makes create tools hold the project lock while they write.
func WithLock(lock func() (func() error, error)) Option {
	return func(s *Server) { s.lock = lock }
}

// NewServer creates an MCP server over backend. metricsCalc and alertEngine
// may be nil when the event log is unavailable.
func NewServer(backend core.Backend, metricsCalc observability.MetricsCalculator, alertEngine observability.AlertEngine, version string, opts ...Option) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		backend:     backend,
		metricsCalc: metricsCalc,
		alertEngine: alertEngine,
	}
	for _, o := range opts {
		o(s)
	}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "maestro", Version: version}, nil)
	s.registerTools()
	return s
}

// Run serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type emptyInput struct{}

type idInput struct {
	ID string `json:"id" jsonschema:"required,the epic or sprint identifier (e.g. sprint-07, epic-02)"`
}

type listSprintsInput struct {
	EpicID string `json:"epic_id,omitempty" jsonschema:"only list sprints of this epic"`
	Status string `json:"status,omitempty" jsonschema:"only list sprints in this status (backlog, todo, in_progress, review, done, blocked, abandoned, archived)"`
}

type createEpicInput struct {
	Title       string `json:"title" jsonschema:"required,the epic title"`
	Description string `json:"description,omitempty" jsonschema:"what the epic delivers"`
}

type createSprintInput struct {
	Goal         string   `json:"goal" jsonschema:"required,the sprint goal"`
	EpicID       string   `json:"epic_id,omitempty" jsonschema:"epic to attach the sprint to"`
	Type         string   `json:"type,omitempty" jsonschema:"sprint type used for coverage thresholds (backend, frontend, fullstack, infrastructure, research)"`
	Tasks        []string `json:"tasks,omitempty" jsonschema:"task names, optionally prefixed with a step type as type:name"`
	Dependencies []string `json:"dependencies,omitempty" jsonschema:"sprint ids that must be done before this sprint starts"`
	Backlog      bool     `json:"backlog,omitempty" jsonschema:"create the sprint in the backlog instead of todo"`
}

type epicOutput struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	SprintIDs   []string `json:"sprint_ids"`
}

type epicsOutput struct {
	Epics []epicOutput `json:"epics"`
	Count int          `json:"count"`
}

type stepOutput struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Agent     string   `json:"agent,omitempty"`
	Output    string   `json:"output,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type transitionOutput struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

type sprintOutput struct {
	ID           string             `json:"id"`
	Goal         string             `json:"goal"`
	Type         string             `json:"type,omitempty"`
	Status       string             `json:"status"`
	EpicID       string             `json:"epic_id,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Deliverables []string           `json:"deliverables,omitempty"`
	Steps        []stepOutput       `json:"steps,omitempty"`
	Transitions  []transitionOutput `json:"transitions,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

type sprintsOutput struct {
	Sprints []sprintOutput `json:"sprints"`
	Count   int            `json:"count"`
}

type boardOutput struct {
	Columns []core.BoardColumn `json:"columns"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	RunsStarted         int            `json:"runs_started"`
	RunsFinished        int            `json:"runs_finished"`
	RunsSucceeded       int            `json:"runs_succeeded"`
	RunsStoppedAtReview int            `json:"runs_stopped_at_review"`
	SprintsCompleted    int            `json:"sprints_completed"`
	SprintsBlocked      int            `json:"sprints_blocked"`
	StepsCompleted      int            `json:"steps_completed"`
	StepsFailed         int            `json:"steps_failed"`
	StepFailureRate     float64        `json:"step_failure_rate"`
	PhasesFailed        map[string]int `json:"phases_failed,omitempty"`
	StatusChanges       map[string]int `json:"status_changes,omitempty"`
	AvgRunSeconds       float64        `json:"avg_run_seconds"`
	EventCount          int            `json:"event_count"`
	OldestEvent         string         `json:"oldest_event,omitempty"`
	NewestEvent         string         `json:"newest_event,omitempty"`
}

type alertOutput struct {
	ID          string `json:"id"`
	SprintID    string `json:"sprint_id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_project_status",
		Description: "Summarise the project: epic and sprint counts by status, overall progress, and the active sprint.",
	}, s.handleProjectStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_epics",
		Description: "List all epics with their derived status and member sprint ids.",
	}, s.handleListEpics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_epic",
		Description: "Get one epic by id.",
	}, s.handleGetEpic)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_sprints",
		Description: "List sprints, optionally only those of one epic or in one status.",
	}, s.handleListSprints)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_sprint",
		Description: "Get one sprint by id, including its steps and status history.",
	}, s.handleGetSprint)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_step_status",
		Description: "Report a sprint's step progress: current step, completed count, and per-step status.",
	}, s.handleStepStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_epic",
		Description: "Create a new epic.",
	}, s.handleCreateEpic)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_sprint",
		Description: "Create a new sprint, standalone or inside an epic.",
	}, s.handleCreateSprint)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_board",
		Description: "Get the kanban board: sprints grouped by status column.",
	}, s.handleGetBoard)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get run metrics from the event log: runs, completions, blocks, step failures, and status changes.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (sprints blocked too long, long reviews, stale in-progress sprints).",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handleProjectStatus(_ context.Context, _ *gomcp.CallToolRequest, _ emptyInput) (*gomcp.CallToolResult, models.StatusSummary, error) {
	sum, err := s.backend.StatusSummary()
	if err != nil {
		return errorResult(fmt.Sprintf("reading status: %s", err)), models.StatusSummary{}, nil
	}
	return nil, *sum, nil
}

func (s *Server) handleListEpics(_ context.Context, _ *gomcp.CallToolRequest, _ emptyInput) (*gomcp.CallToolResult, epicsOutput, error) {
	epics, err := s.backend.ListEpics()
	if err != nil {
		return errorResult(fmt.Sprintf("listing epics: %s", err)), epicsOutput{}, nil
	}
	out := epicsOutput{Epics: make([]epicOutput, len(epics)), Count: len(epics)}
	for i, e := range epics {
		out.Epics[i] = epicToOutput(e)
	}
	return nil, out, nil
}

func (s *Server) handleGetEpic(_ context.Context, _ *gomcp.CallToolRequest, input idInput) (*gomcp.CallToolResult, epicOutput, error) {
	if input.ID == "" {
		return errorResult("id is required"), epicOutput{}, nil
	}
	e, err := s.backend.GetEpic(input.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting epic %s: %s", input.ID, err)), epicOutput{}, nil
	}
	return nil, epicToOutput(e), nil
}

func (s *Server) handleListSprints(_ context.Context, _ *gomcp.CallToolRequest, input listSprintsInput) (*gomcp.CallToolResult, sprintsOutput, error) {
	if input.Status != "" && !models.SprintStatus(input.Status).Valid() {
		return errorResult(fmt.Sprintf("invalid status %q", input.Status)), sprintsOutput{}, nil
	}
	sprints, err := s.backend.ListSprints(input.EpicID)
	if err != nil {
		return errorResult(fmt.Sprintf("listing sprints: %s", err)), sprintsOutput{}, nil
	}
	if input.Status != "" {
		filtered := sprints[:0]
		for _, sp := range sprints {
			if string(sp.Status) == input.Status {
				filtered = append(filtered, sp)
			}
		}
		sprints = filtered
	}
	out := sprintsOutput{Sprints: make([]sprintOutput, len(sprints)), Count: len(sprints)}
	for i, sp := range sprints {
		out.Sprints[i] = sprintToOutput(sp)
	}
	return nil, out, nil
}

func (s *Server) handleGetSprint(_ context.Context, _ *gomcp.CallToolRequest, input idInput) (*gomcp.CallToolResult, sprintOutput, error) {
	if input.ID == "" {
		return errorResult("id is required"), sprintOutput{}, nil
	}
	sp, err := s.backend.GetSprint(input.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting sprint %s: %s", input.ID, err)), sprintOutput{}, nil
	}
	return nil, sprintToOutput(sp), nil
}

func (s *Server) handleStepStatus(_ context.Context, _ *gomcp.CallToolRequest, input idInput) (*gomcp.CallToolResult, models.StepStatusSummary, error) {
	if input.ID == "" {
		return errorResult("id is required"), models.StepStatusSummary{}, nil
	}
	sum, err := s.backend.StepStatus(input.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting step status for %s: %s", input.ID, err)), models.StepStatusSummary{}, nil
	}
	return nil, *sum, nil
}

func (s *Server) handleCreateEpic(_ context.Context, _ *gomcp.CallToolRequest, input createEpicInput) (*gomcp.CallToolResult, epicOutput, error) {
	if strings.TrimSpace(input.Title) == "" {
		return errorResult("title is required"), epicOutput{}, nil
	}
	unlock, err := s.acquire()
	if err != nil {
		return errorResult(err.Error()), epicOutput{}, nil
	}
	defer unlock()

	e, err := s.backend.CreateEpic(input.Title, input.Description)
	if err != nil {
		return errorResult(fmt.Sprintf("creating epic: %s", err)), epicOutput{}, nil
	}
	return nil, epicToOutput(e), nil
}

func (s *Server) handleCreateSprint(_ context.Context, _ *gomcp.CallToolRequest, input createSprintInput) (*gomcp.CallToolResult, sprintOutput, error) {
	if strings.TrimSpace(input.Goal) == "" {
		return errorResult("goal is required"), sprintOutput{}, nil
	}
	unlock, err := s.acquire()
	if err != nil {
		return errorResult(err.Error()), sprintOutput{}, nil
	}
	defer unlock()

	sp, err := s.backend.CreateSprint(models.CreateSprintOpts{
		EpicID:       input.EpicID,
		Goal:         input.Goal,
		Type:         input.Type,
		Tasks:        ParseTasks(input.Tasks),
		Dependencies: input.Dependencies,
		Backlog:      input.Backlog,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("creating sprint: %s", err)), sprintOutput{}, nil
	}
	return nil, sprintToOutput(sp), nil
}

func (s *Server) handleGetBoard(_ context.Context, _ *gomcp.CallToolRequest, _ emptyInput) (*gomcp.CallToolResult, boardOutput, error) {
	cols, err := core.BuildBoard(s.backend, false)
	if err != nil {
		return errorResult(err.Error()), boardOutput{}, nil
	}
	return nil, boardOutput{Columns: cols}, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (no event log)"), metricsOutput{}, nil
	}
	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}
	since, err := ParseSince(sinceStr, time.Now().UTC())
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), metricsOutput{}, nil
	}
	m, err := s.metricsCalc.Calculate(since)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), metricsOutput{}, nil
	}

	out := metricsOutput{
		RunsStarted:         m.RunsStarted,
		RunsFinished:        m.RunsFinished,
		RunsSucceeded:       m.RunsSucceeded,
		RunsStoppedAtReview: m.RunsStoppedAtReview,
		SprintsCompleted:    m.SprintsCompleted,
		SprintsBlocked:      m.SprintsBlocked,
		StepsCompleted:      m.StepsCompleted,
		StepsFailed:         m.StepsFailed,
		StepFailureRate:     m.StepFailureRate(),
		PhasesFailed:        m.PhasesFailed,
		StatusChanges:       m.StatusChanges,
		AvgRunSeconds:       m.AvgRunSeconds,
		EventCount:          m.EventCount,
	}
	if m.OldestEvent != nil {
		out.OldestEvent = m.OldestEvent.Format(time.RFC3339)
	}
	if m.NewestEvent != nil {
		out.NewestEvent = m.NewestEvent.Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ emptyInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.alertEngine == nil {
		return errorResult("alert engine not available (no event log)"), getAlertsOutput{}, nil
	}
	alerts, err := s.alertEngine.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}
	out := getAlertsOutput{Alerts: make([]alertOutput, len(alerts)), Count: len(alerts)}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			SprintID:    a.SprintID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

// --- Helpers ---

func (s *Server) acquire() (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	unlock, err := s.lock()
	if err != nil {
		return nil, fmt.Errorf("locking project: %w", err)
	}
	return func() { _ = unlock() }, nil
}

func epicToOutput(e *models.Epic) epicOutput {
	return epicOutput{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Status:      string(e.Status),
		SprintIDs:   nonNil(e.SprintIDs),
	}
}

func sprintToOutput(sp *models.Sprint) sprintOutput {
	out := sprintOutput{
		ID:           sp.ID,
		Goal:         sp.Goal,
		Type:         sp.Type,
		Status:       string(sp.Status),
		EpicID:       sp.EpicID,
		Dependencies: sp.Dependencies,
		Deliverables: sp.Deliverables,
		Metadata:     sp.Metadata,
	}
	for i := range sp.Steps {
		st := &sp.Steps[i]
		out.Steps = append(out.Steps, stepOutput{
			ID:        st.ID,
			Name:      st.Name,
			Type:      st.Type(),
			Status:    string(st.Status),
			Agent:     st.Agent,
			Output:    st.OutputText(),
			DependsOn: st.DependsOn,
		})
	}
	for _, tr := range sp.Transitions {
		out.Transitions = append(out.Transitions, transitionOutput{
			From:      string(tr.From),
			To:        string(tr.To),
			Timestamp: tr.Timestamp.Format(time.RFC3339),
			Reason:    tr.Reason,
		})
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// ParseTasks turns "type:name" strings into tasks. Entries without a known
// type prefix keep the whole string as the name.
func ParseTasks(entries []string) []models.Task {
	tasks := make([]models.Task, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		typ, name, ok := strings.Cut(entry, ":")
		if ok && typ != "" && !strings.Contains(typ, " ") && strings.TrimSpace(name) != "" {
			tasks = append(tasks, models.Task{Name: strings.TrimSpace(name), Type: typ})
			continue
		}
		tasks = append(tasks, models.Task{Name: entry})
	}
	return tasks
}

// ParseSince parses a window like "7d", "30d" or "24h" into the time that
// far before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}
	suffix := s[len(s)-1]
	var num int
	if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d or h)", string(suffix))
	}
}
