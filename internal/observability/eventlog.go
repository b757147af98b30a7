package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventLogFile is the event log location relative to the project root.
const EventLogFile = ".maestro/events.jsonl"

// Event is one line of the event log.
type Event struct {
	ID       string         `json:"id"`
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"` // INFO, WARN, ERROR
	Type     string         `json:"type"`  // e.g. "sprint.started", "step.failed"
	SprintID string         `json:"sprint_id,omitempty"`
	Message  string         `json:"msg"`
	Data     map[string]any `json:"data,omitempty"`
}

// EventFilter selects events when reading. Zero fields match everything.
type EventFilter struct {
	Since    *time.Time
	Until    *time.Time
	Type     string
	Level    string
	SprintID string
}

// EventLog writes and reads events.
type EventLog interface {
	Write(event Event) error
	Read(filter EventFilter) ([]Event, error)
	Close() error
}

type jsonlEventLog struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewJSONLEventLog opens, or creates, the JSONL event log at path.
func NewJSONLEventLog(path string) (EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path is under the project root
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{path: path, file: f}, nil
}

// Write appends the event as one JSON line, filling in a missing ID or time.
func (l *jsonlEventLog) Write(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Read returns the events matching filter in log order. Malformed lines are
// skipped.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if matchesEventFilter(event, filter) {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}
	return events, nil
}

func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

func matchesEventFilter(event Event, filter EventFilter) bool {
	if filter.Since != nil && event.Time.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && event.Time.After(*filter.Until) {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Level != "" && event.Level != filter.Level {
		return false
	}
	if filter.SprintID != "" && event.SprintID != filter.SprintID {
		return false
	}
	return true
}

// EventLogger turns runner events into log entries.
type EventLogger struct {
	log EventLog
	now func() time.Time
}

// NewEventLogger wraps log for use by the runner.
func NewEventLogger(log EventLog) *EventLogger {
	return &EventLogger{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// LogEvent writes one event. The sprint_id entry of data, when present, is
// lifted into the event so it can be filtered on.
func (e *EventLogger) LogEvent(eventType string, data map[string]any) error {
	sprintID, _ := data["sprint_id"].(string)
	return e.log.Write(Event{
		Time:     e.now(),
		Level:    levelFor(eventType, data),
		Type:     eventType,
		SprintID: sprintID,
		Message:  messageFor(eventType, sprintID, data),
		Data:     data,
	})
}

func levelFor(eventType string, data map[string]any) string {
	switch eventType {
	case "sprint.blocked", "step.failed":
		return "WARN"
	case "run.finished", "phase.completed":
		if ok, _ := data["success"].(bool); !ok {
			if review, _ := data["stopped_at_review"].(bool); !review {
				return "WARN"
			}
		}
	}
	return "INFO"
}

func messageFor(eventType, sprintID string, data map[string]any) string {
	switch eventType {
	case "sprint.started":
		return fmt.Sprintf("run started for %s", sprintID)
	case "sprint.status_changed":
		return fmt.Sprintf("%s is now %v", sprintID, data["status"])
	case "sprint.blocked":
		return fmt.Sprintf("%s blocked: %v", sprintID, data["reason"])
	case "step.completed", "step.failed":
		return fmt.Sprintf("step %v %s", data["step"], strings.TrimPrefix(eventType, "step."))
	case "phase.completed":
		return fmt.Sprintf("phase %v finished (success=%v)", data["phase"], data["success"])
	case "run.finished":
		return fmt.Sprintf("run %v finished (success=%v)", data["run_id"], data["success"])
	default:
		return eventType
	}
}
