package observability

import (
	"fmt"
	"sort"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert is a triggered alert condition for one sprint.
type Alert struct {
	ID          string        `json:"id"`
	SprintID    string        `json:"sprint_id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

type alertEngine struct {
	eventLog   EventLog
	thresholds models.AlertConfig
	now        func() time.Time
}

// NewAlertEngine creates an AlertEngine. Zero thresholds disable their alert.
func NewAlertEngine(eventLog EventLog, thresholds models.AlertConfig) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// sprintActivity is what the event log says about one sprint.
type sprintActivity struct {
	status       string
	changedAt    time.Time
	lastActivity time.Time
}

// Evaluate replays the event log and reports sprints blocked, in review or
// idle for longer than the thresholds allow. Alerts are ordered by ID.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	events, err := ae.eventLog.Read(EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading events for alerts: %w", err)
	}

	sprints := make(map[string]*sprintActivity)
	for _, event := range events {
		if event.SprintID == "" {
			continue
		}
		sa, ok := sprints[event.SprintID]
		if !ok {
			sa = &sprintActivity{}
			sprints[event.SprintID] = sa
		}
		if event.Time.After(sa.lastActivity) {
			sa.lastActivity = event.Time
		}
		if status := statusAfter(event); status != "" {
			sa.status = status
			sa.changedAt = event.Time
		}
	}

	now := ae.now()
	var alerts []Alert
	for id, sa := range sprints {
		if a, ok := ae.check(id, sa, now); ok {
			alerts = append(alerts, a)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts, nil
}

// statusAfter returns the sprint status an event establishes, if any.
func statusAfter(event Event) string {
	switch event.Type {
	case "sprint.started":
		return string(models.SprintInProgress)
	case "sprint.blocked":
		return string(models.SprintBlocked)
	case "sprint.status_changed":
		s, _ := event.Data["status"].(string)
		return s
	}
	return ""
}

func (ae *alertEngine) check(id string, sa *sprintActivity, now time.Time) (Alert, bool) {
	t := ae.thresholds
	switch models.SprintStatus(sa.status) {
	case models.SprintBlocked:
		limit := time.Duration(t.BlockedHours) * time.Hour
		if t.BlockedHours > 0 && now.Sub(sa.changedAt) > limit {
			return Alert{
				ID:          "blocked-" + id,
				SprintID:    id,
				Condition:   "sprint_blocked_too_long",
				Severity:    SeverityHigh,
				Message:     fmt.Sprintf("sprint %s has been blocked for more than %d hours", id, t.BlockedHours),
				TriggeredAt: now,
			}, true
		}
	case models.SprintReview:
		limit := time.Duration(t.ReviewDays) * 24 * time.Hour
		if t.ReviewDays > 0 && now.Sub(sa.changedAt) > limit {
			return Alert{
				ID:          "review-" + id,
				SprintID:    id,
				Condition:   "review_too_long",
				Severity:    SeverityMedium,
				Message:     fmt.Sprintf("sprint %s has been in review for more than %d days", id, t.ReviewDays),
				TriggeredAt: now,
			}, true
		}
	case models.SprintInProgress:
		limit := time.Duration(t.StaleDays) * 24 * time.Hour
		if t.StaleDays > 0 && now.Sub(sa.lastActivity) > limit {
			return Alert{
				ID:          "stale-" + id,
				SprintID:    id,
				Condition:   "sprint_stale",
				Severity:    SeverityLow,
				Message:     fmt.Sprintf("sprint %s has had no activity for more than %d days", id, t.StaleDays),
				TriggeredAt: now,
			}, true
		}
	}
	return Alert{}, false
}
