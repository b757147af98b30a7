package observability

import (
	"fmt"
	"time"
)

// Metrics aggregates runner activity from the event log.
type Metrics struct {
	RunsStarted         int            `json:"runs_started"`
	RunsFinished        int            `json:"runs_finished"`
	RunsSucceeded       int            `json:"runs_succeeded"`
	RunsStoppedAtReview int            `json:"runs_stopped_at_review"`
	SprintsCompleted    int            `json:"sprints_completed"`
	SprintsBlocked      int            `json:"sprints_blocked"`
	StepsCompleted      int            `json:"steps_completed"`
	StepsFailed         int            `json:"steps_failed"`
	PhasesFailed        map[string]int `json:"phases_failed"`
	StatusChanges       map[string]int `json:"status_changes"`
	AvgRunSeconds       float64        `json:"avg_run_seconds"`
	EventCount          int            `json:"event_count"`
	OldestEvent         *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent         *time.Time     `json:"newest_event,omitempty"`
}

// StepFailureRate is the share of finished steps that failed.
func (m *Metrics) StepFailureRate() float64 {
	total := m.StepsCompleted + m.StepsFailed
	if total == 0 {
		return 0
	}
	return float64(m.StepsFailed) / float64(total)
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator reading from eventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate aggregates every event at or after since.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		PhasesFailed:  make(map[string]int),
		StatusChanges: make(map[string]int),
		EventCount:    len(events),
	}
	var runSeconds float64
	for i, event := range events {
		t := event.Time
		if i == 0 {
			m.OldestEvent = &t
		}
		m.NewestEvent = &t

		switch event.Type {
		case "sprint.started":
			m.RunsStarted++
		case "sprint.status_changed":
			status, _ := event.Data["status"].(string)
			if status == "" {
				continue
			}
			m.StatusChanges[status]++
			if status == "done" {
				m.SprintsCompleted++
			}
		case "sprint.blocked":
			m.SprintsBlocked++
		case "step.completed":
			m.StepsCompleted++
		case "step.failed":
			m.StepsFailed++
		case "phase.completed":
			if ok, _ := event.Data["success"].(bool); !ok {
				phase, _ := event.Data["phase"].(string)
				m.PhasesFailed[phase]++
			}
		case "run.finished":
			m.RunsFinished++
			if ok, _ := event.Data["success"].(bool); ok {
				m.RunsSucceeded++
			}
			if review, _ := event.Data["stopped_at_review"].(bool); review {
				m.RunsStoppedAtReview++
			}
			if d, ok := event.Data["duration_seconds"].(float64); ok {
				runSeconds += d
			}
		}
	}
	if m.RunsFinished > 0 {
		m.AvgRunSeconds = runSeconds / float64(m.RunsFinished)
	}
	return m, nil
}
