package observability

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
	"pgregory.net/rapid"
)

// genSprintEvents draws a status history for a handful of sprints, all
// before alertNow.
func genSprintEvents(t *rapid.T) []Event {
	var events []Event
	n := rapid.IntRange(1, 8).Draw(t, "sprints")
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sprint-%02d", i+1)
		at := alertNow.Add(-time.Duration(rapid.IntRange(1, 400).Draw(t, id+"_start")) * time.Hour)
		steps := rapid.IntRange(1, 4).Draw(t, id+"_changes")
		for j := 0; j < steps; j++ {
			kind := rapid.SampledFrom([]string{"sprint.started", "sprint.blocked", "review", "done", "step.completed"}).Draw(t, fmt.Sprintf("%s_kind_%d", id, j))
			e := Event{Time: at, SprintID: id, Type: kind}
			if kind == "review" || kind == "done" {
				e = statusEvent(at, id, kind)
			}
			events = append(events, e)
			gap := time.Duration(rapid.IntRange(0, 48).Draw(t, fmt.Sprintf("%s_gap_%d", id, j))) * time.Hour
			if at.Add(gap).Before(alertNow) {
				at = at.Add(gap)
			}
		}
	}
	return events
}

func countAlertsByCondition(alerts []Alert, condition string) int {
	n := 0
	for _, a := range alerts {
		if a.Condition == condition {
			n++
		}
	}
	return n
}

// Property 8: Alert threshold monotonicity
// Raising any threshold never produces more alerts of its kind.
func TestProperty_AlertThresholdMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log, err := NewJSONLEventLog(filepath.Join(t.TempDir(), "events.jsonl"))
		if err != nil {
			rt.Fatalf("creating event log: %v", err)
		}
		defer log.Close()
		for _, e := range genSprintEvents(rt) {
			if err := log.Write(e); err != nil {
				rt.Fatalf("writing event: %v", err)
			}
		}

		low := models.AlertConfig{
			BlockedHours: rapid.IntRange(1, 100).Draw(rt, "blockedLow"),
			ReviewDays:   rapid.IntRange(1, 10).Draw(rt, "reviewLow"),
			StaleDays:    rapid.IntRange(1, 10).Draw(rt, "staleLow"),
		}
		high := models.AlertConfig{
			BlockedHours: low.BlockedHours + rapid.IntRange(0, 100).Draw(rt, "blockedDelta"),
			ReviewDays:   low.ReviewDays + rapid.IntRange(0, 10).Draw(rt, "reviewDelta"),
			StaleDays:    low.StaleDays + rapid.IntRange(0, 10).Draw(rt, "staleDelta"),
		}

		evaluate := func(cfg models.AlertConfig) []Alert {
			e := newTestEngine(log)
			e.thresholds = cfg
			alerts, err := e.Evaluate()
			if err != nil {
				rt.Fatalf("evaluate: %v", err)
			}
			return alerts
		}
		alertsLow, alertsHigh := evaluate(low), evaluate(high)

		for _, cond := range []string{"sprint_blocked_too_long", "review_too_long", "sprint_stale"} {
			if h, l := countAlertsByCondition(alertsHigh, cond), countAlertsByCondition(alertsLow, cond); h > l {
				rt.Errorf("%s: higher threshold produced %d alerts, lower produced %d", cond, h, l)
			}
		}
	})
}

// Property 9: Event filter time range
// Every event read with a time window lies inside it.
func TestProperty_EventFilterTimeRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log, err := NewJSONLEventLog(filepath.Join(t.TempDir(), "events.jsonl"))
		if err != nil {
			rt.Fatalf("creating event log: %v", err)
		}
		defer log.Close()
		events := genSprintEvents(rt)
		for _, e := range events {
			if err := log.Write(e); err != nil {
				rt.Fatalf("writing event: %v", err)
			}
		}

		since := alertNow.Add(-time.Duration(rapid.IntRange(0, 500).Draw(rt, "since")) * time.Hour)
		until := since.Add(time.Duration(rapid.IntRange(0, 200).Draw(rt, "window")) * time.Hour)
		got, err := log.Read(EventFilter{Since: &since, Until: &until})
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		want := 0
		for _, e := range events {
			if !e.Time.Before(since) && !e.Time.After(until) {
				want++
			}
		}
		if len(got) != want {
			rt.Errorf("read %d events in window, want %d", len(got), want)
		}
	})
}
