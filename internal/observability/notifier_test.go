package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSlackNotifier_NoAlerts(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	if err := n.Notify(context.Background(), nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if called {
		t.Fatal("expected no HTTP request for empty alerts")
	}
}

func TestSlackNotifier_SendsAlerts(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			t.Errorf("reading request body: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	alerts := []Alert{
		{
			ID:          "blocked-sprint-03",
			SprintID:    "sprint-03",
			Condition:   "sprint_blocked_too_long",
			Severity:    SeverityHigh,
			Message:     "sprint sprint-03 has been blocked for more than 24 hours",
			TriggeredAt: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			ID:          "review-sprint-04",
			Severity:    SeverityMedium,
			Message:     "sprint sprint-04 has been in review for more than 5 days",
			TriggeredAt: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		},
	}
	if err := NewSlackNotifier(srv.URL).Notify(context.Background(), alerts); err != nil {
		t.Fatalf("notify: %v", err)
	}

	var msg struct {
		Text   string `json:"text"`
		Blocks []struct {
			Type string `json:"type"`
			Text struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"text"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("decoding body %s: %v", body, err)
	}
	if msg.Text != "2 maestro alert(s)" {
		t.Errorf("text = %q", msg.Text)
	}
	var types []string
	for _, b := range msg.Blocks {
		types = append(types, b.Type)
	}
	if strings.Join(types, ",") != "header,section,divider,section" {
		t.Fatalf("block types = %v", types)
	}
	first := msg.Blocks[1].Text.Text
	if !strings.Contains(first, "*[HIGH]*") || !strings.Contains(first, "sprint-03") || !strings.Contains(first, "2026-01-15 10:30 UTC") {
		t.Errorf("section text = %q", first)
	}
}

func TestSlackNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL).Notify(context.Background(), []Alert{{ID: "a", Severity: SeverityLow}})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestSeverityEmoji(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []AlertSeverity{SeverityHigh, SeverityMedium, SeverityLow, "unknown"} {
		e := severityEmoji(s)
		if e == "" || seen[e] {
			t.Errorf("emoji for %s = %q", s, e)
		}
		seen[e] = true
	}
}
