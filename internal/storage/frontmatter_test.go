package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDocument_FieldsAndHistory(t *testing.T) {
	content := "---\n" +
		"sprint: 3\n" +
		"title: \"Build the \\\"parser\\\"\"\n" +
		"owner: alice\n" +
		"started: null\n" +
		"history:\n" +
		"  - column: 1-todo\n" +
		"    timestamp: \"2026-01-02T10:00:00Z\"\n" +
		"- column: '2-in-progress'\n" +
		"  timestamp: 2026-01-03T10:00:00Z\n" +
		"---\n" +
		"\n# Sprint 3\n"

	doc, err := ParseDocument(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := doc.Meta.Value("title"); got != `Build the "parser"` {
		t.Errorf("title = %q", got)
	}
	if _, ok := doc.Meta.Get("started"); ok {
		t.Error("expected null started to be reported as absent")
	}
	if !doc.Meta.Has("started") {
		t.Error("expected null key to still be present")
	}
	if len(doc.Meta.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(doc.Meta.History))
	}
	if doc.Meta.History[1].Column != "2-in-progress" || doc.Meta.History[1].Timestamp != "2026-01-03T10:00:00Z" {
		t.Errorf("unexpected history entry: %+v", doc.Meta.History[1])
	}
	if doc.Body != "\n# Sprint 3\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParseDocument_MissingFrontMatter(t *testing.T) {
	doc, err := ParseDocument("# just markdown\n")
	if !errors.Is(err, ErrMissingFrontMatter) {
		t.Fatalf("expected ErrMissingFrontMatter, got %v", err)
	}
	if doc.Body != "# just markdown\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParseDocument_Malformed(t *testing.T) {
	cases := map[string]string{
		"unclosed":        "---\ntitle: x\n",
		"no colon":        "---\njust words\n---\n",
		"bad quote":       "---\ntitle: \"open\n---\n",
		"stray list item": "---\n- column: x\n---\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDocument(content); !errors.Is(err, ErrMalformedFrontMatter) {
				t.Fatalf("expected ErrMalformedFrontMatter, got %v", err)
			}
		})
	}
}

func TestFrontMatter_PreservesUnknownKeysAndOrder(t *testing.T) {
	content := "---\nsprint: 1\ncustom_field: keep me\nstatus: todo\n---\nbody\n"
	doc, err := ParseDocument(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc.Meta.Set("status", "in_progress")
	doc.Meta.Set("started", "2026-01-01T00:00:00Z")
	doc.Meta.AppendHistory("2-in-progress", "2026-01-01T00:00:00Z")

	out := doc.String()
	want := "---\n" +
		"sprint: 1\n" +
		"custom_field: \"keep me\"\n" +
		"status: in_progress\n" +
		"started: \"2026-01-01T00:00:00Z\"\n" +
		"history:\n" +
		"  - column: 2-in-progress\n" +
		"    timestamp: \"2026-01-01T00:00:00Z\"\n" +
		"---\n" +
		"body\n"
	if out != want {
		t.Fatalf("rendered document mismatch:\n got: %q\nwant: %q", out, want)
	}
}

func TestFrontMatter_Delete(t *testing.T) {
	fm := &FrontMatter{}
	fm.Set("a", "1")
	fm.Set("b", "2")
	fm.Delete("a")
	if strings.Join(fm.Keys(), ",") != "b" {
		t.Fatalf("keys = %v", fm.Keys())
	}
}

func TestEncodeScalar_EscapesRoundTrip(t *testing.T) {
	values := []string{"plain", "two words", "a:b", `back\slash`, "line\nbreak", `say "hi"`, "null", "", "-leading"}
	for _, v := range values {
		fm := &FrontMatter{}
		fm.Set("k", v)
		doc, err := ParseDocument(fm.String())
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", v, err)
		}
		got, ok := doc.Meta.Get("k")
		if !ok || got != v {
			t.Errorf("round trip of %q gave %q (present=%v)", v, got, ok)
		}
	}
}
