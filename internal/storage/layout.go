package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// Column directories under the kanban root, in board order.
const (
	ColBacklog    = "0-backlog"
	ColTodo       = "1-todo"
	ColInProgress = "2-in-progress"
	ColReview     = "3-review"
	ColDone       = "4-done"
	ColBlocked    = "5-blocked"
	ColAbandoned  = "6-abandoned"
	ColArchived   = "7-archived"
)

// Columns lists every column directory in board order.
var Columns = []string{
	ColBacklog, ColTodo, ColInProgress, ColReview,
	ColDone, ColBlocked, ColAbandoned, ColArchived,
}

var columnStatus = map[string]models.SprintStatus{
	ColBacklog:    models.SprintBacklog,
	ColTodo:       models.SprintTodo,
	ColInProgress: models.SprintInProgress,
	ColReview:     models.SprintReview,
	ColDone:       models.SprintDone,
	ColBlocked:    models.SprintBlocked,
	ColAbandoned:  models.SprintAbandoned,
	ColArchived:   models.SprintArchived,
}

// ColumnForStatus returns the column directory that holds sprints in status s.
func ColumnForStatus(s models.SprintStatus) string {
	for col, st := range columnStatus {
		if st == s {
			return col
		}
	}
	return ColTodo
}

// StatusForColumn maps a column directory name to its sprint status.
func StatusForColumn(col string) (models.SprintStatus, bool) {
	s, ok := columnStatus[col]
	return s, ok
}

// Name suffix markers carried by sprint directories and files.
const (
	markerDone    = "done"
	markerBlocked = "blocked"
	markerAborted = "aborted"
)

// markerPrecedence is the order in which markers decide status when a name
// carries more than one.
var markerPrecedence = []string{markerDone, markerAborted, markerBlocked}

var markerStatus = map[string]models.SprintStatus{
	markerDone:    models.SprintDone,
	markerAborted: models.SprintAbandoned,
	markerBlocked: models.SprintBlocked,
}

func markerForStatus(s models.SprintStatus) string {
	switch s {
	case models.SprintDone:
		return markerDone
	case models.SprintBlocked:
		return markerBlocked
	case models.SprintAbandoned:
		return markerAborted
	}
	return ""
}

const epicMetaFile = "_epic.md"

var (
	sprintNameRe = regexp.MustCompile(`^sprint-(\d+)_(.*)$`)
	epicNameRe   = regexp.MustCompile(`^epic-(\d+)_(.*)$`)
)

// artifactSuffixes mark companion files that live beside a sprint document
// and are never sprints themselves.
var artifactSuffixes = []string{"_postmortem", "_quality", "_contracts", "_deferred"}

// sprintName is a parsed sprint directory or file name.
type sprintName struct {
	Number  int
	Slug    string
	Markers []string
}

func (n sprintName) base() string {
	return fmt.Sprintf("sprint-%02d_%s", n.Number, n.Slug)
}

// String renders the name with at most one marker.
func (n sprintName) String() string {
	if m := n.marker(); m != "" {
		return n.base() + "--" + m
	}
	return n.base()
}

func (n sprintName) marker() string {
	for _, m := range markerPrecedence {
		for _, have := range n.Markers {
			if have == m {
				return m
			}
		}
	}
	return ""
}

func (n sprintName) markerStatus() (models.SprintStatus, bool) {
	m := n.marker()
	if m == "" {
		return "", false
	}
	return markerStatus[m], true
}

func (n sprintName) withMarker(m string) sprintName {
	out := sprintName{Number: n.Number, Slug: n.Slug}
	if m != "" {
		out.Markers = []string{m}
	}
	return out
}

func parseSprintName(name string) (sprintName, bool) {
	name = strings.TrimSuffix(name, ".md")
	for _, suffix := range artifactSuffixes {
		if strings.Contains(name, suffix) {
			return sprintName{}, false
		}
	}
	var markers []string
	for trimmed := true; trimmed; {
		trimmed = false
		for _, m := range markerPrecedence {
			if strings.HasSuffix(name, "--"+m) {
				markers = append(markers, m)
				name = strings.TrimSuffix(name, "--"+m)
				trimmed = true
			}
		}
	}
	match := sprintNameRe.FindStringSubmatch(name)
	if match == nil {
		return sprintName{}, false
	}
	num, err := strconv.Atoi(match[1])
	if err != nil {
		return sprintName{}, false
	}
	return sprintName{Number: num, Slug: match[2], Markers: markers}, true
}

func parseEpicName(name string) (int, string, bool) {
	match := epicNameRe.FindStringSubmatch(name)
	if match == nil {
		return 0, "", false
	}
	num, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, "", false
	}
	return num, match[2], true
}

func epicDirName(num int, slug string) string {
	return fmt.Sprintf("epic-%02d_%s", num, slug)
}

// maxSlugSource is how much of a sprint goal feeds its slug.
const maxSlugSource = 40

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify folds s to lowercase ASCII words joined by single dashes.
func Slugify(s string) string {
	folded, _, err := transform.String(foldMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}

func sprintSlug(goal string) string {
	r := []rune(goal)
	if len(r) > maxSlugSource {
		r = r[:maxSlugSource]
	}
	return Slugify(string(r))
}
