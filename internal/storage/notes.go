package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

const (
	deferredFile   = "deferred.md"
	postmortemFile = "postmortem.md"

	deferredHeader   = "# Deferred Items\n"
	postmortemHeader = "# Sprint Postmortems\n"
)

// Notes manages the cumulative deferred-items and postmortem documents that
// live at the kanban root and carry lessons from one sprint to the next.
type Notes struct {
	dir string
	now func() time.Time
}

// NewNotes returns notes stored under kanbanDir.
func NewNotes(kanbanDir string) *Notes {
	return &Notes{dir: kanbanDir, now: time.Now}
}

// Init writes the note templates when they do not exist yet.
func (n *Notes) Init() error {
	templates := map[string]string{
		deferredFile:   deferredHeader + "\nItems identified during sprints that are out of scope for the current epic.\n",
		postmortemFile: postmortemHeader,
	}
	for name, body := range templates {
		path := filepath.Join(n.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(n.dir, 0o750); err != nil {
			return fmt.Errorf("creating notes directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// Deferred returns the deferred-items document, or "" when absent.
func (n *Notes) Deferred() (string, error) { return n.read(deferredFile) }

// Postmortem returns the postmortem document, or "" when absent.
func (n *Notes) Postmortem() (string, error) { return n.read(postmortemFile) }

func (n *Notes) read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(n.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return string(data), nil
}

// AppendDeferred adds a section listing the items a sprint deferred.
func (n *Notes) AppendDeferred(sp *models.Sprint, items []string) error {
	var b strings.Builder
	b.WriteString(n.sectionHeading(sp))
	if len(items) == 0 {
		b.WriteString("No deferred items.\n")
	}
	for _, item := range items {
		b.WriteString("- [ ] " + item + "\n")
	}
	return n.append(deferredFile, deferredHeader, b.String())
}

// AppendPostmortem adds a section summarizing how a run went.
func (n *Notes) AppendPostmortem(sp *models.Sprint, res *models.RunResult) error {
	outcome := "Success"
	if !res.Success {
		outcome = "Failed"
	}
	var b strings.Builder
	b.WriteString(n.sectionHeading(sp))
	fmt.Fprintf(&b, "**Result**: %s | %d/%d steps | %.2fs\n", outcome, res.StepsCompleted, res.StepsTotal, res.DurationSeconds)
	if res.FailureReason != "" {
		fmt.Fprintf(&b, "\n**Failure**: %s\n", res.FailureReason)
	}
	if len(res.DeferredItems) > 0 {
		b.WriteString("\n**Deferred**: " + strings.Join(res.DeferredItems, ", ") + "\n")
	}
	return n.append(postmortemFile, postmortemHeader, b.String())
}

func (n *Notes) sectionHeading(sp *models.Sprint) string {
	return fmt.Sprintf("\n## %s: %s (%s)\n\n", sp.ID, sp.Goal, n.now().Format("2006-01-02"))
}

func (n *Notes) append(name, header, section string) error {
	if err := os.MkdirAll(n.dir, 0o750); err != nil {
		return fmt.Errorf("creating notes directory: %w", err)
	}
	path := filepath.Join(n.dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		section = header + section
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	if _, err := f.WriteString(section); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending to %s: %w", name, err)
	}
	return f.Close()
}
