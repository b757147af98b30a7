package storage

import (
	"fmt"
	"strings"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// Body section headings used in sprint and epic documents.
const (
	sectionGoal         = "Goal"
	sectionTasks        = "Tasks"
	sectionDeliverables = "Deliverables"
	sectionDescription  = "Description"
)

// sections splits a markdown body into its "## " sections keyed by heading.
func sections(body string) map[string]string {
	out := make(map[string]string)
	var heading string
	var buf []string
	flush := func() {
		if heading != "" {
			out[heading] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			heading = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			buf = buf[:0]
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return out
}

// parseTasks reads checklist lines. A trailing "@type" token sets the task type.
func parseTasks(section string) []models.Task {
	var tasks []models.Task
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
			continue
		}
		text := strings.TrimSpace(line[2:])
		done := false
		switch {
		case strings.HasPrefix(text, "[ ] "):
			text = text[4:]
		case strings.HasPrefix(text, "[x] "), strings.HasPrefix(text, "[X] "):
			text = text[4:]
			done = true
		}
		task := models.Task{Name: strings.TrimSpace(text), Done: done}
		if idx := strings.LastIndex(task.Name, " @"); idx >= 0 && !strings.Contains(task.Name[idx+2:], " ") {
			task.Type = task.Name[idx+2:]
			task.Name = strings.TrimSpace(task.Name[:idx])
		}
		if task.Name != "" {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

func parseBullets(section string) []string {
	var items []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			if item := strings.TrimSpace(line[2:]); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

func parseList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func renderSprintBody(num int, goal string, tasks []models.Task, deliverables []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n# Sprint %d: %s\n\n", num, goal)
	fmt.Fprintf(&b, "## %s\n\n%s\n\n", sectionGoal, goal)
	fmt.Fprintf(&b, "## %s\n\n", sectionTasks)
	for _, t := range tasks {
		box := "[ ]"
		if t.Done {
			box = "[x]"
		}
		line := fmt.Sprintf("- %s %s", box, t.Name)
		if t.Type != "" {
			line += " @" + t.Type
		}
		b.WriteString(line + "\n")
	}
	if len(deliverables) > 0 {
		fmt.Fprintf(&b, "\n## %s\n\n", sectionDeliverables)
		for _, d := range deliverables {
			b.WriteString("- " + d + "\n")
		}
	}
	return b.String()
}

func renderEpicBody(num int, title, description string) string {
	return fmt.Sprintf("\n# Epic %d: %s\n\n## %s\n\n%s\n", num, title, sectionDescription, description)
}

func unslug(slug string) string {
	return strings.ReplaceAll(slug, "-", " ")
}
