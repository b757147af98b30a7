package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// EpicID formats an epic number as an epic id (e.g. 7 -> "e-7").
func EpicID(n int) string { return fmt.Sprintf("e-%d", n) }

// SprintID formats a sprint number as a sprint id (e.g. 29 -> "s-29").
func SprintID(n int) string { return fmt.Sprintf("s-%d", n) }

// ParseNumber extracts the number from an epic or sprint id. It accepts the
// canonical "s-29" / "e-7" forms as well as bare numbers and padded
// directory-style ids such as "sprint-03".
func ParseNumber(id string) (int, error) {
	s := strings.TrimSpace(id)
	if i := strings.LastIndexAny(s, "-_"); i >= 0 {
		s = s[i+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &ValidationError{Reason: fmt.Sprintf("invalid id %q", id)}
	}
	return n, nil
}

// NormalizeSprintID returns the canonical sprint id for any accepted form.
func NormalizeSprintID(id string) (string, error) {
	n, err := ParseNumber(id)
	if err != nil {
		return "", err
	}
	return SprintID(n), nil
}

// NormalizeEpicID returns the canonical epic id for any accepted form.
func NormalizeEpicID(id string) (string, error) {
	n, err := ParseNumber(id)
	if err != nil {
		return "", err
	}
	return EpicID(n), nil
}
