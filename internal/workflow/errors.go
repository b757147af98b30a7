package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDependencyNotMet  = errors.New("dependency not met")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
)

// InvalidTransitionError is returned when a status change is not in the
// transition table.
type InvalidTransitionError struct {
	SprintID string
	From     models.SprintStatus
	To       models.SprintStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for sprint %s: %s -> %s", e.SprintID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// DependencyNotMetError is returned when a sprint depends on sprints that are
// not done yet.
type DependencyNotMetError struct {
	SprintID string
	Unmet    []string
}

func (e *DependencyNotMetError) Error() string {
	return fmt.Sprintf("sprint %s has unmet dependencies: %s", e.SprintID, strings.Join(e.Unmet, ", "))
}

func (e *DependencyNotMetError) Is(target error) bool { return target == ErrDependencyNotMet }

// CyclicDependencyError names the steps forming a dependency cycle.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cycle detected involving steps: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// NotFoundError is returned for a missing epic, sprint, or file.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError is returned when an operation's preconditions do not hold.
type ValidationError struct {
	SprintID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.SprintID == "" {
		return e.Reason
	}
	return fmt.Sprintf("sprint %s: %s", e.SprintID, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
