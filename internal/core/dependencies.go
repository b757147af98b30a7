package core

import (
	"fmt"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// sprintGetter is the part of Backend needed to check dependencies.
type sprintGetter interface {
	GetSprint(id string) (*models.Sprint, error)
}

// UnmetDependencies returns the dependency sprint ids of id that are not done.
func UnmetDependencies(b sprintGetter, id string) ([]string, error) {
	sp, err := b.GetSprint(id)
	if err != nil {
		return nil, err
	}
	var unmet []string
	for _, dep := range sp.Dependencies {
		d, err := b.GetSprint(dep)
		if err != nil {
			return nil, fmt.Errorf("checking dependency %s of %s: %w", dep, id, err)
		}
		if d.Status != models.SprintDone {
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

// ValidateDependencies returns a DependencyNotMetError when any dependency of
// the sprint is not done.
func ValidateDependencies(b sprintGetter, id string) error {
	unmet, err := UnmetDependencies(b, id)
	if err != nil {
		return err
	}
	if len(unmet) > 0 {
		return &workflow.DependencyNotMetError{SprintID: id, Unmet: unmet}
	}
	return nil
}
