// Package workflow holds the sprint lifecycle rules shared by the execution
// engine and the storage backends. It exists to avoid import cycles between
// core and storage.
package workflow

import "github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"

type transition struct {
	from, to models.SprintStatus
}

var validTransitions = map[transition]struct{}{
	{models.SprintBacklog, models.SprintTodo}:       {},
	{models.SprintTodo, models.SprintInProgress}:    {},
	{models.SprintTodo, models.SprintBacklog}:       {},
	{models.SprintInProgress, models.SprintReview}:  {},
	{models.SprintInProgress, models.SprintDone}:    {},
	{models.SprintInProgress, models.SprintBlocked}: {},
	{models.SprintReview, models.SprintDone}:        {},
	{models.SprintReview, models.SprintInProgress}:  {},
	{models.SprintBlocked, models.SprintInProgress}: {},
	{models.SprintDone, models.SprintArchived}:      {},
	{models.SprintAbandoned, models.SprintArchived}: {},
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to models.SprintStatus) bool {
	_, ok := validTransitions[transition{from, to}]
	return ok
}

// ValidateTransition returns an *InvalidTransitionError when from -> to is
// not a legal status change.
func ValidateTransition(sprintID string, from, to models.SprintStatus) error {
	if !IsValidTransition(from, to) {
		return &InvalidTransitionError{SprintID: sprintID, From: from, To: to}
	}
	return nil
}

// AllowedTargets returns the statuses reachable from from, in board order.
func AllowedTargets(from models.SprintStatus) []models.SprintStatus {
	var out []models.SprintStatus
	for _, to := range models.AllSprintStatuses {
		if IsValidTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// CanAbandon reports whether a sprint in status s may be abandoned. Abandoning
// is a cancellation path outside the transition table and only applies to
// sprints that have not started.
func CanAbandon(s models.SprintStatus) bool {
	return s == models.SprintTodo || s == models.SprintBacklog
}
