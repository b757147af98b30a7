package core

import (
	"fmt"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// BoardCard is one sprint as shown on the board.
type BoardCard struct {
	SprintID string  `json:"sprint_id"`
	Goal     string  `json:"goal"`
	EpicID   string  `json:"epic_id,omitempty"`
	Type     string  `json:"type,omitempty"`
	Progress float64 `json:"progress_pct"`
}

// BoardColumn holds the sprints in one status.
type BoardColumn struct {
	Status models.SprintStatus `json:"status"`
	Cards  []BoardCard         `json:"cards"`
}

// BuildBoard groups every sprint by status in board order. Archived and
// abandoned sprints are left out unless all is set.
func BuildBoard(b Backend, all bool) ([]BoardColumn, error) {
	state, err := b.ProjectState()
	if err != nil {
		return nil, fmt.Errorf("reading project state: %w", err)
	}

	byStatus := make(map[models.SprintStatus][]BoardCard)
	for _, sp := range state.Sprints {
		byStatus[sp.Status] = append(byStatus[sp.Status], BoardCard{
			SprintID: sp.ID,
			Goal:     sp.Goal,
			EpicID:   sp.EpicID,
			Type:     sp.Type,
			Progress: models.SummarizeSteps(sp).ProgressPct,
		})
	}

	var cols []BoardColumn
	for _, st := range models.AllSprintStatuses {
		if !all && (st == models.SprintArchived || st == models.SprintAbandoned) {
			continue
		}
		cards := byStatus[st]
		if cards == nil {
			cards = []BoardCard{}
		}
		cols = append(cols, BoardColumn{Status: st, Cards: cards})
	}
	return cols, nil
}
