package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// Rejection is one entry of a sprint's rejection history.
type Rejection struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SprintState is the companion progress file kept outside the column tree.
type SprintState struct {
	SprintID         string               `json:"sprintId"`
	Status           models.SprintStatus  `json:"status"`
	CurrentPhase     models.Phase         `json:"currentPhase,omitempty"`
	CurrentStep      string               `json:"currentStep,omitempty"`
	StartedAt        *time.Time           `json:"startedAt,omitempty"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty"`
	CompletedSteps   []string             `json:"completedSteps"`
	Steps            []models.Step        `json:"steps"`
	Transitions      []models.Transition  `json:"transitions"`
	Phases           []models.PhaseRecord `json:"phases,omitempty"`
	Blocker          string               `json:"blocker,omitempty"`
	PreviousBlocker  string               `json:"previousBlocker,omitempty"`
	ResumedAt        *time.Time           `json:"resumedAt,omitempty"`
	RejectionReason  string               `json:"rejectionReason,omitempty"`
	RejectionHistory []Rejection          `json:"rejectionHistory,omitempty"`
	AbortReason      string               `json:"abortReason,omitempty"`
}

// recordPhase replaces any earlier record for the same phase.
func (s *SprintState) recordPhase(rec models.PhaseRecord) {
	s.CurrentPhase = rec.Phase
	for i := range s.Phases {
		if s.Phases[i].Phase == rec.Phase {
			s.Phases[i] = rec
			return
		}
	}
	s.Phases = append(s.Phases, rec)
}

// syncSteps copies step progress from the sprint into the state.
func (s *SprintState) syncSteps(sp *models.Sprint) {
	s.Status = sp.Status
	s.Steps = append([]models.Step(nil), sp.Steps...)
	s.Transitions = append([]models.Transition(nil), sp.Transitions...)
	s.CompletedSteps = []string{}
	s.CurrentStep = ""
	for _, st := range sp.Steps {
		if st.Status == models.StepDone {
			s.CompletedSteps = append(s.CompletedSteps, st.ID)
		}
		if st.Status == models.StepInProgress && s.CurrentStep == "" {
			s.CurrentStep = st.ID
		}
	}
}

type stateFiles struct {
	dir string
}

func (f stateFiles) path(num int) string {
	return filepath.Join(f.dir, fmt.Sprintf("sprint-%d-state.json", num))
}

// read returns nil without error when no state file exists.
func (f stateFiles) read(num int) (*SprintState, error) {
	data, err := os.ReadFile(f.path(num))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", f.path(num), err)
	}
	var st SprintState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", f.path(num), err)
	}
	return &st, nil
}

// write replaces the state file atomically.
func (f stateFiles) write(num int, st *SprintState) error {
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sprint state: %w", err)
	}
	target := f.path(num)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
