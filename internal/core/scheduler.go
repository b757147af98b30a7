package core

import (
	"fmt"

	"github.com/dreadnought-foundry/maestro-agents-sub000/internal/workflow"
	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

type stepState int

const (
	statePending stepState = iota
	stateInProgress
	stateCompleted
	stateFailed
)

// Scheduler computes which steps of a dependency graph can run next.
// It is not safe for concurrent use; the runner mutates it from one goroutine.
type Scheduler struct {
	steps []models.Step
	index map[string]int
	state []stepState
}

// NewScheduler builds a scheduler over steps and rejects dependency cycles.
// Steps already done or skipped start out completed so a resumed run only
// schedules the remaining work. Dependencies naming ids outside the graph
// are ignored.
func NewScheduler(steps []models.Step) (*Scheduler, error) {
	s := &Scheduler{
		steps: steps,
		index: make(map[string]int, len(steps)),
		state: make([]stepState, len(steps)),
	}
	for i, st := range steps {
		s.index[st.ID] = i
		if st.Status.Finished() {
			s.state[i] = stateCompleted
		}
	}
	if cycle := s.findCycle(); cycle != nil {
		return nil, &workflow.CyclicDependencyError{Cycle: cycle}
	}
	return s, nil
}

// findCycle runs an iterative three-colour DFS and returns the ids on the
// first cycle found, closing with the id it started from.
func (s *Scheduler) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(s.steps))
	type frame struct {
		node int
		next int
	}

	for root := range s.steps {
		if color[root] != white {
			continue
		}
		stack := []frame{{node: root}}
		color[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := s.steps[top.node].DependsOn
			if top.next == len(deps) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep, ok := s.index[deps[top.next]]
			top.next++
			if !ok {
				continue
			}
			switch color[dep] {
			case white:
				color[dep] = gray
				stack = append(stack, frame{node: dep})
			case gray:
				var cycle []string
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{s.steps[stack[i].node].ID}, cycle...)
					if stack[i].node == dep {
						break
					}
				}
				return append(cycle, s.steps[dep].ID)
			}
		}
	}
	return nil
}

// Ready returns the pending steps whose known dependencies have all
// completed, in input order.
func (s *Scheduler) Ready() []models.Step {
	var ready []models.Step
	for i, st := range s.steps {
		if s.state[i] != statePending {
			continue
		}
		if s.depsCompleted(st) {
			ready = append(ready, st)
		}
	}
	return ready
}

func (s *Scheduler) depsCompleted(st models.Step) bool {
	for _, dep := range st.DependsOn {
		j, ok := s.index[dep]
		if !ok {
			continue
		}
		if s.state[j] != stateCompleted {
			return false
		}
	}
	return true
}

// MarkInProgress records that a step has been dispatched.
func (s *Scheduler) MarkInProgress(id string) error { return s.mark(id, stateInProgress) }

// MarkComplete records that a step succeeded.
func (s *Scheduler) MarkComplete(id string) error { return s.mark(id, stateCompleted) }

// MarkFailed records that a step failed.
func (s *Scheduler) MarkFailed(id string) error { return s.mark(id, stateFailed) }

func (s *Scheduler) mark(id string, st stepState) error {
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("marking step %s: %w", id, &workflow.NotFoundError{Kind: "step", ID: id})
	}
	s.state[i] = st
	return nil
}

// IsDone reports whether no further progress is possible: every step has
// finished, or nothing is ready and nothing is running.
func (s *Scheduler) IsDone() bool {
	finished := true
	for _, st := range s.state {
		if st == stateInProgress {
			return false
		}
		if st == statePending {
			finished = false
		}
	}
	return finished || len(s.Ready()) == 0
}

// HasFailures reports whether any step failed. A failed step also covers
// every remaining step that depends on it, since those can never become
// ready.
func (s *Scheduler) HasFailures() bool {
	for _, st := range s.state {
		if st == stateFailed {
			return true
		}
	}
	return false
}

// Completed reports whether the step with the given id has completed.
func (s *Scheduler) Completed(id string) bool {
	i, ok := s.index[id]
	return ok && s.state[i] == stateCompleted
}

// Sequentialize chains steps one after another when none of them declares
// a dependency. Otherwise the steps are returned unchanged.
func Sequentialize(steps []models.Step) []models.Step {
	for _, st := range steps {
		if len(st.DependsOn) > 0 {
			return steps
		}
	}
	out := make([]models.Step, len(steps))
	copy(out, steps)
	for i := 1; i < len(out); i++ {
		out[i].DependsOn = []string{out[i-1].ID}
	}
	return out
}
