package core

import (
	"fmt"
	"os"
	"strings"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
	"gopkg.in/yaml.v3"
)

// WorkflowFile is the YAML form of a custom phase sequence.
type WorkflowFile struct {
	Phases []WorkflowPhase `yaml:"phases"`
}

// WorkflowPhase describes one phase in a workflow file.
type WorkflowPhase struct {
	Name       string         `yaml:"name"`
	Agent      string         `yaml:"agent,omitempty"`
	Artifacts  []string       `yaml:"artifacts,omitempty"`
	Required   *bool          `yaml:"required,omitempty"`
	MaxRetries *int           `yaml:"max_retries,omitempty"`
	Steps      []WorkflowStep `yaml:"steps,omitempty"`
	Gate       *WorkflowGate  `yaml:"gate,omitempty"`
}

// WorkflowStep is a step of a multi-step phase.
type WorkflowStep struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	Type      string   `yaml:"type"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// WorkflowGate selects a phase exit gate.
type WorkflowGate struct {
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value,omitempty"`
}

// LoadWorkflowFile reads a workflow file and converts it to phase configs.
func LoadWorkflowFile(path string) ([]PhaseConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from project config
	if err != nil {
		return nil, fmt.Errorf("reading workflow file %s: %w", path, err)
	}
	phases, err := ParseWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow file %s: %w", path, err)
	}
	return phases, nil
}

// ParseWorkflow decodes workflow YAML into phase configs. Phases must use
// known names, appear at most once, and follow the canonical phase order.
func ParseWorkflow(data []byte) ([]PhaseConfig, error) {
	var wf WorkflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	if len(wf.Phases) == 0 {
		return nil, fmt.Errorf("no phases defined")
	}

	var errs []string
	configs := make([]PhaseConfig, 0, len(wf.Phases))
	last := -1
	for _, p := range wf.Phases {
		phase := models.Phase(strings.ToLower(p.Name))
		pos := phaseIndex(phase)
		if pos < 0 {
			errs = append(errs, fmt.Sprintf("unknown phase %q", p.Name))
			continue
		}
		if pos <= last {
			errs = append(errs, fmt.Sprintf("phase %q is duplicated or out of order", p.Name))
			continue
		}
		last = pos

		pc := PhaseConfig{
			Phase:      phase,
			AgentType:  p.Agent,
			Artifacts:  p.Artifacts,
			Optional:   p.Required != nil && !*p.Required,
			MaxRetries: defaultPhaseRetries,
		}
		if p.MaxRetries != nil {
			if *p.MaxRetries < 0 {
				errs = append(errs, fmt.Sprintf("phase %q: max_retries must not be negative", p.Name))
			}
			pc.MaxRetries = *p.MaxRetries
		}
		for _, s := range p.Steps {
			if s.ID == "" || s.Type == "" {
				errs = append(errs, fmt.Sprintf("phase %q: steps need an id and a type", p.Name))
				continue
			}
			name := s.Name
			if name == "" {
				name = s.ID
			}
			pc.Steps = append(pc.Steps, models.Step{
				ID:        s.ID,
				Name:      name,
				Status:    models.StepTodo,
				DependsOn: s.DependsOn,
				Metadata:  map[string]any{"type": s.Type, "phase": string(phase)},
			})
		}
		if p.Gate != nil {
			gate, err := workflowGate(*p.Gate)
			if err != nil {
				errs = append(errs, fmt.Sprintf("phase %q: %v", p.Name, err))
			}
			pc.Gate = gate
		}
		configs = append(configs, pc)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid workflow:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return configs, nil
}

func workflowGate(g WorkflowGate) (PhaseGate, error) {
	switch g.Type {
	case "min_coverage":
		return MinCoverageGate(g.Value), nil
	case "review_approved":
		return ReviewApprovedGate(), nil
	case "all_succeeded":
		return AllSucceededGate(), nil
	default:
		return nil, fmt.Errorf("unknown gate type %q", g.Type)
	}
}

func phaseIndex(p models.Phase) int {
	for i, v := range models.PhaseOrder {
		if v == p {
			return i
		}
	}
	return -1
}
