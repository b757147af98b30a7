package models

// GateConfig selects which default gates are registered for a run.
type GateConfig struct {
	Enabled            bool               `yaml:"enabled" mapstructure:"enabled"`
	Coverage           bool               `yaml:"coverage" mapstructure:"coverage"`
	QualityReview      bool               `yaml:"quality_review" mapstructure:"quality_review"`
	StepOrdering       bool               `yaml:"step_ordering" mapstructure:"step_ordering"`
	RequiredSteps      bool               `yaml:"required_steps" mapstructure:"required_steps"`
	Grooming           bool               `yaml:"grooming" mapstructure:"grooming"`
	DefaultCoverage    float64            `yaml:"default_coverage" mapstructure:"default_coverage"`
	CoverageThresholds map[string]float64 `yaml:"coverage_thresholds,omitempty" mapstructure:"coverage_thresholds"`
}

// DefaultCoverageThresholds are the minimum coverage percentages per sprint type.
func DefaultCoverageThresholds() map[string]float64 {
	return map[string]float64{
		"backend":        85,
		"frontend":       70,
		"fullstack":      75,
		"infrastructure": 60,
		"research":       0,
	}
}

// DefaultGateConfig returns the gates enabled for a new project.
// Quality review and grooming need dedicated agents, so they start disabled.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Enabled:            true,
		Coverage:           true,
		QualityReview:      false,
		StepOrdering:       true,
		RequiredSteps:      true,
		Grooming:           false,
		DefaultCoverage:    80,
		CoverageThresholds: DefaultCoverageThresholds(),
	}
}

// CoverageThreshold returns the threshold for a sprint type.
func (g GateConfig) CoverageThreshold(sprintType string) float64 {
	if v, ok := g.CoverageThresholds[sprintType]; ok {
		return v
	}
	if v, ok := DefaultCoverageThresholds()[sprintType]; ok && g.CoverageThresholds == nil {
		return v
	}
	return g.DefaultCoverage
}
