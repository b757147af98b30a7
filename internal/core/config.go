// Package core contains the execution logic for maestro: the dependency
// scheduler, the phase runner with its hooks and gates, resume and cancel
// control, cumulative context selection, and project configuration.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
	"github.com/spf13/viper"
)

// ConfigFileName is the project configuration file at the project root.
const ConfigFileName = ".maestro.yaml"

// HomeEnvVar overrides project root discovery.
const HomeEnvVar = "MAESTRO_HOME"

// ConfigurationManager loads and validates the project configuration.
type ConfigurationManager interface {
	LoadConfig() (*models.ProjectConfig, error)
	ValidateConfig(cfg *models.ProjectConfig) error
}

// viperConfigManager implements ConfigurationManager using Viper.
type viperConfigManager struct {
	// basePath is the project root where .maestro.yaml resides.
	basePath string
}

// NewConfigurationManager creates a ConfigurationManager reading
// .maestro.yaml from basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultProjectConfig returns the configuration used when no file exists.
func DefaultProjectConfig() *models.ProjectConfig {
	return &models.ProjectConfig{
		KanbanDir: "kanban",
		StateDir:  ".claude",
		Execution: models.ExecutionConfig{
			Mode:       models.ModePhased,
			MaxRetries: 2,
		},
		Gates: models.DefaultGateConfig(),
		Alerts: models.AlertConfig{
			BlockedHours: 24,
			ReviewDays:   5,
			StaleDays:    3,
		},
	}
}

// LoadConfig reads .maestro.yaml. Missing keys fall back to the defaults,
// and a missing file yields the defaults unchanged.
func (cm *viperConfigManager) LoadConfig() (*models.ProjectConfig, error) {
	cfg := DefaultProjectConfig()

	v := viper.New()
	v.SetConfigName(strings.TrimSuffix(ConfigFileName, ".yaml"))
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	v.SetDefault("kanban_dir", cfg.KanbanDir)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("execution.mode", string(cfg.Execution.Mode))
	v.SetDefault("execution.max_retries", cfg.Execution.MaxRetries)
	v.SetDefault("execution.retry_delay", "0s")
	v.SetDefault("gates.enabled", cfg.Gates.Enabled)
	v.SetDefault("gates.coverage", cfg.Gates.Coverage)
	v.SetDefault("gates.quality_review", cfg.Gates.QualityReview)
	v.SetDefault("gates.step_ordering", cfg.Gates.StepOrdering)
	v.SetDefault("gates.required_steps", cfg.Gates.RequiredSteps)
	v.SetDefault("gates.grooming", cfg.Gates.Grooming)
	v.SetDefault("gates.default_coverage", cfg.Gates.DefaultCoverage)
	v.SetDefault("alerts.blocked_hours", cfg.Alerts.BlockedHours)
	v.SetDefault("alerts.review_days", cfg.Alerts.ReviewDays)
	v.SetDefault("alerts.stale_days", cfg.Alerts.StaleDays)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ConfigFileName, err)
	}
	// Thresholds named in the file extend the built-in table rather than
	// replacing it.
	if len(cfg.Gates.CoverageThresholds) > 0 {
		merged := models.DefaultCoverageThresholds()
		for k, val := range cfg.Gates.CoverageThresholds {
			merged[k] = val
		}
		cfg.Gates.CoverageThresholds = merged
	}
	return cfg, nil
}

// ValidateConfig reports every invalid value at once.
func (cm *viperConfigManager) ValidateConfig(cfg *models.ProjectConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string
	if cfg.KanbanDir == "" {
		errs = append(errs, "kanban_dir must not be empty")
	}
	if cfg.StateDir == "" {
		errs = append(errs, "state_dir must not be empty")
	}
	switch cfg.Execution.Mode {
	case models.ModePhased, models.ModeFlat:
	default:
		errs = append(errs, fmt.Sprintf("execution.mode must be phased or flat, got %q", cfg.Execution.Mode))
	}
	if cfg.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must not be negative")
	}
	if cfg.Execution.RetryDelay < 0 {
		errs = append(errs, "execution.retry_delay must not be negative")
	}
	if cfg.Gates.DefaultCoverage < 0 || cfg.Gates.DefaultCoverage > 100 {
		errs = append(errs, "gates.default_coverage must be between 0 and 100")
	}
	types := make([]string, 0, len(cfg.Gates.CoverageThresholds))
	for t := range cfg.Gates.CoverageThresholds {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if v := cfg.Gates.CoverageThresholds[t]; v < 0 || v > 100 {
			errs = append(errs, fmt.Sprintf("gates.coverage_thresholds.%s must be between 0 and 100", t))
		}
	}
	agents := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	for _, name := range agents {
		a := cfg.Agents[name]
		if a.Command == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.command must not be empty", name))
		}
		if a.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("agents.%s.timeout must not be negative", name))
		}
	}
	if cfg.Alerts.BlockedHours < 0 || cfg.Alerts.ReviewDays < 0 || cfg.Alerts.StaleDays < 0 {
		errs = append(errs, "alerts thresholds must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// FindProjectRoot returns $MAESTRO_HOME when set. Otherwise it walks up from
// start to the first directory holding .maestro.yaml or a kanban directory,
// and falls back to start itself.
func FindProjectRoot(start string) (string, error) {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return filepath.Abs(home)
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", start, err)
	}
	for d := dir; ; {
		if fileExists(filepath.Join(d, ConfigFileName)) || dirExists(filepath.Join(d, "kanban")) {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			return dir, nil
		}
		d = parent
	}
}

// ResolvePath joins a relative configured path onto the project root.
func ResolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
