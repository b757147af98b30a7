package models

import "time"

// ExecutionMode selects how the runner walks a sprint.
type ExecutionMode string

const (
	ModePhased ExecutionMode = "phased"
	ModeFlat   ExecutionMode = "flat"
)

// ExecutionConfig controls retries and phase selection.
type ExecutionConfig struct {
	Mode         ExecutionMode `yaml:"mode" mapstructure:"mode"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	WorkflowFile string        `yaml:"workflow_file,omitempty" mapstructure:"workflow_file"`
}

// AgentConfig describes an external command that performs steps of one type.
type AgentConfig struct {
	Command string        `yaml:"command" mapstructure:"command"`
	Args    []string      `yaml:"args,omitempty" mapstructure:"args"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// AlertConfig holds thresholds for alerts derived from the event log.
type AlertConfig struct {
	BlockedHours int `yaml:"blocked_hours" mapstructure:"blocked_hours"`
	ReviewDays   int `yaml:"review_days" mapstructure:"review_days"`
	StaleDays    int `yaml:"stale_days" mapstructure:"stale_days"`
}

// SlackConfig holds the incoming webhook used for alert notifications.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// NotificationConfig groups notification channels.
type NotificationConfig struct {
	Slack SlackConfig `yaml:"slack" mapstructure:"slack"`
}

// ProjectConfig holds project settings read from .maestro.yaml via Viper.
type ProjectConfig struct {
	KanbanDir     string                 `yaml:"kanban_dir" mapstructure:"kanban_dir"`
	StateDir      string                 `yaml:"state_dir" mapstructure:"state_dir"`
	Execution     ExecutionConfig        `yaml:"execution" mapstructure:"execution"`
	Gates         GateConfig             `yaml:"gates" mapstructure:"gates"`
	Agents        map[string]AgentConfig `yaml:"agents,omitempty" mapstructure:"agents"`
	Alerts        AlertConfig            `yaml:"alerts" mapstructure:"alerts"`
	Notifications NotificationConfig     `yaml:"notifications" mapstructure:"notifications"`
}
