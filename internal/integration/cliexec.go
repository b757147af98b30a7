package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// maxOutputBytes caps the raw output kept from an agent that does not
// answer with JSON.
const maxOutputBytes = 64 * 1024

// CommandAgent runs an external command for each step. The step context is
// written to the command's stdin as JSON. A command that prints an agent
// result as JSON on stdout reports it directly; any other output is taken
// as the step output, with success decided by the exit code.
type CommandAgent struct {
	Command string
	Args    []string
	// Timeout bounds a single invocation. Zero means no limit beyond ctx.
	Timeout time.Duration
	// Dir is the working directory, usually the project root.
	Dir string
	// Stderr receives the command's stderr as it runs, when set.
	Stderr io.Writer
}

// NewCommandAgent creates an agent from its configuration.
func NewCommandAgent(cfg models.AgentConfig, dir string) *CommandAgent {
	return &CommandAgent{Command: cfg.Command, Args: cfg.Args, Timeout: cfg.Timeout, Dir: dir}
}

// Execute runs the command once for sc. A command that cannot be started is
// an error; a non-zero exit is a failed result.
func (a *CommandAgent) Execute(ctx context.Context, sc *models.StepContext) (*models.AgentResult, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encoding step context: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...) //nolint:gosec // G204: command comes from project config
	cmd.Dir = a.Dir
	cmd.Env = BuildEnv(os.Environ(), sc)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if a.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, a.Stderr)
	} else {
		cmd.Stderr = &stderr
	}

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return &models.AgentResult{
			Success: false,
			Output:  fmt.Sprintf("%s interrupted: %v", a.Command, ctx.Err()),
		}, nil
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("executing %s: %w", a.Command, runErr)
	}

	if res, ok := parseResult(stdout.Bytes()); ok {
		if exitErr != nil {
			res.Success = false
		}
		return res, nil
	}

	res := &models.AgentResult{Success: runErr == nil, Output: truncate(strings.TrimSpace(stdout.String()))}
	if exitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		res.Output = truncate(fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), msg))
	}
	return res, nil
}

// parseResult decodes stdout as an agent result. The last non-empty line is
// tried as well, so commands may log before printing their result.
func parseResult(out []byte) (*models.AgentResult, bool) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, false
	}
	candidates := [][]byte{trimmed}
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		candidates = append(candidates, bytes.TrimSpace(trimmed[i+1:]))
	}
	for _, c := range candidates {
		if len(c) == 0 || c[0] != '{' {
			continue
		}
		var res models.AgentResult
		if err := json.Unmarshal(c, &res); err == nil {
			return &res, true
		}
	}
	return nil, false
}

// BuildEnv appends MAESTRO_* variables describing the step to base.
func BuildEnv(base []string, sc *models.StepContext) []string {
	if sc == nil {
		return base
	}
	env := make([]string, len(base), len(base)+5)
	copy(env, base)
	env = append(env,
		"MAESTRO_STEP_ID="+sc.Step.ID,
		"MAESTRO_STEP_TYPE="+sc.Step.Type(),
		"MAESTRO_PROJECT_ROOT="+sc.ProjectRoot,
	)
	if sc.Sprint != nil {
		env = append(env, "MAESTRO_SPRINT_ID="+sc.Sprint.ID)
	}
	if phase, ok := sc.Step.Metadata["phase"].(string); ok {
		env = append(env, "MAESTRO_PHASE="+phase)
	}
	return env
}

// truncate cuts s to at most maxOutputBytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[output truncated]"
}
