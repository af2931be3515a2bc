// Package milestone implements C5: deciding whether a work-unit
// request is delivered by spawning the agent or by injecting a
// slash-command into an already-running session, and assembling the
// agent invocation itself.
package milestone

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"

	"github.com/agentbridge/agentbridge/internal/registry"
)

// Config controls command assembly and the new-milestone injection delay.
type Config struct {
	AgentBin     string
	AgentArgs    []string
	AllowedTools []string
	InjectDelay  time.Duration
}

// BuildCommandSpec assembles the agent invocation for the first spawn
// of a project. workspacePath is invariant across every milestone of
// the project; resumeSessionID is "" on a project's very first run.
func BuildCommandSpec(cfg Config, workspacePath, resumeSessionID string, rows, cols uint16) (registry.CommandSpec, error) {
	if _, err := os.Stat(workspacePath); err != nil {
		return registry.CommandSpec{}, fmt.Errorf("milestone: workspace_path %s: %w", workspacePath, err)
	}

	args := []string{
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}

	if len(cfg.AllowedTools) > 0 {
		if err := validateAllowedTools(cfg.AllowedTools); err != nil {
			return registry.CommandSpec{}, err
		}
		for _, t := range cfg.AllowedTools {
			args = append(args, "--allowed-tool", t)
		}
	}

	args = append(args, cfg.AgentArgs...)

	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}

	bin := cfg.AgentBin
	if bin == "" {
		bin = "claude"
	}

	return registry.CommandSpec{
		Command: bin,
		Args:    args,
		Dir:     workspacePath,
		Rows:    rows,
		Cols:    cols,
	}, nil
}

// validateAllowedTools rejects tool-name patterns that are not valid
// glob expressions, since they're used to allowlist tool invocation at
// the agent's own permission layer.
func validateAllowedTools(patterns []string) error {
	for _, p := range patterns {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("milestone: invalid allowed-tool pattern %q: %w", p, err)
		}
	}
	return nil
}

// InjectNewMilestone delivers a new work unit into an already-running
// session by writing "/new-milestone <context_file_path>\n" to its pty,
// after waiting InjectDelay to let the agent be receptive. This is the
// only time the server itself synthesizes pty input. Fire-and-forget:
// not retried if the write fails or the agent is busy (spec.md §9 open
// question, resolved).
func InjectNewMilestone(ctx context.Context, sess *registry.Session, contextFilePath string, delay time.Duration) {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	cmd := fmt.Sprintf("/new-milestone %s\n", contextFilePath)
	_, _ = sess.Process().WriteString(cmd)
}
