// Package agentdetector runs detection commands on the host the worker is
// deployed to, standing in for a Blue-Team host agent. The shell is chosen
// per platform tag: powershell for psh/pwsh, /bin/sh for sh, bash, cmd or an
// empty tag; any other tag is a permanent failure.
package agentdetector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/worker"
)

// commandConfig is the platform config an agent task carries.
type commandConfig struct {
	Command string `json:"command"`
	// DetectOnMatch marks the run as detected when this substring appears
	// in stdout. Empty means exit code 0 counts as detected.
	DetectOnMatch string `json:"detect_on_match"`
}

// CommandDetector executes the configured command and derives the verdict
// from its output.
type CommandDetector struct {
	host string
}

// New builds a command detector reporting results under host.
func New(host string) *CommandDetector {
	return &CommandDetector{host: host}
}

func (c *CommandDetector) Detect(ctx context.Context, task *codec.TaskMessage) (*worker.Detection, error) {
	var cfg commandConfig
	if err := json.Unmarshal(task.Config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: agent config: %v", domain.ErrPermanent, err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: agent config missing command", domain.ErrPermanent)
	}

	cmd, err := shellCommand(ctx, task.Platform, cfg.Command)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: command cancelled: %v", domain.ErrTransient, ctx.Err())
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		ok := false
		if exitErr, ok = runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// The shell itself could not start; report it as transient so
			// the runtime retries it.
			return nil, fmt.Errorf("%w: run command: %v", domain.ErrTransient, runErr)
		}
	}

	detected := domain.DetectedFalse
	if cfg.DetectOnMatch != "" {
		if strings.Contains(stdout.String(), cfg.DetectOnMatch) {
			detected = domain.DetectedTrue
		}
	} else if exitCode == 0 {
		detected = domain.DetectedTrue
	}

	raw, _ := json.Marshal(map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	})
	parsed, _ := json.Marshal(map[string]any{"exit_code": exitCode, "detected": detected})
	return &worker.Detection{
		Detected: detected,
		Raw:      raw,
		Parsed:   parsed,
		Source:   c.host,
	}, nil
}

func shellCommand(ctx context.Context, platform, script string) (*exec.Cmd, error) {
	switch platform {
	case "psh", "pwsh":
		// #nosec G204
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script), nil
	case "sh", "bash", "cmd", "":
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", script), nil
	default:
		return nil, fmt.Errorf("%w: shell platform %q", domain.ErrPermanent, platform)
	}
}
