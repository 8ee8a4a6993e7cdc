// Package tools wraps the external astronomical programs (SWarp, PSFEx and
// the downstream pipeline) run as subprocesses.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"refbuild/internal/logging"
)

// Command is one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) ([]byte, error) { return f(ctx, cmd) }

// ExitError reports a tool that ran but exited with a nonzero status.
type ExitError struct {
	Tool   string
	Code   int
	Output []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s failed with exit code %d", e.Tool, e.Code)
}

// ExecRunner runs commands with os/exec and logs the command line and its
// output.
type ExecRunner struct {
	Log *slog.Logger
}

func (r ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	log := logging.OrDiscard(r.Log)
	log.Info("executing command", "cmd", c.String())

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.Bytes()
	if len(output) > 0 {
		log.Debug("command output", "tool", c.Name, "output", string(output))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Error("command failed", "tool", c.Name, "exit_code", exitErr.ExitCode(), "duration", time.Since(start))
			return output, &ExitError{Tool: c.Name, Code: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("run %s: %w", c.Name, err)
	}
	log.Info("command finished", "tool", c.Name, "duration", time.Since(start))
	return output, nil
}
