// Package hook runs user-configured shell commands around a backup run.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// Stage names when a batch of hook commands runs.
type Stage string

const (
	PreBackup  Stage = "pre-backup"
	PostBackup Stage = "post-backup"
)

// Executor runs hook commands through the platform shell.
type Executor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecutor creates an Executor. A nil commandContext uses exec.CommandContext.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{commandContext: commandContext}
}

// Run executes commands in order with env added to the process environment.
// With failFast the first failing command stops the batch and its error is
// returned; otherwise failures are logged and the batch continues.
func (e *Executor) Run(ctx context.Context, stage Stage, commands []string, env []string, failFast bool) error {
	if len(commands) == 0 {
		return nil
	}
	plog.Info("Running hook commands", "stage", stage, "count", len(commands))

	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		plog.Info("Executing command", "stage", stage, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(os.Environ(), env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A canceled context kills the command; report the cancellation instead.
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if failFast {
				return fmt.Errorf("%s command '%s' failed: %w", stage, hookCommand, err)
			}
			plog.Warn("Hook command failed", "stage", stage, "command", hookCommand, "error", err)
		}
	}
	return nil
}
