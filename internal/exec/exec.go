// Package exec abstracts running external commands so that git and process
// plumbing can be exercised against a MockExecutor in tests.
package exec

import (
	"bytes"
	"context"
	"os/exec"
)

// CommandExecutor runs external commands in a working directory.
type CommandExecutor interface {
	// Run executes the command and returns stdout and stderr separately.
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)

	// Output executes the command and returns stdout.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)

	// CombinedOutput executes the command and returns stdout and stderr interleaved.
	CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// RealExecutor runs commands with os/exec.
type RealExecutor struct {
	// Env, when non-nil, is appended to the inherited environment.
	Env []string
}

// NewRealExecutor returns an executor that runs real commands.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (e *RealExecutor) command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if e.Env != nil {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	return cmd
}

func (e *RealExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := e.command(ctx, dir, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (e *RealExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return e.command(ctx, dir, name, args...).Output()
}

func (e *RealExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return e.command(ctx, dir, name, args...).CombinedOutput()
}

// ExitCode returns the process exit code carried by err, 0 for nil and -1
// when err did not come from an exited process.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
