// Package runner executes external commands with per-attempt timeouts,
// retries, and an optional sudo fallback when a command fails for lack of
// permissions.
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

// CommandExecutor defines an interface for executing a single command.
// This abstraction enables unit testing without real process execution.
type CommandExecutor interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run(ctx context.Context) ([]byte, error)
}

// CommandBuilder creates executors for commands.
type CommandBuilder interface {
	// Build creates a CommandExecutor for the given command and arguments.
	Build(name string, args ...string) CommandExecutor
}

// RealCommandExecutor runs commands through os/exec.
type RealCommandExecutor struct {
	name string
	args []string
}

// Run executes the command with the given context and returns combined output.
func (r *RealCommandExecutor) Run(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, r.name, r.args...).CombinedOutput()
}

// RealCommandBuilder implements CommandBuilder using os/exec.
type RealCommandBuilder struct{}

// NewRealCommandBuilder creates a new RealCommandBuilder.
func NewRealCommandBuilder() *RealCommandBuilder {
	return &RealCommandBuilder{}
}

// Build creates a CommandExecutor for the given command and arguments.
func (b *RealCommandBuilder) Build(name string, args ...string) CommandExecutor {
	return &RealCommandExecutor{name: name, args: args}
}

// Options controls retry behaviour for Run.
type Options struct {
	// Retries is the number of attempts; defaults to 3.
	Retries int
	// AttemptTimeout bounds each attempt; defaults to 10s.
	AttemptTimeout time.Duration
	// RetryDelay is the pause between attempts; defaults to 2s.
	RetryDelay time.Duration
	// SudoFallback retries the command under sudo when the failure output
	// indicates a permission problem (Linux and macOS only).
	SudoFallback bool
	// Builder defaults to the real builder.
	Builder CommandBuilder
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// permissionMarkers are failure-output fragments that justify a sudo retry.
var permissionMarkers = []string{
	"failed to connect to local tailscaled",
	"can't connect",
	"permission denied",
	"access denied",
	"connect: permission denied",
}

func needsSudoRetry(output string) bool {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return false
	}
	out := strings.ToLower(output)
	for _, marker := range permissionMarkers {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

// Run executes the command, retrying on failure. Each attempt has its own
// timeout; ctx cancels the whole sequence. On permission failures with
// SudoFallback enabled a single sudo attempt is made before the next retry.
func Run(ctx context.Context, opts Options, name string, args ...string) ([]byte, error) {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.AttemptTimeout == 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Builder == nil {
		opts.Builder = NewRealCommandBuilder()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	cmdline := strings.Join(append([]string{name}, args...), " ")
	var lastErr error
	var lastOut []byte

	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastOut, err
		}

		monitoring.Infof("[%d/%d] running: %s", attempt, opts.Retries, cmdline)
		out, err := runOnce(ctx, opts, name, args...)
		if err == nil {
			monitoring.Infof("command succeeded: %s", cmdline)
			return out, nil
		}
		lastErr, lastOut = err, out
		monitoring.Warnf("[%d/%d] command failed: %s: %v", attempt, opts.Retries, cmdline, err)

		if opts.SudoFallback && needsSudoRetry(string(out)) {
			sudoArgs := append([]string{name}, args...)
			monitoring.Infof("retrying with sudo: %s", cmdline)
			out, err = runOnce(ctx, opts, "sudo", sudoArgs...)
			if err == nil {
				monitoring.Infof("sudo retry succeeded: %s", cmdline)
				return out, nil
			}
			lastErr, lastOut = err, out
			monitoring.Errorf("sudo retry failed: %s: %v", cmdline, err)
		}

		if attempt < opts.Retries {
			opts.Clock.Sleep(opts.RetryDelay)
		}
	}

	return lastOut, fmt.Errorf("all %d attempts failed for %q: %w", opts.Retries, cmdline, lastErr)
}

func runOnce(ctx context.Context, opts Options, name string, args ...string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
	defer cancel()
	return opts.Builder.Build(name, args...).Run(attemptCtx)
}

// MockCommandResult is one canned outcome for the mock builder.
type MockCommandResult struct {
	Output []byte
	Err    error
}

// MockBuiltCommand records a command the mock builder was asked to build.
type MockBuiltCommand struct {
	Name string
	Args []string
}

// MockCommandBuilder implements CommandBuilder for testing, returning queued
// results in order. When the queue is exhausted the last result repeats.
type MockCommandBuilder struct {
	Commands []MockBuiltCommand
	Results  []MockCommandResult
	next     int
}

// Build records the command and returns an executor serving the next result.
func (b *MockCommandBuilder) Build(name string, args ...string) CommandExecutor {
	b.Commands = append(b.Commands, MockBuiltCommand{Name: name, Args: args})
	idx := b.next
	if idx >= len(b.Results) {
		idx = len(b.Results) - 1
	} else {
		b.next++
	}
	if idx < 0 {
		return &mockExecutor{}
	}
	res := b.Results[idx]
	return &mockExecutor{out: res.Output, err: res.Err}
}

type mockExecutor struct {
	out []byte
	err error
}

func (m *mockExecutor) Run(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.out, m.err
}
