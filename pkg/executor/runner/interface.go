package runner

import (
	"context"
	"time"

	"ciserver/pkg/models"
)

// Emitter receives output lines as they are produced.
type Emitter func(level models.LogLevel, msg string)

// Result captures the outcome of one command.
type Result struct {
	ExitCode int
	Duration time.Duration
	// Lines is the number of non-empty output lines emitted.
	Lines int
	// Err is set when the command did not run to a normal exit: it could not
	// be started, or its context ended and the process group was killed.
	Err error
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// CommandRunner executes a single shell command.
type CommandRunner interface {
	// Run executes command in dir, streaming merged output to emit, and
	// blocks until the process exits.
	Run(ctx context.Context, command, dir string, emit Emitter) Result
}
