package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
	"unicode"

	"ciserver/pkg/models"
)

// MaxLineSize bounds a single output line. Longer lines end line scanning
// for the command; the rest of the output is discarded.
const MaxLineSize = 1 << 20

// ErrCommandTimeout is the context cause when CommandTimeout elapses.
var ErrCommandTimeout = errors.New("command timed out")

type ShellRunner struct {
	// CommandTimeout bounds a single command. Zero disables it.
	CommandTimeout time.Duration
	// WaitDelay bounds how long Run waits for the output pipe to close after
	// the process has exited or been killed.
	WaitDelay time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

func NewShellRunner(commandTimeout time.Duration) *ShellRunner {
	return &ShellRunner{
		CommandTimeout: commandTimeout,
		WaitDelay:      5 * time.Second,
	}
}

// Run spawns command through the platform shell with the working directory
// set to dir. Stdout and stderr share one pipe, so lines reach emit in the
// order the process wrote them.
func (s *ShellRunner) Run(ctx context.Context, command, dir string, emit Emitter) Result {
	start := time.Now()

	if s.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.CommandTimeout, ErrCommandTimeout)
		defer cancel()
	}

	name, args := shellInvocation(command)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, "CI=true")
	cmd.WaitDelay = s.WaitDelay
	setProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		emit(models.LogLevelError, fmt.Sprintf("Process error: %v", err))
		return Result{ExitCode: -1, Duration: time.Since(start), Err: err}
	}

	lines := make(chan int, 1)
	go func() {
		lines <- scanLines(pr, emit)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	res := Result{
		Lines:    <-lines,
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		res.Err = context.Cause(ctx)
		if errors.Is(res.Err, ErrCommandTimeout) {
			emit(models.LogLevelError, fmt.Sprintf("Command timed out after %s", s.CommandTimeout))
		}
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = waitErr
		emit(models.LogLevelError, fmt.Sprintf("Process error: %v", waitErr))
	}
	return res
}

// scanLines emits each non-empty, right-trimmed line and returns the count.
// The reader is always drained so the writer never blocks.
func scanLines(r *io.PipeReader, emit Emitter) int {
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	n := 0
	for sc.Scan() {
		line := strings.TrimRightFunc(sc.Text(), unicode.IsSpace)
		if line == "" {
			continue
		}
		emit(models.LogLevelInfo, line)
		n++
	}
	if err := sc.Err(); err != nil {
		emit(models.LogLevelWarn, fmt.Sprintf("Output truncated: %v", err))
		_, _ = io.Copy(io.Discard, r)
	}
	return n
}

func shellInvocation(command string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}
