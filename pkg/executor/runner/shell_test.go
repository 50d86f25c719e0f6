//go:build !windows

package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciserver/pkg/executor/runner"
	"ciserver/pkg/models"
)

type line struct {
	level models.LogLevel
	msg   string
}

type recorder struct {
	mu    sync.Mutex
	lines []line
}

func (r *recorder) emit(level models.LogLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line{level, msg})
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.lines))
	for _, l := range r.lines {
		out = append(out, l.msg)
	}
	return out
}

func TestShellRunner_MergesAndTrimsOutput(t *testing.T) {
	rec := &recorder{}
	r := runner.NewShellRunner(0)

	res := r.Run(context.Background(), `echo "out one   "; echo; echo "   "; echo err >&2; echo out two`, t.TempDir(), rec.emit)

	require.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 3, res.Lines)
	assert.Equal(t, []string{"out one", "err", "out two"}, rec.messages())
	for _, l := range rec.lines {
		assert.Equal(t, models.LogLevelInfo, l.level)
	}
}

func TestShellRunner_WorkingDirectoryAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	rec := &recorder{}
	res := runner.NewShellRunner(0).Run(context.Background(), `ls; echo "ci=$CI"`, dir, rec.emit)

	require.True(t, res.Success())
	assert.Contains(t, rec.messages(), "marker.txt")
	assert.Contains(t, rec.messages(), "ci=true")
}

func TestShellRunner_NonZeroExit(t *testing.T) {
	rec := &recorder{}
	res := runner.NewShellRunner(0).Run(context.Background(), "echo before; exit 3", t.TempDir(), rec.emit)

	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"before"}, rec.messages())
}

func TestShellRunner_LaunchFailure(t *testing.T) {
	rec := &recorder{}
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	res := runner.NewShellRunner(0).Run(context.Background(), "echo hi", missing, rec.emit)

	assert.False(t, res.Success())
	assert.Error(t, res.Err)
	require.Len(t, rec.lines, 1)
	assert.Equal(t, models.LogLevelError, rec.lines[0].level)
	assert.Contains(t, rec.lines[0].msg, "Process error:")
}

func TestShellRunner_CancelKillsProcessGroup(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	// The background sleep keeps the pipe open unless the whole group dies.
	res := runner.NewShellRunner(0).Run(ctx, "sleep 30 & sleep 30; echo unreachable", t.TempDir(), rec.emit)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, res.Success())
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.NotContains(t, rec.messages(), "unreachable")
}

func TestShellRunner_CommandTimeout(t *testing.T) {
	rec := &recorder{}
	r := runner.NewShellRunner(100 * time.Millisecond)

	res := r.Run(context.Background(), "sleep 30", t.TempDir(), rec.emit)

	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err, runner.ErrCommandTimeout)
	require.NotEmpty(t, rec.lines)
	assert.Equal(t, models.LogLevelError, rec.lines[len(rec.lines)-1].level)
	assert.Contains(t, rec.lines[len(rec.lines)-1].msg, "Command timed out after")
}

func TestShellRunner_StreamsBeforeExit(t *testing.T) {
	seen := make(chan string, 1)
	emit := func(level models.LogLevel, msg string) {
		select {
		case seen <- msg:
		default:
		}
	}

	done := make(chan runner.Result, 1)
	go func() {
		done <- runner.NewShellRunner(0).Run(context.Background(), "echo early; sleep 1", t.TempDir(), emit)
	}()

	select {
	case msg := <-seen:
		assert.Equal(t, "early", msg)
	case <-done:
		t.Fatal("command finished before its first line was emitted")
	case <-time.After(5 * time.Second):
		t.Fatal("no output streamed")
	}
	<-done
}
