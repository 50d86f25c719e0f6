package workspace_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ciserver/pkg/workspace"
)

func TestManager_CreateIsUniquePerExecution(t *testing.T) {
	m, err := workspace.NewManager(t.TempDir(), time.Minute)
	require.NoError(t, err)
	id := uuid.New()

	a, err := m.Create(id)
	require.NoError(t, err)
	b, err := m.Create(id)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.DirExists(t, a)
	assert.True(t, strings.HasPrefix(filepath.Base(a), id.String()+"-"))

	got, ok := workspace.JobIDFromDir(filepath.Base(a))
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestManager_RemoveIsIdempotent(t *testing.T) {
	m, err := workspace.NewManager(t.TempDir(), time.Minute)
	require.NoError(t, err)

	dir, err := m.Create(uuid.New())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "f.txt"), []byte("x"), 0o644))

	require.NoError(t, m.Remove(dir))
	assert.NoDirExists(t, dir)
	assert.NoError(t, m.Remove(dir))
}

func TestManager_RemoveRefusesForeignPaths(t *testing.T) {
	m, err := workspace.NewManager(t.TempDir(), time.Minute)
	require.NoError(t, err)
	outside := t.TempDir()

	assert.ErrorIs(t, m.Remove(outside), workspace.ErrOutsideRoot)
	assert.ErrorIs(t, m.Remove(m.Root()), workspace.ErrOutsideRoot)
	assert.DirExists(t, outside)
}

func TestManager_Sweep(t *testing.T) {
	m, err := workspace.NewManager(t.TempDir(), time.Minute)
	require.NoError(t, err)

	liveID := uuid.New()
	live, err := m.Create(liveID)
	require.NoError(t, err)
	orphan, err := m.Create(uuid.New())
	require.NoError(t, err)
	fresh, err := m.Create(uuid.New())
	require.NoError(t, err)
	unrelated := filepath.Join(m.Root(), "not-a-workspace")
	require.NoError(t, os.Mkdir(unrelated, 0o755))

	old := time.Now().Add(-time.Hour)
	for _, d := range []string{live, orphan, unrelated} {
		require.NoError(t, os.Chtimes(d, old, old))
	}

	n, err := m.Sweep([]uuid.UUID{liveID})
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live)
	assert.DirExists(t, fresh)
	assert.DirExists(t, unrelated)
}

func TestSweeper_RunOnce(t *testing.T) {
	m, err := workspace.NewManager(t.TempDir(), 0)
	require.NoError(t, err)
	orphan, err := m.Create(uuid.New())
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	s, err := workspace.NewSweeper(m, "@every 10m", func() []uuid.UUID { return nil }, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 1, s.RunOnce())
	assert.NoDirExists(t, orphan)
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	m, err := workspace.NewManager(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = workspace.NewSweeper(m, "every now and then", func() []uuid.UUID { return nil }, zap.NewNop())
	assert.Error(t, err)
}
