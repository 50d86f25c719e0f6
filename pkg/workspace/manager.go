// Package workspace owns the per-execution checkout directories.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrOutsideRoot is returned when asked to remove a path the manager does
// not own.
var ErrOutsideRoot = errors.New("path is outside the workspace root")

// Manager creates and removes workspace directories under one root. Each
// execution gets a fresh directory named "<jobID>-<random>".
type Manager struct {
	root   string
	minAge time.Duration
}

func NewManager(root string, sweepMinAge time.Duration) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs, minAge: sweepMinAge}, nil
}

func (m *Manager) Root() string { return m.root }

// Create makes a new, empty directory for one execution of jobID.
func (m *Manager) Create(jobID uuid.UUID) (string, error) {
	dir, err := os.MkdirTemp(m.root, jobID.String()+"-")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes path recursively. A path that is already gone is not an error.
func (m *Manager) Remove(path string) error {
	if !m.owns(path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func (m *Manager) owns(path string) bool {
	rel, err := filepath.Rel(m.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !strings.ContainsRune(rel, filepath.Separator)
}

// Sweep removes workspace directories left behind by executions that are no
// longer live, such as after a crash. Directories younger than the minimum
// age are kept. It returns the number removed.
func (m *Manager) Sweep(live []uuid.UUID) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	keep := make(map[uuid.UUID]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}

	cutoff := time.Now().Add(-m.minAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := JobIDFromDir(e.Name())
		if !ok {
			continue
		}
		if _, isLive := keep[id]; isLive {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// JobIDFromDir extracts the job id from a workspace directory name.
func JobIDFromDir(name string) (uuid.UUID, bool) {
	const idLen = 36
	if len(name) <= idLen || name[idLen] != '-' {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(name[:idLen])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
