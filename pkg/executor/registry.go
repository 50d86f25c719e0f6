package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"ciserver/pkg/detect"
	"ciserver/pkg/models"
)

// Handle is the in-memory association between a job id and its execution.
// It is never persisted.
type Handle struct {
	ID      uuid.UUID
	RepoURL string
	Branch  string

	ctx       context.Context
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool
	claimed   atomic.Bool
	done      chan struct{}
	queuedAt  time.Time
	link      trace.Link

	// mu serializes status writes so the persisted sequence is a valid path.
	mu        sync.Mutex
	status    models.JobStatus
	startedAt time.Time

	// Owned by the worker goroutine.
	workdir string
	kind    detect.Kind
}

func newHandle(parent context.Context, id uuid.UUID, repoURL, branch string) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{
		ID:       id,
		RepoURL:  repoURL,
		Branch:   branch,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		queuedAt: time.Now(),
		status:   models.JobStatusPending,
	}
}

// Cancelled reports whether cancellation was requested.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed once the execution has cleaned up, or once a queued job is
// cancelled or dropped by Stop.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status is the last status written for this execution.
func (h *Handle) Status() models.JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// claim takes ownership of finishing a queued handle. Exactly one of the
// worker, Cancel and Stop wins.
func (h *Handle) claim() bool { return h.claimed.CompareAndSwap(false, true) }

func (h *Handle) requestCancel() {
	h.cancelled.Store(true)
	h.cancel(errCancelledByUser)
}

// Registry maps job ids to live executions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Handle
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[uuid.UUID]*Handle)}
}

// Register adds h, failing with ErrAlreadyRunning if its id is present.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[h.ID]; ok {
		return ErrAlreadyRunning
	}
	r.jobs[h.ID] = h
	return nil
}

func (r *Registry) Get(id uuid.UUID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.jobs[id]
	return h, ok
}

// Remove deletes the entry for id only if it still refers to h.
func (r *Registry) Remove(id uuid.UUID, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.jobs[id]; !ok || cur != h {
		return false
	}
	delete(r.jobs, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	return ids
}
