package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ciserver/pkg/detect"
	"ciserver/pkg/executor/runner"
	"ciserver/pkg/logger"
	"ciserver/pkg/metrics"
	"ciserver/pkg/models"
	tracing "ciserver/pkg/observability"
	"ciserver/pkg/storage"
	"ciserver/pkg/vcs"
)

var (
	ErrAlreadyRunning = errors.New("job is already running")
	ErrQueueFull      = errors.New("job queue is full")
	ErrStopped        = errors.New("executor is stopped")
)

// Context causes that decide how an interrupted job ends.
var (
	errCancelledByUser = errors.New("cancelled by user")
	errShutdown        = errors.New("server shutdown")
	errJobTimeout      = errors.New("job timed out")
)

// Config tunes the worker pool.
type Config struct {
	// Workers is the pool size; zero means one per logical CPU.
	Workers int
	// QueueSize bounds jobs waiting for a worker.
	QueueSize int
	// JobTimeout bounds a job from the moment it starts running. Zero disables it.
	JobTimeout time.Duration
	// WriteTimeout bounds each status or log write.
	WriteTimeout time.Duration
}

// Workspaces is the filesystem collaborator.
type Workspaces interface {
	Create(jobID uuid.UUID) (string, error)
	Remove(path string) error
}

// JobSource lists persisted jobs for Reconcile.
type JobSource interface {
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)
}

// Archiver stores a finished job's log and returns its reference.
type Archiver interface {
	Archive(ctx context.Context, jobID uuid.UUID) (string, error)
}

// Deps are the collaborators of a Controller. States, Logs, Cloner and
// Workspaces are required.
type Deps struct {
	States     storage.JobStateStore
	Logs       storage.LogSink
	Jobs       JobSource
	Cloner     vcs.Cloner
	Workspaces Workspaces
	Detector   *detect.Detector
	Runner     runner.CommandRunner
	Archiver   Archiver
	Logger     *zap.Logger
}

// Controller owns the job lifecycle: it queues submissions, runs each job on
// a bounded pool of workers and supports cancellation.
type Controller struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	registry *Registry
	queue    chan *Handle
	quit     chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

func New(cfg Config, deps Deps) *Controller {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if deps.Detector == nil {
		deps.Detector = detect.New()
	}
	if deps.Runner == nil {
		deps.Runner = runner.NewShellRunner(0)
	}
	log := logger.Or(deps.Logger).Named("executor")

	base, cancel := context.WithCancelCause(context.Background())
	return &Controller{
		cfg:        cfg,
		deps:       deps,
		log:        log,
		registry:   NewRegistry(),
		queue:      make(chan *Handle, cfg.QueueSize),
		quit:       make(chan struct{}),
		baseCtx:    base,
		baseCancel: cancel,
	}
}

// DefaultWorkers is the number of logical CPUs.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

func detectTotalMemory() uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return v.Total / 1024 / 1024
}

// Start launches the workers. Calling it more than once has no effect.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.log.Info("starting workers",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("queue_size", c.cfg.QueueSize),
		zap.Uint64("total_memory_mb", detectTotalMemory()))
	metrics.Workers.Set(float64(c.cfg.Workers))

	for i := 0; i < c.cfg.Workers; i++ {
		c.workers.Add(1)
		go c.worker()
	}
}

// Stop refuses new submissions and drops jobs still waiting in the queue;
// they stay pending in the store. It then waits for running jobs. If ctx
// ends first, running jobs are interrupted and end failed.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.quit)
	if n := c.drainQueue(); n > 0 {
		c.log.Info("dropped queued jobs", zap.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.log.Warn("shutdown grace expired, interrupting running jobs", zap.Int("running", c.registry.Len()))
		c.baseCancel(errShutdown)
		<-done
	}
	c.workers.Wait()
	c.baseCancel(errShutdown)
	return err
}

func (c *Controller) drainQueue() int {
	n := 0
	for {
		select {
		case h := <-c.queue:
			metrics.QueueDepth.Dec()
			if h.claim() {
				c.registry.Remove(h.ID, h)
				h.cancel(errShutdown)
				close(h.done)
				n++
			}
			c.inflight.Done()
		default:
			return n
		}
	}
}

// Submit registers the job and queues it for a worker. It does not wait for
// the job to run.
func (c *Controller) Submit(ctx context.Context, id uuid.UUID, repoURL, branch string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		metrics.JobsRejected.WithLabelValues("stopped").Inc()
		return nil, ErrStopped
	}

	h := newHandle(c.baseCtx, id, repoURL, branch)
	h.link = trace.LinkFromContext(ctx)
	if err := c.registry.Register(h); err != nil {
		metrics.JobsRejected.WithLabelValues("already_running").Inc()
		return nil, err
	}

	c.inflight.Add(1)
	select {
	case c.queue <- h:
	default:
		c.inflight.Done()
		c.registry.Remove(id, h)
		h.cancel(ErrQueueFull)
		metrics.JobsRejected.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}

	metrics.JobsSubmitted.Inc()
	metrics.QueueDepth.Inc()
	c.log.Debug("job queued", zap.Stringer("job_id", id), zap.String("repo_url", repoURL), zap.String("branch", branch))
	return h, nil
}

// Cancel requests cancellation of a live job. It returns false, and does
// nothing, when the job is not registered. The job's process group is killed
// at once and the job is marked cancelled here, whether it is queued or
// running. A job that reached another terminal status first also yields
// false.
func (c *Controller) Cancel(id uuid.UUID) bool {
	h, ok := c.registry.Get(id)
	if !ok {
		return false
	}
	h.requestCancel()
	queued := h.claim()
	cancelled := c.markCancelled(h)
	c.registry.Remove(id, h)

	if queued {
		c.cleanup(context.Background(), h)
		close(h.done)
	}

	if !cancelled {
		c.log.Info("job finished before it could be cancelled", zap.Stringer("job_id", id), zap.String("status", string(h.Status())))
		return false
	}
	c.log.Info("job cancelled", zap.Stringer("job_id", id), zap.Bool("queued", queued))
	return true
}

// markCancelled writes cancelled, passing through running when the job has
// not started yet.
func (c *Controller) markCancelled(h *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == models.JobStatusPending && !c.transitionLocked(h, models.JobStatusRunning) {
		return false
	}
	if !c.transitionLocked(h, models.JobStatusCancelled) {
		return false
	}
	c.appendLog(h.ID, models.LogLevelWarn, "Job cancelled by user")
	return true
}

// Running returns the ids of registered jobs, queued or running.
func (c *Controller) Running() []uuid.UUID {
	return c.registry.IDs()
}

// Lookup returns the live handle for id.
func (c *Controller) Lookup(id uuid.UUID) (*Handle, bool) {
	return c.registry.Get(id)
}

func (c *Controller) worker() {
	defer c.workers.Done()
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		select {
		case <-c.quit:
			return
		case h := <-c.queue:
			metrics.QueueDepth.Dec()
			if !h.claim() {
				c.inflight.Done()
				continue
			}
			c.execute(h)
		}
	}
}

// execute runs one job. Cleanup runs exactly once on every path, including
// a panic inside run.
func (c *Controller) execute(h *Handle) {
	defer c.inflight.Done()
	defer close(h.done)

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	ctx, span := otel.Tracer(tracing.InstrumentationName).Start(h.ctx, "job.run",
		trace.WithLinks(h.link),
		trace.WithAttributes(
			tracing.AttrJobID.String(h.ID.String()),
			tracing.AttrRepoURL.String(h.RepoURL),
			tracing.AttrBranch.String(h.Branch),
		))
	defer span.End()

	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.cfg.JobTimeout, errJobTimeout)
		defer cancel()
	}

	defer c.cleanup(ctx, h)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("job panicked", zap.Stringer("job_id", h.ID), zap.Any("panic", r), zap.Stack("stack"))
			c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Error: %v", r))
		}
	}()

	c.run(ctx, h)
}

func (c *Controller) run(ctx context.Context, h *Handle) {
	c.setStatus(h, models.JobStatusRunning)
	c.note(h, models.LogLevelInfo, fmt.Sprintf("Starting job for %s (branch: %s)", h.RepoURL, h.Branch))
	c.log.Info("job started", zap.Stringer("job_id", h.ID), zap.Duration("queued_for", time.Since(h.queuedAt)))

	if c.interrupted(ctx, h) {
		c.finishInterrupted(ctx, h)
		return
	}

	dir, err := c.deps.Workspaces.Create(h.ID)
	if err != nil {
		c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Error: %v", err))
		return
	}
	h.workdir = dir

	c.note(h, models.LogLevelInfo, "Cloning repository...")
	repo, err := c.clone(ctx, h, dir)
	if err != nil {
		if c.interrupted(ctx, h) {
			c.finishInterrupted(ctx, h)
			return
		}
		c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Clone failed: %v", err))
		return
	}

	commit, err := repo.HeadCommit()
	if err != nil {
		c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Error: %v", err))
		return
	}
	c.note(h, models.LogLevelInfo, fmt.Sprintf("Cloned commit: %s - %s", commit.ShortHash, commit.Message))

	plan, err := c.deps.Detector.Resolve(dir)
	if err != nil {
		c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Error: %v", err))
		return
	}
	h.kind = plan.Kind
	tracing.SetAttributes(ctx, tracing.AttrProject.String(string(plan.Kind)))

	switch {
	case plan.ConfigErr != nil:
		c.note(h, models.LogLevelError, fmt.Sprintf("Error reading %s: %v", plan.ConfigFile, plan.ConfigErr))
		c.note(h, models.LogLevelInfo, fmt.Sprintf("Auto-detected project type: %s", plan.Kind))
	case plan.Kind == detect.KindConfig:
		c.note(h, models.LogLevelInfo, fmt.Sprintf("Found %s config", plan.ConfigFile))
	default:
		c.note(h, models.LogLevelInfo, fmt.Sprintf("Auto-detected project type: %s", plan.Kind))
	}

	if len(plan.Commands) == 0 {
		c.note(h, models.LogLevelWarn, "No commands to run")
		c.finish(h, models.JobStatusSuccess, "", "")
		return
	}

	for _, command := range plan.Commands {
		if c.interrupted(ctx, h) {
			c.finishInterrupted(ctx, h)
			return
		}
		c.note(h, models.LogLevelInfo, "Running: "+command)

		res := c.runCommand(ctx, h, command, dir)

		if c.interrupted(ctx, h) {
			c.finishInterrupted(ctx, h)
			return
		}
		if !res.Success() {
			c.finish(h, models.JobStatusFailed, models.LogLevelError, "Job failed")
			return
		}
	}

	c.finish(h, models.JobStatusSuccess, models.LogLevelInfo, "Job completed successfully")
}

func (c *Controller) clone(ctx context.Context, h *Handle, dir string) (vcs.Repository, error) {
	ctx, span := tracing.Start(ctx, "job.clone", tracing.AttrRepoURL.String(h.RepoURL), tracing.AttrBranch.String(h.Branch))
	defer span.End()

	start := time.Now()
	repo, err := c.deps.Cloner.Clone(ctx, h.RepoURL, h.Branch, dir)
	metrics.RecordClone(err, time.Since(start).Seconds())
	if err != nil {
		tracing.SetError(ctx, err)
		c.log.Warn("clone failed", zap.Stringer("job_id", h.ID), zap.Error(err))
	}
	return repo, err
}

func (c *Controller) runCommand(ctx context.Context, h *Handle, command, dir string) runner.Result {
	ctx, span := tracing.Start(ctx, "job.command", tracing.AttrCommand.String(command))
	defer span.End()

	// Output observed after a cancel request is dropped.
	emit := func(level models.LogLevel, msg string) {
		c.note(h, level, msg)
	}
	res := c.deps.Runner.Run(ctx, command, dir, emit)

	outcome := "success"
	switch {
	case res.Err != nil && ctx.Err() != nil:
		outcome = "interrupted"
	case !res.Success():
		outcome = "failure"
		tracing.SetError(ctx, fmt.Errorf("exit code %d", res.ExitCode))
	}
	metrics.RecordCommand(outcome, res.Duration.Seconds(), res.Lines)
	c.log.Debug("command finished",
		zap.Stringer("job_id", h.ID),
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res
}

func (c *Controller) interrupted(ctx context.Context, h *Handle) bool {
	return h.Cancelled() || ctx.Err() != nil
}

// finishInterrupted maps the reason the job's context ended to its terminal
// status.
func (c *Controller) finishInterrupted(ctx context.Context, h *Handle) {
	cause := context.Cause(ctx)
	switch {
	case h.Cancelled():
		c.finish(h, models.JobStatusCancelled, models.LogLevelWarn, "Job cancelled by user")
	case errors.Is(cause, errJobTimeout):
		c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Job timed out after %s", c.cfg.JobTimeout))
	case errors.Is(cause, errShutdown):
		c.finish(h, models.JobStatusFailed, models.LogLevelError, "Job interrupted by server shutdown")
	default:
		c.finish(h, models.JobStatusFailed, models.LogLevelError, fmt.Sprintf("Error: %v", cause))
	}
}

// setStatus writes a transition if it is valid from the handle's current
// status. It reports whether the write happened.
func (c *Controller) setStatus(h *Handle, to models.JobStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.transitionLocked(h, to)
}

// finish writes a terminal status followed by msg, unless the handle already
// left the state that allows it. An empty msg writes no log record.
func (c *Controller) finish(h *Handle, to models.JobStatus, level models.LogLevel, msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.transitionLocked(h, to) {
		return false
	}
	if msg != "" {
		c.appendLog(h.ID, level, msg)
	}
	return true
}

func (c *Controller) transitionLocked(h *Handle, to models.JobStatus) bool {
	if !h.status.CanTransition(to) {
		return false
	}
	now := time.Now().UTC()
	u := storage.StatusUpdate{Status: to}
	if to == models.JobStatusRunning {
		u.StartedAt = &now
		h.startedAt = now
	}
	if to.IsTerminal() {
		u.FinishedAt = &now
	}
	h.status = to

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.deps.States.UpdateJobStatus(ctx, h.ID, u); err != nil {
		metrics.PersistenceErrors.WithLabelValues("update_status").Inc()
		c.log.Error("failed to write job status", zap.Stringer("job_id", h.ID), zap.String("status", string(to)), zap.Error(err))
	}
	return true
}

// note appends a progress line unless cancellation was requested.
func (c *Controller) note(h *Handle, level models.LogLevel, msg string) {
	if h.Cancelled() {
		return
	}
	c.appendLog(h.ID, level, msg)
}

func (c *Controller) appendLog(jobID uuid.UUID, level models.LogLevel, msg string) {
	rec := &models.LogRecord{
		JobID:     jobID,
		Level:     level,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.deps.Logs.AppendLog(ctx, rec); err != nil {
		metrics.PersistenceErrors.WithLabelValues("append_log").Inc()
		c.log.Warn("failed to append job log", zap.Stringer("job_id", jobID), zap.Error(err))
	}
}

// cleanup removes the workspace and the registry entry, records metrics and
// archives the log.
func (c *Controller) cleanup(ctx context.Context, h *Handle) {
	if !h.Status().IsTerminal() {
		c.finish(h, models.JobStatusFailed, models.LogLevelError, "Error: job ended without a terminal status")
	}

	if h.workdir != "" {
		if err := c.deps.Workspaces.Remove(h.workdir); err != nil {
			c.log.Warn("failed to remove workspace", zap.Stringer("job_id", h.ID), zap.String("dir", h.workdir), zap.Error(err))
		}
	}
	c.registry.Remove(h.ID, h)

	status := h.Status()
	elapsed := time.Since(h.startedAt)
	metrics.RecordJob(string(status), string(h.kind), elapsed.Seconds())
	tracing.SetAttributes(ctx, tracing.AttrStatus.String(string(status)))
	c.log.Info("job finished", zap.Stringer("job_id", h.ID), zap.String("status", string(status)), zap.Duration("duration", elapsed))

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()

	if n, ok := c.deps.States.(storage.FinishNotifier); ok {
		if err := n.JobFinished(wctx, h.ID); err != nil {
			c.log.Warn("failed to publish job end", zap.Stringer("job_id", h.ID), zap.Error(err))
		}
	}

	if c.deps.Archiver != nil {
		uri, err := c.deps.Archiver.Archive(wctx, h.ID)
		if err != nil {
			metrics.LogsArchived.WithLabelValues("failure").Inc()
			c.log.Warn("failed to archive job log", zap.Stringer("job_id", h.ID), zap.Error(err))
			return
		}
		metrics.LogsArchived.WithLabelValues("success").Inc()
		c.log.Debug("job log archived", zap.Stringer("job_id", h.ID), zap.String("uri", uri))
	}
}
