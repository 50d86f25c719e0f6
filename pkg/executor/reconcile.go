package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ciserver/pkg/metrics"
	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

// ReconcileReport counts what Reconcile repaired.
type ReconcileReport struct {
	Interrupted int
	Resubmitted int
}

// Reconcile repairs persisted state left by a previous process: jobs stored
// as running that this engine is not executing are marked failed, and
// pending jobs are submitted again.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	if c.deps.Jobs == nil {
		return rep, errors.New("reconcile: no job source configured")
	}

	running, err := c.deps.Jobs.ListJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list running jobs: %w", err)
	}
	for _, j := range running {
		if _, live := c.registry.Get(j.ID); live {
			continue
		}
		now := time.Now().UTC()
		if err := c.deps.States.UpdateJobStatus(ctx, j.ID, storage.StatusUpdate{Status: models.JobStatusFailed, FinishedAt: &now}); err != nil {
			c.log.Error("failed to mark interrupted job", zap.Stringer("job_id", j.ID), zap.Error(err))
			continue
		}
		c.appendLog(j.ID, models.LogLevelError, "Job interrupted by server restart")
		metrics.OrphansReconciled.WithLabelValues("failed").Inc()
		rep.Interrupted++
	}

	pending, err := c.deps.Jobs.ListJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list pending jobs: %w", err)
	}
	for _, j := range pending {
		if _, err := c.Submit(ctx, j.ID, j.RepoURL, j.Branch); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			c.log.Warn("could not resubmit pending job", zap.Stringer("job_id", j.ID), zap.Error(err))
			if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopped) {
				break
			}
			continue
		}
		metrics.OrphansReconciled.WithLabelValues("resubmitted").Inc()
		rep.Resubmitted++
	}

	if rep.Interrupted+rep.Resubmitted > 0 {
		c.log.Info("reconciled persisted jobs", zap.Int("interrupted", rep.Interrupted), zap.Int("resubmitted", rep.Resubmitted))
	}
	return rep, nil
}
