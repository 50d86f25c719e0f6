package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ciserver/pkg/api/middleware"
	"ciserver/pkg/executor"
	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

// cancelWait bounds how long DELETE waits for a cancelled job to wind down.
const cancelWait = 5 * time.Second

// CreateJobRequest is the payload for creating a new job.
type CreateJobRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
}

func ownerID(c *gin.Context) (uuid.UUID, bool) {
	claims, ok := middleware.GetUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid authorization header"})
		return uuid.Nil, false
	}
	id, err := claims.OwnerID()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return uuid.Nil, false
	}
	return id, true
}

// ownedJob loads the :id job and checks the caller owns it. Jobs of other
// owners are reported as not found.
func (s *Server) ownedJob(c *gin.Context) (*models.Job, bool) {
	owner, ok := ownerID(c)
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return nil, false
	}

	job, err := s.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return nil, false
		}
		s.log.Error("get job failed", zap.Stringer("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return nil, false
	}
	if job.OwnerID != owner {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return nil, false
	}
	return job, true
}

// startJob persists a pending job and hands it to the engine. A job the
// engine refuses is deleted again so it does not linger as pending.
func (s *Server) startJob(c *gin.Context, owner uuid.UUID, repoURL, branch string) (*models.Job, bool) {
	ctx := c.Request.Context()
	job := &models.Job{
		OwnerID: owner,
		RepoURL: repoURL,
		Branch:  branch,
		Status:  models.JobStatusPending,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.log.Error("create job failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return nil, false
	}

	if _, err := s.engine.Submit(ctx, job.ID, repoURL, branch); err != nil {
		if delErr := s.jobs.DeleteJob(ctx, job.ID); delErr != nil {
			s.log.Error("delete rejected job failed", zap.Stringer("job_id", job.ID), zap.Error(delErr))
		}
		switch {
		case errors.Is(err, executor.ErrQueueFull):
			c.Header("Retry-After", "30")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job queue is full, try again later"})
		case errors.Is(err, executor.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		default:
			s.log.Error("submit job failed", zap.Stringer("job_id", job.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start job"})
		}
		return nil, false
	}
	return job, true
}

// createJob handles POST /api/jobs
func (s *Server) createJob(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RepoURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repo_url is required"})
		return
	}

	repoURL, branch := NormalizeRepoURL(req.RepoURL, req.Branch)
	if err := s.validator.ValidateRepoURL(repoURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.ValidateBranch(branch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, ok := s.startJob(c, owner, repoURL, branch)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, job)
}

// listJobs handles GET /api/jobs
func (s *Server) listJobs(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	jobs, err := s.jobs.ListJobsByOwner(c.Request.Context(), owner)
	if err != nil {
		s.log.Error("list jobs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// getJob handles GET /api/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

// deleteJob handles DELETE /api/jobs/:id
func (s *Server) deleteJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}

	if h, live := s.engine.Lookup(job.ID); live {
		s.engine.Cancel(job.ID)
		select {
		case <-h.Done():
		case <-time.After(cancelWait):
			s.log.Warn("deleting job before its execution ended", zap.Stringer("job_id", job.ID))
		case <-c.Request.Context().Done():
			return
		}
	}

	if err := s.jobs.DeleteJob(c.Request.Context(), job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("delete job failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job deleted"})
}

// cancelJob handles POST /api/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}

	if job.Status != models.JobStatusRunning && job.Status != models.JobStatusPending {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job is not running"})
		return
	}
	if !s.engine.Cancel(job.ID) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancelled"})
}

// retryJob handles POST /api/jobs/:id/retry
func (s *Server) retryJob(c *gin.Context) {
	original, ok := s.ownedJob(c)
	if !ok {
		return
	}

	if original.Status != models.JobStatusFailed && original.Status != models.JobStatusCancelled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Can only retry failed or cancelled jobs"})
		return
	}

	job, ok := s.startJob(c, original.OwnerID, original.RepoURL, original.Branch)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, job)
}

// getJobLogs handles GET /api/jobs/:id/logs. The optional "after" query
// parameter returns only records with a greater id.
func (s *Server) getJobLogs(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}

	var after uint64
	if raw := c.Query("after"); raw != "" {
		var err error
		if after, err = strconv.ParseUint(raw, 10, 0); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a log id"})
			return
		}
	}

	logs, err := s.jobs.ListLogs(c.Request.Context(), job.ID, uint(after))
	if err != nil {
		s.log.Error("list logs failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load logs"})
		return
	}
	if logs == nil {
		logs = []models.LogRecord{}
	}
	c.JSON(http.StatusOK, logs)
}

// getJobLogArchive handles GET /api/jobs/:id/logs/archive
func (s *Server) getJobLogArchive(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	if s.archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Log archiving is disabled"})
		return
	}
	if job.LogArchiveURI == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Log archive not available"})
		return
	}

	data, err := s.archive.Retrieve(c.Request.Context(), job.LogArchiveURI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Log archive not available"})
			return
		}
		s.log.Error("retrieve archive failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load log archive"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// jobStats handles GET /api/jobs/stats
func (s *Server) jobStats(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	stats, err := s.jobs.Stats(c.Request.Context(), owner)
	if err != nil {
		s.log.Error("job stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
