package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ciserver/pkg/storage"
)

// streamHeartbeat keeps idle log streams from being closed by proxies.
const streamHeartbeat = 15 * time.Second

// streamJobLogs handles GET /api/jobs/:id/logs/stream as server-sent events:
// the stored backlog first, then live events until the job's end event.
func (s *Server) streamJobLogs(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	if s.stream == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Live log streaming is disabled"})
		return
	}

	ctx := c.Request.Context()

	// Subscribe before reading the backlog so nothing falls between them.
	events, unsubscribe, err := s.stream.Subscribe(ctx, job.ID)
	if err != nil {
		s.log.Error("subscribe failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live log streaming is unavailable"})
		return
	}
	defer func() { unsubscribe() }()

	current, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	backlog, err := s.jobs.ListLogs(ctx, job.ID, 0)
	if err != nil {
		s.log.Error("list logs failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load logs"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	var lastID uint
	for i := range backlog {
		rec := backlog[i]
		c.SSEvent(storage.EventLog, storage.Event{Type: storage.EventLog, JobID: job.ID, Log: &rec})
		lastID = rec.ID
	}
	c.SSEvent(storage.EventStatus, storage.Event{Type: storage.EventStatus, JobID: job.ID, Status: current.Status})
	if current.Status.IsTerminal() {
		if _, live := s.engine.Lookup(job.ID); !live {
			c.SSEvent(storage.EventEnd, storage.Event{Type: storage.EventEnd, JobID: job.ID})
			return
		}
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case ev, ok := <-events:
			if !ok {
				// The subscriber fell behind. Resubscribe and replay what was
				// missed from the store.
				if ctx.Err() != nil {
					return false
				}
				next, stop, err := s.stream.Subscribe(ctx, job.ID)
				if err != nil {
					s.log.Warn("resubscribe failed", zap.Stringer("job_id", job.ID), zap.Error(err))
					return false
				}
				unsubscribe()
				events, unsubscribe = next, stop
				return s.catchUp(c, job.ID, &lastID)
			}
			if ev.Type == storage.EventLog && ev.Log != nil {
				if ev.Log.ID != 0 && ev.Log.ID <= lastID {
					return true
				}
				lastID = ev.Log.ID
			}
			c.SSEvent(ev.Type, ev)
			return ev.Type != storage.EventEnd
		}
	})
}

// catchUp sends logs stored after lastID and the current status. It sends
// the end event and reports false when the job has finished.
func (s *Server) catchUp(c *gin.Context, jobID uuid.UUID, lastID *uint) bool {
	ctx := c.Request.Context()
	recs, err := s.jobs.ListLogs(ctx, jobID, *lastID)
	if err != nil {
		s.log.Warn("list logs failed", zap.Stringer("job_id", jobID), zap.Error(err))
		return false
	}
	for i := range recs {
		rec := recs[i]
		c.SSEvent(storage.EventLog, storage.Event{Type: storage.EventLog, JobID: jobID, Log: &rec})
		*lastID = rec.ID
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	c.SSEvent(storage.EventStatus, storage.Event{Type: storage.EventStatus, JobID: jobID, Status: job.Status})
	if _, live := s.engine.Lookup(jobID); !live && job.Status.IsTerminal() {
		c.SSEvent(storage.EventEnd, storage.Event{Type: storage.EventEnd, JobID: jobID})
		return false
	}
	return true
}
