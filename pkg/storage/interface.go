package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ciserver/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// StatusUpdate is one status transition. StartedAt is set only when entering
// running, FinishedAt only when entering a terminal status.
type StatusUpdate struct {
	Status     models.JobStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobStateStore records status transitions.
type JobStateStore interface {
	UpdateJobStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error
}

// LogSink appends job log records. Implementations assign ID and CreatedAt
// when they are zero.
type LogSink interface {
	AppendLog(ctx context.Context, rec *models.LogRecord) error
}

// FinishNotifier is told once an execution has written its last record.
type FinishNotifier interface {
	JobFinished(ctx context.Context, id uuid.UUID) error
}

// JobStats aggregates an owner's jobs.
type JobStats struct {
	Total       int64                      `json:"total"`
	ByStatus    map[models.JobStatus]int64 `json:"by_status"`
	SuccessRate float64                    `json:"success_rate"`
	// AvgDurationSeconds covers finished jobs with both timestamps.
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// JobStore defines the data access layer for jobs and their logs.
type JobStore interface {
	JobStateStore
	LogSink

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// ListJobsByOwner returns the owner's jobs, newest first.
	ListJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Job, error)

	// ListJobsByStatus returns jobs in status, oldest first.
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)

	// DeleteJob removes the job and its logs.
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// ListLogs returns the job's records with ID > afterID in display order.
	ListLogs(ctx context.Context, jobID uuid.UUID, afterID uint) ([]models.LogRecord, error)

	SetLogArchive(ctx context.Context, id uuid.UUID, uri string) error
	Stats(ctx context.Context, ownerID uuid.UUID) (*JobStats, error)
}

// UserStore defines the data access layer for users.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Event types carried by a LogStream.
const (
	EventLog    = "log"
	EventStatus = "status"
	EventEnd    = "end"
)

// Event is one live update for a job.
type Event struct {
	Type   string            `json:"type"`
	JobID  uuid.UUID         `json:"job_id"`
	Log    *models.LogRecord `json:"log,omitempty"`
	Status models.JobStatus  `json:"status,omitempty"`
}

// LogStream delivers live events for a job to subscribers.
type LogStream interface {
	// Subscribe returns a channel of events for jobID. The channel is closed
	// when ctx ends, when the returned cancel func is called, or when the
	// reader falls too far behind.
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error)
}

// ComputeStats folds jobs into JobStats.
func ComputeStats(jobs []models.Job) *JobStats {
	st := &JobStats{ByStatus: make(map[models.JobStatus]int64)}
	var finished, succeeded int64
	var total time.Duration
	var timed int64
	for i := range jobs {
		j := &jobs[i]
		st.Total++
		st.ByStatus[j.Status]++
		if j.Status.IsTerminal() {
			finished++
			if j.Status == models.JobStatusSuccess {
				succeeded++
			}
			if j.StartedAt != nil && j.FinishedAt != nil {
				total += j.Duration()
				timed++
			}
		}
	}
	if finished > 0 {
		st.SuccessRate = float64(succeeded) / float64(finished)
	}
	if timed > 0 {
		st.AvgDurationSeconds = total.Seconds() / float64(timed)
	}
	return st
}
