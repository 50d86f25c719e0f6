package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the lifecycle state of a build job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions may leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes pending -> running -> {success, failed, cancelled}.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobStatusPending:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to.IsTerminal()
	}
	return false
}

// Job is one build/test run requested for a (repository, branch) pair.
type Job struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID       uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index"`
	RepoURL       string     `json:"repo_url" gorm:"not null"`
	Branch        string     `json:"branch" gorm:"not null;default:'main'"`
	Status        JobStatus  `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	LogArchiveURI string     `json:"log_archive_uri,omitempty"`
	CreatedAt     time.Time  `json:"created_at" gorm:"index"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Logs  []LogRecord `json:"-" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	Owner *User       `json:"-" gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook to generate UUID if not present
func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	return
}

// Duration is the wall time between start and finish, zero while the job is live.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}
