package models

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a job log record.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogRecord is one append-only line of a job's log.
// Display order is (CreatedAt, ID) ascending.
type LogRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID     uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index:idx_job_logs_order,priority:1"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	Level     LogLevel  `json:"level" gorm:"type:varchar(10);not null;default:'info'"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_job_logs_order,priority:2"`
}

// TableName pins the table name to job_logs.
func (LogRecord) TableName() string {
	return "job_logs"
}
