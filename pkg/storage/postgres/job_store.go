package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

type PostgresStore struct {
	db *gorm.DB
}

var (
	_ storage.JobStore  = (*PostgresStore)(nil)
	_ storage.UserStore = (*PostgresStore)(nil)
)

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true, // Cache prepared statements for performance
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Users first: jobs reference them, logs reference jobs.
	if err := db.AutoMigrate(&models.User{}, &models.Job{}, &models.LogRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate maps driver errors onto storage sentinels.
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// CreateJob persists a new job using GORM.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", translate(err))
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at desc").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, result.Error)
	}
	return jobs, nil
}

// DeleteJob removes the job; its logs go with it through the FK cascade.
func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, u storage.StatusUpdate) error {
	updates := map[string]interface{}{"status": u.Status}
	if u.StartedAt != nil {
		updates["started_at"] = *u.StartedAt
	}
	if u.FinishedAt != nil {
		updates["finished_at"] = *u.FinishedAt
	}

	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Level == "" {
		rec.Level = models.LogLevelInfo
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append log: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, jobID uuid.UUID, afterID uint) ([]models.LogRecord, error) {
	var logs []models.LogRecord
	result := s.db.WithContext(ctx).
		Where("job_id = ? AND id > ?", jobID, afterID).
		Order("created_at asc, id asc").
		Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list logs: %w", result.Error)
	}
	return logs, nil
}

func (s *PostgresStore) SetLogArchive(ctx context.Context, id uuid.UUID, uri string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Update("log_archive_uri", uri)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Stats aggregates in SQL rather than loading every job.
func (s *PostgresStore) Stats(ctx context.Context, ownerID uuid.UUID) (*storage.JobStats, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Select("status, count(*) AS count").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.WithContext(ctx).
		Model(&models.Job{}).
		Select("AVG(EXTRACT(EPOCH FROM finished_at - started_at))").
		Where("owner_id = ? AND started_at IS NOT NULL AND finished_at IS NOT NULL", ownerID).
		Row().Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average durations: %w", err)
	}

	st := &storage.JobStats{ByStatus: make(map[models.JobStatus]int64)}
	var finished int64
	for _, r := range rows {
		st.Total += r.Count
		st.ByStatus[r.Status] = r.Count
		if r.Status.IsTerminal() {
			finished += r.Count
		}
	}
	if finished > 0 {
		st.SuccessRate = float64(st.ByStatus[models.JobStatusSuccess]) / float64(finished)
	}
	if avg.Valid {
		st.AvgDurationSeconds = avg.Float64
	}
	return st, nil
}
