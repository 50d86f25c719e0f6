// Package memory is an in-process implementation of the storage interfaces.
// It backs tests and single-process deployments with STORAGE_DRIVER=memory;
// nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

type Store struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*models.Job
	logs    map[uuid.UUID][]models.LogRecord
	history map[uuid.UUID][]models.JobStatus
	users   map[uuid.UUID]*models.User
	emails  map[string]uuid.UUID
	nextLog uint

	hub *Hub
}

var (
	_ storage.JobStore       = (*Store)(nil)
	_ storage.UserStore      = (*Store)(nil)
	_ storage.LogStream      = (*Store)(nil)
	_ storage.FinishNotifier = (*Store)(nil)
)

func New() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*models.Job),
		logs:    make(map[uuid.UUID][]models.LogRecord),
		history: make(map[uuid.UUID][]models.JobStatus),
		users:   make(map[uuid.UUID]*models.User),
		emails:  make(map[string]uuid.UUID),
		hub:     NewHub(),
	}
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return storage.ErrConflict
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Branch == "" {
		job.Branch = "main"
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	cp := *job
	s.jobs[job.ID] = &cp
	s.history[job.ID] = []models.JobStatus{job.Status}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Job, error) {
	out := s.filter(func(j *models.Job) bool { return j.OwnerID == ownerID })
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	out := s.filter(func(j *models.Job) bool { return j.Status == status })
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) filter(keep func(*models.Job) bool) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, *j)
		}
	}
	return out
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.logs, id)
	delete(s.history, id)
	return nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, u storage.StatusUpdate) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	j.Status = u.Status
	if u.StartedAt != nil {
		t := *u.StartedAt
		j.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		j.FinishedAt = &t
	}
	j.UpdatedAt = time.Now().UTC()
	s.history[id] = append(s.history[id], u.Status)
	s.mu.Unlock()

	s.hub.Publish(storage.Event{Type: storage.EventStatus, JobID: id, Status: u.Status})
	return nil
}

func (s *Store) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	s.mu.Lock()
	if _, ok := s.jobs[rec.JobID]; !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	s.nextLog++
	rec.ID = s.nextLog
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Level == "" {
		rec.Level = models.LogLevelInfo
	}
	cp := *rec
	s.logs[rec.JobID] = append(s.logs[rec.JobID], cp)
	s.mu.Unlock()

	s.hub.Publish(storage.Event{Type: storage.EventLog, JobID: cp.JobID, Log: &cp})
	return nil
}

func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID, afterID uint) ([]models.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.LogRecord, 0, len(s.logs[jobID]))
	for _, r := range s.logs[jobID] {
		if r.ID > afterID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (s *Store) SetLogArchive(ctx context.Context, id uuid.UUID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.LogArchiveURI = uri
	return nil
}

func (s *Store) Stats(ctx context.Context, ownerID uuid.UUID) (*storage.JobStats, error) {
	jobs, _ := s.ListJobsByOwner(ctx, ownerID)
	return storage.ComputeStats(jobs), nil
}

// StatusHistory returns every status the job has been written with, starting
// with the status it was created with.
func (s *Store) StatusHistory(id uuid.UUID) []models.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.JobStatus(nil), s.history[id]...)
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[u.Email]; ok {
		return storage.ErrConflict
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[u.Email] = u.ID
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan storage.Event, func(), error) {
	return s.hub.Subscribe(ctx, jobID)
}

func (s *Store) JobFinished(ctx context.Context, id uuid.UUID) error {
	s.hub.Publish(storage.Event{Type: storage.EventEnd, JobID: id})
	return nil
}
