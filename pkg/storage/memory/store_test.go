package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciserver/pkg/models"
	"ciserver/pkg/storage"
	"ciserver/pkg/storage/memory"
)

func TestStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	owner := uuid.New()

	job := &models.Job{OwnerID: owner, RepoURL: "https://github.com/acme/app"}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "main", job.Branch)

	started := time.Now().UTC()
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, storage.StatusUpdate{Status: models.JobStatusRunning, StartedAt: &started}))
	finished := started.Add(2 * time.Second)
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, storage.StatusUpdate{Status: models.JobStatusSuccess, FinishedAt: &finished}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 2*time.Second, got.Duration())

	assert.Equal(t, []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusSuccess,
	}, s.StatusHistory(job.ID))
}

func TestStore_UnknownJob(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, err := s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateJobStatus(ctx, uuid.New(), storage.StatusUpdate{Status: models.JobStatusFailed}), storage.ErrNotFound)
	assert.ErrorIs(t, s.AppendLog(ctx, &models.LogRecord{JobID: uuid.New(), Message: "x"}), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, uuid.New()), storage.ErrNotFound)
}

func TestStore_LogsOrderedAndCascade(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	job := &models.Job{OwnerID: uuid.New(), RepoURL: "r"}
	require.NoError(t, s.CreateJob(ctx, job))

	base := time.Now().UTC()
	require.NoError(t, s.AppendLog(ctx, &models.LogRecord{JobID: job.ID, Message: "second", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.AppendLog(ctx, &models.LogRecord{JobID: job.ID, Message: "first", CreatedAt: base}))
	rec := &models.LogRecord{JobID: job.ID, Message: "third", CreatedAt: base.Add(time.Second)}
	require.NoError(t, s.AppendLog(ctx, rec))
	assert.NotZero(t, rec.ID)
	assert.Equal(t, models.LogLevelInfo, rec.Level)

	logs, err := s.ListLogs(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{logs[0].Message, logs[1].Message, logs[2].Message})

	after, err := s.ListLogs(ctx, job.ID, logs[1].ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "third", after[0].Message)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	logs, err = s.ListLogs(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestStore_ListOrdering(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	owner := uuid.New()
	base := time.Now().UTC()

	older := &models.Job{OwnerID: owner, RepoURL: "a", CreatedAt: base}
	newer := &models.Job{OwnerID: owner, RepoURL: "b", CreatedAt: base.Add(time.Minute)}
	other := &models.Job{OwnerID: uuid.New(), RepoURL: "c", CreatedAt: base}
	for _, j := range []*models.Job{older, newer, other} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	mine, err := s.ListJobsByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, newer.ID, mine[0].ID)

	pending, err := s.ListJobsByStatus(ctx, models.JobStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.False(t, pending[0].CreatedAt.After(pending[2].CreatedAt))
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	u := &models.User{Email: "dev@example.com", PasswordHash: "h"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, &models.User{Email: "dev@example.com"}), storage.ErrConflict)

	byEmail, err := s.GetUserByEmail(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	byID, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", byID.Email)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SubscribeReceivesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := memory.New()
	job := &models.Job{OwnerID: uuid.New(), RepoURL: "r"}
	require.NoError(t, s.CreateJob(ctx, job))

	events, stop, err := s.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, s.AppendLog(ctx, &models.LogRecord{JobID: job.ID, Message: "hello"}))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, storage.StatusUpdate{Status: models.JobStatusRunning}))
	require.NoError(t, s.JobFinished(ctx, job.ID))

	var got []storage.Event
	for ev := range events {
		got = append(got, ev)
		if ev.Type == storage.EventEnd {
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, "hello", got[0].Log.Message)
	assert.Equal(t, models.JobStatusRunning, got[1].Status)
}

func TestStore_SubscribeClosesOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := memory.New()

	events, _, err := s.Subscribe(ctx, uuid.New())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	owner := uuid.New()
	start := time.Now().UTC()

	for _, st := range []models.JobStatus{models.JobStatusSuccess, models.JobStatusFailed, models.JobStatusSuccess, models.JobStatusRunning} {
		j := &models.Job{OwnerID: owner, RepoURL: "r"}
		require.NoError(t, s.CreateJob(ctx, j))
		u := storage.StatusUpdate{Status: st, StartedAt: &start}
		if st.IsTerminal() {
			end := start.Add(4 * time.Second)
			u.FinishedAt = &end
		}
		require.NoError(t, s.UpdateJobStatus(ctx, j.ID, u))
	}

	stats, err := s.Stats(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 2, stats.ByStatus[models.JobStatusSuccess])
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 4.0, stats.AvgDurationSeconds, 1e-9)
}
