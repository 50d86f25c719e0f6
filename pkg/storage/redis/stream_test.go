package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciserver/pkg/models"
	"ciserver/pkg/storage"
	"ciserver/pkg/storage/redis"
)

func TestChannel(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-4f7b-4c1d-9a55-0c3e2b1d7f10")
	assert.Equal(t, "jobs:6f1c2a8e-4f7b-4c1d-9a55-0c3e2b1d7f10:events", redis.Channel(id))
}

func TestDecode_Malformed(t *testing.T) {
	_, err := redis.Decode("{not json")
	assert.Error(t, err)
}

func TestEncode_LogEvent(t *testing.T) {
	id := uuid.New()
	rec := &models.LogRecord{ID: 7, JobID: id, Message: "Running: make", Level: models.LogLevelInfo}
	payload, err := redis.Encode(storage.Event{Type: storage.EventLog, JobID: id, Log: rec})
	require.NoError(t, err)

	ev, err := redis.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, storage.EventLog, ev.Type)
	require.NotNil(t, ev.Log)
	assert.Equal(t, "Running: make", ev.Log.Message)
	assert.Empty(t, ev.Status)
}

func newStream(t *testing.T) *redis.Stream {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping redis tests in short mode")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	cfg := redis.DefaultStreamConfig(addr)
	cfg.DialTimeout = time.Second
	s, err := redis.NewStreamWithConfig(cfg)
	if err != nil {
		t.Skipf("Skipping redis tests: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStream_PublishSubscribe(t *testing.T) {
	s := newStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := uuid.New()
	events, stop, err := s.Subscribe(ctx, id)
	require.NoError(t, err)
	defer stop()

	rec := &models.LogRecord{JobID: id, Message: "hello", Level: models.LogLevelInfo}
	require.NoError(t, s.AppendLog(ctx, rec))
	assert.EqualValues(t, 1, rec.ID)
	require.NoError(t, s.UpdateJobStatus(ctx, id, storage.StatusUpdate{Status: models.JobStatusSuccess}))
	require.NoError(t, s.JobFinished(ctx, id))

	var got []storage.Event
	for ev := range events {
		got = append(got, ev)
		if ev.Type == storage.EventEnd {
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, "hello", got[0].Log.Message)
	assert.Equal(t, models.JobStatusSuccess, got[1].Status)
	assert.Equal(t, storage.EventEnd, got[2].Type)
}

func TestStream_SubscribeClosesOnCancel(t *testing.T) {
	s := newStream(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, _, err := s.Subscribe(ctx, uuid.New())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestStream_SlowSubscriberIsClosed(t *testing.T) {
	s := newStream(t)
	ctx := context.Background()
	id := uuid.New()

	events, stop, err := s.Subscribe(ctx, id)
	require.NoError(t, err)
	defer stop()

	for i := 0; i < redis.SubscriberBuffer+10; i++ {
		require.NoError(t, s.UpdateJobStatus(ctx, id, storage.StatusUpdate{Status: models.JobStatusRunning}))
	}

	deadline := time.After(5 * time.Second)
	got := 0
	for {
		select {
		case _, ok := <-events:
			if !ok {
				assert.LessOrEqual(t, got, redis.SubscriberBuffer)
				return
			}
			got++
			if got > redis.SubscriberBuffer {
				t.Fatal("buffer overflow was not reported")
			}
		case <-deadline:
			t.Fatal("subscription was not closed")
		}
	}
}
