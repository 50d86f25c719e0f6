package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

const (
	channelPrefix = "jobs:"
	channelSuffix = ":events"
	seqSuffix     = ":seq"

	// SubscriberBuffer is the per-subscriber event buffer.
	SubscriberBuffer = 1024
)

// Stream publishes job events over redis pub/sub so any API replica can
// follow a job's output live.
type Stream struct {
	client *redis.Client
}

// StreamConfig holds Redis connection configuration
type StreamConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultStreamConfig returns defaults tuned for many short publishes.
func DefaultStreamConfig(addr string) StreamConfig {
	return StreamConfig{
		Addr:         addr,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// NewStream connects with default config.
func NewStream(addr string) (*Stream, error) {
	return NewStreamWithConfig(DefaultStreamConfig(addr))
}

// NewStreamWithConfig connects and pings the server.
func NewStreamWithConfig(cfg StreamConfig) (*Stream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Stream{client: client}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Channel is the pub/sub channel carrying events for a job.
func Channel(jobID uuid.UUID) string {
	return channelPrefix + jobID.String() + channelSuffix
}

func seqKey(jobID uuid.UUID) string {
	return channelPrefix + jobID.String() + seqSuffix
}

// AppendLog publishes rec. A zero ID is filled from a per-job counter so
// followers can still order records when redis is the only sink.
func (s *Stream) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == 0 {
		n, err := s.client.Incr(ctx, seqKey(rec.JobID)).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate log id: %w", err)
		}
		rec.ID = uint(n)
	}
	cp := *rec
	return s.publish(ctx, storage.Event{Type: storage.EventLog, JobID: rec.JobID, Log: &cp})
}

func (s *Stream) UpdateJobStatus(ctx context.Context, id uuid.UUID, u storage.StatusUpdate) error {
	return s.publish(ctx, storage.Event{Type: storage.EventStatus, JobID: id, Status: u.Status})
}

// JobFinished publishes the end event and drops the job's counter.
func (s *Stream) JobFinished(ctx context.Context, id uuid.UUID) error {
	if err := s.publish(ctx, storage.Event{Type: storage.EventEnd, JobID: id}); err != nil {
		return err
	}
	return s.client.Del(ctx, seqKey(id)).Err()
}

func (s *Stream) publish(ctx context.Context, ev storage.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, Channel(ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe follows a job's channel. Messages that fail to decode are
// skipped. When the reader falls behind and the buffer fills, the
// subscription ends and the channel is closed.
func (s *Stream) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan storage.Event, func(), error) {
	ps := s.client.Subscribe(ctx, Channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan storage.Event, SubscriberBuffer)
	msgs := ps.Channel()

	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := Decode(msg.Payload)
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

func Encode(ev storage.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return string(b), nil
}

func Decode(payload string) (storage.Event, error) {
	var ev storage.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return ev, nil
}
