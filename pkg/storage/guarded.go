package storage

import (
	"context"

	"github.com/google/uuid"

	"ciserver/pkg/models"
	"ciserver/pkg/resilience"
)

// GuardedSink runs appends through a circuit breaker so a failing backend
// is skipped quickly instead of stalling every output line.
type GuardedSink struct {
	Sink    LogSink
	Breaker *resilience.CircuitBreaker
}

func (g GuardedSink) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	return g.Breaker.Execute(ctx, func() error {
		return g.Sink.AppendLog(ctx, rec)
	})
}

// GuardedStateStore runs status writes through a circuit breaker.
type GuardedStateStore struct {
	Store   JobStateStore
	Breaker *resilience.CircuitBreaker
}

func (g GuardedStateStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error {
	return g.Breaker.Execute(ctx, func() error {
		return g.Store.UpdateJobStatus(ctx, id, u)
	})
}

func (g GuardedStateStore) JobFinished(ctx context.Context, id uuid.UUID) error {
	n, ok := g.Store.(FinishNotifier)
	if !ok {
		return nil
	}
	return g.Breaker.Execute(ctx, func() error {
		return n.JobFinished(ctx, id)
	})
}
