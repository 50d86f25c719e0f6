package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ciserver/pkg/models"
)

// MultiSink appends each record to every sink in order. The first sink is
// expected to assign the record ID; later sinks see the stored record.
type MultiSink []LogSink

func (m MultiSink) AppendLog(ctx context.Context, rec *models.LogRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendLog(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiStateStore applies each update to every store in order.
type MultiStateStore []JobStateStore

func (m MultiStateStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error {
	var errs []error
	for _, s := range m {
		if err := s.UpdateJobStatus(ctx, id, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JobFinished forwards to every member that implements FinishNotifier.
func (m MultiStateStore) JobFinished(ctx context.Context, id uuid.UUID) error {
	var errs []error
	for _, s := range m {
		if n, ok := s.(FinishNotifier); ok {
			if err := n.JobFinished(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
