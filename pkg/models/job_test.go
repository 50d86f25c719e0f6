package models_test

import (
	"testing"
	"time"

	"ciserver/pkg/models"
)

func TestJobStatus_Terminal(t *testing.T) {
	terminal := map[models.JobStatus]bool{
		models.JobStatusPending:   false,
		models.JobStatusRunning:   false,
		models.JobStatusSuccess:   true,
		models.JobStatusFailed:    true,
		models.JobStatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestJobStatus_CanTransition(t *testing.T) {
	allowed := []struct{ from, to models.JobStatus }{
		{models.JobStatusPending, models.JobStatusRunning},
		{models.JobStatusRunning, models.JobStatusSuccess},
		{models.JobStatusRunning, models.JobStatusFailed},
		{models.JobStatusRunning, models.JobStatusCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	rejected := []struct{ from, to models.JobStatus }{
		{models.JobStatusPending, models.JobStatusSuccess},
		{models.JobStatusPending, models.JobStatusCancelled},
		{models.JobStatusRunning, models.JobStatusPending},
		{models.JobStatusSuccess, models.JobStatusFailed},
		{models.JobStatusCancelled, models.JobStatusRunning},
		{models.JobStatusFailed, models.JobStatusFailed},
	}
	for _, tc := range rejected {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestJob_Duration(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	finish := start.Add(90 * time.Second)

	job := &models.Job{StartedAt: &start}
	if job.Duration() != 0 {
		t.Errorf("expected zero duration for a live job, got %v", job.Duration())
	}

	job.FinishedAt = &finish
	if job.Duration() != 90*time.Second {
		t.Errorf("expected 90s, got %v", job.Duration())
	}
}
