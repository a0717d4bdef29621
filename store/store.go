// Package store persists conversion jobs. Every mutation is a single-record
// conditional write, so concurrent trigger deliveries for one job cannot
// interleave a read-modify-write.
package store

import (
	"context"
	"fmt"
	"time"

	"c3d/models"
)

// JobStore is the durable record of job state.
type JobStore interface {
	// Create inserts a new job. It fails with models.ErrJobExists when the id is taken.
	Create(ctx context.Context, job *models.Job) error

	// Get returns the job, or models.ErrJobNotFound when it is absent or expired.
	Get(ctx context.Context, id string) (*models.Job, error)

	// MarkProcessing moves pending or processing to processing, counts the
	// attempt and takes a new lease. The returned job's Lease is the token
	// Complete and Fail require.
	MarkProcessing(ctx context.Context, id string) (*models.Job, error)

	// Complete moves processing to completed when lease is still the
	// current one. Repeating it with the same output location succeeds
	// without change.
	Complete(ctx context.Context, id string, lease int, outputLocation string) (*models.Job, error)

	// Fail moves processing to failed when lease is still the current one.
	// A job that already failed keeps its first error.
	Fail(ctx context.Context, id string, lease int, code, message string) (*models.Job, error)

	// Reset clears a previous outcome and the attempt count and returns the
	// job to pending. A non-empty targetFormat replaces the stored one.
	Reset(ctx context.Context, id, targetFormat string) (*models.Job, error)

	// ListStale returns processing jobs started before the threshold.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error)

	// DeleteExpired removes records past their retention horizon.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

func transitionError(id string, from models.Status, op string) error {
	return fmt.Errorf("%w: cannot %s job %s in status %s", models.ErrInvalidTransition, op, id, from)
}

func leaseError(id string, held, current int, op string) error {
	return fmt.Errorf("%w: cannot %s job %s with lease %d, current lease is %d",
		models.ErrInvalidTransition, op, id, held, current)
}

// The apply* functions hold the transition rules on an in-memory copy.
// The Postgres and Redis backends encode the same rules in their
// conditional writes.

func applyProcessing(j *models.Job, now time.Time) error {
	if j.Status != models.StatusPending && j.Status != models.StatusProcessing {
		return transitionError(j.ID, j.Status, "start")
	}
	j.Status = models.StatusProcessing
	j.Attempts++
	j.Lease++
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

func applyComplete(j *models.Job, lease int, outputLocation string, now time.Time) error {
	if j.Status == models.StatusCompleted && j.OutputLocation == outputLocation {
		return nil
	}
	if j.Status != models.StatusProcessing {
		return transitionError(j.ID, j.Status, "complete")
	}
	if j.Lease != lease {
		return leaseError(j.ID, lease, j.Lease, "complete")
	}
	j.Status = models.StatusCompleted
	j.OutputLocation = outputLocation
	j.Error = ""
	j.ErrorCode = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func applyFail(j *models.Job, lease int, code, message string, now time.Time) error {
	if j.Status == models.StatusFailed {
		return nil
	}
	if j.Status != models.StatusProcessing {
		return transitionError(j.ID, j.Status, "fail")
	}
	if j.Lease != lease {
		return leaseError(j.ID, lease, j.Lease, "fail")
	}
	j.Status = models.StatusFailed
	j.ErrorCode = code
	j.Error = failureMessage(code, message)
	j.OutputLocation = ""
	j.UpdatedAt = now
	return nil
}

func applyReset(j *models.Job, targetFormat string, now time.Time) error {
	if j.Status == models.StatusProcessing {
		return fmt.Errorf("%w: job %s", models.ErrConversionInProgress, j.ID)
	}
	j.Status = models.StatusPending
	j.Attempts = 0
	j.OutputLocation = ""
	j.Error = ""
	j.ErrorCode = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	if targetFormat != "" {
		j.TargetFormat = targetFormat
	}
	j.UpdatedAt = now
	return nil
}

// failureMessage keeps the stored error non-empty and bounded.
func failureMessage(code, message string) string {
	if message == "" {
		message = code
	}
	if message == "" {
		message = "conversion failed"
	}
	return models.TruncateError(message)
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
