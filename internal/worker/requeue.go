package worker

import (
	"context"
	"errors"
	"fmt"

	"tally-sync/internal/models"
)

var (
	// ErrRecordNotFound is returned when the id is not in the queue.
	ErrRecordNotFound = errors.New("queued record not found")
	// ErrNotRetryable is returned for records the drainer still owns or that wait on a decision.
	ErrNotRetryable = errors.New("record cannot be retried in its current status")
	// ErrStillPending is returned when removing a record that has not been delivered yet.
	ErrStillPending = errors.New("pending records are still being delivered")
)

// Requeue returns a parked record to pending. Only blocked_auth, cancelled and error_last_try
// records qualify; needs_confirm goes through the confirmation handshake instead. A non-empty
// credential replaces the stored one, which is how an operator recovers from an expired token.
func Requeue(ctx context.Context, st Store, id int64, credential string) (models.Record, error) {
	rec, ok, err := st.Get(ctx, id)
	if err != nil {
		return models.Record{}, fmt.Errorf("load record %d: %w", id, err)
	}
	if !ok {
		return models.Record{}, ErrRecordNotFound
	}
	switch rec.Status {
	case models.StatusBlockedAuth, models.StatusCancelled, models.StatusErrorLastTry:
	default:
		return rec, fmt.Errorf("%w: %s", ErrNotRetryable, rec.Status)
	}

	rec.Status = models.StatusPending
	patch := models.Patch{Status: &rec.Status}
	if credential != "" {
		rec.Credential = credential
		patch.Credential = &credential
	}
	if err := st.Update(ctx, id, patch); err != nil {
		return models.Record{}, fmt.Errorf("requeue record %d: %w", id, err)
	}
	return rec, nil
}

// Discard deletes a record the drainer no longer owns.
func Discard(ctx context.Context, st Store, id int64) error {
	rec, ok, err := st.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load record %d: %w", id, err)
	}
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status == models.StatusPending {
		return ErrStillPending
	}
	if err := st.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove record %d: %w", id, err)
	}
	return nil
}
