package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/sardislabs/sardis/internal/canonical"
	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/sarderr"
)

// Runner executes functions at-most-once per (operation, key, request body).
type Runner struct {
	store Store
	// PendingWait bounds how long a caller waits for a concurrent execution
	// to finish before giving up with idempotency_in_progress.
	PendingWait time.Duration
	// PollInterval is the initial backoff between pending polls; it doubles
	// up to a cap.
	PollInterval time.Duration
}

// NewRunner constructs a runner with default wait behavior.
func NewRunner(store Store) *Runner {
	return &Runner{store: store, PendingWait: 10 * time.Second, PollInterval: 100 * time.Millisecond}
}

// Run canonicalizes payload into a request hash and executes fn under the
// (operation, key) record:
//   - completed with the same hash: the stored response is returned, fn not run;
//   - pending: wait with bounded backoff, then idempotency_in_progress;
//   - failed: fn is re-run;
//   - same key with a different hash: idempotency_conflict.
func (r *Runner) Run(ctx context.Context, operation, key string, payload any, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	requestHash, err := canonical.RequestHash(payload)
	if err != nil {
		return nil, sarderr.Wrap(sarderr.CodeInternalError, err)
	}

	deadline := time.Now().Add(r.PendingWait)
	backoff := r.PollInterval

	for {
		rec, created, err := r.store.Insert(ctx, Record{
			Key:         key,
			Operation:   operation,
			RequestHash: requestHash,
			ExpiresAt:   time.Now().Add(ttl),
		})
		if err != nil {
			return nil, sarderr.Wrap(sarderr.CodeStorageError, err)
		}
		if created {
			return r.execute(ctx, rec, fn)
		}

		if rec.RequestHash != requestHash {
			return nil, sarderr.New(sarderr.CodeIdempotencyConflict,
				"key %q was used with a different request body", key)
		}

		switch rec.Status {
		case StatusCompleted:
			return rec.Response, nil

		case StatusFailed:
			// Re-arm: take over the record and re-run.
			rec.Status = StatusPending
			rec.Response = nil
			if err := r.store.Update(ctx, rec); err != nil {
				return nil, sarderr.Wrap(sarderr.CodeStorageError, err)
			}
			return r.execute(ctx, rec, fn)

		case StatusPending:
			if time.Now().After(deadline) {
				return nil, sarderr.New(sarderr.CodeIdempotencyInProgress,
					"operation %s key %q is still in progress", operation, key)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < time.Second {
				backoff *= 2
			}
			// Re-read on the next loop iteration.
			if refreshed, err := r.store.Get(ctx, operation, key); err == nil {
				rec = refreshed
				if rec.Status == StatusCompleted && rec.RequestHash == requestHash {
					return rec.Response, nil
				}
			} else if !errors.Is(err, ErrNotFound) {
				return nil, sarderr.Wrap(sarderr.CodeStorageError, err)
			}
		}
	}
}

// Completed returns the stored response for a completed (operation, key)
// record. ok is false when the key is unknown or the record has not finished.
func (r *Runner) Completed(ctx context.Context, operation, key string) ([]byte, bool, error) {
	rec, err := r.store.Get(ctx, operation, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, sarderr.Wrap(sarderr.CodeStorageError, err)
	}
	if rec.Status != StatusCompleted {
		return nil, false, nil
	}
	return rec.Response, true, nil
}

func (r *Runner) execute(ctx context.Context, rec Record, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	response, err := fn(ctx)
	if err != nil {
		rec.Status = StatusFailed
		rec.Response = nil
		if uerr := r.store.Update(ctx, rec); uerr != nil {
			logger.FromContext(ctx).Error().
				Err(uerr).
				Str("operation", rec.Operation).
				Str("key", rec.Key).
				Msg("idempotency.mark_failed_error")
		}
		return nil, err
	}

	rec.Status = StatusCompleted
	rec.Response = response
	if uerr := r.store.Update(ctx, rec); uerr != nil {
		logger.FromContext(ctx).Error().
			Err(uerr).
			Str("operation", rec.Operation).
			Str("key", rec.Key).
			Msg("idempotency.mark_completed_error")
	}
	return response, nil
}
