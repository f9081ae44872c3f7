package store

import (
	"context"
	"errors"
	"time"
)

// Retry re-runs op on transient failure with linear backoff. Mutations in
// this system are keyed by call id and idempotent, so repeating the same
// payload is always safe. Precondition failures (ErrAborted) and missing
// records are not transient and are returned immediately.
func Retry(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAborted) || errors.Is(err, ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}
