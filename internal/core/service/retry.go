package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retry runs fn up to attempts times with exponential backoff starting at initial.
// It returns the last error fn produced.
func retry(ctx context.Context, attempts int, initial time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		return last
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
	if err != nil && last != nil {
		return last
	}
	return err
}
