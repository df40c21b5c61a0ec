package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"livesession/internal/repository"
)

// RetryPolicy bounds the retries of transient backend failures.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// retry runs fn until it succeeds, fails permanently, or retries run out.
// Only transient errors are retried; exhausted retries surface as ErrTransient.
func retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	_, err := retryValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func retryValue[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	var lastErr error
	v, err := backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		lastErr = err
		return v, err
	}, p.backOff(ctx))
	if err != nil && lastErr != nil && errors.Is(err, lastErr) {
		return v, transientErr(err)
	}
	return v, err
}

func transientErr(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func isTransient(err error) bool {
	if errors.Is(err, repository.ErrUnavailable) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
