package service

import (
	"context"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// RetryPolicy bounds how often a data access failure is retried. Only
// failures known not to have been applied are retried; business errors
// and invariant violations return immediately.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Backoff:    50 * time.Millisecond,
		MaxBackoff: time.Second,
	}
}

func (p RetryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !domain.IsRetriable(err) || i == attempts-1 {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		if backoff < p.MaxBackoff {
			backoff = min(backoff*2, p.MaxBackoff)
		}
	}
	return err
}
