package port

import (
	"context"
	"time"
)

type IdempotencyGuard interface {
	// Claim marks key as in use, returns false if it is already claimed
	Claim(ctx context.Context, key string) (bool, error)

	// Release drops the claim so the key can be used again
	Release(ctx context.Context, key string) error
}

type LeaseLocker interface {
	// Acquire takes the named lease for ttl, returns false if someone else holds it
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release gives the lease back if it is still ours
	Release(ctx context.Context, name string) error
}
