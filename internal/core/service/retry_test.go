package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

func TestRetryPolicy(t *testing.T) {
	transient := domain.NewDataAccessError("query", errors.New("connection reset"))
	uncertain := domain.NewUncertainDataAccessError("commit", errors.New("connection reset"))

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{"success first time", []error{nil}, 1, nil},
		{"transient then success", []error{transient, nil}, 2, nil},
		{"transient until exhausted", []error{transient, transient, transient}, 3, domain.ErrDataAccess},
		{"uncertain is not retried", []error{uncertain}, 1, domain.ErrDataAccess},
		{"business error is not retried", []error{domain.ErrInsufficientInventory}, 1, domain.ErrInsufficientInventory},
		{"invariant is not retried", []error{&domain.InvariantError{Op: "restock", Err: transient}}, 1, domain.ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RetryPolicy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
			calls := 0
			err := p.run(context.Background(), func(context.Context) error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Attempts: 5, Backoff: time.Hour}

	calls := 0
	err := p.run(ctx, func(context.Context) error {
		calls++
		cancel()
		return domain.NewDataAccessError("query", errors.New("timeout"))
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, domain.ErrDataAccess)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = RetryPolicy{}.run(context.Background(), func(context.Context) error {
		calls++
		return domain.NewDataAccessError("query", errors.New("timeout"))
	})
	assert.Equal(t, 1, calls)
}
