package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type expirerFunc func(ctx context.Context, orderNo string) (domain.Order, error)

func (f expirerFunc) Expire(ctx context.Context, orderNo string) (domain.Order, error) {
	return f(ctx, orderNo)
}

func sweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    5 * time.Millisecond,
		ExpireAfter: 30 * time.Minute,
		BatchSize:   10,
		Retry:       RetryPolicy{Attempts: 2},
	}
}

func TestSweepOnce_ExpiresOverduePendingOrders(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: departure.Add(-48 * time.Hour)}

	inv := storage.NewMemoryInventory()
	ledger := storage.NewMemoryLedger(storage.WithClock(clock.Now))
	item, err := inv.Put(ctx, trainItem(10))
	require.NoError(t, err)
	coord := NewReservationCoordinator(inv, ledger, testConfig(), WithLogger(quietLogger()))

	stale, err := coord.Book(ctx, booking(item.Ref(), 2))
	require.NoError(t, err)
	paid, err := coord.Book(ctx, booking(item.Ref(), 1))
	require.NoError(t, err)
	_, err = coord.ConfirmPayment(ctx, paid.OrderNo)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	fresh, err := coord.Book(ctx, booking(item.Ref(), 3))
	require.NoError(t, err)

	sweeper := NewExpirySweeper(ledger, coord, nil, sweeperConfig(), quietLogger())
	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Expired: 1}, report)

	got, _ := inv.Find(ctx, item.Ref())
	assert.Equal(t, 6, got.RemainingSeats)

	for no, want := range map[string]domain.OrderStatus{
		stale.OrderNo: domain.OrderStatusCancelled,
		paid.OrderNo:  domain.OrderStatusPaid,
		fresh.OrderNo: domain.OrderStatusPending,
	} {
		o, err := ledger.Get(ctx, no)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, no)
	}

	report, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestSweepOnce_SkipsOrdersThatMovedOn(t *testing.T) {
	ledger := new(MockOrderLedger)
	ledger.On("FindExpired", mock.Anything, 30*time.Minute, 10).Return([]domain.Order{
		{OrderNo: "A"}, {OrderNo: "B"}, {OrderNo: "C"}, {OrderNo: "D"},
	}, nil)

	outcomes := map[string]error{
		"A": nil,
		"B": domain.ErrInvalidTransition,
		"C": domain.ErrNotFound,
		"D": &domain.InvariantError{Op: "release: restock"},
	}
	exp := expirerFunc(func(_ context.Context, no string) (domain.Order, error) {
		return domain.Order{OrderNo: no}, outcomes[no]
	})

	report, err := NewExpirySweeper(ledger, exp, nil, sweeperConfig(), quietLogger()).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 4, Expired: 1, Skipped: 2, Failed: 1}, report)
}

func TestSweepOnce_RetriesScan(t *testing.T) {
	ledger := new(MockOrderLedger)
	ledger.On("FindExpired", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.NewDataAccessError("find expired orders", errors.New("timeout")))

	exp := expirerFunc(func(context.Context, string) (domain.Order, error) {
		t.Fatal("nothing should be expired")
		return domain.Order{}, nil
	})

	_, err := NewExpirySweeper(ledger, exp, nil, sweeperConfig(), quietLogger()).SweepOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrDataAccess)
	ledger.AssertNumberOfCalls(t, "FindExpired", 2)
}

func TestTick_SkipsWithoutLease(t *testing.T) {
	ledger := new(MockOrderLedger)
	locker := new(MockLeaseLocker)
	locker.On("Acquire", mock.Anything, "expiry-sweeper", 10*time.Millisecond).Return(false, nil)

	sweeper := NewExpirySweeper(ledger, expirerFunc(nil), locker, sweeperConfig(), quietLogger())
	sweeper.tick(context.Background())

	locker.AssertExpectations(t)
	ledger.AssertNotCalled(t, "FindExpired", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	clock := &fakeClock{now: departure}
	inv := storage.NewMemoryInventory()
	ledger := storage.NewMemoryLedger(storage.WithClock(clock.Now))
	item, err := inv.Put(context.Background(), trainItem(5))
	require.NoError(t, err)
	coord := NewReservationCoordinator(inv, ledger, testConfig(), WithLogger(quietLogger()))

	_, err = coord.Book(context.Background(), booking(item.Ref(), 5))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	locker := new(MockLeaseLocker)
	locker.On("Acquire", mock.Anything, "expiry-sweeper", mock.Anything).Return(true, nil)
	locker.On("Release", mock.Anything, "expiry-sweeper").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewExpirySweeper(ledger, coord, locker, sweeperConfig(), quietLogger()).Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		got, _ := inv.Find(context.Background(), item.Ref())
		return got.RemainingSeats == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	locker.AssertExpectations(t)
}
