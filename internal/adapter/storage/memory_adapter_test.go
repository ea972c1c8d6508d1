package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

var departure = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

func trainItem(number string, total, remaining int) domain.Item {
	return domain.Item{
		Type:           domain.TicketTypeTrain,
		FareClass:      "二等座",
		StartsAt:       departure,
		EndsAt:         departure.Add(4*time.Hour + 30*time.Minute),
		TotalSeats:     total,
		RemainingSeats: remaining,
		Price:          domain.MoneyFromFloat(553.5),
		Details:        domain.TrainDetails{TrainNumber: number, DepartureCity: "北京", ArrivalCity: "上海"},
	}
}

func seed(t *testing.T, inv *MemoryInventory, item domain.Item) domain.Item {
	t.Helper()
	stored, err := inv.Put(context.Background(), item)
	require.NoError(t, err)
	return stored
}

func TestMemoryInventory_ReserveAndRestock(t *testing.T) {
	ctx := context.Background()
	inv := NewMemoryInventory()
	item := seed(t, inv, trainItem("G101", 234, 234))
	assert.Equal(t, int64(1), item.ID)

	require.NoError(t, inv.Reserve(ctx, item.Ref(), 1))
	got, err := inv.Find(ctx, item.Ref())
	require.NoError(t, err)
	assert.Equal(t, 233, got.RemainingSeats)

	err = inv.Reserve(ctx, item.Ref(), 300)
	assert.ErrorIs(t, err, domain.ErrInsufficientInventory)
	got, _ = inv.Find(ctx, item.Ref())
	assert.Equal(t, 233, got.RemainingSeats)

	require.NoError(t, inv.Restock(ctx, item.Ref(), 1))
	got, _ = inv.Find(ctx, item.Ref())
	assert.Equal(t, 234, got.RemainingSeats)
}

func TestMemoryInventory_NotFound(t *testing.T) {
	ctx := context.Background()
	inv := NewMemoryInventory()
	ref := domain.TicketRef{Type: domain.TicketTypeFlight, ID: 42}

	_, err := inv.Find(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, inv.Reserve(ctx, ref, 1), domain.ErrNotFound)
	assert.ErrorIs(t, inv.Restock(ctx, ref, 1), domain.ErrNotFound)
}

func TestMemoryInventory_RejectsNonPositiveQuantity(t *testing.T) {
	ctx := context.Background()
	inv := NewMemoryInventory()
	item := seed(t, inv, trainItem("G101", 10, 10))

	assert.ErrorIs(t, inv.Reserve(ctx, item.Ref(), 0), domain.ErrQuantityExceeded)
	assert.ErrorIs(t, inv.Restock(ctx, item.Ref(), -1), domain.ErrQuantityExceeded)
}

func TestMemoryInventory_RestockAboveTotal(t *testing.T) {
	ctx := context.Background()

	t.Run("strict", func(t *testing.T) {
		inv := NewMemoryInventory()
		item := seed(t, inv, trainItem("G101", 10, 9))

		err := inv.Restock(ctx, item.Ref(), 2)
		assert.ErrorIs(t, err, domain.ErrInvariantViolation)

		var ie *domain.InvariantError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, item.Ref(), ie.Ticket)

		got, _ := inv.Find(ctx, item.Ref())
		assert.Equal(t, 9, got.RemainingSeats)
	})

	t.Run("clamped", func(t *testing.T) {
		inv := NewMemoryInventory(WithRestockClamp(true))
		item := seed(t, inv, trainItem("G101", 10, 9))

		require.NoError(t, inv.Restock(ctx, item.Ref(), 2))
		got, _ := inv.Find(ctx, item.Ref())
		assert.Equal(t, 10, got.RemainingSeats)
	})
}

func TestMemoryInventory_ConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	inv := NewMemoryInventory()
	item := seed(t, inv, trainItem("G101", 20, 20))

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inv.Reserve(ctx, item.Ref(), 1); err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), successCount.Load())
	got, _ := inv.Find(ctx, item.Ref())
	assert.Equal(t, 0, got.RemainingSeats)
}

func TestMemoryInventory_PutUpsertsByNaturalKey(t *testing.T) {
	inv := NewMemoryInventory()
	first := seed(t, inv, trainItem("G101", 100, 100))

	updated := trainItem("G101", 100, 80)
	updated.Price = domain.MoneyFromFloat(600)
	second := seed(t, inv, updated)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 80, second.RemainingSeats)
	assert.Equal(t, "600.00", second.Price.String())

	other := seed(t, inv, trainItem("G103", 50, 50))
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMemoryInventory_Search(t *testing.T) {
	ctx := context.Background()
	inv := NewMemoryInventory()

	early := trainItem("G101", 100, 100)
	late := trainItem("G105", 100, 100)
	late.StartsAt = departure.Add(3 * time.Hour)
	late.EndsAt = late.StartsAt.Add(5 * time.Hour)
	soldOut := trainItem("G107", 100, 0)
	otherRoute := trainItem("G7", 100, 100)
	otherRoute.Details = domain.TrainDetails{TrainNumber: "G7", DepartureCity: "上海", ArrivalCity: "杭州"}
	nextDay := trainItem("G109", 100, 100)
	nextDay.StartsAt = departure.Add(24 * time.Hour)
	nextDay.EndsAt = nextDay.StartsAt.Add(5 * time.Hour)

	for _, it := range []domain.Item{late, soldOut, early, otherRoute, nextDay} {
		seed(t, inv, it)
	}
	seed(t, inv, domain.Item{
		Type:           domain.TicketTypeConcert,
		FareClass:      "VIP票",
		StartsAt:       departure.Add(12 * time.Hour),
		EndsAt:         departure.Add(15 * time.Hour),
		TotalSeats:     500,
		RemainingSeats: 500,
		Price:          domain.MoneyFromFloat(1280),
		Details:        domain.ConcertDetails{Artist: "周杰伦", City: "北京", Venue: "鸟巢"},
	})

	items, err := inv.Search(ctx, domain.TicketTypeTrain, domain.SearchFilter{
		DepartureCity: "北京",
		ArrivalCity:   "上海",
		Date:          "2024-03-15",
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "G101", items[0].Details.(domain.TrainDetails).TrainNumber)
	assert.Equal(t, "G105", items[1].Details.(domain.TrainDetails).TrainNumber)

	items, err = inv.Search(ctx, domain.TicketTypeTrain, domain.SearchFilter{
		DepartureCity:  "北京",
		Date:           "2024-03-15",
		IncludeSoldOut: true,
	})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = inv.Search(ctx, domain.TicketTypeConcert, domain.SearchFilter{City: "北京", Artist: "周"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.TicketTypeConcert, items[0].Type)

	items, err = inv.Search(ctx, domain.TicketTypeFlight, domain.SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newOrder(ref domain.TicketRef, quantity int) domain.Order {
	unit := domain.MoneyFromFloat(553.5)
	return domain.Order{
		Ticket:       ref,
		Quantity:     quantity,
		UnitPrice:    unit,
		TotalPrice:   unit.Mul(quantity),
		ContactName:  "张三",
		ContactPhone: "13800138000",
	}
}

func TestMemoryLedger_CreateAndTransition(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: departure.Add(-48 * time.Hour)}
	ledger := NewMemoryLedger(WithClock(clock.Now))
	ref := domain.TicketRef{Type: domain.TicketTypeTrain, ID: 1}

	order, err := ledger.Create(ctx, newOrder(ref, 2))
	require.NoError(t, err)
	assert.True(t, domain.ValidOrderNo(order.OrderNo))
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "1107.00", order.TotalPrice.String())

	clock.Advance(time.Minute)
	paid, err := ledger.Transition(ctx, order.OrderNo, domain.OrderStatusPaid, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, clock.Now(), *paid.PaidAt)

	_, err = ledger.Transition(ctx, order.OrderNo, domain.OrderStatusCancelled, "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	refunded, err := ledger.Transition(ctx, order.OrderNo, domain.OrderStatusRefunded, "customer request")
	require.NoError(t, err)
	assert.Equal(t, "customer request", refunded.CancelReason)
	assert.NotNil(t, refunded.CancelledAt)

	_, err = ledger.Transition(ctx, "ORD20240101000000ABCDEF", domain.OrderStatusPaid, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryLedger_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	ref := domain.TicketRef{Type: domain.TicketTypeTrain, ID: 1}

	o := newOrder(ref, 1)
	o.IdempotencyKey = "booking-123"
	first, err := ledger.Create(ctx, o)
	require.NoError(t, err)

	_, err = ledger.Create(ctx, o)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// The key is free again once its order is terminal.
	_, err = ledger.Transition(ctx, first.OrderNo, domain.OrderStatusCancelled, "changed plans")
	require.NoError(t, err)
	second, err := ledger.Create(ctx, o)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderNo, second.OrderNo)
}

func TestMemoryLedger_RegeneratesClashingOrderNo(t *testing.T) {
	ctx := context.Background()
	numbers := []string{
		"ORD20240315080000AAAAAA",
		"ORD20240315080000AAAAAA",
		"ORD20240315080000BBBBBB",
	}
	var calls int
	ledger := NewMemoryLedger(WithOrderNoGenerator(func(time.Time) string {
		no := numbers[calls%len(numbers)]
		calls++
		return no
	}))
	ref := domain.TicketRef{Type: domain.TicketTypeTrain, ID: 1}

	first, err := ledger.Create(ctx, newOrder(ref, 1))
	require.NoError(t, err)
	second, err := ledger.Create(ctx, newOrder(ref, 1))
	require.NoError(t, err)

	assert.Equal(t, "ORD20240315080000AAAAAA", first.OrderNo)
	assert.Equal(t, "ORD20240315080000BBBBBB", second.OrderNo)
	assert.Equal(t, 3, calls)
}

func TestMemoryLedger_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(WithOrderNoGenerator(func(time.Time) string { return "ORD20240315080000AAAAAA" }))
	ref := domain.TicketRef{Type: domain.TicketTypeTrain, ID: 1}

	_, err := ledger.Create(ctx, newOrder(ref, 1))
	require.NoError(t, err)
	_, err = ledger.Create(ctx, newOrder(ref, 1))
	assert.ErrorIs(t, err, domain.ErrDataAccess)
}

func TestMemoryLedger_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: departure}
	ledger := NewMemoryLedger(WithClock(clock.Now))
	ref := domain.TicketRef{Type: domain.TicketTypeTrain, ID: 1}

	var created []domain.Order
	for i := 0; i < 12; i++ {
		o := newOrder(ref, 1)
		if i%3 == 0 {
			o.ContactPhone = "13900139000"
		}
		order, err := ledger.Create(ctx, o)
		require.NoError(t, err)
		created = append(created, order)
		clock.Advance(time.Second)
	}
	_, err := ledger.Transition(ctx, created[11].OrderNo, domain.OrderStatusCancelled, "")
	require.NoError(t, err)

	all, err := ledger.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, domain.DefaultListLimit)
	assert.Equal(t, created[11].OrderNo, all[0].OrderNo)
	assert.Equal(t, created[2].OrderNo, all[9].OrderNo)

	byPhone, err := ledger.List(ctx, domain.ListFilter{ContactPhone: "13900139000", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, byPhone, 4)

	pending, err := ledger.List(ctx, domain.ListFilter{Status: domain.OrderStatusPending, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, pending, 11)
}

func TestMemoryLedger_FindExpiredAndHeld(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: departure}
	ledger := NewMemoryLedger(WithClock(clock.Now))
	ref := domain.TicketRef{Type: domain.TicketTypeTrain, ID: 1}

	old, err := ledger.Create(ctx, newOrder(ref, 2))
	require.NoError(t, err)
	paid, err := ledger.Create(ctx, newOrder(ref, 3))
	require.NoError(t, err)
	_, err = ledger.Transition(ctx, paid.OrderNo, domain.OrderStatusPaid, "")
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	fresh, err := ledger.Create(ctx, newOrder(ref, 1))
	require.NoError(t, err)

	expired, err := ledger.FindExpired(ctx, 15*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.OrderNo, expired[0].OrderNo)

	held, err := ledger.HeldQuantity(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 6, held)

	_, err = ledger.Transition(ctx, fresh.OrderNo, domain.OrderStatusCancelled, "")
	require.NoError(t, err)
	held, _ = ledger.HeldQuantity(ctx, ref)
	assert.Equal(t, 5, held)
}

func TestMemoryIdempotencyGuard_Expires(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: departure}
	guard := NewMemoryIdempotencyGuard(time.Hour, WithClock(clock.Now))

	ok, _ := guard.Claim(ctx, "k")
	assert.True(t, ok)
	ok, _ = guard.Claim(ctx, "k")
	assert.False(t, ok)

	clock.Advance(2 * time.Hour)
	ok, _ = guard.Claim(ctx, "k")
	assert.True(t, ok)
}
