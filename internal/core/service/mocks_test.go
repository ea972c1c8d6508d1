package service

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type MockInventoryStore struct {
	mock.Mock
}

func (m *MockInventoryStore) Find(ctx context.Context, ref domain.TicketRef) (domain.Item, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(domain.Item), args.Error(1)
}

func (m *MockInventoryStore) Search(ctx context.Context, t domain.TicketType, filter domain.SearchFilter) ([]domain.Item, error) {
	args := m.Called(ctx, t, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Item), args.Error(1)
}

func (m *MockInventoryStore) Reserve(ctx context.Context, ref domain.TicketRef, quantity int) error {
	args := m.Called(ctx, ref, quantity)
	return args.Error(0)
}

func (m *MockInventoryStore) Restock(ctx context.Context, ref domain.TicketRef, quantity int) error {
	args := m.Called(ctx, ref, quantity)
	return args.Error(0)
}

func (m *MockInventoryStore) Put(ctx context.Context, item domain.Item) (domain.Item, error) {
	args := m.Called(ctx, item)
	return args.Get(0).(domain.Item), args.Error(1)
}

type MockOrderLedger struct {
	mock.Mock
}

func (m *MockOrderLedger) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(domain.Order), args.Error(1)
}

func (m *MockOrderLedger) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	args := m.Called(ctx, orderNo)
	return args.Get(0).(domain.Order), args.Error(1)
}

func (m *MockOrderLedger) List(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Order), args.Error(1)
}

func (m *MockOrderLedger) Transition(ctx context.Context, orderNo string, target domain.OrderStatus, reason string) (domain.Order, error) {
	args := m.Called(ctx, orderNo, target, reason)
	return args.Get(0).(domain.Order), args.Error(1)
}

func (m *MockOrderLedger) FindExpired(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Order), args.Error(1)
}

func (m *MockOrderLedger) HeldQuantity(ctx context.Context, ref domain.TicketRef) (int, error) {
	args := m.Called(ctx, ref)
	return args.Int(0), args.Error(1)
}

type MockAlertSink struct {
	mock.Mock
}

func (m *MockAlertSink) Raise(ctx context.Context, alert domain.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

type MockLeaseLocker struct {
	mock.Mock
}

func (m *MockLeaseLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeaseLocker) Release(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// eventRecorder collects published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (r *eventRecorder) Publish(_ context.Context, event domain.OrderEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
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
