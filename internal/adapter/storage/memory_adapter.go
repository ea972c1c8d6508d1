package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// MemoryInventory keeps items in process memory. It serves tests and the
// "memory" storage driver; all state is lost on restart.
type MemoryInventory struct {
	mu     sync.Mutex
	items  map[domain.TicketRef]domain.Item
	nextID map[domain.TicketType]int64
	opts   options
}

func NewMemoryInventory(opts ...Option) *MemoryInventory {
	return &MemoryInventory{
		items:  make(map[domain.TicketRef]domain.Item),
		nextID: make(map[domain.TicketType]int64),
		opts:   buildOptions(opts),
	}
}

func (m *MemoryInventory) Find(ctx context.Context, ref domain.TicketRef) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[ref]
	if !ok {
		return domain.Item{}, fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	return item, nil
}

func (m *MemoryInventory) Search(ctx context.Context, t domain.TicketType, f domain.SearchFilter) ([]domain.Item, error) {
	if _, err := tableFor(t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var out []domain.Item
	for ref, item := range m.items {
		if ref.Type == t && matchesFilter(item, f) {
			out = append(out, item)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(item domain.Item, f domain.SearchFilter) bool {
	switch d := item.Details.(type) {
	case domain.TrainDetails:
		if !matchRoute(d.DepartureCity, d.ArrivalCity, f) {
			return false
		}
	case domain.FlightDetails:
		if !matchRoute(d.DepartureCity, d.ArrivalCity, f) {
			return false
		}
	case domain.ConcertDetails:
		if f.City != "" && d.City != f.City {
			return false
		}
		if f.Artist != "" && !strings.Contains(d.Artist, f.Artist) {
			return false
		}
	}
	if f.Date != "" && item.StartsAt.Format(time.DateOnly) != f.Date {
		return false
	}
	if f.FareClass != "" && item.FareClass != f.FareClass {
		return false
	}
	if !f.IncludeSoldOut && item.RemainingSeats <= 0 {
		return false
	}
	return true
}

func matchRoute(from, to string, f domain.SearchFilter) bool {
	return (f.DepartureCity == "" || from == f.DepartureCity) && (f.ArrivalCity == "" || to == f.ArrivalCity)
}

func (m *MemoryInventory) Reserve(ctx context.Context, ref domain.TicketRef, quantity int) error {
	if err := validQuantity(quantity); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[ref]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	if item.RemainingSeats < quantity {
		return fmt.Errorf("ticket %s has %d left, want %d: %w", ref, item.RemainingSeats, quantity, domain.ErrInsufficientInventory)
	}
	item.RemainingSeats -= quantity
	item.UpdatedAt = m.opts.now()
	m.items[ref] = item
	return nil
}

func (m *MemoryInventory) Restock(ctx context.Context, ref domain.TicketRef, quantity int) error {
	if err := validQuantity(quantity); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[ref]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	if item.RemainingSeats+quantity > item.TotalSeats {
		if !m.opts.clampRestock {
			return &domain.InvariantError{
				Op:       "restock",
				Ticket:   ref,
				Quantity: quantity,
				Err:      fmt.Errorf("remaining %d + %d exceeds total %d", item.RemainingSeats, quantity, item.TotalSeats),
			}
		}
		m.opts.logger.Error("restock clamped to total seats",
			slog.String("ticket", ref.String()),
			slog.Int("quantity", quantity),
			slog.Int("remaining", item.RemainingSeats),
			slog.Int("total", item.TotalSeats))
		item.RemainingSeats = item.TotalSeats
	} else {
		item.RemainingSeats += quantity
	}
	item.UpdatedAt = m.opts.now()
	m.items[ref] = item
	return nil
}

func (m *MemoryInventory) Put(ctx context.Context, item domain.Item) (domain.Item, error) {
	if err := item.Validate(); err != nil {
		return domain.Item{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	if existing, ok := m.findByNaturalKey(item); ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		if item.ID == 0 {
			m.nextID[item.Type]++
			item.ID = m.nextID[item.Type]
		} else if item.ID > m.nextID[item.Type] {
			m.nextID[item.Type] = item.ID
		}
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.items[item.Ref()] = item
	return item, nil
}

func (m *MemoryInventory) findByNaturalKey(item domain.Item) (domain.Item, bool) {
	key := detailColumns(item.Details)
	for ref, existing := range m.items {
		if ref.Type != item.Type {
			continue
		}
		ek := detailColumns(existing.Details)
		sameKey := ek[0] == key[0] && existing.FareClass == item.FareClass && existing.StartsAt.Equal(item.StartsAt)
		if item.Type == domain.TicketTypeConcert {
			sameKey = sameKey && ek[2] == key[2]
		}
		if sameKey {
			return existing, true
		}
	}
	return domain.Item{}, false
}

// MemoryLedger keeps orders in process memory.
type MemoryLedger struct {
	mu         sync.Mutex
	orders     map[string]domain.Order
	activeKeys map[string]string
	opts       options
}

func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		orders:     make(map[string]domain.Order),
		activeKeys: make(map[string]string),
		opts:       buildOptions(opts),
	}
}

func (l *MemoryLedger) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := validQuantity(order.Quantity); err != nil {
		return domain.Order{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if order.IdempotencyKey != "" {
		if existing, ok := l.activeKeys[order.IdempotencyKey]; ok {
			return domain.Order{}, fmt.Errorf("key held by order %s: %w", existing, domain.ErrDuplicateRequest)
		}
	}

	now := l.opts.now()
	order.Status = domain.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	order.PaidAt = nil
	order.CancelledAt = nil

	for attempt := 0; attempt < domain.MaxOrderNoAttempts; attempt++ {
		no := l.opts.newOrderNo(now)
		if _, taken := l.orders[no]; taken {
			continue
		}
		order.OrderNo = no
		l.orders[no] = order
		if order.IdempotencyKey != "" {
			l.activeKeys[order.IdempotencyKey] = no
		}
		return order, nil
	}
	return domain.Order{}, domain.NewDataAccessError("create order", fmt.Errorf("no free order number after %d attempts", domain.MaxOrderNoAttempts))
}

func (l *MemoryLedger) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderNo]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, domain.ErrNotFound)
	}
	return order, nil
}

func (l *MemoryLedger) List(ctx context.Context, f domain.ListFilter) ([]domain.Order, error) {
	l.mu.Lock()
	var out []domain.Order
	for _, o := range l.orders {
		if f.ContactPhone != "" && o.ContactPhone != f.ContactPhone {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OrderNo > out[j].OrderNo
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) Transition(ctx context.Context, orderNo string, target domain.OrderStatus, reason string) (domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderNo]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, domain.ErrNotFound)
	}
	if err := applyTransition(&order, target, reason, l.opts.now()); err != nil {
		return domain.Order{}, err
	}
	l.orders[orderNo] = order
	if order.IdempotencyKey != "" && activeKey(order) == nil && l.activeKeys[order.IdempotencyKey] == orderNo {
		delete(l.activeKeys, order.IdempotencyKey)
	}
	return order, nil
}

func (l *MemoryLedger) FindExpired(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	cutoff := l.opts.now().Add(-olderThan)

	l.mu.Lock()
	var out []domain.Order
	for _, o := range l.orders {
		if o.Status == domain.OrderStatusPending && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) HeldQuantity(ctx context.Context, ref domain.TicketRef) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := 0
	for _, o := range l.orders {
		if o.Ticket == ref && o.Status.HoldsInventory() {
			held += o.Quantity
		}
	}
	return held, nil
}

// MemoryIdempotencyGuard is the single-process stand-in for the Redis guard.
type MemoryIdempotencyGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryIdempotencyGuard(ttl time.Duration, opts ...Option) *MemoryIdempotencyGuard {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &MemoryIdempotencyGuard{
		claims: make(map[string]time.Time),
		ttl:    ttl,
		now:    buildOptions(opts).now,
	}
}

func (g *MemoryIdempotencyGuard) Claim(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.claims[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryIdempotencyGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	delete(g.claims, key)
	g.mu.Unlock()
	return nil
}
