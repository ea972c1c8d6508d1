package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

type Config struct {
	MaxQuantityPerOrder int
	// DataAccessTimeout bounds each individual store or ledger call.
	DataAccessTimeout time.Duration
	Retry             RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxQuantityPerOrder: 10,
		DataAccessTimeout:   5 * time.Second,
		Retry:               DefaultRetryPolicy(),
	}
}

type BookingRequest struct {
	Ticket         domain.TicketRef
	Quantity       int
	ContactName    string
	ContactPhone   string
	ContactIDCard  string
	IdempotencyKey string
}

type BookingResult struct {
	OrderNo    string
	TotalPrice domain.Money
	Status     domain.OrderStatus
	Order      domain.Order
}

// ReservationCoordinator runs the multi-step protocols that touch both
// inventory and the order ledger. It is the only caller of the mutating
// methods of either.
type ReservationCoordinator struct {
	inventory port.InventoryStore
	ledger    port.OrderLedger
	guard     port.IdempotencyGuard
	events    port.EventPublisher
	alerts    port.AlertSink
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*ReservationCoordinator)

func WithIdempotencyGuard(g port.IdempotencyGuard) Option {
	return func(c *ReservationCoordinator) { c.guard = g }
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(c *ReservationCoordinator) { c.events = p }
}

func WithAlertSink(s port.AlertSink) Option {
	return func(c *ReservationCoordinator) { c.alerts = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *ReservationCoordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *ReservationCoordinator) { c.now = now }
}

func NewReservationCoordinator(inventory port.InventoryStore, ledger port.OrderLedger, cfg Config, opts ...Option) *ReservationCoordinator {
	if cfg.MaxQuantityPerOrder <= 0 {
		cfg.MaxQuantityPerOrder = DefaultConfig().MaxQuantityPerOrder
	}
	c := &ReservationCoordinator{
		inventory: inventory,
		ledger:    ledger,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call runs fn under the retry policy with a per-attempt timeout.
func (c *ReservationCoordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.cfg.Retry.run(ctx, func(ctx context.Context) error {
		if c.cfg.DataAccessTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.DataAccessTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// Book reserves seats and records a pending order. If the order cannot be
// recorded the seats are put back before returning.
func (c *ReservationCoordinator) Book(ctx context.Context, req BookingRequest) (BookingResult, error) {
	if req.Quantity < 1 || req.Quantity > c.cfg.MaxQuantityPerOrder {
		return BookingResult{}, fmt.Errorf("%w: quantity %d outside 1..%d", domain.ErrQuantityExceeded, req.Quantity, c.cfg.MaxQuantityPerOrder)
	}

	claimed, err := c.claim(ctx, req.IdempotencyKey)
	if err != nil {
		return BookingResult{}, err
	}
	booked := false
	defer func() {
		if claimed && !booked {
			c.releaseKey(context.WithoutCancel(ctx), req.IdempotencyKey)
		}
	}()

	var item domain.Item
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		item, err = c.inventory.Find(ctx, req.Ticket)
		return err
	})
	if err != nil {
		return BookingResult{}, fmt.Errorf("book %s: %w", req.Ticket, err)
	}

	err = c.call(ctx, func(ctx context.Context) error {
		return c.inventory.Reserve(ctx, req.Ticket, req.Quantity)
	})
	if err != nil {
		return BookingResult{}, fmt.Errorf("book %s: reserve: %w", req.Ticket, err)
	}

	// Seats are held from here on; the protocol must finish even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)

	order := domain.Order{
		Ticket:         req.Ticket,
		Quantity:       req.Quantity,
		UnitPrice:      item.Price,
		TotalPrice:     item.Price.Mul(req.Quantity),
		ContactName:    req.ContactName,
		ContactPhone:   req.ContactPhone,
		ContactIDCard:  req.ContactIDCard,
		IdempotencyKey: req.IdempotencyKey,
	}

	created, err := c.createOrder(ctx, order)
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			return BookingResult{}, err
		}
		if cerr := c.compensate(ctx, order, err); cerr != nil {
			return BookingResult{}, cerr
		}
		return BookingResult{}, fmt.Errorf("book %s: create order: %w", req.Ticket, err)
	}

	booked = true
	c.logger.Info("order booked",
		slog.String("order_no", created.OrderNo),
		slog.String("ticket", req.Ticket.String()),
		slog.Int("quantity", req.Quantity),
		slog.String("total_price", created.TotalPrice.String()))
	c.publish(ctx, domain.EventOrderCreated, created)

	return BookingResult{
		OrderNo:    created.OrderNo,
		TotalPrice: created.TotalPrice,
		Status:     created.Status,
		Order:      created,
	}, nil
}

// createOrder records the order. When the ledger cannot tell whether the
// insert landed, the order is looked up before anyone decides to restock.
func (c *ReservationCoordinator) createOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	var created domain.Order
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		created, err = c.ledger.Create(ctx, order)
		return err
	})
	if err == nil || created.OrderNo == "" || !errors.Is(err, domain.ErrDataAccess) {
		return created, err
	}

	var found domain.Order
	lerr := c.call(ctx, func(ctx context.Context) error {
		var err error
		found, err = c.ledger.Get(ctx, created.OrderNo)
		return err
	})
	switch {
	case lerr == nil:
		return found, nil
	case errors.Is(lerr, domain.ErrNotFound):
		return domain.Order{}, err
	default:
		inv := &domain.InvariantError{
			Op:       "book: create order",
			OrderNo:  created.OrderNo,
			Ticket:   order.Ticket,
			Quantity: order.Quantity,
			Err:      errors.Join(err, lerr),
		}
		c.raise(ctx, domain.AlertCompensationFailed, inv)
		return domain.Order{}, inv
	}
}

func (c *ReservationCoordinator) compensate(ctx context.Context, order domain.Order, cause error) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.inventory.Restock(ctx, order.Ticket, order.Quantity)
	})
	if err == nil {
		c.logger.Warn("booking rolled back",
			slog.String("ticket", order.Ticket.String()),
			slog.Int("quantity", order.Quantity),
			slog.Any("cause", cause))
		return nil
	}

	inv := &domain.InvariantError{
		Op:       "book: compensate",
		Ticket:   order.Ticket,
		Quantity: order.Quantity,
		Err:      errors.Join(cause, err),
	}
	c.raise(ctx, domain.AlertCompensationFailed, inv)
	return inv
}

// Cancel cancels a pending order or refunds a paid one and returns its
// seats.
func (c *ReservationCoordinator) Cancel(ctx context.Context, orderNo, reason string) (domain.Order, error) {
	return c.release(ctx, orderNo, reason, false)
}

// Expire cancels a pending order whose payment window has passed.
func (c *ReservationCoordinator) Expire(ctx context.Context, orderNo string) (domain.Order, error) {
	return c.release(ctx, orderNo, domain.ExpiryReason, true)
}

func (c *ReservationCoordinator) release(ctx context.Context, orderNo, reason string, expiry bool) (domain.Order, error) {
	order, err := c.GetOrder(ctx, orderNo)
	if err != nil {
		return domain.Order{}, err
	}

	target := domain.OrderStatusCancelled
	if order.Status == domain.OrderStatusPaid && !expiry {
		target = domain.OrderStatusRefunded
	}
	if err := domain.CheckTransition(order.Status, target); err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, err)
	}

	ctx = context.WithoutCancel(ctx)

	var updated domain.Order
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		updated, err = c.ledger.Transition(ctx, orderNo, target, reason)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrDataAccess) && !domain.IsRetriable(err) {
			inv := &domain.InvariantError{Op: "release: transition", OrderNo: orderNo, Ticket: order.Ticket, Quantity: order.Quantity, Err: err}
			c.raise(ctx, domain.AlertRestockFailed, inv)
			return domain.Order{}, inv
		}
		return domain.Order{}, err
	}

	err = c.call(ctx, func(ctx context.Context) error {
		return c.inventory.Restock(ctx, order.Ticket, order.Quantity)
	})
	if err != nil {
		inv := &domain.InvariantError{Op: "release: restock", OrderNo: orderNo, Ticket: order.Ticket, Quantity: order.Quantity, Err: err}
		c.raise(ctx, domain.AlertRestockFailed, inv)
		return domain.Order{}, inv
	}

	c.releaseKey(ctx, updated.IdempotencyKey)

	event := domain.EventOrderCancelled
	switch {
	case expiry:
		event = domain.EventOrderExpired
	case target == domain.OrderStatusRefunded:
		event = domain.EventOrderRefunded
	}
	c.logger.Info("order released",
		slog.String("order_no", orderNo),
		slog.String("status", string(updated.Status)),
		slog.String("ticket", order.Ticket.String()),
		slog.Int("quantity", order.Quantity))
	c.publish(ctx, event, updated)
	return updated, nil
}

// ConfirmPayment marks a pending order as paid.
func (c *ReservationCoordinator) ConfirmPayment(ctx context.Context, orderNo string) (domain.Order, error) {
	return c.advance(ctx, orderNo, domain.OrderStatusPaid, domain.EventOrderPaid)
}

// Complete marks a paid order as fulfilled.
func (c *ReservationCoordinator) Complete(ctx context.Context, orderNo string) (domain.Order, error) {
	return c.advance(ctx, orderNo, domain.OrderStatusCompleted, domain.EventOrderCompleted)
}

func (c *ReservationCoordinator) advance(ctx context.Context, orderNo string, target domain.OrderStatus, event domain.EventType) (domain.Order, error) {
	var updated domain.Order
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		updated, err = c.ledger.Transition(ctx, orderNo, target, "")
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	if updated.Status.IsTerminal() {
		c.releaseKey(ctx, updated.IdempotencyKey)
	}
	c.publish(ctx, event, updated)
	return updated, nil
}

func (c *ReservationCoordinator) GetOrder(ctx context.Context, orderNo string) (domain.Order, error) {
	var order domain.Order
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		order, err = c.ledger.Get(ctx, orderNo)
		return err
	})
	return order, err
}

func (c *ReservationCoordinator) ListOrders(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	var orders []domain.Order
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		orders, err = c.ledger.List(ctx, filter)
		return err
	})
	return orders, err
}

func (c *ReservationCoordinator) FindTicket(ctx context.Context, ref domain.TicketRef) (domain.Item, error) {
	var item domain.Item
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		item, err = c.inventory.Find(ctx, ref)
		return err
	})
	return item, err
}

func (c *ReservationCoordinator) SearchTickets(ctx context.Context, t domain.TicketType, filter domain.SearchFilter) ([]domain.Item, error) {
	var items []domain.Item
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		items, err = c.inventory.Search(ctx, t, filter)
		return err
	})
	return items, err
}

// claim takes the idempotency fast path. A guard outage is logged and the
// ledger's own uniqueness check is relied on instead.
func (c *ReservationCoordinator) claim(ctx context.Context, key string) (bool, error) {
	if key == "" || c.guard == nil {
		return false, nil
	}
	ok, err := c.guard.Claim(ctx, key)
	if err != nil {
		c.logger.Warn("idempotency guard unavailable", slog.String("key", key), slog.Any("error", err))
		return false, nil
	}
	if !ok {
		return false, fmt.Errorf("idempotency key %q: %w", key, domain.ErrDuplicateRequest)
	}
	return true, nil
}

func (c *ReservationCoordinator) releaseKey(ctx context.Context, key string) {
	if key == "" || c.guard == nil {
		return
	}
	if err := c.guard.Release(ctx, key); err != nil {
		c.logger.Warn("release idempotency key failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *ReservationCoordinator) publish(ctx context.Context, t domain.EventType, order domain.Order) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, domain.NewOrderEvent(t, order, c.now())); err != nil {
		c.logger.Warn("publish order event failed",
			slog.String("event", string(t)),
			slog.String("order_no", order.OrderNo),
			slog.Any("error", err))
	}
}

// raise logs an invariant violation and forwards it to the alert sink.
func (c *ReservationCoordinator) raise(ctx context.Context, kind domain.AlertKind, inv *domain.InvariantError) {
	c.logger.Error("CRITICAL inventory invariant violated",
		slog.String("kind", string(kind)),
		slog.String("op", inv.Op),
		slog.String("order_no", inv.OrderNo),
		slog.String("ticket", inv.Ticket.String()),
		slog.Int("quantity", inv.Quantity),
		slog.Any("error", inv.Err))

	if c.alerts == nil {
		return
	}
	alert := domain.Alert{
		Kind:       kind,
		Op:         inv.Op,
		OrderNo:    inv.OrderNo,
		TicketType: inv.Ticket.Type,
		TicketID:   inv.Ticket.ID,
		Quantity:   inv.Quantity,
		Detail:     inv.Error(),
		RaisedAt:   c.now(),
	}
	if err := c.alerts.Raise(ctx, alert); err != nil {
		c.logger.Error("raise alert failed", slog.String("op", inv.Op), slog.Any("error", err))
	}
}
