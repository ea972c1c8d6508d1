package port

import (
	"context"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type OrderLedger interface {
	// Create persists a pending order, assigning its order number and timestamps.
	// When the outcome is unknown the attempted order is returned with the error.
	Create(ctx context.Context, order domain.Order) (domain.Order, error)

	// Get returns the order or domain.ErrNotFound
	Get(ctx context.Context, orderNo string) (domain.Order, error)

	// List returns orders newest first
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error)

	// Transition moves an order to target if the state machine allows it
	Transition(ctx context.Context, orderNo string, target domain.OrderStatus, reason string) (domain.Order, error)

	// FindExpired returns pending orders created before now-olderThan, oldest first
	FindExpired(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)

	// HeldQuantity sums the quantity of pending and paid orders for one item
	HeldQuantity(ctx context.Context, ref domain.TicketRef) (int, error)
}
