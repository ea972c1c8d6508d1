package port

import (
	"context"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type InventoryStore interface {
	// Find returns the item or domain.ErrNotFound
	Find(ctx context.Context, ref domain.TicketRef) (domain.Item, error)

	// Search lists items matching the filter ordered by start time
	Search(ctx context.Context, t domain.TicketType, filter domain.SearchFilter) ([]domain.Item, error)

	// Reserve atomically deducts quantity, failing with domain.ErrInsufficientInventory if remaining < quantity
	Reserve(ctx context.Context, ref domain.TicketRef, quantity int) error

	// Restock atomically adds quantity back, never above the item's total
	Restock(ctx context.Context, ref domain.TicketRef, quantity int) error

	// Put inserts or replaces an item by its natural key and returns it with its ID
	Put(ctx context.Context, item domain.Item) (domain.Item, error)
}
