package port

import (
	"context"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type EventPublisher interface {
	// Publish hands an order event to the broker; delivery is best effort
	Publish(ctx context.Context, event domain.OrderEvent) error
}

type AlertSink interface {
	// Raise reports a condition that needs manual reconciliation
	Raise(ctx context.Context, alert domain.Alert) error
}
