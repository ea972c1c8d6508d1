package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

// Drift compares an item's remaining seats with what the ledger says is
// held. Delta is Remaining - Expected: negative means seats were lost,
// positive means the item can be oversold.
type Drift struct {
	Ticket    domain.TicketRef
	Total     int
	Remaining int
	Held      int
	Expected  int
	Delta     int
}

func (d Drift) Balanced() bool { return d.Delta == 0 }

// Reconciler audits the conservation of seats between inventory and ledger.
// It only reports; fixing drift is left to an operator.
type Reconciler struct {
	inventory port.InventoryStore
	ledger    port.OrderLedger
	alerts    port.AlertSink
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(inventory port.InventoryStore, ledger port.OrderLedger, alerts port.AlertSink, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{inventory: inventory, ledger: ledger, alerts: alerts, logger: logger, now: time.Now}
}

// Audit reads both sides without locking, so bookings in flight can show
// up as transient drift.
func (r *Reconciler) Audit(ctx context.Context, ref domain.TicketRef) (Drift, error) {
	item, err := r.inventory.Find(ctx, ref)
	if err != nil {
		return Drift{}, fmt.Errorf("audit %s: %w", ref, err)
	}
	held, err := r.ledger.HeldQuantity(ctx, ref)
	if err != nil {
		return Drift{}, fmt.Errorf("audit %s: %w", ref, err)
	}

	d := Drift{
		Ticket:    ref,
		Total:     item.TotalSeats,
		Remaining: item.RemainingSeats,
		Held:      held,
		Expected:  item.TotalSeats - held,
	}
	d.Delta = d.Remaining - d.Expected
	if d.Balanced() {
		return d, nil
	}

	r.logger.Error("inventory drift detected",
		slog.String("ticket", ref.String()),
		slog.Int("total", d.Total),
		slog.Int("remaining", d.Remaining),
		slog.Int("held", d.Held),
		slog.Int("delta", d.Delta))
	if r.alerts != nil {
		err := r.alerts.Raise(ctx, domain.Alert{
			Kind:       domain.AlertInventoryDrift,
			Op:         "audit",
			TicketType: ref.Type,
			TicketID:   ref.ID,
			Quantity:   d.Delta,
			Detail:     fmt.Sprintf("remaining %d, expected %d (total %d, held %d)", d.Remaining, d.Expected, d.Total, d.Held),
			RaisedAt:   r.now(),
		})
		if err != nil {
			r.logger.Error("raise drift alert failed", slog.Any("error", err))
		}
	}
	return d, nil
}
