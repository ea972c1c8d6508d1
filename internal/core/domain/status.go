package domain

import "fmt"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusCompleted OrderStatus = "completed"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:   {OrderStatusPaid: true, OrderStatusCancelled: true},
	OrderStatusPaid:      {OrderStatusRefunded: true, OrderStatusCompleted: true},
	OrderStatusCancelled: {},
	OrderStatusRefunded:  {},
	OrderStatusCompleted: {},
}

func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// CheckTransition returns an error wrapping ErrInvalidTransition when the
// move is not allowed.
func CheckTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// HoldsInventory reports whether an order in this status still has its
// quantity deducted from the item.
func (s OrderStatus) HoldsInventory() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

// ReleasesInventory reports whether entering this status must put the
// order's seats back.
func (s OrderStatus) ReleasesInventory() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}
