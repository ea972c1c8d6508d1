package domain

import "time"

type EventType string

const (
	EventOrderCreated   EventType = "order.created"
	EventOrderPaid      EventType = "order.paid"
	EventOrderCancelled EventType = "order.cancelled"
	EventOrderExpired   EventType = "order.expired"
	EventOrderRefunded  EventType = "order.refunded"
	EventOrderCompleted EventType = "order.completed"
)

// OrderEvent describes one order lifecycle step for downstream consumers.
type OrderEvent struct {
	Type       EventType   `json:"type"`
	OrderNo    string      `json:"order_no"`
	TicketType TicketType  `json:"ticket_type"`
	TicketID   int64       `json:"ticket_id"`
	Quantity   int         `json:"quantity"`
	TotalPrice Money       `json:"total_price"`
	Status     OrderStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func NewOrderEvent(t EventType, o Order, at time.Time) OrderEvent {
	return OrderEvent{
		Type:       t,
		OrderNo:    o.OrderNo,
		TicketType: o.Ticket.Type,
		TicketID:   o.Ticket.ID,
		Quantity:   o.Quantity,
		TotalPrice: o.TotalPrice,
		Status:     o.Status,
		Reason:     o.CancelReason,
		OccurredAt: at,
	}
}

type AlertKind string

const (
	AlertCompensationFailed AlertKind = "compensation_failed"
	AlertRestockFailed      AlertKind = "restock_failed"
	AlertInventoryDrift     AlertKind = "inventory_drift"
)

// Alert asks an operator to reconcile an item by hand.
type Alert struct {
	Kind       AlertKind  `json:"kind"`
	Op         string     `json:"op"`
	OrderNo    string     `json:"order_no,omitempty"`
	TicketType TicketType `json:"ticket_type"`
	TicketID   int64      `json:"ticket_id"`
	Quantity   int        `json:"quantity"`
	Detail     string     `json:"detail"`
	RaisedAt   time.Time  `json:"raised_at"`
}
