package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// ticketTable maps one ticket kind onto its table. Every kind has three
// descriptive columns, a fare class column and a start/end pair.
type ticketTable struct {
	name       string
	detailCols [3]string
	fareCol    string
	startCol   string
	endCol     string
	// naturalKey is the uniqueness tuple used by Put.
	naturalKey []string
}

var ticketTables = map[domain.TicketType]ticketTable{
	domain.TicketTypeTrain: {
		name:       "train_tickets",
		detailCols: [3]string{"train_number", "departure_city", "arrival_city"},
		fareCol:    "seat_type",
		startCol:   "departure_time",
		endCol:     "arrival_time",
		naturalKey: []string{"train_number", "departure_time", "seat_type"},
	},
	domain.TicketTypeFlight: {
		name:       "flight_tickets",
		detailCols: [3]string{"flight_number", "departure_city", "arrival_city"},
		fareCol:    "cabin_type",
		startCol:   "departure_time",
		endCol:     "arrival_time",
		naturalKey: []string{"flight_number", "departure_time", "cabin_type"},
	},
	domain.TicketTypeConcert: {
		name:       "concert_tickets",
		detailCols: [3]string{"artist", "city", "venue"},
		fareCol:    "ticket_type",
		startCol:   "start_time",
		endCol:     "end_time",
		naturalKey: []string{"artist", "venue", "start_time", "ticket_type"},
	},
}

func tableFor(t domain.TicketType) (ticketTable, error) {
	tbl, ok := ticketTables[t]
	if !ok {
		return ticketTable{}, fmt.Errorf("unknown ticket type %q: %w", t, domain.ErrNotFound)
	}
	return tbl, nil
}

// selectColumns lists the item columns in scanItem order. priceExpr lets a
// dialect cast the price column.
func (t ticketTable) selectColumns(priceExpr string) string {
	return strings.Join([]string{
		"id",
		t.detailCols[0], t.detailCols[1], t.detailCols[2],
		t.fareCol, t.startCol, t.endCol,
		"total_seats", "remaining_seats", priceExpr,
		"created_at", "updated_at",
	}, ", ")
}

// writeColumns lists the columns Put writes, in itemArgs order.
func (t ticketTable) writeColumns() []string {
	return []string{
		t.detailCols[0], t.detailCols[1], t.detailCols[2],
		t.fareCol, t.startCol, t.endCol,
		"total_seats", "remaining_seats", "price",
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner, t domain.TicketType) (domain.Item, error) {
	var (
		item    domain.Item
		a, b, c string
	)
	err := row.Scan(
		&item.ID, &a, &b, &c,
		&item.FareClass, &item.StartsAt, &item.EndsAt,
		&item.TotalSeats, &item.RemainingSeats, &item.Price,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return domain.Item{}, err
	}
	item.Type = t
	item.Details = detailsFromColumns(t, a, b, c)
	return item, nil
}

func detailsFromColumns(t domain.TicketType, a, b, c string) domain.Details {
	switch t {
	case domain.TicketTypeTrain:
		return domain.TrainDetails{TrainNumber: a, DepartureCity: b, ArrivalCity: c}
	case domain.TicketTypeFlight:
		return domain.FlightDetails{FlightNumber: a, DepartureCity: b, ArrivalCity: c}
	default:
		return domain.ConcertDetails{Artist: a, City: b, Venue: c}
	}
}

func detailColumns(d domain.Details) [3]string {
	switch v := d.(type) {
	case domain.TrainDetails:
		return [3]string{v.TrainNumber, v.DepartureCity, v.ArrivalCity}
	case domain.FlightDetails:
		return [3]string{v.FlightNumber, v.DepartureCity, v.ArrivalCity}
	case domain.ConcertDetails:
		return [3]string{v.Artist, v.City, v.Venue}
	default:
		return [3]string{}
	}
}

// filterClauses builds the WHERE conditions of a search. ph renders the
// n-th placeholder for the dialect and dayOf renders a column's
// YYYY-MM-DD day.
func (t ticketTable) filterClauses(tt domain.TicketType, f domain.SearchFilter, ph func(n int) string, dayOf func(col string) string) ([]string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(format string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(format, ph(len(args))))
	}

	if tt == domain.TicketTypeConcert {
		if f.City != "" {
			add("city = %s", f.City)
		}
		if f.Artist != "" {
			add("artist LIKE %s", "%"+escapeLike(f.Artist)+"%")
		}
	} else {
		if f.DepartureCity != "" {
			add("departure_city = %s", f.DepartureCity)
		}
		if f.ArrivalCity != "" {
			add("arrival_city = %s", f.ArrivalCity)
		}
	}
	if f.Date != "" {
		add(dayOf(t.startCol)+" = %s", f.Date)
	}
	if f.FareClass != "" {
		add(t.fareCol+" = %s", f.FareClass)
	}
	if !f.IncludeSoldOut {
		clauses = append(clauses, "remaining_seats > 0")
	}
	return clauses, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// applyTransition moves order to target, stamping the matching timestamps.
func applyTransition(order *domain.Order, target domain.OrderStatus, reason string, now time.Time) error {
	if err := domain.CheckTransition(order.Status, target); err != nil {
		return fmt.Errorf("order %s: %w", order.OrderNo, err)
	}
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusCancelled, domain.OrderStatusRefunded:
		order.CancelledAt = &now
		order.CancelReason = reason
	}
	return nil
}

// activeKey is the value of the active_idempotency_key column: the order's
// key while it is live, NULL once it is terminal.
func activeKey(o domain.Order) *string {
	if o.IdempotencyKey == "" || o.Status.IsTerminal() {
		return nil
	}
	k := o.IdempotencyKey
	return &k
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func validQuantity(q int) error {
	if q < 1 {
		return fmt.Errorf("%w: quantity %d must be positive", domain.ErrQuantityExceeded, q)
	}
	return nil
}

// Option configures the storage adapters.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	clampRestock bool
	now          func() time.Time
	newOrderNo   func(time.Time) string
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newOrderNo: domain.NewOrderNo,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRestockClamp makes Restock clamp to total_seats instead of failing.
// Only meant for development data.
func WithRestockClamp(enabled bool) Option {
	return func(o *options) { o.clampRestock = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithOrderNoGenerator(gen func(time.Time) string) Option {
	return func(o *options) { o.newOrderNo = gen }
}

// orderSelectColumns lists the order columns in scanOrder order. money lets
// a dialect cast the price columns.
func orderSelectColumns(money func(col string) string) string {
	return strings.Join([]string{
		"order_no", "ticket_type", "ticket_id", "quantity",
		money("unit_price"), money("total_price"),
		"contact_name", "contact_phone", "contact_id_card", "idempotency_key",
		"status", "cancel_reason", "created_at", "paid_at", "cancelled_at", "updated_at",
	}, ", ")
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                   domain.Order
		ticketType, status  string
		idCard, key, reason *string
	)
	err := row.Scan(
		&o.OrderNo, &ticketType, &o.Ticket.ID, &o.Quantity,
		&o.UnitPrice, &o.TotalPrice,
		&o.ContactName, &o.ContactPhone, &idCard, &key,
		&status, &reason, &o.CreatedAt, &o.PaidAt, &o.CancelledAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Ticket.Type = domain.TicketType(ticketType)
	o.Status = domain.OrderStatus(status)
	o.ContactIDCard = deref(idCard)
	o.IdempotencyKey = deref(key)
	o.CancelReason = deref(reason)
	return o, nil
}

func plainColumn(col string) string { return col }
