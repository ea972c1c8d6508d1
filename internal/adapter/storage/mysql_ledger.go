package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

type MySQLLedger struct {
	db   *sql.DB
	opts options
}

func NewMySQLLedger(db *sql.DB, opts ...Option) *MySQLLedger {
	return &MySQLLedger{db: db, opts: buildOptions(opts)}
}

var mysqlOrderColumns = orderSelectColumns(plainColumn)

func (l *MySQLLedger) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := validQuantity(order.Quantity); err != nil {
		return domain.Order{}, err
	}

	now := l.opts.now()
	order.Status = domain.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	order.PaidAt = nil
	order.CancelledAt = nil

	for attempt := 0; attempt < domain.MaxOrderNoAttempts; attempt++ {
		order.OrderNo = l.opts.newOrderNo(now)

		err := l.insert(ctx, order)
		if err == nil {
			return order, nil
		}
		me, dup := mysqlDuplicate(err)
		if !dup {
			var dae *domain.DataAccessError
			if errors.As(err, &dae) && dae.MaybeApplied {
				return order, err
			}
			return domain.Order{}, err
		}
		if strings.Contains(me.Message, "idempotency") {
			return domain.Order{}, fmt.Errorf("idempotency key %q: %w", order.IdempotencyKey, domain.ErrDuplicateRequest)
		}
		// order_no clash, draw another one
	}
	return domain.Order{}, domain.NewDataAccessError("create order", fmt.Errorf("no free order number after %d attempts", domain.MaxOrderNoAttempts))
}

func (l *MySQLLedger) insert(ctx context.Context, o domain.Order) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDataAccessError("create order: begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_no, ticket_type, ticket_id, quantity, unit_price, total_price,
			contact_name, contact_phone, contact_id_card, idempotency_key, active_idempotency_key,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderNo, string(o.Ticket.Type), o.Ticket.ID, o.Quantity, o.UnitPrice, o.TotalPrice,
		o.ContactName, o.ContactPhone, nullable(o.ContactIDCard), nullable(o.IdempotencyKey), activeKey(o),
		string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if _, dup := mysqlDuplicate(err); dup {
			return err
		}
		return domain.NewDataAccessError("create order: insert", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewUncertainDataAccessError("create order: commit", err)
	}
	return nil
}

func (l *MySQLLedger) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	row := l.db.QueryRowContext(ctx, "SELECT "+mysqlOrderColumns+" FROM orders WHERE order_no = ?", orderNo)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("query order", err)
	}
	return order, nil
}

func (l *MySQLLedger) List(ctx context.Context, f domain.ListFilter) ([]domain.Order, error) {
	query := "SELECT " + mysqlOrderColumns + " FROM orders"
	var (
		clauses []string
		args    []any
	)
	if f.ContactPhone != "" {
		clauses = append(clauses, "contact_phone = ?")
		args = append(args, f.ContactPhone)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, order_no DESC LIMIT ?"
	args = append(args, f.EffectiveLimit())

	return l.queryOrders(ctx, "list orders", query, args...)
}

func (l *MySQLLedger) queryOrders(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewDataAccessError(op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, domain.NewDataAccessError(op+": scan", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDataAccessError(op, err)
	}
	return orders, nil
}

func (l *MySQLLedger) Transition(ctx context.Context, orderNo string, target domain.OrderStatus, reason string) (domain.Order, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("transition: begin tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+mysqlOrderColumns+" FROM orders WHERE order_no = ? FOR UPDATE", orderNo)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("transition: lock order", err)
	}

	if err := applyTransition(&order, target, reason, l.opts.now()); err != nil {
		return domain.Order{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, cancel_reason = ?, paid_at = ?, cancelled_at = ?, active_idempotency_key = ?, updated_at = ?
		WHERE order_no = ?`,
		string(order.Status), nullable(order.CancelReason), order.PaidAt, order.CancelledAt, activeKey(order), order.UpdatedAt,
		order.OrderNo,
	)
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("transition: update order", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, domain.NewUncertainDataAccessError("transition: commit", err)
	}
	return order, nil
}

func (l *MySQLLedger) FindExpired(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	cutoff := l.opts.now().Add(-olderThan)
	return l.queryOrders(ctx, "find expired orders",
		"SELECT "+mysqlOrderColumns+" FROM orders WHERE status = ? AND created_at < ? ORDER BY created_at ASC LIMIT ?",
		string(domain.OrderStatusPending), cutoff, limit,
	)
}

func (l *MySQLLedger) HeldQuantity(ctx context.Context, ref domain.TicketRef) (int, error) {
	var held int
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM orders
		WHERE ticket_type = ? AND ticket_id = ? AND status IN (?, ?)`,
		string(ref.Type), ref.ID, string(domain.OrderStatusPending), string(domain.OrderStatusPaid),
	).Scan(&held)
	if err != nil {
		return 0, domain.NewDataAccessError("sum held quantity", err)
	}
	return held, nil
}
