package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

const pgUniqueViolation = "23505"

func pgDuplicate(err error) (*pgconn.PgError, bool) {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return pe, true
	}
	return nil, false
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func pgDayOf(col string) string { return "to_char(" + col + ", 'YYYY-MM-DD')" }

// NUMERIC columns are read as text so domain.Money can parse them exactly.
func pgMoney(col string) string { return col + "::text" }

// Connect opens a pgx pool and checks it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type PostgresInventory struct {
	pool *pgxpool.Pool
	opts options
}

func NewPostgresInventory(pool *pgxpool.Pool, opts ...Option) *PostgresInventory {
	return &PostgresInventory{pool: pool, opts: buildOptions(opts)}
}

func (p *PostgresInventory) Find(ctx context.Context, ref domain.TicketRef) (domain.Item, error) {
	tbl, err := tableFor(ref.Type)
	if err != nil {
		return domain.Item{}, err
	}

	row := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", tbl.selectColumns(pgMoney("price")), tbl.name), ref.ID)
	item, err := scanItem(row, ref.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Item{}, domain.NewDataAccessError("query ticket", err)
	}
	return item, nil
}

func (p *PostgresInventory) Search(ctx context.Context, t domain.TicketType, f domain.SearchFilter) ([]domain.Item, error) {
	tbl, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	clauses, args := tbl.filterClauses(t, f, pgPlaceholder, pgDayOf)
	query := fmt.Sprintf("SELECT %s FROM %s", tbl.selectColumns(pgMoney("price")), tbl.name)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY %s, id LIMIT $%d", tbl.startCol, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.NewDataAccessError("search tickets", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows, t)
		if err != nil {
			return nil, domain.NewDataAccessError("scan ticket", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDataAccessError("search tickets", err)
	}
	return items, nil
}

func (p *PostgresInventory) Reserve(ctx context.Context, ref domain.TicketRef, quantity int) error {
	if err := validQuantity(quantity); err != nil {
		return err
	}
	tbl, err := tableFor(ref.Type)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.NewDataAccessError("reserve: begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET remaining_seats = remaining_seats - $1, updated_at = $2
		WHERE id = $3 AND remaining_seats >= $1`, tbl.name),
		quantity, p.opts.now(), ref.ID,
	)
	if err != nil {
		return domain.NewDataAccessError("reserve: update seats", err)
	}
	if tag.RowsAffected() == 0 {
		remaining, _, err := pgSeats(ctx, tx, tbl, ref, false)
		if err != nil {
			return err
		}
		return fmt.Errorf("ticket %s has %d left, want %d: %w", ref, remaining, quantity, domain.ErrInsufficientInventory)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.NewUncertainDataAccessError("reserve: commit", err)
	}
	return nil
}

func (p *PostgresInventory) Restock(ctx context.Context, ref domain.TicketRef, quantity int) error {
	if err := validQuantity(quantity); err != nil {
		return err
	}
	tbl, err := tableFor(ref.Type)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.NewDataAccessError("restock: begin tx", err)
	}
	defer tx.Rollback(ctx)

	now := p.opts.now()
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET remaining_seats = remaining_seats + $1, updated_at = $2
		WHERE id = $3 AND remaining_seats + $1 <= total_seats`, tbl.name),
		quantity, now, ref.ID,
	)
	if err != nil {
		return domain.NewDataAccessError("restock: update seats", err)
	}
	if tag.RowsAffected() == 0 {
		remaining, total, err := pgSeats(ctx, tx, tbl, ref, true)
		if err != nil {
			return err
		}
		if !p.opts.clampRestock {
			return &domain.InvariantError{
				Op:       "restock",
				Ticket:   ref,
				Quantity: quantity,
				Err:      fmt.Errorf("remaining %d + %d exceeds total %d", remaining, quantity, total),
			}
		}
		p.opts.logger.Error("restock clamped to total seats",
			slog.String("ticket", ref.String()),
			slog.Int("quantity", quantity),
			slog.Int("remaining", remaining),
			slog.Int("total", total))
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"UPDATE %s SET remaining_seats = total_seats, updated_at = $1 WHERE id = $2", tbl.name),
			now, ref.ID,
		); err != nil {
			return domain.NewDataAccessError("restock: clamp seats", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.NewUncertainDataAccessError("restock: commit", err)
	}
	return nil
}

func pgSeats(ctx context.Context, tx pgx.Tx, tbl ticketTable, ref domain.TicketRef, lock bool) (remaining, total int, err error) {
	query := fmt.Sprintf("SELECT remaining_seats, total_seats FROM %s WHERE id = $1", tbl.name)
	if lock {
		query += " FOR UPDATE"
	}
	err = tx.QueryRow(ctx, query, ref.ID).Scan(&remaining, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return 0, 0, domain.NewDataAccessError("query seats", err)
	}
	return remaining, total, nil
}

func (p *PostgresInventory) Put(ctx context.Context, item domain.Item) (domain.Item, error) {
	if err := item.Validate(); err != nil {
		return domain.Item{}, err
	}
	tbl, err := tableFor(item.Type)
	if err != nil {
		return domain.Item{}, err
	}

	cols := append(tbl.writeColumns(), "created_at", "updated_at")
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = pgPlaceholder(i + 1)
	}
	var updates []string
	for _, c := range cols {
		if c != "created_at" && !containsString(tbl.naturalKey, c) {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING id",
		tbl.name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(tbl.naturalKey, ", "),
		strings.Join(updates, ", "),
	)

	now := p.opts.now()
	d := detailColumns(item.Details)
	var id int64
	err = p.pool.QueryRow(ctx, query,
		d[0], d[1], d[2], item.FareClass, item.StartsAt, item.EndsAt,
		item.TotalSeats, item.RemainingSeats, item.Price.Float64(), now, now,
	).Scan(&id)
	if err != nil {
		return domain.Item{}, domain.NewDataAccessError("upsert ticket", err)
	}
	return p.Find(ctx, domain.TicketRef{Type: item.Type, ID: id})
}

type PostgresLedger struct {
	pool *pgxpool.Pool
	opts options
}

func NewPostgresLedger(pool *pgxpool.Pool, opts ...Option) *PostgresLedger {
	return &PostgresLedger{pool: pool, opts: buildOptions(opts)}
}

var pgOrderColumns = orderSelectColumns(pgMoney)

func (l *PostgresLedger) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
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

		_, err := l.pool.Exec(ctx, `
			INSERT INTO orders (order_no, ticket_type, ticket_id, quantity, unit_price, total_price,
				contact_name, contact_phone, contact_id_card, idempotency_key, active_idempotency_key,
				status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			order.OrderNo, string(order.Ticket.Type), order.Ticket.ID, order.Quantity,
			order.UnitPrice.Float64(), order.TotalPrice.Float64(),
			order.ContactName, order.ContactPhone, nullable(order.ContactIDCard),
			nullable(order.IdempotencyKey), activeKey(order),
			string(order.Status), order.CreatedAt, order.UpdatedAt,
		)
		if err == nil {
			return order, nil
		}
		pe, dup := pgDuplicate(err)
		if !dup {
			return order, domain.NewUncertainDataAccessError("create order: insert", err)
		}
		if strings.Contains(pe.ConstraintName, "idempotency") {
			return domain.Order{}, fmt.Errorf("idempotency key %q: %w", order.IdempotencyKey, domain.ErrDuplicateRequest)
		}
	}
	return domain.Order{}, domain.NewDataAccessError("create order", fmt.Errorf("no free order number after %d attempts", domain.MaxOrderNoAttempts))
}

func (l *PostgresLedger) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	row := l.pool.QueryRow(ctx, "SELECT "+pgOrderColumns+" FROM orders WHERE order_no = $1", orderNo)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("query order", err)
	}
	return order, nil
}

func (l *PostgresLedger) List(ctx context.Context, f domain.ListFilter) ([]domain.Order, error) {
	query := "SELECT " + pgOrderColumns + " FROM orders"
	var (
		clauses []string
		args    []any
	)
	if f.ContactPhone != "" {
		args = append(args, f.ContactPhone)
		clauses = append(clauses, fmt.Sprintf("contact_phone = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, order_no DESC LIMIT $%d", len(args))

	return l.queryOrders(ctx, "list orders", query, args...)
}

func (l *PostgresLedger) queryOrders(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := l.pool.Query(ctx, query, args...)
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

func (l *PostgresLedger) Transition(ctx context.Context, orderNo string, target domain.OrderStatus, reason string) (domain.Order, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("transition: begin tx", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, "SELECT "+pgOrderColumns+" FROM orders WHERE order_no = $1 FOR UPDATE", orderNo)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderNo, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("transition: lock order", err)
	}

	if err := applyTransition(&order, target, reason, l.opts.now()); err != nil {
		return domain.Order{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, cancel_reason = $2, paid_at = $3, cancelled_at = $4, active_idempotency_key = $5, updated_at = $6
		WHERE order_no = $7`,
		string(order.Status), nullable(order.CancelReason), order.PaidAt, order.CancelledAt, activeKey(order), order.UpdatedAt,
		order.OrderNo,
	)
	if err != nil {
		return domain.Order{}, domain.NewDataAccessError("transition: update order", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, domain.NewUncertainDataAccessError("transition: commit", err)
	}
	return order, nil
}

func (l *PostgresLedger) FindExpired(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	cutoff := l.opts.now().Add(-olderThan)
	return l.queryOrders(ctx, "find expired orders",
		"SELECT "+pgOrderColumns+" FROM orders WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3",
		string(domain.OrderStatusPending), cutoff, limit,
	)
}

func (l *PostgresLedger) HeldQuantity(ctx context.Context, ref domain.TicketRef) (int, error) {
	var held int
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM orders
		WHERE ticket_type = $1 AND ticket_id = $2 AND status IN ($3, $4)`,
		string(ref.Type), ref.ID, string(domain.OrderStatusPending), string(domain.OrderStatusPaid),
	).Scan(&held)
	if err != nil {
		return 0, domain.NewDataAccessError("sum held quantity", err)
	}
	return held, nil
}
