package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

func mysqlDuplicate(err error) (*mysql.MySQLError, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return me, true
	}
	return nil, false
}

func mysqlPlaceholder(int) string { return "?" }

func mysqlDayOf(col string) string { return "DATE(" + col + ")" }

type MySQLInventory struct {
	db   *sql.DB
	opts options
}

func NewMySQLInventory(db *sql.DB, opts ...Option) *MySQLInventory {
	return &MySQLInventory{db: db, opts: buildOptions(opts)}
}

func (m *MySQLInventory) Find(ctx context.Context, ref domain.TicketRef) (domain.Item, error) {
	tbl, err := tableFor(ref.Type)
	if err != nil {
		return domain.Item{}, err
	}

	row := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", tbl.selectColumns("price"), tbl.name), ref.ID)
	item, err := scanItem(row, ref.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Item{}, domain.NewDataAccessError("query ticket", err)
	}
	return item, nil
}

func (m *MySQLInventory) Search(ctx context.Context, t domain.TicketType, f domain.SearchFilter) ([]domain.Item, error) {
	tbl, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	clauses, args := tbl.filterClauses(t, f, mysqlPlaceholder, mysqlDayOf)
	query := fmt.Sprintf("SELECT %s FROM %s", tbl.selectColumns("price"), tbl.name)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s, id LIMIT ?", tbl.startCol)
	args = append(args, f.EffectiveLimit())

	rows, err := m.db.QueryContext(ctx, query, args...)
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

func (m *MySQLInventory) Reserve(ctx context.Context, ref domain.TicketRef, quantity int) error {
	if err := validQuantity(quantity); err != nil {
		return err
	}
	tbl, err := tableFor(ref.Type)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDataAccessError("reserve: begin tx", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET remaining_seats = remaining_seats - ?, updated_at = ?
		WHERE id = ? AND remaining_seats >= ?`, tbl.name),
		quantity, m.opts.now(), ref.ID, quantity,
	)
	if err != nil {
		return domain.NewDataAccessError("reserve: update seats", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.NewDataAccessError("reserve: rows affected", err)
	}
	if rows == 0 {
		remaining, _, err := m.seats(ctx, tx, tbl, ref, false)
		if err != nil {
			return err
		}
		return fmt.Errorf("ticket %s has %d left, want %d: %w", ref, remaining, quantity, domain.ErrInsufficientInventory)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewUncertainDataAccessError("reserve: commit", err)
	}
	return nil
}

func (m *MySQLInventory) Restock(ctx context.Context, ref domain.TicketRef, quantity int) error {
	if err := validQuantity(quantity); err != nil {
		return err
	}
	tbl, err := tableFor(ref.Type)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDataAccessError("restock: begin tx", err)
	}
	defer tx.Rollback()

	now := m.opts.now()
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET remaining_seats = remaining_seats + ?, updated_at = ?
		WHERE id = ? AND remaining_seats + ? <= total_seats`, tbl.name),
		quantity, now, ref.ID, quantity,
	)
	if err != nil {
		return domain.NewDataAccessError("restock: update seats", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.NewDataAccessError("restock: rows affected", err)
	}
	if rows == 0 {
		remaining, total, err := m.seats(ctx, tx, tbl, ref, true)
		if err != nil {
			return err
		}
		if !m.opts.clampRestock {
			return &domain.InvariantError{
				Op:       "restock",
				Ticket:   ref,
				Quantity: quantity,
				Err:      fmt.Errorf("remaining %d + %d exceeds total %d", remaining, quantity, total),
			}
		}
		m.opts.logger.Error("restock clamped to total seats",
			slog.String("ticket", ref.String()),
			slog.Int("quantity", quantity),
			slog.Int("remaining", remaining),
			slog.Int("total", total))
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET remaining_seats = total_seats, updated_at = ? WHERE id = ?", tbl.name),
			now, ref.ID,
		); err != nil {
			return domain.NewDataAccessError("restock: clamp seats", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewUncertainDataAccessError("restock: commit", err)
	}
	return nil
}

// seats reads the seat counters of one item inside tx.
func (m *MySQLInventory) seats(ctx context.Context, tx *sql.Tx, tbl ticketTable, ref domain.TicketRef, lock bool) (remaining, total int, err error) {
	query := fmt.Sprintf("SELECT remaining_seats, total_seats FROM %s WHERE id = ?", tbl.name)
	if lock {
		query += " FOR UPDATE"
	}
	err = tx.QueryRowContext(ctx, query, ref.ID).Scan(&remaining, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("ticket %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return 0, 0, domain.NewDataAccessError("query seats", err)
	}
	return remaining, total, nil
}

func (m *MySQLInventory) Put(ctx context.Context, item domain.Item) (domain.Item, error) {
	if err := item.Validate(); err != nil {
		return domain.Item{}, err
	}
	tbl, err := tableFor(item.Type)
	if err != nil {
		return domain.Item{}, err
	}

	cols := tbl.writeColumns()
	var updates []string
	for _, c := range cols {
		if !containsString(tbl.naturalKey, c) {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
	}
	updates = append(updates, "updated_at = VALUES(updated_at)", "id = LAST_INSERT_ID(id)")

	query := fmt.Sprintf("INSERT INTO %s (%s, created_at, updated_at) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		tbl.name,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)+2), ", "),
		strings.Join(updates, ", "),
	)

	now := m.opts.now()
	d := detailColumns(item.Details)
	result, err := m.db.ExecContext(ctx, query,
		d[0], d[1], d[2], item.FareClass, item.StartsAt, item.EndsAt,
		item.TotalSeats, item.RemainingSeats, item.Price, now, now,
	)
	if err != nil {
		return domain.Item{}, domain.NewDataAccessError("upsert ticket", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.Item{}, domain.NewDataAccessError("upsert ticket: last insert id", err)
	}
	return m.Find(ctx, domain.TicketRef{Type: item.Type, ID: id})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
