package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	//go:embed schema/mysql.sql
	mysqlSchema string

	//go:embed schema/postgres.sql
	postgresSchema string
)

// EnsureMySQLSchema creates the tables if they do not exist. Statements are
// sent one by one so the DSN does not need multiStatements.
func EnsureMySQLSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range splitStatements(mysqlSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply mysql schema: %w", err)
		}
	}
	return nil
}

func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
