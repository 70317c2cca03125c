package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema embed.FS

// NewPostgres applies the schema through pool and returns a Store using it.
// The caller owns the pool; Close on the returned Store closes it.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	schema, err := postgresSchema.ReadFile("schema_postgres.sql")
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return newStore(&pgConn{pool: pool}, logger), nil
}

type pgConn struct {
	pool *pgxpool.Pool
}

func (c *pgConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgConn) QueryRow(ctx context.Context, query string, args ...any) row {
	return c.pool.QueryRow(ctx, rebind(query), args...)
}

func (c *pgConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	return c.pool.Query(ctx, rebind(query), args...)
}

func (c *pgConn) IsNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (c *pgConn) Close() error {
	c.pool.Close()
	return nil
}

// rebind turns ? placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
