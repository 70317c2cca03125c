package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema embed.FS

// sqliteTimeFormat is fixed width so stored timestamps compare correctly as text.
const sqliteTimeFormat = "2006-01-02 15:04:05.000000000-07:00"

// OpenSQLite opens (creating if needed) the database file at path and
// applies the schema.
func OpenSQLite(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: on a single database
	db.SetMaxOpenConns(1)

	schema, err := sqliteSchema.ReadFile("schema_sqlite.sql")
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return newStore(&sqliteConn{db: db}, logger), nil
}

type sqliteConn struct {
	db *sql.DB
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, sqliteArgs(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqliteConn) QueryRow(ctx context.Context, query string, args ...any) row {
	return c.db.QueryRowContext(ctx, query, sqliteArgs(args)...)
}

func (c *sqliteConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	rs, err := c.db.QueryContext(ctx, query, sqliteArgs(args)...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rs}, nil
}

func (c *sqliteConn) IsNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func (c *sqliteConn) Close() error { return c.db.Close() }

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }

func sqliteArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			out[i] = v.UTC().Format(sqliteTimeFormat)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = v.UTC().Format(sqliteTimeFormat)
			}
		case []byte:
			out[i] = string(v)
		default:
			out[i] = a
		}
	}
	return out
}
