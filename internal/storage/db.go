package storage

import (
	"context"
	_ "embed"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

//go:embed schema.sql
var schemaSQL string

// Pool is the subset of pgxpool.Pool the repositories use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type DB struct {
	Pool Pool
	pgx  *pgxpool.Pool
}

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "parse postgres config")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "connect postgres")
	}
	return &DB{Pool: pool, pgx: pool}, nil
}

// WrapPool builds a DB around any Pool implementation, e.g. pgxmock in tests.
func WrapPool(p Pool) *DB {
	return &DB{Pool: p}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schemaSQL); err != nil {
		return eris.Wrap(err, "apply schema")
	}
	return nil
}

func (d *DB) Close() {
	if d != nil && d.pgx != nil {
		d.pgx.Close()
	}
}

// Handle lazily opens one DB per process. Every caller after the first
// receives the same DB or the same error.
type Handle struct {
	dsn  string
	once sync.Once
	db   *DB
	err  error
	open func(ctx context.Context, dsn string) (*DB, error)
}

func NewHandle(dsn string) *Handle {
	return &Handle{dsn: dsn, open: NewDB}
}

func (h *Handle) Get(ctx context.Context) (*DB, error) {
	h.once.Do(func() {
		h.db, h.err = h.open(ctx, h.dsn)
	})
	return h.db, h.err
}

func (h *Handle) Close() {
	if h.db != nil {
		h.db.Close()
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
