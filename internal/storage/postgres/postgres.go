// Package postgres implements the storage contracts on PostgreSQL with raw
// SQL over a pgx pool. Identifiers are UUIDs.
package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cakebox/cakebox-api/db"
	"github.com/cakebox/cakebox-api/internal/domain/ids"
)

const uniqueViolation = "23505"

// DB wraps a connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	return pool, nil
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return &DB{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// RunMigrations executes the embedded DDL schema.
func (d *DB) RunMigrations(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, db.Schema); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

// Ping implements the readiness check.
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Products returns the product repository.
func (d *DB) Products() *ProductRepository { return &ProductRepository{pool: d.pool} }

// Users returns the user repository.
func (d *DB) Users() *UserRepository { return &UserRepository{pool: d.pool} }

// Orders returns the order repository.
func (d *DB) Orders() *OrderRepository { return &OrderRepository{pool: d.pool} }

// Ledger returns the loyalty transaction repository.
func (d *DB) Ledger() *LedgerRepository { return &LedgerRepository{pool: d.pool} }

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ids.ErrInvalid
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
