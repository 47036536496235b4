package app

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/order"
	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/domain/user"
	"github.com/cakebox/cakebox-api/internal/storage/memory"
	"github.com/cakebox/cakebox-api/internal/storage/mongo"
	"github.com/cakebox/cakebox-api/internal/storage/postgres"
)

// catalogRepository is the read and write side of the product catalog.
type catalogRepository interface {
	product.Repository
	product.Catalog
}

// Storage bundles the repositories of one backend.
type Storage struct {
	Products catalogRepository
	Users    user.Repository
	Orders   order.Repository
	Ledger   loyalty.Repository

	ping  func(ctx context.Context) error
	close func(ctx context.Context) error
}

// Ping checks backend connectivity.
func (s *Storage) Ping(ctx context.Context) error { return s.ping(ctx) }

// Close releases backend connections.
func (s *Storage) Close(ctx context.Context) error { return s.close(ctx) }

// OpenStorage connects to the configured backend and prepares its schema:
// collection indexes for mongo, the embedded migration for postgres.
func OpenStorage(ctx context.Context, cfg StorageConfig) (*Storage, error) {
	switch cfg.Driver {
	case DriverMongo:
		db, err := mongo.Connect(ctx, cfg.URL, cfg.Database)
		if err != nil {
			return nil, errors.Wrap(err, "connect mongo")
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			_ = db.Close(ctx)
			return nil, errors.Wrap(err, "ensure indexes")
		}
		return &Storage{
			Products: db.Products(),
			Users:    db.Users(),
			Orders:   db.Orders(),
			Ledger:   db.Ledger(),
			ping:     db.Ping,
			close:    db.Close,
		}, nil
	case DriverPostgres:
		db, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return &Storage{
			Products: db.Products(),
			Users:    db.Users(),
			Orders:   db.Orders(),
			Ledger:   db.Ledger(),
			ping:     db.Ping,
			close: func(context.Context) error {
				db.Close()
				return nil
			},
		}, nil
	case DriverMemory:
		store := memory.New()
		return &Storage{
			Products: store.Products(),
			Users:    store.Users(),
			Orders:   store.Orders(),
			Ledger:   store.Ledger(),
			ping:     store.Ping,
			close:    func(context.Context) error { return nil },
		}, nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
