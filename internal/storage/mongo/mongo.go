// Package mongo implements the storage contracts on MongoDB. Collection and
// field names match the documents written by earlier deployments of the
// service, so an existing database can be served as-is.
package mongo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/cakebox/cakebox-api/internal/domain/ids"
)

const (
	productCollection     = "product"
	userCollection        = "user"
	orderCollection       = "order"
	transactionCollection = "loyaltytransaction"
)

// DB is a connected database handle.
type DB struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri, verifies the connection and selects database.
func Connect(ctx context.Context, uri, database string) (*DB, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, errors.Wrap(err, "ping")
	}

	return &DB{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (d *DB) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Ping implements the readiness check.
func (d *DB) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

// orderLinked restricts the per-order ledger uniqueness to checkout entries.
var orderLinked = bson.M{"order_id": bson.M{"$exists": true}}

// EnsureIndexes creates the indexes the repositories rely on.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	models := map[string][]mongo.IndexModel{
		userCollection: {
			{
				Keys:    bson.D{{Key: "email", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		orderCollection: {
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
			{
				Keys: bson.D{{Key: "user_id", Value: 1}},
			},
		},
		transactionCollection: {
			{
				Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "_id", Value: 1}},
			},
			{
				Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "type", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(orderLinked),
			},
		},
		productCollection: {
			{
				Keys: bson.D{{Key: "category", Value: 1}},
			},
		},
	}
	for name, indexes := range models {
		if _, err := d.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return errors.Wrapf(err, "create %s indexes", name)
		}
	}
	return nil
}

// Products returns the product repository.
func (d *DB) Products() *ProductRepository {
	return &ProductRepository{col: d.db.Collection(productCollection)}
}

// Users returns the user repository.
func (d *DB) Users() *UserRepository {
	return &UserRepository{col: d.db.Collection(userCollection)}
}

// Orders returns the order repository.
func (d *DB) Orders() *OrderRepository {
	return &OrderRepository{col: d.db.Collection(orderCollection)}
}

// Ledger returns the loyalty transaction repository.
func (d *DB) Ledger() *LedgerRepository {
	return &LedgerRepository{col: d.db.Collection(transactionCollection)}
}

func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, ids.ErrInvalid
	}
	return oid, nil
}

func insertedHex(v any) string {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return ""
}
