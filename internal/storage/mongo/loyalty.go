package mongo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
)

var _ loyalty.Repository = (*LedgerRepository)(nil)

type transactionDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"user_id"`
	OrderID   string             `bson:"order_id,omitempty"`
	Type      string             `bson:"type"`
	Points    int64              `bson:"points"`
	Note      string             `bson:"note,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

// LedgerRepository implements loyalty.Repository.
type LedgerRepository struct {
	col *mongo.Collection
}

// Append inserts tx and assigns its id.
func (r *LedgerRepository) Append(ctx context.Context, tx *loyalty.Transaction) error {
	res, err := r.col.InsertOne(ctx, transactionDoc{
		UserID:    tx.UserID,
		OrderID:   tx.OrderID,
		Type:      string(tx.Type),
		Points:    tx.Points,
		Note:      tx.Note,
		CreatedAt: tx.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return loyalty.ErrDuplicateEntry
		}
		return errors.Wrap(err, "insert transaction")
	}
	tx.ID = insertedHex(res.InsertedID)
	return nil
}

// ListByUser returns up to limit entries of userID ordered by _id. ObjectIDs
// grow monotonically within one process, so the order is exact for a single
// writer. Across processes it is time order at second granularity.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID string, limit int) ([]loyalty.Transaction, error) {
	if _, err := objectID(userID); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find transactions")
	}
	var docs []transactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode transactions")
	}

	out := make([]loyalty.Transaction, len(docs))
	for i, d := range docs {
		out[i] = loyalty.Transaction{
			ID:        d.ID.Hex(),
			UserID:    d.UserID,
			OrderID:   d.OrderID,
			Type:      loyalty.Type(d.Type),
			Points:    d.Points,
			Note:      d.Note,
			CreatedAt: d.CreatedAt,
		}
	}
	return out, nil
}
