package mongo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cakebox/cakebox-api/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

type orderDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	UserID         string             `bson:"user_id"`
	Items          []orderItemDoc     `bson:"items"`
	Subtotal       float64            `bson:"subtotal"`
	Discount       float64            `bson:"discount"`
	Total          float64            `bson:"total"`
	PointsEarned   int64              `bson:"points_earned"`
	PointsRedeemed int64              `bson:"points_redeemed"`
	Status         string             `bson:"status"`
	IdempotencyKey string             `bson:"idempotency_key,omitempty"`
	BalanceBefore  int64              `bson:"balance_before"`
	NewBalance     int64              `bson:"new_balance"`
	Settled        bool               `bson:"settled"`
	CreatedAt      time.Time          `bson:"created_at"`
}

type orderItemDoc struct {
	ProductID string  `bson:"product_id"`
	Title     string  `bson:"title"`
	Quantity  int     `bson:"quantity"`
	UnitPrice float64 `bson:"unit_price"`
	Variant   string  `bson:"variant,omitempty"`
}

func (d orderDoc) toDomain() *order.Order {
	o := &order.Order{
		ID:             d.ID.Hex(),
		UserID:         d.UserID,
		Subtotal:       decimal.NewFromFloat(d.Subtotal),
		Discount:       decimal.NewFromFloat(d.Discount),
		Total:          decimal.NewFromFloat(d.Total),
		PointsEarned:   d.PointsEarned,
		PointsRedeemed: d.PointsRedeemed,
		Status:         order.Status(d.Status),
		IdempotencyKey: d.IdempotencyKey,
		BalanceBefore:  d.BalanceBefore,
		NewBalance:     d.NewBalance,
		Settled:        d.Settled,
		CreatedAt:      d.CreatedAt,
	}
	for _, it := range d.Items {
		o.Lines = append(o.Lines, order.Line{
			ProductID: it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: decimal.NewFromFloat(it.UnitPrice),
			Variant:   it.Variant,
		})
	}
	return o
}

// OrderRepository implements order.Repository.
type OrderRepository struct {
	col *mongo.Collection
}

// Create inserts o and assigns its id. A reused idempotency key reports
// order.ErrDuplicateKey.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	d := orderDoc{
		UserID:         o.UserID,
		Items:          make([]orderItemDoc, len(o.Lines)),
		Subtotal:       o.Subtotal.InexactFloat64(),
		Discount:       o.Discount.InexactFloat64(),
		Total:          o.Total.InexactFloat64(),
		PointsEarned:   o.PointsEarned,
		PointsRedeemed: o.PointsRedeemed,
		Status:         string(o.Status),
		IdempotencyKey: o.IdempotencyKey,
		BalanceBefore:  o.BalanceBefore,
		NewBalance:     o.NewBalance,
		Settled:        o.Settled,
		CreatedAt:      o.CreatedAt,
	}
	for i, l := range o.Lines {
		d.Items[i] = orderItemDoc{
			ProductID: l.ProductID,
			Title:     l.Title,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.InexactFloat64(),
			Variant:   l.Variant,
		}
	}

	res, err := r.col.InsertOne(ctx, d)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return order.ErrDuplicateKey
		}
		return errors.Wrap(err, "insert order")
	}
	o.ID = insertedHex(res.InsertedID)
	return nil
}

// FindByIdempotencyKey returns the order created with key.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	var d orderDoc
	if err := r.col.FindOne(ctx, bson.M{"idempotency_key": key}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "find order")
	}
	return d.toDomain(), nil
}

// MarkSettled flags order id as settled.
func (r *OrderRepository) MarkSettled(ctx context.Context, id string, newBalance int64) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	res, err := r.col.UpdateByID(ctx, oid, bson.M{"$set": bson.M{
		"settled":     true,
		"new_balance": newBalance,
	}})
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	if res.MatchedCount == 0 {
		return order.ErrNotFound
	}
	return nil
}
