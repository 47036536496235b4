package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cakebox/cakebox-api/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

type lineRow struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Variant   string          `json:"variant,omitempty"`
}

// OrderRepository implements order.Repository.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// Create persists o. The order lines are serialized to JSON for storage in
// the JSONB column. A reused idempotency key reports order.ErrDuplicateKey.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	lines := make([]lineRow, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = lineRow{
			ProductID: l.ProductID,
			Title:     l.Title,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Variant:   l.Variant,
		}
	}
	itemsJSON, err := json.Marshal(lines)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}

	err = r.pool.QueryRow(ctx, `
INSERT INTO orders (user_id, items, subtotal, discount, total, points_earned, points_redeemed, status,
                    idempotency_key, balance_before, new_balance, settled, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13)
RETURNING id::text`,
		o.UserID, itemsJSON, o.Subtotal, o.Discount, o.Total,
		o.PointsEarned, o.PointsRedeemed, string(o.Status), o.IdempotencyKey,
		o.BalanceBefore, o.NewBalance, o.Settled, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return order.ErrDuplicateKey
		}
		return errors.Wrap(err, "insert order")
	}
	return nil
}

// FindByIdempotencyKey returns the order created with key.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	var (
		o         order.Order
		status    string
		itemsJSON []byte
	)
	err := r.pool.QueryRow(ctx, `
SELECT id::text, user_id::text, items, subtotal, discount, total,
       points_earned, points_redeemed, status, idempotency_key,
       balance_before, new_balance, settled, created_at
FROM orders WHERE idempotency_key = $1`, key).Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.Subtotal, &o.Discount, &o.Total,
		&o.PointsEarned, &o.PointsRedeemed, &status, &o.IdempotencyKey,
		&o.BalanceBefore, &o.NewBalance, &o.Settled, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "find order")
	}
	o.Status = order.Status(status)

	var lines []lineRow
	if err := json.Unmarshal(itemsJSON, &lines); err != nil {
		return nil, errors.Wrap(err, "unmarshal order items")
	}
	for _, l := range lines {
		o.Lines = append(o.Lines, order.Line(l))
	}
	return &o, nil
}

// MarkSettled flags order id as settled.
func (r *OrderRepository) MarkSettled(ctx context.Context, id string, newBalance int64) error {
	if err := checkID(id); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET settled = TRUE, new_balance = $2 WHERE id = $1`, id, newBalance)
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}
