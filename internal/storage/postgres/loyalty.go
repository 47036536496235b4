package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
)

var _ loyalty.Repository = (*LedgerRepository)(nil)

// LedgerRepository implements loyalty.Repository.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// Append inserts tx and assigns its id.
func (r *LedgerRepository) Append(ctx context.Context, tx *loyalty.Transaction) error {
	err := r.pool.QueryRow(ctx, `
INSERT INTO loyalty_transactions (user_id, order_id, type, points, note, created_at)
VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6)
RETURNING id::text`,
		tx.UserID, tx.OrderID, string(tx.Type), tx.Points, tx.Note, tx.CreatedAt,
	).Scan(&tx.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return loyalty.ErrDuplicateEntry
		}
		return errors.Wrap(err, "insert transaction")
	}
	return nil
}

// ListByUser returns up to limit entries of userID in insertion order. A
// non-positive limit returns the full history.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID string, limit int) ([]loyalty.Transaction, error) {
	if err := checkID(userID); err != nil {
		return nil, err
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `
SELECT id::text, user_id::text, COALESCE(order_id::text, ''), type, points, note, created_at
FROM loyalty_transactions
WHERE user_id = $1
ORDER BY seq
LIMIT $2`, userID, lim)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()

	var out []loyalty.Transaction
	for rows.Next() {
		var (
			tx  loyalty.Transaction
			typ string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.OrderID, &typ, &tx.Points, &tx.Note, &tx.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		tx.Type = loyalty.Type(typ)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	return out, nil
}
