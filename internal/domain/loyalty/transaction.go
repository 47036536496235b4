package loyalty

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrDuplicateEntry is returned by Append when the order already carries an
// entry of the same type.
var ErrDuplicateEntry = errors.New("order already has a ledger entry of this type")

// Type tags a ledger entry with the reason for the balance change.
type Type string

const (
	// TypeEarn credits points accrued from an order.
	TypeEarn Type = "earn"
	// TypeRedeem debits points spent on a checkout discount.
	TypeRedeem Type = "redeem"
	// TypeAdjust is a manual correction in either direction.
	TypeAdjust Type = "adjust"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeEarn, TypeRedeem, TypeAdjust:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. Points is positive for earn and
// negative for redeem.
type Transaction struct {
	ID        string
	UserID    string
	OrderID   string
	Type      Type
	Points    int64
	Note      string
	CreatedAt time.Time
}

// Repository is the append-only ledger store.
type Repository interface {
	// Append persists tx and assigns its generated ID. An order holds at
	// most one entry per type; a second one reports ErrDuplicateEntry.
	Append(ctx context.Context, tx *Transaction) error
	// ListByUser returns up to limit entries for a user in insertion order.
	ListByUser(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// Replay sums the deltas of txs starting from a zero balance. Applied in
// creation order to a user's full history, it equals the stored balance.
func Replay(txs []Transaction) int64 {
	var balance int64
	for _, tx := range txs {
		balance += tx.Points
	}
	return balance
}
