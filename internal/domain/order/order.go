package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an order lookup does not resolve.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateKey is returned by Create when another order already
	// carries the same idempotency key.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Status is the lifecycle state of an order. Only StatusPlaced is modeled.
type Status string

// StatusPlaced is assigned to every order at checkout.
const StatusPlaced Status = "placed"

// Order is the record of a checkout. Apart from the settlement marker it is
// never modified after creation.
type Order struct {
	ID             string
	UserID         string
	Lines          []Line
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Total          decimal.Decimal
	PointsEarned   int64
	PointsRedeemed int64
	Status         Status
	IdempotencyKey string
	// BalanceBefore is the stored balance the settlement was computed from.
	BalanceBefore int64
	// NewBalance is the balance the settlement produced.
	NewBalance int64
	// Settled is set once the balance write and the order's ledger entries
	// are all applied.
	Settled   bool
	CreatedAt time.Time
}

// Line is a priced order line. Title and UnitPrice are snapshots taken at
// purchase time and do not follow later catalog changes.
type Line struct {
	ProductID string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
	Variant   string
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists o and assigns its generated ID.
	Create(ctx context.Context, o *Order) error
	FindByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// MarkSettled flags order id as settled and records the balance the
	// settlement produced.
	MarkSettled(ctx context.Context, id string, newBalance int64) error
}
