package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// DefaultLimit caps catalog listings when the caller does not ask for a size.
const DefaultLimit = 50

// Product represents a bakery catalog item.
type Product struct {
	ID          string
	Title       string
	Description string
	Price       decimal.Decimal
	Category    string
	Image       string
	Tags        []string
	InStock     bool
	Variants    []Variant
}

// Variant is a named size or flavor option with its own list price.
type Variant struct {
	Name  string
	Price decimal.Decimal
}

// Filter narrows a catalog listing. Query matches title, description and
// tags case-insensitively.
type Filter struct {
	Category string
	Query    string
	Limit    int
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context, f Filter) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
}

// Catalog is the write side used by the seeding utility.
type Catalog interface {
	Count(ctx context.Context) (int64, error)
	Insert(ctx context.Context, products []Product) ([]string, error)
}
