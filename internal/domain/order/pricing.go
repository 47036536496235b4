package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/cakebox/cakebox-api/internal/domain/ids"
	"github.com/cakebox/cakebox-api/internal/domain/product"
)

// Sentinel errors for cart validation.
var (
	ErrEmptyItems = errors.New("items required")
)

// ProductNotFoundError indicates a cart item references an unknown product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product not found: %s", e.ProductID)
}

// InvalidQuantityError indicates a cart item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// CartItem is a transient checkout input line.
type CartItem struct {
	ProductID string
	Quantity  int
	Variant   string
}

// ProductFinder resolves a single product by id.
type ProductFinder interface {
	GetByID(ctx context.Context, id string) (*product.Product, error)
}

// Price resolves every cart item in order and returns the priced lines and
// their subtotal. The first unresolvable item aborts pricing with a
// *ProductNotFoundError; malformed ids surface as ids.ErrInvalid.
//
// Lines are always charged the product's base price. The chosen variant is
// recorded on the line but its price is not applied.
func Price(ctx context.Context, items []CartItem, products ProductFinder) ([]Line, decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, decimal.Zero, ErrEmptyItems
	}

	lines := make([]Line, 0, len(items))
	subtotal := decimal.Zero
	for _, item := range items {
		p, err := products.GetByID(ctx, item.ProductID)
		if err != nil {
			switch {
			case errors.Is(err, product.ErrNotFound):
				return nil, decimal.Zero, &ProductNotFoundError{ProductID: item.ProductID}
			case errors.Is(err, ids.ErrInvalid):
				return nil, decimal.Zero, err
			}
			return nil, decimal.Zero, errors.Wrapf(err, "get product %s", item.ProductID)
		}

		lines = append(lines, Line{
			ProductID: item.ProductID,
			Title:     p.Title,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
			Variant:   item.Variant,
		})
		subtotal = subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return lines, subtotal, nil
}
