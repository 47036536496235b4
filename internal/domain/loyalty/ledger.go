// Package loyalty implements point accrual, redemption and the append-only
// ledger that records every balance change.
package loyalty

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

const (
	// RedeemBlock is the smallest redeemable number of points.
	RedeemBlock = 100
	// BlockDiscount is the currency discount granted per redeemed block.
	BlockDiscount = 5
)

// ErrInsufficientPoints is returned when a redemption exceeds the balance.
var ErrInsufficientPoints = errors.New("not enough points")

// Settlement is the outcome of applying a redemption request to a subtotal
// and a balance.
type Settlement struct {
	Discount       decimal.Decimal
	Total          decimal.Decimal
	PointsEarned   int64
	PointsRedeemed int64
	NewBalance     int64
}

// Settle validates requested against balance and computes the discount, the
// points redeemed and earned, and the resulting balance.
//
// Negative requests count as zero. Only whole blocks of RedeemBlock points are
// redeemed; the remainder is neither charged nor credited. Points are earned
// at one per whole currency unit of the pre-discount subtotal.
func Settle(balance, requested int64, subtotal decimal.Decimal) (Settlement, error) {
	if requested < 0 {
		requested = 0
	}
	if requested > balance {
		return Settlement{}, ErrInsufficientPoints
	}

	blocks := requested / RedeemBlock
	redeemed := blocks * RedeemBlock
	discount := decimal.NewFromInt(blocks * BlockDiscount)
	earned := subtotal.Floor().IntPart()
	if earned < 0 {
		earned = 0
	}

	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Settlement{
		Discount:       discount,
		Total:          total.Round(2),
		PointsEarned:   earned,
		PointsRedeemed: redeemed,
		NewBalance:     balance - redeemed + earned,
	}, nil
}
