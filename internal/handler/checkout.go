package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/cakebox/cakebox-api/internal/domain/checkout"
	"github.com/cakebox/cakebox-api/internal/domain/order"
	"github.com/cakebox/cakebox-api/pkg/idempotency"
)

type checkoutRequest struct {
	UserID       string
	Items        []order.CartItem
	RedeemPoints int64
}

func (req *checkoutRequest) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user_id":
			req.UserID, err = d.Str()
		case "redeem_points":
			if d.Next() == jx.Null {
				return d.Null()
			}
			req.RedeemPoints, err = d.Int64()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var item order.CartItem
				if err := decodeCartItem(d, &item); err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

func decodeCartItem(d *jx.Decoder, item *order.CartItem) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			item.ProductID, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		case "variant":
			item.Variant, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// Checkout serves POST /api/checkout. An Idempotency-Key header replays the
// outcome of an earlier checkout with the same key.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	key, err := idempotency.Key(r)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	var req checkoutRequest
	if err := readBody(w, r, req.decode); err != nil {
		writeRequestError(w, r, err)
		return
	}

	summary, err := h.checkout.Checkout(r.Context(), checkout.Request{
		UserID:         req.UserID,
		Items:          req.Items,
		RedeemPoints:   req.RedeemPoints,
		IdempotencyKey: key,
	})
	if err != nil {
		writeCheckoutError(w, r, err)
		return
	}

	if summary.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("order_id")
		e.Str(summary.OrderID)
		e.FieldStart("total")
		e.Float64(summary.Total.InexactFloat64())
		e.FieldStart("points_earned")
		e.Int64(summary.PointsEarned)
		e.FieldStart("points_redeemed")
		e.Int64(summary.PointsRedeemed)
		e.FieldStart("new_balance")
		e.Int64(summary.NewBalance)
		e.ObjEnd()
	})
}
