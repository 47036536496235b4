package handler

import (
	"net/http"

	"github.com/go-faster/errors"

	"github.com/cakebox/cakebox-api/internal/domain/checkout"
	"github.com/cakebox/cakebox-api/internal/domain/ids"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/order"
	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/domain/user"
	"github.com/cakebox/cakebox-api/pkg/idempotency"
)

// writeLookupError maps read-path failures: malformed ids to 400, unknown
// entities to 404 and everything else to 500.
func writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ids.ErrInvalid):
		writeError(w, http.StatusBadRequest, ids.ErrInvalid.Error())
	case errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, "Product not found")
	case errors.Is(err, user.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	default:
		writeInternal(w, r, err)
	}
}

// writeRequestError maps body and header parsing failures.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, errInvalidBody), errors.Is(err, idempotency.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeInternal(w, r, err)
	}
}

// writeCheckoutError maps checkout failures. Every rejection detected before
// the first write is a 400, including an unknown user.
func writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		pnf *order.ProductNotFoundError
		iq  *order.InvalidQuantityError
		se  *checkout.StorageError
	)
	switch {
	case errors.As(err, &se):
		writeInternal(w, r, err)
	case errors.Is(err, ids.ErrInvalid):
		writeError(w, http.StatusBadRequest, ids.ErrInvalid.Error())
	case errors.As(err, &pnf):
		writeError(w, http.StatusBadRequest, pnf.Error())
	case errors.As(err, &iq):
		writeError(w, http.StatusBadRequest, iq.Error())
	case errors.Is(err, order.ErrEmptyItems):
		writeError(w, http.StatusBadRequest, "items required")
	case errors.Is(err, user.ErrNotFound):
		writeError(w, http.StatusBadRequest, "User not found")
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		writeError(w, http.StatusBadRequest, "Not enough points")
	case errors.Is(err, checkout.ErrIdempotencyConflict), errors.Is(err, checkout.ErrSettlementIncomplete):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeInternal(w, r, err)
	}
}
