package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/cakebox/cakebox-api/internal/domain/ids"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/user"
)

// maxNoteLength bounds adjustment notes.
const maxNoteLength = 256

// GetLoyalty serves GET /api/users/{id}/loyalty.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	hist, err := h.loyalty.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("points")
		e.Int64(hist.Points)
		e.FieldStart("transactions")
		e.ArrStart()
		for i := range hist.Transactions {
			encodeTransaction(e, &hist.Transactions[i])
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

type adjustRequest struct {
	Points int64
	Note   string
	set    bool
}

func (req *adjustRequest) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "points":
			req.Points, err = d.Int64()
			req.set = true
		case "note":
			req.Note, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// AdjustLoyalty serves POST /api/users/{id}/loyalty/adjustments.
func (h *Handler) AdjustLoyalty(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := readBody(w, r, req.decode); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if !req.set {
		writeError(w, http.StatusBadRequest, "points required")
		return
	}
	note := strings.TrimSpace(req.Note)
	if len(note) > maxNoteLength {
		writeError(w, http.StatusBadRequest, "note too long")
		return
	}

	tx, balance, err := h.loyalty.Adjust(r.Context(), chi.URLParam(r, "id"), req.Points, note)
	if err != nil {
		switch {
		case errors.Is(err, ids.ErrInvalid):
			writeError(w, http.StatusBadRequest, ids.ErrInvalid.Error())
		case errors.Is(err, user.ErrNotFound):
			writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, loyalty.ErrZeroAdjustment):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, loyalty.ErrInsufficientPoints):
			writeError(w, http.StatusBadRequest, "Not enough points")
		default:
			writeInternal(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("transaction")
		encodeTransaction(e, tx)
		e.FieldStart("new_balance")
		e.Int64(balance)
		e.ObjEnd()
	})
}

func encodeTransaction(e *jx.Encoder, tx *loyalty.Transaction) {
	e.ObjStart()
	e.FieldStart("_id")
	e.Str(tx.ID)
	e.FieldStart("user_id")
	e.Str(tx.UserID)
	e.FieldStart("order_id")
	encodeOptStr(e, tx.OrderID)
	e.FieldStart("type")
	e.Str(string(tx.Type))
	e.FieldStart("points")
	e.Int64(tx.Points)
	e.FieldStart("note")
	encodeOptStr(e, tx.Note)
	e.FieldStart("created_at")
	encodeTime(e, tx.CreatedAt)
	e.ObjEnd()
}
