package handler

import (
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/cakebox/cakebox-api/internal/domain/user"
)

type createUserRequest struct {
	Name  string
	Email string
	Phone string
}

func (req *createUserRequest) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			req.Name, err = d.Str()
		case "email":
			req.Email, err = d.Str()
		case "phone":
			req.Phone, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// validEmail accepts a bare address such as "jane@example.com".
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s && addr.Name == ""
}

// CreateUser serves POST /api/users. A known email returns the stored user
// with 200; a new one is created with 201.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readBody(w, r, req.decode); err != nil {
		writeRequestError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if !validEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}

	u, created, err := h.users.Register(r.Context(), user.RegisterRequest{
		Name:  req.Name,
		Email: req.Email,
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeUser(e, u)
	})
}

// GetUser serves GET /api/users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeUser(e, u)
	})
}

func encodeUser(e *jx.Encoder, u *user.User) {
	e.ObjStart()
	e.FieldStart("_id")
	e.Str(u.ID)
	e.FieldStart("name")
	e.Str(u.Name)
	e.FieldStart("email")
	e.Str(u.Email)
	e.FieldStart("phone")
	encodeOptStr(e, u.Phone)
	e.FieldStart("loyalty_points")
	e.Int64(u.Points)
	e.FieldStart("is_active")
	e.Bool(u.Active)
	e.FieldStart("created_at")
	encodeTime(e, u.CreatedAt)
	e.ObjEnd()
}
