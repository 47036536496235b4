// Package handler exposes the bakery API over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/cakebox/cakebox-api/internal/domain/checkout"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/domain/user"
)

// Handler serves the catalog, customer, loyalty and checkout endpoints.
type Handler struct {
	products product.Repository
	users    *user.Service
	loyalty  *loyalty.Service
	checkout *checkout.Service
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	products product.Repository,
	users *user.Service,
	loyaltySvc *loyalty.Service,
	checkoutSvc *checkout.Service,
) *Handler {
	return &Handler{
		products: products,
		users:    users,
		loyalty:  loyaltySvc,
		checkout: checkoutSvc,
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.Root)
	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)

		r.Post("/users", h.CreateUser)
		r.Get("/users/{id}", h.GetUser)
		r.Get("/users/{id}/loyalty", h.GetLoyalty)
		r.Post("/users/{id}/loyalty/adjustments", h.AdjustLoyalty)

		r.Post("/checkout", h.Checkout)
	})
}

// Root answers GET / so that a bare deployment can be probed by hand.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("message")
		e.Str("Cakebox API running")
		e.ObjEnd()
	})
}
