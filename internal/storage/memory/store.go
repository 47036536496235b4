// Package memory is an in-process implementation of every storage contract.
// It backs unit tests and local runs with Storage.Driver=memory. Identifiers
// are UUIDs; anything else is rejected with ids.ErrInvalid.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cakebox/cakebox-api/internal/domain/ids"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/order"
	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/domain/user"
)

// Operation names accepted by Store.FailOn.
const (
	OpGetProduct    = "get_product"
	OpGetUser       = "get_user"
	OpCreateUser    = "create_user"
	OpUpdateBalance = "update_balance"
	OpCreateOrder   = "create_order"
	OpMarkSettled   = "mark_settled"
	OpAppend        = "append_transaction"
)

// Store holds all collections behind a single lock.
type Store struct {
	mu       sync.RWMutex
	products []product.Product
	users    []user.User
	orders   []order.Order
	txs      []loyalty.Transaction
	writes   int
	failures map[string]error
}

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ product.Catalog    = (*ProductRepository)(nil)
	_ user.Repository    = (*UserRepository)(nil)
	_ order.Repository   = (*OrderRepository)(nil)
	_ loyalty.Repository = (*LedgerRepository)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{failures: make(map[string]error)}
}

// Products returns the catalog view of the store.
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

// Users returns the user view of the store.
func (s *Store) Users() *UserRepository { return &UserRepository{s: s} }

// Orders returns the order view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Ledger returns the loyalty ledger view of the store.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// Ping implements the readiness check.
func (s *Store) Ping(context.Context) error { return nil }

// Writes returns the number of successful mutating calls.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// OrderCount returns the number of stored orders.
func (s *Store) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// TransactionCount returns the number of stored ledger entries.
func (s *Store) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// fail must be called with s.mu held.
func (s *Store) fail(op string) error {
	return s.failures[op]
}

func parseID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ids.ErrInvalid
	}
	return nil
}

// ProductRepository implements product.Repository and product.Catalog.
type ProductRepository struct{ s *Store }

// List returns products matching f in insertion order.
func (r *ProductRepository) List(_ context.Context, f product.Filter) ([]product.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = product.DefaultLimit
	}
	out := make([]product.Product, 0, min(limit, len(r.s.products)))
	for _, p := range r.s.products {
		if len(out) == limit {
			break
		}
		if matches(p, f) {
			out = append(out, cloneProduct(p))
		}
	}
	return out, nil
}

func matches(p product.Product, f product.Filter) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	if strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(strings.ToLower(p.Description), q) {
		return true
	}
	return slices.ContainsFunc(p.Tags, func(tag string) bool {
		return strings.Contains(strings.ToLower(tag), q)
	})
}

// GetByID returns a product by id.
func (r *ProductRepository) GetByID(_ context.Context, id string) (*product.Product, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.fail(OpGetProduct); err != nil {
		return nil, err
	}
	for _, p := range r.s.products {
		if p.ID == id {
			p = cloneProduct(p)
			return &p, nil
		}
	}
	return nil, product.ErrNotFound
}

// Count returns the number of catalog entries.
func (r *ProductRepository) Count(context.Context) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return int64(len(r.s.products)), nil
}

// Insert adds products, assigning new ids, and returns the ids in order.
func (r *ProductRepository) Insert(_ context.Context, products []product.Product) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]string, len(products))
	for i, p := range products {
		p = cloneProduct(p)
		p.ID = uuid.NewString()
		r.s.products = append(r.s.products, p)
		out[i] = p.ID
	}
	r.s.writes++
	return out, nil
}

// Put stores p as-is, replacing any product with the same id.
func (r *ProductRepository) Put(p product.Product) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p = cloneProduct(p)
	for i := range r.s.products {
		if r.s.products[i].ID == p.ID {
			r.s.products[i] = p
			return
		}
	}
	r.s.products = append(r.s.products, p)
}

func cloneProduct(p product.Product) product.Product {
	p.Tags = slices.Clone(p.Tags)
	p.Variants = slices.Clone(p.Variants)
	return p
}

// UserRepository implements user.Repository.
type UserRepository struct{ s *Store }

// GetByID returns a user by id.
func (r *UserRepository) GetByID(_ context.Context, id string) (*user.User, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.fail(OpGetUser); err != nil {
		return nil, err
	}
	for _, u := range r.s.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, user.ErrNotFound
}

// FindByEmail returns the user registered with email.
func (r *UserRepository) FindByEmail(_ context.Context, email string) (*user.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, user.ErrNotFound
}

// Create stores u and assigns its id.
func (r *UserRepository) Create(_ context.Context, u *user.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(OpCreateUser); err != nil {
		return err
	}
	for _, existing := range r.s.users {
		if existing.Email == u.Email {
			return user.ErrEmailTaken
		}
	}
	u.ID = uuid.NewString()
	r.s.users = append(r.s.users, *u)
	r.s.writes++
	return nil
}

// UpdateBalance overwrites the stored balance of a user.
func (r *UserRepository) UpdateBalance(_ context.Context, id string, points int64) error {
	if err := parseID(id); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(OpUpdateBalance); err != nil {
		return err
	}
	for i := range r.s.users {
		if r.s.users[i].ID == id {
			r.s.users[i].Points = points
			r.s.writes++
			return nil
		}
	}
	return user.ErrNotFound
}

// OrderRepository implements order.Repository.
type OrderRepository struct{ s *Store }

// Create stores o and assigns its id.
func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(OpCreateOrder); err != nil {
		return err
	}
	if o.IdempotencyKey != "" {
		for _, existing := range r.s.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return order.ErrDuplicateKey
			}
		}
	}
	o.ID = uuid.NewString()
	stored := *o
	stored.Lines = slices.Clone(o.Lines)
	r.s.orders = append(r.s.orders, stored)
	r.s.writes++
	return nil
}

// FindByIdempotencyKey returns the order created with key.
func (r *OrderRepository) FindByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, o := range r.s.orders {
		if o.IdempotencyKey == key {
			o.Lines = slices.Clone(o.Lines)
			return &o, nil
		}
	}
	return nil, order.ErrNotFound
}

// MarkSettled flags order id as settled.
func (r *OrderRepository) MarkSettled(_ context.Context, id string, newBalance int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(OpMarkSettled); err != nil {
		return err
	}
	for i := range r.s.orders {
		if r.s.orders[i].ID == id {
			r.s.orders[i].Settled = true
			r.s.orders[i].NewBalance = newBalance
			r.s.writes++
			return nil
		}
	}
	return order.ErrNotFound
}

// Get returns an order by id.
func (r *OrderRepository) Get(id string) (*order.Order, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, o := range r.s.orders {
		if o.ID == id {
			o.Lines = slices.Clone(o.Lines)
			return &o, true
		}
	}
	return nil, false
}

// LedgerRepository implements loyalty.Repository.
type LedgerRepository struct{ s *Store }

// Append stores tx and assigns its id.
func (r *LedgerRepository) Append(_ context.Context, tx *loyalty.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(OpAppend); err != nil {
		return err
	}
	if tx.OrderID != "" {
		for _, existing := range r.s.txs {
			if existing.OrderID == tx.OrderID && existing.Type == tx.Type {
				return loyalty.ErrDuplicateEntry
			}
		}
	}
	tx.ID = uuid.NewString()
	r.s.txs = append(r.s.txs, *tx)
	r.s.writes++
	return nil
}

// ListByUser returns up to limit entries of userID in insertion order.
func (r *LedgerRepository) ListByUser(_ context.Context, userID string, limit int) ([]loyalty.Transaction, error) {
	if err := parseID(userID); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []loyalty.Transaction
	for _, tx := range r.s.txs {
		if limit > 0 && len(out) == limit {
			break
		}
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}
