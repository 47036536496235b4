// Package checkout converts a cart into a placed order and applies the
// resulting loyalty settlement to the user's balance.
package checkout

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cakebox/cakebox-api/internal/domain/ids"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/order"
	"github.com/cakebox/cakebox-api/internal/domain/user"
	"github.com/cakebox/cakebox-api/pkg/idempotency"
)

// DefaultSettleTimeout bounds the post-persist steps once they are detached
// from the caller's cancellation.
const DefaultSettleTimeout = 10 * time.Second

const (
	redeemNote = "Points redeemed at checkout"
	earnNote   = "Points earned from order"
)

var (
	// ErrIdempotencyConflict is returned when an idempotency key was already
	// used by a different user.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
	// ErrSettlementIncomplete is returned when a retried checkout finds its
	// order persisted but cannot finish the settlement.
	ErrSettlementIncomplete = errors.New("checkout settlement incomplete")
)

// StorageError reports a failed persistence call. Failures after the order is
// persisted leave the order in place without rollback.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Request holds the input for a checkout.
type Request struct {
	UserID         string
	Items          []order.CartItem
	RedeemPoints   int64
	IdempotencyKey string
}

// Summary is the settlement reported back to the caller.
type Summary struct {
	OrderID        string
	Total          decimal.Decimal
	PointsEarned   int64
	PointsRedeemed int64
	NewBalance     int64
	// Replayed is set when the summary belongs to an earlier request with the
	// same idempotency key.
	Replayed bool
}

// Service orchestrates pricing, settlement and persistence of a checkout.
type Service struct {
	products order.ProductFinder
	users    user.Repository
	orders   order.Repository
	ledger   loyalty.Repository

	guard         loyalty.Guard
	seen          *idempotency.Filter
	settleTimeout time.Duration
	now           func() time.Time

	tracer   trace.Tracer
	placed   metric.Int64Counter
	earned   metric.Int64Counter
	redeemed metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithGuard installs the balance serialization discipline.
func WithGuard(g loyalty.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithIdempotencyFilter lets the service skip key lookups for keys it has
// never seen.
func WithIdempotencyFilter(f *idempotency.Filter) Option {
	return func(s *Service) { s.seen = f }
}

// WithSettleTimeout overrides DefaultSettleTimeout.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Service) { s.settleTimeout = d }
}

// WithTracerProvider sets the tracer provider used for checkout spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer("github.com/cakebox/cakebox-api/checkout") }
}

// WithMeterProvider sets the meter provider used for checkout counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.initMetrics(mp) }
}

// NewService creates a checkout Service with the required collaborators.
func NewService(
	products order.ProductFinder,
	users user.Repository,
	orders order.Repository,
	ledger loyalty.Repository,
	opts ...Option,
) *Service {
	s := &Service{
		products:      products,
		users:         users,
		orders:        orders,
		ledger:        ledger,
		guard:         loyalty.NopGuard{},
		settleTimeout: DefaultSettleTimeout,
		now:           time.Now,
		tracer:        otel.GetTracerProvider().Tracer("github.com/cakebox/cakebox-api/checkout"),
	}
	s.initMetrics(otel.GetMeterProvider())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) initMetrics(mp metric.MeterProvider) {
	m := mp.Meter("github.com/cakebox/cakebox-api/checkout")
	s.placed = int64Counter(m, "cakebox.checkout.orders", "Orders placed at checkout")
	s.earned = int64Counter(m, "cakebox.loyalty.points_earned", "Loyalty points credited at checkout")
	s.redeemed = int64Counter(m, "cakebox.loyalty.points_redeemed", "Loyalty points debited at checkout")
}

func int64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil || c == nil {
		return noopmetric.Int64Counter{}
	}
	return c
}

// Checkout prices the cart, settles the redemption against the user's stored
// balance, persists the order, writes the new balance and appends ledger
// entries, in that order.
//
// Every validation failure is reported before the first write. Once the order
// is persisted the remaining steps run detached from ctx cancellation, bounded
// by the settle timeout, and a failure among them is not rolled back.
func (s *Service) Checkout(ctx context.Context, req Request) (_ *Summary, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.Int("cart.items", len(req.Items)),
			attribute.Int64("loyalty.redeem_requested", req.RedeemPoints),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if len(req.Items) == 0 {
		return nil, order.ErrEmptyItems
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &order.InvalidQuantityError{ProductID: item.ProductID}
		}
	}

	if req.IdempotencyKey != "" {
		summary, err := s.replay(ctx, req)
		if err != nil || summary != nil {
			return summary, err
		}
	}

	// 1. Price the cart.
	lines, subtotal, err := order.Price(ctx, req.Items, s.products)
	if err != nil {
		var pnf *order.ProductNotFoundError
		if errors.As(err, &pnf) || errors.Is(err, order.ErrEmptyItems) || errors.Is(err, ids.ErrInvalid) {
			return nil, err
		}
		return nil, &StorageError{Op: "price cart", Err: err}
	}

	unlock, err := s.guard.Lock(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "lock balance")
	}
	defer unlock()

	// A request with the same key may have finished while this one waited.
	if req.IdempotencyKey != "" && (s.seen == nil || s.seen.MayContain(req.IdempotencyKey)) {
		prior, err := s.findByKey(ctx, req)
		switch {
		case err == nil:
			return s.resumeLocked(ctx, prior)
		case !errors.Is(err, order.ErrNotFound):
			return nil, err
		}
	}

	// 2. Load the user.
	u, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) || errors.Is(err, ids.ErrInvalid) {
			return nil, err
		}
		return nil, &StorageError{Op: "get user", Err: err}
	}

	// 3. Settle against the stored balance.
	st, err := loyalty.Settle(u.Points, req.RedeemPoints, subtotal)
	if err != nil {
		return nil, err
	}

	// 4. Persist the order.
	o := &order.Order{
		UserID:         req.UserID,
		Lines:          lines,
		Subtotal:       subtotal.Round(2),
		Discount:       st.Discount,
		Total:          st.Total,
		PointsEarned:   st.PointsEarned,
		PointsRedeemed: st.PointsRedeemed,
		Status:         order.StatusPlaced,
		IdempotencyKey: req.IdempotencyKey,
		BalanceBefore:  u.Points,
		NewBalance:     st.NewBalance,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.orders.Create(ctx, o); err != nil {
		if errors.Is(err, order.ErrDuplicateKey) && req.IdempotencyKey != "" {
			// A concurrent or earlier request won; report its outcome. The
			// guard is already held.
			prior, err := s.findByKey(ctx, req)
			if err != nil {
				return nil, err
			}
			return s.resumeLocked(ctx, prior)
		}
		return nil, &StorageError{Op: "create order", Err: err}
	}
	if req.IdempotencyKey != "" && s.seen != nil {
		s.seen.Add(req.IdempotencyKey)
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	// 5-7. Apply the settlement.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settleTimeout)
	defer cancel()
	if err := s.applySettlement(settleCtx, o, st, true); err != nil {
		zctx.From(ctx).Error("Checkout settlement incomplete, order persisted",
			zap.String("order_id", o.ID),
			zap.String("user_id", req.UserID),
			zap.Int64("new_balance", st.NewBalance),
			zap.Error(err),
		)
		return nil, err
	}

	s.placed.Add(ctx, 1)
	s.earned.Add(ctx, st.PointsEarned)
	s.redeemed.Add(ctx, st.PointsRedeemed)
	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("user_id", req.UserID),
		zap.String("total", st.Total.StringFixed(2)),
		zap.Int64("points_earned", st.PointsEarned),
		zap.Int64("points_redeemed", st.PointsRedeemed),
	)

	return &Summary{
		OrderID:        o.ID,
		Total:          st.Total,
		PointsEarned:   st.PointsEarned,
		PointsRedeemed: st.PointsRedeemed,
		NewBalance:     st.NewBalance,
	}, nil
}

// applySettlement writes the new balance when writeBalance is set, appends
// the redeem and earn ledger entries linked to o and marks o settled. Entries
// already present for o are kept as they are.
func (s *Service) applySettlement(ctx context.Context, o *order.Order, st loyalty.Settlement, writeBalance bool) error {
	if writeBalance {
		if err := s.users.UpdateBalance(ctx, o.UserID, st.NewBalance); err != nil {
			return &StorageError{Op: "update balance", Err: err}
		}
	}
	if st.PointsRedeemed > 0 {
		if err := s.appendEntry(ctx, o, loyalty.TypeRedeem, -st.PointsRedeemed, redeemNote); err != nil {
			return &StorageError{Op: "append redeem transaction", Err: err}
		}
	}
	if st.PointsEarned > 0 {
		if err := s.appendEntry(ctx, o, loyalty.TypeEarn, st.PointsEarned, earnNote); err != nil {
			return &StorageError{Op: "append earn transaction", Err: err}
		}
	}
	if err := s.orders.MarkSettled(ctx, o.ID, st.NewBalance); err != nil {
		return &StorageError{Op: "mark order settled", Err: err}
	}
	return nil
}

func (s *Service) appendEntry(ctx context.Context, o *order.Order, typ loyalty.Type, points int64, note string) error {
	err := s.ledger.Append(ctx, &loyalty.Transaction{
		UserID:    o.UserID,
		OrderID:   o.ID,
		Type:      typ,
		Points:    points,
		Note:      note,
		CreatedAt: o.CreatedAt,
	})
	if errors.Is(err, loyalty.ErrDuplicateEntry) {
		return nil
	}
	return err
}

// replay returns the summary of an earlier order with the request's
// idempotency key, or nil when the key is unused. An order whose settlement
// never finished is completed first.
func (s *Service) replay(ctx context.Context, req Request) (*Summary, error) {
	if s.seen != nil && !s.seen.MayContain(req.IdempotencyKey) {
		return nil, nil
	}
	o, err := s.findByKey(ctx, req)
	if errors.Is(err, order.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if o.Settled {
		return s.replayed(ctx, o), nil
	}

	unlock, err := s.guard.Lock(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "lock balance")
	}
	defer unlock()

	// The request holding the guard may have settled it meanwhile.
	if o, err = s.findByKey(ctx, req); err != nil {
		return nil, err
	}
	return s.resumeLocked(ctx, o)
}

func (s *Service) findByKey(ctx context.Context, req Request) (*order.Order, error) {
	o, err := s.orders.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "find order by idempotency key", Err: err}
	}
	if o.UserID != req.UserID {
		return nil, ErrIdempotencyConflict
	}
	return o, nil
}

// resumeLocked finishes the settlement of o and reports it as a replay. The
// caller holds the guard for o.UserID.
//
// Ledger entries linked to o prove the balance write happened, since it
// precedes them. Without entries the write is taken as applied only when the
// stored balance already equals the recorded outcome. Otherwise the
// settlement delta is applied to the current balance so later adjustments are
// preserved.
func (s *Service) resumeLocked(ctx context.Context, o *order.Order) (*Summary, error) {
	if o.Settled {
		return s.replayed(ctx, o), nil
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settleTimeout)
	defer cancel()

	u, err := s.users.GetByID(settleCtx, o.UserID)
	if err != nil {
		return nil, &StorageError{Op: "get user", Err: err}
	}
	txs, err := s.ledger.ListByUser(settleCtx, o.UserID, 0)
	if err != nil {
		return nil, &StorageError{Op: "list transactions", Err: err}
	}
	linked := slices.ContainsFunc(txs, func(tx loyalty.Transaction) bool {
		return tx.OrderID == o.ID
	})

	st := loyalty.Settlement{
		PointsRedeemed: o.PointsRedeemed,
		PointsEarned:   o.PointsEarned,
		NewBalance:     u.Points,
	}
	writeBalance := !linked && u.Points != o.NewBalance
	if writeBalance {
		st.NewBalance = u.Points - o.PointsRedeemed + o.PointsEarned
		if st.NewBalance < 0 {
			zctx.From(ctx).Error("Cannot resume checkout settlement",
				zap.String("order_id", o.ID),
				zap.Int64("balance", u.Points),
				zap.Int64("points_redeemed", o.PointsRedeemed),
			)
			return nil, ErrSettlementIncomplete
		}
	}

	if err := s.applySettlement(settleCtx, o, st, writeBalance); err != nil {
		zctx.From(ctx).Error("Checkout settlement still incomplete",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return nil, err
	}
	zctx.From(ctx).Info("Checkout settlement resumed",
		zap.String("order_id", o.ID),
		zap.Bool("balance_written", writeBalance),
		zap.Int64("new_balance", st.NewBalance),
	)

	o.Settled = true
	o.NewBalance = st.NewBalance
	return s.replayed(ctx, o), nil
}

func (s *Service) replayed(ctx context.Context, o *order.Order) *Summary {
	zctx.From(ctx).Info("Replaying checkout",
		zap.String("order_id", o.ID),
		zap.String("idempotency_key", o.IdempotencyKey),
	)
	return &Summary{
		OrderID:        o.ID,
		Total:          o.Total,
		PointsEarned:   o.PointsEarned,
		PointsRedeemed: o.PointsRedeemed,
		NewBalance:     o.NewBalance,
		Replayed:       true,
	}
}
