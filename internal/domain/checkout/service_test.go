package checkout

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cakebox/cakebox-api/internal/domain/ids"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/order"
	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/domain/user"
	"github.com/cakebox/cakebox-api/internal/storage/memory"
	"github.com/cakebox/cakebox-api/pkg/idempotency"
)

// --- Helpers ---

type fixture struct {
	store *memory.Store
	cake  string
	user  string
}

func newFixture(t *testing.T, price string, points int64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	cake := uuid.NewString()
	store.Products().Put(product.Product{
		ID:       cake,
		Title:    "Chocolate Truffle",
		Price:    decimal.RequireFromString(price),
		Category: "cakes",
		InStock:  true,
	})

	u := &user.User{Name: "Ada", Email: "ada@example.com", Active: true}
	require.NoError(t, store.Users().Create(ctx, u))
	require.NoError(t, store.Users().UpdateBalance(ctx, u.ID, points))

	return &fixture{store: store, cake: cake, user: u.ID}
}

func (f *fixture) service(opts ...Option) *Service {
	return NewService(f.store.Products(), f.store.Users(), f.store.Orders(), f.store.Ledger(), opts...)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	u, err := f.store.Users().GetByID(context.Background(), f.user)
	require.NoError(t, err)
	return u.Points
}

func (f *fixture) ledger(t *testing.T) []loyalty.Transaction {
	t.Helper()
	txs, err := f.store.Ledger().ListByUser(context.Background(), f.user, 0)
	require.NoError(t, err)
	return txs
}

// cancelAfterCreate cancels the request context as soon as the order is
// stored.
type cancelAfterCreate struct {
	*memory.OrderRepository
	cancel context.CancelFunc
}

func (c *cancelAfterCreate) Create(ctx context.Context, o *order.Order) error {
	err := c.OrderRepository.Create(ctx, o)
	c.cancel()
	return err
}

// ctxAwareUsers fails balance writes on a done context.
type ctxAwareUsers struct {
	*memory.UserRepository
}

func (u ctxAwareUsers) UpdateBalance(ctx context.Context, id string, points int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.UserRepository.UpdateBalance(ctx, id, points)
}

// gatedUsers holds the first balance write until release is closed.
type gatedUsers struct {
	*memory.UserRepository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedUsers(repo *memory.UserRepository) *gatedUsers {
	return &gatedUsers{UserRepository: repo, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedUsers) UpdateBalance(ctx context.Context, id string, points int64) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.UserRepository.UpdateBalance(ctx, id, points)
}

// --- Tests ---

func TestService_Checkout(t *testing.T) {
	f := newFixture(t, "24.99", 150)
	svc := f.service()

	summary, err := svc.Checkout(context.Background(), Request{
		UserID:       f.user,
		Items:        []order.CartItem{{ProductID: f.cake, Quantity: 2}},
		RedeemPoints: 120,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, summary.OrderID)
	assert.Equal(t, "44.98", summary.Total.StringFixed(2))
	assert.Equal(t, int64(49), summary.PointsEarned)
	assert.Equal(t, int64(100), summary.PointsRedeemed)
	assert.Equal(t, int64(99), summary.NewBalance)
	assert.False(t, summary.Replayed)
	assert.Equal(t, int64(99), f.balance(t))

	o, ok := f.store.Orders().Get(summary.OrderID)
	require.True(t, ok)
	assert.Equal(t, order.StatusPlaced, o.Status)
	assert.Equal(t, "49.98", o.Subtotal.StringFixed(2))
	assert.Equal(t, "5.00", o.Discount.StringFixed(2))
	require.Len(t, o.Lines, 1)
	assert.Equal(t, "Chocolate Truffle", o.Lines[0].Title)

	txs := f.ledger(t)
	require.Len(t, txs, 2)
	assert.Equal(t, loyalty.TypeRedeem, txs[0].Type)
	assert.Equal(t, int64(-100), txs[0].Points)
	assert.Equal(t, summary.OrderID, txs[0].OrderID)
	assert.Equal(t, loyalty.TypeEarn, txs[1].Type)
	assert.Equal(t, int64(49), txs[1].Points)
	assert.Equal(t, summary.OrderID, txs[1].OrderID)
}

func TestService_Checkout_NoRedemption(t *testing.T) {
	f := newFixture(t, "24.99", 150)

	summary, err := f.service().Checkout(context.Background(), Request{
		UserID: f.user,
		Items:  []order.CartItem{{ProductID: f.cake, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "24.99", summary.Total.StringFixed(2))
	assert.Zero(t, summary.PointsRedeemed)
	assert.Equal(t, int64(174), summary.NewBalance)

	txs := f.ledger(t)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TypeEarn, txs[0].Type)
}

func TestService_Checkout_NothingEarned(t *testing.T) {
	f := newFixture(t, "0.50", 0)

	summary, err := f.service().Checkout(context.Background(), Request{
		UserID: f.user,
		Items:  []order.CartItem{{ProductID: f.cake, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Zero(t, summary.PointsEarned)
	assert.Empty(t, f.ledger(t))
	assert.Equal(t, 1, f.store.OrderCount())
}

func TestService_Checkout_RejectsBeforeWrites(t *testing.T) {
	tests := []struct {
		name    string
		request func(f *fixture) Request
		check   func(t *testing.T, err error)
	}{
		{
			name: "EmptyCart",
			request: func(f *fixture) Request {
				return Request{UserID: f.user}
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, order.ErrEmptyItems)
			},
		},
		{
			name: "NonPositiveQuantity",
			request: func(f *fixture) Request {
				return Request{UserID: f.user, Items: []order.CartItem{{ProductID: f.cake, Quantity: 0}}}
			},
			check: func(t *testing.T, err error) {
				var qe *order.InvalidQuantityError
				require.ErrorAs(t, err, &qe)
			},
		},
		{
			name: "UnknownProduct",
			request: func(f *fixture) Request {
				return Request{UserID: f.user, Items: []order.CartItem{
					{ProductID: f.cake, Quantity: 1},
					{ProductID: uuid.NewString(), Quantity: 1},
				}}
			},
			check: func(t *testing.T, err error) {
				var pnf *order.ProductNotFoundError
				require.ErrorAs(t, err, &pnf)
			},
		},
		{
			name: "MalformedProductID",
			request: func(f *fixture) Request {
				return Request{UserID: f.user, Items: []order.CartItem{{ProductID: "cake-1", Quantity: 1}}}
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ids.ErrInvalid)
			},
		},
		{
			name: "UnknownUser",
			request: func(f *fixture) Request {
				return Request{UserID: uuid.NewString(), Items: []order.CartItem{{ProductID: f.cake, Quantity: 1}}}
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, user.ErrNotFound)
			},
		},
		{
			name: "MalformedUserID",
			request: func(f *fixture) Request {
				return Request{UserID: "ada", Items: []order.CartItem{{ProductID: f.cake, Quantity: 1}}}
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ids.ErrInvalid)
			},
		},
		{
			name: "InsufficientPoints",
			request: func(f *fixture) Request {
				return Request{
					UserID:       f.user,
					Items:        []order.CartItem{{ProductID: f.cake, Quantity: 1}},
					RedeemPoints: 151,
				}
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "24.99", 150)
			writes := f.store.Writes()

			summary, err := f.service().Checkout(context.Background(), tt.request(f))
			tt.check(t, err)
			assert.Nil(t, summary)

			assert.Equal(t, writes, f.store.Writes())
			assert.Zero(t, f.store.OrderCount())
			assert.Zero(t, f.store.TransactionCount())
			assert.Equal(t, int64(150), f.balance(t))
		})
	}
}

func TestService_Checkout_StorageFailure(t *testing.T) {
	t.Run("BeforeOrder", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		f.store.FailOn(memory.OpCreateOrder, errors.New("primary stepped down"))

		_, err := f.service().Checkout(context.Background(), Request{
			UserID: f.user,
			Items:  []order.CartItem{{ProductID: f.cake, Quantity: 1}},
		})
		var se *StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "create order", se.Op)
		assert.Equal(t, int64(150), f.balance(t))
	})

	t.Run("AfterOrder", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		f.store.FailOn(memory.OpUpdateBalance, errors.New("write timeout"))

		_, err := f.service().Checkout(context.Background(), Request{
			UserID:       f.user,
			Items:        []order.CartItem{{ProductID: f.cake, Quantity: 2}},
			RedeemPoints: 100,
		})
		var se *StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "update balance", se.Op)

		// The order stays persisted and nothing is rolled back.
		assert.Equal(t, 1, f.store.OrderCount())
		assert.Zero(t, f.store.TransactionCount())
		assert.Equal(t, int64(150), f.balance(t))
	})

	t.Run("LedgerAppend", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		f.store.FailOn(memory.OpAppend, errors.New("write timeout"))

		_, err := f.service().Checkout(context.Background(), Request{
			UserID:       f.user,
			Items:        []order.CartItem{{ProductID: f.cake, Quantity: 2}},
			RedeemPoints: 100,
		})
		var se *StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "append redeem transaction", se.Op)
		assert.Equal(t, int64(99), f.balance(t))
	})
}

func TestService_Checkout_ReplayMatchesBalance(t *testing.T) {
	f := newFixture(t, "24.99", 0)
	svc := f.service()
	ctx := context.Background()

	for _, req := range []Request{
		{Items: []order.CartItem{{ProductID: f.cake, Quantity: 3}}},
		{Items: []order.CartItem{{ProductID: f.cake, Quantity: 2}}},
		{Items: []order.CartItem{{ProductID: f.cake, Quantity: 1}}, RedeemPoints: 100},
		{Items: []order.CartItem{{ProductID: f.cake, Quantity: 1}}, RedeemPoints: 40},
	} {
		req.UserID = f.user
		_, err := svc.Checkout(ctx, req)
		require.NoError(t, err)
	}

	balance := f.balance(t)
	assert.Equal(t, int64(74+49+24-100+24), balance)
	assert.Equal(t, balance, loyalty.Replay(f.ledger(t)))
}

func TestService_Checkout_CancelAfterPersist(t *testing.T) {
	f := newFixture(t, "24.99", 150)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(
		f.store.Products(),
		ctxAwareUsers{f.store.Users()},
		&cancelAfterCreate{OrderRepository: f.store.Orders(), cancel: cancel},
		f.store.Ledger(),
	)
	summary, err := svc.Checkout(ctx, Request{
		UserID:       f.user,
		Items:        []order.CartItem{{ProductID: f.cake, Quantity: 2}},
		RedeemPoints: 120,
	})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, int64(99), summary.NewBalance)
	assert.Equal(t, int64(99), f.balance(t))
	assert.Len(t, f.ledger(t), 2)
}

func TestService_Checkout_Idempotent(t *testing.T) {
	req := func(f *fixture) Request {
		return Request{
			UserID:         f.user,
			Items:          []order.CartItem{{ProductID: f.cake, Quantity: 2}},
			RedeemPoints:   120,
			IdempotencyKey: "7b1f2c44",
		}
	}

	t.Run("Replay", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		svc := f.service(WithIdempotencyFilter(idempotency.NewFilter(1000, 0.01)))

		first, err := svc.Checkout(context.Background(), req(f))
		require.NoError(t, err)
		second, err := svc.Checkout(context.Background(), req(f))
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.OrderID, second.OrderID)
		assert.True(t, first.Total.Equal(second.Total))
		assert.Equal(t, first.PointsEarned, second.PointsEarned)
		assert.Equal(t, first.PointsRedeemed, second.PointsRedeemed)
		assert.Equal(t, first.NewBalance, second.NewBalance)
		assert.Equal(t, 1, f.store.OrderCount())
		assert.Equal(t, 2, f.store.TransactionCount())
		assert.Equal(t, int64(99), f.balance(t))
	})

	t.Run("FreshFilter", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)

		first, err := f.service().Checkout(context.Background(), req(f))
		require.NoError(t, err)

		// A restarted process has an empty filter and relies on the unique key.
		restarted := f.service(WithIdempotencyFilter(idempotency.NewFilter(1000, 0.01)))
		second, err := restarted.Checkout(context.Background(), req(f))
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.OrderID, second.OrderID)
		assert.Equal(t, 1, f.store.OrderCount())
		assert.Equal(t, int64(99), f.balance(t))
	})

	t.Run("OtherUser", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		svc := f.service()

		_, err := svc.Checkout(context.Background(), req(f))
		require.NoError(t, err)

		other := &user.User{Email: "grace@example.com", Active: true}
		require.NoError(t, f.store.Users().Create(context.Background(), other))
		r := req(f)
		r.UserID = other.ID
		r.RedeemPoints = 0

		_, err = svc.Checkout(context.Background(), r)
		require.ErrorIs(t, err, ErrIdempotencyConflict)
		assert.Equal(t, 1, f.store.OrderCount())
	})
}

func TestService_Checkout_RetryAfterPartialSettlement(t *testing.T) {
	req := func(f *fixture) Request {
		return Request{
			UserID:         f.user,
			Items:          []order.CartItem{{ProductID: f.cake, Quantity: 2}},
			RedeemPoints:   120,
			IdempotencyKey: "k1",
		}
	}

	for _, tt := range []struct {
		name string
		op   string
		// wantOp is the step reported by the failed attempt.
		wantOp string
	}{
		{name: "BalanceWrite", op: memory.OpUpdateBalance, wantOp: "update balance"},
		{name: "LedgerAppend", op: memory.OpAppend, wantOp: "append redeem transaction"},
		{name: "MarkSettled", op: memory.OpMarkSettled, wantOp: "mark order settled"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "24.99", 150)
			svc := f.service(
				WithGuard(loyalty.NewKeyedMutex()),
				WithIdempotencyFilter(idempotency.NewFilter(1000, 0.01)),
			)
			ctx := context.Background()

			f.store.FailOn(tt.op, errors.New("write timeout"))
			_, err := svc.Checkout(ctx, req(f))
			var se *StorageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantOp, se.Op)
			require.Equal(t, 1, f.store.OrderCount())

			// While the store keeps failing the retry must not report success.
			summary, err := svc.Checkout(ctx, req(f))
			require.ErrorAs(t, err, &se)
			assert.Nil(t, summary)

			f.store.FailOn(tt.op, nil)
			summary, err = svc.Checkout(ctx, req(f))
			require.NoError(t, err)
			assert.True(t, summary.Replayed)
			assert.Equal(t, int64(100), summary.PointsRedeemed)
			assert.Equal(t, int64(49), summary.PointsEarned)
			assert.Equal(t, int64(99), summary.NewBalance)

			assert.Equal(t, int64(99), f.balance(t))
			txs := f.ledger(t)
			require.Len(t, txs, 2)
			assert.Equal(t, int64(-51), loyalty.Replay(txs))
			assert.Equal(t, 1, f.store.OrderCount())

			o, ok := f.store.Orders().Get(summary.OrderID)
			require.True(t, ok)
			assert.True(t, o.Settled)

			again, err := svc.Checkout(ctx, req(f))
			require.NoError(t, err)
			assert.Equal(t, summary.NewBalance, again.NewBalance)
			assert.Len(t, f.ledger(t), 2)
		})
	}

	t.Run("KeepsLaterAdjustment", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		svc := f.service()
		ctx := context.Background()

		f.store.FailOn(memory.OpUpdateBalance, errors.New("write timeout"))
		_, err := svc.Checkout(ctx, req(f))
		require.Error(t, err)
		f.store.FailOn(memory.OpUpdateBalance, nil)

		adjust := loyalty.NewService(f.store.Users(), f.store.Ledger(), loyalty.NopGuard{})
		_, _, err = adjust.Adjust(ctx, f.user, 30, "goodwill")
		require.NoError(t, err)
		require.Equal(t, int64(180), f.balance(t))

		summary, err := svc.Checkout(ctx, req(f))
		require.NoError(t, err)
		assert.Equal(t, int64(129), summary.NewBalance)
		assert.Equal(t, int64(129), f.balance(t))
	})

	t.Run("BalanceGone", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		svc := f.service()
		ctx := context.Background()

		f.store.FailOn(memory.OpUpdateBalance, errors.New("write timeout"))
		_, err := svc.Checkout(ctx, req(f))
		require.Error(t, err)
		f.store.FailOn(memory.OpUpdateBalance, nil)
		require.NoError(t, f.store.Users().UpdateBalance(ctx, f.user, 20))

		summary, err := svc.Checkout(ctx, req(f))
		require.ErrorIs(t, err, ErrSettlementIncomplete)
		assert.Nil(t, summary)
		assert.Equal(t, int64(20), f.balance(t))
		assert.Empty(t, f.ledger(t))
	})
}

func TestService_Checkout_DuplicateKeyRace(t *testing.T) {
	req := func(f *fixture) Request {
		return Request{
			UserID:         f.user,
			Items:          []order.CartItem{{ProductID: f.cake, Quantity: 2}},
			RedeemPoints:   120,
			IdempotencyKey: "k1",
		}
	}

	t.Run("LoserDuringSettlement", func(t *testing.T) {
		f := newFixture(t, "24.99", 150)
		users := newGatedUsers(f.store.Users())
		svc := NewService(f.store.Products(), users, f.store.Orders(), f.store.Ledger())
		ctx := context.Background()

		type result struct {
			summary *Summary
			err     error
		}
		done := make(chan result, 1)
		go func() {
			summary, err := svc.Checkout(ctx, req(f))
			done <- result{summary, err}
		}()

		// The winner has persisted its order and waits inside the balance write.
		<-users.entered
		loser, err := svc.Checkout(ctx, req(f))
		require.NoError(t, err)
		assert.True(t, loser.Replayed)
		assert.Equal(t, int64(99), loser.NewBalance)

		close(users.release)
		winner := <-done
		require.NoError(t, winner.err)
		assert.False(t, winner.summary.Replayed)
		assert.Equal(t, loser.OrderID, winner.summary.OrderID)
		assert.Equal(t, int64(99), winner.summary.NewBalance)

		assert.Equal(t, int64(99), f.balance(t))
		assert.Len(t, f.ledger(t), 2)
		assert.Equal(t, 1, f.store.OrderCount())
	})

	t.Run("Serialized", func(t *testing.T) {
		const n = 8
		f := newFixture(t, "24.99", 150)
		svc := f.service(WithGuard(loyalty.NewKeyedMutex()))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fresh int
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				summary, err := svc.Checkout(context.Background(), req(f))
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, int64(99), summary.NewBalance)
				if !summary.Replayed {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, fresh)
		assert.Equal(t, int64(99), f.balance(t))
		assert.Len(t, f.ledger(t), 2)
		assert.Equal(t, 1, f.store.OrderCount())
	})
}

func TestService_Checkout_ConcurrentSameUser(t *testing.T) {
	const n = 10
	f := newFixture(t, "10.00", 1000)
	svc := f.service(WithGuard(loyalty.NewKeyedMutex()))

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), Request{
				UserID:       f.user,
				Items:        []order.CartItem{{ProductID: f.cake, Quantity: 1}},
				RedeemPoints: 100,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance := f.balance(t)
	assert.Equal(t, int64(1000-n*100+n*10), balance)
	assert.Equal(t, n, f.store.OrderCount())
	assert.Equal(t, balance-1000, loyalty.Replay(f.ledger(t)))
}
