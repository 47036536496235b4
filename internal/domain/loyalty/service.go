package loyalty

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cakebox/cakebox-api/internal/domain/user"
)

// HistoryLimit caps the number of ledger entries returned by History.
const HistoryLimit = 100

// ErrZeroAdjustment is returned by Adjust for a zero delta.
var ErrZeroAdjustment = errors.New("adjustment must be non-zero")

// Accounts reads and writes user balances.
type Accounts interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	UpdateBalance(ctx context.Context, id string, points int64) error
}

// History is a user's balance together with their ledger entries.
type History struct {
	Points       int64
	Transactions []Transaction
}

// Service exposes ledger reads and manual adjustments.
type Service struct {
	accounts Accounts
	ledger   Repository
	guard    Guard
	now      func() time.Time
}

// NewService creates a loyalty Service. A nil guard means NopGuard.
func NewService(accounts Accounts, ledger Repository, guard Guard) *Service {
	if guard == nil {
		guard = NopGuard{}
	}
	return &Service{
		accounts: accounts,
		ledger:   ledger,
		guard:    guard,
		now:      time.Now,
	}
}

// History returns the user's stored balance and up to HistoryLimit ledger
// entries in insertion order.
func (s *Service) History(ctx context.Context, userID string) (*History, error) {
	var (
		u   *user.User
		txs []Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		u, err = s.accounts.GetByID(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		txs, err = s.ledger.ListByUser(gctx, userID, HistoryLimit)
		if err != nil {
			return errors.Wrap(err, "list transactions")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return &History{Points: u.Points, Transactions: txs}, nil
}

// Adjust moves the balance of userID by delta and appends an adjust entry.
// It fails with ErrInsufficientPoints when the balance would go negative.
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, note string) (*Transaction, int64, error) {
	if delta == 0 {
		return nil, 0, ErrZeroAdjustment
	}

	unlock, err := s.guard.Lock(ctx, userID)
	if err != nil {
		return nil, 0, errors.Wrap(err, "lock balance")
	}
	defer unlock()

	u, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	balance := u.Points + delta
	if balance < 0 {
		return nil, 0, ErrInsufficientPoints
	}

	if err := s.accounts.UpdateBalance(ctx, userID, balance); err != nil {
		return nil, 0, errors.Wrap(err, "update balance")
	}
	tx := &Transaction{
		UserID:    userID,
		Type:      TypeAdjust,
		Points:    delta,
		Note:      note,
		CreatedAt: s.now().UTC(),
	}
	if err := s.ledger.Append(ctx, tx); err != nil {
		return nil, 0, errors.Wrap(err, "append transaction")
	}
	return tx, balance, nil
}
