package user

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// ErrInvalidEmail is returned by Register for an empty email.
var ErrInvalidEmail = errors.New("email required")

// RegisterRequest holds the input for registering a customer.
type RegisterRequest struct {
	Name  string
	Email string
	Phone string
}

// Service encapsulates customer registration.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a user Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// Register returns the existing user when the email is already known, and
// otherwise creates an active user with an empty balance. The boolean result
// reports whether a new user was created.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, bool, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, false, ErrInvalidEmail
	}

	existing, err := s.repo.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, errors.Wrap(err, "find user by email")
	}

	u := &User{
		Name:      req.Name,
		Email:     email,
		Phone:     req.Phone,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			return nil, false, errors.Wrap(err, "create user")
		}
		// Lost a race with a concurrent registration for the same email.
		existing, err := s.repo.FindByEmail(ctx, email)
		if err != nil {
			return nil, false, errors.Wrap(err, "find user by email")
		}
		return existing, false, nil
	}
	return u, true, nil
}
