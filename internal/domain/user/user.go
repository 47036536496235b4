package user

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a user id does not resolve.
	ErrNotFound = errors.New("user not found")
	// ErrEmailTaken is returned by Create when the email is already registered.
	ErrEmailTaken = errors.New("email already registered")
)

// User is a registered customer. Points is the single source of truth for the
// loyalty balance and never goes negative.
type User struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	Points    int64
	Active    bool
	CreatedAt time.Time
}

// Repository defines persistence operations for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// Create persists u and assigns its generated ID.
	Create(ctx context.Context, u *User) error
	// UpdateBalance overwrites the stored point balance.
	UpdateBalance(ctx context.Context, id string, points int64) error
}
