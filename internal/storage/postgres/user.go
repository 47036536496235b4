package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cakebox/cakebox-api/internal/domain/user"
)

var _ user.Repository = (*UserRepository)(nil)

const userColumns = `id::text, name, email, phone, points, active, created_at`

// UserRepository implements user.Repository.
type UserRepository struct {
	pool *pgxpool.Pool
}

// GetByID returns a user by UUID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return r.get(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

// FindByEmail returns the user registered with email.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.get(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
}

func (r *UserRepository) get(ctx context.Context, q string, arg string) (*user.User, error) {
	var u user.User
	err := r.pool.QueryRow(ctx, q, arg).Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &u.Points, &u.Active, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

// Create inserts u and assigns its id.
func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	err := r.pool.QueryRow(ctx, `
INSERT INTO users (name, email, phone, points, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
RETURNING id::text`,
		u.Name, u.Email, u.Phone, u.Points, u.Active, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return user.ErrEmailTaken
		}
		return errors.Wrap(err, "insert user")
	}
	return nil
}

// UpdateBalance overwrites the stored balance.
func (r *UserRepository) UpdateBalance(ctx context.Context, id string, points int64) error {
	if err := checkID(id); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		"UPDATE users SET points = $2, updated_at = now() WHERE id = $1", id, points)
	if err != nil {
		return errors.Wrap(err, "update balance")
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}
