package user

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	byEmail   map[string]*User
	createErr error
	// raceWith is registered by the first FindByEmail miss to simulate a
	// concurrent registration.
	raceWith *User
	created  []*User
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*User, error) {
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		if m.raceWith != nil {
			m.byEmail[m.raceWith.Email] = m.raceWith
			m.raceWith = nil
		}
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *mockRepo) Create(_ context.Context, u *User) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.byEmail[u.Email]; ok {
		return ErrEmailTaken
	}
	u.ID = "new-id"
	m.byEmail[u.Email] = u
	m.created = append(m.created, u)
	return nil
}

func (m *mockRepo) UpdateBalance(context.Context, string, int64) error { return nil }

func newRepo(users ...*User) *mockRepo {
	m := &mockRepo{byEmail: make(map[string]*User)}
	for _, u := range users {
		m.byEmail[u.Email] = u
	}
	return m
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreatesActiveUser", func(t *testing.T) {
		repo := newRepo()
		svc := NewService(repo)
		svc.now = func() time.Time { return now }

		u, created, err := svc.Register(ctx, RegisterRequest{
			Name:  "Ada",
			Email: "  ada@example.com ",
			Phone: "+1-555-0100",
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "new-id", u.ID)
		assert.Equal(t, "ada@example.com", u.Email)
		assert.True(t, u.Active)
		assert.Zero(t, u.Points)
		assert.Equal(t, now, u.CreatedAt)
	})

	t.Run("ReturnsExisting", func(t *testing.T) {
		existing := &User{ID: "u1", Email: "ada@example.com", Points: 150, Active: true}
		repo := newRepo(existing)
		svc := NewService(repo)

		u, created, err := svc.Register(ctx, RegisterRequest{Name: "Someone Else", Email: "ada@example.com"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "u1", u.ID)
		assert.Equal(t, int64(150), u.Points)
		assert.Empty(t, repo.created)
	})

	t.Run("ConcurrentRegistration", func(t *testing.T) {
		repo := newRepo()
		repo.raceWith = &User{ID: "winner", Email: "ada@example.com"}
		svc := NewService(repo)

		u, created, err := svc.Register(ctx, RegisterRequest{Email: "ada@example.com"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "winner", u.ID)
	})

	t.Run("EmptyEmail", func(t *testing.T) {
		svc := NewService(newRepo())

		_, _, err := svc.Register(ctx, RegisterRequest{Email: "   "})
		require.ErrorIs(t, err, ErrInvalidEmail)
	})

	t.Run("StorageFailure", func(t *testing.T) {
		repo := newRepo()
		repo.createErr = errors.New("disk full")
		svc := NewService(repo)

		_, _, err := svc.Register(ctx, RegisterRequest{Email: "ada@example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create user")
	})
}

func TestService_Get(t *testing.T) {
	svc := NewService(newRepo(&User{ID: "u1", Email: "ada@example.com"}))

	u, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)

	_, err = svc.Get(context.Background(), "u2")
	require.ErrorIs(t, err, ErrNotFound)
}
