package mongo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cakebox/cakebox-api/internal/domain/user"
)

var _ user.Repository = (*UserRepository)(nil)

type userDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	Email     string             `bson:"email"`
	Phone     string             `bson:"phone,omitempty"`
	Points    int64              `bson:"loyalty_points"`
	Active    bool               `bson:"is_active"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

func (d userDoc) toDomain() *user.User {
	return &user.User{
		ID:        d.ID.Hex(),
		Name:      d.Name,
		Email:     d.Email,
		Phone:     d.Phone,
		Points:    d.Points,
		Active:    d.Active,
		CreatedAt: d.CreatedAt,
	}
}

// UserRepository implements user.Repository.
type UserRepository struct {
	col *mongo.Collection
}

// GetByID returns a user by hex ObjectID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

// FindByEmail returns the user registered with email.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*user.User, error) {
	var d userDoc
	if err := r.col.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, user.ErrNotFound
		}
		return nil, errors.Wrap(err, "find user")
	}
	return d.toDomain(), nil
}

// Create inserts u and assigns its id.
func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	d := userDoc{
		Name:      u.Name,
		Email:     u.Email,
		Phone:     u.Phone,
		Points:    u.Points,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.CreatedAt,
	}
	res, err := r.col.InsertOne(ctx, d)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return user.ErrEmailTaken
		}
		return errors.Wrap(err, "insert user")
	}
	u.ID = insertedHex(res.InsertedID)
	return nil
}

// UpdateBalance overwrites the stored balance.
func (r *UserRepository) UpdateBalance(ctx context.Context, id string, points int64) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set": bson.M{
			"loyalty_points": points,
			"updated_at":     time.Now().UTC(),
		},
	})
	if err != nil {
		return errors.Wrap(err, "update balance")
	}
	if res.MatchedCount == 0 {
		return user.ErrNotFound
	}
	return nil
}
