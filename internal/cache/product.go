// Package cache provides a Redis read-through cache in front of the catalog.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cakebox/cakebox-api/internal/domain/product"
)

// DefaultTTL is used when NewProducts is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

var _ product.Repository = (*Products)(nil)

type cachedVariant struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type cachedProduct struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Image       string          `json:"image,omitempty"`
	Tags        []string        `json:"tags"`
	InStock     bool            `json:"in_stock"`
	Variants    []cachedVariant `json:"variants,omitempty"`
}

// Products caches single-product lookups. Listings always go to the
// underlying repository. Redis failures degrade to uncached reads.
type Products struct {
	next   product.Repository
	client redis.Cmdable
	ttl    time.Duration
}

// NewProducts wraps next with a Redis cache.
func NewProducts(next product.Repository, client redis.Cmdable, ttl time.Duration) *Products {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Products{next: next, client: client, ttl: ttl}
}

// List implements product.Repository.
func (c *Products) List(ctx context.Context, f product.Filter) ([]product.Product, error) {
	return c.next.List(ctx, f)
}

// GetByID implements product.Repository.
func (c *Products) GetByID(ctx context.Context, id string) (*product.Product, error) {
	lg := zctx.From(ctx)
	key := cacheKey(id)

	p, err := c.get(ctx, key)
	switch {
	case err == nil:
		return p, nil
	case !errors.Is(err, redis.Nil):
		lg.Warn("Product cache read failed", zap.String("key", key), zap.Error(err))
	}

	p, err = c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.set(ctx, key, p); err != nil {
		lg.Warn("Product cache write failed", zap.String("key", key), zap.Error(err))
	}
	return p, nil
}

// Invalidate drops the cached entry for id.
func (c *Products) Invalidate(ctx context.Context, id string) error {
	return c.invalidate(ctx, cacheKey(id))
}

func (c *Products) invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (c *Products) get(ctx context.Context, key string) (*product.Product, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var cp cachedProduct
	if err := json.Unmarshal(data, &cp); err != nil {
		if delErr := c.invalidate(ctx, key); delErr != nil {
			zctx.From(ctx).Debug("Drop corrupt cache entry", zap.String("key", key), zap.Error(delErr))
		}
		return nil, errors.Wrap(err, "unmarshal product")
	}
	p := &product.Product{
		ID:          cp.ID,
		Title:       cp.Title,
		Description: cp.Description,
		Price:       cp.Price,
		Category:    cp.Category,
		Image:       cp.Image,
		Tags:        cp.Tags,
		InStock:     cp.InStock,
	}
	for _, v := range cp.Variants {
		p.Variants = append(p.Variants, product.Variant(v))
	}
	return p, nil
}

func (c *Products) set(ctx context.Context, key string, p *product.Product) error {
	cp := cachedProduct{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		Category:    p.Category,
		Image:       p.Image,
		Tags:        p.Tags,
		InStock:     p.InStock,
	}
	for _, v := range p.Variants {
		cp.Variants = append(cp.Variants, cachedVariant(v))
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "marshal product")
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func cacheKey(id string) string {
	return "product:" + id
}
