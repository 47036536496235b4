package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cakebox/cakebox-api/internal/domain/product"
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ product.Catalog    = (*ProductRepository)(nil)
)

const productColumns = `id::text, title, description, price, category, image, tags, in_stock, variants`

type variantRow struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// ProductRepository implements product.Repository and product.Catalog.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// List returns products matching f in insertion order.
func (r *ProductRepository) List(ctx context.Context, f product.Filter) ([]product.Product, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, "category = $"+strconv.Itoa(len(args)))
	}
	if f.Query != "" {
		args = append(args, "%"+escapeLike(f.Query)+"%")
		n := "$" + strconv.Itoa(len(args))
		where = append(where, "(title ILIKE "+n+" OR description ILIKE "+n+
			" OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE "+n+"))")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = product.DefaultLimit
	}
	args = append(args, limit)

	q := "SELECT " + productColumns + " FROM products"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()

	out := []product.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return out, nil
}

// GetByID returns a product by UUID.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	return &p, nil
}

// Count returns the number of catalog rows.
func (r *ProductRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM products").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count products")
	}
	return n, nil
}

// Insert stores products in one transaction and returns their ids in order.
func (r *ProductRepository) Insert(ctx context.Context, products []product.Product) (_ []string, rerr error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	out := make([]string, 0, len(products))
	for _, p := range products {
		variants := make([]variantRow, len(p.Variants))
		for i, v := range p.Variants {
			variants[i] = variantRow{Name: v.Name, Price: v.Price}
		}
		variantsJSON, err := json.Marshal(variants)
		if err != nil {
			return nil, errors.Wrap(err, "marshal variants")
		}
		tags := p.Tags
		if tags == nil {
			tags = []string{}
		}

		var id string
		err = tx.QueryRow(ctx, `
INSERT INTO products (title, description, price, category, image, tags, in_stock, variants)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id::text`,
			p.Title, p.Description, p.Price, p.Category, p.Image, tags, p.InStock, variantsJSON,
		).Scan(&id)
		if err != nil {
			return nil, errors.Wrapf(err, "insert product %q", p.Title)
		}
		out = append(out, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return out, nil
}

func scanProduct(row pgx.Row) (product.Product, error) {
	var (
		p            product.Product
		variantsJSON []byte
	)
	if err := row.Scan(
		&p.ID, &p.Title, &p.Description, &p.Price, &p.Category,
		&p.Image, &p.Tags, &p.InStock, &variantsJSON,
	); err != nil {
		return product.Product{}, err
	}

	var variants []variantRow
	if err := json.Unmarshal(variantsJSON, &variants); err != nil {
		return product.Product{}, errors.Wrap(err, "unmarshal variants")
	}
	for _, v := range variants {
		p.Variants = append(p.Variants, product.Variant{Name: v.Name, Price: v.Price})
	}
	return p, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
