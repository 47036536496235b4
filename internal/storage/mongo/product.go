package mongo

import (
	"context"
	"regexp"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cakebox/cakebox-api/internal/domain/product"
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ product.Catalog    = (*ProductRepository)(nil)
)

type productDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Title       string             `bson:"title"`
	Description string             `bson:"description,omitempty"`
	Price       float64            `bson:"price"`
	Category    string             `bson:"category"`
	Image       string             `bson:"image,omitempty"`
	Tags        []string           `bson:"tags"`
	InStock     *bool              `bson:"in_stock,omitempty"`
	Variants    []variantDoc       `bson:"variants,omitempty"`
}

type variantDoc struct {
	Name  string  `bson:"name"`
	Price float64 `bson:"price"`
}

func (d productDoc) toDomain() product.Product {
	p := product.Product{
		ID:          d.ID.Hex(),
		Title:       d.Title,
		Description: d.Description,
		Price:       decimal.NewFromFloat(d.Price),
		Category:    d.Category,
		Image:       d.Image,
		Tags:        d.Tags,
		// Documents seeded without the flag are in stock.
		InStock: d.InStock == nil || *d.InStock,
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	for _, v := range d.Variants {
		p.Variants = append(p.Variants, product.Variant{
			Name:  v.Name,
			Price: decimal.NewFromFloat(v.Price),
		})
	}
	return p
}

func productFromDomain(p product.Product) productDoc {
	inStock := p.InStock
	d := productDoc{
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price.InexactFloat64(),
		Category:    p.Category,
		Image:       p.Image,
		Tags:        p.Tags,
		InStock:     &inStock,
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	for _, v := range p.Variants {
		d.Variants = append(d.Variants, variantDoc{Name: v.Name, Price: v.Price.InexactFloat64()})
	}
	return d
}

// ProductRepository implements product.Repository and product.Catalog.
type ProductRepository struct {
	col *mongo.Collection
}

// List returns products matching f in natural order.
func (r *ProductRepository) List(ctx context.Context, f product.Filter) ([]product.Product, error) {
	filter := bson.M{}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.Query != "" {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(f.Query), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"title": re},
			bson.M{"description": re},
			bson.M{"tags": re},
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = product.DefaultLimit
	}

	cur, err := r.col.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "find products")
	}
	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}

	out := make([]product.Product, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

// GetByID returns a product by its hex ObjectID.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var d productDoc
	if err := r.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrap(err, "find product")
	}
	p := d.toDomain()
	return &p, nil
}

// Count returns the number of catalog documents.
func (r *ProductRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.col.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, errors.Wrap(err, "count products")
	}
	return n, nil
}

// Insert stores products and returns their new ids in order.
func (r *ProductRepository) Insert(ctx context.Context, products []product.Product) ([]string, error) {
	if len(products) == 0 {
		return nil, nil
	}
	docs := make([]any, len(products))
	for i, p := range products {
		docs[i] = productFromDomain(p)
	}
	res, err := r.col.InsertMany(ctx, docs)
	if err != nil {
		return nil, errors.Wrap(err, "insert products")
	}
	out := make([]string, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		out[i] = insertedHex(id)
	}
	return out, nil
}
