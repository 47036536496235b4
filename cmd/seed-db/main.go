// Command seed-db inserts the sample catalog into an empty product store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cakebox/cakebox-api/db"
	appkg "github.com/cakebox/cakebox-api/internal/app"
	"github.com/cakebox/cakebox-api/internal/domain/product"
)

type variantJSON struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type productJSON struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Image       string          `json:"image"`
	Tags        []string        `json:"tags"`
	InStock     *bool           `json:"in_stock"`
	Variants    []variantJSON   `json:"variants"`
}

func main() {
	var (
		storage      appkg.StorageConfig
		productsFile string
	)
	flag.StringVar(&storage.Driver, "driver", envOr("CAKEBOX_STORAGE_DRIVER", appkg.DriverMongo), "storage driver: mongo or postgres")
	flag.StringVar(&storage.URL, "database-url", "", "connection URL (or CAKEBOX_STORAGE_URL, DATABASE_URL env)")
	flag.StringVar(&storage.Database, "database", envOr("DATABASE_NAME", "cakebox"), "MongoDB database name")
	flag.StringVar(&productsFile, "products-file", "", "products JSON file, optionally gzip-compressed (.gz); embedded catalog when empty")
	flag.Parse()

	if storage.URL == "" {
		storage.URL = envOr("CAKEBOX_STORAGE_URL", os.Getenv("DATABASE_URL"))
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		cfg := appkg.Config{Storage: storage}
		if err := cfg.Validate(); err != nil {
			return err
		}

		lg.Info("Connecting to storage", zap.String("driver", storage.Driver))
		st, err := appkg.OpenStorage(ctx, storage)
		if err != nil {
			return errors.Wrap(err, "open storage")
		}
		defer func() { _ = st.Close(context.Background()) }()

		inserted, err := seed(ctx, st.Products, productsFile)
		if err != nil {
			return err
		}
		if inserted == 0 {
			lg.Info("Products already exist, nothing inserted")
			return nil
		}
		lg.Info("Seed completed", zap.Int("inserted", inserted))
		return nil
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// seed inserts the catalog read from path only when the store holds no
// products and reports how many were inserted.
func seed(ctx context.Context, catalog product.Catalog, path string) (int, error) {
	var (
		count    int64
		products []product.Product
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if count, err = catalog.Count(gctx); err != nil {
			return errors.Wrap(err, "count products")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		products, err = loadCatalog(path)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	ids, err := catalog.Insert(ctx, products)
	if err != nil {
		return 0, errors.Wrap(err, "insert products")
	}
	return len(ids), nil
}

// loadCatalog reads the products file, or the embedded catalog for an empty
// path.
func loadCatalog(path string) ([]product.Product, error) {
	if path == "" {
		return parseCatalog(bytes.NewReader(db.SeedProducts))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	products, err := parseCatalog(r)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return products, nil
}

func parseCatalog(r io.Reader) ([]product.Product, error) {
	var raw []productJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}

	products := make([]product.Product, 0, len(raw))
	for i, p := range raw {
		if p.Title == "" {
			return nil, errors.Errorf("product %d: title required", i)
		}
		if p.Price.IsNegative() {
			return nil, errors.Errorf("product %q: negative price", p.Title)
		}
		inStock := true
		if p.InStock != nil {
			inStock = *p.InStock
		}
		variants := make([]product.Variant, len(p.Variants))
		for j, v := range p.Variants {
			variants[j] = product.Variant{Name: v.Name, Price: v.Price}
		}
		products = append(products, product.Product{
			Title:       p.Title,
			Description: p.Description,
			Price:       p.Price,
			Category:    p.Category,
			Image:       p.Image,
			Tags:        p.Tags,
			InStock:     inStock,
			Variants:    variants,
		})
	}
	return products, nil
}
