package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/storage/memory"
)

func TestLoadCatalog_Embedded(t *testing.T) {
	products, err := loadCatalog("")
	require.NoError(t, err)
	require.Len(t, products, 4)

	assert.Equal(t, "Classic Vanilla Cake", products[0].Title)
	assert.True(t, products[0].Price.Equal(decimal.RequireFromString("24.99")))
	assert.True(t, products[0].InStock)
	assert.Equal(t, "Cupcakes", products[3].Category)
	assert.Equal(t, []string{"red velvet", "cupcakes"}, products[3].Tags)
}

func TestLoadCatalog_Gzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(`[{"title":"Lemon Tart","price":"8.25","category":"Tarts","in_stock":false,
		"variants":[{"name":"mini","price":"4.10"}]}]`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	products, err := loadCatalog(path)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.False(t, products[0].InStock)
	require.Len(t, products[0].Variants, 1)
	assert.True(t, products[0].Variants[0].Price.Equal(decimal.RequireFromString("4.10")))
}

func TestParseCatalog_Invalid(t *testing.T) {
	for _, body := range []string{
		`{"title":"not an array"}`,
		`[{"price":"1.00"}]`,
		`[{"title":"Refund Cake","price":"-1"}]`,
	} {
		_, err := parseCatalog(strings.NewReader(body))
		assert.Error(t, err, body)
	}
}

func TestSeed_OnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	inserted, err := seed(ctx, store.Products(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, inserted)

	inserted, err = seed(ctx, store.Products(), "")
	require.NoError(t, err)
	assert.Zero(t, inserted)

	all, err := store.Products().List(ctx, product.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

type failingCatalog struct{}

func (failingCatalog) Count(context.Context) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingCatalog) Insert(context.Context, []product.Product) ([]string, error) {
	panic("unreachable")
}

func TestSeed_CountFailure(t *testing.T) {
	_, err := seed(context.Background(), failingCatalog{}, "")
	require.ErrorContains(t, err, "count products")
}

func TestSeed_MissingFile(t *testing.T) {
	_, err := seed(context.Background(), memory.New().Products(), filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
