package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/pkg/health"
	"github.com/cakebox/cakebox-api/pkg/httpmiddleware"
)

func testConfig() *Config {
	return &Config{
		Addr:     defaultAddr,
		Storage:  StorageConfig{Driver: DriverMemory},
		Checkout: CheckoutConfig{SerializeBalance: true, IdempotencyCapacity: 100},
		CORS:     CORSConfig{Origins: []string{"*"}},
	}
}

func newTestHandler(t *testing.T, cfg *Config, rdb redis.Cmdable) (http.Handler, *Storage, *health.Health) {
	t.Helper()
	st, err := OpenStorage(context.Background(), cfg.Storage)
	require.NoError(t, err)

	hs := health.New()
	hs.Add(health.Readiness, "memory", time.Second, health.PingCheck(st))
	h := newHTTPHandler(zap.NewNop(), cfg, st, rdb, hs, nooptrace.NewTracerProvider(), noopmetric.NewMeterProvider())
	return h, st, hs
}

func TestOpenStorage_UnknownDriver(t *testing.T) {
	_, err := OpenStorage(context.Background(), StorageConfig{Driver: "sqlite"})
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestHTTPHandler_Probes(t *testing.T) {
	h, _, hs := newTestHandler(t, testConfig(), nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hs.SetReady(true)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPHandler_Middleware(t *testing.T) {
	h, _, _ := newTestHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Cakebox API running"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(httpmiddleware.RequestIDHeader))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/checkout", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestHTTPHandler_CheckoutWithCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h, st, _ := newTestHandler(t, testConfig(), rdb)
	ctx := context.Background()
	ids, err := st.Products.Insert(ctx, []product.Product{{
		Title:    "Red Velvet Cupcakes",
		Price:    decimal.RequireFromString("12.00"),
		Category: "Cupcakes",
		InStock:  true,
	}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/users",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com"}`)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	u, err := st.Users.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(
		`{"user_id":"`+u.ID+`","items":[{"product_id":"`+ids[0]+`","quantity":3}]}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"new_balance":36`)

	assert.True(t, mr.Exists("product:"+ids[0]), "checkout pricing goes through the cache")
}
