// Package app wires configuration, storage, domain services and the HTTP
// server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cakebox/cakebox-api/internal/cache"
	"github.com/cakebox/cakebox-api/internal/domain/checkout"
	"github.com/cakebox/cakebox-api/internal/domain/loyalty"
	"github.com/cakebox/cakebox-api/internal/domain/product"
	"github.com/cakebox/cakebox-api/internal/domain/user"
	"github.com/cakebox/cakebox-api/internal/handler"
	"github.com/cakebox/cakebox-api/pkg/health"
	"github.com/cakebox/cakebox-api/pkg/httpmiddleware"
	"github.com/cakebox/cakebox-api/pkg/idempotency"
)

// idempotencyFPRate is the false positive rate of the seen-key filter.
const idempotencyFPRate = 0.001

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	st, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			lg.Error("Close storage", zap.Error(err))
		}
	}()

	var rdb redis.Cmdable
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			lg.Warn("Redis unavailable, product reads fall through to storage", zap.Error(err))
		}
		rdb = client
	}

	healthSvc := health.New()
	healthSvc.Add(health.Readiness, cfg.Storage.Driver, 5*time.Second, health.PingCheck(st))
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Checkout.SettleTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           newHTTPHandler(lg, cfg, st, rdb, healthSvc, m.TracerProvider(), m.MeterProvider()),
	}
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newHTTPHandler builds the domain services and the middleware chain around
// the API router. A nil rdb disables the product cache.
func newHTTPHandler(
	lg *zap.Logger,
	cfg *Config,
	st *Storage,
	rdb redis.Cmdable,
	healthSvc *health.Health,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) http.Handler {
	var products product.Repository = st.Products
	if rdb != nil {
		products = cache.NewProducts(st.Products, rdb, cfg.Redis.TTL)
	}

	var guard loyalty.Guard = loyalty.NopGuard{}
	if cfg.Checkout.SerializeBalance {
		guard = loyalty.NewKeyedMutex()
	}

	checkoutOpts := []checkout.Option{
		checkout.WithGuard(guard),
		checkout.WithTracerProvider(tp),
		checkout.WithMeterProvider(mp),
	}
	if cfg.Checkout.SettleTimeout > 0 {
		checkoutOpts = append(checkoutOpts, checkout.WithSettleTimeout(cfg.Checkout.SettleTimeout))
	}
	if cfg.Checkout.IdempotencyCapacity > 0 {
		checkoutOpts = append(checkoutOpts, checkout.WithIdempotencyFilter(
			idempotency.NewFilter(cfg.Checkout.IdempotencyCapacity, idempotencyFPRate),
		))
	}

	h := handler.NewHandler(
		products,
		user.NewService(st.Users),
		loyalty.NewService(st.Users, st.Ledger, guard),
		checkout.NewService(products, st.Users, st.Orders, st.Ledger, checkoutOpts...),
	)

	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests(), httpmiddleware.Labeler())
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Mount(r)

	return httpmiddleware.Wrap(
		otelhttp.NewHandler(r, "cakebox-api",
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins:          cfg.CORS.Origins,
			Headers:          []string{"Content-Type", idempotency.Header, httpmiddleware.RequestIDHeader},
			Expose:           []string{httpmiddleware.RequestIDHeader, "Idempotent-Replayed"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
	)
}
