package main

// POST /products, GET /products, GET /products/{id} - catalog
// POST /carts, GET /carts?owner_id=, /carts/{id}/items... - carts
// GET /carts/{id}/price, POST /carts/{id}/checkout - pricing and checkout
// GET /orders?owner_id=, GET /orders/{id}, POST /orders/{id}/deliver - orders
// POST /inventory/transactions, GET /inventory/report, POST /inventory/reconcile - stock ledger
// POST /rates, GET /rates/convert, GET /rates/history - currency rates
// GET /metrics - prometheus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"order-fulfillment/cart"
	"order-fulfillment/checkout"
	"order-fulfillment/config"
	"order-fulfillment/currency"
	"order-fulfillment/handler"
	"order-fulfillment/inventory"
	"order-fulfillment/memstore"
	"order-fulfillment/metrics"
	"order-fulfillment/outbox"
	"order-fulfillment/payment"
	"order-fulfillment/pricing"
	"order-fulfillment/service"
	"order-fulfillment/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Store == "memory" {
		slog.Warn("using in-memory store, nothing survives a restart")
		return memstore.New(), nil
	}
	st, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := st.Migrate(); err != nil {
			_ = st.Close()
			return nil, err
		}
		slog.Info("database migrations applied")
	}
	return st, nil
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.NewProcess()

	taxRates, err := cfg.TaxRates()
	if err != nil {
		return err
	}
	resolver := currency.NewResolver(st)
	pricer := pricing.NewPricer(resolver,
		pricing.TaxTable{Default: cfg.DefaultTaxRate, Regions: taxRates},
		pricing.NewTieredShipping(cfg.BaseCurrency, cfg.ShippingFee, cfg.FreeShippingAbove))

	var cache cart.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, carts are read from the store", "addr", cfg.RedisAddr, "error", err)
		} else {
			cache = cart.NewRedisCache(rdb, cfg.CartCacheTTL)
		}
	}
	carts := cart.NewService(st, cart.NewAggregate(st, resolver, pricer), cache, m, cfg.CartTTL)

	ledger := inventory.NewLedger(st)
	orch := checkout.New(st, ledger, payment.NewSimulator(), resolver, pricer, carts, m, checkout.Config{
		PaymentTimeout:    cfg.PaymentTimeout,
		AuthorizeAttempts: cfg.AuthorizeAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
	})

	svc := service.NewService(service.Deps{
		Catalog:   st,
		Orders:    st,
		Ledger:    ledger,
		Rates:     resolver,
		Carts:     carts,
		Checkouts: orch,
		Metrics:   m,
	})

	var w outbox.Writer = outbox.LogWriter{}
	if len(cfg.KafkaBrokers) > 0 {
		w = outbox.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		slog.Warn("no KAFKA_BROKERS, order events are only logged")
	}
	poller := outbox.NewPoller(st, w, m, cfg.OutboxTick)
	defer poller.Close()

	go carts.RunReaper(ctx, cfg.ReaperInterval)
	go poller.Run(ctx)

	r := mux.NewRouter()
	handler.NewHandler(svc, m).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("server running", "addr", cfg.HTTPAddr, "store", cfg.Store)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
