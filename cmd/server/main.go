package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fx-market/internal/config"
	"github.com/atmx/fx-market/internal/market"
	"github.com/atmx/fx-market/internal/metrics"
	"github.com/atmx/fx-market/internal/notify"
	"github.com/atmx/fx-market/internal/store"
	"github.com/atmx/fx-market/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("MARKET_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Server.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Server.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Server.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("journal migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Server.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory journal (events will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	sinks := []notify.Sink{notify.NewJournalSink(st, cfg.Server.Instance), wsHub}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisPublisher(rdb, notify.DefaultChannel, cfg.Server.Instance))
		slog.Info("publishing events to Redis", "channel", notify.DefaultChannel)
	}
	if cfg.Server.NATSURL != "" {
		nc, err := nats.Connect(cfg.Server.NATSURL, nats.Name("fx-market-"+cfg.Server.Instance))
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		sinks = append(sinks, notify.NewNATSPublisher(nc, notify.DefaultSubjectPrefix, cfg.Server.Instance))
		slog.Info("publishing events to NATS", "subject", notify.DefaultSubjectPrefix+".>")
	}

	dispatcher := notify.NewDispatcher(cfg.Server.EventBuffer, logger, sinks...)
	go dispatcher.Run(ctx)

	// --- Market ---
	mkt, err := newMarket(cfg.Market, dispatcher, logger)
	if err != nil {
		slog.Error("market initialization failed", "err", err)
		os.Exit(1)
	}
	for _, label := range mkt.ListInventory() {
		slog.Info("starting inventory",
			"kind", label.Kind.String(),
			"quantity", label.Quantity.String(),
			"buy_rate", label.BuyRate.String(),
			"sell_rate", label.SellRate.String(),
		)
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(mkt, st, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fx-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	var limiter *trade.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = trade.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live event stream. No timeout: the
		// connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			if limiter != nil {
				r.Use(limiter.Middleware)
			}

			r.Get("/inventory", tradeSvc.GetInventory)
			r.Get("/quotes/{kind}", tradeSvc.GetQuote)

			// Lock lifecycle.
			r.Post("/locks/buy", tradeSvc.ReserveBuy)
			r.Post("/locks/buy/{token}", tradeSvc.FinalizeBuy)
			r.Post("/locks/sell", tradeSvc.ReserveSell)
			r.Post("/locks/sell/{token}", tradeSvc.FinalizeSell)
			r.Get("/locks/{token}", tradeSvc.GetLock)

			r.Post("/clock/tick", tradeSvc.AdvanceClock)
			r.Get("/audit", tradeSvc.GetAudit)
			r.Get("/events", tradeSvc.ListEvents)
		})
	})

	// --- Background work ---
	if cfg.Server.IdleTickInterval > 0 {
		go idleTicks(ctx, tradeSvc, cfg.Server.IdleTickInterval)
	}
	if limiter != nil {
		go sweepVisitors(ctx, limiter)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fx-market listening", "port", cfg.Server.Port, "instance", cfg.Server.Instance)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down fx-market...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	if n := dispatcher.Dropped(); n > 0 {
		slog.Warn("events dropped during run", "count", n)
	}
	fmt.Println("fx-market stopped")
}

// newMarket builds the market from fixed quantities when configured,
// otherwise from a random split of the starting capital.
func newMarket(mc config.MarketConfig, n market.Notifier, logger *slog.Logger) (*market.Market, error) {
	var rng *rand.Rand
	if mc.Seed != nil {
		rng = rand.New(rand.NewPCG(*mc.Seed, *mc.Seed^0x9e3779b97f4a7c15))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	opts := []market.Option{
		market.WithNotifier(n),
		market.WithLogger(logger.With("component", "market")),
		market.WithRand(rng),
	}

	quantities, err := mc.StartingQuantities()
	if err != nil {
		return nil, err
	}
	if quantities != nil {
		return market.New(mc.ToMarket(), quantities, opts...)
	}
	return market.NewRandom(mc.ToMarket(), rng, opts...)
}

// idleTicks advances the market clock while no requests arrive, so locks
// expire and rebalancing happens on a quiet market.
func idleTicks(ctx context.Context, svc *trade.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, stats := svc.Tick()
			slog.Debug("idle tick", "tick", tick, "active_buys", stats.ActiveBuys, "active_sells", stats.ActiveSells)
		}
	}
}

func sweepVisitors(ctx context.Context, limiter *trade.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(5 * time.Minute); n > 0 {
				slog.Debug("rate limiter swept idle clients", "count", n)
			}
		}
	}
}
