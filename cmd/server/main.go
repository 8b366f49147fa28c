package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/events"
	"github.com/atmx/paper-engine/internal/lock"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/paper"
	"github.com/atmx/paper-engine/internal/pricing"
	"github.com/atmx/paper-engine/internal/rules"
	"github.com/atmx/paper-engine/internal/settlement"
	"github.com/atmx/paper-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, quote cache, distributed lock) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		gs, err := store.NewGormStore(cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { gs.Close() })
		st = gs
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if rdb != nil && (cfg.DatabaseURL != "" || cfg.SQLitePath != "") {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Market rules ---
	seedRules, err := rules.LoadFile(cfg.MarketRulesFile)
	if err != nil {
		slog.Warn("market rules file not loaded, relying on stored rules", "path", cfg.MarketRulesFile, "err", err)
	} else if _, err := rules.Seed(ctx, st, seedRules); err != nil {
		slog.Error("seeding market rules failed", "err", err)
		os.Exit(1)
	}
	ruleProvider := rules.NewStoreProvider(st)

	// --- Price oracle ---
	var oracle pricing.Oracle
	if cfg.QuoteServiceURL != "" {
		oracle = pricing.NewHTTPOracle(cfg.QuoteServiceURL, cfg.QuoteTimeout, cfg.QuoteRateLimit)
		if rdb != nil {
			oracle = pricing.NewCachedOracle(oracle, rdb, cfg.QuoteCacheTTL)
		}
		slog.Info("quote service configured", "url", cfg.QuoteServiceURL)
	} else {
		slog.Warn("QUOTE_SERVICE_URL not set, every order will be rejected as price unavailable")
		oracle = pricing.NewStatic()
	}

	// --- Per-user lock ---
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.LockBackend == config.LockRedis {
		locker = lock.NewRedisLocker(rdb, "paper:lock:", cfg.LockTTL)
		slog.Info("using Redis user lock", "ttl", cfg.LockTTL)
	}

	// --- Event publishers ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("Kafka publisher enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	loc := cfg.Location()
	eng := engine.New(st, oracle, ruleProvider,
		engine.WithLocker(locker),
		engine.WithLocation(loc),
		engine.WithPublisher(publishers),
		engine.WithLogger(logger),
	)

	// --- Settlement ---
	scheduler := settlement.NewScheduler(loc, logger)
	release := settlement.NewReleaseJob(st, ruleProvider, nil, loc, logger)
	if err := scheduler.AddJob(cfg.SettlementSchedule, release); err != nil {
		slog.Error("invalid SETTLEMENT_SCHEDULE", "err", err)
		os.Exit(1)
	}
	if cfg.SettleOnStartup {
		if err := scheduler.RunNow(release); err != nil {
			slog.Warn("startup settlement failed", "err", err)
		}
	}
	scheduler.Start()
	cleanup = append(cleanup, scheduler.Stop)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// GET /paper/{userID}/ws streams that user's order-filled events.
		r.With(middleware.Timeout(30*time.Second)).
			Mount("/paper", paper.NewHandler(eng, paper.WithStream(wsHub.HandleWS)).Routes())
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-engine stopped")
}
