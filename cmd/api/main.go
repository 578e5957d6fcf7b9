package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/punchamoorthee/refundops/internal/api"
	"github.com/punchamoorthee/refundops/internal/collab"
	"github.com/punchamoorthee/refundops/internal/config"
	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/service"
	"github.com/punchamoorthee/refundops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel})
	logger := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when configured, otherwise in memory.
	var (
		refunds  store.RefundStore = store.NewMemoryStore()
		idemBack idempotency.Store = idempotency.NewMemoryStore()
	)
	if cfg.DBSource != "" {
		pg, err := store.NewPostgresStore(cfg.DBSource)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		refunds = pg
		idemBack = idempotency.NewPostgresStore(pg.Db)
	}

	var sink events.Sink = events.NewLogSink(logging.WithComponent("events"))
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("unable to reach redis")
		}
		if cfg.DBSource == "" {
			idemBack = idempotency.NewRedisStore(rdb)
		}
		sink = events.Fanout{sink, events.NewRedisSink(rdb, cfg.RedisEventsChannel)}
	}

	// Initialize Layers
	ttl := idempotency.TTLHours(cfg.IdempotencyTTLHours)
	corr := correlation.NewManager(service.LedgerService)
	idem := idempotency.NewManager(idemBack)
	emitter := events.NewEmitter(sink)

	ledger := service.NewLedger(refunds, corr, idem, emitter,
		service.WithAdmins(cfg.AdminPrincipals...),
		service.WithCreateTTL(ttl),
	)
	treasury := collab.NewMemoryTreasury(cfg.TreasuryInitialBalance)
	settler := collab.NewWalletSettler(collab.NewMemoryWallet())
	proc := service.NewProcessor(ledger, treasury, settler, corr, idem, emitter,
		service.WithProcessorConfig(service.ProcessorConfig{
			ResultTTL:   ttl,
			MaxRetries:  cfg.MaxRetries,
			RetryAfter:  cfg.TreasuryRetryAfter,
			Concurrency: cfg.BatchConcurrency,
			StaleAfter:  cfg.StaleAfter,
		}),
	)

	sweeper := service.NewSweeper(proc, idem, corr, cfg.SweepInterval, ttl)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(ledger, proc, corr)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Bool("postgres", cfg.DBSource != "").
		Bool("redis", cfg.RedisAddr != "").
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}
