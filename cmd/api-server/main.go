package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/api"
	"github.com/clinicbook/booking-engine/internal/appointment"
	"github.com/clinicbook/booking-engine/internal/config"
	"github.com/clinicbook/booking-engine/internal/db"
	"github.com/clinicbook/booking-engine/internal/logging"
	"github.com/clinicbook/booking-engine/internal/metrics"
	"github.com/clinicbook/booking-engine/internal/payment"
	"github.com/clinicbook/booking-engine/internal/policy"
	redisclient "github.com/clinicbook/booking-engine/internal/redis"
	"github.com/clinicbook/booking-engine/internal/schedule"
	"github.com/clinicbook/booking-engine/internal/slot"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	collector := metrics.NewCollector("booking_engine")

	slotRepo := slot.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	ledger := slot.NewLedger(slotRepo, locker, collector, logger)

	apptRepo := appointment.NewPgRepository(pgPool)
	payRepo := payment.NewPgRepository(pgPool)
	policyEngine := policy.NewEngine(cfg.RefundCutoff)
	notifier := appointment.NewLogNotifier(logger)

	bookingSvc := appointment.NewService(apptRepo, ledger, payRepo, policyEngine, notifier, collector, logger, cfg.HoldTTL)

	provider := payment.NewProviderClient(cfg.ProviderBaseURL, cfg.ProviderSecretKey, collector, logger)
	gateway := payment.NewGateway(payRepo, provider,
		payment.ConfirmerFunc(bookingSvc.Confirm),
		cfg.ProviderReturnURL, collector, logger)

	scheduleSvc := schedule.NewService(ledger, apptRepo, logger)

	router := api.NewRouter(api.RouterConfig{
		Booking:  bookingSvc,
		Payments: gateway,
		Schedule: scheduleSvc,
		PgPool:   pgPool,
		Redis:    rdb,
		Metrics:  collector,
		Log:      logger,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}

	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
