package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/appointment"
	"github.com/clinicbook/booking-engine/internal/config"
	"github.com/clinicbook/booking-engine/internal/db"
	"github.com/clinicbook/booking-engine/internal/logging"
	"github.com/clinicbook/booking-engine/internal/metrics"
	"github.com/clinicbook/booking-engine/internal/payment"
	"github.com/clinicbook/booking-engine/internal/policy"
	redisclient "github.com/clinicbook/booking-engine/internal/redis"
	"github.com/clinicbook/booking-engine/internal/slot"
)

// The lifecycle worker runs the two background tasks of the booking
// engine: the hold reaper, which cancels bookings whose payment never
// arrived and reopens their slots, and the completion sweep, which moves
// confirmed appointments past their end time to completed.
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

	logger.Info("lifecycle-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("reaper_interval", cfg.ReaperInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("hold_ttl", cfg.HoldTTL))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

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

	collector := metrics.NewCollector("booking_engine_worker")

	slotRepo := slot.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	ledger := slot.NewLedger(slotRepo, locker, collector, logger)

	apptRepo := appointment.NewPgRepository(pgPool)
	payRepo := payment.NewPgRepository(pgPool)

	svc := appointment.NewService(apptRepo, ledger, payRepo,
		policy.NewEngine(cfg.RefundCutoff),
		appointment.NewLogNotifier(logger),
		collector, logger, cfg.HoldTTL)

	// Run both once at startup, then on their tickers.
	runReaper(rootCtx, svc, logger)
	runSweep(rootCtx, svc, logger)

	reapTicker := time.NewTicker(cfg.ReaperInterval)
	defer reapTicker.Stop()
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping lifecycle worker")
			return
		case <-reapTicker.C:
			runReaper(rootCtx, svc, logger)
		case <-sweepTicker.C:
			runSweep(rootCtx, svc, logger)
		}
	}
}

func runReaper(ctx context.Context, svc *appointment.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	reaped, err := svc.ReapExpiredHolds(runCtx, start)
	if err != nil {
		logger.Error("reaper run error", zap.Error(err))
		return
	}
	logger.Info("reaper run complete",
		zap.Int("holds_reaped", reaped),
		zap.Duration("took", time.Since(start)))
}

func runSweep(ctx context.Context, svc *appointment.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	swept, err := svc.SweepCompleted(runCtx, start)
	if err != nil {
		logger.Error("sweep run error", zap.Error(err))
		return
	}
	logger.Info("sweep run complete",
		zap.Int("appointments_completed", swept),
		zap.Duration("took", time.Since(start)))
}
