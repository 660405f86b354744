package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/metrics"
)

type RouterConfig struct {
	Booking  BookingService
	Payments PaymentGateway
	Schedule ScheduleService
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *metrics.Collector
	Log      *zap.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", metrics.Handler())

	// Booking
	r.Post("/appointments/book", bookAppointmentHandler(cfg.Booking))
	r.Get("/appointments", listAppointmentsHandler(cfg.Booking))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Booking))
	r.Put("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Booking))

	// Payments
	r.Post("/payments/{id}/initiate", initiatePaymentHandler(cfg.Payments))
	r.Post("/payments/verify", verifyPaymentHandler(cfg.Payments))

	// Schedule
	r.Get("/doctors/{id}/time-slots", doctorTimeSlotsHandler(cfg.Schedule))
	r.Get("/doctor/schedule", doctorScheduleHandler(cfg.Schedule))
	r.Get("/doctor/appointments", listDoctorAppointmentsHandler(cfg.Booking))

	return r
}
