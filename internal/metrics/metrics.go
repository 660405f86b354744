package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ReservationsTotal    *prometheus.CounterVec
	AppointmentsTotal    *prometheus.CounterVec
	VerificationsTotal   *prometheus.CounterVec
	HoldsReapedTotal     prometheus.Counter
	SweepCompletedTotal  prometheus.Counter
	ProviderCallDuration *prometheus.HistogramVec
}

func NewCollector(serviceName string) *Collector {
	return &Collector{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		ReservationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Slot reservation attempts by outcome (reserved, conflict, contended).",
		}, []string{"outcome"}),

		AppointmentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "booking",
			Name:      "appointments_total",
			Help:      "Appointment lifecycle transitions by resulting status.",
		}, []string{"status"}),

		VerificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "payments",
			Name:      "verifications_total",
			Help:      "Payment verification outcomes (verified, failed, unknown, transient).",
		}, []string{"result"}),

		HoldsReapedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "booking",
			Name:      "holds_reaped_total",
			Help:      "Held slots released by the reaper after the hold timeout.",
		}),

		SweepCompletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "booking",
			Name:      "sweep_completed_total",
			Help:      "Confirmed appointments moved to completed by the sweep.",
		}),

		ProviderCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "payments",
			Name:      "provider_call_duration_seconds",
			Help:      "External payment provider call latency by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"operation"}),
	}
}

// The increment helpers tolerate a nil Collector so services under test
// do not need a registry.

func (c *Collector) ObserveRequest(method, path string, status int, seconds float64) {
	if c == nil {
		return
	}
	code := strconv.Itoa(status)
	c.RequestsTotal.WithLabelValues(method, path, code).Inc()
	c.RequestDuration.WithLabelValues(method, path, code).Observe(seconds)
}

func (c *Collector) IncReservation(outcome string) {
	if c == nil {
		return
	}
	c.ReservationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncAppointment(status string) {
	if c == nil {
		return
	}
	c.AppointmentsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) IncVerification(result string) {
	if c == nil {
		return
	}
	c.VerificationsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) AddHoldsReaped(n int) {
	if c == nil {
		return
	}
	c.HoldsReapedTotal.Add(float64(n))
}

func (c *Collector) AddSwept(n int) {
	if c == nil {
		return
	}
	c.SweepCompletedTotal.Add(float64(n))
}

func (c *Collector) ObserveProviderCall(operation string, seconds float64) {
	if c == nil {
		return
	}
	c.ProviderCallDuration.WithLabelValues(operation).Observe(seconds)
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
