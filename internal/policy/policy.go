// Package policy decides whether an appointment may be cancelled and how
// much of a verified payment comes back. It is a pure computation; the
// appointment state machine applies the verdict.
package policy

import (
	"time"

	"github.com/clinicbook/booking-engine/internal/payment"
)

type Verdict struct {
	Allowed        bool
	RefundFraction float64
	Reason         string
}

type Engine struct {
	refundCutoff time.Duration
}

// NewEngine builds a policy engine with the given full-refund cutoff:
// cancellations at least this long before the slot start refund in full,
// anything later refunds nothing.
func NewEngine(refundCutoff time.Duration) *Engine {
	return &Engine{refundCutoff: refundCutoff}
}

// Evaluate computes cancellation eligibility at `now` for an appointment
// starting at slotStart with the given payment status.
func (e *Engine) Evaluate(paymentStatus payment.Status, slotStart, now time.Time) Verdict {
	if !now.Before(slotStart) {
		return Verdict{
			Allowed: false,
			Reason:  "appointment has already started",
		}
	}

	if paymentStatus != payment.StatusVerified {
		// Nothing was charged; refund fraction is moot.
		return Verdict{
			Allowed: true,
			Reason:  "no verified payment",
		}
	}

	if slotStart.Sub(now) >= e.refundCutoff {
		return Verdict{
			Allowed:        true,
			RefundFraction: 1.0,
			Reason:         "cancelled before refund cutoff",
		}
	}

	return Verdict{
		Allowed:        true,
		RefundFraction: 0.0,
		Reason:         "cancelled inside refund cutoff",
	}
}
