package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/metrics"
)

var (
	ErrAlreadyInitiated      = errors.New("payment already initiated")
	ErrAppointmentNotPending = errors.New("appointment is not pending payment")
	// ErrUnknownPayment means a pidx this system never issued. Integrity
	// problem: logged loudly, never silently accepted.
	ErrUnknownPayment = errors.New("unknown payment reference")
)

type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeFailed   Outcome = "failed"
	// OutcomePending means the provider has not settled the session yet.
	// The appointment stays pending; the caller can retry verification
	// until the hold timeout expires.
	OutcomePending Outcome = "pending"
)

type VerifyResult struct {
	Outcome       Outcome
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
	Reason        string
}

type InitiateResult struct {
	Pidx          string
	PaymentURL    string
	TransactionID string
}

// Confirmer moves an appointment to confirmed once its payment is
// verified. Implementations must be idempotent.
type Confirmer interface {
	Confirm(ctx context.Context, appointmentID, paymentID uuid.UUID) error
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, appointmentID, paymentID uuid.UUID) error

func (f ConfirmerFunc) Confirm(ctx context.Context, appointmentID, paymentID uuid.UUID) error {
	return f(ctx, appointmentID, paymentID)
}

// Gateway reconciles local payment state with the external provider.
// All verification goes through the provider's status endpoint; a
// client-supplied "success" flag is never trusted.
type Gateway struct {
	repo      Repository
	provider  *ProviderClient
	confirmer Confirmer
	returnURL string
	metrics   *metrics.Collector
	log       *zap.Logger

	verifyAttempts int
	verifyBackoff  time.Duration
}

func NewGateway(repo Repository, provider *ProviderClient, confirmer Confirmer, returnURL string, collector *metrics.Collector, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		repo:           repo,
		provider:       provider,
		confirmer:      confirmer,
		returnURL:      returnURL,
		metrics:        collector,
		log:            log,
		verifyAttempts: 3,
		verifyBackoff:  200 * time.Millisecond,
	}
}

// Initiate opens a provider session for a created payment and persists the
// provider identifiers before the redirect URL is handed back. The write
// happens in the same operation that records the call's success: from the
// moment the provider returned 2xx the session must be tracked, even if the
// process dies right after.
func (g *Gateway) Initiate(ctx context.Context, paymentID uuid.UUID) (*InitiateResult, error) {
	pay, err := g.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch pay.Status {
	case StatusCreated:
		// proceed
	case StatusInitiated:
		return nil, ErrAlreadyInitiated
	default:
		return nil, fmt.Errorf("%w: payment is %s", ErrAlreadyInitiated, pay.Status)
	}

	if pay.AppointmentStatus != "pending" {
		return nil, ErrAppointmentNotPending
	}

	txnID := fmt.Sprintf("appt_%s_%d", pay.AppointmentID, time.Now().Unix())

	resp, err := g.provider.Initiate(ctx, InitiateRequest{
		AmountCents:       pay.AmountCents,
		PurchaseOrderID:   txnID,
		PurchaseOrderName: "Appointment consultation",
		ReturnURL:         g.returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate payment session: %w", err)
	}

	if err := g.repo.MarkInitiated(ctx, pay.ID, resp.Pidx, txnID); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// A concurrent initiate won the race; its session is the
			// tracked one.
			return nil, ErrAlreadyInitiated
		}
		g.log.Error("provider session opened but could not be persisted",
			zap.String("payment_id", pay.ID.String()),
			zap.String("pidx", resp.Pidx),
			zap.Error(err))
		return nil, fmt.Errorf("persist provider session: %w", err)
	}

	return &InitiateResult{
		Pidx:          resp.Pidx,
		PaymentURL:    resp.PaymentURL,
		TransactionID: txnID,
	}, nil
}

// Verify reconciles the session identified by pidx against the provider
// and, on a settled payment, confirms the appointment. Safe to call any
// number of times: once verified, every later call returns the same result
// and the confirm side effect is a no-op.
func (g *Gateway) Verify(ctx context.Context, pidx, txnID string) (*VerifyResult, error) {
	pay, err := g.repo.GetByPidx(ctx, pidx)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			g.log.Warn("verification for unknown pidx",
				zap.String("pidx", pidx),
				zap.String("transaction_id", txnID))
			g.metrics.IncVerification("unknown")
			return nil, ErrUnknownPayment
		}
		return nil, err
	}

	switch pay.Status {
	case StatusVerified, StatusRefunded:
		// Already settled. Re-run confirm so a crash between marking the
		// payment and confirming the appointment heals itself; the state
		// machine makes it a no-op otherwise.
		if err := g.confirmer.Confirm(ctx, pay.AppointmentID, pay.ID); err != nil {
			return nil, err
		}
		g.metrics.IncVerification("verified")
		return &VerifyResult{Outcome: OutcomeVerified, AppointmentID: pay.AppointmentID, PaymentID: pay.ID}, nil
	case StatusFailed:
		g.metrics.IncVerification("failed")
		return &VerifyResult{Outcome: OutcomeFailed, AppointmentID: pay.AppointmentID, PaymentID: pay.ID, Reason: "payment previously failed"}, nil
	case StatusCreated:
		// A pidx exists only after MarkInitiated, so this cannot happen
		// through the normal flow.
		g.log.Error("payment has pidx but was never initiated", zap.String("payment_id", pay.ID.String()))
		return nil, ErrUnknownPayment
	}

	status, err := g.lookupWithRetry(ctx, pidx)
	if err != nil {
		g.metrics.IncVerification("transient")
		return nil, err
	}

	switch status.Status {
	case ProviderCompleted:
		if status.TotalAmount != 0 && status.TotalAmount != pay.AmountCents {
			g.log.Error("provider settled a different amount",
				zap.String("payment_id", pay.ID.String()),
				zap.Int64("expected_cents", pay.AmountCents),
				zap.Int64("settled_cents", status.TotalAmount))
			g.metrics.IncVerification("failed")
			return &VerifyResult{Outcome: OutcomeFailed, AppointmentID: pay.AppointmentID, PaymentID: pay.ID, Reason: "amount mismatch"}, nil
		}

		if err := g.repo.MarkVerified(ctx, pay.ID, status.TransactionID); err != nil && !errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("mark payment verified: %w", err)
		}
		// ErrStaleStatus means a concurrent verify already won; fall
		// through to confirm either way, it is idempotent.

		if err := g.confirmer.Confirm(ctx, pay.AppointmentID, pay.ID); err != nil {
			return nil, err
		}

		g.metrics.IncVerification("verified")
		return &VerifyResult{Outcome: OutcomeVerified, AppointmentID: pay.AppointmentID, PaymentID: pay.ID}, nil

	case ProviderPending, ProviderInitiated:
		g.metrics.IncVerification("pending")
		return &VerifyResult{Outcome: OutcomePending, AppointmentID: pay.AppointmentID, PaymentID: pay.ID, Reason: "provider has not settled the session"}, nil

	default:
		// Expired, User canceled, Refunded: terminal on the provider side.
		if err := g.repo.MarkFailed(ctx, pay.ID); err != nil && !errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("mark payment failed: %w", err)
		}
		g.metrics.IncVerification("failed")
		return &VerifyResult{Outcome: OutcomeFailed, AppointmentID: pay.AppointmentID, PaymentID: pay.ID, Reason: fmt.Sprintf("provider status %q", status.Status)}, nil
	}
}

// lookupWithRetry polls the provider status endpoint with bounded
// exponential backoff. Exhaustion surfaces ErrProviderUnavailable, never a
// false failure.
func (g *Gateway) lookupWithRetry(ctx context.Context, pidx string) (*StatusResponse, error) {
	backoff := g.verifyBackoff
	var lastErr error

	for attempt := 0; attempt < g.verifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		status, err := g.provider.Status(ctx, pidx)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
		lastErr = err
		g.log.Warn("provider status lookup failed, retrying",
			zap.String("pidx", pidx),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, lastErr
}
