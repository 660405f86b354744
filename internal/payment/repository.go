package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrStaleStatus means a guarded status update matched no row: another
	// caller already moved the payment past the expected status.
	ErrStaleStatus = errors.New("payment status already advanced")
)

// Detail is a payment joined with the status of its appointment, which the
// gateway needs to refuse initiation on a dead booking.
type Detail struct {
	Payment
	AppointmentStatus string
}

// Repository contains all DB interactions needed by the gateway.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Detail, error)
	GetByPidx(ctx context.Context, pidx string) (*Detail, error)
	GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)

	// Guarded transitions (WHERE status = expected).
	MarkInitiated(ctx context.Context, id uuid.UUID, pidx, txnID string) error
	MarkVerified(ctx context.Context, id uuid.UUID, txnID string) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	MarkRefunded(ctx context.Context, id uuid.UUID) error
}
