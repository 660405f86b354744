package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicbook/booking-engine/internal/payment"
)

var (
	ErrPatientNotFound         = errors.New("patient not found")
	ErrDoctorNotFound          = errors.New("doctor not found")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrInvalidConsultationType = errors.New("invalid consultation type for this doctor")
	// ErrStaleTransition means a guarded status update matched no row:
	// the appointment had already moved on.
	ErrStaleTransition = errors.New("appointment status already advanced")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetFee(ctx context.Context, doctorID uuid.UUID, consultationType ConsultationType) (*Fee, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error)

	// CreatePendingWithPayment inserts the pending appointment and its
	// created payment in one transaction: both rows or neither.
	CreatePendingWithPayment(ctx context.Context, appt Appointment, fee Fee) (*Appointment, *payment.Payment, error)

	// Guarded transitions (WHERE status = expected).
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error)

	// MarkExpired cancels with reason payment_timeout, guarded on pending
	// only, so a reaper racing a successful confirm can never cancel a
	// paid booking.
	MarkExpired(ctx context.Context, id uuid.UUID) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Detail, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, status *Status, limit, offset int) ([]Detail, error)

	// Completion sweep
	FindConfirmedEnded(ctx context.Context, now time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
