package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/metrics"
	"github.com/clinicbook/booking-engine/internal/payment"
	"github.com/clinicbook/booking-engine/internal/policy"
	"github.com/clinicbook/booking-engine/internal/slot"
)

var (
	// ErrAlreadyTerminal means the appointment is completed or cancelled.
	// For payment callbacks this is a benign race, not a failure.
	ErrAlreadyTerminal = errors.New("appointment is already in a terminal state")
	// ErrPaymentMismatch means a confirm arrived for a payment that does
	// not belong to the appointment. Integrity problem, never confirm.
	ErrPaymentMismatch        = errors.New("payment does not belong to this appointment")
	ErrCancellationNotAllowed = errors.New("cancellation not allowed")
)

// SlotLedger is the slice of the slot ledger the state machine drives.
type SlotLedger interface {
	Reserve(ctx context.Context, doctorID, slotID, holderID uuid.UUID) error
	Commit(ctx context.Context, slotID, holderID uuid.UUID) error
	Release(ctx context.Context, slotID, holderID uuid.UUID) error
	ExpiredHolds(ctx context.Context, now time.Time, ttl time.Duration) ([]slot.TimeSlot, error)
}

// PaymentStore is the slice of the payment repository the state machine
// touches when a booking dies or a refund is owed.
type PaymentStore interface {
	GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*payment.Payment, error)
	MarkFailed(ctx context.Context, id uuid.UUID) error
	MarkRefunded(ctx context.Context, id uuid.UUID) error
}

// Service owns the appointment lifecycle. Every status change in the system
// flows through here, paired with the matching slot transition.
type Service struct {
	repo     Repository
	ledger   SlotLedger
	payments PaymentStore
	policy   *policy.Engine
	notifier Notifier
	metrics  *metrics.Collector
	log      *zap.Logger
	holdTTL  time.Duration

	now func() time.Time
}

func NewService(
	repo Repository,
	ledger SlotLedger,
	payments PaymentStore,
	policyEngine *policy.Engine,
	notifier Notifier,
	collector *metrics.Collector,
	log *zap.Logger,
	holdTTL time.Duration,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &Service{
		repo:     repo,
		ledger:   ledger,
		payments: payments,
		policy:   policyEngine,
		notifier: notifier,
		metrics:  collector,
		log:      log,
		holdTTL:  holdTTL,
		now:      time.Now,
	}
}

type CreateRequest struct {
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	SlotID           uuid.UUID
	ConsultationType ConsultationType
	Symptoms         string
	Notes            string
}

// Create reserves the slot and writes the pending appointment plus its
// payment row. The appointment ID doubles as the hold token on the slot,
// which is what lets the reaper and the confirm path find each other.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Appointment, *payment.Payment, error) {
	if !req.ConsultationType.IsValid() {
		return nil, nil, ErrInvalidConsultationType
	}

	if _, err := s.repo.GetPatient(ctx, req.PatientID); err != nil {
		return nil, nil, err
	}
	if _, err := s.repo.GetDoctor(ctx, req.DoctorID); err != nil {
		return nil, nil, err
	}
	fee, err := s.repo.GetFee(ctx, req.DoctorID, req.ConsultationType)
	if err != nil {
		return nil, nil, err
	}

	apptID := uuid.New()
	if err := s.ledger.Reserve(ctx, req.DoctorID, req.SlotID, apptID); err != nil {
		return nil, nil, err
	}

	appt, pay, err := s.repo.CreatePendingWithPayment(ctx, Appointment{
		ID:               apptID,
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		SlotID:           req.SlotID,
		ConsultationType: req.ConsultationType,
		Symptoms:         req.Symptoms,
		Notes:            req.Notes,
	}, *fee)
	if err != nil {
		// The hold is ours; give the slot back so it does not sit held
		// until the reaper finds it.
		if relErr := s.ledger.Release(ctx, req.SlotID, apptID); relErr != nil {
			s.log.Error("failed to release slot after booking insert failure",
				zap.String("slot_id", req.SlotID.String()),
				zap.Error(relErr))
		}
		return nil, nil, err
	}

	s.metrics.IncAppointment("pending")
	s.logEvent(ctx, "appointment_created", &appt.ID, map[string]any{
		"patient_id": appt.PatientID,
		"doctor_id":  appt.DoctorID,
		"slot_id":    appt.SlotID,
	})

	return appt, pay, nil
}

// Confirm moves a pending appointment to confirmed and books its slot.
// Only the payment gateway calls this, after independently verifying the
// payment with the provider. Safe to call any number of times: repeats
// after the first success return nil with no further side effects.
func (s *Service) Confirm(ctx context.Context, appointmentID, paymentID uuid.UUID) error {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}

	pay, err := s.payments.GetByAppointmentID(ctx, appointmentID)
	if err != nil {
		return err
	}
	if pay.ID != paymentID {
		s.log.Error("confirm called with a foreign payment",
			zap.String("appointment_id", appointmentID.String()),
			zap.String("expected_payment_id", pay.ID.String()),
			zap.String("got_payment_id", paymentID.String()))
		return ErrPaymentMismatch
	}

	switch appt.Status {
	case StatusConfirmed:
		// Already done. Re-commit the slot in case a crash landed
		// between the status update and the slot commit; Commit is a
		// no-op when the slot is already booked by us.
		return s.ledger.Commit(ctx, appt.SlotID, appt.ID)
	case StatusCompleted, StatusCancelled:
		return ErrAlreadyTerminal
	}

	confirmed, err := s.repo.UpdateStatus(ctx, appointmentID, StatusPending, StatusConfirmed)
	if errors.Is(err, ErrStaleTransition) {
		// Lost a race. Re-read and classify.
		return s.reclassifyConfirm(ctx, appointmentID)
	}
	if err != nil {
		return err
	}

	if err := s.ledger.Commit(ctx, confirmed.SlotID, confirmed.ID); err != nil {
		return fmt.Errorf("appointment confirmed but slot commit failed: %w", err)
	}

	s.metrics.IncAppointment("confirmed")
	s.logEvent(ctx, "appointment_confirmed", &confirmed.ID, map[string]any{
		"payment_id": paymentID,
	})
	s.notifier.AppointmentConfirmed(ctx, confirmed)

	return nil
}

func (s *Service) reclassifyConfirm(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.Status == StatusConfirmed {
		return s.ledger.Commit(ctx, appt.SlotID, appt.ID)
	}
	return ErrAlreadyTerminal
}

// Cancel ends a pending or confirmed appointment at the patient's or
// doctor's request. The policy engine decides eligibility and the refund
// fraction; the slot goes back to open for someone else.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, reason string) (*Appointment, policy.Verdict, error) {
	det, err := s.repo.GetDetail(ctx, appointmentID)
	if err != nil {
		return nil, policy.Verdict{}, err
	}
	if det.Status.Terminal() {
		return nil, policy.Verdict{}, ErrAlreadyTerminal
	}

	verdict := s.policy.Evaluate(payment.Status(det.PaymentStatus), det.Slot.StartTime, s.now())
	if !verdict.Allowed {
		return nil, verdict, fmt.Errorf("%w: %s", ErrCancellationNotAllowed, verdict.Reason)
	}

	cancelled, err := s.repo.MarkCancelled(ctx, appointmentID, reason)
	if errors.Is(err, ErrStaleTransition) {
		return nil, verdict, ErrAlreadyTerminal
	}
	if err != nil {
		return nil, verdict, err
	}

	s.releaseSlot(ctx, cancelled)

	if verdict.RefundFraction > 0 {
		pay, payErr := s.payments.GetByAppointmentID(ctx, appointmentID)
		if payErr == nil {
			payErr = s.payments.MarkRefunded(ctx, pay.ID)
		}
		if payErr != nil && !errors.Is(payErr, payment.ErrStaleStatus) {
			s.log.Error("failed to record refund for cancelled appointment",
				zap.String("appointment_id", appointmentID.String()),
				zap.Error(payErr))
		}
	}

	s.metrics.IncAppointment("cancelled")
	s.logEvent(ctx, "appointment_cancelled", &cancelled.ID, map[string]any{
		"reason":          reason,
		"refund_fraction": verdict.RefundFraction,
	})
	s.notifier.AppointmentCancelled(ctx, cancelled, verdict.RefundFraction)

	return cancelled, verdict, nil
}

// Expire cancels a pending appointment whose payment never arrived. Used
// by the hold reaper; skips the policy engine since nothing was charged.
// The pending-only guard in MarkExpired means a booking confirmed between
// the reaper's scan and this call survives untouched.
func (s *Service) Expire(ctx context.Context, appointmentID uuid.UUID) error {
	cancelled, err := s.repo.MarkExpired(ctx, appointmentID)
	if errors.Is(err, ErrStaleTransition) {
		return ErrAlreadyTerminal
	}
	if err != nil {
		return err
	}

	s.releaseSlot(ctx, cancelled)

	pay, payErr := s.payments.GetByAppointmentID(ctx, appointmentID)
	if payErr == nil {
		payErr = s.payments.MarkFailed(ctx, pay.ID)
	}
	if payErr != nil && !errors.Is(payErr, payment.ErrStaleStatus) {
		s.log.Warn("failed to mark payment failed for expired appointment",
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(payErr))
	}

	s.metrics.IncAppointment("cancelled")
	s.logEvent(ctx, "appointment_expired", &cancelled.ID, map[string]any{
		"reason": ReasonPaymentTimeout,
	})

	return nil
}

// CompleteIfPast moves a confirmed appointment whose slot has ended to
// completed. Anything else is a no-op.
func (s *Service) CompleteIfPast(ctx context.Context, appointmentID uuid.UUID, now time.Time) error {
	det, err := s.repo.GetDetail(ctx, appointmentID)
	if err != nil {
		return err
	}
	if det.Status != StatusConfirmed || det.Slot.EndTime.After(now) {
		return nil
	}

	completed, err := s.repo.UpdateStatus(ctx, appointmentID, StatusConfirmed, StatusCompleted)
	if errors.Is(err, ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.IncAppointment("completed")
	s.logEvent(ctx, "appointment_completed", &completed.ID, nil)

	return nil
}

// ReapExpiredHolds cancels every appointment whose slot hold has outlived
// the hold TTL and returns the slots to open. Returns how many holds were
// reaped. A hold racing a concurrent confirm or cancel is skipped quietly.
func (s *Service) ReapExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.ledger.ExpiredHolds(ctx, now, s.holdTTL)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, sl := range expired {
		if sl.HolderID == nil {
			continue
		}
		err := s.Expire(ctx, *sl.HolderID)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, ErrAlreadyTerminal):
			// Confirm or cancel got there first.
		default:
			s.log.Error("failed to expire held appointment",
				zap.String("slot_id", sl.ID.String()),
				zap.String("appointment_id", sl.HolderID.String()),
				zap.Error(err))
		}
	}

	s.metrics.AddHoldsReaped(reaped)
	return reaped, nil
}

// SweepCompleted marks every confirmed appointment whose slot has ended as
// completed. Returns how many were advanced.
func (s *Service) SweepCompleted(ctx context.Context, now time.Time) (int, error) {
	ended, err := s.repo.FindConfirmedEnded(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, appt := range ended {
		_, err := s.repo.UpdateStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted)
		switch {
		case err == nil:
			swept++
			s.logEvent(ctx, "appointment_completed", &appt.ID, nil)
		case errors.Is(err, ErrStaleTransition):
			// Cancelled between the scan and the update.
		default:
			s.log.Error("failed to complete ended appointment",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err))
		}
	}

	s.metrics.AddSwept(swept)
	return swept, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Detail, error) {
	return s.repo.GetDetail(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Detail, error) {
	return s.repo.ListByPatient(ctx, patientID, status, normalizeLimit(limit), offset)
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, status *Status, limit, offset int) ([]Detail, error) {
	return s.repo.ListByDoctor(ctx, doctorID, status, normalizeLimit(limit), offset)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}

// releaseSlot gives a cancelled appointment's slot back to open. Losing the
// release is tolerable; the cancellation itself must not roll back.
func (s *Service) releaseSlot(ctx context.Context, appt *Appointment) {
	err := s.ledger.Release(ctx, appt.SlotID, appt.ID)
	if err != nil && !errors.Is(err, slot.ErrNotHolder) && !errors.Is(err, slot.ErrSlotNotFound) {
		s.log.Error("failed to release slot for cancelled appointment",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("slot_id", appt.SlotID.String()),
			zap.Error(err))
	}
}

func (s *Service) logEvent(ctx context.Context, eventType string, apptID *uuid.UUID, payload map[string]any) {
	var raw []byte
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: apptID,
		Payload:       raw,
	})
	if err != nil {
		s.log.Warn("failed to write event log", zap.String("event_type", eventType), zap.Error(err))
	}
}
