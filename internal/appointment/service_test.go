package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clinicbook/booking-engine/internal/payment"
	"github.com/clinicbook/booking-engine/internal/policy"
	"github.com/clinicbook/booking-engine/internal/slot"
)

// In-memory fakes. The repo mirrors the guarded-update semantics of the
// real one so races classify the same way.

type fakeRepo struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]*Patient
	doctors      map[uuid.UUID]*Doctor
	fees         map[uuid.UUID]Fee
	appointments map[uuid.UUID]*Appointment
	slots        map[uuid.UUID]*slot.TimeSlot
	payStatus    map[uuid.UUID]string
	events       []EventLog

	failCreate bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		patients:     make(map[uuid.UUID]*Patient),
		doctors:      make(map[uuid.UUID]*Doctor),
		fees:         make(map[uuid.UUID]Fee),
		appointments: make(map[uuid.UUID]*Appointment),
		slots:        make(map[uuid.UUID]*slot.TimeSlot),
		payStatus:    make(map[uuid.UUID]string),
	}
}

func (r *fakeRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func (r *fakeRepo) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

func (r *fakeRepo) GetFee(_ context.Context, doctorID uuid.UUID, _ ConsultationType) (*Fee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fees[doctorID]
	if !ok {
		return nil, ErrInvalidConsultationType
	}
	return &f, nil
}

func (r *fakeRepo) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) GetDetail(_ context.Context, id uuid.UUID) (*Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	s := r.slots[a.SlotID]
	return &Detail{
		Appointment:   cp,
		Slot:          s,
		PaymentStatus: r.payStatus[a.ID],
	}, nil
}

func (r *fakeRepo) CreatePendingWithPayment(_ context.Context, appt Appointment, fee Fee) (*Appointment, *payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate {
		return nil, nil, errors.New("insert failed")
	}
	appt.Status = StatusPending
	r.appointments[appt.ID] = &appt
	r.payStatus[appt.ID] = string(payment.StatusCreated)
	cp := appt
	return &cp, &payment.Payment{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		AmountCents:   fee.AmountCents,
		Currency:      fee.Currency,
		Status:        payment.StatusCreated,
	}, nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrStaleTransition
	}
	a.Status = to
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) MarkCancelled(_ context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || a.Status.Terminal() {
		return nil, ErrStaleTransition
	}
	a.Status = StatusCancelled
	a.CancellationReason = &reason
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) MarkExpired(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || a.Status != StatusPending {
		return nil, ErrStaleTransition
	}
	a.Status = StatusCancelled
	reason := ReasonPaymentTimeout
	a.CancellationReason = &reason
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) ListByPatient(_ context.Context, patientID uuid.UUID, status *Status, _, _ int) ([]Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Detail
	for _, a := range r.appointments {
		if a.PatientID != patientID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, Detail{Appointment: *a, Slot: r.slots[a.SlotID]})
	}
	return out, nil
}

func (r *fakeRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, status *Status, _, _ int) ([]Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Detail
	for _, a := range r.appointments {
		if a.DoctorID != doctorID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, Detail{Appointment: *a, Slot: r.slots[a.SlotID]})
	}
	return out, nil
}

func (r *fakeRepo) FindConfirmedEnded(_ context.Context, now time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status != StatusConfirmed {
			continue
		}
		s := r.slots[a.SlotID]
		if s != nil && s.EndTime.Before(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	reserves int
	commits  int
	releases int
	expired  []slot.TimeSlot

	reserveErr error
}

func (l *fakeLedger) Reserve(_ context.Context, _, _, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserves++
	return nil
}

func (l *fakeLedger) Commit(_ context.Context, _, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits++
	return nil
}

func (l *fakeLedger) Release(_ context.Context, _, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLedger) ExpiredHolds(_ context.Context, _ time.Time, _ time.Duration) ([]slot.TimeSlot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expired, nil
}

type fakePayments struct {
	mu       sync.Mutex
	byAppt   map[uuid.UUID]*payment.Payment
	failed   []uuid.UUID
	refunded []uuid.UUID
}

func newFakePayments() *fakePayments {
	return &fakePayments{byAppt: make(map[uuid.UUID]*payment.Payment)}
}

func (p *fakePayments) GetByAppointmentID(_ context.Context, appointmentID uuid.UUID) (*payment.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.byAppt[appointmentID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	cp := *pay
	return &cp, nil
}

func (p *fakePayments) MarkFailed(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, id)
	return nil
}

func (p *fakePayments) MarkRefunded(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, id)
	return nil
}

type countingNotifier struct {
	mu        sync.Mutex
	confirmed int
	cancelled int
}

func (n *countingNotifier) AppointmentConfirmed(context.Context, *Appointment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed++
}

func (n *countingNotifier) AppointmentCancelled(context.Context, *Appointment, float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
}

type fixture struct {
	svc      *Service
	repo     *fakeRepo
	ledger   *fakeLedger
	payments *fakePayments
	notifier *countingNotifier

	patientID uuid.UUID
	doctorID  uuid.UUID
	slotID    uuid.UUID
}

func newFixture(t *testing.T, slotStart time.Time) *fixture {
	t.Helper()

	repo := newFakeRepo()
	ledger := &fakeLedger{}
	payments := newFakePayments()
	notifier := &countingNotifier{}

	f := &fixture{
		svc:       NewService(repo, ledger, payments, policy.NewEngine(12*time.Hour), notifier, nil, nil, 15*time.Minute),
		repo:      repo,
		ledger:    ledger,
		payments:  payments,
		notifier:  notifier,
		patientID: uuid.New(),
		doctorID:  uuid.New(),
		slotID:    uuid.New(),
	}

	repo.patients[f.patientID] = &Patient{ID: f.patientID, Name: "Asha Shrestha"}
	repo.doctors[f.doctorID] = &Doctor{ID: f.doctorID, Name: "Dr. Karki"}
	repo.fees[f.doctorID] = Fee{AmountCents: 150000, Currency: "NPR"}
	repo.slots[f.slotID] = &slot.TimeSlot{
		ID:        f.slotID,
		DoctorID:  f.doctorID,
		StartTime: slotStart,
		EndTime:   slotStart.Add(30 * time.Minute),
		State:     slot.StateOpen,
	}

	return f
}

func (f *fixture) book(t *testing.T) (*Appointment, *payment.Payment) {
	t.Helper()
	appt, pay, err := f.svc.Create(context.Background(), CreateRequest{
		PatientID:        f.patientID,
		DoctorID:         f.doctorID,
		SlotID:           f.slotID,
		ConsultationType: ConsultationFirstVisit,
		Symptoms:         "persistent cough",
	})
	require.NoError(t, err)
	f.payments.mu.Lock()
	f.payments.byAppt[appt.ID] = pay
	f.payments.mu.Unlock()
	return appt, pay
}

func TestCreateReservesSlotAndWritesPendingBooking(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))

	appt, pay := f.book(t)

	require.Equal(t, StatusPending, appt.Status)
	require.Equal(t, payment.StatusCreated, pay.Status)
	require.Equal(t, int64(150000), pay.AmountCents)
	require.Equal(t, 1, f.ledger.reserves)
}

func TestCreateRejectsUnknownConsultationType(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))

	_, _, err := f.svc.Create(context.Background(), CreateRequest{
		PatientID:        f.patientID,
		DoctorID:         f.doctorID,
		SlotID:           f.slotID,
		ConsultationType: ConsultationType("house_call"),
	})
	require.ErrorIs(t, err, ErrInvalidConsultationType)
	require.Zero(t, f.ledger.reserves)
}

func TestCreateReleasesHoldWhenInsertFails(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	f.repo.failCreate = true

	_, _, err := f.svc.Create(context.Background(), CreateRequest{
		PatientID:        f.patientID,
		DoctorID:         f.doctorID,
		SlotID:           f.slotID,
		ConsultationType: ConsultationFirstVisit,
	})
	require.Error(t, err)
	require.Equal(t, 1, f.ledger.reserves)
	require.Equal(t, 1, f.ledger.releases)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, pay := f.book(t)

	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))

	got, err := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, got.Status)

	// Exactly one notification despite three confirms.
	require.Equal(t, 1, f.notifier.confirmed)
}

func TestConfirmRejectsForeignPayment(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, _ := f.book(t)

	err := f.svc.Confirm(context.Background(), appt.ID, uuid.New())
	require.ErrorIs(t, err, ErrPaymentMismatch)

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusPending, got.Status)
}

func TestConfirmOnCancelledReturnsAlreadyTerminal(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, pay := f.book(t)

	_, _, err := f.svc.Cancel(context.Background(), appt.ID, "changed my mind")
	require.NoError(t, err)

	err = f.svc.Confirm(context.Background(), appt.ID, pay.ID)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancelOnTerminalNeverTouchesLedger(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, _ := f.book(t)

	_, _, err := f.svc.Cancel(context.Background(), appt.ID, "first")
	require.NoError(t, err)
	releasesAfterFirst := f.ledger.releases

	_, _, err = f.svc.Cancel(context.Background(), appt.ID, "second")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	require.Equal(t, releasesAfterFirst, f.ledger.releases)
}

func TestCancelRefundsInFullBeforeCutoff(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, pay := f.book(t)
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))
	f.repo.mu.Lock()
	f.repo.payStatus[appt.ID] = string(payment.StatusVerified)
	f.repo.mu.Unlock()

	_, verdict, err := f.svc.Cancel(context.Background(), appt.ID, "schedule conflict")
	require.NoError(t, err)
	require.True(t, verdict.Allowed)
	require.Equal(t, 1.0, verdict.RefundFraction)
	require.Equal(t, []uuid.UUID{pay.ID}, f.payments.refunded)
	require.Equal(t, 1, f.ledger.releases)
}

func TestCancelInsideCutoffForfeitsRefund(t *testing.T) {
	f := newFixture(t, time.Now().Add(2*time.Hour))
	appt, pay := f.book(t)
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))
	f.repo.mu.Lock()
	f.repo.payStatus[appt.ID] = string(payment.StatusVerified)
	f.repo.mu.Unlock()

	_, verdict, err := f.svc.Cancel(context.Background(), appt.ID, "cold feet")
	require.NoError(t, err)
	require.Zero(t, verdict.RefundFraction)
	require.Empty(t, f.payments.refunded)
}

func TestCancelRefusedAfterStart(t *testing.T) {
	f := newFixture(t, time.Now().Add(-time.Hour))
	appt, _ := f.book(t)

	_, _, err := f.svc.Cancel(context.Background(), appt.ID, "too late")
	require.ErrorIs(t, err, ErrCancellationNotAllowed)

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusPending, got.Status)
	require.Zero(t, f.ledger.releases)
}

func TestExpireCancelsWithPaymentTimeoutReason(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, pay := f.book(t)

	require.NoError(t, f.svc.Expire(context.Background(), appt.ID))

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancellationReason)
	require.Equal(t, ReasonPaymentTimeout, *got.CancellationReason)
	require.Equal(t, []uuid.UUID{pay.ID}, f.payments.failed)
	require.Equal(t, 1, f.ledger.releases)

	require.ErrorIs(t, f.svc.Expire(context.Background(), appt.ID), ErrAlreadyTerminal)
}

func TestReapExpiredHoldsCancelsStalePendingBookings(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, _ := f.book(t)

	holder := appt.ID
	f.ledger.expired = []slot.TimeSlot{{ID: f.slotID, HolderID: &holder}}

	reaped, err := f.svc.ReapExpiredHolds(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, ReasonPaymentTimeout, *got.CancellationReason)

	// Second cycle finds the same hold already terminal and skips it.
	reaped, err = f.svc.ReapExpiredHolds(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, reaped)
}

func TestReapSkipsHoldsConfirmedInFlight(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, pay := f.book(t)
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))

	// The scan is stale: the hold was confirmed after the ledger listed
	// it. The pending-only expire guard must leave the booking alone.
	holder := appt.ID
	f.ledger.expired = []slot.TimeSlot{{ID: f.slotID, HolderID: &holder}}

	reaped, err := f.svc.ReapExpiredHolds(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, reaped)

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusConfirmed, got.Status)
}

func TestSweepCompletesEndedConfirmedAppointments(t *testing.T) {
	f := newFixture(t, time.Now().Add(-2*time.Hour))
	appt, pay := f.book(t)
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))

	swept, err := f.svc.SweepCompleted(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusCompleted, got.Status)

	swept, err = f.svc.SweepCompleted(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestCompleteIfPastIgnoresFutureAndNonConfirmed(t *testing.T) {
	f := newFixture(t, time.Now().Add(48*time.Hour))
	appt, pay := f.book(t)

	// Pending: no-op.
	require.NoError(t, f.svc.CompleteIfPast(context.Background(), appt.ID, time.Now()))
	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusPending, got.Status)

	// Confirmed but slot still in the future: no-op.
	require.NoError(t, f.svc.Confirm(context.Background(), appt.ID, pay.ID))
	require.NoError(t, f.svc.CompleteIfPast(context.Background(), appt.ID, time.Now()))
	got, _ = f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusConfirmed, got.Status)

	// Past the end time: completes.
	require.NoError(t, f.svc.CompleteIfPast(context.Background(), appt.ID, time.Now().Add(72*time.Hour)))
	got, _ = f.repo.GetAppointment(context.Background(), appt.ID)
	require.Equal(t, StatusCompleted, got.Status)
}
