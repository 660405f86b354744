// Package schedule is the read-only view over slots and appointments:
// patient-facing availability and the doctor's own calendar.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/appointment"
	"github.com/clinicbook/booking-engine/internal/slot"
)

// SlotReader is the slice of the slot ledger the query service reads.
type SlotReader interface {
	ListOpen(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]slot.TimeSlot, error)
	ListRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]slot.TimeSlot, error)
}

// AppointmentReader resolves booked slots to their booking summaries.
type AppointmentReader interface {
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, status *appointment.Status, limit, offset int) ([]appointment.Detail, error)
}

// Entry pairs one slot with the appointment occupying it, if any.
type Entry struct {
	Slot        slot.TimeSlot
	Appointment *Summary
}

// Summary is the patient-facing sliver of an appointment a doctor sees on
// their calendar. Scoped to that doctor's own bookings only.
type Summary struct {
	AppointmentID uuid.UUID
	PatientName   string
	Symptoms      string
	Status        appointment.Status
}

// calendarFetchLimit bounds how many live appointments one calendar render
// pulls per status.
const calendarFetchLimit = 500

type Service struct {
	slots SlotReader
	appts AppointmentReader
	log   *zap.Logger
}

func NewService(slots SlotReader, appts AppointmentReader, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		slots: slots,
		appts: appts,
		log:   log,
	}
}

// Availability lists the open, future slots for a doctor on one day.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]slot.TimeSlot, error) {
	return s.slots.ListOpen(ctx, doctorID, date)
}

// Calendar returns the doctor's slots between from and to, grouped by day,
// with held and booked slots joined to their live appointment. Slots whose
// appointment belongs to this doctor are the only ones ever resolved, so a
// doctor cannot see another doctor's patients through this view.
func (s *Service) Calendar(ctx context.Context, doctorID uuid.UUID, from, to time.Time) (map[string][]Entry, error) {
	slots, err := s.slots.ListRange(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}

	bySlot, err := s.liveAppointmentsBySlot(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	calendar := make(map[string][]Entry)
	for _, sl := range slots {
		entry := Entry{Slot: sl}
		if det, ok := bySlot[sl.ID]; ok {
			entry.Appointment = &Summary{
				AppointmentID: det.ID,
				PatientName:   det.PatientName,
				Symptoms:      det.Symptoms,
				Status:        det.Status,
			}
		}
		day := sl.Date.Format("2006-01-02")
		calendar[day] = append(calendar[day], entry)
	}

	return calendar, nil
}

// liveAppointmentsBySlot indexes the doctor's non-terminal appointments by
// slot. A slot can only have one live appointment at a time, so last write
// wins is safe here.
func (s *Service) liveAppointmentsBySlot(ctx context.Context, doctorID uuid.UUID) (map[uuid.UUID]appointment.Detail, error) {
	bySlot := make(map[uuid.UUID]appointment.Detail)

	for _, status := range []appointment.Status{appointment.StatusPending, appointment.StatusConfirmed} {
		st := status
		details, err := s.appts.ListByDoctor(ctx, doctorID, &st, calendarFetchLimit, 0)
		if err != nil {
			return nil, err
		}
		for _, det := range details {
			bySlot[det.SlotID] = det
		}
	}

	return bySlot, nil
}
