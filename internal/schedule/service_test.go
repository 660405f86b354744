package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clinicbook/booking-engine/internal/appointment"
	"github.com/clinicbook/booking-engine/internal/slot"
)

type stubSlots struct {
	open   []slot.TimeSlot
	ranged []slot.TimeSlot
}

func (s *stubSlots) ListOpen(context.Context, uuid.UUID, time.Time) ([]slot.TimeSlot, error) {
	return s.open, nil
}

func (s *stubSlots) ListRange(context.Context, uuid.UUID, time.Time, time.Time) ([]slot.TimeSlot, error) {
	return s.ranged, nil
}

type stubAppointments struct {
	byDoctor map[uuid.UUID][]appointment.Detail
}

func (s *stubAppointments) ListByDoctor(_ context.Context, doctorID uuid.UUID, status *appointment.Status, _, _ int) ([]appointment.Detail, error) {
	var out []appointment.Detail
	for _, det := range s.byDoctor[doctorID] {
		if status == nil || det.Status == *status {
			out = append(out, det)
		}
	}
	return out, nil
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestAvailabilityReturnsOpenSlots(t *testing.T) {
	doctorID := uuid.New()
	open := []slot.TimeSlot{
		{ID: uuid.New(), DoctorID: doctorID, State: slot.StateOpen},
		{ID: uuid.New(), DoctorID: doctorID, State: slot.StateOpen},
	}
	svc := NewService(&stubSlots{open: open}, &stubAppointments{}, nil)

	got, err := svc.Availability(context.Background(), doctorID, day(t, "2026-03-10"))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestCalendarJoinsBookedSlotsToTheirAppointment(t *testing.T) {
	doctorID := uuid.New()
	apptID := uuid.New()

	bookedSlot := slot.TimeSlot{
		ID:       uuid.New(),
		DoctorID: doctorID,
		Date:     day(t, "2026-03-10"),
		State:    slot.StateBooked,
	}
	openSlot := slot.TimeSlot{
		ID:       uuid.New(),
		DoctorID: doctorID,
		Date:     day(t, "2026-03-11"),
		State:    slot.StateOpen,
	}

	appts := &stubAppointments{byDoctor: map[uuid.UUID][]appointment.Detail{
		doctorID: {{
			Appointment: appointment.Appointment{
				ID:       apptID,
				DoctorID: doctorID,
				SlotID:   bookedSlot.ID,
				Symptoms: "migraine",
				Status:   appointment.StatusConfirmed,
			},
			PatientName: "Asha Shrestha",
		}},
	}}

	svc := NewService(&stubSlots{ranged: []slot.TimeSlot{bookedSlot, openSlot}}, appts, nil)

	cal, err := svc.Calendar(context.Background(), doctorID, day(t, "2026-03-09"), day(t, "2026-03-12"))
	require.NoError(t, err)
	require.Len(t, cal, 2)

	booked := cal["2026-03-10"]
	require.Len(t, booked, 1)
	require.NotNil(t, booked[0].Appointment)
	require.Equal(t, apptID, booked[0].Appointment.AppointmentID)
	require.Equal(t, "Asha Shrestha", booked[0].Appointment.PatientName)
	require.Equal(t, "migraine", booked[0].Appointment.Symptoms)

	free := cal["2026-03-11"]
	require.Len(t, free, 1)
	require.Nil(t, free[0].Appointment)
}

func TestCalendarDoesNotLeakOtherDoctorsAppointments(t *testing.T) {
	doctorID := uuid.New()
	otherDoctor := uuid.New()

	mySlot := slot.TimeSlot{
		ID:       uuid.New(),
		DoctorID: doctorID,
		Date:     day(t, "2026-03-10"),
		State:    slot.StateBooked,
	}

	// Only the other doctor has appointments; the lookup is scoped by
	// doctor id, so none of them may attach to this calendar.
	appts := &stubAppointments{byDoctor: map[uuid.UUID][]appointment.Detail{
		otherDoctor: {{
			Appointment: appointment.Appointment{
				ID:       uuid.New(),
				DoctorID: otherDoctor,
				SlotID:   mySlot.ID,
				Status:   appointment.StatusConfirmed,
			},
			PatientName: "Someone Else",
		}},
	}}

	svc := NewService(&stubSlots{ranged: []slot.TimeSlot{mySlot}}, appts, nil)

	cal, err := svc.Calendar(context.Background(), doctorID, day(t, "2026-03-09"), day(t, "2026-03-12"))
	require.NoError(t, err)
	require.Nil(t, cal["2026-03-10"][0].Appointment)
}

func TestCalendarIgnoresTerminalAppointments(t *testing.T) {
	doctorID := uuid.New()

	sl := slot.TimeSlot{
		ID:       uuid.New(),
		DoctorID: doctorID,
		Date:     day(t, "2026-03-10"),
		State:    slot.StateOpen,
	}

	appts := &stubAppointments{byDoctor: map[uuid.UUID][]appointment.Detail{
		doctorID: {{
			Appointment: appointment.Appointment{
				ID:       uuid.New(),
				DoctorID: doctorID,
				SlotID:   sl.ID,
				Status:   appointment.StatusCancelled,
			},
		}},
	}}

	svc := NewService(&stubSlots{ranged: []slot.TimeSlot{sl}}, appts, nil)

	cal, err := svc.Calendar(context.Background(), doctorID, day(t, "2026-03-09"), day(t, "2026-03-12"))
	require.NoError(t, err)
	require.Nil(t, cal["2026-03-10"][0].Appointment)
}
