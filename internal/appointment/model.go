package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicbook/booking-engine/internal/slot"
)

// State transitions:
//
//	pending → confirmed → completed
//	pending → cancelled
//	confirmed → cancelled
//
// completed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransitionTo(next Status) bool {
	allowed := map[Status][]Status{
		StatusPending:   {StatusConfirmed, StatusCancelled},
		StatusConfirmed: {StatusCompleted, StatusCancelled},
		StatusCompleted: {},
		StatusCancelled: {},
	}

	for _, n := range allowed[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ReasonPaymentTimeout marks appointments cancelled by the hold reaper
// because payment never arrived inside the hold window.
const ReasonPaymentTimeout = "payment_timeout"

type ConsultationType string

const (
	ConsultationFirstVisit ConsultationType = "first_visit"
	ConsultationFollowUp   ConsultationType = "follow_up"
	ConsultationReport     ConsultationType = "report_review"
)

func (c ConsultationType) IsValid() bool {
	switch c {
	case ConsultationFirstVisit, ConsultationFollowUp, ConsultationReport:
		return true
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fee is the price of one consultation type for one doctor.
type Fee struct {
	AmountCents int64
	Currency    string
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	SlotID             uuid.UUID
	ConsultationType   ConsultationType
	Symptoms           string
	Notes              string
	Status             Status
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Detail is a fully hydrated appointment for doctor/patient facing views.
type Detail struct {
	Appointment
	Slot          *slot.TimeSlot
	PatientName   string
	DoctorName    string
	PaymentStatus string
	AmountCents   int64
}
