package slot

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateOpen   State = "open"
	StateHeld   State = "held"
	StateBooked State = "booked"
)

// TimeSlot is a fixed window during which a doctor can take exactly one
// appointment. HolderID tracks the appointment currently holding or owning
// the slot; it is only meaningful while State is held or booked.
type TimeSlot struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime time.Time
	EndTime   time.Time
	State     State
	HolderID  *uuid.UUID
	HeldAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
