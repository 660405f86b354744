package payment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusInitiated Status = "initiated"
	StatusVerified  Status = "verified"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment tracks the money side of one appointment. ProviderPidx and
// ProviderTxnID are the external provider's identifiers; they are persisted
// the moment a session is initiated so a crashed adapter can always be
// reconciled against the provider's records.
type Payment struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	AmountCents   int64
	Currency      string
	Status        Status
	ProviderPidx  *string
	ProviderTxnID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
