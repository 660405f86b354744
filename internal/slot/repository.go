package slot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound = errors.New("slot not found")
	// ErrSlotConflict means the slot was not open: someone else holds or
	// booked it. Expected under contention, surfaced to the user as
	// "pick another time".
	ErrSlotConflict = errors.New("slot is not open")
	// ErrNotHolder means the caller tried to commit or release a slot it
	// does not hold.
	ErrNotHolder = errors.New("caller does not hold this slot")
)

// Repository contains all DB interactions needed by the ledger.
type Repository interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)

	// Guarded state transitions. Each is a single conditional update:
	// the WHERE clause carries the expected current state (and holder),
	// so exactly one concurrent caller can win.
	ReserveSlot(ctx context.Context, slotID, holderID uuid.UUID, heldAt time.Time) error
	CommitSlot(ctx context.Context, slotID, holderID uuid.UUID) error
	ReleaseSlot(ctx context.Context, slotID, holderID uuid.UUID) error

	ListOpen(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error)
	ListRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error)

	// Reaper support
	FindExpiredHolds(ctx context.Context, heldBefore time.Time) ([]TimeSlot, error)
}
