package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicbook/booking-engine/internal/metrics"
	redisclient "github.com/clinicbook/booking-engine/internal/redis"
)

// ErrSlotBeingBooked means another booking attempt holds the per-slot lock
// right now. The caller should simply retry.
var ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

// Ledger owns every slot state transition. Reserve is the only place in the
// system where two patients can race for the same resource.
type Ledger struct {
	repo    Repository
	locker  redisclient.Locker
	metrics *metrics.Collector
	log     *zap.Logger
}

func NewLedger(repo Repository, locker redisclient.Locker, collector *metrics.Collector, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		repo:    repo,
		locker:  locker,
		metrics: collector,
		log:     log,
	}
}

// Reserve transitions an open slot to held on behalf of holderID. Exactly
// one of any set of concurrent callers wins; the rest get ErrSlotConflict
// (slot taken) or ErrSlotBeingBooked (lock contention, retryable).
//
// The Redis lock is an optimistic guard that keeps racing bookers from
// hammering the row; the conditional update in the repository is the
// authority, so correctness survives Redis being down or the lock expiring.
func (l *Ledger) Reserve(ctx context.Context, doctorID, slotID, holderID uuid.UUID) error {
	s, err := l.repo.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if s.DoctorID != doctorID {
		return fmt.Errorf("%w: slot belongs to a different doctor", ErrSlotNotFound)
	}
	if s.State != StateOpen {
		l.metrics.IncReservation("conflict")
		return ErrSlotConflict
	}
	if !s.StartTime.After(time.Now()) {
		l.metrics.IncReservation("conflict")
		return ErrSlotConflict
	}

	err = l.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return l.repo.ReserveSlot(lockCtx, slotID, holderID, time.Now())
	})
	switch {
	case err == nil:
		l.metrics.IncReservation("reserved")
		return nil
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		l.metrics.IncReservation("contended")
		return ErrSlotBeingBooked
	case errors.Is(err, ErrSlotConflict):
		l.metrics.IncReservation("conflict")
		return err
	default:
		return err
	}
}

// Commit transitions held -> booked. Valid only for the reserve holder.
// A slot already booked by the same holder commits cleanly, so a repeated
// payment confirmation is a no-op rather than an error.
func (l *Ledger) Commit(ctx context.Context, slotID, holderID uuid.UUID) error {
	err := l.repo.CommitSlot(ctx, slotID, holderID)
	if err == nil || !errors.Is(err, ErrNotHolder) {
		return err
	}

	s, getErr := l.repo.GetSlot(ctx, slotID)
	if getErr == nil && s.State == StateBooked && s.HolderID != nil && *s.HolderID == holderID {
		return nil
	}
	return err
}

// Release returns a held or booked slot to open. Valid only for the holder.
func (l *Ledger) Release(ctx context.Context, slotID, holderID uuid.UUID) error {
	return l.repo.ReleaseSlot(ctx, slotID, holderID)
}

func (l *Ledger) Get(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	return l.repo.GetSlot(ctx, slotID)
}

// ListOpen returns the bookable slots for one doctor on one day, ordered by
// start time.
func (l *Ledger) ListOpen(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	return l.repo.ListOpen(ctx, doctorID, date)
}

// ListRange returns all slots for a doctor between two dates, any state.
func (l *Ledger) ListRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	return l.repo.ListRange(ctx, doctorID, from, to)
}

// ExpiredHolds returns held slots whose hold started before now-ttl.
func (l *Ledger) ExpiredHolds(ctx context.Context, now time.Time, ttl time.Duration) ([]TimeSlot, error) {
	return l.repo.FindExpiredHolds(ctx, now.Add(-ttl))
}
