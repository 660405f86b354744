package slot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository needs. pgxmock
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

const slotColumns = `id, doctor_id, slot_date, start_time, end_time, state, holder_id, held_at, created_at, updated_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.State,
		&s.HolderID,
		&s.HeldAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

// ReserveSlot performs the open -> held transition. The state guard in the
// WHERE clause is the single mutual-exclusion point for the whole system:
// of any number of concurrent callers, exactly one matches the row.
func (r *PgRepository) ReserveSlot(ctx context.Context, slotID, holderID uuid.UUID, heldAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE time_slots
		SET state = 'held',
		    holder_id = $2,
		    held_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND state = 'open'
	`, slotID, holderID, heldAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, slotID)
	}
	return nil
}

// CommitSlot performs held -> booked for the holder that reserved.
func (r *PgRepository) CommitSlot(ctx context.Context, slotID, holderID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE time_slots
		SET state = 'booked',
		    updated_at = now()
		WHERE id = $1
		  AND holder_id = $2
		  AND state = 'held'
	`, slotID, holderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyHolderMiss(ctx, slotID)
	}
	return nil
}

// ReleaseSlot returns a held or booked slot to open and clears the holder.
func (r *PgRepository) ReleaseSlot(ctx context.Context, slotID, holderID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE time_slots
		SET state = 'open',
		    holder_id = NULL,
		    held_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND holder_id = $2
		  AND state IN ('held', 'booked')
	`, slotID, holderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyHolderMiss(ctx, slotID)
	}
	return nil
}

func (r *PgRepository) classifyMiss(ctx context.Context, slotID uuid.UUID) error {
	if _, err := r.GetSlot(ctx, slotID); err != nil {
		return err
	}
	return ErrSlotConflict
}

func (r *PgRepository) classifyHolderMiss(ctx context.Context, slotID uuid.UUID) error {
	if _, err := r.GetSlot(ctx, slotID); err != nil {
		return err
	}
	return ErrNotHolder
}

func (r *PgRepository) ListOpen(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE doctor_id = $1
		  AND slot_date = $2
		  AND state = 'open'
		  AND start_time > now()
		ORDER BY start_time
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func (r *PgRepository) ListRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE doctor_id = $1
		  AND slot_date >= $2
		  AND slot_date <= $3
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func (r *PgRepository) FindExpiredHolds(ctx context.Context, heldBefore time.Time) ([]TimeSlot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE state = 'held'
		  AND held_at IS NOT NULL
		  AND held_at < $1
	`, heldBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func collectSlots(rows pgx.Rows) ([]TimeSlot, error) {
	var result []TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
