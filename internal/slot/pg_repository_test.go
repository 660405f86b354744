package slot

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestReserveSlotIssuesGuardedUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	slotID := uuid.New()
	holderID := uuid.New()
	heldAt := time.Now()

	mock.ExpectExec(`UPDATE time_slots`).
		WithArgs(slotID, holderID, heldAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.ReserveSlot(context.Background(), slotID, holderID, heldAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveSlotConflictWhenGuardMisses(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	slotID := uuid.New()
	holderID := uuid.New()
	heldAt := time.Now()

	// Zero rows updated: the slot was not open. The repo re-reads the row
	// to distinguish conflict from not-found.
	mock.ExpectExec(`UPDATE time_slots`).
		WithArgs(slotID, holderID, heldAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	other := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM time_slots`).
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "doctor_id", "slot_date", "start_time", "end_time",
			"state", "holder_id", "held_at", "created_at", "updated_at",
		}).AddRow(slotID, uuid.New(), now, now, now.Add(30*time.Minute),
			State("held"), &other, &now, now, now))

	err = repo.ReserveSlot(context.Background(), slotID, holderID, heldAt)
	require.ErrorIs(t, err, ErrSlotConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitSlotNotHolder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	slotID := uuid.New()
	holderID := uuid.New()

	mock.ExpectExec(`UPDATE time_slots`).
		WithArgs(slotID, holderID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	other := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM time_slots`).
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "doctor_id", "slot_date", "start_time", "end_time",
			"state", "holder_id", "held_at", "created_at", "updated_at",
		}).AddRow(slotID, uuid.New(), now, now, now.Add(30*time.Minute),
			State("held"), &other, &now, now, now))

	err = repo.CommitSlot(context.Background(), slotID, holderID)
	require.ErrorIs(t, err, ErrNotHolder)
	require.NoError(t, mock.ExpectationsWereMet())
}
