package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository needs.
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

const detailQuery = `
	SELECT p.id, p.appointment_id, p.amount_cents, p.currency, p.status,
	       p.provider_pidx, p.provider_txn_id, p.created_at, p.updated_at,
	       a.status
	FROM payments p
	JOIN appointments a ON a.id = p.appointment_id
`

func scanDetail(row pgx.Row) (*Detail, error) {
	var d Detail

	err := row.Scan(
		&d.ID,
		&d.AppointmentID,
		&d.AmountCents,
		&d.Currency,
		&d.Status,
		&d.ProviderPidx,
		&d.ProviderTxnID,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.AppointmentStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	return &d, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Detail, error) {
	row := r.db.QueryRow(ctx, detailQuery+` WHERE p.id = $1`, id)
	return scanDetail(row)
}

func (r *PgRepository) GetByPidx(ctx context.Context, pidx string) (*Detail, error) {
	row := r.db.QueryRow(ctx, detailQuery+` WHERE p.provider_pidx = $1`, pidx)
	return scanDetail(row)
}

func (r *PgRepository) GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, appointment_id, amount_cents, currency, status,
		       provider_pidx, provider_txn_id, created_at, updated_at
		FROM payments
		WHERE appointment_id = $1
	`, appointmentID)

	var p Payment
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.AmountCents,
		&p.Currency,
		&p.Status,
		&p.ProviderPidx,
		&p.ProviderTxnID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	return &p, nil
}

// MarkInitiated stores the provider identifiers while the payment is still
// in created. Storing them in the same statement that advances the status
// means a session the provider may have opened is never untracked.
func (r *PgRepository) MarkInitiated(ctx context.Context, id uuid.UUID, pidx, txnID string) error {
	return r.guardedUpdate(ctx, `
		UPDATE payments
		SET status = 'initiated',
		    provider_pidx = $2,
		    provider_txn_id = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'created'
	`, id, pidx, txnID)
}

func (r *PgRepository) MarkVerified(ctx context.Context, id uuid.UUID, txnID string) error {
	return r.guardedUpdate(ctx, `
		UPDATE payments
		SET status = 'verified',
		    provider_txn_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'initiated'
	`, id, txnID)
}

func (r *PgRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.guardedUpdate(ctx, `
		UPDATE payments
		SET status = 'failed',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'initiated'
	`, id)
}

func (r *PgRepository) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	return r.guardedUpdate(ctx, `
		UPDATE payments
		SET status = 'refunded',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'verified'
	`, id)
}

func (r *PgRepository) guardedUpdate(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}
