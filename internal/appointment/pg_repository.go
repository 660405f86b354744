package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicbook/booking-engine/internal/payment"
	"github.com/clinicbook/booking-engine/internal/slot"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

const appointmentColumns = `id, patient_id, doctor_id, slot_id, consultation_type, symptoms, notes, status, cancellation_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var symptoms, notes *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&a.ConsultationType,
		&symptoms,
		&notes,
		&a.Status,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if symptoms != nil {
		a.Symptoms = *symptoms
	}
	if notes != nil {
		a.Notes = *notes
	}
	return &a, nil
}

// Interface methods

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetFee(ctx context.Context, doctorID uuid.UUID, consultationType ConsultationType) (*Fee, error) {
	var f Fee
	err := r.db.QueryRow(ctx, `
		SELECT amount_cents, currency
		FROM consultation_fees
		WHERE doctor_id = $1 AND consultation_type = $2
	`, doctorID, consultationType).Scan(&f.AmountCents, &f.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidConsultationType
		}
		return nil, err
	}
	return &f, nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// CreatePendingWithPayment writes the appointment and its payment in one
// transaction so a crash can never leave one without the other.
func (r *PgRepository) CreatePendingWithPayment(ctx context.Context, appt Appointment, fee Fee) (*Appointment, *payment.Payment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin booking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_id, consultation_type, symptoms, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', now(), now())
		RETURNING `+appointmentColumns+`
	`, appt.ID, appt.PatientID, appt.DoctorID, appt.SlotID, appt.ConsultationType, appt.Symptoms, appt.Notes)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, nil, fmt.Errorf("insert appointment: %w", err)
	}

	payID := uuid.New()
	var pay payment.Payment
	err = tx.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, amount_cents, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'created', now(), now())
		RETURNING id, appointment_id, amount_cents, currency, status, provider_pidx, provider_txn_id, created_at, updated_at
	`, payID, created.ID, fee.AmountCents, fee.Currency).Scan(
		&pay.ID,
		&pay.AppointmentID,
		&pay.AmountCents,
		&pay.Currency,
		&pay.Status,
		&pay.ProviderPidx,
		&pay.ProviderTxnID,
		&pay.CreatedAt,
		&pay.UpdatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit booking tx: %w", err)
	}

	return created, &pay, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'confirmed')
		RETURNING `+appointmentColumns+`
	`, id, reason)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) MarkExpired(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+appointmentColumns+`
	`, id, ReasonPaymentTimeout)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}
	return appt, nil
}

const detailQuery = `
	SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.consultation_type,
	       a.symptoms, a.notes, a.status, a.cancellation_reason, a.created_at, a.updated_at,
	       s.id, s.doctor_id, s.slot_date, s.start_time, s.end_time, s.state, s.holder_id, s.held_at, s.created_at, s.updated_at,
	       pt.name, d.name, p.status, p.amount_cents
	FROM appointments a
	JOIN time_slots s ON s.id = a.slot_id
	JOIN patients pt ON pt.id = a.patient_id
	JOIN doctors d ON d.id = a.doctor_id
	JOIN payments p ON p.appointment_id = a.id
`

func scanDetail(row pgx.Row) (*Detail, error) {
	var det Detail
	var s slot.TimeSlot
	var symptoms, notes *string

	err := row.Scan(
		&det.ID,
		&det.PatientID,
		&det.DoctorID,
		&det.SlotID,
		&det.ConsultationType,
		&symptoms,
		&notes,
		&det.Status,
		&det.CancellationReason,
		&det.CreatedAt,
		&det.UpdatedAt,
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
		&det.PatientName,
		&det.DoctorName,
		&det.PaymentStatus,
		&det.AmountCents,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if symptoms != nil {
		det.Symptoms = *symptoms
	}
	if notes != nil {
		det.Notes = *notes
	}
	det.Slot = &s
	return &det, nil
}

func (r *PgRepository) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	row := r.db.QueryRow(ctx, detailQuery+` WHERE a.id = $1`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Detail, error) {
	return r.listDetails(ctx, `a.patient_id`, patientID, status, limit, offset)
}

func (r *PgRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID, status *Status, limit, offset int) ([]Detail, error) {
	return r.listDetails(ctx, `a.doctor_id`, doctorID, status, limit, offset)
}

func (r *PgRepository) listDetails(ctx context.Context, ownerColumn string, ownerID uuid.UUID, status *Status, limit, offset int) ([]Detail, error) {
	query := detailQuery + ` WHERE ` + ownerColumn + ` = $1`
	args := []any{ownerID}

	if status != nil {
		query += ` AND a.status = $2`
		args = append(args, *status)
	}

	query += fmt.Sprintf(` ORDER BY s.start_time LIMIT %d OFFSET %d`, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Detail
	for rows.Next() {
		det, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *det)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindConfirmedEnded(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+prefixedAppointmentColumns(`a`)+`
		FROM appointments a
		JOIN time_slots s ON s.id = a.slot_id
		WHERE a.status = 'confirmed'
		  AND s.end_time < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func prefixedAppointmentColumns(alias string) string {
	return alias + `.id, ` + alias + `.patient_id, ` + alias + `.doctor_id, ` + alias + `.slot_id, ` +
		alias + `.consultation_type, ` + alias + `.symptoms, ` + alias + `.notes, ` + alias + `.status, ` +
		alias + `.cancellation_reason, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
