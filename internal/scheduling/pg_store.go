package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

// PgStore implements AppointmentStore and ClinicianStore on Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var previousID *uuid.UUID
	var confirmedAt, actualStart, actualEnd *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ClinicianID,
		&a.ScheduledStart,
		&a.ScheduledEnd,
		&a.Status,
		&a.Type,
		&a.Timezone,
		&a.PatientNotes,
		&a.ClinicianNotes,
		&previousID,
		&confirmedAt,
		&actualStart,
		&actualEnd,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, wrapStoreErr(err)
	}

	a.PreviousID = previousID
	a.ConfirmedAt = confirmedAt
	a.ActualStart = actualStart
	a.ActualEnd = actualEnd
	return &a, nil
}

func scanClinician(row pgx.Row) (*Clinician, error) {
	var c Clinician
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Specialty,
		&c.Timezone,
		&c.IsAvailable,
		&c.IsVerified,
		&c.Rating,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicianNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &c, nil
}

// wrapStoreErr folds driver failures into the retryable taxonomy.
func wrapStoreErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

const appointmentColumns = `id, patient_id, clinician_id, scheduled_start, scheduled_end, status,
		appointment_type, timezone, patient_notes, clinician_notes, previous_id,
		confirmed_at, actual_start, actual_end, created_at, updated_at`

// AppointmentStore

func (s *PgStore) ListByClinician(ctx context.Context, clinicianID uuid.UUID, r DateRange, statuses []AppointmentStatus) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinician_id = $1
		  AND scheduled_start >= $2
		  AND scheduled_start < $3
		  AND status = ANY($4)
		ORDER BY scheduled_start ASC
	`, clinicianID, r.From, r.To, statusStrings(statuses))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (s *PgStore) ListByPatient(ctx context.Context, patientID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND status = ANY($2)
		ORDER BY scheduled_start DESC
	`, patientID, statusStrings(statuses))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (s *PgStore) Insert(ctx context.Context, a *Appointment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, clinician_id, scheduled_start, scheduled_end,
			status, appointment_type, timezone, patient_notes, clinician_notes, previous_id,
			confirmed_at, actual_start, actual_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
	`, a.ID, a.PatientID, a.ClinicianID, a.ScheduledStart, a.ScheduledEnd,
		a.Status, a.Type, a.Timezone, a.PatientNotes, a.ClinicianNotes, a.PreviousID,
		a.ConfirmedAt, a.ActualStart, a.ActualEnd)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return wrapStoreErr(err)
	}
	return nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, stamp StatusStamp) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    confirmed_at = COALESCE($4, confirmed_at),
		    actual_start = COALESCE($5, actual_start),
		    actual_end = COALESCE($6, actual_end),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from, stamp.ConfirmedAt, stamp.ActualStart, stamp.ActualEnd)

	return scanAppointment(row)
}

func (s *PgStore) Read(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// ClinicianStore

func (s *PgStore) Search(ctx context.Context, q ClinicianSearch) ([]Clinician, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, specialty, timezone, is_available, is_verified, rating, created_at, updated_at
		FROM clinicians
		WHERE ($1 = '' OR lower(specialty) = lower($1))
		  AND ($2::boolean IS NULL OR is_available = $2)
		  AND ($3::boolean IS NULL OR is_verified = $3)
		ORDER BY id ASC
	`, q.Specialty, q.IsAvailable, q.IsVerified)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []Clinician
	for rows.Next() {
		c, err := scanClinician(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}
	return out, nil
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, specialty, timezone, is_available, is_verified, rating, created_at, updated_at
		FROM clinicians
		WHERE id = $1
	`, id)
	return scanClinician(row)
}

func (s *PgStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, timezone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Timezone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &p, nil
}

func (s *PgStore) TemplatesFor(ctx context.Context, clinicianID uuid.UUID, weekday int, t AppointmentType) ([]AvailabilityTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, clinician_id, day_of_week,
		       morning_start_minute, morning_end_minute,
		       afternoon_start_minute, afternoon_end_minute,
		       slot_minutes, buffer_minutes, max_concurrent, appointment_type, is_active
		FROM availability_templates
		WHERE clinician_id = $1
		  AND day_of_week = $2
		  AND appointment_type = $3
		  AND is_active
		ORDER BY id ASC
	`, clinicianID, weekday, t)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []AvailabilityTemplate
	for rows.Next() {
		var tpl AvailabilityTemplate
		var mStart, mEnd, aStart, aEnd *int
		err := rows.Scan(&tpl.ID, &tpl.ClinicianID, &tpl.DayOfWeek,
			&mStart, &mEnd, &aStart, &aEnd,
			&tpl.SlotMinutes, &tpl.BufferMinutes, &tpl.MaxConcurrent, &tpl.AppointmentType, &tpl.IsActive)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		if mStart != nil && mEnd != nil {
			tpl.Morning = &TimeWindow{StartMinute: *mStart, EndMinute: *mEnd}
		}
		if aStart != nil && aEnd != nil {
			tpl.Afternoon = &TimeWindow{StartMinute: *aStart, EndMinute: *aEnd}
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}
	return out, nil
}

func (s *PgStore) OverrideFor(ctx context.Context, clinicianID uuid.UUID, date time.Time) (*AvailabilityOverride, error) {
	var o AvailabilityOverride
	err := s.pool.QueryRow(ctx, `
		SELECT id, clinician_id, override_date, is_available, reason, created_at
		FROM availability_overrides
		WHERE clinician_id = $1
		  AND override_date = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, clinicianID, date).Scan(&o.ID, &o.ClinicianID, &o.Date, &o.IsAvailable, &o.Reason, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreErr(err)
	}
	return &o, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}
	return out, nil
}

func statusStrings(statuses []AppointmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// PgEventSink appends lifecycle events to event_logs. Failures are logged
// and swallowed so a flaky sink never blocks a booking.
type PgEventSink struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

func NewPgEventSink(pool *pgxpool.Pool, logger *logging.Logger) *PgEventSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &PgEventSink{pool: pool, logger: logger}
}

func (s *PgEventSink) Publish(ctx context.Context, ev LifecycleEvent) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (appointment_id, job_id, kind, actor, payload, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, ev.AppointmentID, ev.JobID, ev.Kind, ev.Actor, ev.Payload, ev.Success, nullableTime(ev.CreatedAt))
	if err != nil {
		s.logger.Error("failed to insert lifecycle event", "kind", ev.Kind, "error", err)
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
