package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DateRange is a half-open UTC interval [From, To).
type DateRange struct {
	From time.Time
	To   time.Time
}

// AppointmentStore is the persistence seam for appointments. Only the
// consistency layer writes through it while holding a clinician lock; the
// slot engine and matcher read.
type AppointmentStore interface {
	ListByClinician(ctx context.Context, clinicianID uuid.UUID, r DateRange, statuses []AppointmentStatus) ([]Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error)
	Insert(ctx context.Context, appt *Appointment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, stamp StatusStamp) (*Appointment, error)
	Read(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Delete is the consistency layer's compensating delete for cancelled
	// jobs; it must be idempotent.
	Delete(ctx context.Context, id uuid.UUID) error
}

// StatusStamp carries the timestamps a transition sets.
type StatusStamp struct {
	ConfirmedAt *time.Time
	ActualStart *time.Time
	ActualEnd   *time.Time
}

// ClinicianSearch filters the clinician directory. Nil means "don't care".
type ClinicianSearch struct {
	Specialty   string
	IsAvailable *bool
	IsVerified  *bool
}

type ClinicianStore interface {
	Search(ctx context.Context, q ClinicianSearch) ([]Clinician, error)
	Get(ctx context.Context, id uuid.UUID) (*Clinician, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	TemplatesFor(ctx context.Context, clinicianID uuid.UUID, weekday int, t AppointmentType) ([]AvailabilityTemplate, error)
	OverrideFor(ctx context.Context, clinicianID uuid.UUID, date time.Time) (*AvailabilityOverride, error)
}

// EventSink receives lifecycle events. Publishing is fire-and-forget:
// implementations log failures, callers never block on them.
type EventSink interface {
	Publish(ctx context.Context, ev LifecycleEvent)
}

// VideoProvisioner creates a conferencing session when an appointment is
// confirmed. Optional; a nil provisioner skips the step.
type VideoProvisioner interface {
	CreateSession(ctx context.Context, appointmentID uuid.UUID) (string, error)
}

// LockHandle identifies one acquisition for idempotent release.
type LockHandle struct {
	Key   string
	Token string
}

// LockService is the cross-process mutex used by the consistency layer.
type LockService interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (*LockHandle, error)
	Release(ctx context.Context, h *LockHandle) error
}
