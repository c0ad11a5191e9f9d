package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusInProgress  AppointmentStatus = "in_progress"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusNoShow      AppointmentStatus = "no_show"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// IsTerminal reports whether no further transitions are allowed.
// Rescheduled is terminal: the replacement record carries the booking on.
func (s AppointmentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

// CanTransitionTo implements the appointment state machine.
func (s AppointmentStatus) CanTransitionTo(to AppointmentStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusConfirmed || to == StatusCancelled || to == StatusRescheduled
	case StatusConfirmed:
		return to == StatusInProgress || to == StatusCancelled || to == StatusRescheduled || to == StatusNoShow
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// NonTerminalStatuses is the status set that counts toward conflicts.
var NonTerminalStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusInProgress}

type AppointmentType string

const (
	TypeInitialConsultation   AppointmentType = "InitialConsultation"
	TypeFollowUpConsultation  AppointmentType = "FollowUpConsultation"
	TypeEmergencyConsultation AppointmentType = "EmergencyConsultation"
	TypePrescriptionRenewal   AppointmentType = "PrescriptionRenewal"
	TypeSpecialtyConsultation AppointmentType = "SpecialtyConsultation"
	TypeGroupSession          AppointmentType = "GroupSession"
	TypeTelehealthCheckIn     AppointmentType = "TelehealthCheckIn"
)

// typeSynonyms maps case-folded historical labels onto the canonical set.
// The stored data carries several generations of casing.
var typeSynonyms = map[string]AppointmentType{
	"initialconsultation":    TypeInitialConsultation,
	"initial_consultation":   TypeInitialConsultation,
	"general_consultation":   TypeInitialConsultation,
	"generalconsultation":    TypeInitialConsultation,
	"initial":                TypeInitialConsultation,
	"followupconsultation":   TypeFollowUpConsultation,
	"follow_up_consultation": TypeFollowUpConsultation,
	"follow_up":              TypeFollowUpConsultation,
	"followup":               TypeFollowUpConsultation,
	"emergencyconsultation":  TypeEmergencyConsultation,
	"emergency_consultation": TypeEmergencyConsultation,
	"emergency":              TypeEmergencyConsultation,
	"prescriptionrenewal":    TypePrescriptionRenewal,
	"prescription_renewal":   TypePrescriptionRenewal,
	"prescription":           TypePrescriptionRenewal,
	"specialtyconsultation":  TypeSpecialtyConsultation,
	"specialty_consultation": TypeSpecialtyConsultation,
	"specialist":             TypeSpecialtyConsultation,
	"groupsession":           TypeGroupSession,
	"group_session":          TypeGroupSession,
	"telehealthcheckin":      TypeTelehealthCheckIn,
	"telehealth_check_in":    TypeTelehealthCheckIn,
	"checkup":                TypeTelehealthCheckIn,
	"check_in":               TypeTelehealthCheckIn,
}

// ParseAppointmentType folds raw input onto the canonical type set.
func ParseAppointmentType(raw string) (AppointmentType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	t, ok := typeSynonyms[key]
	return t, ok
}

type Clinician struct {
	ID          uuid.UUID
	Name        string
	Specialty   string // case-folded tag
	Timezone    string // IANA home timezone
	IsAvailable bool
	IsVerified  bool
	Rating      float64 // 0..5
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Location resolves the clinician's home timezone, defaulting to UTC.
func (c *Clinician) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeWindow is a half-open minutes-of-day range within one calendar day.
type TimeWindow struct {
	StartMinute int // minutes after midnight
	EndMinute   int
}

func (w TimeWindow) IsZero() bool { return w.StartMinute == 0 && w.EndMinute == 0 }

// AvailabilityTemplate is a recurring weekly availability definition.
// At least one of Morning/Afternoon must be set and each window must
// satisfy end > start.
type AvailabilityTemplate struct {
	ID              uuid.UUID
	ClinicianID     uuid.UUID
	DayOfWeek       int // 0=Sunday .. 6=Saturday
	Morning         *TimeWindow
	Afternoon       *TimeWindow
	SlotMinutes     int
	BufferMinutes   int
	MaxConcurrent   int
	AppointmentType AppointmentType
	IsActive        bool
}

// AvailabilityOverride marks a whole date unavailable (or re-available).
// At most one per (clinician, date); superseded, never deleted.
type AvailabilityOverride struct {
	ID          uuid.UUID
	ClinicianID uuid.UUID
	Date        time.Time // midnight in the clinician's home timezone
	IsAvailable bool
	Reason      string
	CreatedAt   time.Time
}

type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	ClinicianID    uuid.UUID
	ScheduledStart time.Time // UTC
	ScheduledEnd   time.Time // UTC, start + duration
	Status         AppointmentStatus
	Type           AppointmentType
	Timezone       string // presentation timezone the booking was made in
	PatientNotes   string
	ClinicianNotes string
	PreviousID     *uuid.UUID // set on the replacement created by a reschedule
	ConfirmedAt    *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Overlaps reports whether the buffer-expanded intervals intersect. The
// buffer trails each appointment: an interval occupies
// [start, end+buffer), so two visits may sit exactly one buffer apart but
// never closer.
func (a *Appointment) Overlaps(start, end time.Time, buffer time.Duration) bool {
	aEnd := a.ScheduledEnd.Add(buffer)
	bEnd := end.Add(buffer)
	return aEnd.After(start) && a.ScheduledStart.Before(bEnd)
}

type SlotPriority int

const (
	PriorityLimited SlotPriority = iota
	PriorityAvailable
	PriorityPreferred
	PriorityEmergency
)

func (p SlotPriority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityPreferred:
		return "preferred"
	case PriorityLimited:
		return "limited"
	default:
		return "available"
	}
}

// Slot is a derived bookable interval. Never persisted; valid only for the
// duration of the query that produced it.
type Slot struct {
	ClinicianID uuid.UUID
	Start       time.Time // UTC
	End         time.Time // UTC
	Type        AppointmentType
	Priority    SlotPriority
}

func (s Slot) DurationMinutes() int {
	return int(s.End.Sub(s.Start) / time.Minute)
}

// LifecycleEvent is an append-only record of a state transition on an
// appointment or a booking job.
type LifecycleEvent struct {
	ID            int64
	AppointmentID *uuid.UUID
	JobID         *uuid.UUID
	Kind          string
	Actor         string
	Payload       []byte
	Success       bool
	CreatedAt     time.Time
}

// Event kinds emitted by the core.
const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentStarted     = "APPOINTMENT_STARTED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventBookingConflict        = "BOOKING_CONFLICT"
	EventVideoDegraded          = "VIDEO_PROVISIONING_DEGRADED"
	EventJobEnqueued            = "JOB_ENQUEUED"
	EventJobStarted             = "JOB_STARTED"
	EventJobCompleted           = "JOB_COMPLETED"
	EventJobFailed              = "JOB_FAILED"
	EventJobCancelled           = "JOB_CANCELLED"
)
