package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// rank orders job statuses so observers can assert monotonic progression.
func (s JobStatus) rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobRunning:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo is the job state machine: Queued→Running→terminal, and
// either non-terminal state may be cancelled.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	}
	return false
}

// Job is one asynchronous booking. Owned by at most one worker at a time;
// ownership is the lease and transfers only on lease expiry.
type Job struct {
	ID          uuid.UUID
	Request     Request
	Status      JobStatus
	RetryCount  int
	WorkerID    string
	ErrorCode   string
	ErrorMsg    string
	Result      *Result
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// lease bookkeeping, guarded by the queue mutex
	leaseExpiry time.Time
	notBefore   time.Time // backoff gate for re-claims
	cancelled   bool      // cooperative cancellation flag
}

// CancelRequested is the worker's suspension-point check.
func (j *Job) CancelRequested() bool { return j.cancelled }

// Update is one observed status transition on a job's subscription feed.
type Update struct {
	JobID     uuid.UUID
	Status    JobStatus
	ErrorCode string
	ErrorMsg  string
	Result    *Result
	Terminal  bool
	At        time.Time
}

// Request is the core booking request, shared by the sync and async paths.
type Request struct {
	PatientID        uuid.UUID
	ClinicianID      *uuid.UUID
	DesiredSpecialty string
	DesiredStart     time.Time // UTC
	DurationMinutes  int
	Type             scheduling.AppointmentType
	Timezone         string
	PatientNotes     string
	AllowHistory     bool
}

// Result is the smart-booking response payload.
type Result struct {
	Appointment          scheduling.Appointment
	MatchScore           float64
	MatchReasons         []string
	IsPreferredClinician bool
	Alternatives         []scheduling.Slot
}
