package api

import (
	"time"

	"github.com/google/uuid"
)

type BookingRequest struct {
	PatientID        string `json:"patient_id"`
	ClinicianID      string `json:"clinician_id,omitempty"`
	DesiredSpecialty string `json:"desired_specialty,omitempty"`
	DesiredStart     string `json:"desired_start"` // RFC 3339
	DurationMinutes  int    `json:"duration_minutes"`
	AppointmentType  string `json:"appointment_type"`
	Timezone         string `json:"timezone"`
	PatientNotes     string `json:"patient_notes,omitempty"`
	// AllowHistoryPrioritization defaults to true when omitted.
	AllowHistoryPrioritization *bool `json:"allow_history_prioritization,omitempty"`
}

type AppointmentResponse struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	ClinicianID    uuid.UUID  `json:"clinician_id"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	Status         string     `json:"status"`
	Type           string     `json:"appointment_type"`
	Timezone       string     `json:"timezone"`
	PreviousID     *uuid.UUID `json:"previous_id,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
}

type SlotResponse struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	Type            string    `json:"appointment_type"`
	Priority        string    `json:"priority"`
}

type SmartBookingResponse struct {
	Appointment          AppointmentResponse `json:"appointment"`
	MatchScore           float64             `json:"match_score"`
	MatchReasons         []string            `json:"match_reasons"`
	IsPreferredClinician bool                `json:"is_preferred_clinician"`
	Alternatives         []SlotResponse      `json:"alternatives"`
}

type AsyncBookingResponse struct {
	JobID               uuid.UUID `json:"job_id"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	SubscriptionTopic   string    `json:"subscription_topic"`
}

type JobStatusResponse struct {
	JobID       uuid.UUID             `json:"job_id"`
	Status      string                `json:"status"`
	RetryCount  int                   `json:"retry_count"`
	ErrorCode   string                `json:"error_code,omitempty"`
	ErrorMsg    string                `json:"error_message,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Result      *SmartBookingResponse `json:"result,omitempty"`
}

type MatchHTTPRequest struct {
	PatientID                  string `json:"patient_id"`
	DesiredSpecialty           string `json:"desired_specialty,omitempty"`
	WindowStart                string `json:"window_start"`
	WindowEnd                  string `json:"window_end"`
	DurationMinutes            int    `json:"duration_minutes"`
	AppointmentType            string `json:"appointment_type"`
	AllowHistoryPrioritization *bool  `json:"allow_history_prioritization,omitempty"`
}

type CandidateResponse struct {
	ClinicianID uuid.UUID      `json:"clinician_id"`
	Name        string         `json:"name"`
	Specialty   string         `json:"specialty"`
	Rating      float64        `json:"rating"`
	Score       float64        `json:"score"`
	Reasons     []string       `json:"reasons"`
	Slots       []SlotResponse `json:"slots"`
}

type AvailabilityQueryResponse struct {
	ClinicianID    uuid.UUID      `json:"clinician_id"`
	Date           string         `json:"date"`
	MorningSlots   []SlotResponse `json:"morning_slots"`
	AfternoonSlots []SlotResponse `json:"afternoon_slots"`
}

type RescheduleRequest struct {
	NewStart string `json:"new_start"` // RFC 3339
}

// LoosestWindowResponse describes the widest search that still came up
// empty, so clients can offer a one-click re-search.
type LoosestWindowResponse struct {
	Specialty string    `json:"specialty,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type ErrorResponse struct {
	Error         string                 `json:"error"`
	Details       string                 `json:"details,omitempty"`
	Alternatives  []SlotResponse         `json:"alternatives,omitempty"`
	LoosestWindow *LoosestWindowResponse `json:"loosest_window,omitempty"`
}
