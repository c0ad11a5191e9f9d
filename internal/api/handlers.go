package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/consistency"
	"github.com/hackgods/telemed-scheduling/internal/matcher"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeSchedulingError maps core errors onto HTTP statuses and attaches
// alternative slots on a conflict so clients can re-book in one click.
func writeSchedulingError(w http.ResponseWriter, err error) {
	var conflict *consistency.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:        scheduling.ErrorCode(err),
			Details:      "requested slot conflicts with an existing appointment",
			Alternatives: slotResponses(conflict.Alternatives),
		})
		return
	}

	var noClinician *scheduling.NoClinicianError
	if errors.As(err, &noClinician) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   scheduling.ErrorCode(err),
			Details: err.Error(),
			LoosestWindow: &LoosestWindowResponse{
				Specialty: noClinician.Specialty,
				Start:     noClinician.WindowStart,
				End:       noClinician.WindowEnd,
			},
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduling.ErrPatientNotFound),
		errors.Is(err, scheduling.ErrClinicianNotFound),
		errors.Is(err, scheduling.ErrAppointmentNotFound),
		errors.Is(err, scheduling.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduling.ErrNoClinicianAvailable),
		errors.Is(err, scheduling.ErrNoTemplate):
		status = http.StatusNotFound
	case errors.Is(err, scheduling.ErrSlotUnavailable),
		errors.Is(err, scheduling.ErrInvalidStateTransition),
		errors.Is(err, scheduling.ErrJobAlreadyTerminal),
		errors.Is(err, scheduling.ErrLockTimeout):
		status = http.StatusConflict
	case scheduling.ErrorCode(err) == "validation_error":
		status = http.StatusBadRequest
	case errors.Is(err, scheduling.ErrStoreUnavailable),
		errors.Is(err, scheduling.ErrTransientRemote):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, scheduling.ErrorCode(err), err.Error())
}

func bookHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeBookingRequest(w, r)
		if !ok {
			return
		}

		result, err := orch.Book(r.Context(), *req)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, smartBookingResponse(result))
	}
}

func smartBookAsyncHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeBookingRequest(w, r)
		if !ok {
			return
		}

		job, estimated, err := orch.SmartBookAsync(r.Context(), *req)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, AsyncBookingResponse{
			JobID:               job.ID,
			EstimatedCompletion: estimated,
			SubscriptionTopic:   "booking.jobs." + job.ID.String(),
		})
	}
}

func jobStatusHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		job, err := orch.JobStatus(jobID)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(job))
	}
}

func jobCancelHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := orch.CancelJob(r.Context(), jobID); err != nil {
			writeSchedulingError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func matchHandler(m *matcher.Matcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MatchHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "patient_id must be a valid UUID")
			return
		}
		windowStart, err := time.Parse(time.RFC3339, req.WindowStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "window_start must be RFC 3339")
			return
		}
		windowEnd, err := time.Parse(time.RFC3339, req.WindowEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "window_end must be RFC 3339")
			return
		}
		apptType, ok := scheduling.ParseAppointmentType(req.AppointmentType)
		if !ok {
			apptType = scheduling.TypeInitialConsultation
		}

		allowHistory := req.AllowHistoryPrioritization == nil || *req.AllowHistoryPrioritization

		cands, err := m.Match(r.Context(), matcher.MatchRequest{
			PatientID:        patientID,
			DesiredSpecialty: req.DesiredSpecialty,
			WindowStart:      windowStart.UTC(),
			WindowEnd:        windowEnd.UTC(),
			DurationMinutes:  req.DurationMinutes,
			Type:             apptType,
			AllowHistory:     allowHistory,
		})
		if err != nil {
			writeSchedulingError(w, err)
			return
		}

		out := make([]CandidateResponse, 0, len(cands))
		for i := range cands {
			c := &cands[i]
			out = append(out, CandidateResponse{
				ClinicianID: c.Clinician.ID,
				Name:        c.Clinician.Name,
				Specialty:   c.Clinician.Specialty,
				Rating:      c.Clinician.Rating,
				Score:       c.Score,
				Reasons:     c.Reasons,
				Slots:       slotResponses(c.Slots),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func availabilityHandler(deps RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicianID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		dateStr := r.URL.Query().Get("date")
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "date must be YYYY-MM-DD")
			return
		}

		apptType, ok := scheduling.ParseAppointmentType(r.URL.Query().Get("type"))
		if !ok {
			apptType = scheduling.TypeInitialConsultation
		}

		clin, err := deps.Clinicians.Get(r.Context(), clinicianID)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}

		q := availabilityQuery(clinicianID, date, apptType)
		if d := r.URL.Query().Get("duration"); d != "" {
			if n, convErr := strconv.Atoi(d); convErr == nil && n > 0 {
				q.DurationMinutes = n
			}
		}

		slots, err := deps.Engine.Slots(r.Context(), q)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}

		// The morning/afternoon split follows the clinician's own clock.
		loc := clin.Location()
		resp := AvailabilityQueryResponse{
			ClinicianID:    clinicianID,
			Date:           dateStr,
			MorningSlots:   []SlotResponse{},
			AfternoonSlots: []SlotResponse{},
		}
		for _, s := range slots {
			sr := slotResponse(s)
			if s.Start.In(loc).Hour() < 12 {
				resp.MorningSlots = append(resp.MorningSlots, sr)
			} else {
				resp.AfternoonSlots = append(resp.AfternoonSlots, sr)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func appointmentGetHandler(deps RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := deps.Appointments.Read(r.Context(), id)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

// lifecycleHandler builds one handler per transition endpoint.
func lifecycleHandler(apply func(r *http.Request, id uuid.UUID) (*scheduling.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := apply(r, id)
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func rescheduleHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		newStart, err := time.Parse(time.RFC3339, req.NewStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "new_start must be RFC 3339")
			return
		}

		replacement, err := orch.Reschedule(r.Context(), id, newStart.UTC())
		if err != nil {
			writeSchedulingError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, appointmentResponse(replacement))
	}
}

// Decode/convert helpers

func decodeBookingRequest(w http.ResponseWriter, r *http.Request) (*booking.Request, bool) {
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return nil, false
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "patient_id must be a valid UUID")
		return nil, false
	}

	var clinicianID *uuid.UUID
	if req.ClinicianID != "" {
		id, err := uuid.Parse(req.ClinicianID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "clinician_id must be a valid UUID")
			return nil, false
		}
		clinicianID = &id
	}

	desiredStart, err := time.Parse(time.RFC3339, req.DesiredStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "desired_start must be RFC 3339")
		return nil, false
	}

	apptType, ok := scheduling.ParseAppointmentType(req.AppointmentType)
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown appointment_type")
		return nil, false
	}

	allowHistory := req.AllowHistoryPrioritization == nil || *req.AllowHistoryPrioritization

	return &booking.Request{
		PatientID:        patientID,
		ClinicianID:      clinicianID,
		DesiredSpecialty: req.DesiredSpecialty,
		DesiredStart:     desiredStart.UTC(),
		DurationMinutes:  req.DurationMinutes,
		Type:             apptType,
		Timezone:         req.Timezone,
		PatientNotes:     req.PatientNotes,
		AllowHistory:     allowHistory,
	}, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", key+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func appointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		ClinicianID:    a.ClinicianID,
		ScheduledStart: a.ScheduledStart,
		ScheduledEnd:   a.ScheduledEnd,
		Status:         string(a.Status),
		Type:           string(a.Type),
		Timezone:       a.Timezone,
		PreviousID:     a.PreviousID,
		ConfirmedAt:    a.ConfirmedAt,
		ActualStart:    a.ActualStart,
		ActualEnd:      a.ActualEnd,
	}
}

func slotResponse(s scheduling.Slot) SlotResponse {
	return SlotResponse{
		Start:           s.Start,
		End:             s.End,
		DurationMinutes: s.DurationMinutes(),
		Type:            string(s.Type),
		Priority:        s.Priority.String(),
	}
}

func slotResponses(slots []scheduling.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse(s))
	}
	return out
}

func smartBookingResponse(res *booking.Result) SmartBookingResponse {
	return SmartBookingResponse{
		Appointment:          appointmentResponse(&res.Appointment),
		MatchScore:           res.MatchScore,
		MatchReasons:         res.MatchReasons,
		IsPreferredClinician: res.IsPreferredClinician,
		Alternatives:         slotResponses(res.Alternatives),
	}
}

func jobResponse(job *booking.Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		RetryCount:  job.RetryCount,
		ErrorCode:   job.ErrorCode,
		ErrorMsg:    job.ErrorMsg,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Result != nil {
		r := smartBookingResponse(job.Result)
		resp.Result = &r
	}
	return resp
}
