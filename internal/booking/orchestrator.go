// Package booking is the orchestrator: it accepts synchronous and
// asynchronous booking requests, drives jobs to completion and exposes the
// appointment lifecycle operations.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/consistency"
	"github.com/hackgods/telemed-scheduling/internal/matcher"
	"github.com/hackgods/telemed-scheduling/internal/observability"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

// maxNotesBytes bounds the opaque notes fields; they are untrusted text.
const maxNotesBytes = 4 << 10

// Config is the orchestrator's tunable surface. Normalize replaces zero
// numeric and duration fields with the documented defaults; EnableHistory
// and RequireVerified are used as given, so a zero Config leaves both off.
type Config struct {
	MaxRetries         int
	BaseBackoff        time.Duration
	BackoffCap         time.Duration
	OpTimeout          time.Duration
	LockTimeout        time.Duration
	JobTimeout         time.Duration
	MinAdvance         time.Duration
	MaxAdvance         time.Duration
	DefaultSlotMinutes int
	DefaultBuffer      int
	EnableHistory      bool
	RequireVerified    bool
	Workers            int
	LeaseDuration      time.Duration
}

func (c Config) Normalize() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 8 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 3 * time.Second
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.MinAdvance == 0 {
		c.MinAdvance = 2 * time.Hour
	}
	if c.MaxAdvance == 0 {
		c.MaxAdvance = 90 * 24 * time.Hour
	}
	if c.DefaultSlotMinutes == 0 {
		c.DefaultSlotMinutes = 30
	}
	if c.DefaultBuffer == 0 {
		c.DefaultBuffer = 10
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 45 * time.Second
	}
	return c
}

type Orchestrator struct {
	store      scheduling.AppointmentStore
	clinicians scheduling.ClinicianStore
	engine     *availability.Engine
	match      *matcher.Matcher
	layer      *consistency.Layer
	queue      *Queue
	sink       scheduling.EventSink
	video      scheduling.VideoProvisioner
	clk        clock.Clock
	cfg        Config
	metrics    *observability.Metrics
	logger     *logging.Logger
}

func NewOrchestrator(
	store scheduling.AppointmentStore,
	clinicians scheduling.ClinicianStore,
	engine *availability.Engine,
	match *matcher.Matcher,
	layer *consistency.Layer,
	queue *Queue,
	sink scheduling.EventSink,
	video scheduling.VideoProvisioner,
	clk clock.Clock,
	cfg Config,
	metrics *observability.Metrics,
	logger *logging.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		store:      store,
		clinicians: clinicians,
		engine:     engine,
		match:      match,
		layer:      layer,
		queue:      queue,
		sink:       sink,
		video:      video,
		clk:        clk,
		cfg:        cfg.Normalize(),
		metrics:    metrics,
		logger:     logger,
	}
}

// Book is the synchronous path: match if needed, pick a slot, lock the
// clinician, re-check conflicts inside the lock, insert, emit the created
// event. One inline retry is allowed when the store flakes.
func (o *Orchestrator) Book(ctx context.Context, req Request) (*Result, error) {
	res, err := o.executeBooking(ctx, req, nil)
	if err != nil && errors.Is(err, scheduling.ErrStoreUnavailable) {
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(o.cfg.BaseBackoff):
		}
		res, err = o.executeBooking(ctx, req, nil)
	}
	o.metrics.ObserveBooking(outcomeLabel(err))
	return res, err
}

// SmartBookAsync enqueues a booking job and returns it with the estimated
// completion instant.
func (o *Orchestrator) SmartBookAsync(ctx context.Context, req Request) (*Job, time.Time, error) {
	if err := o.validate(&req); err != nil {
		return nil, time.Time{}, err
	}
	job := o.queue.Enqueue(req)
	o.publishJobEvent(ctx, job.ID, scheduling.EventJobEnqueued, true, nil)
	o.metrics.ObserveQueueDepth(o.queue.Depth())
	return job, o.queue.EstimateCompletion(), nil
}

// JobStatus returns a snapshot of a job.
func (o *Orchestrator) JobStatus(jobID uuid.UUID) (*Job, error) {
	return o.queue.Get(jobID)
}

// CancelJob requests cooperative cancellation. Terminal jobs are too late.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	if err := o.queue.Cancel(jobID); err != nil {
		return err
	}
	o.publishJobEvent(ctx, jobID, scheduling.EventJobCancelled, true, nil)
	return nil
}

// Subscribe returns the job's monotonic status feed.
func (o *Orchestrator) Subscribe(jobID uuid.UUID) (<-chan Update, func(), error) {
	return o.queue.Subscribe(jobID)
}

// executeBooking runs the full booking flow. checkpoint, when non-nil, is
// called at each suspension point and aborts the flow by returning an
// error (the worker uses this for cooperative cancellation).
func (o *Orchestrator) executeBooking(ctx context.Context, req Request, checkpoint func() error) (*Result, error) {
	if err := o.validate(&req); err != nil {
		return nil, err
	}

	var (
		chosen       *scheduling.Clinician
		matchScore   float64
		matchReasons []string
		isPreferred  bool
		alternatives []scheduling.Slot
	)

	if req.ClinicianID != nil {
		clin, err := o.getClinician(ctx, *req.ClinicianID)
		if err != nil {
			return nil, err
		}
		chosen = clin
		isPreferred = true
	} else {
		if err := runCheckpoint(checkpoint); err != nil {
			return nil, err
		}
		windowEnd := req.DesiredStart.Add(24 * time.Hour)
		cand, err := o.bestMatch(ctx, req, windowEnd)
		if err != nil {
			return nil, err
		}
		chosen = &cand.Clinician
		matchScore = cand.Score
		matchReasons = cand.Reasons
		for _, s := range cand.Slots {
			if !s.Start.Equal(req.DesiredStart) {
				alternatives = append(alternatives, s)
			}
		}
		if len(alternatives) > consistency.MaxAlternatives {
			alternatives = alternatives[:consistency.MaxAlternatives]
		}
	}

	if err := runCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	start := req.DesiredStart
	if req.ClinicianID == nil {
		// Smart path: take the best offered slot at or after the desired
		// start.
		slot, err := o.pickSlot(ctx, chosen.ID, req)
		if err != nil {
			return nil, err
		}
		start = slot.Start
	}

	tpl, err := o.templateFor(ctx, chosen.ID, start, req)
	if err != nil {
		return nil, err
	}

	appt := &scheduling.Appointment{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		ClinicianID:    chosen.ID,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Duration(req.DurationMinutes) * time.Minute),
		Status:         scheduling.StatusPending,
		Type:           req.Type,
		Timezone:       req.Timezone,
		PatientNotes:   req.PatientNotes,
	}

	if err := runCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	buffer := time.Duration(tpl.BufferMinutes) * time.Minute
	if err := o.layer.BookAtomically(ctx, appt, buffer, tpl.MaxConcurrent); err != nil {
		var conflict *consistency.ConflictError
		if errors.As(err, &conflict) {
			o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventBookingConflict, false, map[string]any{
				"clinician_id": chosen.ID.String(),
				"start":        appt.ScheduledStart,
			})
			o.metrics.ObserveConflict()
		}
		return nil, err
	}

	o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventAppointmentCreated, true, map[string]any{
		"patient_id":   appt.PatientID.String(),
		"clinician_id": appt.ClinicianID.String(),
		"start":        appt.ScheduledStart,
		"end":          appt.ScheduledEnd,
	})

	return &Result{
		Appointment:          *appt,
		MatchScore:           matchScore,
		MatchReasons:         matchReasons,
		IsPreferredClinician: isPreferred,
		Alternatives:         alternatives,
	}, nil
}

func (o *Orchestrator) bestMatch(ctx context.Context, req Request, windowEnd time.Time) (*matcher.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
	defer cancel()
	return o.match.Best(ctx, matcher.MatchRequest{
		PatientID:         req.PatientID,
		DesiredSpecialty:  req.DesiredSpecialty,
		WindowStart:       req.DesiredStart,
		WindowEnd:         windowEnd,
		DurationMinutes:   req.DurationMinutes,
		Type:              req.Type,
		AllowHistory:      req.AllowHistory && o.cfg.EnableHistory,
		IncludeUnverified: !o.cfg.RequireVerified,
	})
}

// pickSlot returns the first offered slot starting at or after the desired
// instant.
func (o *Orchestrator) pickSlot(ctx context.Context, clinicianID uuid.UUID, req Request) (*scheduling.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
	defer cancel()

	clin, err := o.getClinician(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	loc := clin.Location()
	from := clock.Midnight(req.DesiredStart.In(loc))

	slots, err := o.engine.Slots(ctx, availability.Query{
		ClinicianID:     clinicianID,
		From:            from,
		To:              from.AddDate(0, 0, 1),
		DurationMinutes: req.DurationMinutes,
		Type:            req.Type,
	})
	if err != nil {
		return nil, err
	}
	var best *scheduling.Slot
	for i := range slots {
		if slots[i].Start.Before(req.DesiredStart) {
			continue
		}
		if best == nil || slots[i].Start.Before(best.Start) {
			best = &slots[i]
		}
	}
	if best == nil {
		return nil, scheduling.ErrSlotUnavailable
	}
	return best, nil
}

func (o *Orchestrator) templateFor(ctx context.Context, clinicianID uuid.UUID, start time.Time, req Request) (*scheduling.AvailabilityTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
	defer cancel()
	return o.engine.TemplateForInstant(ctx, clinicianID, start, req.DurationMinutes, req.Type)
}

func (o *Orchestrator) getClinician(ctx context.Context, id uuid.UUID) (*scheduling.Clinician, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
	defer cancel()

	clin, err := o.clinicians.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !clin.IsAvailable {
		return nil, scheduling.ErrNoClinicianAvailable
	}
	return clin, nil
}

func (o *Orchestrator) validate(req *Request) error {
	if req.PatientID == uuid.Nil {
		return scheduling.NewValidationError("patient_id is required")
	}
	if req.DurationMinutes < 0 {
		return scheduling.NewValidationError("duration_minutes must be positive")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = o.cfg.DefaultSlotMinutes
	}
	if req.Type == "" {
		req.Type = scheduling.TypeInitialConsultation
	}
	if len(req.PatientNotes) > maxNotesBytes {
		return scheduling.NewValidationError("patient_notes exceeds the maximum length")
	}

	now := o.clk.Now()
	if req.DesiredStart.Before(now.Add(o.cfg.MinAdvance)) {
		return scheduling.NewValidationError(fmt.Sprintf("desired_start must be at least %s in the future", o.cfg.MinAdvance))
	}
	if req.DesiredStart.After(now.Add(o.cfg.MaxAdvance)) {
		return scheduling.NewValidationError(fmt.Sprintf("desired_start must be within %d days", int(o.cfg.MaxAdvance.Hours()/24)))
	}
	return nil
}

func runCheckpoint(checkpoint func() error) error {
	if checkpoint == nil {
		return nil
	}
	return checkpoint()
}

func (o *Orchestrator) publishAppointmentEvent(ctx context.Context, id uuid.UUID, kind string, success bool, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("marshal event payload", "kind", kind, "error", err)
		data = nil
	}
	o.sink.Publish(context.WithoutCancel(ctx), scheduling.LifecycleEvent{
		AppointmentID: &id,
		Kind:          kind,
		Actor:         "orchestrator",
		Payload:       data,
		Success:       success,
		CreatedAt:     o.clk.Now(),
	})
}

func (o *Orchestrator) publishJobEvent(ctx context.Context, id uuid.UUID, kind string, success bool, payload map[string]any) {
	data, _ := json.Marshal(payload)
	o.sink.Publish(context.WithoutCancel(ctx), scheduling.LifecycleEvent{
		JobID:     &id,
		Kind:      kind,
		Actor:     "orchestrator",
		Payload:   data,
		Success:   success,
		CreatedAt: o.clk.Now(),
	})
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return scheduling.ErrorCode(err)
}
