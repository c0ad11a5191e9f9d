package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/consistency"
	"github.com/hackgods/telemed-scheduling/internal/matcher"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// winterMonday is a Monday with Dublin on UTC.
var winterMonday = time.Date(2026, time.January, 12, 0, 0, 0, 0, time.UTC)

type stack struct {
	store *scheduling.MemoryStore
	sink  *scheduling.MemorySink
	clk   *clock.Fake
	orch  *Orchestrator
	queue *Queue
	video *fakeVideo
}

type fakeVideo struct {
	mu       sync.Mutex
	sessions int
	fail     bool
}

func (v *fakeVideo) CreateSession(_ context.Context, _ uuid.UUID) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail {
		return "", errors.New("video backend unavailable")
	}
	v.sessions++
	return "session-handle", nil
}

func newStack(t *testing.T) *stack {
	t.Helper()

	store := scheduling.NewMemoryStore()
	sink := scheduling.NewMemorySink()
	clk := clock.NewFake(winterMonday.AddDate(0, 0, -3))
	engine := availability.NewEngine(store, store, clk)
	match := matcher.New(store, store, engine, nil)
	locks := consistency.NewMemoryLockService()
	layer := consistency.NewLayer(store, locks, engine, clk, time.Second, nil)
	queue := NewQueue(clk)
	video := &fakeVideo{}

	cfg := Config{
		Workers:       2,
		LeaseDuration: 5 * time.Second,
		BaseBackoff:   5 * time.Millisecond,
		BackoffCap:    40 * time.Millisecond,
		JobTimeout:    10 * time.Second,
	}

	orch := NewOrchestrator(store, store, engine, match, layer, queue, sink, video, clk, cfg, nil, nil)
	return &stack{store: store, sink: sink, clk: clk, orch: orch, queue: queue, video: video}
}

func (s *stack) addClinician(t *testing.T, specialty string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	s.store.AddClinician(scheduling.Clinician{
		ID:          id,
		Name:        "Dr. " + id.String()[:8],
		Specialty:   specialty,
		Timezone:    "Europe/Dublin",
		IsAvailable: true,
		IsVerified:  true,
		Rating:      4.4,
	})
	for weekday := 1; weekday <= 5; weekday++ {
		s.store.AddTemplate(scheduling.AvailabilityTemplate{
			ID:              uuid.New(),
			ClinicianID:     id,
			DayOfWeek:       weekday,
			Morning:         &scheduling.TimeWindow{StartMinute: 9 * 60, EndMinute: 12 * 60},
			SlotMinutes:     30,
			BufferMinutes:   10,
			MaxConcurrent:   1,
			AppointmentType: scheduling.TypeInitialConsultation,
			IsActive:        true,
		})
	}
	return id
}

func (s *stack) addPatient(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	s.store.AddPatient(scheduling.Patient{ID: id, Name: "pat", Timezone: "Europe/Dublin"})
	return id
}

func directRequest(patientID, clinicianID uuid.UUID, start time.Time) Request {
	return Request{
		PatientID:       patientID,
		ClinicianID:     &clinicianID,
		DesiredStart:    start,
		DurationMinutes: 30,
		Type:            scheduling.TypeInitialConsultation,
		Timezone:        "Europe/Dublin",
		AllowHistory:    true,
	}
}

var mondayTen = time.Date(2026, time.January, 12, 10, 0, 0, 0, time.UTC)

func TestBookSingleEmptyCalendar(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)

	res, err := s.orch.Book(context.Background(), directRequest(patientID, clinicianID, mondayTen))
	require.NoError(t, err)

	appt := res.Appointment
	assert.Equal(t, scheduling.StatusPending, appt.Status)
	assert.Equal(t, mondayTen, appt.ScheduledStart)
	assert.Equal(t, mondayTen.Add(30*time.Minute), appt.ScheduledEnd)
	assert.True(t, res.IsPreferredClinician)

	stored, err := s.store.Read(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusPending, stored.Status)

	events := s.sink.EventsFor(appt.ID)
	require.Len(t, events, 1)
	assert.Equal(t, scheduling.EventAppointmentCreated, events[0].Kind)
}

func TestBookConflictSuggestsAlternatives(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	p1 := s.addPatient(t)
	p2 := s.addPatient(t)
	ctx := context.Background()

	_, err := s.orch.Book(ctx, directRequest(p1, clinicianID, mondayTen))
	require.NoError(t, err)

	_, err = s.orch.Book(ctx, directRequest(p2, clinicianID, mondayTen))
	require.Error(t, err)

	var conflict *consistency.ConflictError
	require.ErrorAs(t, err, &conflict)

	var starts []time.Time
	for _, alt := range conflict.Alternatives {
		starts = append(starts, alt.Start)
	}
	assert.Contains(t, starts, mondayTen.Add(40*time.Minute)) // 10:40
	assert.Contains(t, starts, mondayTen.Add(80*time.Minute)) // 11:20

	assert.Equal(t, 1, s.store.Count())
}

func TestBookValidation(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing patient", func(r *Request) { r.PatientID = uuid.Nil }},
		{"negative duration", func(r *Request) { r.DurationMinutes = -5 }},
		{"too soon", func(r *Request) { r.DesiredStart = s.clk.Now().Add(30 * time.Minute) }},
		{"too far out", func(r *Request) { r.DesiredStart = s.clk.Now().AddDate(0, 0, 120) }},
		{"oversized notes", func(r *Request) { r.PatientNotes = string(make([]byte, 5<<10)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := directRequest(patientID, clinicianID, mondayTen)
			tt.mutate(&req)
			_, err := s.orch.Book(ctx, req)
			require.Error(t, err)
			assert.Equal(t, "validation_error", scheduling.ErrorCode(err))
		})
	}
	assert.Equal(t, 0, s.store.Count())
}

func TestBookOverriddenDay(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)

	s.store.AddOverride(scheduling.AvailabilityOverride{
		ID:          uuid.New(),
		ClinicianID: clinicianID,
		Date:        winterMonday,
		IsAvailable: false,
		Reason:      "sick day",
	})

	_, err := s.orch.Book(context.Background(), directRequest(patientID, clinicianID, mondayTen))
	assert.ErrorIs(t, err, scheduling.ErrSlotUnavailable)
	assert.Equal(t, 0, s.store.Count())
}

func TestBookUnavailableClinician(t *testing.T) {
	s := newStack(t)
	patientID := s.addPatient(t)

	id := uuid.New()
	s.store.AddClinician(scheduling.Clinician{
		ID: id, Specialty: "general practice", Timezone: "Europe/Dublin",
		IsAvailable: false, IsVerified: true, Rating: 4.0,
	})

	_, err := s.orch.Book(context.Background(), directRequest(patientID, id, mondayTen))
	assert.ErrorIs(t, err, scheduling.ErrNoClinicianAvailable)
}

func TestBookSmartSelectsSpecialty(t *testing.T) {
	s := newStack(t)
	cardio := s.addClinician(t, "cardiology")
	s.addClinician(t, "dermatology")
	patientID := s.addPatient(t)

	req := Request{
		PatientID:        patientID,
		DesiredSpecialty: "cardiology",
		DesiredStart:     time.Date(2026, time.January, 13, 9, 0, 0, 0, time.UTC),
		DurationMinutes:  30,
		Type:             scheduling.TypeInitialConsultation,
		Timezone:         "Europe/Dublin",
		AllowHistory:     true,
	}
	res, err := s.orch.Book(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, cardio, res.Appointment.ClinicianID)
	assert.False(t, res.IsPreferredClinician)
	assert.Greater(t, res.MatchScore, 0.0)
	assert.Contains(t, res.MatchReasons, "specializes in cardiology")
}

func TestConcurrentRaceSingleCommit(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")

	const attempts = 100
	patients := make([]uuid.UUID, attempts)
	for i := range patients {
		patients[i] = s.addPatient(t)
	}

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			_, err := s.orch.Book(context.Background(), directRequest(p, clinicianID, mondayTen))
			results <- err
		}(patients[i])
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, scheduling.ErrSlotUnavailable), errors.Is(err, scheduling.ErrLockTimeout):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, 1, s.store.Count())
}

func TestSlotRoundTrip(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	ctx := context.Background()

	engine := availability.NewEngine(s.store, s.store, s.clk)
	slots, err := engine.Slots(ctx, availability.Query{
		ClinicianID: clinicianID,
		From:        winterMonday,
		To:          winterMonday,
		Type:        scheduling.TypeInitialConsultation,
	})
	require.NoError(t, err)
	require.NotEmpty(t, slots)

	for _, slot := range slots {
		res, bookErr := s.orch.Book(ctx, directRequest(s.addPatient(t), clinicianID, slot.Start))
		require.NoError(t, bookErr, "slot %s should book cleanly", slot.Start)
		// Undo so the next offered slot is still bookable.
		require.NoError(t, s.store.Delete(ctx, res.Appointment.ID))
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)
	ctx := context.Background()

	res, err := s.orch.Book(ctx, directRequest(patientID, clinicianID, mondayTen))
	require.NoError(t, err)
	id := res.Appointment.ID

	confirmed, err := s.orch.Confirm(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, 1, s.video.sessions)

	started, err := s.orch.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusInProgress, started.Status)
	require.NotNil(t, started.ActualStart)

	completed, err := s.orch.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusCompleted, completed.Status)
	require.NotNil(t, completed.ActualEnd)

	// Replaying the event log reconstructs the terminal status.
	statuses := scheduling.ReplayAppointmentStatuses(s.sink.Events())
	assert.Equal(t, scheduling.StatusCompleted, statuses[id])
}

func TestLifecycleIllegalTransitions(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)
	ctx := context.Background()

	res, err := s.orch.Book(ctx, directRequest(patientID, clinicianID, mondayTen))
	require.NoError(t, err)
	id := res.Appointment.ID

	// Pending cannot start or complete.
	_, err = s.orch.Start(ctx, id)
	assert.ErrorIs(t, err, scheduling.ErrInvalidStateTransition)
	_, err = s.orch.Complete(ctx, id)
	assert.ErrorIs(t, err, scheduling.ErrInvalidStateTransition)

	_, err = s.orch.CancelAppointment(ctx, id, "patient")
	require.NoError(t, err)

	// Terminal records reject everything.
	_, err = s.orch.Confirm(ctx, id)
	assert.ErrorIs(t, err, scheduling.ErrInvalidStateTransition)
}

func TestConfirmVideoDegradedKeepsConfirmation(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)
	ctx := context.Background()
	s.video.fail = true

	res, err := s.orch.Book(ctx, directRequest(patientID, clinicianID, mondayTen))
	require.NoError(t, err)

	confirmed, err := s.orch.Confirm(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusConfirmed, confirmed.Status)

	var degraded bool
	for _, ev := range s.sink.EventsFor(res.Appointment.ID) {
		if ev.Kind == scheduling.EventVideoDegraded {
			degraded = true
			assert.False(t, ev.Success)
		}
	}
	assert.True(t, degraded, "expected a degraded video event")
}

func TestReschedule(t *testing.T) {
	s := newStack(t)
	clinicianID := s.addClinician(t, "general practice")
	patientID := s.addPatient(t)
	ctx := context.Background()

	res, err := s.orch.Book(ctx, directRequest(patientID, clinicianID, mondayTen))
	require.NoError(t, err)
	oldID := res.Appointment.ID

	newStart := time.Date(2026, time.January, 13, 9, 0, 0, 0, time.UTC)
	replacement, err := s.orch.Reschedule(ctx, oldID, newStart)
	require.NoError(t, err)

	assert.Equal(t, scheduling.StatusPending, replacement.Status)
	assert.Equal(t, newStart, replacement.ScheduledStart)
	require.NotNil(t, replacement.PreviousID)
	assert.Equal(t, oldID, *replacement.PreviousID)

	old, err := s.store.Read(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusRescheduled, old.Status)

	// The rescheduled record no longer blocks its old slot.
	p2 := s.addPatient(t)
	_, err = s.orch.Book(ctx, directRequest(p2, clinicianID, mondayTen))
	require.NoError(t, err)
}
