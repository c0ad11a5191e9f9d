package consistency

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
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// winterMonday is a Monday with Dublin on UTC.
var winterMonday = time.Date(2026, time.January, 12, 0, 0, 0, 0, time.UTC)

func newLayer(t *testing.T) (*Layer, *scheduling.MemoryStore, uuid.UUID) {
	t.Helper()

	store := scheduling.NewMemoryStore()
	clinicianID := uuid.New()
	store.AddClinician(scheduling.Clinician{
		ID:          clinicianID,
		Name:        "Dr. Niamh Kelly",
		Specialty:   "dermatology",
		Timezone:    "Europe/Dublin",
		IsAvailable: true,
		IsVerified:  true,
		Rating:      4.1,
	})
	store.AddTemplate(scheduling.AvailabilityTemplate{
		ID:              uuid.New(),
		ClinicianID:     clinicianID,
		DayOfWeek:       1,
		Morning:         &scheduling.TimeWindow{StartMinute: 9 * 60, EndMinute: 12 * 60},
		SlotMinutes:     30,
		BufferMinutes:   10,
		MaxConcurrent:   1,
		AppointmentType: scheduling.TypeInitialConsultation,
		IsActive:        true,
	})

	fake := clock.NewFake(winterMonday.AddDate(0, 0, -3))
	engine := availability.NewEngine(store, store, fake)
	layer := NewLayer(store, NewMemoryLockService(), engine, fake, time.Second, nil)
	return layer, store, clinicianID
}

func pendingAt(clinicianID uuid.UUID, hour, minute int) *scheduling.Appointment {
	start := time.Date(2026, time.January, 12, hour, minute, 0, 0, time.UTC)
	return &scheduling.Appointment{
		ID:             uuid.New(),
		PatientID:      uuid.New(),
		ClinicianID:    clinicianID,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(30 * time.Minute),
		Status:         scheduling.StatusPending,
		Type:           scheduling.TypeInitialConsultation,
	}
}

func TestBookAtomicallyCommits(t *testing.T) {
	layer, store, clinicianID := newLayer(t)

	appt := pendingAt(clinicianID, 10, 0)
	require.NoError(t, layer.BookAtomically(context.Background(), appt, 10*time.Minute, 1))
	assert.Equal(t, 1, store.Count(scheduling.StatusPending))
}

func TestConflictReturnsAlternatives(t *testing.T) {
	layer, store, clinicianID := newLayer(t)
	ctx := context.Background()

	first := pendingAt(clinicianID, 10, 0)
	require.NoError(t, layer.BookAtomically(ctx, first, 10*time.Minute, 1))

	second := pendingAt(clinicianID, 10, 0)
	err := layer.BookAtomically(ctx, second, 10*time.Minute, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduling.ErrSlotUnavailable)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Existing, 1)
	assert.Equal(t, first.ID, conflict.Existing[0].ID)

	require.NotEmpty(t, conflict.Alternatives)
	assert.LessOrEqual(t, len(conflict.Alternatives), MaxAlternatives)

	var starts []time.Time
	for _, s := range conflict.Alternatives {
		starts = append(starts, s.Start)
	}
	assert.Contains(t, starts, time.Date(2026, time.January, 12, 10, 40, 0, 0, time.UTC))
	assert.Contains(t, starts, time.Date(2026, time.January, 12, 11, 20, 0, 0, time.UTC))

	// No second row was committed.
	assert.Equal(t, 1, store.Count(scheduling.StatusPending))
}

func TestMaxConcurrentAllowsCoexistence(t *testing.T) {
	layer, store, clinicianID := newLayer(t)
	ctx := context.Background()

	first := pendingAt(clinicianID, 10, 0)
	second := pendingAt(clinicianID, 10, 0)
	third := pendingAt(clinicianID, 10, 0)

	require.NoError(t, layer.BookAtomically(ctx, first, 0, 2))
	require.NoError(t, layer.BookAtomically(ctx, second, 0, 2))
	err := layer.BookAtomically(ctx, third, 0, 2)
	assert.ErrorIs(t, err, scheduling.ErrSlotUnavailable)
	assert.Equal(t, 2, store.Count(scheduling.StatusPending))
}

func TestAtMostOnceUnderContention(t *testing.T) {
	layer, store, clinicianID := newLayer(t)

	const attempts = 64
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- layer.BookAtomically(context.Background(), pendingAt(clinicianID, 9, 0), 10*time.Minute, 1)
		}()
	}
	wg.Wait()
	close(results)

	committed := 0
	rejected := 0
	for err := range results {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, scheduling.ErrSlotUnavailable), errors.Is(err, scheduling.ErrLockTimeout):
			rejected++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}

	assert.Equal(t, 1, committed)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, 1, store.Count(scheduling.StatusPending))
}

func TestCompensatingDeleteIsIdempotent(t *testing.T) {
	layer, store, clinicianID := newLayer(t)
	ctx := context.Background()

	appt := pendingAt(clinicianID, 11, 0)
	require.NoError(t, layer.BookAtomically(ctx, appt, 10*time.Minute, 1))
	require.Equal(t, 1, store.Count())

	require.NoError(t, layer.CompensatingDelete(ctx, appt.ID))
	assert.Equal(t, 0, store.Count())
	require.NoError(t, layer.CompensatingDelete(ctx, appt.ID))
}

func TestWithClinicianLockTimesOut(t *testing.T) {
	layer, _, clinicianID := newLayer(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = layer.WithClinicianLock(ctx, clinicianID, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	err := layer.WithClinicianLock(ctx, clinicianID, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, scheduling.ErrLockTimeout)
	close(release)
}
