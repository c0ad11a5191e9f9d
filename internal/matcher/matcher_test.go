package matcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// winterTuesday is a Tuesday with Dublin on UTC.
var winterTuesday = time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   *scheduling.MemoryStore
	matcher *Matcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := scheduling.NewMemoryStore()
	engine := availability.NewEngine(store, store, clock.NewFake(winterTuesday.AddDate(0, 0, -7)))
	return &fixture{
		store:   store,
		matcher: New(store, store, engine, nil),
	}
}

func (f *fixture) addClinician(t *testing.T, id uuid.UUID, specialty string, rating float64, verified bool) {
	t.Helper()
	f.store.AddClinician(scheduling.Clinician{
		ID:          id,
		Name:        "Dr. " + id.String()[:8],
		Specialty:   specialty,
		Timezone:    "Europe/Dublin",
		IsAvailable: true,
		IsVerified:  verified,
		Rating:      rating,
	})
	f.store.AddTemplate(scheduling.AvailabilityTemplate{
		ID:              uuid.New(),
		ClinicianID:     id,
		DayOfWeek:       2, // Tuesday
		Morning:         &scheduling.TimeWindow{StartMinute: 9 * 60, EndMinute: 12 * 60},
		SlotMinutes:     30,
		BufferMinutes:   10,
		MaxConcurrent:   1,
		AppointmentType: scheduling.TypeInitialConsultation,
		IsActive:        true,
	})
}

func (f *fixture) addHistory(t *testing.T, patientID, clinicianID uuid.UUID, visits int) {
	t.Helper()
	base := winterTuesday.AddDate(0, -2, 0)
	for i := 0; i < visits; i++ {
		start := base.AddDate(0, 0, i*7).Add(10 * time.Hour)
		appt := scheduling.Appointment{
			ID:             uuid.New(),
			PatientID:      patientID,
			ClinicianID:    clinicianID,
			ScheduledStart: start,
			ScheduledEnd:   start.Add(30 * time.Minute),
			Status:         scheduling.StatusCompleted,
			Type:           scheduling.TypeInitialConsultation,
		}
		require.NoError(t, f.store.Insert(context.Background(), &appt))
	}
}

func matchRequest(patientID uuid.UUID, specialty string) MatchRequest {
	return MatchRequest{
		PatientID:        patientID,
		DesiredSpecialty: specialty,
		WindowStart:      winterTuesday.Add(9 * time.Hour),
		WindowEnd:        winterTuesday.Add(12 * time.Hour),
		DurationMinutes:  30,
		Type:             scheduling.TypeInitialConsultation,
		AllowHistory:     true,
	}
}

func TestMatchPriorRelationshipRanksFirst(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	seen := uuid.New()
	unseen := uuid.New()
	f.addClinician(t, seen, "cardiology", 4.0, true)
	f.addClinician(t, unseen, "cardiology", 5.0, true)
	f.addHistory(t, patientID, seen, 3)

	cands, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, seen, cands[0].Clinician.ID)
	assert.Equal(t, unseen, cands[1].Clinician.ID)
	assert.Greater(t, cands[0].Score, cands[1].Score)
	assert.Contains(t, cands[0].Reasons, "previous patient — 3 prior visit(s)")
}

func TestMatchDeterminism(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	for i := 0; i < 5; i++ {
		f.addClinician(t, uuid.New(), "cardiology", 4.2, true)
	}

	first, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
	require.NoError(t, err)

	for run := 0; run < 3; run++ {
		again, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for i := range first {
			assert.Equal(t, first[i].Clinician.ID, again[i].Clinician.ID, "run %d position %d", run, i)
			assert.Equal(t, first[i].Score, again[i].Score)
			assert.Equal(t, first[i].Reasons, again[i].Reasons)
		}
	}
}

func TestMatchTieBreakByID(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	f.addClinician(t, b, "cardiology", 4.2, true)
	f.addClinician(t, a, "cardiology", 4.2, true)

	cands, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, a, cands[0].Clinician.ID)
	assert.Equal(t, b, cands[1].Clinician.ID)
}

func TestMatchExcludesUnverifiedAndUnavailable(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	verified := uuid.New()
	unverified := uuid.New()
	f.addClinician(t, verified, "cardiology", 4.0, true)
	f.addClinician(t, unverified, "cardiology", 5.0, false)

	offline := uuid.New()
	f.store.AddClinician(scheduling.Clinician{
		ID: offline, Specialty: "cardiology", Timezone: "Europe/Dublin",
		IsAvailable: false, IsVerified: true, Rating: 5.0,
	})

	cands, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, verified, cands[0].Clinician.ID)

	// Widening to unverified clinicians is explicit.
	req := matchRequest(patientID, "cardiology")
	req.IncludeUnverified = true
	cands, err = f.matcher.Match(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestMatchSpecialtyScoring(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	exact := uuid.New()
	f.addClinician(t, exact, "Cardiology", 0, true)

	cands, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
	require.NoError(t, err)
	require.Len(t, cands, 1)

	// Exact case-folded specialty match contributes the full 0.25 plus the
	// full availability density term on an empty calendar.
	assert.InDelta(t, 0.25+0.15, cands[0].Score, 1e-9)
	assert.Contains(t, cands[0].Reasons, "specializes in Cardiology")
}

func TestMatchNoClinicianAvailable(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	req := matchRequest(patientID, "cardiology")
	_, err := f.matcher.Match(context.Background(), req)
	assert.ErrorIs(t, err, scheduling.ErrNoClinicianAvailable)

	// The failure reports the loosest window considered: the search had
	// already widened past the requested specialty before coming up empty.
	var noClinician *scheduling.NoClinicianError
	require.ErrorAs(t, err, &noClinician)
	assert.Empty(t, noClinician.Specialty)
	assert.Equal(t, req.WindowStart, noClinician.WindowStart)
	assert.Equal(t, req.WindowEnd, noClinician.WindowEnd)
}

func TestMatchHighlyRatedReason(t *testing.T) {
	f := newFixture(t)
	patientID := uuid.New()
	f.store.AddPatient(scheduling.Patient{ID: patientID, Timezone: "Europe/Dublin"})

	id := uuid.New()
	f.addClinician(t, id, "cardiology", 4.5, true)

	cands, err := f.matcher.Match(context.Background(), matchRequest(patientID, "cardiology"))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Contains(t, cands[0].Reasons, fmt.Sprintf("highly rated %.1f/5", 4.5))
	require.NotEmpty(t, cands[0].Slots)
	assert.LessOrEqual(t, len(cands[0].Slots), MaxAlternativeSlots)
}
