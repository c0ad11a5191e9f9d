// Package matcher ranks clinicians against a patient's stated need.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

// Weights of the normalized [0,1] score.
const (
	historyWeight      = 0.50
	specialtyWeight    = 0.25
	availabilityWeight = 0.15
	ratingWeight       = 0.10

	substringSpecialtyScore = 0.15
	historySaturation       = 3
)

// MaxAlternativeSlots caps the per-candidate slot list.
const MaxAlternativeSlots = 5

type MatchRequest struct {
	PatientID        uuid.UUID
	DesiredSpecialty string
	WindowStart      time.Time // UTC
	WindowEnd        time.Time // UTC
	DurationMinutes  int
	Type             scheduling.AppointmentType
	// AllowHistory toggles the prior-relationship term.
	AllowHistory bool
	// IncludeUnverified widens the search past verified clinicians.
	IncludeUnverified bool
}

type Candidate struct {
	Clinician scheduling.Clinician
	Score     float64
	Reasons   []string
	Slots     []scheduling.Slot
}

type Matcher struct {
	clinicians scheduling.ClinicianStore
	store      scheduling.AppointmentStore
	engine     *availability.Engine
	logger     *logging.Logger
}

func New(clinicians scheduling.ClinicianStore, store scheduling.AppointmentStore, engine *availability.Engine, logger *logging.Logger) *Matcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Matcher{clinicians: clinicians, store: store, engine: engine, logger: logger}
}

// Match returns the ranked candidate list. Identical inputs against
// identical store state produce identical output, including reason order.
func (m *Matcher) Match(ctx context.Context, req MatchRequest) ([]Candidate, error) {
	available := true
	search := scheduling.ClinicianSearch{
		Specialty:   req.DesiredSpecialty,
		IsAvailable: &available,
	}
	if !req.IncludeUnverified {
		verified := true
		search.IsVerified = &verified
	}

	clinicians, err := m.clinicians.Search(ctx, search)
	if err != nil {
		return nil, fmt.Errorf("search clinicians: %w", err)
	}
	if req.DesiredSpecialty != "" && len(clinicians) == 0 {
		// Widen once: same window, any specialty. The caller sees what the
		// loosest search would have matched.
		search.Specialty = ""
		widened, werr := m.clinicians.Search(ctx, search)
		if werr == nil && len(widened) > 0 {
			clinicians = widened
		}
	}
	if len(clinicians) == 0 {
		return nil, &scheduling.NoClinicianError{
			Specialty:   search.Specialty,
			WindowStart: req.WindowStart,
			WindowEnd:   req.WindowEnd,
		}
	}

	history := map[uuid.UUID]int{}
	if req.AllowHistory {
		history, err = m.patientHistory(ctx, req.PatientID)
		if err != nil {
			return nil, err
		}
	}

	var out []Candidate
	for i := range clinicians {
		clin := clinicians[i]
		cand, err := m.evaluate(ctx, &clin, req, history[clin.ID])
		if err != nil {
			m.logger.Warn("skipping candidate", "clinician_id", clin.ID, "error", err)
			continue
		}
		out = append(out, *cand)
	}
	if len(out) == 0 {
		return nil, &scheduling.NoClinicianError{
			Specialty:   search.Specialty,
			WindowStart: req.WindowStart,
			WindowEnd:   req.WindowEnd,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Clinician.Rating != out[j].Clinician.Rating {
			return out[i].Clinician.Rating > out[j].Clinician.Rating
		}
		return out[i].Clinician.ID.String() < out[j].Clinician.ID.String()
	})

	return out, nil
}

// Best returns the top candidate only.
func (m *Matcher) Best(ctx context.Context, req MatchRequest) (*Candidate, error) {
	cands, err := m.Match(ctx, req)
	if err != nil {
		return nil, err
	}
	return &cands[0], nil
}

func (m *Matcher) evaluate(ctx context.Context, clin *scheduling.Clinician, req MatchRequest, visits int) (*Candidate, error) {
	var score float64
	var reasons []string

	if visits > 0 {
		n := visits
		if n > historySaturation {
			n = historySaturation
		}
		score += historyWeight * float64(n) / historySaturation
		reasons = append(reasons, fmt.Sprintf("previous patient — %d prior visit(s)", visits))
	}

	if req.DesiredSpecialty != "" {
		want := strings.ToLower(req.DesiredSpecialty)
		have := strings.ToLower(clin.Specialty)
		switch {
		case have == want:
			score += specialtyWeight
			reasons = append(reasons, fmt.Sprintf("specializes in %s", clin.Specialty))
		case strings.Contains(have, want):
			score += substringSpecialtyScore
			reasons = append(reasons, fmt.Sprintf("related specialty %s", clin.Specialty))
		}
	}

	free, theoretical, err := m.engine.FreeSlotCounts(ctx, clin.ID, req.WindowStart, req.WindowEnd, req.DurationMinutes, req.Type)
	if err != nil {
		return nil, err
	}
	if theoretical > 0 {
		density := float64(free) / float64(theoretical)
		if density > 1 {
			density = 1
		}
		score += availabilityWeight * density
		if free > 0 {
			reasons = append(reasons, fmt.Sprintf("%d open slot(s) in the requested window", free))
		}
	}

	score += ratingWeight * clin.Rating / 5.0
	if clin.Rating >= 4.0 {
		reasons = append(reasons, fmt.Sprintf("highly rated %.1f/5", clin.Rating))
	}

	loc := clin.Location()
	slots, err := m.engine.Slots(ctx, availability.Query{
		ClinicianID:     clin.ID,
		From:            clock.Midnight(req.WindowStart.In(loc)),
		To:              clock.Midnight(req.WindowEnd.In(loc)),
		DurationMinutes: req.DurationMinutes,
		Type:            req.Type,
	})
	if err != nil {
		return nil, err
	}
	inWindow := slots[:0]
	for _, s := range slots {
		if !s.Start.Before(req.WindowStart) && s.Start.Before(req.WindowEnd) {
			inWindow = append(inWindow, s)
		}
	}
	if len(inWindow) > MaxAlternativeSlots {
		inWindow = inWindow[:MaxAlternativeSlots]
	}

	return &Candidate{
		Clinician: *clin,
		Score:     score,
		Reasons:   reasons,
		Slots:     inWindow,
	}, nil
}

// patientHistory counts non-cancelled appointments per clinician.
func (m *Matcher) patientHistory(ctx context.Context, patientID uuid.UUID) (map[uuid.UUID]int, error) {
	past, err := m.store.ListByPatient(ctx, patientID, []scheduling.AppointmentStatus{
		scheduling.StatusPending,
		scheduling.StatusConfirmed,
		scheduling.StatusInProgress,
		scheduling.StatusCompleted,
		scheduling.StatusNoShow,
		scheduling.StatusRescheduled,
	})
	if err != nil {
		return nil, fmt.Errorf("load patient history: %w", err)
	}
	counts := make(map[uuid.UUID]int, len(past))
	for i := range past {
		counts[past[i].ClinicianID]++
	}
	return counts, nil
}
