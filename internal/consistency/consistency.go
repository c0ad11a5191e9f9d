// Package consistency owns every appointment write. It serializes bookings
// per clinician through a cross-process lock and re-checks conflicts inside
// the critical section, so committed appointments never overlap beyond a
// template's max_concurrent.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

// ConflictError carries the colliding appointments and up to
// MaxAlternatives suggested slots for one-click re-booking.
type ConflictError struct {
	Existing     []scheduling.Appointment
	Alternatives []scheduling.Slot
}

func (e *ConflictError) Error() string {
	return scheduling.ErrSlotUnavailable.Error()
}

func (e *ConflictError) Unwrap() error { return scheduling.ErrSlotUnavailable }

// MaxAlternatives bounds the suggestion list on a conflict.
const MaxAlternatives = 3

// alternativeLookahead is how far past the requested day suggestions reach.
const alternativeLookahead = 7

type Layer struct {
	store  scheduling.AppointmentStore
	locks  scheduling.LockService
	engine *availability.Engine
	clk    clock.Clock
	// lockTimeout is T_lock.
	lockTimeout time.Duration
	logger      *logging.Logger
}

func NewLayer(store scheduling.AppointmentStore, locks scheduling.LockService, engine *availability.Engine, clk clock.Clock, lockTimeout time.Duration, logger *logging.Logger) *Layer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Layer{
		store:       store,
		locks:       locks,
		engine:      engine,
		clk:         clk,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// lockKey spans the whole clinician: any window overlap for one clinician
// contends on the same key, which is what makes the conflict re-check
// inside the lock authoritative.
func lockKey(clinicianID uuid.UUID) string {
	return fmt.Sprintf("lock:clinician:%s", clinicianID)
}

// WithClinicianLock runs fn while holding the clinician's mutex. Returns
// ErrLockTimeout when the lock cannot be acquired within T_lock.
func (l *Layer) WithClinicianLock(ctx context.Context, clinicianID uuid.UUID, fn func(ctx context.Context) error) error {
	handle, err := l.locks.Acquire(ctx, lockKey(clinicianID), l.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.locks.Release(context.WithoutCancel(ctx), handle); relErr != nil {
			l.logger.Warn("lock release failed", "key", handle.Key, "error", relErr)
		}
	}()

	return fn(ctx)
}

// InsertIfNoConflict atomically re-checks the overlap rule and inserts.
// Must be called while holding the clinician lock (BookAtomically does
// both). On conflict it returns a *ConflictError with alternatives.
func (l *Layer) InsertIfNoConflict(ctx context.Context, appt *scheduling.Appointment, buffer time.Duration, maxConcurrent int) error {
	day := clock.Midnight(appt.ScheduledStart)
	existing, err := l.store.ListByClinician(ctx, appt.ClinicianID, scheduling.DateRange{
		From: day.AddDate(0, 0, -1),
		To:   day.AddDate(0, 0, 2),
	}, scheduling.NonTerminalStatuses)
	if err != nil {
		return fmt.Errorf("re-check conflicts: %w", err)
	}

	var colliding []scheduling.Appointment
	for i := range existing {
		if existing[i].Overlaps(appt.ScheduledStart, appt.ScheduledEnd, buffer) {
			colliding = append(colliding, existing[i])
		}
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if len(colliding) >= maxConcurrent {
		return &ConflictError{
			Existing:     colliding,
			Alternatives: l.suggestAlternatives(ctx, appt),
		}
	}

	if err := l.store.Insert(ctx, appt); err != nil {
		if errors.Is(err, scheduling.ErrDuplicateKey) {
			return &ConflictError{Alternatives: l.suggestAlternatives(ctx, appt)}
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// BookAtomically is the lock + re-check + insert primitive the orchestrator
// calls.
func (l *Layer) BookAtomically(ctx context.Context, appt *scheduling.Appointment, buffer time.Duration, maxConcurrent int) error {
	return l.WithClinicianLock(ctx, appt.ClinicianID, func(ctx context.Context) error {
		return l.InsertIfNoConflict(ctx, appt, buffer, maxConcurrent)
	})
}

// CompensatingDelete rolls back an insert for a cancelled job. Idempotent.
func (l *Layer) CompensatingDelete(ctx context.Context, appointmentID uuid.UUID) error {
	return l.store.Delete(ctx, appointmentID)
}

// suggestAlternatives pulls free slots from the same day, then up to a week
// forward. Suggestion failures degrade to an empty list; the conflict
// itself still surfaces.
func (l *Layer) suggestAlternatives(ctx context.Context, appt *scheduling.Appointment) []scheduling.Slot {
	day := clock.Midnight(appt.ScheduledStart)
	slots, err := l.engine.Slots(ctx, availability.Query{
		ClinicianID:     appt.ClinicianID,
		From:            day,
		To:              day.AddDate(0, 0, alternativeLookahead),
		DurationMinutes: int(appt.ScheduledEnd.Sub(appt.ScheduledStart) / time.Minute),
		Type:            appt.Type,
	})
	if err != nil {
		l.logger.Warn("alternative slot lookup failed", "clinician_id", appt.ClinicianID, "error", err)
		return nil
	}

	var out []scheduling.Slot
	for _, s := range slots {
		if s.Start.Equal(appt.ScheduledStart) {
			continue
		}
		out = append(out, s)
		if len(out) == MaxAlternatives {
			break
		}
	}
	return out
}
