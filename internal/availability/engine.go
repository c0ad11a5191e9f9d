// Package availability materializes bookable slots from recurring clinician
// templates, per-date overrides and the set of already-booked appointments.
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// Engine derives slots on demand. It only ever reads appointments; writes
// belong to the consistency layer.
type Engine struct {
	clinicians   scheduling.ClinicianStore
	appointments scheduling.AppointmentStore
	clk          clock.Clock
}

func NewEngine(clinicians scheduling.ClinicianStore, appointments scheduling.AppointmentStore, clk clock.Clock) *Engine {
	return &Engine{clinicians: clinicians, appointments: appointments, clk: clk}
}

// Query selects the slots to materialize.
type Query struct {
	ClinicianID     uuid.UUID
	From            time.Time // midnight, clinician-local
	To              time.Time // inclusive last date, clinician-local midnight
	DurationMinutes int       // 0 means template duration
	Type            scheduling.AppointmentType
}

// Slots walks each date in the range and yields the prioritized, ordered
// candidate slots. A day without an active template yields nothing; a day
// blocked by an override yields nothing. Store failures abort the whole
// date with no partial results.
func (e *Engine) Slots(ctx context.Context, q Query) ([]scheduling.Slot, error) {
	clin, err := e.clinicians.Get(ctx, q.ClinicianID)
	if err != nil {
		return nil, err
	}
	loc := clin.Location()

	// The range is interpreted as calendar dates on the clinician's own
	// clock, whatever location the query instants came in.
	from := localDate(q.From, loc)
	to := localDate(q.To, loc)

	now := e.clk.Now()
	var all []scheduling.Slot
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		daySlots, err := e.slotsForDate(ctx, clin, date, q)
		if err != nil {
			return nil, err
		}
		for _, s := range daySlots {
			if s.Start.Before(now) {
				continue
			}
			all = append(all, s)
		}
	}

	sortSlots(all)
	return all, nil
}

func (e *Engine) slotsForDate(ctx context.Context, clin *scheduling.Clinician, date time.Time, q Query) ([]scheduling.Slot, error) {
	templates, err := e.clinicians.TemplatesFor(ctx, clin.ID, int(date.Weekday()), q.Type)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if len(templates) == 0 {
		return nil, nil
	}

	override, err := e.clinicians.OverrideFor(ctx, clin.ID, date)
	if err != nil {
		return nil, fmt.Errorf("load override: %w", err)
	}
	if override != nil && !override.IsAvailable {
		return nil, nil
	}

	// Occupancy looks one day either side so cross-midnight buffers are
	// counted.
	booked, err := e.appointments.ListByClinician(ctx, clin.ID, scheduling.DateRange{
		From: date.AddDate(0, 0, -1).UTC(),
		To:   date.AddDate(0, 0, 2).UTC(),
	}, scheduling.NonTerminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("load booked appointments: %w", err)
	}

	var out []scheduling.Slot
	for i := range templates {
		tpl := &templates[i]
		for _, win := range []*scheduling.TimeWindow{tpl.Morning, tpl.Afternoon} {
			if win == nil {
				continue
			}
			out = append(out, e.windowSlots(clin, tpl, *win, date, q, booked)...)
		}
	}
	return out, nil
}

// windowSlots walks the window from its start, stepping by slot + buffer.
// A candidate whose buffer-expanded interval collides with max_concurrent
// or more booked appointments is skipped, and the walk re-anchors just past
// the colliding bookings, so the free time after an off-grid booking is
// still offered.
func (e *Engine) windowSlots(clin *scheduling.Clinician, tpl *scheduling.AvailabilityTemplate, win scheduling.TimeWindow, date time.Time, q Query, booked []scheduling.Appointment) []scheduling.Slot {
	duration := tpl.SlotMinutes
	if q.DurationMinutes > 0 {
		duration = q.DurationMinutes
	}
	if duration <= 0 {
		// A template with no usable slot length would make the walk below
		// spin forever; stored data is not trusted to be well-formed.
		return nil
	}
	d := time.Duration(duration) * time.Minute
	step := d + time.Duration(tpl.BufferMinutes)*time.Minute
	buffer := time.Duration(tpl.BufferMinutes) * time.Minute
	loc := clin.Location()

	winStart := clock.Combine(date, win.StartMinute/60, win.StartMinute%60, loc)
	winEnd := clock.Combine(date, win.EndMinute/60, win.EndMinute%60, loc)
	windowSpan := winEnd.Sub(winStart)

	maxConcurrent := tpl.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	occupiedAt := func(start, end time.Time) (bool, time.Time) {
		overlapping := 0
		var latestEnd time.Time
		for i := range booked {
			if booked[i].Overlaps(start, end, buffer) {
				overlapping++
				if be := booked[i].ScheduledEnd.Add(buffer); be.After(latestEnd) {
					latestEnd = be
				}
			}
		}
		return overlapping >= maxConcurrent, latestEnd
	}

	var out []scheduling.Slot
	for start := winStart; !start.Add(d).After(winEnd); {
		end := start.Add(d)

		occupied, latestEnd := occupiedAt(start, end)
		if occupied {
			// Resume just past the blocking bookings.
			next := latestEnd
			if !next.After(start) {
				next = start.Add(step)
			}
			start = next
			continue
		}

		priority := scheduling.PriorityAvailable
		switch {
		case tpl.AppointmentType == scheduling.TypeEmergencyConsultation:
			priority = scheduling.PriorityEmergency
		case neighboursOccupied(occupiedAt, start, end, step):
			priority = scheduling.PriorityLimited
		case start.Sub(winStart) < windowSpan/4:
			priority = scheduling.PriorityPreferred
		}

		out = append(out, scheduling.Slot{
			ClinicianID: clin.ID,
			Start:       start,
			End:         end,
			Type:        tpl.AppointmentType,
			Priority:    priority,
		})
		start = start.Add(step)
	}
	return out
}

// neighboursOccupied reports whether the grid positions on both sides of a
// free slot are blocked.
func neighboursOccupied(occupiedAt func(time.Time, time.Time) (bool, time.Time), start, end time.Time, step time.Duration) bool {
	left, _ := occupiedAt(start.Add(-step), end.Add(-step))
	right, _ := occupiedAt(start.Add(step), end.Add(step))
	return left && right
}

func sortSlots(slots []scheduling.Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		di := clock.Midnight(slots[i].Start)
		dj := clock.Midnight(slots[j].Start)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if slots[i].Priority != slots[j].Priority {
			return slots[i].Priority > slots[j].Priority
		}
		return slots[i].Start.Before(slots[j].Start)
	})
}

// localDate rebuilds t's calendar date at midnight in loc.
func localDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// TemplateForInstant resolves the template whose window contains
// [start, start+duration) on that date, honoring overrides. Used by the
// direct booking path, where the requested start need not sit on the slot
// grid but must fall inside a configured window on an available day.
func (e *Engine) TemplateForInstant(ctx context.Context, clinicianID uuid.UUID, start time.Time, durationMinutes int, t scheduling.AppointmentType) (*scheduling.AvailabilityTemplate, error) {
	clin, err := e.clinicians.Get(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	loc := clin.Location()
	local := start.In(loc)
	date := clock.Midnight(local)

	templates, err := e.clinicians.TemplatesFor(ctx, clinicianID, int(date.Weekday()), t)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if len(templates) == 0 {
		return nil, scheduling.ErrNoTemplate
	}

	override, err := e.clinicians.OverrideFor(ctx, clinicianID, date)
	if err != nil {
		return nil, fmt.Errorf("load override: %w", err)
	}
	if override != nil && !override.IsAvailable {
		return nil, scheduling.ErrSlotUnavailable
	}

	startMinute := local.Hour()*60 + local.Minute()
	endMinute := startMinute + durationMinutes
	for i := range templates {
		tpl := &templates[i]
		for _, win := range []*scheduling.TimeWindow{tpl.Morning, tpl.Afternoon} {
			if win == nil {
				continue
			}
			if startMinute >= win.StartMinute && endMinute <= win.EndMinute {
				return tpl, nil
			}
		}
	}
	return nil, scheduling.ErrSlotUnavailable
}

// FreeSlotCounts reports (free, theoretical) slot counts inside [from, to)
// for the matcher's availability-density term.
func (e *Engine) FreeSlotCounts(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, duration int, t scheduling.AppointmentType) (free, theoretical int, err error) {
	clin, err := e.clinicians.Get(ctx, clinicianID)
	if err != nil {
		return 0, 0, err
	}
	loc := clin.Location()

	for date := clock.Midnight(from.In(loc)); date.Before(to); date = date.AddDate(0, 0, 1) {
		templates, err := e.clinicians.TemplatesFor(ctx, clin.ID, int(date.Weekday()), t)
		if err != nil {
			return 0, 0, fmt.Errorf("load templates: %w", err)
		}
		for i := range templates {
			tpl := &templates[i]
			d := tpl.SlotMinutes
			if duration > 0 {
				d = duration
			}
			if d <= 0 {
				continue
			}
			step := d + tpl.BufferMinutes
			if step <= 0 {
				continue
			}
			slotLen := time.Duration(d) * time.Minute
			stride := time.Duration(step) * time.Minute
			for _, win := range []*scheduling.TimeWindow{tpl.Morning, tpl.Afternoon} {
				if win == nil {
					continue
				}
				winStart := clock.Combine(date, win.StartMinute/60, win.StartMinute%60, loc)
				winEnd := clock.Combine(date, win.EndMinute/60, win.EndMinute%60, loc)
				for s := winStart; !s.Add(slotLen).After(winEnd); s = s.Add(stride) {
					if !s.Before(from) && s.Before(to) {
						theoretical++
					}
				}
			}
		}

		slots, err := e.slotsForDate(ctx, clin, date, Query{ClinicianID: clinicianID, DurationMinutes: duration, Type: t})
		if err != nil {
			return 0, 0, err
		}
		for _, s := range slots {
			if !s.Start.Before(from) && s.Start.Before(to) {
				free++
			}
		}
	}
	return free, theoretical, nil
}
