package scheduling

import (
	"sort"

	"github.com/google/uuid"
)

// eventStatus maps appointment event kinds onto the status the transition
// landed in. Kinds without a status change (conflicts, degraded video) map
// to nothing.
var eventStatus = map[string]AppointmentStatus{
	EventAppointmentCreated:     StatusPending,
	EventAppointmentConfirmed:   StatusConfirmed,
	EventAppointmentStarted:     StatusInProgress,
	EventAppointmentCompleted:   StatusCompleted,
	EventAppointmentCancelled:   StatusCancelled,
	EventAppointmentNoShow:      StatusNoShow,
	EventAppointmentRescheduled: StatusRescheduled,
}

// ReplayAppointmentStatuses folds an event log into the current status of
// every appointment it mentions. The log is append-only and per-appointment
// ordered, so the last status-bearing event wins.
func ReplayAppointmentStatuses(events []LifecycleEvent) map[uuid.UUID]AppointmentStatus {
	sorted := make([]LifecycleEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make(map[uuid.UUID]AppointmentStatus)
	for _, ev := range sorted {
		if ev.AppointmentID == nil || !ev.Success {
			continue
		}
		if st, ok := eventStatus[ev.Kind]; ok {
			out[*ev.AppointmentID] = st
		}
	}
	return out
}
