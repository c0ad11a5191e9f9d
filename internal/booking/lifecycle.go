package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// Confirm moves Pending→Confirmed and provisions the video session. A
// provisioning failure does not roll back the confirmation; it is recorded
// as a degraded lifecycle event.
func (o *Orchestrator) Confirm(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	now := o.clk.Now()
	appt, err := o.transition(ctx, id, scheduling.StatusConfirmed, scheduling.StatusStamp{ConfirmedAt: &now})
	if err != nil {
		return nil, err
	}
	o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventAppointmentConfirmed, true, nil)

	if o.video != nil {
		vctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
		session, verr := o.video.CreateSession(vctx, appt.ID)
		cancel()
		if verr != nil {
			o.logger.Warn("video provisioning failed", "appointment_id", appt.ID, "error", verr)
			o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventVideoDegraded, false, map[string]any{
				"error": verr.Error(),
			})
		} else {
			o.logger.Info("video session created", "appointment_id", appt.ID, "session", session)
		}
	}
	return appt, nil
}

// Start moves Confirmed→InProgress and stamps the actual start.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	now := o.clk.Now()
	appt, err := o.transition(ctx, id, scheduling.StatusInProgress, scheduling.StatusStamp{ActualStart: &now})
	if err != nil {
		return nil, err
	}
	o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventAppointmentStarted, true, nil)
	return appt, nil
}

// Complete moves InProgress→Completed and stamps the actual end.
func (o *Orchestrator) Complete(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	now := o.clk.Now()
	appt, err := o.transition(ctx, id, scheduling.StatusCompleted, scheduling.StatusStamp{ActualEnd: &now})
	if err != nil {
		return nil, err
	}
	o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventAppointmentCompleted, true, nil)
	return appt, nil
}

// CancelAppointment cancels a Pending, Confirmed or InProgress appointment.
func (o *Orchestrator) CancelAppointment(ctx context.Context, id uuid.UUID, actor string) (*scheduling.Appointment, error) {
	appt, err := o.transition(ctx, id, scheduling.StatusCancelled, scheduling.StatusStamp{})
	if err != nil {
		return nil, err
	}
	o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventAppointmentCancelled, true, map[string]any{"actor": actor})
	return appt, nil
}

// NoShow marks a Confirmed appointment the patient never joined.
func (o *Orchestrator) NoShow(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	appt, err := o.transition(ctx, id, scheduling.StatusNoShow, scheduling.StatusStamp{})
	if err != nil {
		return nil, err
	}
	o.publishAppointmentEvent(ctx, appt.ID, scheduling.EventAppointmentNoShow, true, nil)
	return appt, nil
}

// Reschedule books a fresh Pending appointment at the new start inside the
// clinician lock, then marks the old record Rescheduled. The old record is
// terminal from that point; the replacement links back via PreviousID.
func (o *Orchestrator) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (*scheduling.Appointment, error) {
	old, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.Status.CanTransitionTo(scheduling.StatusRescheduled) {
		return nil, scheduling.ErrInvalidStateTransition
	}
	if newStart.Before(o.clk.Now().Add(o.cfg.MinAdvance)) {
		return nil, scheduling.NewValidationError(fmt.Sprintf("new start must be at least %s in the future", o.cfg.MinAdvance))
	}

	duration := old.ScheduledEnd.Sub(old.ScheduledStart)
	tpl, err := o.engine.TemplateForInstant(ctx, old.ClinicianID, newStart, int(duration/time.Minute), old.Type)
	if err != nil {
		return nil, err
	}

	replacement := &scheduling.Appointment{
		ID:             uuid.New(),
		PatientID:      old.PatientID,
		ClinicianID:    old.ClinicianID,
		ScheduledStart: newStart,
		ScheduledEnd:   newStart.Add(duration),
		Status:         scheduling.StatusPending,
		Type:           old.Type,
		Timezone:       old.Timezone,
		PatientNotes:   old.PatientNotes,
		PreviousID:     &old.ID,
	}

	buffer := time.Duration(tpl.BufferMinutes) * time.Minute
	err = o.layer.WithClinicianLock(ctx, old.ClinicianID, func(ctx context.Context) error {
		if err := o.layer.InsertIfNoConflict(ctx, replacement, buffer, tpl.MaxConcurrent); err != nil {
			return err
		}
		if _, err := o.store.UpdateStatus(ctx, old.ID, old.Status, scheduling.StatusRescheduled, scheduling.StatusStamp{}); err != nil {
			// Roll the replacement back rather than leave both intervals
			// booked.
			if delErr := o.layer.CompensatingDelete(ctx, replacement.ID); delErr != nil {
				o.logger.Error("compensating delete failed after reschedule rollback", "appointment_id", replacement.ID, "error", delErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.publishAppointmentEvent(ctx, old.ID, scheduling.EventAppointmentRescheduled, true, map[string]any{
		"replacement_id": replacement.ID.String(),
	})
	o.publishAppointmentEvent(ctx, replacement.ID, scheduling.EventAppointmentCreated, true, map[string]any{
		"previous_id": old.ID.String(),
	})
	return replacement, nil
}

// transition applies one state-machine step with a compare-and-swap on the
// current status.
func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, to scheduling.AppointmentStatus, stamp scheduling.StatusStamp) (*scheduling.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
	defer cancel()

	appt, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.CanTransitionTo(to) {
		return nil, scheduling.ErrInvalidStateTransition
	}

	updated, err := o.store.UpdateStatus(ctx, id, appt.Status, to, stamp)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	return updated, nil
}
