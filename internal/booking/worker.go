package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

// claimPollInterval is how often an idle worker re-checks the queue.
const claimPollInterval = 25 * time.Millisecond

// WorkerPool runs the booking jobs. Each worker claims a job under a
// lease, executes the same flow as the synchronous path, and retries
// transient failures with capped exponential backoff.
type WorkerPool struct {
	orch   *Orchestrator
	queue  *Queue
	logger *logging.Logger
	wg     sync.WaitGroup
}

func NewWorkerPool(orch *Orchestrator, logger *logging.Logger) *WorkerPool {
	if logger == nil {
		logger = logging.Default()
	}
	return &WorkerPool{orch: orch, queue: orch.queue, logger: logger}
}

// Start launches the configured number of workers. They stop when ctx is
// cancelled; Wait blocks until they have drained.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.orch.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
}

func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	p.logger.Info("booking worker started", "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("booking worker stopping", "worker_id", workerID)
			return
		default:
		}

		job := p.queue.Claim(workerID, p.orch.cfg.LeaseDuration)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimPollInterval):
			}
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

func (p *WorkerPool) processJob(ctx context.Context, workerID string, job *Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.orch.cfg.JobTimeout)
	defer cancel()

	p.orch.publishJobEvent(jobCtx, job.ID, scheduling.EventJobStarted, true, map[string]any{"worker_id": workerID})

	// Cancellation and deadline check. executeBooking runs it before
	// matching (smart path), before slot selection and before the atomic
	// insert; lock acquisition and the store calls in between do not run it.
	checkpoint := func() error {
		if p.queue.CancelRequested(job.ID) {
			return errCancelled
		}
		if err := jobCtx.Err(); err != nil {
			return fmt.Errorf("%w: job deadline", scheduling.ErrTransientRemote)
		}
		return nil
	}

	result, err := p.orch.executeBooking(jobCtx, job.Request, checkpoint)

	switch {
	case err == nil:
		if p.queue.CancelRequested(job.ID) {
			// Cancelled after the insert committed: compensate and report
			// Cancelled instead of exposing the appointment.
			p.compensate(jobCtx, result.Appointment.ID)
			p.finish(jobCtx, job, workerID, JobCancelled, "cancelled", "booking cancelled after commit", nil)
			return
		}
		p.finish(jobCtx, job, workerID, JobCompleted, "", "", result)
		p.orch.metrics.ObserveJobDuration(time.Since(start), "completed")

	case errors.Is(err, errCancelled):
		p.finish(jobCtx, job, workerID, JobCancelled, "cancelled", "booking cancelled", nil)
		p.orch.metrics.ObserveJobDuration(time.Since(start), "cancelled")

	case scheduling.IsRetryable(err) && job.RetryCount < p.orch.cfg.MaxRetries:
		delay := p.backoff(job.RetryCount)
		p.logger.Warn("booking job retrying",
			"job_id", job.ID, "attempt", job.RetryCount+1, "delay", delay, "error", err)
		if rqErr := p.queue.Requeue(job.ID, workerID, delay, job.RetryCount+1); rqErr != nil {
			p.logger.Error("requeue failed", "job_id", job.ID, "error", rqErr)
		}

	default:
		p.finish(jobCtx, job, workerID, JobFailed, scheduling.ErrorCode(err), err.Error(), nil)
		p.orch.metrics.ObserveJobDuration(time.Since(start), "failed")
	}
}

func (p *WorkerPool) finish(ctx context.Context, job *Job, workerID string, status JobStatus, code, msg string, result *Result) {
	if err := p.queue.Transition(job.ID, workerID, status, code, msg, result); err != nil {
		p.logger.Error("job transition failed", "job_id", job.ID, "to", status, "error", err)
		return
	}
	kind := scheduling.EventJobCompleted
	switch status {
	case JobFailed:
		kind = scheduling.EventJobFailed
	case JobCancelled:
		kind = scheduling.EventJobCancelled
	}
	p.orch.publishJobEvent(ctx, job.ID, kind, status == JobCompleted, map[string]any{
		"error_code": code,
	})
}

func (p *WorkerPool) compensate(ctx context.Context, appointmentID uuid.UUID) {
	if err := p.orch.layer.CompensatingDelete(context.WithoutCancel(ctx), appointmentID); err != nil {
		p.logger.Error("compensating delete failed", "appointment_id", appointmentID, "error", err)
		return
	}
	p.orch.publishAppointmentEvent(ctx, appointmentID, scheduling.EventAppointmentCancelled, true, map[string]any{
		"actor": "worker-compensation",
	})
}

// backoff is b·2^n capped at BackoffCap, then ±25% jitter, so a capped
// delay can land up to a quarter above the cap.
func (p *WorkerPool) backoff(retryCount int) time.Duration {
	d := p.orch.cfg.BaseBackoff << uint(retryCount)
	if d > p.orch.cfg.BackoffCap {
		d = p.orch.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

var errCancelled = errors.New("job cancelled")
