package booking

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// defaultEstimate seeds the completion estimate until enough jobs have
// finished to compute a real p95.
const defaultEstimate = 30 * time.Second

// latencySamples bounds the ring used for the p95 estimate.
const latencySamples = 200

// Queue is the in-memory job table shared by every worker in the process.
// One mutex guards it; workers hold it only for brief status transitions.
// Subscription channels are published under the same mutex, which is what
// makes per-job update order strictly monotonic.
type Queue struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*Job
	order       []uuid.UUID // FIFO claim order
	subscribers map[uuid.UUID][]chan Update
	latencies   []time.Duration
	clk         clock.Clock
}

func NewQueue(clk clock.Clock) *Queue {
	return &Queue{
		jobs:        make(map[uuid.UUID]*Job),
		subscribers: make(map[uuid.UUID][]chan Update),
		clk:         clk,
	}
}

// Enqueue adds a job in status Queued and returns it.
func (q *Queue) Enqueue(req Request) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := &Job{
		ID:        uuid.New(),
		Request:   req,
		Status:    JobQueued,
		CreatedAt: q.clk.Now(),
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.publishLocked(job)
	return job
}

// Claim hands the next ready job to a worker under a lease. Ready means
// Queued past its backoff gate, or Running with an expired lease (a
// previous holder crashed or released for retry). Returns nil when nothing
// is ready.
func (q *Queue) Claim(workerID string, lease time.Duration) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status.IsTerminal() {
			continue
		}
		if now.Before(job.notBefore) {
			continue
		}
		claimable := job.Status == JobQueued ||
			(job.Status == JobRunning && now.After(job.leaseExpiry))
		if !claimable {
			continue
		}

		job.WorkerID = workerID
		job.leaseExpiry = now.Add(lease)
		if job.Status == JobQueued {
			job.Status = JobRunning
			started := now
			job.StartedAt = &started
			q.publishLocked(job)
		}
		snapshot := *job
		return &snapshot
	}
	return nil
}

// Transition moves a job to a terminal or running state. Only the lease
// holder may transition; monotonicity is enforced by the state machine.
func (q *Queue) Transition(jobID uuid.UUID, workerID string, to JobStatus, errCode, errMsg string, result *Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return scheduling.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return scheduling.ErrJobAlreadyTerminal
	}
	if workerID != "" && job.WorkerID != workerID {
		return scheduling.ErrJobNotFound
	}
	if !job.Status.CanTransitionTo(to) {
		return scheduling.ErrInvalidStateTransition
	}

	job.Status = to
	job.ErrorCode = errCode
	job.ErrorMsg = errMsg
	job.Result = result
	if to.IsTerminal() {
		done := q.clk.Now()
		job.CompletedAt = &done
		q.recordLatencyLocked(done.Sub(job.CreatedAt))
	}
	q.publishLocked(job)
	return nil
}

// Requeue releases the lease and gates the next claim behind the backoff
// delay. The job stays Running until re-claimed, per the lease model.
func (q *Queue) Requeue(jobID uuid.UUID, workerID string, delay time.Duration, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.WorkerID != workerID {
		return scheduling.ErrJobNotFound
	}
	job.RetryCount = retryCount
	job.WorkerID = ""
	job.leaseExpiry = time.Time{}
	job.notBefore = q.clk.Now().Add(delay)
	return nil
}

// Cancel sets the cooperative cancellation flag. A still-queued job is
// cancelled immediately; a running job is cancelled by its worker at the
// next suspension point. Terminal jobs reject with ErrJobAlreadyTerminal.
func (q *Queue) Cancel(jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return scheduling.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return scheduling.ErrJobAlreadyTerminal
	}

	job.cancelled = true
	if job.Status == JobQueued {
		job.Status = JobCancelled
		done := q.clk.Now()
		job.CompletedAt = &done
		q.publishLocked(job)
	}
	return nil
}

// CancelRequested reads the flag for a worker's suspension-point check.
func (q *Queue) CancelRequested(jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	return ok && job.cancelled
}

// Get returns a snapshot of the job.
func (q *Queue) Get(jobID uuid.UUID) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, scheduling.ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// Subscribe returns the job's status feed and a cancel func. A late
// subscriber first receives the latest status; if the job is already
// terminal that message is terminal and the channel closes right after.
func (q *Queue) Subscribe(jobID uuid.UUID) (<-chan Update, func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, nil, scheduling.ErrJobNotFound
	}

	// Buffer covers every possible transition plus the catch-up message.
	ch := make(chan Update, 8)
	ch <- q.updateFrom(job)
	if job.Status.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}

	q.subscribers[jobID] = append(q.subscribers[jobID], ch)
	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		subs := q.subscribers[jobID]
		for i, c := range subs {
			if c == ch {
				q.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel, nil
}

// EstimateCompletion is now + the p95 of recent queue latencies.
func (q *Queue) EstimateCompletion() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.latencies) < 5 {
		return q.clk.Now().Add(defaultEstimate)
	}
	sorted := make([]time.Duration, len(q.latencies))
	copy(sorted, q.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * 95 / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return q.clk.Now().Add(sorted[idx])
}

// Depth counts non-terminal jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if !job.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (q *Queue) publishLocked(job *Job) {
	up := q.updateFrom(job)
	for _, ch := range q.subscribers[job.ID] {
		select {
		case ch <- up:
		default:
			// Slow subscriber: drop rather than block a status transition.
		}
	}
	if up.Terminal {
		for _, ch := range q.subscribers[job.ID] {
			close(ch)
		}
		delete(q.subscribers, job.ID)
	}
}

func (q *Queue) recordLatencyLocked(d time.Duration) {
	q.latencies = append(q.latencies, d)
	if len(q.latencies) > latencySamples {
		q.latencies = q.latencies[len(q.latencies)-latencySamples:]
	}
}

func (q *Queue) updateFrom(job *Job) Update {
	return Update{
		JobID:     job.ID,
		Status:    job.Status,
		ErrorCode: job.ErrorCode,
		ErrorMsg:  job.ErrorMsg,
		Result:    job.Result,
		Terminal:  job.Status.IsTerminal(),
		At:        q.clk.Now(),
	}
}
