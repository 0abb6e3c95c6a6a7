/*
jobs.go - Asynchronous calculation job runner

PURPOSE:
  Batch calculation can take minutes for large divisions, so the API never
  runs it inside a request. Handlers submit a job here and return a job ID;
  clients poll the job for processed/total progress.

DESIGN:
  - Bounded worker pool: at most Workers jobs compute concurrently,
    the rest queue.
  - Per-batch exclusivity: a batch with a job in flight rejects further
    submissions with ErrBatchBusy. The store-level CAS would catch the
    race anyway; the in-flight map gives a clean synchronous error.
  - Cancellation: each job runs under its own cancellable context.
    Cancelling moves the batch to interrupted through the orchestrator's
    normal path.

USAGE:
  runner := NewJobRunner(orch, coordinator, 4)
  runner.Start()
  job, err := runner.Submit(JobCalculate, scope, period, actor)
  // ... poll runner.Get(job.ID)
  runner.Stop()

SEE ALSO:
  - payroll/orchestrator.go: The computation the workers execute
  - handlers.go: Submit/poll/cancel endpoints
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// JOB TYPES
// =============================================================================

type JobKind string

const (
	JobCalculate   JobKind = "calculate"   // new batch from scope+period
	JobResume      JobKind = "resume"      // continue a draft/interrupted batch
	JobRecalculate JobKind = "recalculate" // granted recalculation of a locked batch
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the polling view of one submitted run. Processed/Total update as
// records persist.
type Job struct {
	ID      string
	Kind    JobKind
	BatchID payroll.BatchID

	Status    JobStatus
	Processed int
	Total     int
	Error     string

	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Percentage returns completion in [0, 100].
func (j *Job) Percentage() float64 {
	if j.Total == 0 {
		return 0
	}
	return float64(j.Processed) / float64(j.Total) * 100
}

type jobState struct {
	job    Job
	cancel context.CancelFunc
	run    func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error)
}

// =============================================================================
// JOB RUNNER
// =============================================================================

type JobRunner struct {
	Orchestrator *payroll.Orchestrator
	Recalc       *payroll.RecalcCoordinator
	Log          *logrus.Logger

	workers int
	queue   chan string

	mu       sync.Mutex
	jobs     map[string]*jobState
	inFlight map[payroll.BatchID]string // batch -> active job ID

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewJobRunner(orch *payroll.Orchestrator, recalc *payroll.RecalcCoordinator, workers int, log *logrus.Logger) *JobRunner {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &JobRunner{
		Orchestrator: orch,
		Recalc:       recalc,
		Log:          log,
		workers:      workers,
		queue:        make(chan string, 64),
		jobs:         make(map[string]*jobState),
		inFlight:     make(map[payroll.BatchID]string),
		stop:         make(chan struct{}),
	}
}

// Start launches the worker pool.
func (r *JobRunner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.Log.WithField("workers", r.workers).Info("job runner started")
}

// Stop cancels running jobs and waits for the workers to drain.
func (r *JobRunner) Stop() {
	r.once.Do(func() { close(r.stop) })

	r.mu.Lock()
	for _, state := range r.jobs {
		if state.cancel != nil {
			state.cancel()
		}
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.Log.Info("job runner stopped")
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitCalculate queues a new-batch calculation. The batch is created and
// claimed inside the job, so the batch ID is not known until the job runs;
// poll the job for it.
func (r *JobRunner) SubmitCalculate(scope payroll.Scope, period payroll.PeriodRef, actorID string) (*Job, error) {
	return r.submit(JobCalculate, "", func(jobID string) func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error) {
		return func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error) {
			return r.Orchestrator.Calculate(ctx, scope, period, actorID, progress)
		}
	})
}

// SubmitResume queues continuation of a draft or interrupted batch.
func (r *JobRunner) SubmitResume(batchID payroll.BatchID) (*Job, error) {
	return r.submit(JobResume, batchID, func(jobID string) func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error) {
		return func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error) {
			return r.Orchestrator.Resume(ctx, batchID, progress)
		}
	})
}

// SubmitRecalculate queues a granted recalculation.
func (r *JobRunner) SubmitRecalculate(batchID payroll.BatchID) (*Job, error) {
	return r.submit(JobRecalculate, batchID, func(jobID string) func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error) {
		return func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error) {
			return r.Recalc.Recalculate(ctx, batchID, progress)
		}
	})
}

func (r *JobRunner) submit(kind JobKind, batchID payroll.BatchID, makeRun func(jobID string) func(ctx context.Context, progress payroll.ProgressFunc) (*payroll.PayrollBatch, error)) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if batchID != "" {
		if activeID, busy := r.inFlight[batchID]; busy {
			return nil, fmt.Errorf("%w: %s (job %s)", payroll.ErrBatchBusy, batchID, activeID)
		}
	}

	id := uuid.NewString()
	state := &jobState{
		job: Job{
			ID:          id,
			Kind:        kind,
			BatchID:     batchID,
			Status:      JobQueued,
			SubmittedAt: time.Now().UTC(),
		},
		run: makeRun(id),
	}
	r.jobs[id] = state
	if batchID != "" {
		r.inFlight[batchID] = id
	}

	select {
	case r.queue <- id:
	default:
		delete(r.jobs, id)
		if batchID != "" {
			delete(r.inFlight, batchID)
		}
		return nil, fmt.Errorf("%w: job queue full", payroll.ErrBatchBusy)
	}

	job := state.job
	return &job, nil
}

// =============================================================================
// POLLING AND CANCELLATION
// =============================================================================

// Get returns a snapshot of the job, or nil when unknown.
func (r *JobRunner) Get(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[id]
	if !ok {
		return nil
	}
	job := state.job
	return &job
}

// List returns snapshots of all known jobs, newest submission first.
func (r *JobRunner) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]*Job, 0, len(r.jobs))
	for _, state := range r.jobs {
		job := state.job
		jobs = append(jobs, &job)
	}
	for i := 0; i < len(jobs); i++ {
		for j := i + 1; j < len(jobs); j++ {
			if jobs[j].SubmittedAt.After(jobs[i].SubmittedAt) {
				jobs[i], jobs[j] = jobs[j], jobs[i]
			}
		}
	}
	return jobs
}

// Cancel requests cancellation of a queued or running job. The batch lands
// in interrupted through the orchestrator's normal cancellation path.
func (r *JobRunner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[id]
	if !ok {
		return false
	}
	switch state.job.Status {
	case JobQueued:
		state.job.Status = JobCancelled
		r.finishLocked(state)
		return true
	case JobRunning:
		if state.cancel != nil {
			state.cancel()
		}
		return true
	default:
		return false
	}
}

// =============================================================================
// WORKERS
// =============================================================================

func (r *JobRunner) worker(n int) {
	defer r.wg.Done()

	log := r.Log.WithField("worker", n)
	for {
		select {
		case <-r.stop:
			return
		case id := <-r.queue:
			r.execute(id, log)
		}
	}
}

func (r *JobRunner) execute(id string, log *logrus.Entry) {
	r.mu.Lock()
	state, ok := r.jobs[id]
	if !ok || state.job.Status != JobQueued {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel
	now := time.Now().UTC()
	state.job.Status = JobRunning
	state.job.StartedAt = &now
	run := state.run
	r.mu.Unlock()
	defer cancel()

	log = log.WithFields(logrus.Fields{"job": id, "kind": state.job.Kind})
	log.Info("job started")

	progress := func(processed, total int) {
		r.mu.Lock()
		state.job.Processed = processed
		state.job.Total = total
		r.mu.Unlock()
	}

	batch, err := run(ctx, progress)

	r.mu.Lock()
	defer r.mu.Unlock()

	if batch != nil {
		// Calculate jobs learn their batch ID only once the batch exists.
		if state.job.BatchID == "" {
			state.job.BatchID = batch.ID
		}
		state.job.Processed = batch.Processed
		state.job.Total = batch.Total()
	}

	switch {
	case err == nil:
		state.job.Status = JobSucceeded
		log.WithField("batch", state.job.BatchID).Info("job succeeded")
	case ctx.Err() != nil:
		state.job.Status = JobCancelled
		log.WithField("batch", state.job.BatchID).Warn("job cancelled")
	default:
		state.job.Status = JobFailed
		state.job.Error = err.Error()
		log.WithField("batch", state.job.BatchID).WithError(err).Error("job failed")
	}
	r.finishLocked(state)
}

func (r *JobRunner) finishLocked(state *jobState) {
	now := time.Now().UTC()
	state.job.FinishedAt = &now
	if state.job.BatchID != "" && r.inFlight[state.job.BatchID] == state.job.ID {
		delete(r.inFlight, state.job.BatchID)
	}
}
