// Package jobs runs integration work asynchronously: a bounded worker pool
// fed by a buffered queue, with an owned in-memory job table. Submission
// never blocks; past queue capacity it rejects with ErrQueueFull. Job state
// lives only in this process and is lost on restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"biblio-integrator/internal/models"
	"biblio-integrator/internal/telemetry"
)

// ErrQueueFull is returned when the submission queue is at capacity.
var ErrQueueFull = errors.New("job queue is full")

// ErrRecordBusy is returned when another job for the same record is still
// queued or running.
var ErrRecordBusy = errors.New("record already has an active job")

// Work is the unit a job executes. The returned value becomes the job's
// result payload.
type Work func(ctx context.Context, jobID, recordID string) (any, error)

type task struct {
	jobID    string
	recordID string
	work     Work
}

// Supervisor owns the job table and the worker pool.
type Supervisor struct {
	log     *zap.Logger
	queue   chan task
	workers int

	mu     sync.Mutex
	jobs   map[string]models.Job
	active map[string]string // recordID -> jobID while queued or processing

	wg sync.WaitGroup
}

// New builds a supervisor with the given pool size and queue capacity.
func New(workers, capacity int, log *zap.Logger) *Supervisor {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = workers
	}
	return &Supervisor{
		log:     log.Named("jobs"),
		queue:   make(chan task, capacity),
		workers: workers,
		jobs:    make(map[string]models.Job),
		active:  make(map[string]string),
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-s.queue:
					s.execute(ctx, t)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Submit registers a new job and hands it to the pool without blocking.
// A second submission for a record with an active job is rejected.
func (s *Supervisor) Submit(work Work, recordID string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	job := models.Job{
		ID:        id,
		RecordID:  recordID,
		State:     models.StateQueued,
		Progress:  "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if activeID, busy := s.active[recordID]; busy {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: record %s (job %s)", ErrRecordBusy, recordID, activeID)
	}
	s.jobs[id] = job
	s.active[recordID] = id
	s.mu.Unlock()

	select {
	case s.queue <- task{jobID: id, recordID: recordID, work: work}:
	default:
		// Backpressure: roll the registration back so the caller can
		// retry later without leaking a phantom job.
		s.mu.Lock()
		delete(s.jobs, id)
		delete(s.active, recordID)
		s.mu.Unlock()
		telemetry.JobsRejected.Inc()
		return "", ErrQueueFull
	}

	telemetry.JobsSubmitted.Inc()
	telemetry.QueueDepth.Set(float64(len(s.queue)))
	s.log.Info("job queued", zap.String("job_id", id), zap.String("record_id", recordID))
	return id, nil
}

// Status returns a copy of the job record; readers never observe a
// partially written job because transitions replace the whole record.
func (s *Supervisor) Status(jobID string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// SetProgress updates the human-readable progress note of a running job.
func (s *Supervisor) SetProgress(jobID, note string) {
	s.transition(jobID, func(j models.Job) models.Job {
		j.Progress = note
		return j
	})
}

// Sweep drops terminal jobs older than maxAge and returns how many were
// removed. Maintenance path only; the hot path never deletes.
func (s *Supervisor) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// transition applies fn to the stored job and replaces the record whole.
func (s *Supervisor) transition(jobID string, fn func(models.Job) models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	next := fn(job)
	next.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = next
}

func (s *Supervisor) release(recordID, jobID string) {
	s.mu.Lock()
	if s.active[recordID] == jobID {
		delete(s.active, recordID)
	}
	s.mu.Unlock()
}

// execute is the wrapper around one unit of work. Every failure mode of the
// work function, panics included, terminates in the job's error state;
// nothing escapes to the pool.
func (s *Supervisor) execute(ctx context.Context, t task) {
	defer s.release(t.recordID, t.jobID)
	telemetry.QueueDepth.Set(float64(len(s.queue)))
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	s.transition(t.jobID, func(j models.Job) models.Job {
		j.State = models.StateProcessing
		j.Progress = "processing"
		return j
	})

	result, err := s.invoke(ctx, t)
	if err != nil {
		kind := models.KindOf(err)
		s.transition(t.jobID, func(j models.Job) models.Job {
			j.State = models.StateError
			j.Progress = "failed"
			j.Error = err.Error()
			j.ErrorKind = kind
			return j
		})
		telemetry.JobsFailed.Inc()
		s.log.Error("job failed",
			zap.String("job_id", t.jobID),
			zap.String("record_id", t.recordID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}

	s.transition(t.jobID, func(j models.Job) models.Job {
		j.State = models.StateSuccess
		j.Progress = "completed"
		j.Result = result
		return j
	})
	telemetry.JobsSucceeded.Inc()
	s.log.Info("job succeeded", zap.String("job_id", t.jobID), zap.String("record_id", t.recordID))
}

func (s *Supervisor) invoke(ctx context.Context, t task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return t.work(ctx, t.jobID, t.recordID)
}
