package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/models"
)

func newSupervisor(t *testing.T, workers, capacity int) (*Supervisor, context.CancelFunc) {
	t.Helper()
	s := New(workers, capacity, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return s, cancel
}

func waitForState(t *testing.T, s *Supervisor, jobID, state string) models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.Status(jobID); ok && job.State == state {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.Status(jobID)
	t.Fatalf("job %s never reached %s, last state %s", jobID, state, job.State)
	return models.Job{}
}

func TestSubmitReturnsImmediately(t *testing.T) {
	s, _ := newSupervisor(t, 1, 4)

	slow := func(ctx context.Context, jobID, recordID string) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return "done", nil
	}

	start := time.Now()
	id, err := s.Submit(slow, "rec-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("submit blocked for %s", elapsed)
	}

	job, ok := s.Status(id)
	if !ok {
		t.Fatalf("job not found right after submit")
	}
	if job.State != models.StateQueued && job.State != models.StateProcessing {
		t.Fatalf("state right after submit = %s", job.State)
	}

	final := waitForState(t, s, id, models.StateSuccess)
	if final.Result != "done" {
		t.Fatalf("result = %v", final.Result)
	}
}

func TestErrorCapturedAtBoundary(t *testing.T) {
	s, _ := newSupervisor(t, 1, 4)

	id, err := s.Submit(func(ctx context.Context, jobID, recordID string) (any, error) {
		return nil, models.Errorf(models.KindValidation, "missing control field")
	}, "rec-2")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForState(t, s, id, models.StateError)
	if job.Error == "" {
		t.Fatalf("error message not recorded")
	}
	if job.ErrorKind != models.KindValidation {
		t.Fatalf("error kind = %q", job.ErrorKind)
	}
}

func TestPanicBecomesJobError(t *testing.T) {
	s, _ := newSupervisor(t, 1, 4)

	id, err := s.Submit(func(ctx context.Context, jobID, recordID string) (any, error) {
		panic("collaborator blew up")
	}, "rec-3")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitForState(t, s, id, models.StateError)
	if job.Error == "" {
		t.Fatalf("panic not captured as error")
	}
}

func TestDuplicateRecordRejected(t *testing.T) {
	s, _ := newSupervisor(t, 1, 4)

	release := make(chan struct{})
	if _, err := s.Submit(func(ctx context.Context, jobID, recordID string) (any, error) {
		<-release
		return nil, nil
	}, "rec-4"); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	if _, err := s.Submit(func(ctx context.Context, jobID, recordID string) (any, error) {
		return nil, nil
	}, "rec-4"); !errors.Is(err, ErrRecordBusy) {
		t.Fatalf("expected ErrRecordBusy, got %v", err)
	}
	close(release)
}

func TestQueueBackpressure(t *testing.T) {
	// One worker, capacity one: first fills the worker, second fills the
	// queue, third must be rejected.
	s, _ := newSupervisor(t, 1, 1)

	release := make(chan struct{})
	blocker := func(ctx context.Context, jobID, recordID string) (any, error) {
		<-release
		return nil, nil
	}

	if _, err := s.Submit(blocker, "rec-a"); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	// Give the worker a moment to pick up the first task.
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Submit(blocker, "rec-b"); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if _, err := s.Submit(blocker, "rec-c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(release)
}

func TestSweepRemovesOldTerminalJobs(t *testing.T) {
	s, _ := newSupervisor(t, 1, 4)

	id, err := s.Submit(func(ctx context.Context, jobID, recordID string) (any, error) {
		return nil, nil
	}, "rec-5")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, s, id, models.StateSuccess)

	if n := s.Sweep(time.Hour); n != 0 {
		t.Fatalf("fresh job swept: %d", n)
	}
	if n := s.Sweep(0); n != 1 {
		t.Fatalf("expected one swept job, got %d", n)
	}
	if _, ok := s.Status(id); ok {
		t.Fatalf("job still present after sweep")
	}
}
