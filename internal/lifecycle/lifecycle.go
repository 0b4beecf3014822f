package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldside/dispatch/internal/models"
	"github.com/fieldside/dispatch/pkg/capture"
	"github.com/fieldside/dispatch/pkg/store"
)

var (
	// ErrJobClosed means the job reached a terminal status; it is immutable.
	ErrJobClosed = errors.New("job is closed")
	// ErrIncompleteCapture means a required slot of the current stage is
	// still unfilled.
	ErrIncompleteCapture = errors.New("required captures incomplete")
	// ErrUnknownSlot means the slot id does not exist in the current stage.
	ErrUnknownSlot = errors.New("unknown capture slot")
	// ErrNotFound means no job with that id exists.
	ErrNotFound = errors.New("job not found")
)

// Service drives one worker's jobs through their staged capture workflow.
// Every mutation loads the persisted document, changes a copy, writes the
// whole copy back, and only then becomes observable. A failed write leaves
// the prior persisted record authoritative.
type Service struct {
	jobs   store.JobStore
	logger *slog.Logger

	mu        sync.Mutex
	onChanged func(models.Job)
}

func New(jobs store.JobStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// OnChanged registers the callback fired after every persisted mutation.
// The callback runs on the mutating goroutine and must not call back into
// the service's mutating operations.
func (s *Service) OnChanged(fn func(models.Job)) {
	s.mu.Lock()
	s.onChanged = fn
	s.mu.Unlock()
}

// Create persists a new job. An existing active job with the same id is
// replaced wholesale; there are no merge semantics.
func (s *Service) Create(ctx context.Context, j *models.Job) error {
	s.mu.Lock()
	if err := s.jobs.Save(ctx, j); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create job: %w", err)
	}
	fn := s.onChanged
	s.mu.Unlock()

	s.logger.Info("job created", "job_id", j.ID, "category", string(j.Category))
	if fn != nil {
		fn(*j)
	}
	return nil
}

// Get returns the job by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// Active returns the worker's active job, or nil when there is none.
func (s *Service) Active(ctx context.Context) (*models.Job, error) {
	return s.jobs.Active(ctx)
}

// List returns every job, active and terminal.
func (s *Service) List(ctx context.Context) ([]models.Job, error) {
	return s.jobs.List(ctx)
}

// FillCapture sets a capture slot's value on the current stage and persists
// immediately. Legal in any active state.
func (s *Service) FillCapture(ctx context.Context, jobID, slotID, ref string) error {
	return s.mutate(ctx, jobID, func(j *models.Job) error {
		st := j.CurrentStage()
		if st == nil {
			return ErrJobClosed
		}
		slot := st.FindSlot(slotID)
		if slot == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
		}
		slot.Ref = ref
		return nil
	})
}

// CaptureInto runs the acquisition flow for a slot and fills it with the
// result. A cancelled acquisition leaves the slot untouched.
func (s *Service) CaptureInto(ctx context.Context, jobID, slotID string, acq capture.Acquirer) error {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrJobClosed
	}
	st := j.CurrentStage()
	if st == nil {
		return ErrJobClosed
	}
	slot := st.FindSlot(slotID)
	if slot == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}

	var ref string
	if slot.Kind == models.SlotSignature {
		ref, err = acq.AcquireSignature(ctx)
	} else {
		ref, err = acq.AcquireImage(ctx)
	}
	if err != nil {
		return fmt.Errorf("acquire %s: %w", slotID, err)
	}
	return s.FillCapture(ctx, jobID, slotID, ref)
}

// CanAdvance reports whether every required slot of the current stage is
// filled, regardless of the order they were filled in.
func (s *Service) CanAdvance(ctx context.Context, jobID string) (bool, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status.Terminal() {
		return false, ErrJobClosed
	}
	st := j.CurrentStage()
	if st == nil {
		return false, ErrJobClosed
	}
	return st.RequiredFilled(), nil
}

// AdvanceStage records the stage's observation and moves the job to the next
// stage, or to completed after the last one. The whole transition is one
// document write: a crash leaves the job resumable at the stage it was in,
// never partially advanced.
func (s *Service) AdvanceStage(ctx context.Context, jobID, observation string) error {
	return s.mutate(ctx, jobID, func(j *models.Job) error {
		st := j.CurrentStage()
		if st == nil {
			return ErrJobClosed
		}
		if !st.RequiredFilled() {
			return ErrIncompleteCapture
		}
		st.Observation = observation
		if j.Stage+1 < len(j.Stages) {
			j.Stage++
		} else {
			j.Status = models.JobCompleted
		}
		return nil
	})
}

// Cancel moves an active job straight to the cancelled terminal status.
// Repeat calls on a terminal job fail with ErrJobClosed and change nothing.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.mutate(ctx, jobID, func(j *models.Job) error {
		j.Status = models.JobCancelled
		return nil
	})
}

// mutate loads the job, applies fn to the copy, persists it, then fires the
// change callback. Terminal jobs are rejected before fn runs.
func (s *Service) mutate(ctx context.Context, jobID string, fn func(*models.Job) error) error {
	s.mu.Lock()
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if j == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.Status.Terminal() {
		s.mu.Unlock()
		return ErrJobClosed
	}
	if err := fn(j); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.jobs.Save(ctx, j); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist job %s: %w", jobID, err)
	}
	changed := s.onChanged
	s.mu.Unlock()

	s.logger.Info("job updated", "job_id", j.ID, "stage", j.Stage, "status", string(j.Status))
	if changed != nil {
		changed(*j)
	}
	return nil
}
