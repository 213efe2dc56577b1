package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
	"github.com/dkrstev/promptflow/pkg/retry"
	"github.com/dkrstev/promptflow/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for PipelineService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PipelineStep pairs a step name with its unit of work. The step
// sequence of a service is fixed at construction.
type PipelineStep struct {
	Name string
	Work StepFunc
}

// Option configures a PipelineService.
type Option func(*PipelineService)

// WithRetryPolicy overrides the default retry policy for step attempts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *PipelineService) { s.policy = p }
}

// WithStepTimeout overrides the per-attempt timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(s *PipelineService) { s.stepTimeout = d }
}

// WithRetention overrides how long terminal runs are kept before Sweep
// reclaims them.
func WithRetention(d time.Duration) Option {
	return func(s *PipelineService) { s.retention = d }
}

// PipelineService drives runs through the fixed step sequence. Each run
// is driven by one goroutine; steps within a run are strictly
// sequential, runs are independent. A run's lifecycle is
// QUEUED → RUNNING → (SUCCEEDED | FAILED), forward only.
type PipelineService struct {
	store       storage.Store
	registry    *RunRegistry
	executor    *StepExecutor
	steps       []PipelineStep
	policy      retry.Policy
	stepTimeout time.Duration
	retention   time.Duration
	logger      Logger
	ctx         context.Context
	wg          sync.WaitGroup
}

func NewPipelineService(ctx context.Context, store storage.Store, steps []PipelineStep, logger Logger, opts ...Option) *PipelineService {
	s := &PipelineService{
		store:     store,
		steps:     steps,
		retention: DefaultRetention,
		logger:    logger,
		ctx:       ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = NewRunRegistry(s.retention)
	s.executor = NewStepExecutor(store, s.policy, s.stepTimeout, logger)
	return s
}

// Submit creates a run for the given input and dispatches it in the
// background. An empty id gets a generated UUID. The returned id is
// immediately queryable via GetRun.
func (s *PipelineService) Submit(id string, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", errors.New("run input cannot be empty")
	}
	if len(s.steps) == 0 {
		return "", errors.New("no pipeline steps configured")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if !s.registry.Register(id) {
		return "", errors.Errorf("run %s already exists", id)
	}

	now := time.Now()
	run := models.Run{
		ID:        id,
		Input:     input,
		Status:    models.QueuedRunStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveRun(run); err != nil {
		return "", errors.Wrapf(err, "failed to save run %s", id)
	}
	s.logger.Infof("Submitted run %s", id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drive(id, input)
	}()
	return id, nil
}

// Resume re-drives a non-terminal run from its persisted input. Steps
// with a stored result are replayed from the store, not re-executed, so
// a resume after a crash repeats no completed work.
func (s *PipelineService) Resume(id string) error {
	run, err := s.store.GetRun(id)
	if err != nil {
		return errors.Wrapf(err, "failed to load run %s", id)
	}
	if run.Status.Terminal() {
		return errors.Errorf("run %s already finished with status %s", id, run.Status)
	}
	s.registry.Register(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drive(id, run.Input)
	}()
	return nil
}

// drive executes the steps in order, threading each step's persisted
// output into the next step's input. The first step receives the run
// input. Exclusively owns the run's lifecycle transitions.
func (s *PipelineService) drive(id string, input json.RawMessage) {
	current := input
	for _, step := range s.steps {
		// cancellation takes effect at step boundaries only: an
		// in-flight step finishes and its result stays stored, but no
		// further step consumes it
		if s.registry.Cancelled(id) {
			s.finishFailed(id, step.Name, "run cancelled")
			return
		}
		s.setRunning(id, step.Name)

		output, err := s.executor.Execute(s.ctx, id, step.Name, current, step.Work)
		if err != nil {
			var stepErr *StepError
			if errors.As(err, &stepErr) {
				s.finishFailed(id, stepErr.Step, stepErr.Err.Error())
			} else {
				s.finishFailed(id, step.Name, err.Error())
			}
			return
		}
		current = output
	}
	s.finishSucceeded(id, current)
}

func (s *PipelineService) setRunning(id, step string) {
	s.registry.SetRunning(id, step)
	if err := s.store.UpdateRunStatus(id, models.RunningRunStatus, step); err != nil {
		s.logger.Errorf("Failed to persist RUNNING status for run %s: %v", id, err)
	}
}

func (s *PipelineService) finishSucceeded(id string, result json.RawMessage) {
	s.registry.SetSucceeded(id, result)
	if err := s.store.CompleteRun(id, result); err != nil {
		s.logger.Errorf("Failed to persist SUCCEEDED status for run %s: %v", id, err)
	}
	s.logger.Infof("Run %s succeeded", id)
}

func (s *PipelineService) finishFailed(id, failedStep, errMsg string) {
	s.registry.SetFailed(id, failedStep, errMsg)
	if err := s.store.FailRun(id, failedStep, errMsg); err != nil {
		s.logger.Errorf("Failed to persist FAILED status for run %s: %v", id, err)
	}
	s.logger.Infof("Run %s failed at step %s: %s", id, failedStep, errMsg)
}

// GetRun returns the status snapshot for a run. Falls back to the store
// for runs submitted before the process restarted.
func (s *PipelineService) GetRun(id string) (Snapshot, bool) {
	if snap, ok := s.registry.Get(id); ok {
		return snap, true
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:          run.ID,
		Status:      run.Status,
		CurrentStep: run.CurrentStep,
		Result:      run.Result,
		FailedStep:  run.FailedStep,
		ErrorMsg:    run.ErrorMsg,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}, true
}

// ListRuns returns snapshots of all runs known to the registry.
func (s *PipelineService) ListRuns() []Snapshot {
	return s.registry.List()
}

// Cancel requests cancellation of a run at its next step boundary.
// Returns false for unknown or already terminal runs.
func (s *PipelineService) Cancel(id string) bool {
	cancelled := s.registry.RequestCancel(id)
	if cancelled {
		s.logger.Infof("Cancellation requested for run %s", id)
	}
	return cancelled
}

// ListStepAttempts returns the attempt audit trail for a run.
func (s *PipelineService) ListStepAttempts(id string) ([]models.StepAttempt, error) {
	return s.store.ListStepAttempts(id)
}

// Sweep reclaims terminal runs older than the retention window from
// both the registry and the store.
func (s *PipelineService) Sweep() error {
	removed := s.registry.Sweep(time.Now())
	deleted, err := s.store.DeleteRunsBefore(time.Now().Add(-s.retention))
	if err != nil {
		return errors.Wrap(err, "failed to delete expired runs")
	}
	if removed > 0 || deleted > 0 {
		s.logger.Infof("Swept %d registry entries and %d stored runs", removed, deleted)
	}
	return nil
}

// Wait blocks until all in-flight runs have reached a terminal state.
func (s *PipelineService) Wait() {
	s.wg.Wait()
}
