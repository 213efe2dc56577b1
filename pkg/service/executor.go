package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
	"github.com/dkrstev/promptflow/pkg/retry"
	"github.com/dkrstev/promptflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// default step attempt timeout is 1m
	DefaultStepTimeout = 60 * time.Second
)

// StepFunc is the collaborator-provided unit of work for one step. It
// receives the previous step's persisted output (or the run input for
// the first step) and returns this step's output.
type StepFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// StepError is the terminal failure of a step: retries exhausted, a
// permanent error, or cancellation mid-backoff.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepExecutor invokes step work durably: a result is persisted before
// it is ever returned, and a persisted result is returned without
// re-invoking the work. It is the only place step work runs.
type StepExecutor struct {
	store   storage.Store
	policy  retry.Policy
	timeout time.Duration
	logger  Logger
}

func NewStepExecutor(store storage.Store, policy retry.Policy, timeout time.Duration, logger Logger) *StepExecutor {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &StepExecutor{
		store:   store,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

// Execute runs one step for one run. A stored result short-circuits the
// work entirely (replay). Otherwise work is attempted under a per-attempt
// timeout, retried per the policy, and the first successful output is
// persisted write-once. If a concurrent attempt persisted first, its
// output wins and this attempt's is discarded.
func (e *StepExecutor) Execute(ctx context.Context, runID, stepName string, input json.RawMessage, work StepFunc) (json.RawMessage, error) {
	stored, ok, err := e.store.GetStepResult(runID, stepName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read step result for run %s step %s", runID, stepName)
	}
	if ok {
		e.logger.Infof("Replaying step %s for run %s from stored result", stepName, runID)
		return stored, nil
	}

	for attempt := 1; ; attempt++ {
		e.logger.Infof("Starting step %s attempt %d for run %s", stepName, attempt, runID)

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		output, workErr := work(attemptCtx, input)
		cancel()

		if workErr == nil {
			if putErr := e.store.PutStepResult(runID, stepName, output); putErr != nil {
				if errors.Is(putErr, storage.ErrAlreadyExists) {
					// a concurrent attempt won the race; its result is the step's result
					e.logger.Infof("Step %s for run %s already has a stored result, discarding this attempt's output", stepName, runID)
					existing, found, getErr := e.store.GetStepResult(runID, stepName)
					if getErr != nil {
						return nil, errors.Wrapf(getErr, "failed to read winning step result for run %s step %s", runID, stepName)
					}
					if !found {
						return nil, errors.Errorf("step result for run %s step %s vanished after conflicting write", runID, stepName)
					}
					// not recorded as an attempt outcome: the winner's
					// attempt is the step's single successful one
					return existing, nil
				}
				return nil, errors.Wrapf(putErr, "failed to persist step result for run %s step %s", runID, stepName)
			}
			e.recordAttempt(runID, stepName, attempt, models.SucceededStepAttemptStatus, "")
			e.logger.Infof("Step %s for run %s completed on attempt %d", stepName, runID, attempt)
			return output, nil
		}

		e.recordAttempt(runID, stepName, attempt, models.FailedStepAttemptStatus, workErr.Error())

		if retry.IsPermanent(workErr) {
			e.logger.Errorf("Step %s for run %s failed permanently: %v", stepName, runID, workErr)
			return nil, &StepError{Step: stepName, Attempts: attempt, Err: workErr}
		}

		delay, retryable := e.policy.NextDelay(attempt)
		if !retryable {
			e.logger.Errorf("Step %s for run %s exhausted retries after %d attempt(s): %v", stepName, runID, attempt, workErr)
			return nil, &StepError{Step: stepName, Attempts: attempt, Err: workErr}
		}

		e.logger.Infof("Retrying step %s for run %s in %s (attempt %d failed: %v)", stepName, runID, delay, attempt, workErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &StepError{Step: stepName, Attempts: attempt, Err: ctx.Err()}
		}
	}
}

// recordAttempt persists the attempt audit row. Audit failures are
// logged, not propagated: they must not change the step's outcome.
func (e *StepExecutor) recordAttempt(runID, stepName string, attempt int, status models.StepAttemptStatus, errMsg string) {
	a := models.StepAttempt{
		RunID:    runID,
		StepName: stepName,
		Attempt:  attempt,
		Status:   status,
		ErrorMsg: errMsg,
		LoggedAt: time.Now(),
	}
	if err := e.store.SaveStepAttempt(a); err != nil {
		e.logger.Errorf("Failed to record attempt %d of step %s for run %s: %v", attempt, stepName, runID, err)
	}
}
