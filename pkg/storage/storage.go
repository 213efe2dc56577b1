package storage

import (
	"encoding/json"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a run or step record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by PutStepResult when a result is already
// persisted for the (run, step) key. The caller must discard its own
// output and read back the stored value.
var ErrAlreadyExists = errors.New("step result already exists")

// Store defines the persistence operations for PromptFlow.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.Run) error
	GetRun(id string) (models.Run, error)
	ListRuns() ([]models.Run, error)
	UpdateRunStatus(id string, status models.RunStatus, currentStep string) error
	CompleteRun(id string, result json.RawMessage) error
	FailRun(id string, failedStep, errMsg string) error
	DeleteRunsBefore(cutoff time.Time) (int64, error)

	// StepResult operations. PutStepResult is atomic write-once:
	// a second write for the same key returns ErrAlreadyExists.
	GetStepResult(runID, stepName string) (json.RawMessage, bool, error)
	PutStepResult(runID, stepName string, output json.RawMessage) error

	// StepAttempt operations
	SaveStepAttempt(a models.StepAttempt) error
	ListStepAttempts(runID string) ([]models.StepAttempt, error)
}
