package models

import (
	"encoding/json"
	"time"
)

type StepAttemptStatus string

const (
	SucceededStepAttemptStatus StepAttemptStatus = "SUCCEEDED"
	FailedStepAttemptStatus    StepAttemptStatus = "FAILED"
)

// StepAttempt records one try at executing a step, for auditing.
// A step may accumulate many attempts but at most one succeeds.
type StepAttempt struct {
	ID       int64             `json:"id" db:"id"`                       // Auto-incremented attempt ID
	RunID    string            `json:"run_id" db:"run_id"`               // Parent run
	StepName string            `json:"step_name" db:"step_name"`         // Step being attempted
	Attempt  int               `json:"attempt" db:"attempt"`             // 1-based attempt counter
	Status   StepAttemptStatus `json:"status" db:"status"`               // Outcome of this attempt
	ErrorMsg string            `json:"error,omitempty" db:"error_msg"`   // Failure detail (optional)
	LoggedAt time.Time         `json:"logged_at" db:"logged_at"`         // Timestamp of the attempt record
}

// StepResult is the durable, write-once output of a step's first
// successful attempt. Replays of a run read this instead of re-running
// the step's work.
type StepResult struct {
	RunID     string          `json:"run_id" db:"run_id"`
	StepName  string          `json:"step_name" db:"step_name"`
	Output    json.RawMessage `json:"output" db:"output"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
