package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	QueuedRunStatus    RunStatus = "QUEUED"
	RunningRunStatus   RunStatus = "RUNNING"
	SucceededRunStatus RunStatus = "SUCCEEDED"
	FailedRunStatus    RunStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s RunStatus) Terminal() bool {
	return s == SucceededRunStatus || s == FailedRunStatus
}

// Run represents a single end-to-end execution of the step pipeline.
type Run struct {
	ID          string          `json:"id" db:"id"`                               // Caller-supplied or generated UUID
	Input       json.RawMessage `json:"input" db:"input"`                         // Opaque payload fed to the first step
	Status      RunStatus       `json:"status" db:"status"`                       // "QUEUED", "RUNNING", "SUCCEEDED", "FAILED"
	CurrentStep string          `json:"current_step,omitempty" db:"current_step"` // Step being executed while RUNNING
	Result      json.RawMessage `json:"result,omitempty" db:"result"`             // Final output, set only when SUCCEEDED
	FailedStep  string          `json:"failed_step,omitempty" db:"failed_step"`   // Step that exhausted retries, set when FAILED
	ErrorMsg    string          `json:"error,omitempty" db:"error_msg"`           // Failure cause, set when FAILED
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`               // Submission timestamp
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`               // Last transition timestamp
}
