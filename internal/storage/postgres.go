package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
	"github.com/dkrstev/promptflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun creates a new run record
func (s *PostgresStore) SaveRun(r models.Run) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, input, status, current_step, result, failed_step, error_msg, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		r.ID, []byte(r.Input), r.Status, r.CurrentStep, nullableJSON(r.Result), r.FailedStep, r.ErrorMsg, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var r models.Run
	err := s.db.Get(&r, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs, "SELECT * FROM runs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus updates the status and current step of a run
func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus, currentStep string) error {
	res, err := s.db.Exec(
		"UPDATE runs SET status = $1, current_step = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		status, currentStep, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// CompleteRun records the final result and marks the run SUCCEEDED
func (s *PostgresStore) CompleteRun(id string, result json.RawMessage) error {
	res, err := s.db.Exec(
		"UPDATE runs SET status = $1, current_step = '', result = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		models.SucceededRunStatus, []byte(result), id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// FailRun records the failing step and cause and marks the run FAILED
func (s *PostgresStore) FailRun(id string, failedStep, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE runs SET status = $1, current_step = '', failed_step = $2, error_msg = $3, updated_at = CURRENT_TIMESTAMP WHERE id = $4",
		models.FailedRunStatus, failedStep, errMsg, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// DeleteRunsBefore removes terminal runs last updated before the cutoff.
// Step results and attempts go with them via ON DELETE CASCADE.
func (s *PostgresStore) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM runs WHERE status IN ($1, $2) AND updated_at < $3",
		models.SucceededRunStatus, models.FailedRunStatus, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetStepResult retrieves the persisted output for (run, step), if any
func (s *PostgresStore) GetStepResult(runID, stepName string) (json.RawMessage, bool, error) {
	var output []byte
	err := s.db.Get(&output, "SELECT output FROM step_results WHERE run_id = $1 AND step_name = $2", runID, stepName)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get step result %s/%s: %w", runID, stepName, err)
	}
	return output, true, nil
}

// PutStepResult persists the step output write-once. ON CONFLICT DO
// NOTHING keeps the insert atomic: zero rows affected means another
// attempt already wrote, and the caller gets ErrAlreadyExists.
func (s *PostgresStore) PutStepResult(runID, stepName string, output json.RawMessage) error {
	res, err := s.db.Exec(
		"INSERT INTO step_results (run_id, step_name, output, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (run_id, step_name) DO NOTHING",
		runID, stepName, []byte(output), time.Now())
	if err != nil {
		return fmt.Errorf("put step result %s/%s: %w", runID, stepName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// SaveStepAttempt appends an attempt audit row
func (s *PostgresStore) SaveStepAttempt(a models.StepAttempt) error {
	_, err := s.db.Exec(
		"INSERT INTO step_attempts (run_id, step_name, attempt, status, error_msg, logged_at) VALUES ($1, $2, $3, $4, $5, $6)",
		a.RunID, a.StepName, a.Attempt, a.Status, a.ErrorMsg, a.LoggedAt)
	return err
}

// ListStepAttempts retrieves all attempts for a run, oldest first
func (s *PostgresStore) ListStepAttempts(runID string) ([]models.StepAttempt, error) {
	attempts := []models.StepAttempt{}
	err := s.db.Select(&attempts, "SELECT * FROM step_attempts WHERE run_id = $1 ORDER BY id", runID)
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func checkFound(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// nullableJSON maps an empty RawMessage to SQL NULL so jsonb columns
// never see the empty string.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
