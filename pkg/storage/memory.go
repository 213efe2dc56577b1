package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
)

type stepKey struct {
	runID    string
	stepName string
}

// memoryStore implements Store with in-memory maps. It backs tests and
// embedded single-process deployments that do not need Postgres.
type memoryStore struct {
	mu       sync.RWMutex
	runs     map[string]models.Run
	results  map[stepKey]models.StepResult
	attempts []models.StepAttempt
	nextID   int64
}

// NewMemoryStore returns an empty in-memory Store safe for concurrent use.
func NewMemoryStore() Store {
	return &memoryStore{
		runs:    make(map[string]models.Run),
		results: make(map[stepKey]models.StepResult),
	}
}

// Transactions are no-ops: every operation is applied immediately.
func (m *memoryStore) Begin() (Store, error) { return m, nil }
func (m *memoryStore) Commit() error         { return nil }
func (m *memoryStore) Rollback() error       { return nil }
func (m *memoryStore) Close() error          { return nil }

func (m *memoryStore) SaveRun(r models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return ErrAlreadyExists
	}
	m.runs[r.ID] = r
	return nil
}

func (m *memoryStore) GetRun(id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) ListRuns() ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	return runs, nil
}

func (m *memoryStore) UpdateRunStatus(id string, status models.RunStatus, currentStep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.CurrentStep = currentStep
	r.UpdatedAt = time.Now()
	m.runs[id] = r
	return nil
}

func (m *memoryStore) CompleteRun(id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = models.SucceededRunStatus
	r.CurrentStep = ""
	r.Result = result
	r.UpdatedAt = time.Now()
	m.runs[id] = r
	return nil
}

func (m *memoryStore) FailRun(id string, failedStep, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = models.FailedRunStatus
	r.CurrentStep = ""
	r.FailedStep = failedStep
	r.ErrorMsg = errMsg
	r.UpdatedAt = time.Now()
	m.runs[id] = r
	return nil
}

func (m *memoryStore) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, r := range m.runs {
		if !r.Status.Terminal() || !r.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.runs, id)
		for key := range m.results {
			if key.runID == id {
				delete(m.results, key)
			}
		}
		deleted++
	}
	return deleted, nil
}

func (m *memoryStore) GetStepResult(runID, stepName string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[stepKey{runID, stepName}]
	if !ok {
		return nil, false, nil
	}
	return res.Output, true, nil
}

func (m *memoryStore) PutStepResult(runID, stepName string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey{runID, stepName}
	if _, ok := m.results[key]; ok {
		return ErrAlreadyExists
	}
	m.results[key] = models.StepResult{
		RunID:     runID,
		StepName:  stepName,
		Output:    output,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *memoryStore) SaveStepAttempt(a models.StepAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memoryStore) ListStepAttempts(runID string) ([]models.StepAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var attempts []models.StepAttempt
	for _, a := range m.attempts {
		if a.RunID == runID {
			attempts = append(attempts, a)
		}
	}
	return attempts, nil
}
