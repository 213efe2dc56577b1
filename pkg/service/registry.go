package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkrstev/promptflow/pkg/models"
)

// Snapshot is the read-only projection of a run's current state served
// by the status API. It is copied out of the registry under lock, so a
// reader never observes a torn write.
type Snapshot struct {
	ID          string           `json:"id"`
	Status      models.RunStatus `json:"status"`
	CurrentStep string           `json:"current_step,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	FailedStep  string           `json:"failed_step,omitempty"`
	ErrorMsg    string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type registryEntry struct {
	snap      Snapshot
	cancelled bool
}

// RunRegistry maps run IDs to their last known state snapshot. It backs
// the status API with concurrent reads while runs are being driven, and
// holds terminal entries for a retention window before Sweep reclaims them.
type RunRegistry struct {
	mu        sync.RWMutex
	entries   map[string]*registryEntry
	retention time.Duration
}

const DefaultRetention = 24 * time.Hour

func NewRunRegistry(retention time.Duration) *RunRegistry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RunRegistry{
		entries:   make(map[string]*registryEntry),
		retention: retention,
	}
}

// Register records a queued run. Registering an ID twice is an error so
// two submissions can never share a run.
func (r *RunRegistry) Register(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	now := time.Now()
	r.entries[id] = &registryEntry{
		snap: Snapshot{
			ID:        id,
			Status:    models.QueuedRunStatus,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return true
}

// Get returns the run's snapshot, or ok=false for an unknown ID.
func (r *RunRegistry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return entry.snap, true
}

// List returns snapshots of all known runs.
func (r *RunRegistry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make([]Snapshot, 0, len(r.entries))
	for _, entry := range r.entries {
		snaps = append(snaps, entry.snap)
	}
	return snaps
}

// SetRunning moves the run to RUNNING on the given step. Terminal
// entries are never mutated, so a status can only move forward.
func (r *RunRegistry) SetRunning(id, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.snap.Status.Terminal() {
		return
	}
	entry.snap.Status = models.RunningRunStatus
	entry.snap.CurrentStep = step
	entry.snap.UpdatedAt = time.Now()
}

// SetSucceeded records the run's final result and makes it terminal.
func (r *RunRegistry) SetSucceeded(id string, result json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.snap.Status.Terminal() {
		return
	}
	entry.snap.Status = models.SucceededRunStatus
	entry.snap.CurrentStep = ""
	entry.snap.Result = result
	entry.snap.UpdatedAt = time.Now()
}

// SetFailed records the failing step and cause and makes the run terminal.
func (r *RunRegistry) SetFailed(id, failedStep, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.snap.Status.Terminal() {
		return
	}
	entry.snap.Status = models.FailedRunStatus
	entry.snap.CurrentStep = ""
	entry.snap.FailedStep = failedStep
	entry.snap.ErrorMsg = errMsg
	entry.snap.UpdatedAt = time.Now()
}

// RequestCancel flags a run for cancellation at its next step boundary.
// Returns false for unknown or already terminal runs.
func (r *RunRegistry) RequestCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.snap.Status.Terminal() {
		return false
	}
	entry.cancelled = true
	return true
}

// Cancelled reports whether cancellation has been requested for the run.
func (r *RunRegistry) Cancelled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return ok && entry.cancelled
}

// Sweep removes terminal entries older than the retention window and
// returns how many were reclaimed.
func (r *RunRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.retention)
	removed := 0
	for id, entry := range r.entries {
		if entry.snap.Status.Terminal() && entry.snap.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}
