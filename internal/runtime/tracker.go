// Package runtime provides operational services for a run: an in-memory
// operation tracker for progress reporting, a process-wide rate limiter, and
// a distributed idempotency lock. PluginContext does not carry them. None of
// this is consulted for audit-integrity decisions — it is operational
// convenience layered over the audit store of record.
package runtime

import (
	"sync"
	"time"
)

// RunState is the lifecycle of one tracked node invocation, adapted from
// the teacher's statemanager.Status vocabulary and narrowed to what a
// NodeState open/complete/fail bracket needs.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// NodeStateSnapshot is one entry in the tracker: a point-in-time view of an
// open or recently-closed NodeState, keyed by its state_id.
type NodeStateSnapshot struct {
	StateID     string
	RunID       string
	NodeID      string
	TokenID     string
	Status      RunState
	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    time.Duration
	Error       string
}

// RunTracker is a bounded, mutex-guarded view of currently-open and
// recently-closed node states, adapted from statemanager.Manager. It backs
// `elspeth run -v` progress reporting and is never read by the audit or
// replay path.
type RunTracker struct {
	mu      sync.RWMutex
	states  map[string]*NodeStateSnapshot
	maxSize int
}

// NewRunTracker builds a tracker bounded to maxSize entries (oldest
// eviction), mirroring Manager.maxOperations. A maxSize of 0 defaults to
// 1000, same as the teacher.
func NewRunTracker(maxSize int) *RunTracker {
	if maxSize == 0 {
		maxSize = 1000
	}
	return &RunTracker{states: make(map[string]*NodeStateSnapshot), maxSize: maxSize}
}

// Open records a node state entering OPEN.
func (t *RunTracker) Open(stateID, runID, nodeID, tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) >= t.maxSize {
		t.evictOldestLocked()
	}
	t.states[stateID] = &NodeStateSnapshot{
		StateID:   stateID,
		RunID:     runID,
		NodeID:    nodeID,
		TokenID:   tokenID,
		Status:    RunStateRunning,
		StartedAt: time.Now(),
	}
}

// Close records a node state's terminal outcome.
func (t *RunTracker) Close(stateID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[stateID]
	if !ok {
		return
	}
	now := time.Now()
	s.CompletedAt = &now
	s.Duration = now.Sub(s.StartedAt)
	if err != nil {
		s.Status = RunStateFailed
		s.Error = err.Error()
	} else {
		s.Status = RunStateCompleted
	}
}

// Snapshot returns a copy of one tracked state.
func (t *RunTracker) Snapshot(stateID string) (NodeStateSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[stateID]
	if !ok {
		return NodeStateSnapshot{}, false
	}
	return *s, true
}

// OpenForRun lists every currently-open state for a run, for progress
// reporting.
func (t *RunTracker) OpenForRun(runID string) []NodeStateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NodeStateSnapshot
	for _, s := range t.states {
		if s.RunID == runID && s.Status == RunStateRunning {
			out = append(out, *s)
		}
	}
	return out
}

// Counts summarizes tracked states by status, for `elspeth run -v`'s
// outcome-count printout.
func (t *RunTracker) Counts(runID string) map[RunState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[RunState]int, 3)
	for _, s := range t.states {
		if s.RunID == runID {
			counts[s.Status]++
		}
	}
	return counts
}

func (t *RunTracker) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, s := range t.states {
		if oldestID == "" || s.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = s.StartedAt
		}
	}
	if oldestID != "" {
		delete(t.states, oldestID)
	}
}
