// Package state tracks the live view of a team run: phase, iteration, graph
// version, per-worker heartbeats, and a chronological list of run events. One
// tracker exists per run; the coordinator is its single writer.
package state

import (
	"sync"
	"time"

	"github.com/ssenrah/harness/taskgraph"
)

type (
	// WorkerStatus is a worker's last-known execution status.
	WorkerStatus string

	// Heartbeat is a worker's last-known status stamped with a time.
	// Heartbeats are keyed by WorkerID; upserts replace in place.
	Heartbeat struct {
		// WorkerID identifies the worker.
		WorkerID string `json:"workerId"`
		// Status is the worker's execution status.
		Status WorkerStatus `json:"status"`
		// TaskID is the task the worker holds, if any.
		TaskID string `json:"taskId,omitempty"`
		// Attempt counts the worker's attempts on the task, starting at 1.
		Attempt int `json:"attempt"`
		// Detail optionally explains the status.
		Detail string `json:"detail,omitempty"`
		// UpdatedAt is when the heartbeat was recorded.
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// RunEvent is one entry in the run's event list.
	RunEvent struct {
		// Timestamp is when the event was recorded.
		Timestamp time.Time `json:"timestamp"`
		// Type names the event.
		Type string `json:"type"`
		// Data carries event-specific fields.
		Data map[string]any `json:"data,omitempty"`
	}

	// Snapshot is a point-in-time copy of the run state.
	Snapshot struct {
		RunID        string              `json:"runId"`
		Goal         string              `json:"goal"`
		Phase        string              `json:"phase"`
		Iteration    int                 `json:"iteration"`
		GraphVersion int                 `json:"graphVersion"`
		StartedAt    time.Time           `json:"startedAt"`
		UpdatedAt    time.Time           `json:"updatedAt"`
		CompletedAt  *time.Time          `json:"completedAt,omitempty"`
		LastTrigger  string              `json:"lastTrigger,omitempty"`
		Tasks        []taskgraph.Task    `json:"tasks"`
		Heartbeats   []Heartbeat         `json:"heartbeats"`
		Events       []RunEvent          `json:"events"`
	}

	// Tracker holds the mutable run state. Safe for concurrent use.
	Tracker struct {
		mu           sync.Mutex
		runID        string
		goal         string
		phase        string
		iteration    int
		graphVersion int
		startedAt    time.Time
		updatedAt    time.Time
		completedAt  *time.Time
		lastTrigger  string
		tasks        []taskgraph.Task
		heartbeats   []Heartbeat
		events       []RunEvent
		now          func() time.Time
	}
)

const (
	// WorkerIdle means the worker holds no task.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy means the worker is executing a task.
	WorkerBusy WorkerStatus = "busy"
	// WorkerRestarting means the worker is being restarted after a
	// recoverable failure.
	WorkerRestarting WorkerStatus = "restarting"
	// WorkerDone means the worker finished its task successfully.
	WorkerDone WorkerStatus = "done"
	// WorkerFailed means the worker's final attempt failed.
	WorkerFailed WorkerStatus = "failed"
)

// New constructs a tracker for a run.
func New(runID, goal string) *Tracker {
	now := time.Now().UTC()
	return &Tracker{
		runID:     runID,
		goal:      goal,
		phase:     "idle",
		startedAt: now,
		updatedAt: now,
		now:       time.Now,
	}
}

// SetPhase records the current phase.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.touchLocked()
}

// SetIteration records the coordinator loop iteration.
func (t *Tracker) SetIteration(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iteration = n
	t.touchLocked()
}

// SetGraphVersion records the latest observed graph version.
func (t *Tracker) SetGraphVersion(v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graphVersion = v
	t.touchLocked()
}

// SetTasks replaces the task snapshot.
func (t *Tracker) SetTasks(tasks []taskgraph.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = append([]taskgraph.Task(nil), tasks...)
	t.touchLocked()
}

// RecordTrigger stores the most recent reconcile trigger.
func (t *Tracker) RecordTrigger(trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTrigger = trigger
	t.touchLocked()
}

// UpsertHeartbeat replaces the heartbeat for its worker in place, or appends
// a new one. The timestamp is stamped when zero.
func (t *Tracker) UpsertHeartbeat(hb Heartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hb.UpdatedAt.IsZero() {
		hb.UpdatedAt = t.now().UTC()
	}
	for i := range t.heartbeats {
		if t.heartbeats[i].WorkerID == hb.WorkerID {
			t.heartbeats[i] = hb
			t.touchLocked()
			return
		}
	}
	t.heartbeats = append(t.heartbeats, hb)
	t.touchLocked()
}

// GetStaleHeartbeats returns heartbeats in status busy whose UpdatedAt is
// older than maxAge relative to now.
func (t *Tracker) GetStaleHeartbeats(maxAge time.Duration, now time.Time) []Heartbeat {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []Heartbeat
	for _, hb := range t.heartbeats {
		if hb.Status == WorkerBusy && now.Sub(hb.UpdatedAt) > maxAge {
			stale = append(stale, hb)
		}
	}
	return stale
}

// AppendEvent records a run event.
func (t *Tracker) AppendEvent(eventType string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, RunEvent{Timestamp: t.now().UTC(), Type: eventType, Data: data})
	t.touchLocked()
}

// Finalize stamps the completion time and freezes the phase at completed or
// failed.
func (t *Tracker) Finalize(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	at := t.now().UTC()
	t.completedAt = &at
	t.touchLocked()
}

// Snapshot returns a copy of the full run state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		RunID:        t.runID,
		Goal:         t.goal,
		Phase:        t.phase,
		Iteration:    t.iteration,
		GraphVersion: t.graphVersion,
		StartedAt:    t.startedAt,
		UpdatedAt:    t.updatedAt,
		LastTrigger:  t.lastTrigger,
		Tasks:        append([]taskgraph.Task(nil), t.tasks...),
		Heartbeats:   append([]Heartbeat(nil), t.heartbeats...),
		Events:       append([]RunEvent(nil), t.events...),
	}
	if t.completedAt != nil {
		at := *t.completedAt
		snap.CompletedAt = &at
	}
	return snap
}

func (t *Tracker) touchLocked() {
	t.updatedAt = t.now().UTC()
}
