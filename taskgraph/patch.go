package taskgraph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// OpType names a patch operation kind.
	OpType string

	// Operation is one mutation inside a patch. Exactly the fields for its
	// kind are set: add_task uses Task and Index, update_task uses TaskID and
	// Patch, remove_task uses TaskID.
	Operation struct {
		// Op is the operation kind.
		Op OpType `json:"op"`
		// Task is the task to insert (add_task).
		Task *Task `json:"task,omitempty"`
		// Index is the insertion position, clamped to [0, length] (add_task).
		// Nil appends at the end.
		Index *int `json:"index,omitempty"`
		// TaskID targets an existing task (update_task, remove_task).
		TaskID string `json:"taskId,omitempty"`
		// Patch carries the field updates (update_task).
		Patch *TaskPatch `json:"patch,omitempty"`
	}

	// TaskPatch updates task fields. Nil fields are left unchanged; the id is
	// immutable.
	TaskPatch struct {
		Description *string        `json:"description,omitempty"`
		Status      *Status        `json:"status,omitempty"`
		BlockedBy   *[]string      `json:"blockedBy,omitempty"`
		Priority    *float64       `json:"priority,omitempty"`
		AssignedTo  *string        `json:"assignedTo,omitempty"`
		Result      *string        `json:"result,omitempty"`
		Error       *string        `json:"error,omitempty"`
		StartedAt   *time.Time     `json:"startedAt,omitempty"`
		CompletedAt *time.Time     `json:"completedAt,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}

	// Patch is an ordered list of operations applied atomically.
	Patch struct {
		Operations []Operation `json:"operations"`
	}

	// MutationEvent records one applied patch for replay.
	MutationEvent struct {
		// ID uniquely identifies the event.
		ID string `json:"id"`
		// SchemaVersion is the event schema version. Always 1.
		SchemaVersion int `json:"schemaVersion"`
		// Actor names who applied the patch.
		Actor string `json:"actor"`
		// ExpectedVersion is the version the patch was applied against.
		ExpectedVersion int `json:"expectedVersion"`
		// GraphVersion is the post-apply version.
		GraphVersion int `json:"graphVersion"`
		// Timestamp is when the patch was applied.
		Timestamp time.Time `json:"timestamp"`
		// Reason explains the mutation.
		Reason string `json:"reason"`
		// Patch is the applied patch.
		Patch Patch `json:"patch"`
	}

	// Conflict describes an optimistic-concurrency failure.
	Conflict struct {
		// Expected is the version the caller applied against.
		Expected int `json:"expected"`
		// Actual is the graph's current version.
		Actual int `json:"actual"`
	}

	// ApplyResult is the structured outcome of a patch application. Failures
	// are results, not errors; a failed patch leaves the graph untouched.
	ApplyResult struct {
		// Applied reports whether the patch was committed.
		Applied bool
		// Version is the graph version after the call.
		Version int
		// Conflict is set on version mismatch.
		Conflict *Conflict
		// Error describes why the patch was not applied.
		Error string
	}
)

const (
	// OpAddTask inserts a new task.
	OpAddTask OpType = "add_task"
	// OpUpdateTask updates fields of an existing task.
	OpUpdateTask OpType = "update_task"
	// OpRemoveTask removes a task nothing depends on.
	OpRemoveTask OpType = "remove_task"
)

// MutationSchemaVersion is the current mutation event schema version.
const MutationSchemaVersion = 1

// ApplyPatch applies the patch against the expected version. On version
// mismatch it returns a conflict without side effects. Operations run on
// clones of the task map and order list; any operation error or invariant
// violation discards the clones and leaves the graph unchanged. On success
// the version increments by one and a mutation event is recorded.
func (g *Graph) ApplyPatch(patch Patch, expectedVersion int, actor, reason string) ApplyResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyLocked(patch, expectedVersion, actor, reason)
}

func (g *Graph) applyLocked(patch Patch, expectedVersion int, actor, reason string) ApplyResult {
	if expectedVersion != g.version {
		return ApplyResult{
			Version:  g.version,
			Conflict: &Conflict{Expected: expectedVersion, Actual: g.version},
			Error:    fmt.Sprintf("version_conflict: expected %d, actual %d", expectedVersion, g.version),
		}
	}
	if len(patch.Operations) == 0 {
		return ApplyResult{Version: g.version, Error: "patch has no operations"}
	}

	tasks := cloneTasks(g.tasks)
	order := append([]string(nil), g.order...)
	for i, op := range patch.Operations {
		var err error
		tasks, order, err = applyOperation(tasks, order, op, g.now)
		if err != nil {
			return ApplyResult{Version: g.version, Error: fmt.Sprintf("operation %d (%s): %v", i, op.Op, err)}
		}
	}
	if err := validate(tasks, order); err != nil {
		return ApplyResult{Version: g.version, Error: err.Error()}
	}

	g.tasks = tasks
	g.order = order
	g.version++
	g.events = append(g.events, MutationEvent{
		ID:              uuid.NewString(),
		SchemaVersion:   MutationSchemaVersion,
		Actor:           actor,
		ExpectedVersion: expectedVersion,
		GraphVersion:    g.version,
		Timestamp:       g.now().UTC(),
		Reason:          reason,
		Patch:           patch,
	})
	return ApplyResult{Applied: true, Version: g.version}
}

func applyOperation(tasks map[string]*Task, order []string, op Operation, now func() time.Time) (map[string]*Task, []string, error) {
	switch op.Op {
	case OpAddTask:
		if op.Task == nil {
			return nil, nil, fmt.Errorf("add_task requires a task")
		}
		norm, err := normalizeTask(*op.Task)
		if err != nil {
			return nil, nil, err
		}
		if _, exists := tasks[norm.ID]; exists {
			return nil, nil, fmt.Errorf("task id %q already exists", norm.ID)
		}
		index := len(order)
		if op.Index != nil {
			index = *op.Index
			if index < 0 {
				index = 0
			}
			if index > len(order) {
				index = len(order)
			}
		}
		tasks[norm.ID] = norm
		order = append(order[:index], append([]string{norm.ID}, order[index:]...)...)
		return tasks, order, nil

	case OpUpdateTask:
		t, ok := tasks[op.TaskID]
		if !ok {
			return nil, nil, fmt.Errorf("unknown task %q", op.TaskID)
		}
		if op.Patch == nil {
			return nil, nil, fmt.Errorf("update_task requires a patch")
		}
		if err := applyTaskPatch(t, op.Patch, now); err != nil {
			return nil, nil, err
		}
		return tasks, order, nil

	case OpRemoveTask:
		if _, ok := tasks[op.TaskID]; !ok {
			return nil, nil, fmt.Errorf("unknown task %q", op.TaskID)
		}
		for id, t := range tasks {
			for _, dep := range t.BlockedBy {
				if dep == op.TaskID {
					return nil, nil, fmt.Errorf("task %q still depends on %q", id, op.TaskID)
				}
			}
		}
		delete(tasks, op.TaskID)
		for i, id := range order {
			if id == op.TaskID {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
		return tasks, order, nil

	default:
		return nil, nil, fmt.Errorf("unrecognized operation %q", op.Op)
	}
}

// applyTaskPatch mutates the cloned task in place. Terminal statuses are
// immutable: once done or failed, the only permitted status in a patch is the
// same terminal status. A transition into a terminal status stamps
// CompletedAt when the patch does not carry one.
func applyTaskPatch(t *Task, p *TaskPatch, now func() time.Time) error {
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("task %q: unrecognized status %q", t.ID, *p.Status)
		}
		if t.Status.Terminal() && *p.Status != t.Status {
			return fmt.Errorf("task %q: terminal status %q cannot transition to %q", t.ID, t.Status, *p.Status)
		}
		if *p.Status == StatusPending && t.Status != StatusPending && t.Status != StatusDeferred {
			return fmt.Errorf("task %q: only deferred tasks may be re-queued to pending", t.ID)
		}
		if t.Status == StatusDeferred && *p.Status == StatusPending {
			// Re-queue path: the task goes back to the pool with a clean slate.
			t.Result = ""
			t.AssignedTo = ""
			t.StartedAt = nil
		}
		if !t.Status.Terminal() && p.Status.Terminal() && p.CompletedAt == nil {
			at := now().UTC()
			t.CompletedAt = &at
		}
		t.Status = *p.Status
	}
	if p.Description != nil {
		if *p.Description == "" {
			return fmt.Errorf("task %q: description cannot be emptied", t.ID)
		}
		t.Description = *p.Description
	}
	if p.BlockedBy != nil {
		t.BlockedBy = dedupeStrings(*p.BlockedBy)
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.Result != nil {
		t.Result = *p.Result
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.StartedAt != nil {
		at := *p.StartedAt
		t.StartedAt = &at
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		t.CompletedAt = &at
	}
	if p.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			t.Metadata[k] = v
		}
	}
	return nil
}
