// Package taskgraph implements the dependency-aware, versioned, patchable,
// replayable scheduling structure at the center of the team layer. All
// mutations flow through ApplyPatch with optimistic concurrency; failed
// patches never modify state, and every applied patch is recorded as a
// mutation event that Replay can reconstruct the graph from.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ssenrah/harness/session"
)

type (
	// Status is a task lifecycle status.
	Status string

	// Task is a unit of work in the graph. Identity is by ID; insertion order
	// is preserved independently of the task map.
	Task struct {
		// ID is the unique task identifier. Safe-charset, non-empty.
		ID string `json:"id"`
		// Description is the human-readable work statement.
		Description string `json:"description"`
		// Status is the lifecycle status.
		Status Status `json:"status"`
		// BlockedBy lists ids of tasks that must be done first.
		BlockedBy []string `json:"blockedBy,omitempty"`
		// Priority orders ready tasks; higher runs earlier.
		Priority float64 `json:"priority,omitempty"`
		// AssignedTo names the worker holding the task, if any.
		AssignedTo string `json:"assignedTo,omitempty"`
		// Result is the task output once resolved.
		Result string `json:"result,omitempty"`
		// Error is the failure description for failed tasks.
		Error string `json:"error,omitempty"`
		// StartedAt is when the task was claimed.
		StartedAt *time.Time `json:"startedAt,omitempty"`
		// CompletedAt is when the task reached a terminal status.
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		// Metadata carries implementation-specific extras.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Graph is the ordered task map plus its version counter and recorded
	// mutation events. All methods are safe for concurrent use; ApplyPatch is
	// atomic with respect to readers.
	Graph struct {
		mu      sync.Mutex
		tasks   map[string]*Task
		order   []string
		version int
		events  []MutationEvent
		now     func() time.Time
	}
)

const (
	// StatusPending marks a task waiting to be claimed.
	StatusPending Status = "pending"
	// StatusInProgress marks a claimed task.
	StatusInProgress Status = "in_progress"
	// StatusDone marks successful terminal completion.
	StatusDone Status = "done"
	// StatusFailed marks terminal failure.
	StatusFailed Status = "failed"
	// StatusDeferred marks a successful outcome held for verification. Unlike
	// the terminal statuses it may be re-queued to pending.
	StatusDeferred Status = "deferred"
)

// Terminal reports whether the status is done or failed. Terminal tasks never
// transition to any other status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Valid reports whether the status is one of the recognized values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed, StatusDeferred:
		return true
	}
	return false
}

// New constructs a graph from the initial task list. At least one task is
// required. Ids and descriptions are normalized (trimmed, non-empty), blockedBy
// sets deduplicated, references validated, and the dependency relation checked
// for cycles. Tasks with no status default to pending.
func New(initial []Task) (*Graph, error) {
	if len(initial) == 0 {
		return nil, fmt.Errorf("taskgraph: at least one task is required")
	}
	g := &Graph{tasks: make(map[string]*Task, len(initial)), now: time.Now}
	for _, t := range initial {
		norm, err := normalizeTask(t)
		if err != nil {
			return nil, err
		}
		if _, exists := g.tasks[norm.ID]; exists {
			return nil, fmt.Errorf("taskgraph: duplicate task id %q", norm.ID)
		}
		g.tasks[norm.ID] = norm
		g.order = append(g.order, norm.ID)
	}
	if err := validate(g.tasks, g.order); err != nil {
		return nil, err
	}
	return g, nil
}

// Version returns the current graph version.
func (g *Graph) Version() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Tasks returns a snapshot of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *cloneTask(g.tasks[id]))
	}
	return out
}

// Task returns a snapshot of one task and whether it exists.
func (g *Graph) Task(id string) (Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *cloneTask(t), true
}

// Events returns a snapshot of the recorded mutation events in order.
func (g *Graph) Events() []MutationEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]MutationEvent, len(g.events))
	copy(out, g.events)
	return out
}

// IsComplete reports whether no task remains in a non-terminal status.
func (g *Graph) IsComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.order {
		if !g.tasks[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// PendingCount returns the number of pending tasks.
func (g *Graph) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, id := range g.order {
		if g.tasks[id].Status == StatusPending {
			n++
		}
	}
	return n
}

// ClaimReadyTasks selects up to limit pending tasks whose dependencies are all
// done, ordered by priority descending with ties broken by insertion order,
// and marks them in_progress with a start timestamp. The claim is applied as
// an internal patch recorded as "claim_ready_tasks". limit must be positive.
func (g *Graph) ClaimReadyTasks(limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("taskgraph: claim limit must be positive, got %d", limit)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	type candidate struct {
		id    string
		prio  float64
		index int
	}
	var ready []candidate
	for i, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if !g.depsDoneLocked(t) {
			continue
		}
		ready = append(ready, candidate{id: id, prio: t.Priority, index: i})
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].prio != ready[j].prio {
			return ready[i].prio > ready[j].prio
		}
		return ready[i].index < ready[j].index
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	if len(ready) == 0 {
		return nil, nil
	}

	now := g.now().UTC()
	status := StatusInProgress
	ops := make([]Operation, 0, len(ready))
	for _, c := range ready {
		ops = append(ops, Operation{
			Op:     OpUpdateTask,
			TaskID: c.id,
			Patch: &TaskPatch{
				Status:    &status,
				StartedAt: &now,
			},
		})
	}
	res := g.applyLocked(Patch{Operations: ops}, g.version, "scheduler", "claim_ready_tasks")
	if !res.Applied {
		return nil, fmt.Errorf("taskgraph: claim failed: %s", res.Error)
	}
	claimed := make([]Task, 0, len(ready))
	for _, c := range ready {
		claimed = append(claimed, *cloneTask(g.tasks[c.id]))
	}
	return claimed, nil
}

// MarkBlockedTasksAsFailed iteratively fails every pending task that depends
// on a failed task, until a fixed point, and returns the affected ids in the
// order they were failed. The cascade is applied as an internal patch recorded
// as "dependency_cascade".
func (g *Graph) MarkBlockedTasksAsFailed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var affected []string
	failedStatus := StatusFailed
	for {
		progressed := false
		for _, id := range g.order {
			t := g.tasks[id]
			if t.Status != StatusPending {
				continue
			}
			dep, blocked := g.failedDepLocked(t)
			if !blocked {
				continue
			}
			errMsg := fmt.Sprintf("Blocked by failed dependency %q", dep)
			res := g.applyLocked(Patch{Operations: []Operation{{
				Op:     OpUpdateTask,
				TaskID: id,
				Patch:  &TaskPatch{Status: &failedStatus, Error: &errMsg},
			}}}, g.version, "scheduler", "dependency_cascade")
			if res.Applied {
				affected = append(affected, id)
				progressed = true
			}
		}
		if !progressed {
			return affected
		}
	}
}

func (g *Graph) depsDoneLocked(t *Task) bool {
	for _, dep := range t.BlockedBy {
		if g.tasks[dep].Status != StatusDone {
			return false
		}
	}
	return true
}

func (g *Graph) failedDepLocked(t *Task) (string, bool) {
	for _, dep := range t.BlockedBy {
		if g.tasks[dep].Status == StatusFailed {
			return dep, true
		}
	}
	return "", false
}

// normalizeTask trims and validates a task for insertion. Returns a deep copy.
func normalizeTask(t Task) (*Task, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Description = strings.TrimSpace(t.Description)
	if t.ID == "" {
		return nil, fmt.Errorf("taskgraph: task id is empty")
	}
	if err := session.ValidateID(t.ID); err != nil {
		return nil, fmt.Errorf("taskgraph: task id %q: %w", t.ID, err)
	}
	if t.Description == "" {
		return nil, fmt.Errorf("taskgraph: task %q has no description", t.ID)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("taskgraph: task %q has unrecognized status %q", t.ID, t.Status)
	}
	t.BlockedBy = dedupeStrings(t.BlockedBy)
	return cloneTask(&t), nil
}

// validate enforces the structural invariants: map and order mutually
// consistent, all blockedBy references resolve, no self-dependency, and the
// dependency relation is acyclic (iterative three-color DFS).
func validate(tasks map[string]*Task, order []string) error {
	if len(order) != len(tasks) {
		return fmt.Errorf("taskgraph: order list and task map are inconsistent")
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			return fmt.Errorf("taskgraph: duplicate id %q in order list", id)
		}
		seen[id] = true
		if _, ok := tasks[id]; !ok {
			return fmt.Errorf("taskgraph: order entry %q has no task", id)
		}
	}
	for id, t := range tasks {
		for _, dep := range t.BlockedBy {
			if dep == id {
				return fmt.Errorf("taskgraph: task %q depends on itself", id)
			}
			if _, ok := tasks[dep]; !ok {
				return fmt.Errorf("taskgraph: task %q depends on unknown task %q", id, dep)
			}
		}
	}
	return checkAcyclic(tasks, order)
}

// checkAcyclic runs an iterative three-color DFS over the dependency edges.
const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

func checkAcyclic(tasks map[string]*Task, order []string) error {
	color := make(map[string]int, len(tasks))
	type frame struct {
		id   string
		next int
	}
	for _, root := range order {
		if color[root] != colorWhite {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = colorGray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := tasks[top.id].BlockedBy
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch color[dep] {
				case colorGray:
					return fmt.Errorf("taskgraph: dependency cycle through %q", dep)
				case colorWhite:
					color[dep] = colorGray
					stack = append(stack, frame{id: dep})
				}
				continue
			}
			color[top.id] = colorBlack
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

func cloneTask(t *Task) *Task {
	dup := *t
	if t.BlockedBy != nil {
		dup.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		dup.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		dup.CompletedAt = &at
	}
	if t.Metadata != nil {
		dup.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

func cloneTasks(tasks map[string]*Task) map[string]*Task {
	out := make(map[string]*Task, len(tasks))
	for id, t := range tasks {
		out[id] = cloneTask(t)
	}
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
