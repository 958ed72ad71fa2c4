package taskgraph

import "fmt"

// Resolution helpers cover both completion paths: the direct resolve-only
// path (ResolveTask) and the verify-before-complete path, where successful
// outcomes are first deferred (SubmitResult) and a reviewer later completes,
// requeues, or rejects them. Both paths preserve the same invariants:
// terminal statuses stay immutable and deferred to pending is the only
// re-queue transition.

// ResolveTask transitions an in_progress task directly to done or failed.
func (g *Graph) ResolveTask(taskID string, status Status, result, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("taskgraph: resolve status must be done or failed, got %q", status)
	}
	patch := &TaskPatch{Status: &status}
	if result != "" {
		patch.Result = &result
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	return g.applyToTask(taskID, StatusInProgress, patch, "resolve_task")
}

// SubmitResult records a worker outcome. Failures resolve to failed
// immediately; successes either resolve to done or, when deferReview is set,
// park as deferred pending verification.
func (g *Graph) SubmitResult(taskID string, success bool, output string, deferReview bool) error {
	switch {
	case !success:
		return g.ResolveTask(taskID, StatusFailed, "", output)
	case deferReview:
		status := StatusDeferred
		return g.applyToTask(taskID, StatusInProgress, &TaskPatch{Status: &status, Result: &output}, "submit_result")
	default:
		return g.ResolveTask(taskID, StatusDone, output, "")
	}
}

// CompleteTask accepts a deferred task's result and marks it done.
func (g *Graph) CompleteTask(taskID, result string) error {
	status := StatusDone
	patch := &TaskPatch{Status: &status}
	if result != "" {
		patch.Result = &result
	}
	return g.applyToTask(taskID, StatusDeferred, patch, "complete_task")
}

// RejectTask fails a deferred task with the reviewer's reason.
func (g *Graph) RejectTask(taskID, reason string) error {
	status := StatusFailed
	return g.applyToTask(taskID, StatusDeferred, &TaskPatch{Status: &status, Error: &reason}, "reject_task")
}

// RequeueTask returns a deferred task to the pending pool, clearing its
// result and assignment.
func (g *Graph) RequeueTask(taskID string) error {
	status := StatusPending
	return g.applyToTask(taskID, StatusDeferred, &TaskPatch{Status: &status}, "requeue_task")
}

// AwaitingReview returns the deferred tasks in insertion order.
func (g *Graph) AwaitingReview() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Task
	for _, id := range g.order {
		if g.tasks[id].Status == StatusDeferred {
			out = append(out, *cloneTask(g.tasks[id]))
		}
	}
	return out
}

// applyToTask guards a single-task patch on the task's current status and
// applies it against the current version.
func (g *Graph) applyToTask(taskID string, from Status, patch *TaskPatch, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskgraph: unknown task %q", taskID)
	}
	if t.Status != from {
		return fmt.Errorf("taskgraph: task %q is %q, expected %q", taskID, t.Status, from)
	}
	res := g.applyLocked(Patch{Operations: []Operation{{
		Op:     OpUpdateTask,
		TaskID: taskID,
		Patch:  patch,
	}}}, g.version, "scheduler", reason)
	if !res.Applied {
		return fmt.Errorf("taskgraph: %s: %s", reason, res.Error)
	}
	return nil
}
