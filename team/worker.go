package team

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ssenrah/harness/taskgraph"
	"github.com/ssenrah/harness/team/state"
)

// WorkerFunc executes one task attempt. The context carries the per-attempt
// hard deadline and the run's cancellation signal; implementations must honor
// it. A returned error (or an error result) marks the attempt failed.
type WorkerFunc func(ctx context.Context, workerID string, task taskgraph.Task) (string, error)

// attemptOutcome is the final outcome of a worker's attempts on one task.
type attemptOutcome struct {
	taskID   string
	workerID string
	attempts int
	success  bool
	output   string
	errText  string
}

// restartable reports whether a failure reason qualifies for a worker
// restart: overseer kills and timeouts are transient, everything else is
// final.
func restartable(errText string) bool {
	return strings.Contains(errText, "killed by Beholder") || strings.Contains(errText, "timed out")
}

// runWorker drives one worker through up to 1+restartLimit attempts on a
// task. Each attempt runs under its own hard deadline; a timed-out attempt is
// cancelled and synthesized as a failure. Heartbeats and attempt events are
// recorded throughout.
func (c *Coordinator) runWorker(ctx context.Context, workerID string, task taskgraph.Task) attemptOutcome {
	outcome := attemptOutcome{taskID: task.ID, workerID: workerID}
	for attempt := 1; ; attempt++ {
		outcome.attempts = attempt
		c.tracker.UpsertHeartbeat(state.Heartbeat{
			WorkerID: workerID,
			Status:   state.WorkerBusy,
			TaskID:   task.ID,
			Attempt:  attempt,
		})
		c.broadcast(ctx, "worker_attempt_started", map[string]any{
			"workerId": workerID,
			"taskId":   task.ID,
			"attempt":  attempt,
		})

		output, errText := c.attempt(ctx, workerID, task)
		success := errText == ""
		c.broadcast(ctx, "worker_attempt_finished", map[string]any{
			"workerId": workerID,
			"taskId":   task.ID,
			"attempt":  attempt,
			"success":  success,
			"error":    errText,
		})

		if success {
			outcome.success = true
			outcome.output = output
			c.tracker.UpsertHeartbeat(state.Heartbeat{
				WorkerID: workerID,
				Status:   state.WorkerDone,
				TaskID:   task.ID,
				Attempt:  attempt,
			})
			return outcome
		}

		outcome.errText = errText
		if attempt <= c.cfg.WorkerRestartLimit && restartable(errText) && ctx.Err() == nil {
			c.tracker.UpsertHeartbeat(state.Heartbeat{
				WorkerID: workerID,
				Status:   state.WorkerRestarting,
				TaskID:   task.ID,
				Attempt:  attempt,
				Detail:   errText,
			})
			c.broadcast(ctx, "worker_restarted", map[string]any{
				"workerId": workerID,
				"taskId":   task.ID,
				"attempt":  attempt,
				"reason":   errText,
			})
			continue
		}
		c.tracker.UpsertHeartbeat(state.Heartbeat{
			WorkerID: workerID,
			Status:   state.WorkerFailed,
			TaskID:   task.ID,
			Attempt:  attempt,
			Detail:   errText,
		})
		return outcome
	}
}

// attempt runs a single worker attempt under the per-task deadline. A timed
// out attempt is cancelled and yields the synthesized timeout error; the
// abort of the hung call is swallowed.
func (c *Coordinator) attempt(ctx context.Context, workerID string, task taskgraph.Task) (string, string) {
	timeout := time.Duration(c.cfg.Caps.WorkerTimeoutMs) * time.Millisecond
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := c.worker(attemptCtx, workerID, task)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err.Error()
		}
		return res.output, ""
	case <-attemptCtx.Done():
		cancel()
		if ctx.Err() != nil {
			return "", "cancelled"
		}
		return "", fmt.Sprintf("Worker timed out after %dms", c.cfg.Caps.WorkerTimeoutMs)
	}
}
