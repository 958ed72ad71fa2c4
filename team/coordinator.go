package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssenrah/harness/eventlog"
	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/taskgraph"
	"github.com/ssenrah/harness/team/mailbox"
	teampolicy "github.com/ssenrah/harness/team/policy"
	"github.com/ssenrah/harness/team/reconcile"
	"github.com/ssenrah/harness/team/state"
	"github.com/ssenrah/harness/telemetry"
)

type (
	// VerifyFunc reviews a deferred task outcome. Registered verifier agent
	// types plug in here; when nil the coordinator inline-asks the planner
	// model.
	VerifyFunc func(ctx context.Context, task taskgraph.Task) (approved bool, reason string, err error)

	// Options configures a Coordinator.
	Options struct {
		// Planner is the orchestrator model client. Required.
		Planner model.Client
		// PlannerModel names the planner model. Required.
		PlannerModel string
		// Worker executes task attempts. Required.
		Worker WorkerFunc
		// Verify optionally reviews deferred outcomes.
		Verify VerifyFunc
		// Config is the team runtime policy. Zero values take defaults.
		Config teampolicy.Config
		// RunID identifies the run. Empty generates one.
		RunID string
		// Events optionally mirrors run events to a harness event log.
		Events *eventlog.Log
		// Logger reports non-fatal failures. Noop when nil.
		Logger telemetry.Logger
		// Metrics records counters and durations. Noop when nil.
		Metrics telemetry.Metrics
	}

	// Result is the outcome of a team run.
	Result struct {
		// Success reports whether every task ended done.
		Success bool
		// Summary is the synthesized account of the run.
		Summary string
		// Tasks is the final task snapshot in insertion order.
		Tasks []taskgraph.Task
		// Phase is the terminal phase.
		Phase teampolicy.Phase
		// State is the final run state snapshot.
		State state.Snapshot
		// Gates is the regression gate report when gates are enabled.
		Gates *GateReport
		// Error describes an aborted run.
		Error string
	}

	// Coordinator drives one team run. Construct with New, drive with Run
	// once; the coordinator is not reusable across runs.
	Coordinator struct {
		planner      model.Client
		plannerModel string
		worker       WorkerFunc
		verify       VerifyFunc
		cfg          teampolicy.Config
		runID        string
		machine      *teampolicy.Machine
		mbox         *mailbox.Mailbox
		tracker      *state.Tracker
		reconciler   *reconcile.Loop
		events       *eventlog.Log
		logger       telemetry.Logger
		metrics      telemetry.Metrics
	}
)

// orchestratorID is the mailbox identity of the coordinator.
const orchestratorID = "orchestrator"

// New constructs a Coordinator for a single run.
func New(opts Options) (*Coordinator, error) {
	if opts.Planner == nil {
		return nil, fmt.Errorf("team: planner client is required")
	}
	if opts.PlannerModel == "" {
		return nil, fmt.Errorf("team: planner model is required")
	}
	if opts.Worker == nil {
		return nil, fmt.Errorf("team: worker function is required")
	}
	cfg := opts.Config
	cfg.Caps = cfg.Caps.Merge(teampolicy.DefaultCaps())
	if cfg.WorkerRestartLimit < 0 {
		cfg.WorkerRestartLimit = 0
	}
	runID := opts.RunID
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Coordinator{
		planner:      opts.Planner,
		plannerModel: opts.PlannerModel,
		worker:       opts.Worker,
		verify:       opts.Verify,
		cfg:          cfg,
		runID:        runID,
		machine:      teampolicy.NewMachine(),
		mbox:         mailbox.New(),
		events:       opts.Events,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Mailbox returns the run's mailbox.
func (c *Coordinator) Mailbox() *mailbox.Mailbox { return c.mbox }

// Run plans the goal, executes the task graph across the worker pool, and
// synthesizes the outcome. The returned result carries the terminal phase and
// state even for aborted runs; the error is non-nil only for aborts.
func (c *Coordinator) Run(ctx context.Context, goal string) (*Result, error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordTimer("team.run", time.Since(start), "run", c.runID)
	}()

	c.tracker = state.New(c.runID, goal)
	c.reconciler = reconcile.New(reconcile.Options{
		Flags:        c.cfg.Flags,
		Caps:         c.cfg.Caps,
		Machine:      c.machine,
		Mailbox:      c.mbox,
		Tracker:      c.tracker,
		Orchestrator: orchestratorID,
		Logger:       c.logger,
	})

	c.transition(teampolicy.PhasePlanning)
	initial, err := c.plan(ctx, goal)
	if err != nil {
		return c.abort(ctx, goal, nil, err)
	}
	if len(initial) > c.cfg.Caps.MaxTasks {
		return c.abort(ctx, goal, nil, fmt.Errorf("team: plan has %d tasks, cap is %d", len(initial), c.cfg.Caps.MaxTasks))
	}
	graph, err := taskgraph.New(initial)
	if err != nil {
		return c.abort(ctx, goal, nil, err)
	}
	c.broadcast(ctx, "plan_created", map[string]any{"taskCount": len(initial)})

	// Reconciling is only reachable from the executing phase, so both the
	// initial-plan and terminal reconciles run while the machine is executing.
	c.transition(teampolicy.PhaseExecuting)
	c.reconciler.Reconcile(ctx, reconcile.Input{Trigger: reconcile.TriggerInitialPlan, PendingTaskCount: graph.PendingCount()})
	if err := c.execute(ctx, graph); err != nil {
		return c.abort(ctx, goal, graph, err)
	}

	tasks := graph.Tasks()
	success := true
	for _, t := range tasks {
		if t.Status == taskgraph.StatusFailed {
			success = false
			break
		}
	}
	phase := teampolicy.PhaseCompleted
	trigger := reconcile.TriggerRunCompleted
	eventType := "run_completed"
	if !success {
		phase = teampolicy.PhaseFailed
		trigger = reconcile.TriggerRunFailed
		eventType = "run_failed"
	}
	c.broadcast(ctx, eventType, map[string]any{"success": success})
	c.reconciler.Reconcile(ctx, reconcile.Input{Trigger: trigger, PendingTaskCount: graph.PendingCount()})

	c.transition(teampolicy.PhaseSynthesizing)
	summary, err := c.synthesize(ctx, goal, tasks)
	if err != nil {
		c.logger.Warn(ctx, "team: synthesis failed", "run", c.runID, "err", err)
		summary = "Synthesis unavailable; see task outcomes."
	}

	c.transition(phase)
	c.tracker.SetGraphVersion(graph.Version())
	c.tracker.SetTasks(tasks)
	c.tracker.Finalize(string(phase))

	result := &Result{
		Success: success,
		Summary: summary,
		Tasks:   tasks,
		Phase:   phase,
		State:   c.tracker.Snapshot(),
	}
	if c.cfg.Flags.RegressionGates {
		result.Gates = c.evaluateGates(initial, graph)
	}
	return result, nil
}

// execute runs the claim/execute/resolve loop until the graph is complete.
func (c *Coordinator) execute(ctx context.Context, graph *taskgraph.Graph) error {
	deadline := time.Now().Add(time.Duration(c.cfg.Caps.MaxRuntimeMs) * time.Millisecond)
	requeued := make(map[string]bool)
	iteration := 0
	for !graph.IsComplete() {
		iteration++
		c.tracker.SetIteration(iteration)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("team: run cancelled")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("team: runtime budget of %dms exceeded", c.cfg.Caps.MaxRuntimeMs)
		}

		batch, err := graph.ClaimReadyTasks(c.cfg.Caps.MaxWorkers)
		if err != nil {
			return err
		}
		ids := make([]string, len(batch))
		for i, t := range batch {
			ids[i] = t.ID
		}
		c.broadcast(ctx, "batch_claimed", map[string]any{"taskIds": ids})

		if len(batch) == 0 {
			affected := graph.MarkBlockedTasksAsFailed()
			if len(affected) > 0 {
				c.broadcast(ctx, "tasks_dependency_failed", map[string]any{"taskIds": affected})
				c.reconciler.Reconcile(ctx, reconcile.Input{
					Trigger:          reconcile.TriggerDependencyFailure,
					PendingTaskCount: graph.PendingCount(),
				})
				continue
			}
			// Nothing claimable and nothing cascaded: the remaining tasks can
			// never run, so abort instead of spinning until the runtime budget.
			return fmt.Errorf("team: no progress possible with %d pending tasks", graph.PendingCount())
		}

		outcomes := make([]attemptOutcome, len(batch))
		var wg sync.WaitGroup
		for i, task := range batch {
			wg.Add(1)
			go func(slot int, task taskgraph.Task) {
				defer wg.Done()
				outcomes[slot] = c.runWorker(ctx, fmt.Sprintf("worker-%d", slot+1), task)
			}(i, task)
		}
		wg.Wait()

		for _, out := range outcomes {
			var resolveErr error
			if out.success {
				resolveErr = graph.SubmitResult(out.taskID, true, out.output, c.cfg.VerifyBeforeComplete)
			} else {
				resolveErr = graph.SubmitResult(out.taskID, false, out.errText, false)
			}
			if resolveErr != nil {
				c.logger.Warn(ctx, "team: resolve task", "task", out.taskID, "err", resolveErr)
			}
			c.broadcast(ctx, "task_resolved", map[string]any{
				"taskId":   out.taskID,
				"workerId": out.workerID,
				"attempts": out.attempts,
				"success":  out.success,
				"error":    out.errText,
			})
		}

		if c.cfg.VerifyBeforeComplete {
			c.review(ctx, graph, requeued)
		}

		if affected := graph.MarkBlockedTasksAsFailed(); len(affected) > 0 {
			c.broadcast(ctx, "tasks_dependency_failed", map[string]any{"taskIds": affected})
		}

		c.reconciler.Reconcile(ctx, reconcile.Input{
			Trigger:          reconcile.TriggerTaskResolved,
			PendingTaskCount: graph.PendingCount(),
			NeedsContext:     c.collectContextAsks(),
		})
		c.tracker.SetGraphVersion(graph.Version())
		c.tracker.SetTasks(graph.Tasks())
	}
	return nil
}

// review settles deferred tasks: approved outcomes complete, rejected ones
// are re-queued once and rejected for good on the second strike. Verifier
// failures fail open with a note so the run keeps making progress.
func (c *Coordinator) review(ctx context.Context, graph *taskgraph.Graph, requeued map[string]bool) {
	for _, task := range graph.AwaitingReview() {
		approved, reason, err := c.reviewOne(ctx, task)
		if err != nil {
			c.logger.Warn(ctx, "team: verification failed", "task", task.ID, "err", err)
			approved, reason = true, "verification unavailable"
		}
		var opErr error
		switch {
		case approved:
			opErr = graph.CompleteTask(task.ID, task.Result)
		case !requeued[task.ID]:
			requeued[task.ID] = true
			opErr = graph.RequeueTask(task.ID)
		default:
			opErr = graph.RejectTask(task.ID, reason)
		}
		if opErr != nil {
			c.logger.Warn(ctx, "team: review outcome", "task", task.ID, "err", opErr)
		}
		c.broadcast(ctx, "task_reviewed", map[string]any{
			"taskId":   task.ID,
			"approved": approved,
			"reason":   reason,
		})
	}
}

func (c *Coordinator) reviewOne(ctx context.Context, task taskgraph.Task) (bool, string, error) {
	if c.verify != nil {
		return c.verify(ctx, task)
	}
	return c.verifyInline(ctx, task)
}

// collectContextAsks drains undelivered orchestrator messages whose content
// mentions needing context and returns their bodies.
func (c *Coordinator) collectContextAsks() []string {
	var asks []string
	for _, msg := range c.mbox.List(orchestratorID, mailbox.ListOptions{}) {
		content := strings.ToLower(msg.Content)
		if msg.Type == mailbox.TypeNeedsContext ||
			(strings.Contains(content, "need") && strings.Contains(content, "context")) {
			if msg.From == "reconcile" {
				continue
			}
			asks = append(asks, msg.Content)
			c.mbox.Ack(msg.ID)
		}
	}
	return asks
}

// broadcast records a run event on the tracker and mirrors it to the harness
// event log when one is attached.
func (c *Coordinator) broadcast(ctx context.Context, eventType string, data map[string]any) {
	c.tracker.AppendEvent(eventType, data)
	if c.events != nil {
		c.events.Log(ctx, eventlog.Event{
			Type:    eventlog.EventType(eventType),
			AgentID: c.runID,
			Data:    data,
		})
	}
}

// transition moves the phase machine, logging illegal transitions instead of
// failing the run.
func (c *Coordinator) transition(to teampolicy.Phase) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Warn(context.Background(), "team: phase transition", "to", string(to), "err", err)
		return
	}
	c.tracker.SetPhase(string(to))
}

// abort finalizes a failed run with the given cause.
func (c *Coordinator) abort(ctx context.Context, goal string, graph *taskgraph.Graph, cause error) (*Result, error) {
	c.logger.Error(ctx, "team: run aborted", "run", c.runID, "goal", goal, "err", cause)
	c.broadcast(ctx, "run_failed", map[string]any{"error": cause.Error()})
	c.transition(teampolicy.PhaseFailed)
	c.tracker.Finalize(string(teampolicy.PhaseFailed))
	result := &Result{
		Success: false,
		Phase:   teampolicy.PhaseFailed,
		State:   c.tracker.Snapshot(),
		Error:   cause.Error(),
	}
	if graph != nil {
		result.Tasks = graph.Tasks()
	}
	return result, cause
}
