// Package reconcile implements the event-triggered reassessment loop of the
// team layer. Each trigger transitions the run into the reconciling phase,
// enforces the task cap, answers needs-context requests, escalates stale
// heartbeats, and restores the executing phase before returning an ordered
// decision.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ssenrah/harness/team/mailbox"
	teampolicy "github.com/ssenrah/harness/team/policy"
	"github.com/ssenrah/harness/team/state"
	"github.com/ssenrah/harness/telemetry"
)

type (
	// Trigger names the event that caused a reconcile.
	Trigger string

	// ActionType classifies a reconcile action.
	ActionType string

	// Action is one entry in a reconcile decision.
	Action struct {
		// Type classifies the action.
		Type ActionType `json:"type"`
		// Detail explains the action.
		Detail string `json:"detail,omitempty"`
	}

	// Decision is the ordered outcome of one reconcile.
	Decision struct {
		// Trigger is the event that caused the reconcile.
		Trigger Trigger `json:"trigger"`
		// Actions lists what the loop decided, in order.
		Actions []Action `json:"actions"`
	}

	// Input carries the reconcile parameters.
	Input struct {
		// Trigger is the causing event.
		Trigger Trigger
		// PendingTaskCount is the number of pending tasks in the graph.
		PendingTaskCount int
		// NeedsContext lists outstanding context requests, one per worker ask.
		NeedsContext []string
		// Now overrides the clock, for tests. Zero uses the current time.
		Now time.Time
	}

	// Options configures a Loop.
	Options struct {
		// Flags gates the loop; when Reconcile is off every call is a noop.
		Flags teampolicy.Flags
		// Caps supplies the task cap and heartbeat staleness threshold.
		Caps teampolicy.Caps
		// Machine is the run's phase machine.
		Machine *teampolicy.Machine
		// Mailbox receives alerts and context requests.
		Mailbox *mailbox.Mailbox
		// Tracker supplies heartbeats and records triggers.
		Tracker *state.Tracker
		// Orchestrator is the mailbox recipient for escalations. Defaults to
		// "orchestrator".
		Orchestrator string
		// Logger reports phase transition problems. Noop when nil.
		Logger telemetry.Logger
	}

	// Loop executes reconciles. One loop exists per run.
	Loop struct {
		flags        teampolicy.Flags
		caps         teampolicy.Caps
		machine      *teampolicy.Machine
		mbox         *mailbox.Mailbox
		tracker      *state.Tracker
		orchestrator string
		logger       telemetry.Logger
	}
)

const (
	TriggerInitialPlan       Trigger = "initial_plan"
	TriggerBatchClaimed      Trigger = "batch_claimed"
	TriggerTaskResolved      Trigger = "task_resolved"
	TriggerDependencyFailure Trigger = "dependency_failure"
	TriggerWorkerRestarted   Trigger = "worker_restarted"
	TriggerWorkerFailed      Trigger = "worker_failed"
	TriggerWorkerCompleted   Trigger = "worker_completed"
	TriggerHeartbeatStale    Trigger = "heartbeat_stale"
	TriggerRunCompleted      Trigger = "run_completed"
	TriggerRunFailed         Trigger = "run_failed"
)

const (
	// ActionNoop records that the loop is disabled.
	ActionNoop ActionType = "noop"
	// ActionPolicyViolation records a safety cap violation.
	ActionPolicyViolation ActionType = "policy_violation"
	// ActionEscalateUser asks for user attention.
	ActionEscalateUser ActionType = "escalate_user"
	// ActionRequestContext answers a needs-context ask.
	ActionRequestContext ActionType = "request_context"
)

// New constructs a Loop.
func New(opts Options) *Loop {
	orchestrator := opts.Orchestrator
	if orchestrator == "" {
		orchestrator = "orchestrator"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Loop{
		flags:        opts.Flags,
		caps:         opts.Caps,
		machine:      opts.Machine,
		mbox:         opts.Mailbox,
		tracker:      opts.Tracker,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Reconcile runs one reassessment. When the reconcile flag is off it returns
// a single noop action without touching the phase.
func (l *Loop) Reconcile(ctx context.Context, in Input) Decision {
	if !l.flags.Reconcile {
		return Decision{Trigger: in.Trigger, Actions: []Action{{Type: ActionNoop, Detail: "reconcile flag is off"}}}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	l.tracker.RecordTrigger(string(in.Trigger))
	if err := l.machine.Transition(teampolicy.PhaseReconciling); err != nil {
		l.logger.Warn(ctx, "reconcile: enter phase", "trigger", string(in.Trigger), "err", err)
	} else {
		l.tracker.SetPhase(string(teampolicy.PhaseReconciling))
	}

	decision := Decision{Trigger: in.Trigger}

	if in.PendingTaskCount > l.caps.MaxTasks {
		detail := fmt.Sprintf("pending task count %d exceeds cap %d", in.PendingTaskCount, l.caps.MaxTasks)
		l.mbox.Send(mailbox.Message{
			From:     "reconcile",
			To:       l.orchestrator,
			Content:  "Task cap exceeded: " + detail,
			Type:     mailbox.TypeAlert,
			Priority: mailbox.PriorityCritical,
			Topic:    "caps",
		})
		decision.Actions = append(decision.Actions,
			Action{Type: ActionPolicyViolation, Detail: detail},
			Action{Type: ActionEscalateUser, Detail: "task cap exceeded"},
		)
	}

	for _, ask := range in.NeedsContext {
		l.mbox.Send(mailbox.Message{
			From:     "reconcile",
			To:       l.orchestrator,
			Content:  ask,
			Type:     mailbox.TypeNeedsContext,
			Priority: mailbox.PriorityHigh,
			Topic:    "context",
		})
		decision.Actions = append(decision.Actions, Action{Type: ActionRequestContext, Detail: ask})
	}

	staleness := time.Duration(l.caps.HeartbeatStalenessMs) * time.Millisecond
	for _, hb := range l.tracker.GetStaleHeartbeats(staleness, now) {
		detail := fmt.Sprintf("worker %s heartbeat is stale (task %s, attempt %d)", hb.WorkerID, hb.TaskID, hb.Attempt)
		l.mbox.Send(mailbox.Message{
			From:     "reconcile",
			To:       l.orchestrator,
			Content:  detail,
			Type:     mailbox.TypeHeartbeat,
			Priority: mailbox.PriorityCritical,
			TaskID:   hb.TaskID,
		})
		decision.Actions = append(decision.Actions, Action{Type: ActionEscalateUser, Detail: detail})
	}

	if err := l.machine.Transition(teampolicy.PhaseExecuting); err != nil {
		l.logger.Warn(ctx, "reconcile: restore phase", "trigger", string(in.Trigger), "err", err)
	} else {
		l.tracker.SetPhase(string(teampolicy.PhaseExecuting))
	}
	return decision
}
