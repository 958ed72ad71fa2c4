// Package policy holds the team runtime policy: feature flags, safety caps,
// the phase state machine, and trust gating for tool packs and extensions.
// Importers that also use the tool-execution policy engine alias this package
// as teampolicy.
package policy

import (
	"fmt"
	"sync"
	"time"
)

type (
	// Flags are the team feature flags. All default to off.
	Flags struct {
		// Reconcile enables the reconcile loop.
		Reconcile bool `yaml:"reconcile" json:"reconcile"`
		// MutableGraph enables external graph patches during a run.
		MutableGraph bool `yaml:"mutableGraph" json:"mutableGraph"`
		// PriorityMailbox enables mailbox-driven coordination.
		PriorityMailbox bool `yaml:"priorityMailbox" json:"priorityMailbox"`
		// TraceReplay enables the replay equivalence gate.
		TraceReplay bool `yaml:"traceReplay" json:"traceReplay"`
		// RegressionGates enables the post-run gate evaluation.
		RegressionGates bool `yaml:"regressionGates" json:"regressionGates"`
		// TrustGating enables extension trust checks.
		TrustGating bool `yaml:"trustGating" json:"trustGating"`
		// Hierarchy enables recursive agent spawning.
		Hierarchy bool `yaml:"hierarchy" json:"hierarchy"`
	}

	// Caps are the team safety caps.
	Caps struct {
		// MaxTasks caps the number of tasks in the graph.
		MaxTasks int `yaml:"maxTasks" json:"maxTasks"`
		// MaxWorkers caps the concurrent worker pool.
		MaxWorkers int `yaml:"maxWorkers" json:"maxWorkers"`
		// MaxDepth caps recursive agent spawning.
		MaxDepth int `yaml:"maxDepth" json:"maxDepth"`
		// MaxRetries caps fallback retries.
		MaxRetries int `yaml:"maxRetries" json:"maxRetries"`
		// MaxCompensatingTasks caps tasks added to compensate for failures.
		MaxCompensatingTasks int `yaml:"maxCompensatingTasks" json:"maxCompensatingTasks"`
		// MaxRuntimeMs bounds the whole run.
		MaxRuntimeMs int64 `yaml:"maxRuntimeMs" json:"maxRuntimeMs"`
		// ReconcileCooldownMs is the advisory gap between reconciles.
		ReconcileCooldownMs int64 `yaml:"reconcileCooldownMs" json:"reconcileCooldownMs"`
		// HeartbeatStalenessMs is the busy-heartbeat staleness threshold.
		HeartbeatStalenessMs int64 `yaml:"heartbeatStalenessMs" json:"heartbeatStalenessMs"`
		// WorkerTimeoutMs is the per-task hard deadline.
		WorkerTimeoutMs int64 `yaml:"workerTimeoutMs" json:"workerTimeoutMs"`
	}

	// Phase is a team run phase.
	Phase string

	// Machine is the phase state machine. Illegal transitions return a
	// *ViolationError and leave the phase unchanged.
	Machine struct {
		mu    sync.Mutex
		phase Phase
	}

	// ViolationError reports an illegal phase transition.
	ViolationError struct {
		From Phase
		To   Phase
	}
)

const (
	PhaseIdle          Phase = "idle"
	PhasePlanning      Phase = "planning"
	PhaseAwaitApproval Phase = "await_approval"
	PhaseExecuting     Phase = "executing"
	PhaseReconciling   Phase = "reconciling"
	PhaseSynthesizing  Phase = "synthesizing"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
	PhaseAwaitUser     Phase = "await_user"
)

// DefaultCaps returns the safety cap defaults.
func DefaultCaps() Caps {
	return Caps{
		MaxTasks:             20,
		MaxWorkers:           5,
		MaxDepth:             0,
		MaxRetries:           2,
		MaxCompensatingTasks: 3,
		MaxRuntimeMs:         (10 * time.Minute).Milliseconds(),
		ReconcileCooldownMs:  (5 * time.Second).Milliseconds(),
		HeartbeatStalenessMs: (30 * time.Second).Milliseconds(),
		WorkerTimeoutMs:      (120 * time.Second).Milliseconds(),
	}
}

// Merge fills zero-valued caps from the defaults.
func (c Caps) Merge(defaults Caps) Caps {
	if c.MaxTasks == 0 {
		c.MaxTasks = defaults.MaxTasks
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaults.MaxWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxCompensatingTasks == 0 {
		c.MaxCompensatingTasks = defaults.MaxCompensatingTasks
	}
	if c.MaxRuntimeMs == 0 {
		c.MaxRuntimeMs = defaults.MaxRuntimeMs
	}
	if c.ReconcileCooldownMs == 0 {
		c.ReconcileCooldownMs = defaults.ReconcileCooldownMs
	}
	if c.HeartbeatStalenessMs == 0 {
		c.HeartbeatStalenessMs = defaults.HeartbeatStalenessMs
	}
	if c.WorkerTimeoutMs == 0 {
		c.WorkerTimeoutMs = defaults.WorkerTimeoutMs
	}
	return c
}

// transitions is the legal phase transition table.
var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhasePlanning},
	PhasePlanning:      {PhaseAwaitApproval, PhaseExecuting, PhaseFailed},
	PhaseExecuting:     {PhaseReconciling, PhaseSynthesizing, PhaseFailed, PhaseAwaitUser},
	PhaseReconciling:   {PhaseExecuting, PhaseSynthesizing, PhaseFailed, PhaseAwaitUser},
	PhaseSynthesizing:  {PhaseCompleted, PhaseFailed},
	PhaseCompleted:     {PhaseIdle},
	PhaseFailed:        {PhaseIdle},
	PhaseAwaitApproval: {PhaseExecuting, PhaseFailed, PhaseIdle},
	PhaseAwaitUser:     {PhaseExecuting, PhaseReconciling, PhaseFailed, PhaseIdle},
}

// Error implements error.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation: illegal phase transition %s -> %s", e.From, e.To)
}

// NewMachine constructs a machine in the idle phase.
func NewMachine() *Machine {
	return &Machine{phase: PhaseIdle}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves to the target phase if the transition is legal.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, legal := range transitions[m.phase] {
		if legal == to {
			m.phase = to
			return nil
		}
	}
	return &ViolationError{From: m.phase, To: to}
}
