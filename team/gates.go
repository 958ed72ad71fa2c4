package team

import (
	"fmt"
	"time"

	"github.com/ssenrah/harness/taskgraph"
	teampolicy "github.com/ssenrah/harness/team/policy"
)

type (
	// Gate is one regression gate verdict.
	Gate struct {
		// Name identifies the gate.
		Name string `json:"name"`
		// Passed reports the verdict.
		Passed bool `json:"passed"`
		// Detail explains the verdict.
		Detail string `json:"detail,omitempty"`
	}

	// GateReport is the post-run regression gate evaluation.
	GateReport struct {
		// Passed reports whether every gate passed.
		Passed bool `json:"passed"`
		// Gates lists the individual verdicts.
		Gates []Gate `json:"gates"`
	}
)

// evaluateGates runs the post-run regression gates: flag consistency, replay
// equivalence, cap enforcement, heartbeat hygiene, and trust gating.
func (c *Coordinator) evaluateGates(initial []taskgraph.Task, graph *taskgraph.Graph) *GateReport {
	report := &GateReport{Passed: true}
	add := func(name string, passed bool, detail string) {
		report.Gates = append(report.Gates, Gate{Name: name, Passed: passed, Detail: detail})
		if !passed {
			report.Passed = false
		}
	}

	// With the mutable-graph flag off, only scheduler-authored patches may
	// appear in the mutation history.
	if c.cfg.Flags.MutableGraph {
		add("mutable_graph", true, "external patches permitted")
	} else {
		external := 0
		for _, ev := range graph.Events() {
			if ev.Actor != "scheduler" {
				external++
			}
		}
		add("mutable_graph", external == 0, fmt.Sprintf("%d external patches with flag off", external))
	}

	if c.cfg.Flags.Reconcile {
		snap := c.tracker.Snapshot()
		add("reconcile", snap.LastTrigger != "", "last trigger: "+snap.LastTrigger)
	} else {
		add("reconcile", true, "flag off")
	}

	if c.cfg.Flags.TraceReplay {
		replayed, err := taskgraph.Replay(initial, graph.Events())
		switch {
		case err != nil:
			add("replay_equivalence", false, err.Error())
		case !taskgraph.Equivalent(replayed, graph):
			add("replay_equivalence", false, "replayed state diverges from original")
		default:
			add("replay_equivalence", true, fmt.Sprintf("replayed %d events", len(graph.Events())))
		}
	} else {
		add("replay_equivalence", true, "flag off")
	}

	taskCount := len(graph.Tasks())
	add("cap_enforcement", taskCount <= c.cfg.Caps.MaxTasks,
		fmt.Sprintf("%d tasks, cap %d", taskCount, c.cfg.Caps.MaxTasks))

	staleness := time.Duration(c.cfg.Caps.HeartbeatStalenessMs) * time.Millisecond
	stale := c.tracker.GetStaleHeartbeats(staleness, time.Now())
	add("heartbeat_policy", len(stale) == 0, fmt.Sprintf("%d stale heartbeats", len(stale)))

	if c.cfg.Flags.TrustGating {
		tier := c.cfg.TrustTier
		recognized := tier == teampolicy.TierUntrusted || tier == teampolicy.TierWorkspace ||
			tier == teampolicy.TierUser || tier == teampolicy.TierManaged
		add("trust_gating", recognized, "tier: "+string(tier))
	} else {
		add("trust_gating", true, "flag off")
	}

	return report
}
