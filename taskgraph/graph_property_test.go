package taskgraph

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genChainGraph produces a linear chain of 1..8 tasks where task i depends on
// task i-1. Priorities vary deterministically so claim ordering is exercised.
func genChainGraph() gopter.Gen {
	return gen.IntRange(1, 8).Map(func(n int) []Task {
		tasks := make([]Task, n)
		for i := 0; i < n; i++ {
			tasks[i] = Task{
				ID:          fmt.Sprintf("task-%d", i),
				Description: fmt.Sprintf("step %d", i),
				Priority:    float64((i * 7) % 5),
			}
			if i > 0 {
				tasks[i].BlockedBy = []string{fmt.Sprintf("task-%d", i-1)}
			}
		}
		return tasks
	})
}

// genOutcomes produces a success/failure flag per step.
func genOutcomes(n int) gopter.Gen {
	return gen.SliceOfN(n, gen.Bool())
}

func TestVersionMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("each applied patch increments the version by exactly one", prop.ForAll(
		func(tasks []Task, outcomes []bool) bool {
			g, err := New(tasks)
			if err != nil {
				return false
			}
			for i := 0; ; i++ {
				before := g.Version()
				claimed, err := g.ClaimReadyTasks(1)
				if err != nil {
					return false
				}
				if len(claimed) == 0 {
					break
				}
				if g.Version() != before+1 {
					return false
				}
				before = g.Version()
				success := outcomes[i%len(outcomes)]
				if success {
					err = g.ResolveTask(claimed[0].ID, StatusDone, "ok", "")
				} else {
					err = g.ResolveTask(claimed[0].ID, StatusFailed, "", "boom")
				}
				if err != nil {
					return false
				}
				if g.Version() != before+1 {
					return false
				}
				if !success {
					g.MarkBlockedTasksAsFailed()
					break
				}
			}
			return true
		},
		genChainGraph(),
		genOutcomes(8),
	))

	properties.TestingRun(t)
}

func TestStalePatchNeverMutatesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("patches against a stale version conflict and leave no trace", prop.ForAll(
		func(tasks []Task, staleOffset int) bool {
			g, err := New(tasks)
			if err != nil {
				return false
			}
			if _, err := g.ClaimReadyTasks(1); err != nil {
				return false
			}
			version := g.Version()
			events := len(g.Events())
			snapshot := g.Tasks()

			status := StatusDone
			res := g.ApplyPatch(Patch{Operations: []Operation{{
				Op: OpUpdateTask, TaskID: tasks[0].ID, Patch: &TaskPatch{Status: &status},
			}}}, version+staleOffset, "external", "stale write")
			if res.Applied || res.Conflict == nil {
				return false
			}
			if g.Version() != version || len(g.Events()) != events {
				return false
			}
			after := g.Tasks()
			for i := range snapshot {
				if snapshot[i].ID != after[i].ID || snapshot[i].Status != after[i].Status {
					return false
				}
			}
			return true
		},
		genChainGraph(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestReplayEquivalenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying recorded events reproduces the final (id, status) sequence", prop.ForAll(
		func(tasks []Task, outcomes []bool) bool {
			g, err := New(tasks)
			if err != nil {
				return false
			}
			for i := 0; ; i++ {
				claimed, err := g.ClaimReadyTasks(2)
				if err != nil {
					return false
				}
				if len(claimed) == 0 {
					break
				}
				for j, c := range claimed {
					if outcomes[(i+j)%len(outcomes)] {
						err = g.ResolveTask(c.ID, StatusDone, "ok", "")
					} else {
						err = g.ResolveTask(c.ID, StatusFailed, "", "boom")
					}
					if err != nil {
						return false
					}
				}
				g.MarkBlockedTasksAsFailed()
			}
			replayed, err := Replay(tasks, g.Events())
			if err != nil {
				return false
			}
			return Equivalent(replayed, g) && replayed.Version() == g.Version()
		},
		genChainGraph(),
		genOutcomes(8),
	))

	properties.TestingRun(t)
}

func TestTerminalImmutabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal tasks reject every status transition", prop.ForAll(
		func(tasks []Task, toDone bool, nextIdx int) bool {
			g, err := New(tasks)
			if err != nil {
				return false
			}
			claimed, err := g.ClaimReadyTasks(1)
			if err != nil || len(claimed) == 0 {
				return false
			}
			id := claimed[0].ID
			if toDone {
				err = g.ResolveTask(id, StatusDone, "ok", "")
			} else {
				err = g.ResolveTask(id, StatusFailed, "", "boom")
			}
			if err != nil {
				return false
			}
			current, _ := g.Task(id)
			all := []Status{StatusPending, StatusInProgress, StatusDone, StatusFailed, StatusDeferred}
			next := all[nextIdx%len(all)]
			if next == current.Status {
				return true
			}
			res := g.ApplyPatch(Patch{Operations: []Operation{{
				Op: OpUpdateTask, TaskID: id, Patch: &TaskPatch{Status: &next},
			}}}, g.Version(), "external", "illegal transition")
			return !res.Applied
		},
		genChainGraph(),
		gen.Bool(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
