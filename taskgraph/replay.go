package taskgraph

import "fmt"

// Replay reconstructs a graph from the initial task list and the recorded
// mutation events, applying each patch in order against its recorded expected
// version. After each apply the replayed version must equal the event's
// recorded post-apply version; any divergence fails with a diagnostic. A
// successful replay yields a graph whose (id, status) sequence matches the
// original.
func Replay(initial []Task, events []MutationEvent) (*Graph, error) {
	g, err := New(initial)
	if err != nil {
		return nil, fmt.Errorf("taskgraph: replay init: %w", err)
	}
	for i, ev := range events {
		res := g.ApplyPatch(ev.Patch, ev.ExpectedVersion, ev.Actor, ev.Reason)
		if !res.Applied {
			return nil, fmt.Errorf("taskgraph: replay event %d (%s): %s", i, ev.ID, res.Error)
		}
		if res.Version != ev.GraphVersion {
			return nil, fmt.Errorf("taskgraph: replay event %d (%s): version %d, recorded %d",
				i, ev.ID, res.Version, ev.GraphVersion)
		}
	}
	return g, nil
}

// Equivalent compares two graphs by their (id, status) sequences. Used by the
// trace-replay regression gate.
func Equivalent(a, b *Graph) bool {
	at, bt := a.Tasks(), b.Tasks()
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		if at[i].ID != bt[i].ID || at[i].Status != bt[i].Status {
			return false
		}
	}
	return true
}
