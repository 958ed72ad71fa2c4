// Package example holds runnable examples showing how the harness pieces fit
// together: a guarded single-agent run, a tool registry with policy and
// overseer attached, and a team run over a scripted planner. The examples use
// scripted model clients so they run offline; production wiring swaps in the
// adapters under features/model.
package example
