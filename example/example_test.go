package example_test

import (
	"context"
	"fmt"
	"os"

	"github.com/ssenrah/harness/agent"
	"github.com/ssenrah/harness/beholder"
	"github.com/ssenrah/harness/fallback"
	"github.com/ssenrah/harness/intent"
	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/policy"
	"github.com/ssenrah/harness/taskgraph"
	"github.com/ssenrah/harness/team"
	teampolicy "github.com/ssenrah/harness/team/policy"
	"github.com/ssenrah/harness/tools"
)

// scripted replays canned responses in order, then repeats the last one.
type scripted struct {
	responses []*model.Response
	calls     int
}

func (s *scripted) Chat(_ context.Context, _ *model.Request) (*model.Response, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func (s *scripted) ChatStream(_ context.Context, _ *model.Request, _ model.StreamCallbacks) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func text(s string) *model.Response {
	return &model.Response{Texts: []string{s}, StopReason: model.StopEndTurn}
}

// Example_agent wires a guarded single-agent run: a custom tool, the default
// policy profile, the beholder overseer, and a fallback planner.
func Example_agent() {
	baseDir, _ := os.MkdirTemp("", "harness-example")
	defer os.RemoveAll(baseDir)

	provider := &scripted{responses: []*model.Response{
		{
			Texts: []string{
				`<intent>{"toolName": "weather", "purpose": "answer the user", "expectedOutcome": "a forecast", "riskLevel": "read"}</intent>`,
			},
			ToolCalls:  []model.ToolCall{{ID: "call-1", Name: "weather", Input: map[string]any{"city": "Lisbon"}}},
			StopReason: model.StopToolUse,
		},
		text("It is sunny in Lisbon."),
	}}

	weather := tools.Tool{
		Name:        "weather",
		Description: "Report the weather for a city.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []string{"city"},
		},
		Run: func(_ context.Context, input map[string]any) (string, error) {
			return fmt.Sprintf("sunny in %v", input["city"]), nil
		},
	}

	fb, err := fallback.New(fallback.Options{Model: provider, ModelID: "example-model"})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	a, err := agent.New(agent.Options{
		Provider:  provider,
		Model:     "example-model",
		Tools:     []tools.Tool{weather},
		Beholder:  beholder.New(beholder.Options{TokenBudget: 100000}),
		Fallback:  fb,
		SessionID: "example",
		BaseDir:   baseDir,
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer a.Close()

	result, err := a.Run(context.Background(), "what is the weather in Lisbon?")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(result.Status)
	fmt.Println(result.ToolsUsed)
	// Output:
	// completed
	// [weather]
}

// Example_approval shows an approval handler settling a policy hold: the
// strict profile suspends write calls unless a handler approves them.
func Example_approval() {
	engine, err := policy.New(policy.Options{
		Profile: policy.ProfileStrict,
		Approval: func(_ context.Context, req policy.ApprovalRequest) (policy.Approval, error) {
			if req.ToolName == "write_file" {
				return policy.Approve, nil
			}
			return policy.Reject, nil
		},
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	decision := engine.Evaluate(context.Background(), "write_file", intent.RiskWrite, 1)
	fmt.Println(decision.Action, decision.Reason)
	// Output:
	// allow approved_by_handler:write_file (write)
}

// Example_team runs a two-task goal through the coordinator: the scripted
// planner decomposes the goal, workers execute both tasks, and the planner
// synthesizes the outcome.
func Example_team() {
	planner := &scripted{responses: []*model.Response{
		text(`[{"id": "fetch", "description": "fetch the data"},
		       {"id": "report", "description": "write the report", "blockedBy": ["fetch"]}]`),
		text("Fetched the data and wrote the report."),
	}}

	coord, err := team.New(team.Options{
		Planner:      planner,
		PlannerModel: "example-model",
		Worker: func(_ context.Context, _ string, task taskgraph.Task) (string, error) {
			return "finished " + task.ID, nil
		},
		Config: teampolicy.Config{Flags: teampolicy.Flags{Reconcile: true}},
		RunID:  "example-run",
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	result, err := coord.Run(context.Background(), "fetch the data and write a report")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(result.Success)
	for _, task := range result.Tasks {
		fmt.Println(task.ID, task.Status, task.Result)
	}
	fmt.Println(result.Summary)
	// Output:
	// true
	// fetch done finished fetch
	// report done finished report
	// Fetched the data and wrote the report.
}
