// Command demo runs one guarded agent turn against a scripted model client
// and prints the outcome. It exists to show the minimal wiring; swap the
// scripted client for an Anthropic or OpenAI adapter to talk to a real
// provider.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ssenrah/harness/agent"
	"github.com/ssenrah/harness/model"
)

// scriptedClient replays canned responses in order.
type scriptedClient struct {
	responses []*model.Response
	calls     int
}

func (s *scriptedClient) Chat(_ context.Context, _ *model.Request) (*model.Response, error) {
	if s.calls >= len(s.responses) {
		return &model.Response{Texts: []string{"done"}, StopReason: model.StopEndTurn}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *scriptedClient) ChatStream(_ context.Context, _ *model.Request, _ model.StreamCallbacks) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func main() {
	ctx := context.Background()

	baseDir, err := os.MkdirTemp("", "harness-demo")
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	provider := &scriptedClient{responses: []*model.Response{
		{
			Texts: []string{
				`<intent>{"toolName": "list_dir", "purpose": "see what is here", "expectedOutcome": "directory listing", "riskLevel": "read"}</intent>`,
			},
			ToolCalls: []model.ToolCall{
				{ID: "call-1", Name: "list_dir", Input: map[string]any{"path": baseDir}},
			},
			StopReason: model.StopToolUse,
		},
		{
			Texts:      []string{"The directory is empty."},
			StopReason: model.StopEndTurn,
		},
	}}

	a, err := agent.New(agent.Options{
		Provider:  provider,
		Model:     "demo-model",
		SessionID: "demo",
		BaseDir:   baseDir,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
	defer a.Close()

	result, err := a.Run(ctx, "what is in the working directory?")
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}

	fmt.Println("status:  ", result.Status)
	fmt.Println("tools:   ", result.ToolsUsed)
	fmt.Println("response:", result.Response)
}
