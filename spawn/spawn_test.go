package spawn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/policy"
	"github.com/ssenrah/harness/tools"
)

// echoClient answers every chat with a fixed completion.
type echoClient struct {
	text string
	err  error
}

func (e *echoClient) Chat(_ context.Context, _ *model.Request) (*model.Response, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &model.Response{Texts: []string{e.text}, StopReason: model.StopEndTurn}, nil
}

func (e *echoClient) ChatStream(_ context.Context, _ *model.Request, _ model.StreamCallbacks) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func intPtr(v int) *int { return &v }

func baseOptions(t *testing.T, provider model.Client) Options {
	t.Helper()
	return Options{
		Types: map[string]AgentType{
			"researcher": {
				Name:         "researcher",
				SystemPrompt: "You research sub-goals.",
			},
		},
		Provider:        provider,
		ParentModel:     "parent-model",
		ParentProfile:   policy.ProfileLocalPermissive,
		ParentSessionID: "parent-run",
		CurrentDepth:    0,
		MaxDepth:        3,
		BaseDir:         t.TempDir(),
	}
}

func runTool(t *testing.T, opts Options, input map[string]any) string {
	t.Helper()
	tool := NewTool(opts)
	out, err := tool.Run(context.Background(), input)
	require.NoError(t, err)
	return out
}

func TestSpawnRunsChildAndReturnsResponse(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "child findings"})
	out := runTool(t, opts, map[string]any{"agentType": "researcher", "prompt": "look into it"})
	require.Equal(t, "child findings", out)
}

func TestSpawnUnknownTypeIsError(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "x"})
	out := runTool(t, opts, map[string]any{"agentType": "auditor", "prompt": "p"})
	require.Equal(t, `Error: unknown agent type "auditor"`, out)
}

func TestSpawnDepthLimitDefaultsToOne(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "x"})
	opts.CurrentDepth = 1
	out := runTool(t, opts, map[string]any{"agentType": "researcher", "prompt": "p"})
	require.Equal(t, `Error: spawn depth 1 reached the limit 1 for agent type "researcher"`, out)
}

func TestSpawnDepthLimitIsMinOfRuntimeAndType(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "deep result"})
	opts.Types["researcher"] = AgentType{
		Name:      "researcher",
		Isolation: Isolation{MaxDepth: intPtr(5)},
	}
	opts.MaxDepth = 2

	opts.CurrentDepth = 1
	out := runTool(t, opts, map[string]any{"agentType": "researcher", "prompt": "p"})
	require.Equal(t, "deep result", out)

	opts.CurrentDepth = 2
	out = runTool(t, opts, map[string]any{"agentType": "researcher", "prompt": "p"})
	require.Contains(t, out, "reached the limit 2")
}

func TestSpawnDerivesChildSessionUnderParent(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "ok"})
	runTool(t, opts, map[string]any{"agentType": "researcher", "prompt": "p"})

	entries, err := os.ReadDir(filepath.Join(opts.BaseDir, "sessions"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Regexp(t, regexp.MustCompile(`^parent-run\.child-[0-9a-f]{8}$`), entries[0].Name())
}

func TestSpawnChildFailurePropagatesAsErrorResult(t *testing.T) {
	opts := baseOptions(t, &echoClient{err: fmt.Errorf("provider down")})
	out := runTool(t, opts, map[string]any{"agentType": "researcher", "prompt": "p"})
	require.True(t, strings.HasPrefix(out, "Error: child agent failed:"))
	require.Contains(t, out, "provider down")
}

func TestSpawnAppendsContextToPrompt(t *testing.T) {
	var seen string
	provider := &promptCapture{inner: &echoClient{text: "ok"}, captured: &seen}
	opts := baseOptions(t, provider)
	runTool(t, opts, map[string]any{
		"agentType": "researcher",
		"prompt":    "summarize the doc",
		"context":   "the doc is in /tmp/doc.txt",
	})
	require.Contains(t, seen, "summarize the doc")
	require.Contains(t, seen, "Context:\nthe doc is in /tmp/doc.txt")
}

// promptCapture records the first user message text it sees.
type promptCapture struct {
	inner    model.Client
	captured *string
}

func (p *promptCapture) Chat(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) > 0 {
		for _, part := range req.Messages[0].Parts {
			if text, ok := part.(model.TextPart); ok {
				*p.captured = text.Text
			}
		}
	}
	return p.inner.Chat(ctx, req)
}

func (p *promptCapture) ChatStream(_ context.Context, _ *model.Request, _ model.StreamCallbacks) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestChildToolSetIncludesDeeperSpawnWhenListed(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "ok"})
	agentType := AgentType{Name: "researcher", ToolPacks: []string{PackName}}

	resolved, err := childToolSet(opts, agentType, policy.ProfileStrict, "parent-run.child-deadbeef")
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, ToolName, resolved[0].Name)
}

func TestChildToolSetRequiresRegistryForPacks(t *testing.T) {
	opts := baseOptions(t, &echoClient{text: "ok"})
	agentType := AgentType{Name: "researcher", ToolPacks: []string{"web"}}

	_, err := childToolSet(opts, agentType, policy.ProfileLocalPermissive, "s")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no registry is configured")
}

func TestChildToolSetResolvesRegistryPacks(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterPack("web", []tools.Tool{{
		Name:        "fetch_url",
		Description: "Fetch a URL.",
		Run:         func(context.Context, map[string]any) (string, error) { return "", nil },
	}}))
	opts := baseOptions(t, &echoClient{text: "ok"})
	opts.Registry = registry
	agentType := AgentType{Name: "researcher", ToolPacks: []string{"web"}}

	resolved, err := childToolSet(opts, agentType, policy.ProfileLocalPermissive, "s")
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, tools.Ident("fetch_url"), resolved[0].Name)
}

func TestDeriveSessionID(t *testing.T) {
	child := deriveSessionID("parent-run")
	require.Regexp(t, regexp.MustCompile(`^parent-run\.child-[0-9a-f]{8}$`), child)

	orphan := deriveSessionID("")
	require.Regexp(t, regexp.MustCompile(`^child-[0-9a-f]{8}$`), orphan)

	require.NotEqual(t, deriveSessionID("p"), deriveSessionID("p"))
}
