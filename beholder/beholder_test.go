package beholder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssenrah/harness/intent"
	"github.com/ssenrah/harness/model"
)

type scriptedClient struct {
	responses []string
	calls     int
	err       error
}

func (c *scriptedClient) Chat(context.Context, *model.Request) (*model.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	text := c.responses[c.calls%len(c.responses)]
	c.calls++
	return &model.Response{Texts: []string{text}, StopReason: model.StopEndTurn}, nil
}

func (c *scriptedClient) ChatStream(context.Context, *model.Request, model.StreamCallbacks) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current }, func(d time.Duration) { current = current.Add(d) }
}

func readDecl(tool string) intent.Declaration {
	return intent.Declaration{ToolName: tool, Purpose: "p", ExpectedOutcome: "o", RiskLevel: intent.RiskRead}
}

func TestOKVerdict(t *testing.T) {
	o := New(Options{})
	v := o.Evaluate(context.Background(), readDecl("read_file"), model.ToolCall{Name: "read_file", Input: map[string]any{"path": "a"}}, nil)
	require.Equal(t, ActionOK, v.Action)
}

func TestLoopDetection(t *testing.T) {
	o := New(Options{})
	call := model.ToolCall{Name: "read_file", Input: map[string]any{"path": "same.txt"}}
	ctx := context.Background()

	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("read_file"), call, nil).Action)
	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("read_file"), call, nil).Action)
	v := o.Evaluate(ctx, readDecl("read_file"), call, nil)
	require.Equal(t, ActionKill, v.Action)
	require.Equal(t, "Loop detected", v.Reason)
}

func TestLoopRequiresIdenticalInput(t *testing.T) {
	o := New(Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		call := model.ToolCall{Name: "read_file", Input: map[string]any{"path": fmt.Sprintf("file-%d", i)}}
		require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("read_file"), call, nil).Action)
	}
}

func TestLoopRequiresSameTool(t *testing.T) {
	o := New(Options{})
	ctx := context.Background()
	input := map[string]any{"path": "x"}
	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("read_file"), model.ToolCall{Name: "read_file", Input: input}, nil).Action)
	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("list_dir"), model.ToolCall{Name: "list_dir", Input: input}, nil).Action)
	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("read_file"), model.ToolCall{Name: "read_file", Input: input}, nil).Action)
}

func TestTokenBudgetKill(t *testing.T) {
	o := New(Options{TokenBudget: 100})
	ctx := context.Background()

	v := o.Evaluate(ctx, readDecl("a"), model.ToolCall{Name: "a"}, &model.TokenUsage{TotalTokens: 60})
	require.Equal(t, ActionOK, v.Action)
	require.Equal(t, 60, o.TotalTokens())

	v = o.Evaluate(ctx, readDecl("b"), model.ToolCall{Name: "b"}, &model.TokenUsage{TotalTokens: 50})
	require.Equal(t, ActionKill, v.Action)
	require.Equal(t, "Token budget exceeded", v.Reason)
}

func TestTokenBudgetDisabledWhenZero(t *testing.T) {
	o := New(Options{})
	v := o.Evaluate(context.Background(), readDecl("a"), model.ToolCall{Name: "a"}, &model.TokenUsage{TotalTokens: 1 << 20})
	require.Equal(t, ActionOK, v.Action)
}

func TestRateLimitPause(t *testing.T) {
	now, _ := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	o := New(Options{MaxCallsPerMinute: 3, Now: now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		call := model.ToolCall{Name: "t", Input: map[string]any{"i": i}}
		require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("t"), call, nil).Action)
	}
	v := o.Evaluate(ctx, readDecl("t"), model.ToolCall{Name: "t", Input: map[string]any{"i": 99}}, nil)
	require.Equal(t, ActionPause, v.Action)
	require.Equal(t, "Rate limit", v.Reason)
}

func TestRateWindowSlides(t *testing.T) {
	now, advance := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	o := New(Options{MaxCallsPerMinute: 2, Now: now})
	ctx := context.Background()

	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("t"), model.ToolCall{Name: "t", Input: map[string]any{"i": 1}}, nil).Action)
	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("t"), model.ToolCall{Name: "t", Input: map[string]any{"i": 2}}, nil).Action)

	advance(61 * time.Second)
	require.Equal(t, ActionOK, o.Evaluate(ctx, readDecl("t"), model.ToolCall{Name: "t", Input: map[string]any{"i": 3}}, nil).Action)
}

func driftEvaluate(t *testing.T, o *Overseer, n int) Verdict {
	t.Helper()
	ctx := context.Background()
	var v Verdict
	for i := 0; i < n; i++ {
		call := model.ToolCall{Name: "t", Input: map[string]any{"i": i}}
		v = o.Evaluate(ctx, readDecl("t"), call, nil)
	}
	return v
}

func TestDriftCheckEveryFifthEvaluation(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"aligned": true, "reason": ""}`}}
	o := New(Options{Model: client, ModelID: "m", MaxCallsPerMinute: 100})

	driftEvaluate(t, o, 4)
	require.Equal(t, 0, client.calls)
	v := driftEvaluate(t, o, 1)
	require.Equal(t, 1, client.calls)
	require.Equal(t, ActionOK, v.Action)
}

func TestDriftWarnThenKill(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"aligned": false, "reason": "off the rails"}`}}
	o := New(Options{Model: client, ModelID: "m", DriftThreshold: 2, MaxCallsPerMinute: 100})

	v := driftEvaluate(t, o, 5)
	require.Equal(t, ActionWarn, v.Action)
	require.Equal(t, "off the rails", v.Reason)

	v = driftEvaluate(t, o, 5)
	require.Equal(t, ActionKill, v.Action)
}

func TestDriftStrikesResetOnAligned(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"aligned": false, "reason": "r1"}`,
		`{"aligned": true, "reason": ""}`,
		`{"aligned": false, "reason": "r2"}`,
	}}
	o := New(Options{Model: client, ModelID: "m", DriftThreshold: 2, MaxCallsPerMinute: 100})

	require.Equal(t, ActionWarn, driftEvaluate(t, o, 5).Action)
	require.Equal(t, ActionOK, driftEvaluate(t, o, 5).Action)
	// Strikes were reset; the next misaligned verdict warns instead of killing.
	require.Equal(t, ActionWarn, driftEvaluate(t, o, 5).Action)
}

func TestDriftFailuresAreNonFatal(t *testing.T) {
	client := &scriptedClient{err: errors.New("provider down")}
	o := New(Options{Model: client, ModelID: "m", MaxCallsPerMinute: 100})
	v := driftEvaluate(t, o, 5)
	require.Equal(t, ActionOK, v.Action)
}

func TestDriftUnparseableIsNonFatal(t *testing.T) {
	client := &scriptedClient{responses: []string{"I cannot answer in JSON, sorry."}}
	o := New(Options{Model: client, ModelID: "m", MaxCallsPerMinute: 100})
	v := driftEvaluate(t, o, 5)
	require.Equal(t, ActionOK, v.Action)
}

func TestDriftVerdictWithProseWrapper(t *testing.T) {
	client := &scriptedClient{responses: []string{"Here is my verdict: {\"aligned\": false, \"reason\": \"wandering\"} hope that helps"}}
	o := New(Options{Model: client, ModelID: "m", MaxCallsPerMinute: 100})
	v := driftEvaluate(t, o, 5)
	require.Equal(t, ActionWarn, v.Action)
	require.Equal(t, "wandering", v.Reason)
}
