package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/ssenrah/harness/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&noopDecoder{}, nil)
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func userRequest(text string) *model.Request {
	return &model.Request{Messages: []model.Message{model.NewUserText(text)}}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestChatTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.Equal(t, []string{"world"}, resp.Texts)
	require.Empty(t, resp.ToolCalls)
	require.Equal(t, model.StopEndTurn, resp.StopReason)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage)

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(128), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestChatDecodesToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "checking"},
			{Type: "tool_use", ID: "toolu_1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), userRequest("read a.txt"))
	require.NoError(t, err)
	require.Equal(t, model.StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.Equal(t, map[string]any{"path": "a.txt"}, resp.ToolCalls[0].Input)
}

func TestChatEncodesSystemPromptAndTools(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	req := userRequest("hi")
	req.SystemPrompt = "be terse"
	req.Tools = []model.ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file.",
		InputSchema: map[string]any{"type": "object"},
	}}
	_, err = cl.Chat(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "be terse", stub.lastParams.System[0].Text)
	require.Len(t, stub.lastParams.Tools, 1)
	require.Equal(t, int64(defaultMaxTokens), stub.lastParams.MaxTokens)
}

func TestChatEncodesToolResultMessages(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	req := &model.Request{Messages: []model.Message{
		model.NewUserText("read a.txt"),
		{Role: model.RoleAssistant, Parts: []model.Part{
			model.TextPart{Text: "reading"},
			model.ToolUsePart{ID: "toolu_1", Name: "read_file", Input: map[string]any{"path": "a.txt"}},
		}},
		{Role: model.RoleUser, Parts: []model.Part{
			model.ToolResultPart{ToolUseID: "toolu_1", Name: "read_file", Content: "contents"},
		}},
	}}
	_, err = cl.Chat(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 3)
}

func TestChatRejectsEmptyRequests(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), &model.Request{})
	require.Error(t, err)

	_, err = cl.Chat(context.Background(), &model.Request{Messages: []model.Message{{Role: "system"}}})
	require.Error(t, err)
}

func TestChatRequiresModel(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), userRequest("hi"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "model identifier is required")
}

func TestChatWrapsRateLimitErrors(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{StatusCode: 429}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), userRequest("hi"))
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestChatStreamEmptyStream(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	var deltas []string
	resp, err := cl.ChatStream(context.Background(), userRequest("hi"), model.StreamCallbacks{
		OnTextDelta: func(delta string) { deltas = append(deltas, delta) },
	})
	require.NoError(t, err)
	require.Empty(t, resp.Texts)
	require.Empty(t, deltas)
}
