package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/stretchr/testify/require"

	"github.com/ssenrah/harness/model"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = params
	return s.resp, s.err
}

// completionFromJSON builds a ChatCompletion the way the SDK would, from wire
// JSON, so tests do not depend on the union struct layout.
func completionFromJSON(t *testing.T, raw string) *sdk.ChatCompletion {
	t.Helper()
	var completion sdk.ChatCompletion
	require.NoError(t, json.Unmarshal([]byte(raw), &completion))
	return &completion
}

func userRequest(text string) *model.Request {
	return &model.Request{Messages: []model.Message{model.NewUserText(text)}}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestChatTextOnly(t *testing.T) {
	stub := &stubChatClient{resp: completionFromJSON(t, `{
		"choices": [{"finish_reason": "stop", "message": {"role": "assistant", "content": "hi there"}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.Equal(t, []string{"hi there"}, resp.Texts)
	require.Empty(t, resp.ToolCalls)
	require.Equal(t, model.StopEndTurn, resp.StopReason)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestChatDecodesToolCalls(t *testing.T) {
	stub := &stubChatClient{resp: completionFromJSON(t, `{
		"choices": [{"finish_reason": "tool_calls", "message": {"role": "assistant", "tool_calls": [
			{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"query\":\"docs\"}"}}
		]}}]
	}`)}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), userRequest("look up the docs"))
	require.NoError(t, err)
	require.Equal(t, model.StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call_1", resp.ToolCalls[0].ID)
	require.Equal(t, "lookup", resp.ToolCalls[0].Name)
	require.Equal(t, map[string]any{"query": "docs"}, resp.ToolCalls[0].Input)
}

func TestChatMapsLengthFinishReason(t *testing.T) {
	stub := &stubChatClient{resp: completionFromJSON(t, `{
		"choices": [{"finish_reason": "length", "message": {"role": "assistant", "content": "trunc"}}]
	}`)}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	require.Equal(t, model.StopMaxTokens, resp.StopReason)
}

func TestChatEncodesRequest(t *testing.T) {
	stub := &stubChatClient{resp: completionFromJSON(t, `{
		"choices": [{"finish_reason": "stop", "message": {"role": "assistant", "content": "ok"}}]
	}`)}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	req := &model.Request{
		Model:        "gpt-4o-mini",
		SystemPrompt: "be terse",
		MaxTokens:    256,
		Messages: []model.Message{
			model.NewUserText("read a.txt"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.TextPart{Text: "reading"},
				model.ToolUsePart{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "a.txt"}},
			}},
			{Role: model.RoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call_1", Name: "read_file", Content: "contents"},
			}},
		},
		Tools: []model.ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file.",
			InputSchema: map[string]any{"type": "object"},
		}},
	}
	_, err = cl.Chat(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, "gpt-4o-mini", string(stub.lastParams.Model))
	require.Equal(t, int64(256), stub.lastParams.MaxCompletionTokens.Value)
	// System + user + assistant + tool result.
	require.Len(t, stub.lastParams.Messages, 4)
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestChatRejectsImageParts(t *testing.T) {
	cl, err := New(Options{Client: &stubChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), &model.Request{Messages: []model.Message{
		{Role: model.RoleUser, Parts: []model.Part{model.ImagePart{MimeType: "image/png", Base64Data: "aGk="}}},
	}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "image parts are not supported")
}

func TestChatRequiresModel(t *testing.T) {
	cl, err := New(Options{Client: &stubChatClient{}})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), userRequest("hi"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "model identifier is required")
}

func TestChatWrapsRateLimitErrors(t *testing.T) {
	stub := &stubChatClient{err: &sdk.Error{StatusCode: 429}}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), userRequest("hi"))
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestChatEmptyChoicesIsError(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), userRequest("hi"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestChatStreamUnsupported(t *testing.T) {
	cl, err := New(Options{Client: &stubChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.ChatStream(context.Background(), userRequest("hi"), model.StreamCallbacks{})
	require.True(t, errors.Is(err, model.ErrStreamingUnsupported))
}
