// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go. Streaming is not
// supported by this adapter; callers fall back to Chat and replay text blocks
// once.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/ssenrah/harness/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	ChatClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Client is the chat completions client. Required.
		Client ChatClient
		// DefaultModel is used when a request does not name a model.
		DefaultModel string
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
	}
)

var _ model.Client = (*Client)(nil)

// New builds an adapter from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: opts.Client, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs an adapter using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Chat.Completions, DefaultModel: defaultModel})
}

// Chat issues a chat completion request.
func (c *Client) Chat(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return decodeResponse(completion)
}

// ChatStream reports that streaming is not supported by this adapter.
func (c *Client) ChatStream(context.Context, *model.Request, model.StreamCallbacks) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}

	var messages []sdk.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, sdk.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, encoded...)
	}

	params := &sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

// encodeMessage maps one harness message onto the Chat Completions shapes.
// Tool results become individual tool messages; assistant tool uses become
// tool calls on the assistant message.
func encodeMessage(m model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	var text string
	var toolUses []model.ToolUsePart
	var toolResults []model.ToolResultPart
	for _, part := range m.Parts {
		switch v := part.(type) {
		case model.TextPart:
			if v.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += v.Text
			}
		case model.ToolUsePart:
			toolUses = append(toolUses, v)
		case model.ToolResultPart:
			toolResults = append(toolResults, v)
		case model.ImagePart:
			return nil, errors.New("openai: image parts are not supported by this adapter")
		default:
			return nil, fmt.Errorf("openai: unsupported content part %T", part)
		}
	}

	var out []sdk.ChatCompletionMessageParamUnion
	switch m.Role {
	case model.RoleUser:
		for _, tr := range toolResults {
			content := tr.Content
			if tr.IsError && content == "" {
				content = "Error"
			}
			out = append(out, sdk.ToolMessage(content, tr.ToolUseID))
		}
		if text != "" {
			out = append(out, sdk.UserMessage(text))
		}
	case model.RoleAssistant:
		assistant := sdk.ChatCompletionAssistantMessageParam{}
		if text != "" {
			assistant.Content.OfString = sdk.String(text)
		}
		for _, tu := range toolUses {
			args, err := json.Marshal(tu.Input)
			if err != nil {
				return nil, fmt.Errorf("openai: encode tool arguments for %q: %w", tu.Name, err)
			}
			assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tu.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tu.Name,
						Arguments: string(args),
					},
				},
			})
		}
		out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if def.InputSchema != nil {
			data, err := json.Marshal(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			var params shared.FunctionParameters
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = params
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

func decodeResponse(completion *sdk.ChatCompletion) (*model.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("openai: completion has no choices")
	}
	choice := completion.Choices[0]
	resp := &model.Response{}
	if choice.Message.Content != "" {
		resp.Texts = append(resp.Texts, choice.Message.Content)
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if args := tc.Function.Arguments; args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return nil, fmt.Errorf("openai: decode tool arguments for %q: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	switch choice.FinishReason {
	case "tool_calls":
		resp.StopReason = model.StopToolUse
	case "length":
		resp.StopReason = model.StopMaxTokens
	default:
		resp.StopReason = model.StopEndTurn
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:  int(completion.Usage.TotalTokens),
	}
	return resp, nil
}
