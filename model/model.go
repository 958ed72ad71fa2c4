// Package model provides the provider-agnostic contract for LLM chat clients.
// It defines the unified message/content model that the turn loop, the team
// planner, and the provider adapters all share: implementations translate
// these normalized types into provider-specific formats (Anthropic, OpenAI)
// at the boundary and back out again.
package model

import (
	"context"
	"errors"
)

type (
	// Client defines the contract the runtime uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients should be thread-safe and reusable
	// across multiple runs.
	Client interface {
		// Chat sends a chat request to the model provider and returns the full
		// response. Returns an error if the provider is unavailable, quota is
		// exceeded, or the request is malformed. The context carries the
		// cancellation signal and must be honored by implementations.
		Chat(ctx context.Context, req *Request) (*Response, error)

		// ChatStream sends a chat request and forwards incremental text deltas
		// through the supplied callbacks while the response is assembled. The
		// returned Response is the same complete value Chat would have produced.
		// Providers that do not support streaming return ErrStreamingUnsupported;
		// callers then fall back to Chat and replay text blocks once.
		ChatStream(ctx context.Context, req *Request, cb StreamCallbacks) (*Response, error)
	}

	// StreamCallbacks carries the caller-supplied handlers invoked during a
	// streaming chat request. All fields are optional; nil handlers are skipped.
	StreamCallbacks struct {
		// OnTextDelta receives each incremental text fragment as the provider
		// produces it. Fragments concatenate to the full assistant text.
		OnTextDelta func(delta string)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g. "claude-sonnet-4-5", "gpt-4o").
		Model string

		// SystemPrompt is the system instruction prepended to the conversation.
		// Empty means no system prompt.
		SystemPrompt string

		// Messages is the ordered chat history provided to the model. Roles
		// alternate between user and assistant; content is typed parts.
		Messages []Message

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []ToolDefinition

		// MaxTokens caps the number of completion tokens the model can generate.
		// Zero means use the provider default.
		MaxTokens int
	}

	// Response wraps the generated content and any tool call requests from the
	// model provider.
	Response struct {
		// Texts contains the assistant text blocks in order. Empty if the model
		// only requested tool calls without generating text.
		Texts []string

		// ToolCalls lists the tool invocations requested by the model, in order.
		// Empty if the model produced a final text response.
		ToolCalls []ToolCall

		// StopReason explains why the model stopped generating. One of the
		// StopReason constants; providers map their native values onto these.
		StopReason StopReason

		// Usage reports token usage when the provider makes it available. All
		// fields are zero when usage is not reported.
		Usage TokenUsage
	}

	// Message is a single conversation message with typed content parts.
	Message struct {
		// Role is the message role: RoleUser or RoleAssistant.
		Role Role

		// Parts is the ordered content of the message. A plain text message is a
		// single TextPart.
		Parts []Part
	}

	// Part is a typed content block inside a conversation message. Concrete
	// types are TextPart, ToolUsePart, ToolResultPart, and ImagePart.
	Part interface {
		isPart()
	}

	// TextPart is a plain text content block.
	TextPart struct {
		Text string
	}

	// ToolUsePart records a tool invocation requested by the assistant.
	ToolUsePart struct {
		// ID is the provider-assigned identifier correlating the eventual result.
		ID string
		// Name identifies the requested tool.
		Name string
		// Input carries the JSON arguments generated by the model.
		Input map[string]any
	}

	// ToolResultPart carries a tool execution outcome back to the model.
	ToolResultPart struct {
		// ToolUseID references the ToolUsePart this result answers.
		ToolUseID string
		// Name identifies the tool that produced the result.
		Name string
		// Content is the textual tool output.
		Content string
		// IsError marks the result as a tool-level failure.
		IsError bool
	}

	// ImagePart embeds an inline image in a message.
	ImagePart struct {
		// MimeType is the image media type (e.g. "image/png").
		MimeType string
		// Base64Data is the base64-encoded image payload.
		Base64Data string
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool's input parameters,
		// typically a map[string]any with "type": "object" and "properties".
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model provider.
	ToolCall struct {
		// ID is the provider-assigned tool use identifier.
		ID string
		// Name identifies which tool should be invoked.
		Name string
		// Input carries the JSON arguments requested by the model.
		Input map[string]any
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and message history.
		InputTokens int
		// OutputTokens counts tokens produced by the model in this completion.
		OutputTokens int
		// TotalTokens is the aggregate (InputTokens + OutputTokens) unless the
		// provider reports it differently.
		TotalTokens int
	}

	// Role is a conversation message role.
	Role string

	// StopReason is the normalized reason a completion ended.
	StopReason string
)

const (
	// RoleUser marks end-user input messages.
	RoleUser Role = "user"
	// RoleAssistant marks model response messages.
	RoleAssistant Role = "assistant"
)

const (
	// StopEndTurn means the model produced a natural final response.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model requested tool execution.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the completion hit the token cap.
	StopMaxTokens StopReason = "max_tokens"
)

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Adapters wrap provider-specific errors with this sentinel so
// middleware can react uniformly.
var ErrRateLimited = errors.New("model: rate limited")

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ImagePart) isPart()      {}

// NewUserText builds a user message containing a single text part.
func NewUserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// NewAssistantText builds an assistant message containing a single text part.
func NewAssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the message's text parts in order, separated by newlines.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			if out != "" {
				out += "\n"
			}
			out += t.Text
		}
	}
	return out
}

// Add accumulates another usage record into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
