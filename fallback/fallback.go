// Package fallback implements the bounded retry planner consulted after a
// failed tool call. It asks a cheap model for alternative invocations and
// executes them until one succeeds, the model gives up, or the retry budget
// runs out.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ssenrah/harness/intent"
	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/telemetry"
	"github.com/ssenrah/harness/tools"
)

type (
	// Attempt records one recovery try and its outcome.
	Attempt struct {
		// ToolName is the tool the planner suggested, or the failed original.
		ToolName string `json:"toolName"`
		// Input is the suggested input object.
		Input map[string]any `json:"input,omitempty"`
		// Error is the failure observed, empty on success.
		Error string `json:"error,omitempty"`
	}

	// Result is the outcome of a recovery run.
	Result struct {
		// Resolved reports whether a suggested invocation succeeded.
		Resolved bool
		// Output is the successful tool output when resolved.
		Output string
		// Attempts lists every try in order, the original failure first.
		Attempts []Attempt
		// Summary is a one-line account for logs and events.
		Summary string
	}

	// Options configures a Planner.
	Options struct {
		// Model produces alternative invocation suggestions.
		Model model.Client
		// ModelID names the suggestion model.
		ModelID string
		// MaxRetries bounds the number of suggestions requested. Zero applies
		// DefaultMaxRetries.
		MaxRetries int
		// Logger reports suggestion failures. Noop when nil.
		Logger telemetry.Logger
	}

	// Planner drives the recovery loop.
	Planner struct {
		client     model.Client
		modelID    string
		maxRetries int
		logger     telemetry.Logger
	}

	suggestion struct {
		ToolName *string        `json:"toolName"`
		Input    map[string]any `json:"input"`
	}
)

// DefaultMaxRetries is the suggestion budget when none is configured.
const DefaultMaxRetries = 2

// New constructs a Planner. The model client and id are required.
func New(opts Options) (*Planner, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("fallback: model client is required")
	}
	if opts.ModelID == "" {
		return nil, fmt.Errorf("fallback: model id is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Planner{client: opts.Model, modelID: opts.ModelID, maxRetries: maxRetries, logger: logger}, nil
}

// Recover attempts to resolve a failed tool call. available is the tool set
// the suggestions may draw from; failure is the error text of the original
// call.
func (p *Planner) Recover(ctx context.Context, decl intent.Declaration, failed model.ToolCall, failure string, available []tools.Tool) Result {
	res := Result{Attempts: []Attempt{{ToolName: failed.Name, Input: failed.Input, Error: failure}}}
	for i := 0; i < p.maxRetries; i++ {
		sug, err := p.suggest(ctx, decl, failed, failure, available, res.Attempts)
		if err != nil {
			p.logger.Warn(ctx, "fallback: suggestion failed", "attempt", i+1, "err", err)
			res.Attempts = append(res.Attempts, Attempt{Error: fmt.Sprintf("suggestion failed: %v", err)})
			continue
		}
		if sug.ToolName == nil {
			res.Summary = fmt.Sprintf("unresolved after %d attempts: planner gave up", len(res.Attempts))
			return res
		}
		tool, ok := tools.Find(available, tools.Ident(*sug.ToolName))
		if !ok {
			res.Attempts = append(res.Attempts, Attempt{
				ToolName: *sug.ToolName,
				Input:    sug.Input,
				Error:    fmt.Sprintf("unknown tool %q", *sug.ToolName),
			})
			continue
		}
		output, err := runTool(ctx, tool, sug.Input)
		if err != nil {
			res.Attempts = append(res.Attempts, Attempt{ToolName: string(tool.Name), Input: sug.Input, Error: err.Error()})
			continue
		}
		res.Resolved = true
		res.Output = output
		res.Attempts = append(res.Attempts, Attempt{ToolName: string(tool.Name), Input: sug.Input})
		res.Summary = fmt.Sprintf("resolved with %s after %d attempts", tool.Name, len(res.Attempts))
		return res
	}
	res.Summary = fmt.Sprintf("unresolved after %d attempts: retry budget exhausted", len(res.Attempts))
	return res
}

// suggest asks the model for a single alternative invocation. A null toolName
// in the reply means the planner has no further suggestion.
func (p *Planner) suggest(ctx context.Context, decl intent.Declaration, failed model.ToolCall, failure string, available []tools.Tool, prior []Attempt) (suggestion, error) {
	resp, err := p.client.Chat(ctx, &model.Request{
		Model: p.modelID,
		SystemPrompt: "You repair failed tool invocations. Given the intent, the failed call, and prior attempts, " +
			`suggest one alternative as a JSON object {"toolName": "<name>"|null, "input": {...}} and nothing else. ` +
			"Use null for toolName when no recovery is possible.",
		Messages:  []model.Message{model.NewUserText(p.prompt(decl, failed, failure, available, prior))},
		MaxTokens: 512,
	})
	if err != nil {
		return suggestion{}, err
	}
	text := strings.Join(resp.Texts, "\n")
	var sug suggestion
	if err := json.Unmarshal([]byte(extractJSON(text)), &sug); err != nil {
		return suggestion{}, fmt.Errorf("parse suggestion: %w", err)
	}
	return sug, nil
}

func (p *Planner) prompt(decl intent.Declaration, failed model.ToolCall, failure string, available []tools.Tool, prior []Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: tool=%s purpose=%s expected=%s risk=%s\n", decl.ToolName, decl.Purpose, decl.ExpectedOutcome, decl.RiskLevel)
	input, _ := json.Marshal(failed.Input)
	fmt.Fprintf(&b, "Failed call: %s(%s)\nFailure: %s\n", failed.Name, input, failure)
	names := make([]string, len(available))
	for i, t := range available {
		names[i] = string(t.Name)
	}
	b.WriteString("Available tools: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\nPrior attempts:\n")
	for i, a := range prior {
		fmt.Fprintf(&b, "%d. tool=%s error=%s\n", i+1, a.ToolName, a.Error)
	}
	return b.String()
}

// runTool executes a tool, folding panics and error-prefixed results into
// ordinary errors so the recovery loop can record them.
func runTool(ctx context.Context, tool tools.Tool, input map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	output, err = tool.Run(ctx, input)
	if err != nil {
		return "", err
	}
	if tools.IsErrorResult(output) {
		return "", fmt.Errorf("%s", output)
	}
	return output, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
