// Package agent implements the guarded chat/tool turn loop. One logical
// thread of execution drives the model through chat plus tool-call cycles,
// gated by intent declarations, the policy engine, the beholder overseer, and
// the fallback planner, with every step recorded to the event log and the
// terminal state persisted as a checkpoint.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssenrah/harness/beholder"
	"github.com/ssenrah/harness/checkpoint"
	"github.com/ssenrah/harness/eventlog"
	"github.com/ssenrah/harness/fallback"
	"github.com/ssenrah/harness/intent"
	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/policy"
	"github.com/ssenrah/harness/session"
	"github.com/ssenrah/harness/telemetry"
	"github.com/ssenrah/harness/tools"
)

type (
	// Status is the terminal status of a run.
	Status string

	// Result is the outcome of a run.
	Result struct {
		// Status is the terminal status.
		Status Status
		// Response is the accumulated assistant text across all turns.
		Response string
		// ToolsUsed lists executed tool names in call order.
		ToolsUsed []string
		// Usage is the cumulative token usage.
		Usage model.TokenUsage
		// Phase is the checkpoint phase recorded for the run.
		Phase checkpoint.Phase
		// Reason explains non-completed statuses.
		Reason string
	}

	// Settings is the mutable bundle pre-run hooks operate on.
	Settings struct {
		// Model is the effective model id. Must be non-empty after hooks.
		Model string
		// SystemPrompt is the effective system prompt.
		SystemPrompt string
		// Tools is the effective tool set. Deduplicated again after hooks.
		Tools []tools.Tool
	}

	// HookView is the read-only context handed to pre-run hooks.
	HookView struct {
		// History is the conversation so far.
		History []model.Message
		// Registry is the tool registry the agent resolves packs from. May be nil.
		Registry *tools.Registry
	}

	// Hook mutates the settings bundle before the first provider call. Hooks
	// run in registration order; an error aborts the run.
	Hook func(ctx context.Context, s *Settings, view HookView) error

	// Options configures an Agent.
	Options struct {
		// Provider is the LLM client. Required.
		Provider model.Client
		// Model is the model id. Required unless a hook supplies one.
		Model string
		// SystemPrompt is the base system prompt.
		SystemPrompt string
		// Tools is the explicit tool set. Wins over ToolPacks and defaults.
		Tools []tools.Tool
		// ToolPacks names registry packs to resolve. Requires Registry.
		ToolPacks []string
		// Registry resolves ToolPacks. Optional.
		Registry *tools.Registry
		// MaxTokens caps completion tokens per provider call.
		MaxTokens int
		// MaxTurns bounds the turn cycle. Zero applies DefaultMaxTurns.
		MaxTurns int
		// SessionID scopes event log and checkpoints. Empty generates a fresh
		// safe id.
		SessionID string
		// BaseDir is the session base directory. Empty applies the default.
		BaseDir string
		// AgentID identifies this agent in events. Defaults to "agent".
		AgentID string
		// Policy is a prebuilt policy engine. When nil one is constructed from
		// Profile and Approval.
		Policy *policy.Engine
		// Profile selects the policy profile when Policy is nil.
		Profile policy.Profile
		// Approval optionally settles await_user decisions when Policy is nil.
		Approval policy.ApprovalHandler
		// Beholder optionally attaches the behavioral overseer.
		Beholder *beholder.Overseer
		// Fallback optionally attaches the recovery planner.
		Fallback *fallback.Planner
		// Hooks run against the settings bundle before the first provider call.
		Hooks []Hook
		// DisableIntentGate turns off intent declarations and the gate.
		DisableIntentGate bool
		// OnTextDelta receives streamed assistant text. When the provider does
		// not stream, complete text blocks are replayed once after receipt.
		OnTextDelta func(delta string)
		// Events overrides the event log. When nil a file-backed log is created
		// at <baseDir>/sessions/<sessionId>/events.jsonl.
		Events *eventlog.Log
		// Checkpoints overrides the checkpoint store. When nil a filesystem
		// store on BaseDir is used.
		Checkpoints checkpoint.Store
		// Logger reports non-fatal failures. Noop when nil.
		Logger telemetry.Logger
		// Metrics records counters and durations. Noop when nil.
		Metrics telemetry.Metrics
		// Tracer records run and provider-call spans. Noop when nil.
		Tracer telemetry.Tracer
	}

	// Agent is a configured turn loop. Construct with New, drive with Run.
	Agent struct {
		provider    model.Client
		modelID     string
		system      string
		tools       []tools.Tool
		maxTokens   int
		maxTurns    int
		sessionID   string
		agentID     string
		policy      *policy.Engine
		overseer    *beholder.Overseer
		fb          *fallback.Planner
		hooks       []Hook
		requireGate bool
		onDelta     func(string)
		events      *eventlog.Log
		ownsEvents  bool
		checkpoints checkpoint.Store
		registry    *tools.Registry
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
	}
)

const (
	// StatusCompleted means the model produced a final response.
	StatusCompleted Status = "completed"
	// StatusAwaitUser means a policy hold suspended the run.
	StatusAwaitUser Status = "await_user"
	// StatusFailed means a deny, kill, or provider failure ended the run.
	StatusFailed Status = "failed"
	// StatusCancelled means the cancellation signal was observed.
	StatusCancelled Status = "cancelled"
	// StatusMaxTurns means the turn budget ran out.
	StatusMaxTurns Status = "max_turns"
	// StatusMaxTokens means the provider stopped at the token cap.
	StatusMaxTokens Status = "max_tokens"
)

// DefaultMaxTurns bounds the turn cycle when no limit is configured.
const DefaultMaxTurns = 20

// terminalCheckpointID names the checkpoint written at run termination.
const terminalCheckpointID = "final"

// New constructs an Agent. The effective tool set is resolved by precedence:
// explicit Tools, then ToolPacks from the registry, then the default pack,
// deduplicated by name with later sources winning.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = session.NewID()
	} else if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		var err error
		baseDir, err = session.DefaultBaseDir()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	engine := opts.Policy
	if engine == nil {
		var err error
		engine, err = policy.New(policy.Options{Profile: opts.Profile, Approval: opts.Approval})
		if err != nil {
			return nil, err
		}
	}

	var packTools []tools.Tool
	if len(opts.ToolPacks) > 0 {
		if opts.Registry == nil {
			return nil, fmt.Errorf("agent: tool packs require a registry")
		}
		var err error
		packTools, err = opts.Registry.Resolve(opts.ToolPacks)
		if err != nil {
			return nil, err
		}
	}
	toolSet := tools.Dedupe(tools.DefaultPack(), packTools, opts.Tools)

	events := opts.Events
	ownsEvents := false
	if events == nil {
		var err error
		events, err = eventlog.New(eventlog.Options{
			FilePath: session.EventsPath(baseDir, sessionID),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		ownsEvents = true
	}

	store := opts.Checkpoints
	if store == nil {
		var err error
		store, err = checkpoint.NewFSStore(baseDir)
		if err != nil {
			return nil, err
		}
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	agentID := opts.AgentID
	if agentID == "" {
		agentID = "agent"
	}

	return &Agent{
		provider:    newTracedClient(opts.Provider, tracer, logger),
		modelID:     opts.Model,
		system:      opts.SystemPrompt,
		tools:       toolSet,
		maxTokens:   opts.MaxTokens,
		maxTurns:    maxTurns,
		sessionID:   sessionID,
		agentID:     agentID,
		policy:      engine,
		overseer:    opts.Beholder,
		fb:          opts.Fallback,
		hooks:       opts.Hooks,
		requireGate: !opts.DisableIntentGate,
		onDelta:     opts.OnTextDelta,
		events:      events,
		ownsEvents:  ownsEvents,
		checkpoints: store,
		registry:    opts.Registry,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
	}, nil
}

// SessionID returns the session the agent logs and checkpoints under.
func (a *Agent) SessionID() string { return a.sessionID }

// Events returns the agent's event log.
func (a *Agent) Events() *eventlog.Log { return a.events }

// Close releases the event log when the agent owns it.
func (a *Agent) Close() error {
	if !a.ownsEvents {
		return nil
	}
	return a.events.Close()
}

// Run drives the turn loop for the given goal until a terminal status. The
// context carries the cancellation signal; cancellation observed at a turn
// boundary or between tool calls yields status cancelled. Provider failures
// finalize the run as failed and are also returned so callers can inspect the
// cause; all other terminal statuses return a nil error.
func (a *Agent) Run(ctx context.Context, goal string) (res *Result, err error) {
	ctx, span := a.tracer.Start(
		ctx,
		"agent.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("harness.agent_id", a.agentID),
			attribute.String("harness.session_id", a.sessionID),
		),
	)
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		case res != nil:
			span.SetStatus(codes.Ok, string(res.Status))
		}
		span.End()
	}()

	start := time.Now()
	defer func() {
		a.metrics.RecordTimer("agent.run", time.Since(start), "agent", a.agentID)
	}()

	settings := Settings{Model: a.modelID, SystemPrompt: a.system, Tools: a.tools}
	history := []model.Message{model.NewUserText(goal)}
	for _, hook := range a.hooks {
		if err := hook(ctx, &settings, HookView{History: history, Registry: a.registry}); err != nil {
			return nil, fmt.Errorf("agent: pre-run hook: %w", err)
		}
	}
	if settings.Model == "" {
		return nil, fmt.Errorf("agent: no model configured")
	}
	settings.Tools = tools.Dedupe(settings.Tools)
	if a.requireGate {
		if settings.SystemPrompt != "" {
			settings.SystemPrompt += "\n\n"
		}
		settings.SystemPrompt += intent.Instructions
	}

	run := &runState{goal: goal, settings: settings, history: history}
	for turn := 0; turn < a.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return a.finalize(ctx, run, StatusCancelled, "cancelled"), nil
		}
		done, res, err := a.turn(ctx, run)
		if err != nil {
			a.events.Log(ctx, eventlog.Event{Type: eventlog.EventError, AgentID: a.agentID, Data: map[string]any{
				"reason": "provider_error",
				"error":  err.Error(),
			}})
			return a.finalize(ctx, run, StatusFailed, "provider_error"), err
		}
		if done {
			return res, nil
		}
	}
	return a.finalize(ctx, run, StatusMaxTurns, "max_turns_exhausted"), nil
}

// runState is the per-run mutable state threaded through turns.
type runState struct {
	goal      string
	settings  Settings
	history   []model.Message
	response  strings.Builder
	toolsUsed []string
	usage     model.TokenUsage
	toolCalls int
}

// turn executes one provider call plus its tool batch. It returns done=true
// with the terminal result when the run finishes inside the turn.
func (a *Agent) turn(ctx context.Context, run *runState) (bool, *Result, error) {
	resp, err := a.chat(ctx, run)
	if err != nil {
		return false, nil, err
	}
	run.usage.Add(resp.Usage)

	text := strings.Join(resp.Texts, "\n")
	if text != "" {
		if run.response.Len() > 0 {
			run.response.WriteString("\n")
		}
		run.response.WriteString(text)
	}
	run.history = append(run.history, assistantMessage(resp))

	if resp.StopReason == model.StopMaxTokens {
		return true, a.finalize(ctx, run, StatusMaxTokens, "provider_max_tokens"), nil
	}
	if len(resp.ToolCalls) == 0 {
		return true, a.finalize(ctx, run, StatusCompleted, ""), nil
	}

	var matched map[string]intent.Declaration
	if a.requireGate {
		decls := intent.Parse(text)
		validation := intent.Validate(decls, resp.ToolCalls)
		if !validation.Valid() {
			a.rejectUnmatched(ctx, run, resp.ToolCalls, validation)
			return false, nil, nil
		}
		matched = make(map[string]intent.Declaration, len(validation.Matched))
		for _, m := range validation.Matched {
			matched[m.Call.ID] = m.Declaration
		}
		for _, d := range decls {
			a.events.Log(ctx, eventlog.Event{Type: eventlog.EventIntent, AgentID: a.agentID, Data: map[string]any{
				"toolName":        d.ToolName,
				"purpose":         d.Purpose,
				"expectedOutcome": d.ExpectedOutcome,
				"riskLevel":       string(d.RiskLevel),
			}})
		}
	}

	var results []model.Part
	turnUsage := resp.Usage
	reportUsage := &turnUsage
	for _, call := range resp.ToolCalls {
		if err := ctx.Err(); err != nil {
			return true, a.finalize(ctx, run, StatusCancelled, "cancelled"), nil
		}

		decl, hasIntent := matched[call.ID]
		risk := intent.RiskExec
		if hasIntent {
			risk = decl.RiskLevel
		}

		run.toolCalls++
		decision := a.policy.Evaluate(ctx, call.Name, risk, run.toolCalls)
		a.events.Log(ctx, eventlog.Event{Type: eventlog.EventPolicy, AgentID: a.agentID, Data: map[string]any{
			"toolName": call.Name,
			"action":   string(decision.Action),
			"reason":   decision.Reason,
			"risk":     string(risk),
		}})
		switch decision.Action {
		case policy.ActionAwaitUser:
			return true, a.finalize(ctx, run, StatusAwaitUser, "policy_await_user"), nil
		case policy.ActionDeny:
			a.events.Log(ctx, eventlog.Event{Type: eventlog.EventError, AgentID: a.agentID, Data: map[string]any{
				"reason":   "policy_denied",
				"toolName": call.Name,
				"detail":   decision.Reason,
			}})
			return true, a.finalize(ctx, run, StatusFailed, "policy_denied"), nil
		}

		if a.overseer != nil {
			verdict := a.overseer.Evaluate(ctx, decl, call, reportUsage)
			reportUsage = nil
			a.events.Log(ctx, eventlog.Event{Type: eventlog.EventBeholderAction, AgentID: a.agentID, Data: map[string]any{
				"toolName": call.Name,
				"action":   string(verdict.Action),
				"reason":   verdict.Reason,
			}})
			switch verdict.Action {
			case beholder.ActionKill:
				return true, a.finalize(ctx, run, StatusFailed, "beholder_kill"), nil
			case beholder.ActionWarn, beholder.ActionPause:
				a.logger.Warn(ctx, "beholder verdict", "action", string(verdict.Action), "reason", verdict.Reason)
			}
		}

		a.events.Log(ctx, eventlog.Event{Type: eventlog.EventToolCall, AgentID: a.agentID, Data: map[string]any{
			"toolName": call.Name,
			"id":       call.ID,
		}})
		content, isError := a.execute(ctx, run.settings.Tools, call)

		if isError && a.fb != nil {
			a.events.Log(ctx, eventlog.Event{Type: eventlog.EventFallback, AgentID: a.agentID, Data: map[string]any{
				"toolName": call.Name,
				"failure":  content,
			}})
			if rec := a.fb.Recover(ctx, decl, call, content, run.settings.Tools); rec.Resolved {
				content = rec.Output
				isError = false
			}
		}

		a.events.Log(ctx, eventlog.Event{Type: eventlog.EventToolResult, AgentID: a.agentID, Data: map[string]any{
			"toolName":      call.Name,
			"id":            call.ID,
			"isError":       isError,
			"contentLength": len(content),
		}})
		results = append(results, model.ToolResultPart{
			ToolUseID: call.ID,
			Name:      call.Name,
			Content:   content,
			IsError:   isError,
		})
		run.toolsUsed = append(run.toolsUsed, call.Name)
		a.metrics.IncCounter("agent.tool_calls", 1, "tool", call.Name)
	}

	run.history = append(run.history, model.Message{Role: model.RoleUser, Parts: results})
	return false, nil, nil
}

// chat issues the provider call, streaming deltas when a callback is set and
// replaying complete text blocks once when the provider cannot stream.
func (a *Agent) chat(ctx context.Context, run *runState) (*model.Response, error) {
	req := &model.Request{
		Model:        run.settings.Model,
		SystemPrompt: run.settings.SystemPrompt,
		Messages:     run.history,
		Tools:        toolDefinitions(run.settings.Tools),
		MaxTokens:    a.maxTokens,
	}
	if a.onDelta == nil {
		return a.provider.Chat(ctx, req)
	}
	resp, err := a.provider.ChatStream(ctx, req, model.StreamCallbacks{OnTextDelta: a.onDelta})
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, err = a.provider.Chat(ctx, req)
		if err == nil {
			for _, text := range resp.Texts {
				a.onDelta(text)
			}
		}
	}
	return resp, err
}

// rejectUnmatched feeds synthetic error tool results back for a batch blocked
// by the intent gate. One error event is logged per unmatched call; the run
// continues to the next turn without executing any tool.
func (a *Agent) rejectUnmatched(ctx context.Context, run *runState, calls []model.ToolCall, v intent.Validation) {
	unmatched := make(map[string]bool, len(v.Unmatched))
	for _, call := range v.Unmatched {
		unmatched[call.ID] = true
		a.events.Log(ctx, eventlog.Event{Type: eventlog.EventError, AgentID: a.agentID, Data: map[string]any{
			"reason":   "intent_gate_blocked",
			"toolName": call.Name,
		}})
	}
	results := make([]model.Part, 0, len(calls))
	for _, call := range calls {
		content := "Error: tool call blocked: another call in this batch lacks an intent declaration"
		if unmatched[call.ID] {
			content = "Error: tool call rejected: no matching intent declaration. " +
				"Declare an <intent> block for every tool call and try again."
		}
		results = append(results, model.ToolResultPart{
			ToolUseID: call.ID,
			Name:      call.Name,
			Content:   content,
			IsError:   true,
		})
	}
	run.history = append(run.history, model.Message{Role: model.RoleUser, Parts: results})
}

// execute runs one tool call, folding unknown tools, schema violations,
// panics, returned errors, and "Error"-prefixed results into error results.
func (a *Agent) execute(ctx context.Context, toolSet []tools.Tool, call model.ToolCall) (content string, isError bool) {
	tool, ok := tools.Find(toolSet, tools.Ident(call.Name))
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), true
	}
	if err := tools.ValidateInput(tool, call.Input); err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	defer func() {
		if r := recover(); r != nil {
			content = fmt.Sprintf("Error: tool %s panicked: %v", call.Name, r)
			isError = true
		}
	}()
	out, err := tool.Run(ctx, call.Input)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	return out, tools.IsErrorResult(out)
}

// finalize writes the terminal turn_result event, persists the checkpoint,
// and assembles the result. Checkpoint failures are logged only.
func (a *Agent) finalize(ctx context.Context, run *runState, status Status, reason string) *Result {
	phase := checkpoint.PhaseFailed
	switch status {
	case StatusCompleted:
		phase = checkpoint.PhaseCompleted
	case StatusAwaitUser:
		phase = checkpoint.PhaseAwaitUser
	}
	a.events.Log(ctx, eventlog.Event{Type: eventlog.EventTurnResult, AgentID: a.agentID, Data: map[string]any{
		"status": string(status),
		"reason": reason,
		"phase":  string(phase),
		"usage": map[string]any{
			"inputTokens":  run.usage.InputTokens,
			"outputTokens": run.usage.OutputTokens,
			"totalTokens":  run.usage.TotalTokens,
		},
	}})

	now := time.Now().UTC()
	cp := checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion,
		CheckpointID:  terminalCheckpointID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Phase:         phase,
		Goal:          run.goal,
		Summary:       run.response.String(),
		PolicyProfile: string(a.policy.Profile()),
	}
	if err := a.checkpoints.Save(ctx, a.sessionID, cp); err != nil {
		a.logger.Error(ctx, "agent: save checkpoint failed", "session", a.sessionID, "err", err)
	}

	return &Result{
		Status:    status,
		Response:  run.response.String(),
		ToolsUsed: run.toolsUsed,
		Usage:     run.usage,
		Phase:     phase,
		Reason:    reason,
	}
}

func assistantMessage(resp *model.Response) model.Message {
	parts := make([]model.Part, 0, len(resp.Texts)+len(resp.ToolCalls))
	for _, text := range resp.Texts {
		parts = append(parts, model.TextPart{Text: text})
	}
	for _, call := range resp.ToolCalls {
		parts = append(parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Input: call.Input})
	}
	return model.Message{Role: model.RoleAssistant, Parts: parts}
}

func toolDefinitions(list []tools.Tool) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, len(list))
	for i, tool := range list {
		defs[i] = model.ToolDefinition{
			Name:        string(tool.Name),
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}
	return defs
}
