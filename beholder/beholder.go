// Package beholder implements the behavioral overseer that watches a run for
// runaway behavior: call-rate spikes, identical-call loops, token budget
// exhaustion, and goal drift. The overseer is purely advisory; the turn loop
// decides whether to honor pause and warn verdicts, while kill verdicts are
// expected to terminate the run.
package beholder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ssenrah/harness/intent"
	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/telemetry"
)

type (
	// Action is the overseer verdict kind.
	Action string

	// Verdict is the outcome of a single evaluation.
	Verdict struct {
		// Action is ok, warn, pause, or kill.
		Action Action
		// Reason explains non-ok verdicts.
		Reason string
	}

	// Options configures an Overseer.
	Options struct {
		// TokenBudget caps cumulative token usage for the run. Zero disables
		// budget enforcement.
		TokenBudget int
		// MaxCallsPerMinute caps tool calls inside the rolling window. Zero
		// applies DefaultMaxCallsPerMinute.
		MaxCallsPerMinute int
		// DriftThreshold is the number of consecutive misaligned drift verdicts
		// tolerated as warnings before a kill. Zero applies
		// DefaultDriftThreshold.
		DriftThreshold int
		// Model optionally enables the LLM drift classifier.
		Model model.Client
		// ModelID names the classifier model. Required when Model is set.
		ModelID string
		// Logger reports drift-check failures. Noop when nil.
		Logger telemetry.Logger
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Overseer tracks per-run behavior and produces verdicts. Safe for
	// concurrent use, though the turn loop drives it serially.
	Overseer struct {
		tokenBudget    int
		maxPerMinute   int
		driftThreshold int
		client         model.Client
		modelID        string
		logger         telemetry.Logger
		now            func() time.Time

		mu            sync.Mutex
		records       []record
		totalTokens   int
		evalCount     int
		driftStrikes  int
		recentIntents []intent.Declaration
	}

	record struct {
		at        time.Time
		toolName  string
		inputHash string
	}

	driftVerdict struct {
		Aligned bool   `json:"aligned"`
		Reason  string `json:"reason"`
	}
)

const (
	// ActionOK lets the call proceed.
	ActionOK Action = "ok"
	// ActionWarn lets the call proceed but signals drift.
	ActionWarn Action = "warn"
	// ActionPause asks the loop to slow down.
	ActionPause Action = "pause"
	// ActionKill asks the loop to terminate the run.
	ActionKill Action = "kill"
)

const (
	// DefaultMaxCallsPerMinute is the rolling-window call cap.
	DefaultMaxCallsPerMinute = 30
	// DefaultDriftThreshold is the misaligned-verdict tolerance before a kill.
	DefaultDriftThreshold = 3

	// windowSize is the span of the rolling call-rate window.
	windowSize = 60 * time.Second
	// loopRunLength is the number of trailing identical calls that counts as a loop.
	loopRunLength = 3
	// driftCheckEvery triggers a drift check on every Nth evaluation.
	driftCheckEvery = 5
	// driftIntentWindow is how many recent intents the classifier sees.
	driftIntentWindow = 10
)

// New constructs an Overseer from the supplied options.
func New(opts Options) *Overseer {
	maxPerMinute := opts.MaxCallsPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxCallsPerMinute
	}
	threshold := opts.DriftThreshold
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Overseer{
		tokenBudget:    opts.TokenBudget,
		maxPerMinute:   maxPerMinute,
		driftThreshold: threshold,
		client:         opts.Model,
		modelID:        opts.ModelID,
		logger:         logger,
		now:            now,
	}
}

// Evaluate records one tool call and returns a verdict. usage may be nil when
// the caller has no fresh token counts to report.
func (o *Overseer) Evaluate(ctx context.Context, decl intent.Declaration, call model.ToolCall, usage *model.TokenUsage) Verdict {
	o.mu.Lock()
	defer o.mu.Unlock()

	if usage != nil {
		o.totalTokens += usage.TotalTokens
	}
	if o.tokenBudget > 0 && o.totalTokens > o.tokenBudget {
		return Verdict{Action: ActionKill, Reason: "Token budget exceeded"}
	}

	now := o.now()
	o.pruneLocked(now)
	o.records = append(o.records, record{at: now, toolName: call.Name, inputHash: hashInput(call.Input)})
	if len(o.records) > o.maxPerMinute {
		return Verdict{Action: ActionPause, Reason: "Rate limit"}
	}

	if o.loopDetectedLocked() {
		return Verdict{Action: ActionKill, Reason: "Loop detected"}
	}

	o.recentIntents = append(o.recentIntents, decl)
	if len(o.recentIntents) > driftIntentWindow {
		o.recentIntents = o.recentIntents[len(o.recentIntents)-driftIntentWindow:]
	}
	o.evalCount++
	if o.client != nil && o.evalCount%driftCheckEvery == 0 {
		if v, checked := o.checkDriftLocked(ctx); checked {
			return v
		}
	}

	return Verdict{Action: ActionOK}
}

// TotalTokens returns the cumulative token count observed so far.
func (o *Overseer) TotalTokens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalTokens
}

func (o *Overseer) pruneLocked(now time.Time) {
	cutoff := now.Add(-windowSize)
	keep := o.records[:0]
	for _, r := range o.records {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	o.records = keep
}

func (o *Overseer) loopDetectedLocked() bool {
	n := len(o.records)
	if n < loopRunLength {
		return false
	}
	last := o.records[n-1]
	for _, r := range o.records[n-loopRunLength : n-1] {
		if r.toolName != last.toolName || r.inputHash != last.inputHash {
			return false
		}
	}
	return true
}

// checkDriftLocked asks the classifier model whether the recent intents still
// serve the declared purposes. Failures are non-fatal and only logged; the
// second return value reports whether a non-ok verdict should be surfaced.
func (o *Overseer) checkDriftLocked(ctx context.Context) (Verdict, bool) {
	resp, err := o.client.Chat(ctx, &model.Request{
		Model: o.modelID,
		SystemPrompt: "You classify whether an agent's recent tool usage is aligned with its declared intents. " +
			`Respond with a single JSON object {"aligned": true|false, "reason": "<short>"} and nothing else.`,
		Messages:  []model.Message{model.NewUserText(o.driftPromptLocked())},
		MaxTokens: 256,
	})
	if err != nil {
		o.logger.Warn(ctx, "beholder: drift check failed", "err", err)
		return Verdict{}, false
	}
	var verdict driftVerdict
	if err := json.Unmarshal([]byte(extractJSON(strings.Join(resp.Texts, "\n"))), &verdict); err != nil {
		o.logger.Warn(ctx, "beholder: drift verdict unparseable", "err", err)
		return Verdict{}, false
	}
	if verdict.Aligned {
		o.driftStrikes = 0
		return Verdict{}, false
	}
	o.driftStrikes++
	reason := verdict.Reason
	if reason == "" {
		reason = "Drift detected"
	}
	if o.driftStrikes >= o.driftThreshold {
		return Verdict{Action: ActionKill, Reason: reason}, true
	}
	return Verdict{Action: ActionWarn, Reason: reason}, true
}

func (o *Overseer) driftPromptLocked() string {
	var b strings.Builder
	b.WriteString("Recent intent declarations, oldest first:\n")
	for i, d := range o.recentIntents {
		fmt.Fprintf(&b, "%d. tool=%s risk=%s purpose=%s expected=%s\n", i+1, d.ToolName, d.RiskLevel, d.Purpose, d.ExpectedOutcome)
	}
	b.WriteString("\nIs this activity aligned with the declared purposes?")
	return b.String()
}

func hashInput(input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", input))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// extractJSON trims any prose surrounding the first JSON object in the text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
