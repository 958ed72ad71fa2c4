// Package policy codifies the tool-execution decision function. The engine
// maps (profile, tool, risk, call count) to allow / await_user / deny,
// optionally consulting an external approval handler to settle await_user
// decisions. Decisions never mutate state outside the returned value, which
// keeps the engine trivially testable and safe to share across turns.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ssenrah/harness/intent"
)

type (
	// Profile is a preset decision regime for tool execution.
	Profile string

	// Action is the outcome of a policy evaluation.
	Action string

	// Approval is the verdict returned by an approval handler.
	Approval string

	// ApprovalRequest describes a pending await_user decision handed to an
	// approval handler.
	ApprovalRequest struct {
		// Profile is the active policy profile.
		Profile Profile
		// ToolName names the tool awaiting approval.
		ToolName string
		// RiskLevel is the declared risk of the call.
		RiskLevel intent.RiskLevel
		// Reason explains why the decision reached await_user.
		Reason string
	}

	// ApprovalHandler settles await_user decisions. Implementations may block
	// (prompting a human) as long as they honor the context.
	ApprovalHandler func(ctx context.Context, req ApprovalRequest) (Approval, error)

	// Decision is the result of a policy evaluation.
	Decision struct {
		// Action is allow, await_user, or deny.
		Action Action
		// Reason explains the decision for logs and events.
		Reason string
	}

	// Options configures a policy engine.
	Options struct {
		// Profile selects the decision regime. Defaults to ProfileLocalPermissive.
		Profile Profile
		// AllowTools explicitly allows tool names regardless of risk.
		AllowTools []string
		// DenyTools explicitly denies tool names. Deny wins over allow.
		DenyTools []string
		// MaxToolCalls caps the number of tool calls per run. Zero applies the
		// profile default (see DefaultMaxToolCalls).
		MaxToolCalls int
		// Approval optionally settles await_user decisions.
		Approval ApprovalHandler
	}

	// Engine evaluates tool calls against the configured profile and lists.
	Engine struct {
		profile      Profile
		allow        map[string]struct{}
		deny         map[string]struct{}
		maxToolCalls int
		approval     ApprovalHandler
	}
)

const (
	// ProfileLocalPermissive allows everything except destructive operations,
	// which await user approval.
	ProfileLocalPermissive Profile = "local-permissive"
	// ProfileStrict allows reads and holds everything else for approval.
	ProfileStrict Profile = "strict"
	// ProfileManaged allows reads, holds writes, and denies exec/destructive.
	ProfileManaged Profile = "managed"
)

const (
	// ActionAllow permits the tool call.
	ActionAllow Action = "allow"
	// ActionAwaitUser suspends the run pending user approval.
	ActionAwaitUser Action = "await_user"
	// ActionDeny rejects the tool call and fails the run.
	ActionDeny Action = "deny"
)

const (
	// Approve upgrades an await_user decision to allow.
	Approve Approval = "approve"
	// Reject downgrades an await_user decision to deny.
	Reject Approval = "reject"
)

// ReasonCapReached is the decision reason when the per-run tool call cap is hit.
const ReasonCapReached = "tool_call_cap_reached"

// Rank orders profiles from most to least permissive. Stricter profiles have
// higher ranks; Stricter picks the higher-ranked of two profiles.
func Rank(p Profile) int {
	switch p {
	case ProfileStrict:
		return 1
	case ProfileManaged:
		return 2
	default:
		return 0
	}
}

// Stricter returns the stricter of two profiles.
func Stricter(a, b Profile) Profile {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// DefaultMaxToolCalls returns the per-profile default tool-call cap.
func DefaultMaxToolCalls(p Profile) int {
	switch p {
	case ProfileStrict:
		return 120
	case ProfileManaged:
		return 80
	default:
		return 250
	}
}

// Valid reports whether the profile is one of the recognized presets.
func (p Profile) Valid() bool {
	switch p {
	case ProfileLocalPermissive, ProfileStrict, ProfileManaged:
		return true
	}
	return false
}

// New constructs an Engine from the supplied options. An empty profile
// defaults to local-permissive; an unrecognized profile is an error.
func New(opts Options) (*Engine, error) {
	profile := opts.Profile
	if profile == "" {
		profile = ProfileLocalPermissive
	}
	if !profile.Valid() {
		return nil, fmt.Errorf("policy: unknown profile %q", opts.Profile)
	}
	maxCalls := opts.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls(profile)
	}
	return &Engine{
		profile:      profile,
		allow:        toSet(opts.AllowTools),
		deny:         toSet(opts.DenyTools),
		maxToolCalls: maxCalls,
		approval:     opts.Approval,
	}, nil
}

// Profile returns the engine's active profile.
func (e *Engine) Profile() Profile { return e.profile }

// MaxToolCalls returns the effective per-run tool call cap.
func (e *Engine) MaxToolCalls() int { return e.maxToolCalls }

// Evaluate decides whether a tool call may proceed. toolCallCount is the
// number of tool calls already issued this run, including the call under
// evaluation. When the preliminary decision is await_user and an approval
// handler is configured, the handler settles the decision.
func (e *Engine) Evaluate(ctx context.Context, toolName string, risk intent.RiskLevel, toolCallCount int) Decision {
	decision := e.decide(toolName, risk, toolCallCount)
	if decision.Action != ActionAwaitUser || e.approval == nil {
		return decision
	}
	verdict, err := e.approval(ctx, ApprovalRequest{
		Profile:   e.profile,
		ToolName:  toolName,
		RiskLevel: risk,
		Reason:    decision.Reason,
	})
	if err != nil {
		// A failed handler leaves the hold in place; the run suspends rather
		// than guessing an answer on the user's behalf.
		return Decision{Action: ActionAwaitUser, Reason: fmt.Sprintf("approval_handler_failed: %v", err)}
	}
	switch verdict {
	case Approve:
		return Decision{Action: ActionAllow, Reason: fmt.Sprintf("approved_by_handler:%s (%s)", toolName, risk)}
	case Reject:
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("approval_rejected:%s (%s)", toolName, risk)}
	default:
		return Decision{Action: ActionAwaitUser, Reason: fmt.Sprintf("approval_handler_invalid_verdict:%q", verdict)}
	}
}

// decide applies the deterministic decision order: cap, deny list, allow
// list, then profile defaults.
func (e *Engine) decide(toolName string, risk intent.RiskLevel, toolCallCount int) Decision {
	if toolCallCount > e.maxToolCalls {
		return Decision{Action: ActionAwaitUser, Reason: ReasonCapReached}
	}
	if _, denied := e.deny[toolName]; denied {
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("deny_list:%s", toolName)}
	}
	if _, allowed := e.allow[toolName]; allowed {
		return Decision{Action: ActionAllow, Reason: fmt.Sprintf("allow_list:%s", toolName)}
	}
	switch e.profile {
	case ProfileStrict:
		if risk == intent.RiskRead {
			return Decision{Action: ActionAllow, Reason: "profile_strict:read"}
		}
		return Decision{Action: ActionAwaitUser, Reason: fmt.Sprintf("profile_strict:%s", risk)}
	case ProfileManaged:
		switch risk {
		case intent.RiskRead:
			return Decision{Action: ActionAllow, Reason: "profile_managed:read"}
		case intent.RiskWrite:
			return Decision{Action: ActionAwaitUser, Reason: "profile_managed:write"}
		default:
			return Decision{Action: ActionDeny, Reason: fmt.Sprintf("profile_managed:%s", risk)}
		}
	default:
		if risk == intent.RiskDestructive {
			return Decision{Action: ActionAwaitUser, Reason: "profile_local_permissive:destructive"}
		}
		return Decision{Action: ActionAllow, Reason: fmt.Sprintf("profile_local_permissive:%s", risk)}
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
