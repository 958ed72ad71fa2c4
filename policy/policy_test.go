package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssenrah/harness/intent"
)

func mustEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestNewDefaultsAndValidation(t *testing.T) {
	e := mustEngine(t, Options{})
	require.Equal(t, ProfileLocalPermissive, e.Profile())
	require.Equal(t, 250, e.MaxToolCalls())

	e = mustEngine(t, Options{Profile: ProfileStrict})
	require.Equal(t, 120, e.MaxToolCalls())

	e = mustEngine(t, Options{Profile: ProfileManaged})
	require.Equal(t, 80, e.MaxToolCalls())

	_, err := New(Options{Profile: "yolo"})
	require.Error(t, err)
}

func TestProfileDefaults(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		profile Profile
		risk    intent.RiskLevel
		want    Action
	}{
		{name: "permissive read", profile: ProfileLocalPermissive, risk: intent.RiskRead, want: ActionAllow},
		{name: "permissive write", profile: ProfileLocalPermissive, risk: intent.RiskWrite, want: ActionAllow},
		{name: "permissive exec", profile: ProfileLocalPermissive, risk: intent.RiskExec, want: ActionAllow},
		{name: "permissive destructive", profile: ProfileLocalPermissive, risk: intent.RiskDestructive, want: ActionAwaitUser},
		{name: "strict read", profile: ProfileStrict, risk: intent.RiskRead, want: ActionAllow},
		{name: "strict write", profile: ProfileStrict, risk: intent.RiskWrite, want: ActionAwaitUser},
		{name: "strict exec", profile: ProfileStrict, risk: intent.RiskExec, want: ActionAwaitUser},
		{name: "strict destructive", profile: ProfileStrict, risk: intent.RiskDestructive, want: ActionAwaitUser},
		{name: "managed read", profile: ProfileManaged, risk: intent.RiskRead, want: ActionAllow},
		{name: "managed write", profile: ProfileManaged, risk: intent.RiskWrite, want: ActionAwaitUser},
		{name: "managed exec", profile: ProfileManaged, risk: intent.RiskExec, want: ActionDeny},
		{name: "managed destructive", profile: ProfileManaged, risk: intent.RiskDestructive, want: ActionDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := mustEngine(t, Options{Profile: tc.profile})
			d := e.Evaluate(ctx, "some_tool", tc.risk, 1)
			require.Equal(t, tc.want, d.Action, d.Reason)
		})
	}
}

func TestDecisionOrderCapFirst(t *testing.T) {
	// The cap check precedes the deny list: even a denied tool reports
	// tool_call_cap_reached once the cap is exceeded.
	e := mustEngine(t, Options{DenyTools: []string{"rm"}, MaxToolCalls: 2})
	d := e.Evaluate(context.Background(), "rm", intent.RiskDestructive, 3)
	require.Equal(t, ActionAwaitUser, d.Action)
	require.Equal(t, ReasonCapReached, d.Reason)
}

func TestDenyWinsOverAllow(t *testing.T) {
	e := mustEngine(t, Options{AllowTools: []string{"rm"}, DenyTools: []string{"rm"}})
	d := e.Evaluate(context.Background(), "rm", intent.RiskRead, 1)
	require.Equal(t, ActionDeny, d.Action)
}

func TestAllowListBypassesProfile(t *testing.T) {
	e := mustEngine(t, Options{Profile: ProfileManaged, AllowTools: []string{"run_tests"}})
	d := e.Evaluate(context.Background(), "run_tests", intent.RiskExec, 1)
	require.Equal(t, ActionAllow, d.Action)
}

func TestCapBoundary(t *testing.T) {
	e := mustEngine(t, Options{MaxToolCalls: 5})
	require.Equal(t, ActionAllow, e.Evaluate(context.Background(), "x", intent.RiskRead, 5).Action)
	d := e.Evaluate(context.Background(), "x", intent.RiskRead, 6)
	require.Equal(t, ActionAwaitUser, d.Action)
	require.Equal(t, ReasonCapReached, d.Reason)
}

func TestApprovalHandlerApprove(t *testing.T) {
	e := mustEngine(t, Options{
		Profile: ProfileStrict,
		Approval: func(_ context.Context, req ApprovalRequest) (Approval, error) {
			require.Equal(t, "write_file", req.ToolName)
			require.Equal(t, intent.RiskWrite, req.RiskLevel)
			return Approve, nil
		},
	})
	d := e.Evaluate(context.Background(), "write_file", intent.RiskWrite, 1)
	require.Equal(t, ActionAllow, d.Action)
	require.Equal(t, "approved_by_handler:write_file (write)", d.Reason)
}

func TestApprovalHandlerReject(t *testing.T) {
	e := mustEngine(t, Options{
		Profile: ProfileStrict,
		Approval: func(context.Context, ApprovalRequest) (Approval, error) {
			return Reject, nil
		},
	})
	d := e.Evaluate(context.Background(), "write_file", intent.RiskWrite, 1)
	require.Equal(t, ActionDeny, d.Action)
	require.Equal(t, "approval_rejected:write_file (write)", d.Reason)
}

func TestApprovalHandlerErrorLeavesHold(t *testing.T) {
	e := mustEngine(t, Options{
		Profile: ProfileStrict,
		Approval: func(context.Context, ApprovalRequest) (Approval, error) {
			return "", errors.New("ui unavailable")
		},
	})
	d := e.Evaluate(context.Background(), "write_file", intent.RiskWrite, 1)
	require.Equal(t, ActionAwaitUser, d.Action)
	require.Contains(t, d.Reason, "approval_handler_failed")
}

func TestApprovalHandlerNotConsultedOnAllow(t *testing.T) {
	called := false
	e := mustEngine(t, Options{
		Approval: func(context.Context, ApprovalRequest) (Approval, error) {
			called = true
			return Reject, nil
		},
	})
	d := e.Evaluate(context.Background(), "read_file", intent.RiskRead, 1)
	require.Equal(t, ActionAllow, d.Action)
	require.False(t, called)
}

func TestStricter(t *testing.T) {
	require.Equal(t, ProfileStrict, Stricter(ProfileLocalPermissive, ProfileStrict))
	require.Equal(t, ProfileManaged, Stricter(ProfileStrict, ProfileManaged))
	require.Equal(t, ProfileManaged, Stricter(ProfileManaged, ProfileLocalPermissive))
	require.Equal(t, ProfileLocalPermissive, Stricter(ProfileLocalPermissive, ProfileLocalPermissive))
}
