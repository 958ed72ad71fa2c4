package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssenrah/harness/model"
)

type fakeClient struct {
	chatErr   error
	streamErr error

	chatCalls   int
	streamCalls int
}

func (f *fakeClient) Chat(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.chatCalls++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &model.Response{Texts: []string{"ok"}}, nil
}

func (f *fakeClient) ChatStream(_ context.Context, _ *model.Request, _ model.StreamCallbacks) (*model.Response, error) {
	f.streamCalls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &model.Response{Texts: []string{"ok"}}, nil
}

func smallRequest() *model.Request {
	return &model.Request{Messages: []model.Message{model.NewUserText("hi")}}
}

func TestBackoffHalvesBudgetOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	require.Equal(t, 60000.0, limiter.currentTPM)

	limiter.observe(model.ErrRateLimited)
	require.Equal(t, 30000.0, limiter.currentTPM)

	limiter.observe(model.ErrRateLimited)
	require.Equal(t, 15000.0, limiter.currentTPM)
}

func TestBackoffFloorsAtTenPercent(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	for i := 0; i < 20; i++ {
		limiter.observe(model.ErrRateLimited)
	}
	require.Equal(t, 6000.0, limiter.currentTPM)
}

func TestProbeRecoversTowardCeiling(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	limiter.observe(model.ErrRateLimited)
	require.Equal(t, 30000.0, limiter.currentTPM)

	// Each success adds 5% of the initial budget back.
	limiter.observe(nil)
	require.Equal(t, 33000.0, limiter.currentTPM)

	for i := 0; i < 100; i++ {
		limiter.observe(nil)
	}
	require.Equal(t, 60000.0, limiter.currentTPM)
}

func TestNonRateLimitErrorsDoNotBackoff(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	limiter.observe(errors.New("bad request"))
	require.Equal(t, 60000.0, limiter.currentTPM)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(&model.Request{}))

	req := &model.Request{
		SystemPrompt: "123456789012",
		Messages: []model.Message{
			{Role: model.RoleUser, Parts: []model.Part{
				model.TextPart{Text: "123456"},
				model.ToolResultPart{ToolUseID: "c1", Content: "123456789012"},
			}},
		},
	}
	// 30 characters at 3 chars per token, plus the fixed buffer.
	require.Equal(t, 510, estimateTokens(req))
}

func TestMiddlewarePassesThroughChatAndStream(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	inner := &fakeClient{}
	client := limiter.Middleware()(inner)

	resp, err := client.Chat(context.Background(), smallRequest())
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, resp.Texts)
	require.Equal(t, 1, inner.chatCalls)

	_, err = client.ChatStream(context.Background(), smallRequest(), model.StreamCallbacks{})
	require.NoError(t, err)
	require.Equal(t, 1, inner.streamCalls)
}

func TestMiddlewareBacksOffOnWrappedRateLimit(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	inner := &fakeClient{chatErr: errors.Join(model.ErrRateLimited, errors.New("429 too many requests"))}
	client := limiter.Middleware()(inner)

	_, err := client.Chat(context.Background(), smallRequest())
	require.Error(t, err)
	require.Equal(t, 30000.0, limiter.currentTPM)
}

func TestMiddlewareHonorsCancellation(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	inner := &fakeClient{}
	client := limiter.Middleware()(inner)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := client.Chat(ctx, smallRequest())
	require.NoError(t, err)
	require.Equal(t, 1, inner.chatCalls)

	cancel()
	_, err = client.Chat(ctx, smallRequest())
	require.Error(t, err)
	require.Equal(t, 1, inner.chatCalls, "cancelled call must not reach the provider")
}

func TestRequestExceedingBurstFailsFast(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)
	inner := &fakeClient{}
	client := limiter.Middleware()(inner)

	_, err := client.Chat(context.Background(), smallRequest())
	require.Error(t, err)
	require.Zero(t, inner.chatCalls)
}
