package agent

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/telemetry"
)

// tracedClient wraps a model.Client so every provider call is recorded as a
// client span carrying the request shape, token usage, and stop reason.
type tracedClient struct {
	inner  model.Client
	tracer telemetry.Tracer
	logger telemetry.Logger
}

func newTracedClient(inner model.Client, tracer telemetry.Tracer, logger telemetry.Logger) model.Client {
	if inner == nil {
		return nil
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &tracedClient{inner: inner, tracer: tracer, logger: logger}
}

func (c *tracedClient) Chat(ctx context.Context, req *model.Request) (*model.Response, error) {
	ctx, span := c.tracer.Start(
		ctx,
		"model.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(modelSpanAttrs(req)...),
	)
	defer span.End()

	resp, err := c.inner.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model chat failed")
		c.logger.Error(ctx, "model chat failed", "model", requestModel(req), "err", err)
		return resp, err
	}
	recordResponse(span, resp)
	span.SetStatus(codes.Ok, "ok")
	return resp, nil
}

func (c *tracedClient) ChatStream(ctx context.Context, req *model.Request, cb model.StreamCallbacks) (*model.Response, error) {
	ctx, span := c.tracer.Start(
		ctx,
		"model.chat_stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(modelSpanAttrs(req)...),
	)
	defer span.End()

	resp, err := c.inner.ChatStream(ctx, req, cb)
	if err != nil {
		// Not a failure: the caller falls back to Chat, which gets its own span.
		if errors.Is(err, model.ErrStreamingUnsupported) {
			span.SetStatus(codes.Ok, "streaming unsupported")
			return resp, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream failed")
		c.logger.Error(ctx, "model stream failed", "model", requestModel(req), "err", err)
		return resp, err
	}
	recordResponse(span, resp)
	span.SetStatus(codes.Ok, "ok")
	return resp, nil
}

func recordResponse(span telemetry.Span, resp *model.Response) {
	if resp == nil {
		return
	}
	if (resp.Usage != model.TokenUsage{}) {
		span.AddEvent(
			"model.usage",
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"total_tokens", resp.Usage.TotalTokens,
		)
	}
	if resp.StopReason != "" {
		span.AddEvent("model.stop", "reason", string(resp.StopReason))
	}
}

func modelSpanAttrs(req *model.Request) []attribute.KeyValue {
	if req == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("harness.model", req.Model),
		attribute.Int("harness.max_tokens", req.MaxTokens),
		attribute.Int("harness.messages", len(req.Messages)),
		attribute.Int("harness.tools", len(req.Tools)),
	}
}

func requestModel(req *model.Request) string {
	if req == nil {
		return ""
	}
	return req.Model
}
