// Package redis provides an eventlog.Sink that mirrors harness events onto a
// Redis stream, one stream per session, so external consumers can tail runs
// with XREAD without touching the JSON-lines files.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ssenrah/harness/eventlog"
	"github.com/ssenrah/harness/session"
)

type (
	// Options configures the stream sink.
	Options struct {
		// Client is the connected Redis client. Required.
		Client *redis.Client
		// SessionID names the stream. Required, validated as a session id.
		SessionID string
		// StreamPrefix overrides the default stream key prefix.
		StreamPrefix string
		// MaxLen trims the stream approximately to this many entries. Zero
		// means unbounded.
		MaxLen int64
	}

	// Sink appends events to a Redis stream.
	Sink struct {
		client *redis.Client
		stream string
		maxLen int64
	}
)

var _ eventlog.Sink = (*Sink)(nil)

const defaultStreamPrefix = "harness:events:"

// New validates the options and builds a Sink.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := session.ValidateID(opts.SessionID); err != nil {
		return nil, err
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = defaultStreamPrefix
	}
	return &Sink{
		client: opts.Client,
		stream: prefix + opts.SessionID,
		maxLen: opts.MaxLen,
	}, nil
}

// Stream returns the stream key events are appended to.
func (s *Sink) Stream() string { return s.stream }

// Append adds the event to the stream. The payload is stored as one JSON
// field so consumers decode with the same schema the file log uses.
func (s *Sink) Append(ctx context.Context, event eventlog.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis event sink: marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":    string(event.Type),
			"agentId": event.AgentID,
			"payload": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis event sink: xadd %s: %w", s.stream, err)
	}
	return nil
}
