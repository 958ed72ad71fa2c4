// Package eventlog records the chronological, append-only sequence of harness
// events for a run. Two sinks are built in: an in-memory buffer and, when a
// file path is configured, a JSON-lines file whose parent directory is created
// on demand. Additional sinks can be attached for fan-out (for example the
// Redis stream sink under features/eventlog/redis); all appends happen under a
// single lock so the log is totally ordered.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ssenrah/harness/telemetry"
)

type (
	// EventType classifies a harness event. Consumers must tolerate unknown
	// values without failing; new types are added over time.
	EventType string

	// Event is a single harness event. Data carries type-specific payload
	// fields; its shape is documented per event type by the producer.
	Event struct {
		// Timestamp is when the event was recorded.
		Timestamp time.Time `json:"timestamp"`
		// Type classifies the event.
		Type EventType `json:"type"`
		// AgentID identifies the agent that produced the event.
		AgentID string `json:"agentId"`
		// Data carries event-specific fields.
		Data map[string]any `json:"data,omitempty"`
	}

	// Sink receives each event after it has been appended to the in-memory
	// buffer and the file. Sink failures are logged and never fail the append.
	Sink interface {
		Append(ctx context.Context, event Event) error
	}

	// Options configures a Log.
	Options struct {
		// FilePath is the JSON-lines file backing the log. Empty means
		// memory-only. The parent directory is created on demand.
		FilePath string
		// Sinks are additional destinations appended to after memory and file.
		Sinks []Sink
		// Logger reports sink and file failures. Noop when nil.
		Logger telemetry.Logger
	}

	// Log is the append-only event log. All methods are safe for concurrent
	// use; appends are totally ordered.
	Log struct {
		mu     sync.Mutex
		events []Event
		file   *os.File
		path   string
		sinks  []Sink
		logger telemetry.Logger
	}
)

const (
	// EventIntent records a parsed intent declaration.
	EventIntent EventType = "intent"
	// EventToolCall records a tool invocation about to execute.
	EventToolCall EventType = "tool_call"
	// EventToolResult records a completed tool invocation.
	EventToolResult EventType = "tool_result"
	// EventPolicy records a policy decision.
	EventPolicy EventType = "policy"
	// EventBeholderAction records an overseer verdict.
	EventBeholderAction EventType = "beholder_action"
	// EventFallback records a fallback recovery attempt.
	EventFallback EventType = "fallback"
	// EventTurnResult records the terminal state of a run.
	EventTurnResult EventType = "turn_result"
	// EventError records a runtime error observation.
	EventError EventType = "error"
)

// New constructs a Log. When FilePath is set the parent directory is created
// and the file is opened for appending; open failures are returned so callers
// can fail fast when durable logging is unavailable.
func New(opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	l := &Log{sinks: opts.Sinks, logger: logger, path: opts.FilePath}
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open %s: %w", opts.FilePath, err)
		}
		l.file = f
	}
	return l, nil
}

// Log appends the event to the in-memory buffer and, when file-backed, writes
// one JSON line synchronously. A zero timestamp is stamped with the current
// time. File write and sink failures are logged but do not fail the append;
// the in-memory record is authoritative within the process.
func (l *Log) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if l.file != nil {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn(ctx, "eventlog: marshal event", "type", string(event.Type), "err", err)
		} else if _, err := l.file.Write(append(line, '\n')); err != nil {
			l.logger.Warn(ctx, "eventlog: write event", "path", l.path, "err", err)
		}
	}
	for _, sink := range l.sinks {
		if err := sink.Append(ctx, event); err != nil {
			l.logger.Warn(ctx, "eventlog: sink append", "type", string(event.Type), "err", err)
		}
	}
}

// Events returns a snapshot copy of the in-memory buffer.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Path returns the backing file path, or empty for a memory-only log.
func (l *Log) Path() string { return l.path }

// Close releases the backing file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
