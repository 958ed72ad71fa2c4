// Package mailbox implements the typed, TTL-aware priority message queue the
// team layer coordinates through. Messages are stored in insertion order;
// reads sort by priority rank and acknowledge delivery explicitly.
package mailbox

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Priority orders message delivery. Critical sorts first.
	Priority string

	// Type classifies a message.
	Type string

	// Message is one mailbox entry.
	Message struct {
		// ID uniquely identifies the message. Assigned on send.
		ID string `json:"id"`
		// From names the sender.
		From string `json:"from"`
		// To names the recipient.
		To string `json:"to"`
		// Content is the message body.
		Content string `json:"content"`
		// Type classifies the message.
		Type Type `json:"type"`
		// Priority orders delivery. Defaults to normal.
		Priority Priority `json:"priority"`
		// Topic optionally groups related messages.
		Topic string `json:"topic,omitempty"`
		// TaskID optionally ties the message to a task.
		TaskID string `json:"taskId,omitempty"`
		// Metadata carries sender-specific extras.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Timestamp is when the message was sent. Assigned on send.
		Timestamp time.Time `json:"timestamp"`
		// TTLMs bounds the message lifetime in milliseconds. Zero means no expiry.
		TTLMs int64 `json:"ttlMs,omitempty"`
		// Delivered reports whether the recipient acknowledged the message.
		Delivered bool `json:"delivered"`
		// DeliveredAt is when the message was acknowledged.
		DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
		// Expired reports whether the TTL elapsed before delivery.
		Expired bool `json:"expired,omitempty"`
	}

	// ListOptions filters a List call. Zero values mean no filter; undelivered
	// messages are returned by default.
	ListOptions struct {
		// Topic restricts to messages with the given topic.
		Topic string
		// Type restricts to messages of the given type.
		Type Type
		// IncludeDelivered also returns acknowledged messages.
		IncludeDelivered bool
	}

	// Mailbox is the in-memory queue. Safe for concurrent use.
	Mailbox struct {
		mu   sync.Mutex
		msgs []*Message
		now  func() time.Time
	}
)

const (
	// PriorityCritical sorts before all others.
	PriorityCritical Priority = "critical"
	// PriorityHigh sorts before normal and low.
	PriorityHigh Priority = "high"
	// PriorityNormal is the default.
	PriorityNormal Priority = "normal"
	// PriorityLow sorts last.
	PriorityLow Priority = "low"
)

const (
	// TypeContext shares working context between agents.
	TypeContext Type = "context"
	// TypeAlert flags a condition needing attention.
	TypeAlert Type = "alert"
	// TypeDecisionRequest asks the recipient to decide something.
	TypeDecisionRequest Type = "decision_request"
	// TypeDirective instructs the recipient.
	TypeDirective Type = "directive"
	// TypeProgress reports work progress.
	TypeProgress Type = "progress"
	// TypeNeedsContext asks for missing context.
	TypeNeedsContext Type = "needs_context"
	// TypeHeartbeat reports worker liveness concerns.
	TypeHeartbeat Type = "heartbeat"
)

// rank maps priorities to sort order; unknown priorities sort with normal.
func rank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// New constructs an empty mailbox.
func New() *Mailbox {
	return &Mailbox{now: time.Now}
}

// Send enqueues a message, assigning its id and timestamp, and returns the
// stored copy.
func (m *Mailbox) Send(msg Message) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.Timestamp = m.now().UTC()
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	msg.Delivered = false
	msg.DeliveredAt = nil
	msg.Expired = false
	stored := msg
	m.msgs = append(m.msgs, &stored)
	return msg
}

// List returns the recipient's messages, undelivered-only unless
// IncludeDelivered is set, sorted by priority rank with ties broken by
// timestamp. TTL expiry is applied on read: expired messages are marked and
// excluded.
func (m *Mailbox) List(recipient string, opts ListOptions) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Message
	for _, msg := range m.msgs {
		m.expireLocked(msg, now)
		if msg.Expired || msg.To != recipient {
			continue
		}
		if msg.Delivered && !opts.IncludeDelivered {
			continue
		}
		if opts.Topic != "" && msg.Topic != opts.Topic {
			continue
		}
		if opts.Type != "" && msg.Type != opts.Type {
			continue
		}
		out = append(out, *msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Priority), rank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Ack marks a message delivered and reports whether it was found undelivered
// and unexpired.
func (m *Mailbox) Ack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, msg := range m.msgs {
		if msg.ID != id {
			continue
		}
		m.expireLocked(msg, now)
		if msg.Expired || msg.Delivered {
			return false
		}
		msg.Delivered = true
		at := now.UTC()
		msg.DeliveredAt = &at
		return true
	}
	return false
}

// PruneExpired removes expired messages in bulk and returns how many were
// dropped.
func (m *Mailbox) PruneExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	keep := m.msgs[:0]
	dropped := 0
	for _, msg := range m.msgs {
		m.expireLocked(msg, now)
		if msg.Expired {
			dropped++
			continue
		}
		keep = append(keep, msg)
	}
	m.msgs = keep
	return dropped
}

// Len returns the number of stored messages, expired included until pruned.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func (m *Mailbox) expireLocked(msg *Message, now time.Time) {
	if msg.Expired || msg.Delivered || msg.TTLMs <= 0 {
		return
	}
	if now.Sub(msg.Timestamp) > time.Duration(msg.TTLMs)*time.Millisecond {
		msg.Expired = true
	}
}
