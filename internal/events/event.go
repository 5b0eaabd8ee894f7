// Package events implements the core's serialized event gateway: a bounded
// priority queue with a single consumer, response routing for
// request/response events, one-shot retry for background events, and a
// dead-letter list.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies where an event entered the system.
type Source string

const (
	SourceMessage   Source = "message"
	SourceHeartbeat Source = "heartbeat"
	SourceScheduled Source = "scheduled"
	SourceWebhook   Source = "webhook"
	SourceBoot      Source = "boot"
)

// Priority orders queue dispatch; lower pops first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 10
	PriorityLow    Priority = 20
)

// Result resolves a request/response event.
type Result struct {
	Text string
	Err  error
}

// Event is one unit of work through the gateway queue.
type Event struct {
	ID        string
	Source    Source
	Priority  Priority
	Message   string
	CallType  string
	Channel   string
	Mode      string
	UserID    string
	Metadata  map[string]any
	CreatedAt time.Time

	// reply is non-nil only for request/response events; the consumer
	// resolves it exactly once.
	reply chan Result

	// seq breaks (priority, timestamp) ties FIFO.
	seq uint64

	sentinel bool
}

// NewID returns an opaque 12-character event id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Option configures a new event.
type Option func(*Event)

// WithPriority overrides the source-derived priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

// WithCallType sets the call type carried to the agent.
func WithCallType(ct string) Option {
	return func(e *Event) { e.CallType = ct }
}

// WithChannel sets the originating channel.
func WithChannel(ch string) Option {
	return func(e *Event) { e.Channel = ch }
}

// WithMode sets the agent mode hint.
func WithMode(mode string) Option {
	return func(e *Event) { e.Mode = mode }
}

// WithUserID sets the originating user.
func WithUserID(id string) Option {
	return func(e *Event) { e.UserID = id }
}

// WithMetadata merges metadata entries.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// New creates an event with the default priority for its source: HIGH for
// messages, LOW for heartbeats, NORMAL otherwise.
func New(source Source, message string, opts ...Option) *Event {
	e := &Event{
		ID:        NewID(),
		Source:    source,
		Message:   message,
		CreatedAt: time.Now(),
	}
	switch source {
	case SourceMessage:
		e.Priority = PriorityHigh
	case SourceHeartbeat:
		e.Priority = PriorityLow
	default:
		e.Priority = PriorityNormal
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMessage creates a request/response user-message event. Its reply
// channel is resolved by the consumer.
func NewMessage(message string, opts ...Option) *Event {
	e := New(SourceMessage, message, opts...)
	e.reply = make(chan Result, 1)
	return e
}

// NewHeartbeat creates a background heartbeat event. The heartbeat kind is
// carried in metadata.
func NewHeartbeat(prompt, kind string, opts ...Option) *Event {
	e := New(SourceHeartbeat, prompt, opts...)
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata["heartbeat_type"] = kind
	if e.Channel == "" {
		e.Channel = "heartbeat"
	}
	return e
}

// NewScheduled creates a fire-and-forget scheduled-job event.
func NewScheduled(jobID, prompt string, opts ...Option) *Event {
	e := New(SourceScheduled, prompt, opts...)
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata["job_id"] = jobID
	return e
}

// Reply returns the event's response channel, nil for fire-and-forget
// events.
func (e *Event) Reply() <-chan Result { return e.reply }

// resolve delivers the result without blocking; the reply channel is
// buffered and written exactly once.
func (e *Event) resolve(res Result) {
	if e.reply == nil {
		return
	}
	select {
	case e.reply <- res:
	default:
	}
}
