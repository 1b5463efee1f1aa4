package live

import (
	"slices"
	"sync"
	"time"
)

// EventKind names an event for subscription purposes.
type EventKind string

const (
	KindOpen          EventKind = "open"
	KindClose         EventKind = "close"
	KindError         EventKind = "error"
	KindLog           EventKind = "log"
	KindMessage       EventKind = "message"
	KindContent       EventKind = "content"
	KindAudio         EventKind = "audio"
	KindInterrupted   EventKind = "interrupted"
	KindTurnComplete  EventKind = "turncomplete"
	KindSetupComplete EventKind = "setupcomplete"
	KindToolCall      EventKind = "toolcall"
)

// Event is an occurrence on a session. The set of implementations is closed;
// switch on the concrete type or on Kind.
type Event interface {
	Kind() EventKind
	isEvent()
}

// OpenEvent is emitted once the transport is connected, before setup is
// acknowledged.
type OpenEvent struct{}

// CloseEvent is emitted exactly once per connection when it reaches Closed.
type CloseEvent struct {
	Code int
}

// ErrorEvent carries a server error frame or a post-handshake transport
// failure. The session is Closed after it.
type ErrorEvent struct {
	Err error
}

// LogEntry is a diagnostic note about traffic on the session.
type LogEntry struct {
	Time    time.Time
	Type    string // e.g. "client.send", "server.content"
	Message string
}

// LogEvent carries a [LogEntry].
type LogEvent struct {
	Entry LogEntry
}

// MessageEvent carries every raw inbound frame before it is interpreted.
type MessageEvent struct {
	Raw []byte
}

// ContentEvent carries an incremental model turn.
type ContentEvent struct {
	Turn ModelTurn
}

// AudioEvent carries decoded PCM from the model.
type AudioEvent struct {
	Data []byte
}

// InterruptedEvent signals that the model's reply was cut off.
type InterruptedEvent struct{}

// TurnCompleteEvent signals the end of the model's reply.
type TurnCompleteEvent struct{}

// SetupCompleteEvent signals that the session accepts input.
type SetupCompleteEvent struct{}

// ToolCallEvent carries tool invocations the model wants answered with
// [Client.SendToolResponse].
type ToolCallEvent struct {
	Calls []FunctionCall
}

func (OpenEvent) Kind() EventKind          { return KindOpen }
func (CloseEvent) Kind() EventKind         { return KindClose }
func (ErrorEvent) Kind() EventKind         { return KindError }
func (LogEvent) Kind() EventKind           { return KindLog }
func (MessageEvent) Kind() EventKind       { return KindMessage }
func (ContentEvent) Kind() EventKind       { return KindContent }
func (AudioEvent) Kind() EventKind         { return KindAudio }
func (InterruptedEvent) Kind() EventKind   { return KindInterrupted }
func (TurnCompleteEvent) Kind() EventKind  { return KindTurnComplete }
func (SetupCompleteEvent) Kind() EventKind { return KindSetupComplete }
func (ToolCallEvent) Kind() EventKind      { return KindToolCall }

func (OpenEvent) isEvent()          {}
func (CloseEvent) isEvent()         {}
func (ErrorEvent) isEvent()         {}
func (LogEvent) isEvent()           {}
func (MessageEvent) isEvent()       {}
func (ContentEvent) isEvent()       {}
func (AudioEvent) isEvent()         {}
func (InterruptedEvent) isEvent()   {}
func (TurnCompleteEvent) isEvent()  {}
func (SetupCompleteEvent) isEvent() {}
func (ToolCallEvent) isEvent()      {}

// Handler receives events. Handlers run one at a time in publish order and
// must return quickly; long work belongs on another goroutine.
type Handler func(Event)

// ── bus ───────────────────────────────────────────────────────────────────────

// bus is a serial executor: publish appends to a single inbox and whichever
// goroutine finds the inbox idle drains it. Handlers therefore never run
// concurrently and observe events in exactly the order they were published,
// including events published from inside a handler.
type bus struct {
	mu       sync.Mutex
	subs     map[uint64]subscription
	nextID   uint64
	queue    []Event
	draining bool
}

type subscription struct {
	kind EventKind // empty matches every kind
	fn   Handler
}

func (b *bus) subscribe(kind EventKind, fn Handler) func() {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]subscription)
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{kind: kind, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		handlers := b.matching(next.Kind())
		b.mu.Unlock()

		for _, fn := range handlers {
			fn(next)
		}
	}
}

// matching returns handlers for kind in subscription order. b.mu must be held.
func (b *bus) matching(kind EventKind) []Handler {
	var ids []uint64
	for id, s := range b.subs {
		if s.kind == "" || s.kind == kind {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = b.subs[id].fn
	}
	return out
}
