package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
)

type EventType string

const (
	EventRequestReceived   EventType = "request.received"
	EventRequestFiltered   EventType = "request.filtered"
	EventRequestSent       EventType = "request.sent"
	EventResponseSent      EventType = "response.sent"
	EventResponseReceived  EventType = "response.received"
	EventResponseUnmatched EventType = "response.unmatched"
	EventResponseForwarded EventType = "response.forwarded"
	EventFrameRejected     EventType = "frame.rejected"
)

// AllEvents lists every event type in causal order for one message.
var AllEvents = []EventType{
	EventRequestReceived,
	EventRequestFiltered,
	EventRequestSent,
	EventResponseSent,
	EventResponseReceived,
	EventResponseUnmatched,
	EventResponseForwarded,
	EventFrameRejected,
}

// Event describes one step of a message through this node.
type Event struct {
	Type EventType
	Node network.NodeID
	// Peer is the link the message came from or went to.
	Peer      network.NodeID
	Action    string
	RequestID string
	Envelope  protocol.Envelope
	// Decision is set on request.filtered.
	Decision ForwardOutcome
	// Outcome names how a request or response ended, e.g. an error code.
	Outcome string
	Err     error
	At      time.Time
}

// Subscriber receives events. Panics are recovered and counted.
type Subscriber func(Event)

// Events broadcasts to every subscriber of a type, in subscription order.
// Publish runs subscribers on the publishing goroutine without holding any
// lock, so a slow subscriber only delays the message that published. A
// failing subscriber never affects the publisher or other subscribers.
type Events struct {
	mu       sync.Mutex
	subs     atomic.Pointer[map[EventType][]Subscriber]
	failures atomic.Uint64
	now      func() time.Time
}

func NewEvents() *Events {
	e := &Events{now: time.Now}
	e.subs.Store(&map[EventType][]Subscriber{})
	return e
}

func (e *Events) Subscribe(t EventType, fn Subscriber) error {
	if fn == nil {
		return ErrNilHandler
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current := *e.subs.Load()
	next := make(map[EventType][]Subscriber, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	list := make([]Subscriber, 0, len(current[t])+1)
	list = append(list, current[t]...)
	next[t] = append(list, fn)
	e.subs.Store(&next)
	return nil
}

// SubscribeAll subscribes fn to every event type.
func (e *Events) SubscribeAll(fn Subscriber) error {
	for _, t := range AllEvents {
		if err := e.Subscribe(t, fn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Events) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			logs.Warnf("relay.Events subscriber panic type=%s request_id=%q err=%v", ev.Type, ev.RequestID, fmt.Sprint(r))
		}
	}()
	fn(ev)
}

// Publish delivers ev synchronously. A nil *Events drops it.
func (e *Events) Publish(ev Event) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	for _, fn := range (*e.subs.Load())[ev.Type] {
		e.deliver(fn, ev)
	}
}

// Failures counts subscriber panics.
func (e *Events) Failures() uint64 {
	return e.failures.Load()
}
