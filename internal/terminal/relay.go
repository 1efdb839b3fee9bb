package terminal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ecrlink/internal/observability"
	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/rs/zerolog/log"
)

type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventReconnecting  EventKind = "reconnecting"
	EventConnectFailed EventKind = "connect_failed"
	EventOutOfBand     EventKind = "out_of_band"
)

// Event is one immutable notification pushed to the Subscriber.
type Event struct {
	Kind          EventKind     `json:"kind"`
	Terminal      string        `json:"terminal"`
	WillReconnect bool          `json:"will_reconnect,omitempty"`
	Response      *ecr.Response `json:"response,omitempty"`
	Raw           []byte        `json:"raw,omitempty"`
	Delimited     string        `json:"delimited,omitempty"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// Subscriber receives relay events. Deliver runs on the publishing goroutine
// and must not block or call back into the Relay.
type Subscriber interface {
	Deliver(Event)
}

type SubscriberFunc func(Event)

func (f SubscriberFunc) Deliver(ev Event) { f(ev) }

// Relay holds at most one Subscriber. Delivery is serial and synchronous; an
// event published while nobody is subscribed is dropped and counted.
type Relay struct {
	terminal string

	mu      sync.Mutex
	sub     Subscriber
	dropped atomic.Uint64
}

func NewRelay(terminal string) *Relay {
	return &Relay{terminal: terminal}
}

// Subscribe replaces the current subscriber. It waits for an in-flight
// delivery, so the previous subscriber sees nothing after it returns.
func (r *Relay) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub = s
}

func (r *Relay) Unsubscribe() {
	r.Subscribe(nil)
}

// Replace swaps in next only while current is still subscribed. Subscribers
// passed here must be comparable (pointer sinks are).
func (r *Relay) Replace(current, next Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != current {
		return false
	}
	r.sub = next
	return true
}

func (r *Relay) Subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Relay) Publish(ev Event) {
	if ev.Terminal == "" {
		ev.Terminal = r.terminal
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		n := r.dropped.Add(1)
		observability.RecordRelayDrop(r.terminal, string(ev.Kind))
		log.Warn().Str("terminal", r.terminal).Str("kind", string(ev.Kind)).Uint64("dropped", n).Msg("terminal.Relay no subscriber, event dropped")
		return
	}
	r.sub.Deliver(ev)
}
