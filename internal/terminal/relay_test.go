package terminal

import (
	"testing"

	"github.com/danmuck/ecrlink/internal/testutil/testlog"
)

func TestRelayDropsWithoutSubscriber(t *testing.T) {
	testlog.Start(t)
	r := NewRelay("relay-test")
	r.Publish(Event{Kind: EventOutOfBand})
	r.Publish(Event{Kind: EventConnected})
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", r.Dropped())
	}

	sub := &recorder{}
	r.Subscribe(sub)
	r.Publish(Event{Kind: EventOutOfBand})
	if sub.total() != 1 || r.Dropped() != 2 {
		t.Fatalf("delivered=%d dropped=%d", sub.total(), r.Dropped())
	}
	sub.mu.Lock()
	ev := sub.events[0]
	sub.mu.Unlock()
	if ev.Terminal != "relay-test" || ev.At.IsZero() {
		t.Fatalf("relay should stamp terminal and time: %+v", ev)
	}

	r.Unsubscribe()
	r.Publish(Event{Kind: EventOutOfBand})
	if sub.total() != 1 || r.Dropped() != 3 || r.Subscribed() {
		t.Fatalf("unsubscribe should stop delivery")
	}
}

func TestRelayDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	r := NewRelay("relay-test")
	sub := &recorder{}
	r.Subscribe(sub)
	kinds := []EventKind{EventConnected, EventOutOfBand, EventReconnecting, EventConnected, EventDisconnected}
	for _, k := range kinds {
		r.Publish(Event{Kind: k})
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i, k := range kinds {
		if sub.events[i].Kind != k {
			t.Fatalf("event %d: got %s want %s", i, sub.events[i].Kind, k)
		}
	}
}

func TestRelayReplaceOnlySwapsCurrent(t *testing.T) {
	testlog.Start(t)
	r := NewRelay("relay-test")
	a := &recorder{}
	b := &recorder{}
	c := &recorder{}

	r.Subscribe(a)
	if r.Replace(b, c) {
		t.Fatalf("replace should fail when b is not subscribed")
	}
	if !r.Replace(a, b) {
		t.Fatalf("replace should swap a for b")
	}
	r.Publish(Event{Kind: EventOutOfBand})
	if a.total() != 0 || b.total() != 1 {
		t.Fatalf("a=%d b=%d", a.total(), b.total())
	}
}

func TestSubscriberFunc(t *testing.T) {
	testlog.Start(t)
	r := NewRelay("relay-test")
	got := 0
	r.Subscribe(SubscriberFunc(func(Event) { got++ }))
	r.Publish(Event{Kind: EventConnected})
	if got != 1 {
		t.Fatalf("expected func subscriber call, got %d", got)
	}
}
