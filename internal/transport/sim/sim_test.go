package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/frame"
	"github.com/danmuck/ecrlink/internal/testutil/testlog"
	"github.com/danmuck/ecrlink/internal/transport"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectDelay = time.Millisecond
	cfg.ResponseDelay = time.Millisecond
	return cfg
}

func start(t *testing.T, cfg Config) (*Adapter, chan transport.Event) {
	t.Helper()
	a := New(cfg)
	t.Cleanup(func() { _ = a.Close() })
	events := make(chan transport.Event, 16)
	a.SetHandler(func(ev transport.Event) { events <- ev })
	return a, events
}

func next(t *testing.T, events chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sim event")
	}
	return transport.Event{}
}

func request(t *testing.T, cmd string) []byte {
	t.Helper()
	raw, err := frame.Encode([]byte{frame.FS, cmd[0], cmd[1], frame.FS}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestSimConnectAndReply(t *testing.T) {
	testlog.Start(t)
	a, events := start(t, fastConfig())

	if err := a.Send(request(t, "A0")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected not connected before connect, got %v", err)
	}
	if err := a.Connect("sim", 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ev := next(t, events); ev.Kind != transport.EventConnected {
		t.Fatalf("expected connected, got %s", ev)
	}
	if err := a.Send(request(t, "A0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := next(t, events)
	if ev.Kind != transport.EventData {
		t.Fatalf("expected data, got %s", ev)
	}
	fields := frame.Frame{Payload: ev.Data}.Fields()
	if len(fields) != 4 || fields[0] != "A0" || fields[1] != "00" || fields[2] != "APPROVED" {
		t.Fatalf("unexpected reply fields: %q", fields)
	}
	if len(a.Sent()) != 1 {
		t.Fatalf("expected one recorded request, got %d", len(a.Sent()))
	}
}

func TestSimFailConnect(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.FailConnect = true
	a, events := start(t, cfg)
	if err := a.Connect("sim", 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := next(t, events)
	if ev.Kind != transport.EventConnectFailed || !errors.Is(ev.Err, ErrConnectRefused) {
		t.Fatalf("expected connect_failed, got %s", ev)
	}
	if a.Connected() {
		t.Fatalf("sim should not be connected")
	}
}

func TestSimSilentAndDropSuppressReply(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.ResponseDelay = 50 * time.Millisecond
	a, events := start(t, cfg)
	_ = a.Connect("sim", 1)
	next(t, events)

	a.SetSilent(true)
	if err := a.Send(request(t, "A0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.SetSilent(false)
	if err := a.Send(request(t, "A1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Drop(true)
	ev := next(t, events)
	if ev.Kind != transport.EventDisconnected || !ev.WillReconnect {
		t.Fatalf("expected disconnected(will_reconnect=true), got %s", ev)
	}
	select {
	case ev := <-events:
		t.Fatalf("reply should not survive a drop: %s", ev)
	case <-time.After(120 * time.Millisecond):
	}

	a.Restore()
	if ev := next(t, events); ev.Kind != transport.EventConnected {
		t.Fatalf("expected connected after restore, got %s", ev)
	}
}

func TestSimInjectAndDisconnect(t *testing.T) {
	testlog.Start(t)
	a, events := start(t, fastConfig())
	_ = a.Connect("sim", 1)
	next(t, events)

	a.Inject(Reply("B1", "00", "SETTLED", "x"))
	if ev := next(t, events); ev.Kind != transport.EventData {
		t.Fatalf("expected injected data, got %s", ev)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if a.Connected() {
		t.Fatalf("sim should be disconnected")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Connect("sim", 1); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
