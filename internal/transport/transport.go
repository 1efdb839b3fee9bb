// Package transport defines the socket boundary between the terminal session
// façade and a concrete terminal link (real TCP device or simulator).
package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// EventKind enumerates adapter callbacks.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventConnectFailed EventKind = "connect_failed"
	EventData          EventKind = "data"
)

// Event is one asynchronous adapter callback. For EventData, Data holds the
// checksum-verified frame payload (the bytes between STX and ETX).
type Event struct {
	Kind          EventKind
	WillReconnect bool
	Data          []byte
	Err           error
}

func (e Event) String() string {
	switch e.Kind {
	case EventDisconnected:
		return fmt.Sprintf("%s(will_reconnect=%t)", e.Kind, e.WillReconnect)
	case EventConnectFailed:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
	case EventData:
		return fmt.Sprintf("%s(%d bytes)", e.Kind, len(e.Data))
	}
	return string(e.Kind)
}

// Handler receives adapter events. Adapters call it from their own goroutine,
// one event at a time.
type Handler func(Event)

// Adapter is the terminal socket engine consumed by the session façade.
//
// Connect starts connecting and returns immediately; the outcome arrives as
// EventConnected or EventConnectFailed. Disconnect is explicit and emits no event.
// Close releases the adapter for good.
type Adapter interface {
	SetHandler(h Handler)
	Connect(host string, port int) error
	Disconnect() error
	Send(frame []byte) error
	Connected() bool
	Close() error
}
