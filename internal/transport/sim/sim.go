// Package sim is an in-process terminal used for development and tests. It
// speaks the same frames as a real device and exposes hooks to drop, restore,
// and inject traffic.
package sim

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/frame"
	"github.com/danmuck/ecrlink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrConnectRefused = errors.New("sim: connect refused")

const queueDepth = 64

type Config struct {
	ConnectDelay  time.Duration
	ResponseDelay time.Duration
	// FailConnect makes every Connect end in connect_failed.
	FailConnect bool
	// Silent swallows requests without replying.
	Silent       bool
	ResponseCode string
	Message      string
}

func DefaultConfig() Config {
	return Config{
		ConnectDelay:  10 * time.Millisecond,
		ResponseDelay: 50 * time.Millisecond,
		ResponseCode:  "00",
		Message:       "APPROVED",
	}
}

type Adapter struct {
	cfg Config

	mu        sync.Mutex
	handler   transport.Handler
	connected bool
	gen       uint64
	closed    bool
	sent      [][]byte

	queue chan transport.Event
	done  chan struct{}
	wg    sync.WaitGroup
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.ResponseCode == "" {
		cfg.ResponseCode = "00"
	}
	if cfg.Message == "" {
		cfg.Message = "APPROVED"
	}
	a := &Adapter{
		cfg:   cfg,
		queue: make(chan transport.Event, queueDepth),
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.dispatch()
	return a
}

func (a *Adapter) SetHandler(h transport.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) SetSilent(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Silent = v
}

func (a *Adapter) SetFailConnect(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.FailConnect = v
}

func (a *Adapter) Connect(host string, port int) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	a.gen++
	gen := a.gen
	fail := a.cfg.FailConnect
	delay := a.cfg.ConnectDelay
	a.mu.Unlock()

	log.Debug().Str("host", host).Int("port", port).Bool("fail", fail).Msg("sim.Adapter connect")
	time.AfterFunc(delay, func() {
		a.mu.Lock()
		if gen != a.gen || a.closed {
			a.mu.Unlock()
			return
		}
		if fail {
			a.mu.Unlock()
			a.enqueue(transport.Event{Kind: transport.EventConnectFailed, Err: ErrConnectRefused})
			return
		}
		a.connected = true
		a.mu.Unlock()
		a.enqueue(transport.Event{Kind: transport.EventConnected})
	})
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.connected = false
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close stops the dispatcher. It must not be called from the event handler.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	a.gen++
	a.mu.Unlock()
	close(a.done)
	a.wg.Wait()
	return nil
}

// Send accepts one framed request and, unless silent, answers it after
// ResponseDelay with an approval carrying the same command code.
func (a *Adapter) Send(raw []byte) error {
	f, err := frame.Decode(raw)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return transport.ErrNotConnected
	}
	a.sent = append(a.sent, append([]byte(nil), raw...))
	gen := a.gen
	silent := a.cfg.Silent
	delay := a.cfg.ResponseDelay
	code := a.cfg.ResponseCode
	msg := a.cfg.Message
	a.mu.Unlock()

	if silent {
		return nil
	}
	fields := f.Fields()
	if len(fields) == 0 {
		return nil
	}
	reply := Reply(fields[0], code, msg, "SIM"+uuid.NewString()[:8])
	time.AfterFunc(delay, func() {
		a.mu.Lock()
		ok := gen == a.gen && a.connected
		a.mu.Unlock()
		if ok {
			a.enqueue(transport.Event{Kind: transport.EventData, Data: reply})
		}
	})
	return nil
}

// Sent returns copies of every frame accepted by Send.
func (a *Adapter) Sent() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.sent))
	copy(out, a.sent)
	return out
}

// Drop simulates an unexpected link loss.
func (a *Adapter) Drop(willReconnect bool) {
	a.mu.Lock()
	a.connected = false
	a.gen++
	a.mu.Unlock()
	a.enqueue(transport.Event{Kind: transport.EventDisconnected, WillReconnect: willReconnect})
}

// Restore simulates a successful adapter-level reconnect.
func (a *Adapter) Restore() {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.enqueue(transport.Event{Kind: transport.EventConnected})
}

// Inject delivers an unsolicited frame payload as if the terminal sent it.
func (a *Adapter) Inject(payload []byte) {
	a.enqueue(transport.Event{Kind: transport.EventData, Data: append([]byte(nil), payload...)})
}

// Reply builds a terminal response payload: command, response code, message
// and a trailing transaction id, each wrapped in field separators.
func Reply(command, code, message, txnID string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(frame.FS)
	for _, f := range []string{command, code, message, txnID} {
		buf.WriteString(f)
		buf.WriteByte(frame.FS)
	}
	return buf.Bytes()
}

func (a *Adapter) enqueue(ev transport.Event) {
	select {
	case a.queue <- ev:
	case <-a.done:
	}
}

func (a *Adapter) dispatch() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case ev := <-a.queue:
			a.mu.Lock()
			h := a.handler
			a.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}
