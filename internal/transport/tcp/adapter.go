// Package tcp is the real-device transport: one TCP (optionally TLS) socket to
// the terminal with adapter-level reconnect.
package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/frame"
	"github.com/danmuck/ecrlink/internal/protocol/session"
	"github.com/danmuck/ecrlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyActive = errors.New("tcp: connection already active")

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	Session session.Config
	Limits  frame.Limits
	// Dial overrides the default net.Dialer; tests use it to inject failures.
	Dial DialFunc
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

type Adapter struct {
	cfg Config

	mu      sync.Mutex
	handler transport.Handler
	conn    net.Conn
	cancel  context.CancelFunc
	gen     uint64
	closed  bool

	writeMu sync.Mutex
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) SetHandler(h transport.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) Connect(host string, port int) error {
	ep := session.Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if a.cancel != nil {
		a.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	go a.run(ctx, gen, ep)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	conn := a.conn
	a.cancel = nil
	a.conn = nil
	a.gen++
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *Adapter) Close() error {
	err := a.Disconnect()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return err
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *Adapter) Send(payload []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.cfg.Session.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.Session.WriteTimeout))
	}
	_, err := conn.Write(payload)
	return err
}

// run owns one connection generation: dial, read, and reconnect until the
// context is cancelled or the reconnect window is exhausted.
func (a *Adapter) run(ctx context.Context, gen uint64, ep session.Endpoint) {
	conn, err := a.dial(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("addr", ep.Address()).Err(err).Msg("tcp.Adapter dial failed")
		a.finish(gen)
		a.emit(gen, transport.Event{Kind: transport.EventConnectFailed, Err: err})
		return
	}

	for {
		if !a.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		log.Info().Str("addr", ep.Address()).Msg("tcp.Adapter connected")
		a.emit(gen, transport.Event{Kind: transport.EventConnected})

		readErr := a.readLoop(gen, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("addr", ep.Address()).Err(readErr).Msg("tcp.Adapter connection lost")
		a.detach(gen)

		policy := a.cfg.Session.Reconnect
		if !policy.Enabled {
			a.finish(gen)
			a.emit(gen, transport.Event{Kind: transport.EventDisconnected, Err: readErr})
			return
		}
		a.emit(gen, transport.Event{Kind: transport.EventDisconnected, WillReconnect: true, Err: readErr})

		conn, err = a.reconnect(ctx, ep, policy)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Str("addr", ep.Address()).Err(err).Msg("tcp.Adapter reconnect window exhausted")
			a.finish(gen)
			a.emit(gen, transport.Event{Kind: transport.EventDisconnected, Err: err})
			return
		}
	}
}

func (a *Adapter) reconnect(ctx context.Context, ep session.Endpoint, policy session.ReconnectPolicy) (net.Conn, error) {
	deadline := time.Now().Add(policy.Timeout)
	// overlapping run goroutines must not share a rand source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error = transport.ErrNotConnected
	for attempt := 1; ; attempt++ {
		delay := policy.Delay(attempt, rng)
		if time.Now().Add(delay).After(deadline) {
			return nil, lastErr
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		conn, err := a.dial(ctx, ep)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Int("attempt", attempt).Str("addr", ep.Address()).Err(err).Msg("tcp.Adapter reconnect attempt")
	}
}

func (a *Adapter) dial(ctx context.Context, ep session.Endpoint) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Session.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dial := a.cfg.Dial
	if dial == nil {
		d := net.Dialer{}
		dial = d.DialContext
	}
	rawConn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !a.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := a.cfg.Session.TLS.ClientConfig(ep.Host)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	if err := conn.HandshakeContext(dialCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Adapter) readLoop(gen uint64, conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		f, err := frame.ReadFrame(r, a.cfg.Limits)
		if err != nil {
			if errors.Is(err, frame.ErrChecksum) || errors.Is(err, frame.ErrPayloadTooLarge) {
				log.Warn().Err(err).Msg("tcp.Adapter discarding frame")
				continue
			}
			return err
		}
		a.emit(gen, transport.Event{Kind: transport.EventData, Data: f.Payload})
	}
}

func (a *Adapter) attach(gen uint64, conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return false
	}
	a.conn = conn
	return true
}

func (a *Adapter) detach(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen == a.gen {
		a.conn = nil
	}
}

// finish releases the generation so a later Connect may start a new one.
func (a *Adapter) finish(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = nil
	a.conn = nil
}

// emit delivers ev unless the generation was superseded by Disconnect or a
// newer Connect.
func (a *Adapter) emit(gen uint64, ev transport.Event) {
	a.mu.Lock()
	h := a.handler
	current := gen == a.gen
	a.mu.Unlock()
	if !current || h == nil {
		return
	}
	h(ev)
}
