package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ecrlink/internal/journal"
	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/protocol/frame"
	"github.com/danmuck/ecrlink/internal/protocol/session"
	"github.com/danmuck/ecrlink/internal/sink"
	"github.com/danmuck/ecrlink/internal/terminal"
	"github.com/danmuck/ecrlink/internal/transport"
	"github.com/danmuck/ecrlink/internal/transport/sim"
	"github.com/danmuck/ecrlink/internal/transport/tcp"
	"github.com/rs/zerolog/log"
)

// StatusPending marks a journal view of a transaction that has not completed.
const StatusPending = "pending"

// AdapterFactory builds a fresh transport for each Initialize.
type AdapterFactory func(cfg terminal.Config) (transport.Adapter, error)

type Option func(*Bridge)

func WithAdapterFactory(f AdapterFactory) Option {
	return func(b *Bridge) { b.newAdapter = f }
}

// WithMQTTPublisher replaces the broker connection used by the MQTT sink.
func WithMQTTPublisher(p sink.Publisher) Option {
	return func(b *Bridge) { b.mqttPub = p }
}

// Bridge owns the current terminal Session and everything that outlives it:
// the relay, the journal and the fallback MQTT subscriber.
type Bridge struct {
	cfg        ServiceConfig
	newAdapter AdapterFactory
	relay      *terminal.Relay
	journal    *journal.Journal
	mqttPub    sink.Publisher
	mqttClient *sink.MQTTClient
	mqttSink   *sink.MQTT

	mu      sync.Mutex
	session *terminal.Session
	tracked map[string]*terminal.Pending

	wsMu sync.Mutex
	ws   *sink.WebSocket
}

func NewBridge(cfg ServiceConfig, opts ...Option) (*Bridge, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:     cfg,
		relay:   terminal.NewRelay(cfg.Terminal.TerminalID),
		journal: j,
		tracked: make(map[string]*terminal.Pending),
	}
	b.newAdapter = b.defaultAdapter
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bridge) defaultAdapter(cfg terminal.Config) (transport.Adapter, error) {
	switch b.cfg.Transport {
	case TransportSim:
		return sim.New(b.cfg.Sim), nil
	case TransportTCP:
		return tcp.New(tcp.Config{
			Session: cfg.Session,
			Limits:  frame.Limits{MaxPayloadBytes: b.cfg.MaxFrameBytes},
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", terminal.ErrConfig, b.cfg.Transport)
}

// Start attaches the MQTT sink when enabled.
func (b *Bridge) Start() error {
	if !b.cfg.MQTT.Enabled {
		return nil
	}
	if b.mqttPub == nil {
		client, err := sink.DialMQTT(b.cfg.MQTT.MQTTConfig)
		if err != nil {
			return err
		}
		b.mqttClient = client
		b.mqttPub = client
	}
	b.mqttSink = sink.NewMQTT(b.mqttPub, b.cfg.MQTT.TopicPrefix)
	b.relay.Subscribe(b.mqttSink)
	log.Info().Str("broker", b.cfg.MQTT.BrokerURL).Msg("service.Bridge mqtt sink attached")
	return nil
}

func (b *Bridge) Config() ServiceConfig {
	return b.cfg
}

func (b *Bridge) Relay() *terminal.Relay {
	return b.relay
}

// Initialize replaces the current session. It is refused while the current
// session is connecting or linked.
func (b *Bridge) Initialize(cfg terminal.Config) (terminal.Status, error) {
	cfg.TerminalID = b.terminalID()
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return terminal.Status{}, err
	}

	b.mu.Lock()
	old := b.session
	if old != nil {
		switch old.State() {
		case terminal.StateConnecting, terminal.StateConnected, terminal.StateReconnecting:
			b.mu.Unlock()
			return terminal.Status{}, fmt.Errorf("%w: disconnect before re-initializing", terminal.ErrInvalidState)
		}
	}
	adapter, err := b.newAdapter(cfg)
	if err != nil {
		b.mu.Unlock()
		return terminal.Status{}, err
	}
	s, err := terminal.Initialize(cfg, adapter,
		terminal.WithRelay(b.relay),
		terminal.WithOutcomeHook(b.record),
	)
	if err != nil {
		b.mu.Unlock()
		_ = adapter.Close()
		return terminal.Status{}, err
	}
	b.session = s
	b.mu.Unlock()

	// outcome hooks take b.mu, so the old session is closed after release
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("service.Bridge closing previous session")
		}
	}
	log.Info().Str("terminal", cfg.TerminalID).Str("transport", b.cfg.Transport).Msg("service.Bridge initialized")
	return s.Status(), nil
}

func (b *Bridge) active() (*terminal.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, terminal.ErrNotInitialized
	}
	return b.session, nil
}

func (b *Bridge) Connect(ctx context.Context, ep session.Endpoint) error {
	s, err := b.active()
	if err != nil {
		return err
	}
	return s.Connect(ctx, ep)
}

func (b *Bridge) Disconnect() error {
	s, err := b.active()
	if err != nil {
		return err
	}
	return s.Disconnect()
}

func (b *Bridge) Status() terminal.Status {
	s, err := b.active()
	if err != nil {
		return terminal.Status{
			TerminalID:    b.cfg.Terminal.TerminalID,
			State:         terminal.StateUninitialized,
			DroppedEvents: b.relay.Dropped(),
		}
	}
	return s.Status()
}

func (b *Bridge) Submit(req ecr.Request) (string, error) {
	s, err := b.active()
	if err != nil {
		return "", err
	}
	p, err := s.Submit(req)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.tracked[p.ID] = p
	b.mu.Unlock()
	// the outcome hook may have untracked p before it was tracked
	go func() {
		<-p.Done()
		b.untrack(p.ID)
	}()
	return p.ID, nil
}

// Ready reports whether the bridge can accept and journal transactions.
func (b *Bridge) Ready() error {
	if err := b.journal.Ping(); err != nil {
		return fmt.Errorf("service: journal unavailable: %w", err)
	}
	return nil
}

// Transaction returns the journal view of id, waiting up to wait for a
// pending transaction to complete.
func (b *Bridge) Transaction(ctx context.Context, id string, wait time.Duration) (journal.Record, error) {
	b.mu.Lock()
	p := b.tracked[id]
	b.mu.Unlock()

	if p != nil {
		if wait > b.cfg.MaxWait {
			wait = b.cfg.MaxWait
		}
		if wait > 0 {
			wctx, cancel := context.WithTimeout(ctx, wait)
			_, _ = p.Wait(wctx)
			cancel()
		}
		if out, done := p.Outcome(); done {
			return journal.FromOutcome(b.terminalID(), out), nil
		}
		request, _ := ecr.FormatRequest(p.Request)
		return journal.Record{
			ID:          p.ID,
			Terminal:    b.terminalID(),
			RefNum:      p.RefNum,
			Type:        p.Request.Type.String(),
			Command:     p.Request.Type.Command(),
			Amount:      p.Request.Amount,
			Request:     request,
			Status:      StatusPending,
			SubmittedAt: p.SubmittedAt,
		}, nil
	}
	return b.journal.Get(id)
}

func (b *Bridge) Transactions(limit int) ([]journal.Record, error) {
	return b.journal.List(limit)
}

// AttachWebSocket makes ws the relay subscriber until the client leaves, then
// restores the MQTT sink if one is configured.
func (b *Bridge) AttachWebSocket(ws *sink.WebSocket) {
	b.wsMu.Lock()
	prev := b.ws
	b.ws = ws
	b.wsMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	b.relay.Subscribe(ws)
	log.Info().Str("sink", ws.ID).Msg("service.Bridge websocket subscribed")

	go func() {
		<-ws.Done()
		b.wsMu.Lock()
		if b.ws == ws {
			b.ws = nil
		}
		b.wsMu.Unlock()
		if b.relay.Replace(ws, b.fallback()) {
			log.Info().Str("sink", ws.ID).Msg("service.Bridge websocket detached")
		}
	}()
}

func (b *Bridge) fallback() terminal.Subscriber {
	if b.mqttSink == nil {
		return nil
	}
	return b.mqttSink
}

func (b *Bridge) record(out terminal.Outcome) {
	if err := b.journal.Append(journal.FromOutcome(b.terminalID(), out)); err != nil {
		log.Error().Str("id", out.ID).Err(err).Msg("service.Bridge journal append failed")
	}
	b.untrack(out.ID)
}

func (b *Bridge) untrack(id string) {
	b.mu.Lock()
	delete(b.tracked, id)
	b.mu.Unlock()
}

func (b *Bridge) terminalID() string {
	return b.cfg.Terminal.TerminalID
}

// Close tears down the session, sinks and journal.
func (b *Bridge) Close() error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	b.mu.Unlock()

	var errs []error
	if s != nil {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wsMu.Lock()
	ws := b.ws
	b.ws = nil
	b.wsMu.Unlock()
	if ws != nil {
		ws.Close()
	}
	if b.mqttClient != nil {
		b.mqttClient.Close()
	}
	if err := b.journal.Close(); err != nil && !errors.Is(err, journal.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
