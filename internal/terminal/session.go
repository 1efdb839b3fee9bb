package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ecrlink/internal/observability"
	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/protocol/frame"
	"github.com/danmuck/ecrlink/internal/protocol/session"
	"github.com/danmuck/ecrlink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const refNumLayout = "060102150405"

type Option func(*Session)

// WithOutcomeHook registers fn to observe every Outcome. It runs before the
// Pending's Done channel closes and must not block.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(s *Session) {
		s.onOutcome = fn
	}
}

// WithRelay publishes to a relay owned by the caller, so its subscriber
// survives this Session.
func WithRelay(r *Relay) Option {
	return func(s *Session) {
		if r != nil {
			s.relay = r
		}
	}
}

// Session is one logical connection to a terminal.
type Session struct {
	cfg       Config
	adapter   transport.Adapter
	relay     *Relay
	ownsRelay bool
	onOutcome func(Outcome)
	now       func() time.Time

	mu          sync.Mutex
	state       State
	endpoint    session.Endpoint
	pending     *Pending
	connectWait chan error
	lastErr     error
	refSeq      int
	closed      bool
}

// Status is a point-in-time view of the Session.
type Status struct {
	TerminalID    string           `json:"terminal_id"`
	State         State            `json:"state"`
	Endpoint      session.Endpoint `json:"endpoint"`
	Reconnect     ReconnectStatus  `json:"reconnect"`
	Pending       *PendingStatus   `json:"pending,omitempty"`
	DroppedEvents uint64           `json:"dropped_events"`
	LastError     string           `json:"last_error,omitempty"`
}

type ReconnectStatus struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

type PendingStatus struct {
	ID          string              `json:"id"`
	RefNum      string              `json:"ref_num,omitempty"`
	Type        ecr.TransactionType `json:"type"`
	SubmittedAt time.Time           `json:"submitted_at"`
	Deadline    time.Time           `json:"deadline"`
}

// Initialize validates cfg and binds adapter to a new Session in StateReady.
func Initialize(cfg Config, adapter transport.Adapter, opts ...Option) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, fmt.Errorf("%w: missing transport adapter", ErrConfig)
	}
	s := &Session{
		cfg:      cfg,
		adapter:  adapter,
		now:      time.Now,
		state:    StateReady,
		endpoint: cfg.Endpoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.relay == nil {
		s.relay = NewRelay(cfg.TerminalID)
		s.ownsRelay = true
	}
	adapter.SetHandler(s.onTransportEvent)
	log.Info().Str("terminal", cfg.TerminalID).Str("endpoint", cfg.Endpoint.Address()).Msg("terminal.Session initialized")
	return s, nil
}

func (s *Session) TerminalID() string { return s.cfg.TerminalID }

func (s *Session) Relay() *Relay { return s.relay }

func (s *Session) Subscribe(sub Subscriber) { s.relay.Subscribe(sub) }

func (s *Session) Unsubscribe() { s.relay.Unsubscribe() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.cfg.Session.Reconnect
	st := Status{
		TerminalID: s.cfg.TerminalID,
		State:      s.state,
		Endpoint:   s.endpoint,
		Reconnect: ReconnectStatus{
			Enabled:  rc.Enabled,
			Interval: rc.Interval.String(),
			Timeout:  rc.Timeout.String(),
		},
		DroppedEvents: s.relay.Dropped(),
	}
	if p := s.pending; p != nil {
		st.Pending = &PendingStatus{
			ID:          p.ID,
			RefNum:      p.RefNum,
			Type:        p.Request.Type,
			SubmittedAt: p.SubmittedAt,
			Deadline:    p.Deadline,
		}
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Pending returns the outstanding transaction, if any.
func (s *Session) Pending() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Connect opens the link and blocks until the adapter reports the result, the
// connect timeout passes, or ctx ends. A zero ep reuses the configured endpoint.
func (s *Session) Connect(ctx context.Context, ep session.Endpoint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	if !s.state.canConnect() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	if ep.IsZero() {
		ep = s.endpoint
	}
	if err := ep.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	wait := make(chan error, 1)
	s.endpoint = ep
	s.state = StateConnecting
	s.connectWait = wait
	s.mu.Unlock()

	log.Info().Str("terminal", s.cfg.TerminalID).Str("endpoint", ep.Address()).Msg("terminal.Session connecting")
	if err := s.adapter.Connect(ep.Host, ep.Port); err != nil {
		return s.abortConnect(wait, fmt.Errorf("%w: %w", ErrTransport, err))
	}

	timer := time.NewTimer(s.cfg.Session.ConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		return s.abortConnect(wait, fmt.Errorf("%w: %w: connect after %s", ErrTransport, ErrTimeout, s.cfg.Session.ConnectTimeout))
	case <-ctx.Done():
		return s.abortConnect(wait, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	}
}

// abortConnect fails an attempt that is still in flight. If the adapter or
// Disconnect already settled it, their result wins.
func (s *Session) abortConnect(wait chan error, cause error) error {
	s.mu.Lock()
	if s.connectWait != wait {
		s.mu.Unlock()
		return <-wait
	}
	s.connectWait = nil
	s.state = StateFailed
	s.lastErr = cause
	s.mu.Unlock()

	_ = s.adapter.Disconnect()
	log.Warn().Str("terminal", s.cfg.TerminalID).Err(cause).Msg("terminal.Session connect failed")
	observability.RecordConnectivity(s.cfg.TerminalID, string(EventConnectFailed))
	s.relay.Publish(Event{Kind: EventConnectFailed, Error: cause.Error()})
	return cause
}

// Disconnect moves the Session to StateDisconnected from any state. The
// outstanding transaction, if any, is completed as cancelled.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	wait := s.connectWait
	s.connectWait = nil
	prev := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	err := s.adapter.Disconnect()
	if wait != nil {
		wait <- fmt.Errorf("%w: disconnect during connect", ErrCancelled)
	}
	if p != nil {
		s.finish(p, OutcomeCancelled, nil, ErrCancelled)
	}
	if prev.linked() || prev == StateConnecting {
		log.Info().Str("terminal", s.cfg.TerminalID).Str("from", string(prev)).Msg("terminal.Session disconnected")
		observability.RecordConnectivity(s.cfg.TerminalID, string(EventDisconnected))
		s.relay.Publish(Event{Kind: EventDisconnected})
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Close disconnects, detaches the subscriber and releases the adapter. A relay
// passed in WithRelay keeps its subscriber.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}
	if s.ownsRelay {
		s.relay.Unsubscribe()
	}
	if cerr := s.adapter.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %w", ErrTransport, cerr)
	}
	return err
}

// Submit starts a transaction. It never blocks on the terminal; the result is
// delivered through the returned Pending.
func (s *Session) Submit(req ecr.Request) (*Pending, error) {
	now := s.now()
	if req.DateTime.IsZero() {
		req.DateTime = now
	}

	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	if s.pending != nil {
		id := s.pending.ID
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	if req.Type.HasRefNum() && req.RefNum == "" {
		req.RefNum = s.nextRefNumLocked(now)
	}
	raw, err := ecr.Pack(req)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	timeout := s.cfg.Session.TransactionTimeout
	p := newPending(uuid.NewString(), req, now, timeout)
	p.timer = time.AfterFunc(timeout, func() { s.expire(p) })
	s.pending = p
	s.mu.Unlock()

	log.Info().Str("terminal", s.cfg.TerminalID).Str("id", p.ID).Str("type", req.Type.String()).Str("ref", p.RefNum).Msg("terminal.Session submit")
	if err := s.adapter.Send(raw); err != nil {
		s.mu.Lock()
		owned := s.pending == p
		if owned {
			s.pending = nil
			s.lastErr = err
		}
		s.mu.Unlock()
		if owned {
			s.finish(p, OutcomeTransportError, nil, fmt.Errorf("%w: %w", ErrTransport, err))
		}
	}
	return p, nil
}

// nextRefNumLocked derives a 14-character reference number from the submit
// time plus a rolling two-digit sequence.
func (s *Session) nextRefNumLocked(now time.Time) string {
	s.refSeq = (s.refSeq + 1) % 100
	return fmt.Sprintf("%s%02d", now.Format(refNumLayout), s.refSeq)
}

func (s *Session) expire(p *Pending) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()
	log.Warn().Str("terminal", s.cfg.TerminalID).Str("id", p.ID).Msg("terminal.Session transaction timed out")
	s.finish(p, OutcomeTimeout, nil, ErrTimeout)
}

// finish delivers the outcome for a Pending already removed from the slot.
func (s *Session) finish(p *Pending, status OutcomeStatus, resp *ecr.Response, err error) {
	p.complete(status, resp, err, s.observe)
}

func (s *Session) observe(out Outcome) {
	observability.RecordTransaction(s.cfg.TerminalID, out.Type.String(), string(out.Status), out.Duration())
	log.Info().Str("terminal", s.cfg.TerminalID).Str("id", out.ID).Str("status", string(out.Status)).Dur("elapsed", out.Duration()).Msg("terminal.Session outcome")
	if s.onOutcome != nil {
		s.onOutcome(out)
	}
}

// onTransportEvent runs on the adapter goroutine. Connect waiters are released
// after the matching relay event is published.
func (s *Session) onTransportEvent(ev transport.Event) {
	log.Debug().Str("terminal", s.cfg.TerminalID).Str("event", ev.String()).Msg("terminal.Session transport event")
	switch ev.Kind {
	case transport.EventConnected:
		s.onConnected()
	case transport.EventConnectFailed:
		s.onConnectFailed(ev.Err)
	case transport.EventDisconnected:
		s.onDisconnected(ev)
	case transport.EventData:
		s.onData(ev.Data)
	}
}

func (s *Session) onConnected() {
	var wait chan error
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		wait = s.connectWait
		s.connectWait = nil
		s.state = StateConnected
		s.lastErr = nil
		s.mu.Unlock()
	case StateReconnecting:
		s.state = StateConnected
		s.lastErr = nil
		s.mu.Unlock()
	default:
		state := s.state
		s.mu.Unlock()
		log.Debug().Str("terminal", s.cfg.TerminalID).Str("state", string(state)).Msg("terminal.Session ignoring stale connected")
		return
	}
	log.Info().Str("terminal", s.cfg.TerminalID).Msg("terminal.Session connected")
	observability.RecordConnectivity(s.cfg.TerminalID, string(EventConnected))
	s.relay.Publish(Event{Kind: EventConnected})
	if wait != nil {
		wait <- nil
	}
}

func (s *Session) onConnectFailed(cause error) {
	if cause == nil {
		cause = errors.New("connect failed")
	}
	err := fmt.Errorf("%w: %w", ErrTransport, cause)

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	wait := s.connectWait
	s.connectWait = nil
	s.state = StateFailed
	s.lastErr = err
	s.mu.Unlock()

	log.Warn().Str("terminal", s.cfg.TerminalID).Err(cause).Msg("terminal.Session connect failed")
	observability.RecordConnectivity(s.cfg.TerminalID, string(EventConnectFailed))
	s.relay.Publish(Event{Kind: EventConnectFailed, Error: cause.Error()})
	if wait != nil {
		wait <- err
	}
}

func (s *Session) onDisconnected(ev transport.Event) {
	s.mu.Lock()
	if !s.state.linked() {
		s.mu.Unlock()
		return
	}
	p := s.pending
	s.pending = nil
	kind := EventDisconnected
	if ev.WillReconnect {
		s.state = StateReconnecting
		kind = EventReconnecting
	} else {
		s.state = StateDisconnected
	}
	if ev.Err != nil {
		s.lastErr = ev.Err
	}
	s.mu.Unlock()

	if p != nil {
		cause := ev.Err
		if cause == nil {
			cause = transport.ErrNotConnected
		}
		s.finish(p, OutcomeTransportError, nil, fmt.Errorf("%w: %w", ErrTransport, cause))
	}
	log.Warn().Str("terminal", s.cfg.TerminalID).Bool("will_reconnect", ev.WillReconnect).Msg("terminal.Session link lost")
	observability.RecordConnectivity(s.cfg.TerminalID, string(kind))
	out := Event{Kind: kind, WillReconnect: ev.WillReconnect}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	s.relay.Publish(out)
}

// onData matches a response to the pending transaction by command code.
// Anything that does not match goes out of band.
func (s *Session) onData(payload []byte) {
	resp, perr := ecr.ParseResponse(frame.Frame{Payload: payload})

	s.mu.Lock()
	p := s.pending
	if perr == nil && p != nil && resp.Command == p.Request.Type.Command() {
		s.pending = nil
		s.mu.Unlock()
		s.finish(p, OutcomeCompleted, &resp, nil)
		return
	}
	s.mu.Unlock()

	ev := Event{Kind: EventOutOfBand, Raw: append([]byte(nil), payload...)}
	if perr == nil {
		ev.Response = &resp
		ev.Delimited = resp.Delimited()
	} else {
		ev.Error = perr.Error()
	}
	log.Info().Str("terminal", s.cfg.TerminalID).Str("command", resp.Command).Msg("terminal.Session out-of-band response")
	s.relay.Publish(ev)
}
