// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-connection protocol engine: the
// handshake state machine, stanza dispatch, and the routing of message and
// presence stanzas through the pub/sub bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/stanzalabs/chatflux/auth"
	"github.com/stanzalabs/chatflux/bus"
	"github.com/stanzalabs/chatflux/codec"
	"github.com/stanzalabs/chatflux/xmpp"
)

// State represents the handshake state.
type State int

const (
	StateInit State = iota
	StateStreamNegotiated
	StateAuthenticated
	StateResourceBound
	StateSessionEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreamNegotiated:
		return "stream-negotiated"
	case StateAuthenticated:
		return "authenticated"
	case StateResourceBound:
		return "resource-bound"
	case StateSessionEstablished:
		return "session-established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrBadStreamTarget is returned when the client opens a stream to a
	// domain this server does not serve.
	ErrBadStreamTarget = errors.New("stream addressed to unknown domain")
	// ErrNotAuthenticated is returned for handshake-critical stanzas that
	// require an authenticated identity.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrAuthFailed is returned when credential verification rejects the
	// user.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrBadNamespace is returned for IQ children in the wrong namespace.
	ErrBadNamespace = errors.New("unexpected stanza namespace")
)

// Config holds per-session tunables.
type Config struct {
	Logger           *slog.Logger
	QueueSize        int
	PublishTimeout   time.Duration
	BreakerThreshold uint32
	BreakerReset     time.Duration
}

// Session owns one client connection. An inbound goroutine reads and
// dispatches stanzas; an outbound goroutine drains the write queue. The bus
// subscription callback only appends to the write queue, so handshake state
// stays single-writer.
type Session struct {
	id       string
	conn     net.Conn
	reader   *xmpp.StreamReader
	verifier auth.Verifier
	bus      bus.Bus
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	cfg Config

	out  chan xmpp.Stanza
	done chan struct{}

	mu                 sync.RWMutex
	state              State
	jid                *xmpp.JID
	handshakeCompleted bool
	presence           *xmpp.Presence
	sub                bus.Subscription

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Session)
}

// New creates a session bound to the connection. The session id is assigned
// here, before any protocol exchange; it becomes the stream id and the
// synthetic bound resource.
func New(conn net.Conn, verifier auth.Verifier, b bus.Bus, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}

	id := uuid.NewString()
	logger := cfg.Logger.With(slog.String("session", id))

	s := &Session{
		id:       id,
		conn:     conn,
		reader:   xmpp.NewStreamReader(conn),
		verifier: verifier,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		out:      make(chan xmpp.Stanza, cfg.QueueSize),
		done:     make(chan struct{}),
		state:    StateInit,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "publish-" + id,
		Timeout: cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("publish circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return s
}

// SetOnClose sets the teardown callback invoked exactly once when the
// session closes.
func (s *Session) SetOnClose(fn func(*Session)) {
	s.onClose = fn
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// HandshakeCompleted reports whether authentication has finished.
func (s *Session) HandshakeCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handshakeCompleted
}

// JID returns the authenticated identity, or nil before authentication.
func (s *Session) JID() *xmpp.JID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jid
}

// Presence returns the session's cached self-presence, if any.
func (s *Session) Presence() *xmpp.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// Start launches the inbound and outbound goroutines.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.readLoop()
	go s.writeLoop()
}

// Close tears the session down: both loops stop, the bus subscription is
// dropped, the transport closes and the removal callback fires. Calling it
// again is a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()

		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				s.logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
			}
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("transport close", slog.String("error", err.Error()))
		}
		s.logger.Info("session closed")
		if s.onClose != nil {
			go s.onClose(s)
		}
	})
}

// readLoop blocks reading protocol units from the wire and dispatches them.
// Any fatal outcome tears down the whole session.
func (s *Session) readLoop() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		in, err := s.reader.Next()
		if err != nil {
			var perr *xmpp.ParseError
			if errors.As(err, &perr) {
				s.logger.Warn("dropping malformed stanza",
					slog.String("stanza", perr.Stanza),
					slog.String("reason", perr.Reason))
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read loop ended", slog.String("error", err.Error()))
			}
			return
		}

		fatal, err := s.dispatch(in)
		if err != nil {
			if fatal {
				s.logger.Error("fatal protocol error", slog.String("error", err.Error()))
				return
			}
			s.logger.Warn("stanza dropped", slog.String("error", err.Error()))
			continue
		}
		if fatal {
			// Orderly stream end.
			return
		}
	}
}

// writeLoop drains the outbound queue in FIFO order. The queue is the only
// ordering authority: internal responses and routed envelopes interleave
// strictly by enqueue order.
func (s *Session) writeLoop() {
	defer s.Close()
	for {
		select {
		case st := <-s.out:
			if _, err := s.conn.Write([]byte(st.Wire())); err != nil {
				s.logger.Debug("write failed", slog.String("error", err.Error()))
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue appends a stanza to the outbound queue, giving up when the session
// is closing.
func (s *Session) enqueue(st xmpp.Stanza) {
	select {
	case s.out <- st:
	case <-s.done:
	}
}

// dispatch routes one inbound unit through the state machine. It returns
// fatal=true when the session must close: either on error, or with a nil
// error for an orderly stream end.
func (s *Session) dispatch(in xmpp.Inbound) (fatal bool, err error) {
	switch v := in.(type) {
	case xmpp.StreamStart:
		return s.onStreamStart(v)
	case xmpp.AuthRequest:
		return s.onAuth(v)
	case *xmpp.IQ:
		return s.onIQ(v)
	case *xmpp.Message:
		return false, s.onMessage(v)
	case *xmpp.Presence:
		return false, s.onPresence(v)
	case xmpp.StreamEnd:
		return true, nil
	default:
		return false, fmt.Errorf("unhandled inbound unit %T", in)
	}
}

// onStreamStart answers a stream open with the server header and the feature
// set matching the auth state. The same path serves the restart after SASL
// success; no re-authentication happens.
func (s *Session) onStreamStart(open xmpp.StreamStart) (bool, error) {
	if open.To != "" && open.To != xmpp.Domain {
		return true, fmt.Errorf("%w: %q", ErrBadStreamTarget, open.To)
	}

	s.mu.Lock()
	completed := s.handshakeCompleted
	if s.state == StateInit {
		s.state = StateStreamNegotiated
	}
	s.mu.Unlock()

	s.enqueue(xmpp.StreamOpen{ID: s.id})
	s.enqueue(xmpp.Features{Register: completed})
	s.logger.Debug("stream negotiated", slog.Bool("restart", completed))
	return false, nil
}

func (s *Session) onAuth(req xmpp.AuthRequest) (bool, error) {
	s.mu.RLock()
	already := s.jid != nil && s.jid.Authenticated
	s.mu.RUnlock()
	if already {
		// Exactly one identity per session; the attempt is rejected, the
		// session lives.
		return false, errors.New("re-authentication rejected")
	}

	jid, err := xmpp.DecodeAuthPayload(req.Payload)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	ok, err := s.verifier.Verify(s.ctx, jid.Username, jid.Secret)
	if err != nil {
		return true, fmt.Errorf("credential lookup: %w", err)
	}
	if !ok {
		return true, fmt.Errorf("%w: user %s", ErrAuthFailed, jid.Username)
	}

	jid.Authenticated = true
	s.mu.Lock()
	s.jid = jid
	s.handshakeCompleted = true
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.enqueue(xmpp.SASLSuccess{})
	s.logger.Info("authenticated", slog.String("user", jid.Username))
	return false, nil
}

func (s *Session) onIQ(iq *xmpp.IQ) (bool, error) {
	switch {
	case iq.Type == "set" && iq.Child == "bind":
		return s.onBind(iq)
	case iq.Type == "set" && iq.Child == "session":
		if iq.ChildNS != xmpp.NSSession {
			return false, fmt.Errorf("%w: session in %q", ErrBadNamespace, iq.ChildNS)
		}
		s.mu.Lock()
		if s.state == StateResourceBound {
			s.state = StateSessionEstablished
		}
		s.mu.Unlock()
		s.enqueue(xmpp.SessionResult{IQID: iq.ID})
		return false, nil
	case iq.Type == "get":
		if iq.ChildNS != xmpp.NSRegister {
			return false, fmt.Errorf("%w: get query in %q", ErrBadNamespace, iq.ChildNS)
		}
		s.enqueue(xmpp.RegisterResult{IQID: iq.ID})
		return false, nil
	default:
		return false, fmt.Errorf("unsupported iq type %q child %q", iq.Type, iq.Child)
	}
}

// onBind binds the synthetic resource (the session id), subscribes the
// session to its own topic, and answers with the full JID. Binding without
// an authenticated identity is a fatal protocol violation.
func (s *Session) onBind(iq *xmpp.IQ) (bool, error) {
	if iq.ChildNS != xmpp.NSBind {
		return true, fmt.Errorf("%w: bind in %q", ErrBadNamespace, iq.ChildNS)
	}

	s.mu.RLock()
	jid := s.jid
	subscribed := s.sub != nil
	s.mu.RUnlock()
	if jid == nil {
		return true, fmt.Errorf("bind: %w", ErrNotAuthenticated)
	}

	if !subscribed {
		sub, err := s.bus.Subscribe(s.ctx, jid.Bare, s.onEnvelope)
		if err != nil {
			return true, fmt.Errorf("subscribe to %s: %w", jid.Bare, err)
		}
		s.mu.Lock()
		s.sub = sub
		s.state = StateResourceBound
		s.mu.Unlock()
	}

	if iq.Resource != "" {
		s.logger.Info("bound resource", slog.String("requested", iq.Resource))
	}
	s.enqueue(xmpp.BindResult{IQID: iq.ID, Bare: jid.Bare, Resource: s.id})
	return false, nil
}

func (s *Session) onMessage(msg *xmpp.Message) error {
	s.mu.RLock()
	completed := s.handshakeCompleted
	jid := s.jid
	s.mu.RUnlock()
	if !completed || jid == nil {
		return errors.New("message before handshake completed")
	}
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	if msg.From == "" {
		msg.From = jid.Bare
	}
	return s.publish(codec.KindMessage, msg.To, msg)
}

func (s *Session) onPresence(p *xmpp.Presence) error {
	s.mu.RLock()
	completed := s.handshakeCompleted
	jid := s.jid
	s.mu.RUnlock()
	if !completed || jid == nil {
		return errors.New("presence before handshake completed")
	}
	if p.To == "" {
		// Recipient-less presence only updates the local cache.
		s.mu.Lock()
		s.presence = p
		s.mu.Unlock()
		return nil
	}
	if p.From == "" {
		p.From = jid.Bare
	}
	return s.publish(codec.KindPresence, p.To, p)
}

// publish wraps the stanza in a routing envelope and publishes it to the
// recipient's topic through the circuit breaker. Failures lose the stanza
// but never the session.
func (s *Session) publish(kind, topic string, st xmpp.Stanza) error {
	payload, err := codec.Encode(st)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	_, err = s.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PublishTimeout)
		defer cancel()
		return nil, s.bus.Publish(ctx, topic, payload)
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", kind, topic, err)
	}
	return nil
}

// onEnvelope handles envelopes arriving on the session's own topic. It runs
// on the bus transport's context and only appends to the outbound queue.
func (s *Session) onEnvelope(topic string, payload []byte) {
	st, err := codec.Decode(payload)
	if err != nil {
		s.logger.Error("invalid envelope", slog.String("topic", topic),
			slog.String("error", err.Error()))
		return
	}
	s.enqueue(st)
}
