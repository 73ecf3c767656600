// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package tcp accepts client connections, optionally wraps them in TLS, and
// hands each one to its own protocol session. It also keeps the registry of
// live sessions and removes them on disconnect.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/stanzalabs/chatflux/auth"
	"github.com/stanzalabs/chatflux/bus"
	"github.com/stanzalabs/chatflux/ratelimit"
	"github.com/stanzalabs/chatflux/session"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	ConnRatePerIP   float64
	ConnBurstPerIP  int
	Session         session.Config
}

// Server accepts transport connections and runs one protocol session per
// connection.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	verifier auth.Verifier
	bus      bus.Bus
	listener net.Listener
	connSem  chan struct{}
	limiter  *ratelimit.IPRateLimiter

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session
}

// New creates a TCP server over the given credential verifier and bus.
func New(cfg Config, verifier auth.Verifier, b bus.Bus) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	var limiter *ratelimit.IPRateLimiter
	if cfg.ConnRatePerIP > 0 {
		burst := cfg.ConnBurstPerIP
		if burst <= 0 {
			burst = int(cfg.ConnRatePerIP)
		}
		limiter = ratelimit.NewIPRateLimiter(cfg.ConnRatePerIP, burst, time.Minute)
	}

	return &Server{
		config:   cfg,
		verifier: verifier,
		bus:      b,
		connSem:  connSem,
		limiter:  limiter,
		sessions: make(map[string]*session.Session),
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("server started", slog.String("address", s.config.Address))
	return listener, nil
}

// runAcceptLoop runs the connection accept loop in a separate goroutine. The
// loop re-arms after every accept, successful or not, until shutdown.
func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if s.limiter != nil && !s.limiter.Allow(conn.RemoteAddr()) {
				s.config.Logger.Warn("connection rate limited",
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("failed to configure TCP connection",
						slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("connection limit reached, rejecting connection",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

// handleConnection runs one session and blocks until it ends.
func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()

	s.config.Logger.Debug("connection established",
		slog.String("remote", conn.RemoteAddr().String()))

	// The TLS handshake happens lazily on first read; force it now so
	// failed negotiations never reach the protocol engine.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.config.Logger.Error("TLS handshake failed", slog.String("error", err.Error()))
			conn.Close()
			return
		}
	}

	sess := session.New(conn, s.verifier, s.bus, s.config.Session)
	sess.SetOnClose(s.removeSession)
	s.addSession(sess)
	sess.Start(connCtx)

	select {
	case <-sess.Done():
	case <-connCtx.Done():
		sess.Close()
		<-sess.Done()
	}

	s.config.Logger.Debug("connection closed",
		slog.String("remote", conn.RemoteAddr().String()))
}

func (s *Server) addSession(sess *session.Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessionsMu.Unlock()
}

func (s *Server) removeSession(sess *session.Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.ID())
	s.sessionsMu.Unlock()
	s.config.Logger.Debug("session unregistered", slog.String("session", sess.ID()))
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// gracefulShutdown closes the listener, stops accepting and drains sessions.
func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	if s.limiter != nil {
		s.limiter.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()

		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// configureTCPConn sets TCP socket options.
func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if err := conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}

	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
