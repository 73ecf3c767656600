// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authmemory "github.com/stanzalabs/chatflux/auth/memory"
	busmemory "github.com/stanzalabs/chatflux/bus/memory"
)

const clientStreamOpen = `<?xml version='1.0'?>` +
	`<stream:stream xmlns='jabber:client' ` +
	`xmlns:stream='http://etherx.jabber.org/streams' to='pvp.net' version='1.0'>`

func startServer(t *testing.T, cfg Config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}

	b := busmemory.New()
	t.Cleanup(func() { b.Close() })

	srv := New(cfg, authmemory.New(), b)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		time.Second, 5*time.Millisecond)
	return srv, cancel, errCh
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSome(t *testing.T, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestServerAcceptsConnections(t *testing.T) {
	srv, cancel, errCh := startServer(t, Config{})
	defer cancel()

	conn := dial(t, srv)
	_, err := conn.Write([]byte(clientStreamOpen))
	require.NoError(t, err)

	reply := readSome(t, conn)
	assert.True(t, strings.HasPrefix(reply, "<stream:stream "))
	assert.Contains(t, reply, "from='pvp.net'")

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Dropping the transport unregisters the session.
	conn.Close()
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
}

func TestServerShutdownClosesIdleSessions(t *testing.T) {
	srv, cancel, errCh := startServer(t, Config{ShutdownTimeout: 100 * time.Millisecond})

	conn := dial(t, srv)
	_, err := conn.Write([]byte(clientStreamOpen))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	// The idle session does not drain by itself; shutdown forces it closed.
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerConnectionLimit(t *testing.T) {
	srv, cancel, _ := startServer(t, Config{MaxConnections: 1})
	defer cancel()

	first := dial(t, srv)
	_, err := first.Write([]byte(clientStreamOpen))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	// The second connection is rejected at accept time.
	second := dial(t, srv)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestServerRateLimitsPerIP(t *testing.T) {
	srv, cancel, _ := startServer(t, Config{ConnRatePerIP: 0.001, ConnBurstPerIP: 1})
	defer cancel()

	first := dial(t, srv)
	_, err := first.Write([]byte(clientStreamOpen))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	second := dial(t, srv)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestServerAddrBeforeListen(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0"}, authmemory.New(), busmemory.New())
	assert.Nil(t, srv.Addr())
}
