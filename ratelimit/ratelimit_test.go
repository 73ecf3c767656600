// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(ip string) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
}

func TestAllowWithinBurst(t *testing.T) {
	l := NewIPRateLimiter(1, 3, time.Minute)
	defer l.Stop()

	addr := tcpAddr("10.0.0.1")
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(addr), "connection %d within burst", i)
	}
	assert.False(t, l.Allow(addr))
}

func TestPerIPIsolation(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	require.True(t, l.Allow(tcpAddr("10.0.0.1")))
	require.False(t, l.Allow(tcpAddr("10.0.0.1")))

	// A different source keeps its own bucket.
	assert.True(t, l.Allow(tcpAddr("10.0.0.2")))
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewIPRateLimiter(100, 1, time.Minute)
	defer l.Stop()

	addr := tcpAddr("10.0.0.1")
	require.True(t, l.Allow(addr))
	require.False(t, l.Allow(addr))

	assert.Eventually(t, func() bool { return l.Allow(addr) },
		time.Second, 5*time.Millisecond)
}

func TestAllowUnknownAddr(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(nil))
}

func TestDropStale(t *testing.T) {
	l := NewIPRateLimiter(1, 1, 10*time.Millisecond)
	defer l.Stop()

	for i := 0; i < 10; i++ {
		l.Allow(tcpAddr(fmt.Sprintf("10.0.0.%d", i)))
	}

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.limiters) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestExtractIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", extractIP(tcpAddr("10.0.0.1")))
	assert.Equal(t, "", extractIP(nil))
}
