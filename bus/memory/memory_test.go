// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan string, 10)
	_, err := b.Subscribe(context.Background(), "a@pvp.net", func(_ string, payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(context.Background(), "a@pvp.net", []byte(msg)))
	}

	// Per-subscriber delivery preserves publish order.
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	b := New()
	defer b.Close()
	assert.NoError(t, b.Publish(context.Background(), "nobody@pvp.net", []byte("lost")))
}

func TestTopicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	_, err := b.Subscribe(context.Background(), "a@pvp.net", func(_ string, p []byte) { gotA <- p })
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "b@pvp.net", func(_ string, p []byte) { gotB <- p })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "a@pvp.net", []byte("for-a")))

	select {
	case p := <-gotA:
		assert.Equal(t, "for-a", string(p))
	case <-time.After(time.Second):
		t.Fatal("subscriber a received nothing")
	}
	select {
	case <-gotB:
		t.Fatal("subscriber b received a's payload")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(context.Background(), "a@pvp.net", func(string, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "a@pvp.net", []byte("x")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "a@pvp.net", []byte("y")))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "a@pvp.net", func(string, []byte) {})
	require.NoError(t, err)
	assert.NoError(t, sub.Unsubscribe())
	assert.NoError(t, sub.Unsubscribe())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "a@pvp.net", []byte("x")), ErrClosed)
	_, err := b.Subscribe(context.Background(), "a@pvp.net", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, b.Close())
}

func TestPayloadCopied(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan []byte, 1)
	_, err := b.Subscribe(context.Background(), "a@pvp.net", func(_ string, p []byte) { got <- p })
	require.NoError(t, err)

	payload := []byte("original")
	require.NoError(t, b.Publish(context.Background(), "a@pvp.net", payload))
	payload[0] = 'X'

	select {
	case p := <-got:
		assert.Equal(t, "original", string(p))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}
