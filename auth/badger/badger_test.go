// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("alice", "s3cret"))

	secret, err := store.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("alice", "s3cret"))

	ok, err := store.Verify(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Verify(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	// A missing user is a clean rejection, not an error.
	ok, err = store.Verify(context.Background(), "nobody", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("alice", "s3cret"))
	require.NoError(t, store.Delete("alice"))

	_, err := store.Get("alice")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing user is a no-op.
	assert.NoError(t, store.Delete("alice"))
}

func TestCloseIdempotent(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
