// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	s := New()
	s.Put("alice", "s3cret")

	ok, err := s.Verify(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Verify(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Verify(context.Background(), "nobody", "s3cret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutReplaces(t *testing.T) {
	s := New()
	s.Put("alice", "old")
	s.Put("alice", "new")

	ok, err := s.Verify(context.Background(), "alice", "old")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Verify(context.Background(), "alice", "new")
	require.NoError(t, err)
	assert.True(t, ok)
}
