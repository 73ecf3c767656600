// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package memory provides a map-backed credential verifier for tests and
// static config seeding.
package memory

import (
	"context"
	"sync"

	"github.com/stanzalabs/chatflux/auth"
)

// Store is an in-memory credential store.
type Store struct {
	mu    sync.RWMutex
	users map[string]string
}

var _ auth.Verifier = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{users: make(map[string]string)}
}

// Put stores or replaces a user's secret.
func (s *Store) Put(username, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = secret
}

// Verify reports whether the username/secret pair matches a stored user.
func (s *Store) Verify(_ context.Context, username, secret string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.users[username]
	return ok && stored == secret, nil
}
