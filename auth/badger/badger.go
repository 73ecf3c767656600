// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed credential store. It replaces
// the external user database of earlier deployments with an embedded one
// seeded at startup.
package badger

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/stanzalabs/chatflux/auth"
)

const userPrefix = "user/"

// ErrNotFound is returned when a username has no stored record.
var ErrNotFound = errors.New("user not found")

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool   // In-memory mode for tests
}

// Store is a BadgerDB-backed credential store.
type Store struct {
	db     *badger.DB
	mu     sync.Mutex
	closed bool
}

var _ auth.Verifier = (*Store)(nil)

// New opens the credential store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &Store{db: db}, nil
}

// Put stores or replaces a user's secret.
func (s *Store) Put(username, secret string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(userPrefix+username), []byte(secret))
	})
}

// Get returns a user's stored secret.
func (s *Store) Get(username string) (string, error) {
	var secret string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + username))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			secret = string(val)
			return nil
		})
	})
	return secret, err
}

// Delete removes a user record.
func (s *Store) Delete(username string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(userPrefix + username))
	})
}

// Verify reports whether the username/secret pair matches a stored user.
func (s *Store) Verify(_ context.Context, username, secret string) (bool, error) {
	stored, err := s.Get(username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
