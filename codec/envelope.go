// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package codec marshals message and presence stanzas into the routing
// envelope carried over the pub/sub bus, and decodes envelopes back into
// typed stanzas on receipt.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stanzalabs/chatflux/xmpp"
)

// Envelope kinds.
const (
	KindMessage  = "message"
	KindPresence = "presence"
)

var (
	// ErrUnknownKind is returned when an envelope carries an unrecognized
	// discriminator.
	ErrUnknownKind = errors.New("unknown envelope kind")
	// ErrUnroutableStanza is returned when a stanza type cannot travel in an
	// envelope.
	ErrUnroutableStanza = errors.New("stanza type is not routable")
)

// Envelope wraps a routable stanza with its kind discriminator. Envelopes are
// transient: they exist only in flight on the bus and are never persisted.
type Envelope struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

// Encode wraps a message or presence stanza into a marshalled envelope.
func Encode(s xmpp.Stanza) ([]byte, error) {
	var kind string
	switch s.(type) {
	case *xmpp.Message:
		kind = KindMessage
	case *xmpp.Presence:
		kind = KindPresence
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnroutableStanza, s)
	}
	obj, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Object: obj})
}

// Decode unwraps an envelope into its typed stanza.
func Decode(data []byte) (xmpp.Stanza, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Type {
	case KindMessage:
		var msg xmpp.Message
		if err := json.Unmarshal(env.Object, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		return &msg, nil
	case KindPresence:
		var p xmpp.Presence
		if err := json.Unmarshal(env.Object, &p); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}
