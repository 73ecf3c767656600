// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package bus defines the pub/sub transport boundary used to fan stanzas out
// between server processes. Topics are bare JIDs; delivery is at-least-once
// and ordered per publisher, with nothing retained for topics that have no
// active subscriber.
package bus

import "context"

// Handler receives payloads published to a subscribed topic. It runs on a
// context supplied by the transport and may be concurrent with the
// subscriber's own goroutines.
type Handler func(topic string, payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}
