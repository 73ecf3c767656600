// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process bus implementation for single-node
// deployments and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/stanzalabs/chatflux/bus"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

const subscriberQueueSize = 256

// Bus is an in-process pub/sub bus. Each subscriber drains its own buffered
// queue on a dedicated goroutine, so a slow subscriber never blocks a
// publisher or its topic peers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates an in-process bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*subscription]struct{})}
}

// Publish delivers the payload to all current subscribers of the topic.
// Publishing to a topic with no subscribers discards the payload.
func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.topics[topic] {
		sub.deliver(payload)
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (b *Bus) Subscribe(_ context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &subscription{
		bus:     b,
		topic:   topic,
		handler: h,
		queue:   make(chan []byte, subscriberQueueSize),
		done:    make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Close tears down all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			sub.stop()
		}
		delete(b.topics, topic)
	}
	return nil
}

type subscription struct {
	bus     *Bus
	topic   string
	handler bus.Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// deliver never blocks the publisher: a subscriber whose queue is full loses
// the payload.
func (s *subscription) deliver(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case s.queue <- cp:
	case <-s.done:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case payload := <-s.queue:
			s.handler(s.topic, payload)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *subscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	b.mu.Unlock()
	s.stop()
	return nil
}
