// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package mqtt adapts an external MQTT broker to the bus interface. This is
// the deployment mode that lets multiple chatflux processes interoperate:
// every process publishes to and subscribes from the shared broker, with one
// topic per bare JID.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/stanzalabs/chatflux/bus"
)

const qosAtLeastOnce = 1

// Config holds the MQTT bus configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Bus is an MQTT-backed bus.
type Bus struct {
	client paho.Client
	logger *slog.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials the external broker and returns the bus.
func Connect(cfg Config) (*Bus, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		cfg.Logger.Warn("bus connection lost", slog.String("error", err.Error()))
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to bus %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", cfg.BrokerURL, err)
	}

	cfg.Logger.Info("connected to bus", slog.String("broker", cfg.BrokerURL))
	return &Bus{client: client, logger: cfg.Logger}, nil
}

// Publish sends the payload to the topic at QoS 1.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, qosAtLeastOnce, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for the topic at QoS 1.
func (b *Bus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	token := b.client.Subscribe(topic, qosAtLeastOnce, func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	})
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &subscription{bus: b, topic: topic}, nil
}

// Close disconnects from the broker.
func (b *Bus) Close() error {
	b.client.Disconnect(250)
	return nil
}

type subscription struct {
	bus   *Bus
	topic string
}

func (s *subscription) Unsubscribe() error {
	token := s.bus.client.Unsubscribe(s.topic)
	token.WaitTimeout(5 * time.Second)
	return token.Error()
}
