// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	ctls "crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/stanzalabs/chatflux/auth"
	authbadger "github.com/stanzalabs/chatflux/auth/badger"
	authmemory "github.com/stanzalabs/chatflux/auth/memory"
	"github.com/stanzalabs/chatflux/bus"
	busmemory "github.com/stanzalabs/chatflux/bus/memory"
	busmqtt "github.com/stanzalabs/chatflux/bus/mqtt"
	"github.com/stanzalabs/chatflux/config"
	"github.com/stanzalabs/chatflux/pkg/tls"
	"github.com/stanzalabs/chatflux/server/tcp"
	"github.com/stanzalabs/chatflux/session"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting chat relay",
		"tcp_addr", cfg.Server.TCPAddr,
		"tls_enabled", cfg.Server.TLSEnabled,
		"bus_type", cfg.Bus.Type,
		"auth_type", cfg.Auth.Type,
		"log_level", cfg.Log.Level)

	verifier, cleanup, err := buildVerifier(cfg.Auth)
	if err != nil {
		slog.Error("Failed to initialize credential store", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	b, err := buildBus(cfg.Bus, logger)
	if err != nil {
		slog.Error("Failed to connect to bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	tlsCfg, err := loadTLS(cfg.Server)
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	server := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr,
		TLSConfig:       tlsCfg,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.TCPMaxConn,
		ConnRatePerIP:   cfg.Server.ConnRatePerIP,
		ConnBurstPerIP:  cfg.Server.ConnBurstPerIP,
		Session: session.Config{
			Logger:           logger,
			QueueSize:        cfg.Session.QueueSize,
			PublishTimeout:   cfg.Session.PublishTimeout,
			BreakerThreshold: cfg.Session.BreakerThreshold,
			BreakerReset:     cfg.Session.BreakerReset,
		},
	}, verifier, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
		<-serverErr
	case err := <-serverErr:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Chat relay stopped")
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func buildVerifier(cfg config.AuthConfig) (auth.Verifier, func(), error) {
	switch cfg.Type {
	case "memory":
		store := authmemory.New()
		for _, u := range cfg.Users {
			store.Put(u.Username, u.Password)
		}
		slog.Info("Using in-memory credential store", "users", len(cfg.Users))
		return store, nil, nil
	case "badger":
		store, err := authbadger.New(authbadger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, nil, err
		}
		for _, u := range cfg.Users {
			if err := store.Put(u.Username, u.Password); err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("seed user %s: %w", u.Username, err)
			}
		}
		slog.Info("Using BadgerDB credential store", "dir", cfg.BadgerDir)
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

func buildBus(cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-process bus (single-node mode)")
		return busmemory.New(), nil
	case "mqtt":
		return busmqtt.Connect(busmqtt.Config{
			BrokerURL:      cfg.BrokerURL,
			ClientID:       cfg.ClientIDPrefix + "-" + uuid.NewString(),
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}

func loadTLS(cfg config.ServerConfig) (*ctls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	return tls.LoadTLSConfig(&tls.Config{
		CertFile:     cfg.TLSCertFile,
		KeyFile:      cfg.TLSKeyFile,
		ClientCAFile: cfg.TLSCAFile,
	})
}
