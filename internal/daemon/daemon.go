// Copyright 2025 The Toolbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles the toolbridge server from its parts and manages
// its lifecycle.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/toolbridge/toolbridge/internal/blob"
	"github.com/toolbridge/toolbridge/internal/bridge"
	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/discovery"
	"github.com/toolbridge/toolbridge/internal/gateway"
	"github.com/toolbridge/toolbridge/internal/provision"
	"github.com/toolbridge/toolbridge/internal/registry"
	"github.com/toolbridge/toolbridge/internal/tracing"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version string
	Logger  *slog.Logger
}

// Daemon is a fully wired toolbridge server.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      registry.Store
	blobs      blob.Store
	prov       *provision.Provisioner
	bridge     *bridge.Bridge
	service    *gateway.Service
	discoverer *discovery.Runner

	httpServer   *http.Server
	traceCleanup func(context.Context) error
	traceFile    io.Closer
	version      string
}

// New wires a daemon from configuration. The background context bounds
// asynchronous invocations for the daemon's whole lifetime.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	masterKey, err := registry.MasterKeyFromEnv()
	if err != nil {
		return nil, err
	}
	encryptor, err := registry.NewAESEncryptor(masterKey)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := registry.NewSQLiteStore(registry.SQLiteConfig{
		Path:      cfg.Storage.DBPath,
		Encryptor: encryptor,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	prov, err := provision.New(provision.Config{
		CacheDir: cfg.Storage.CacheDir,
		Blobs:    blobs,
		Logger:   logger.With("component", "provision"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	br := bridge.New(bridge.Config{
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
		ExecTimeout:      cfg.Bridge.ExecTimeout,
		Logger:           logger.With("component", "bridge"),
	})

	svc := gateway.NewService(store, prov, br, logger.With("component", "gateway"))

	disc, err := discovery.NewRunner(discovery.Config{
		Store:        store,
		Blobs:        blobs,
		Lister:       br,
		Cache:        prov,
		CloneTimeout: cfg.Discovery.CloneTimeout,
		BuildDir:     cfg.Discovery.BuildDir,
		Logger:       logger.With("component", "discovery"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	auth, err := newAuthenticator(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	publicURL := cfg.Server.PublicURL
	if publicURL == "" {
		publicURL = "http://" + cfg.Server.Addr
	}

	gw := gateway.NewServer(ctx, gateway.ServerConfig{
		PublicURL:         publicURL,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		SessionRateLimit:  cfg.Server.SessionRateLimit,
		SessionRateBurst:  cfg.Server.SessionRateBurst,
		Version:           opts.Version,
		Logger:            logger.With("component", "gateway"),
	}, auth, svc)

	mux := http.NewServeMux()
	mux.Handle("/", gw)
	registerAdminRoutes(mux, store, disc, logger)

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		blobs:      blobs,
		prov:       prov,
		bridge:     br,
		service:    svc,
		discoverer: disc,
		version:    opts.Version,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return d, nil
}

// Start initializes tracing and serves HTTP until the listener fails or
// Shutdown runs.
func (d *Daemon) Start(ctx context.Context) error {
	traceOut, traceFile, err := traceWriter(d.cfg.Tracing)
	if err != nil {
		return err
	}
	d.traceFile = traceFile

	cleanup, err := tracing.Init("toolbridged", d.version, traceOut)
	if err != nil {
		return err
	}
	d.traceCleanup = cleanup

	d.logger.Info("daemon listening",
		"addr", d.cfg.Server.Addr,
		"version", d.version,
	)
	if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and releases resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := d.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if d.traceCleanup != nil {
		if err := d.traceCleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.traceFile != nil {
		if err := d.traceFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// traceWriter resolves the configured span export destination. A nil writer
// disables export entirely.
func traceWriter(cfg config.TracingConfig) (io.Writer, io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Output {
	case "", "stderr":
		return os.Stderr, nil, nil
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace output: %w", err)
		}
		return f, f, nil
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3Store(ctx, cfg.Blob.Bucket, cfg.Blob.Region)
	default:
		return blob.NewFSStore(cfg.Blob.Root)
	}
}

func newAuthenticator(cfg *config.Config, store registry.Store) (gateway.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "jwt":
		return gateway.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), store), nil
	default:
		return gateway.NewKeyAuthenticator(store), nil
	}
}
