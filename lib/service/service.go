/*
Copyright 2025 fwdslsh, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package service is the composition root: it opens the store, registers
// the adapter kinds, and serves the control plane and attachment gateway
// until asked to stop.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/lib/adapter"
	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/registry"
	"github.com/fwdslsh/dispatch/lib/session"
	"github.com/fwdslsh/dispatch/lib/store"
	"github.com/fwdslsh/dispatch/lib/web"
)

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the event store database.
	DataDir string
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// AgentBinary is the agent CLI used by ai-agent sessions that do not
	// name one.
	AgentBinary string
	// BufferSize overrides the per-subscription event buffer.
	BufferSize int
	// MaxPayloadBytes overrides the event payload cap.
	MaxPayloadBytes int
	// Authorizer authenticates gateway connections. The default admits
	// everyone as the local user, matching single-user deployments where
	// authentication happens in front of the daemon.
	Authorizer web.Authorizer
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the root logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.AgentBinary == "" {
		c.AgentBinary = defaults.AgentBinary
	}
	if c.Authorizer == nil {
		c.Authorizer = web.AuthorizerFunc(func(r *http.Request) (*web.Identity, error) {
			return &web.Identity{Principal: "local"}, nil
		})
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Service is one assembled dispatch daemon.
type Service struct {
	cfg      Config
	log      *slog.Logger
	store    *store.Store
	registry *registry.Registry
	handler  http.Handler
	listener net.Listener
}

// New assembles the daemon: store, adapters, registry, gateway, API.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := cfg.Logger.With(dispatch.ComponentKey, dispatch.ComponentService)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, trace.Wrap(err, "creating data directory %v", cfg.DataDir)
	}

	st, err := store.New(store.Config{
		Path:            filepath.Join(cfg.DataDir, defaults.StoreFile),
		Clock:           cfg.Clock,
		Logger:          cfg.Logger.With(dispatch.ComponentKey, dispatch.ComponentStore),
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	adapters := adapter.NewRegistry()
	for kind, factory := range map[string]adapter.Factory{
		session.KindPTY:   adapter.NewPTY,
		session.KindAgent: adapter.NewAgentFactory(cfg.AgentBinary),
		session.KindFile:  adapter.NewFileEditor,
	} {
		if err := adapters.Register(kind, factory); err != nil {
			st.Close()
			return nil, trace.Wrap(err)
		}
	}

	reg, err := registry.New(registry.Config{
		Store:      st,
		Adapters:   adapters,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger.With(dispatch.ComponentKey, dispatch.ComponentRegistry),
		BufferSize: cfg.BufferSize,
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	gw, err := web.NewGateway(web.GatewayConfig{
		Registry:   reg,
		Store:      st,
		Authorizer: cfg.Authorizer,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger.With(dispatch.ComponentKey, dispatch.ComponentGateway),
		BufferSize: cfg.BufferSize,
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	api, err := web.NewAPIHandler(web.APIConfig{
		Registry: reg,
		Store:    st,
		Gateway:  gw,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger.With(dispatch.ComponentKey, dispatch.ComponentWeb),
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err, "listening on %v", cfg.ListenAddr)
	}

	return &Service{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: reg,
		handler:  api,
		listener: listener,
	}, nil
}

// Registry exposes the session registry, mainly for tests.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Addr is the bound listen address.
func (s *Service) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves until the context is cancelled, then shuts down gracefully:
// stop accepting connections, close every live session, close the store.
func (s *Service) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "Dispatch is listening.", "addr", s.listener.Addr().String(), "data_dir", s.cfg.DataDir)

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		if err := s.registry.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Some sessions did not stop cleanly.", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if closeErr := s.store.Close(); err == nil {
		err = trace.Wrap(closeErr)
	}
	return trace.Wrap(err)
}
