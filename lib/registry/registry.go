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

// Package registry implements the session registry: the authoritative
// in-memory directory of live adapter instances and their lifecycle state.
//
// The registry enforces the single-owner rule (at most one live adapter
// per session id at any instant), serializes all calls into an adapter,
// and translates adapter terminal events into session status transitions.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/lib/adapter"
	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/router"
	"github.com/fwdslsh/dispatch/lib/session"
)

var liveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "dispatch_registry_live_sessions",
		Help: "Number of sessions with a live adapter",
	},
)

func init() {
	prometheus.MustRegister(liveSessions)
}

// Store is the slice of the event store the registry needs.
type Store interface {
	router.Store
	CreateSession(ctx context.Context, sess session.Session) error
	GetSession(ctx context.Context, id session.ID) (*session.Session, error)
	ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error)
	UpdateSessionStatus(ctx context.Context, id session.ID, status string, updatedAt int64) error
	UpdateSessionMetadata(ctx context.Context, id session.ID, metadata []byte, updatedAt int64) error
}

// Config is the configuration of the session registry.
type Config struct {
	// Store persists session rows and events.
	Store Store
	// Adapters resolves session kinds to adapter factories.
	Adapters *adapter.Registry
	// Clock is used for status timestamps.
	Clock clockwork.Clock
	// Logger emits registry diagnostics.
	Logger *slog.Logger
	// BufferSize is the per-subscription buffer handed to routers.
	BufferSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Adapters == nil {
		return trace.BadParameter("missing parameter Adapters")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(dispatch.ComponentKey, dispatch.ComponentRegistry)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.SubscriberBuffer
	}
	return nil
}

// liveSession pairs the running adapter with its router.
type liveSession struct {
	adapter adapter.Adapter
	router  *router.Router
}

// Registry is the in-memory directory of live adapters keyed by session id.
type Registry struct {
	cfg Config

	mu   sync.Mutex
	live map[session.ID]*liveSession
}

// New creates a session registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:  cfg,
		live: make(map[session.ID]*liveSession),
	}, nil
}

// Start creates a new session of the given kind: it writes the session
// row, instantiates the adapter, and starts it bound to a fresh router.
// Returns the allocated session id.
func (r *Registry) Start(ctx context.Context, kind string, config json.RawMessage, owner string) (session.ID, error) {
	id := session.NewID()

	// Building the adapter validates the kind and the config before
	// anything is persisted.
	adp, err := r.newAdapter(id, kind, config)
	if err != nil {
		return "", trace.Wrap(err)
	}

	now := r.cfg.Clock.Now().UnixMilli()
	if err := r.cfg.Store.CreateSession(ctx, session.Session{
		ID:        id,
		Kind:      kind,
		Status:    session.StatusStarting,
		Owner:     owner,
		Metadata:  config,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", trace.Wrap(err)
	}

	if err := r.startAdapter(ctx, id, kind, adp); err != nil {
		return "", trace.Wrap(err)
	}
	return id, nil
}

// Resume re-instantiates an adapter for a previously stopped session. The
// resumed session shares the original id and continues the same event log.
func (r *Registry) Resume(ctx context.Context, id session.ID) error {
	if r.IsLive(id) {
		return trace.AlreadyExists("session %v already has a running adapter", id)
	}

	sess, err := r.cfg.Store.GetSession(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}

	adp, err := r.newAdapter(id, sess.Kind, sess.Metadata)
	if err != nil {
		return trace.Wrap(err)
	}

	// The store refuses appends to terminated sessions, so the row has to
	// transition back before the adapter emits anything.
	if err := r.cfg.Store.UpdateSessionStatus(ctx, id, session.StatusStarting, r.cfg.Clock.Now().UnixMilli()); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.startAdapter(ctx, id, sess.Kind, adp))
}

// newAdapter builds an adapter for the session without starting it.
func (r *Registry) newAdapter(id session.ID, kind string, config json.RawMessage) (adapter.Adapter, error) {
	return r.cfg.Adapters.New(kind, adapter.Params{
		SessionID: id,
		Metadata:  config,
		Logger:    r.cfg.Logger.With(dispatch.ComponentKey, dispatch.Component(dispatch.ComponentAdapter, kind), "session_id", id.String()),
		Clock:     r.cfg.Clock,
		UpdateMetadata: func(metadata json.RawMessage) error {
			return trace.Wrap(r.cfg.Store.UpdateSessionMetadata(
				context.Background(), id, metadata, r.cfg.Clock.Now().UnixMilli()))
		},
	})
}

// startAdapter registers the live session and starts the adapter bound to
// a fresh router. On start failure the session transitions to error with a
// terminal error event.
func (r *Registry) startAdapter(ctx context.Context, id session.ID, kind string, adp adapter.Adapter) error {
	rt, err := router.New(router.Config{
		SessionID:  id,
		Store:      r.cfg.Store,
		Clock:      r.cfg.Clock,
		Logger:     r.cfg.Logger.With("session_id", id.String()),
		BufferSize: r.cfg.BufferSize,
		OnTerminal: func(event events.Event) {
			r.handleTerminal(id, event)
		},
		OnStoreFault: func(err error) {
			r.handleStoreFault(id, err)
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	r.mu.Lock()
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return trace.AlreadyExists("session %v already has a running adapter", id)
	}
	r.live[id] = &liveSession{adapter: adp, router: rt}
	liveSessions.Inc()
	r.mu.Unlock()

	if err := adp.Start(ctx, rt.Emit); err != nil {
		r.cfg.Logger.ErrorContext(ctx, "Adapter failed to start.",
			"session_id", id.String(), "kind", kind, "error", err)
		// The terminal error event drops the live entry and transitions
		// the row to error via handleTerminal.
		rt.Emit(events.ChannelStatus, events.TypeError,
			events.MarshalPayload(events.StatusError{Message: err.Error()}))
		return trace.Wrap(err)
	}

	// The terminal event may land before Start even returns (an adapter
	// that completes inline, a child that dies instantly). Writing running
	// under the registry mutex orders it before handleTerminal's final
	// status, which drops the live entry under the same mutex first.
	r.mu.Lock()
	if _, ok := r.live[id]; ok {
		if err := r.cfg.Store.UpdateSessionStatus(ctx, id, session.StatusRunning, r.cfg.Clock.Now().UnixMilli()); err != nil {
			r.cfg.Logger.ErrorContext(ctx, "Failed to mark session running.",
				"session_id", id.String(), "error", err)
		}
	}
	r.mu.Unlock()
	r.cfg.Logger.InfoContext(ctx, "Session started.", "session_id", id.String(), "kind", kind)
	return nil
}

// handleTerminal runs after a session's terminal event was persisted and
// delivered: the adapter reference is dropped and the row transitions to
// its final status.
func (r *Registry) handleTerminal(id session.ID, event events.Event) {
	r.dropLive(id)

	status := session.StatusStopped
	switch event.Type {
	case events.TypeError:
		status = session.StatusError
	case events.TypeExit:
		var exit events.StatusExit
		if err := json.Unmarshal(event.Payload, &exit); err == nil && exit.ExitCode != 0 {
			status = session.StatusError
		}
	}

	if err := r.cfg.Store.UpdateSessionStatus(context.Background(), id, status, r.cfg.Clock.Now().UnixMilli()); err != nil {
		r.cfg.Logger.Error("Failed to record terminal session status.",
			"session_id", id.String(), "status", status, "error", err)
	}
	r.cfg.Logger.Info("Session ended.", "session_id", id.String(), "status", status)
}

// handleStoreFault runs when persisting an event failed: the fault is
// fatal to the session.
func (r *Registry) handleStoreFault(id session.ID, err error) {
	r.cfg.Logger.Error("Session hit a store fault.", "session_id", id.String(), "error", err)
	live := r.dropLive(id)
	if live != nil {
		live.adapter.Close("store fault")
	}
	// Best effort: the store may be unhealthy.
	if err := r.cfg.Store.UpdateSessionStatus(context.Background(), id, session.StatusError, r.cfg.Clock.Now().UnixMilli()); err != nil {
		r.cfg.Logger.Error("Failed to record store fault status.", "session_id", id.String(), "error", err)
	}
}

// dropLive removes the live entry, returning it if it was present.
func (r *Registry) dropLive(id session.ID) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.live[id]
	if !ok {
		return nil
	}
	delete(r.live, id)
	liveSessions.Dec()
	return live
}

// getLive returns the live session or a NotFound error.
func (r *Registry) getLive(id session.ID) (*liveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.live[id]
	if !ok {
		return nil, trace.NotFound("session %v is not running", id)
	}
	return live, nil
}

// Input routes input to the session's live adapter.
func (r *Registry) Input(id session.ID, data []byte) error {
	live, err := r.getLive(id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(live.adapter.Write(data))
}

// Resize routes a terminal resize to the session's live adapter.
func (r *Registry) Resize(id session.ID, cols, rows uint32) error {
	live, err := r.getLive(id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(live.adapter.Resize(cols, rows))
}

// Close asks the session's live adapter to shut down. The session row
// transitions once the adapter's terminal event arrives.
func (r *Registry) Close(id session.ID) error {
	live, err := r.getLive(id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(live.adapter.Close("close requested"))
}

// IsLive reports whether the session has a live adapter.
func (r *Registry) IsLive(id session.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// Subscribe attaches a new subscription to the session's live event
// stream. Fails with NotFound if the session has no live adapter; stopped
// sessions are served from the store alone.
func (r *Registry) Subscribe(id session.ID, buffer int) (*router.Subscription, error) {
	live, err := r.getLive(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sub, err := live.router.Subscribe(buffer)
	return sub, trace.Wrap(err)
}

// Shutdown closes every live adapter and waits for the terminal events to
// drain, or for the context to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	lives := make([]*liveSession, 0, len(r.live))
	for _, live := range r.live {
		lives = append(lives, live)
	}
	r.mu.Unlock()

	for _, live := range lives {
		live.adapter.Close("server shutting down")
	}

	ticker := r.cfg.Clock.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		remaining := len(r.live)
		r.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err(), "%v sessions still live at shutdown", remaining)
		case <-ticker.Chan():
		}
	}
}
