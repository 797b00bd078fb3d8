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

// Package adapter encapsulates the external resources run sessions drive:
// shells under a pseudo-terminal, AI coding agents and edited files.
//
// Every adapter owns exactly one external resource for one session and
// translates its behavior into events through the emitter it was given at
// start. Adapters never touch the store or clients directly, and they are
// not safe for concurrent use: the session registry serializes all calls.
package adapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fwdslsh/dispatch/lib/session"
)

// Emitter accepts one event from the adapter. Implemented by the event
// router: the event is sequenced, persisted and fanned out to attached
// clients before the next emit of the session is processed.
type Emitter func(channel, eventType string, payload []byte)

// Adapter is the uniform contract every session kind implements.
type Adapter interface {
	// Start acquires the external resource and registers the emitter for
	// everything the resource produces. It emits a system:status/open event
	// once the resource is ready and returns without waiting for the
	// resource to finish. Eventually exactly one terminal event follows.
	Start(ctx context.Context, emit Emitter) error
	// Write delivers input to the resource. The accepted shape depends on
	// the kind: raw bytes for pty, a user message for the agent, a
	// structured command for the file editor. Invalid input is reported
	// with a BadParameter error.
	Write(data []byte) error
	// Resize changes the terminal dimensions. Only meaningful for pty;
	// others return NotImplemented.
	Resize(cols, rows uint32) error
	// Close releases the resource cooperatively. The adapter emits its
	// terminal event (directly or via its exit path) and becomes inert.
	// Idempotent.
	Close(reason string) error
}

// Params carries everything a factory needs to build an adapter for one
// session.
type Params struct {
	// SessionID is the session the adapter serves.
	SessionID session.ID
	// Metadata is the kind-specific session configuration blob.
	Metadata json.RawMessage
	// Logger emits adapter diagnostics.
	Logger *slog.Logger
	// Clock is used for close grace periods.
	Clock clockwork.Clock
	// UpdateMetadata persists adapter-learned state back into the session
	// row, e.g. the agent conversation id needed for resume. Optional.
	UpdateMetadata func(metadata json.RawMessage) error
}

// CheckAndSetDefaults validates the params and fills in defaults.
func (p *Params) CheckAndSetDefaults() error {
	if p.SessionID == "" {
		return trace.BadParameter("missing parameter SessionID")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Factory builds an adapter for one session from its stored metadata.
type Factory func(params Params) (Adapter, error)

// Registry maps session kinds to adapter factories. Kinds are registered
// by the composition root before the session registry serves requests; the
// set is closed per build.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty adapter factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a kind tag.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return trace.BadParameter("missing adapter kind")
	}
	if factory == nil {
		return trace.BadParameter("missing adapter factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return trace.AlreadyExists("adapter kind %q is already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// New builds an adapter of the given kind.
func (r *Registry) New(kind string, params Params) (Adapter, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r.mu.Lock()
	factory, ok := r.factories[kind]
	r.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("unknown session kind %q", kind)
	}
	adapter, err := factory(params)
	return adapter, trace.Wrap(err)
}

// Kinds returns the registered kind tags, sorted.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
