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

// Package session defines the run session data model: identifiers, kinds,
// lifecycle statuses and the session row persisted by the event store.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/fwdslsh/dispatch/lib/defaults"
)

// ID is a unique run session identifier.
type ID string

// NewID returns a new unique session ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID parses an ID and checks that it is a valid UUID.
func ParseID(id string) (ID, error) {
	if id == "" {
		return "", trace.BadParameter("missing session id")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", trace.BadParameter("%q is not a valid session id", id)
	}
	return ID(id), nil
}

// String returns the string representation of the ID.
func (i ID) String() string {
	return string(i)
}

// Session kinds. The set is closed per build: a kind is usable only if an
// adapter factory has been registered for it before the registry serves
// requests.
const (
	// KindPTY is an interactive shell under a pseudo-terminal.
	KindPTY = "pty"
	// KindAgent is an external AI coding agent process.
	KindAgent = "ai-agent"
	// KindFile is a file open for editing with in-memory content.
	KindFile = "file-editor"
)

// Session lifecycle statuses.
const (
	// StatusStarting is set when the session row is created, before the
	// adapter's start has completed.
	StatusStarting = "starting"
	// StatusRunning means the adapter is live and accepting input.
	StatusRunning = "running"
	// StatusStopped means the adapter terminated cleanly.
	StatusStopped = "stopped"
	// StatusError means the adapter failed to start or reported an
	// unrecoverable fault.
	StatusError = "error"
)

// ValidStatus checks that the given status is one of the known lifecycle
// statuses.
func ValidStatus(status string) error {
	switch status {
	case StatusStarting, StatusRunning, StatusStopped, StatusError:
		return nil
	}
	return trace.BadParameter("unknown session status %q", status)
}

// Session is a single run session: one long-lived interaction between
// clients and one external resource, with a complete append-only event log.
// A session row is never deleted while events referencing it exist; closing
// a session is a status transition, not a delete.
type Session struct {
	// ID is the unique session identifier.
	ID ID `json:"id"`
	// Kind determines which adapter owns the external resource.
	Kind string `json:"kind"`
	// Status is one of the lifecycle statuses above.
	Status string `json:"status"`
	// Owner is the authenticated principal that created the session.
	// Opaque to the core.
	Owner string `json:"owner"`
	// Metadata is the kind-specific session configuration. The adapter for
	// Kind decodes it; the core treats it as opaque JSON.
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// CreatedAt is the creation time in milliseconds since epoch.
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the last status change time in milliseconds since epoch.
	UpdatedAt int64 `json:"updated_at"`
}

// Active reports whether the session is expected to have a live adapter.
func (s *Session) Active() bool {
	return s.Status == StatusStarting || s.Status == StatusRunning
}

// Filter selects sessions in list operations. Zero fields match everything.
type Filter struct {
	// Kind, if set, matches sessions of this kind only.
	Kind string `json:"kind,omitempty"`
	// Status, if set, matches sessions in this status only.
	Status string `json:"status,omitempty"`
	// Owner, if set, matches sessions created by this principal only.
	Owner string `json:"owner,omitempty"`
}

// Layout is a workspace layout row: where one client placed one session in
// its tiling UI. It is persisted purely for UI placement and has no effect
// on event semantics.
type Layout struct {
	// ClientID is the opaque per-device client identifier.
	ClientID string `json:"client_id"`
	// SessionID is the session the tile shows.
	SessionID ID `json:"session_id"`
	// TileID is the client-defined tile the session is placed in.
	TileID string `json:"tile_id"`
	// UpdatedAt is the last placement change in milliseconds since epoch.
	UpdatedAt int64 `json:"updated_at"`
}

// TerminalParams holds the dimensions of a pty.
type TerminalParams struct {
	// W is the width in columns.
	W int `json:"w"`
	// H is the height in rows.
	H int `json:"h"`
}

// NewTerminalParams returns validated terminal parameters.
func NewTerminalParams(w, h int) (*TerminalParams, error) {
	if w <= 0 || w >= defaults.MaxTerminalDim {
		return nil, trace.BadParameter("bad width: %v", w)
	}
	if h <= 0 || h >= defaults.MaxTerminalDim {
		return nil, trace.BadParameter("bad height: %v", h)
	}
	return &TerminalParams{W: w, H: h}, nil
}

// Serialize returns the params in the "W:H" form expected by terminal
// resize payloads.
func (p *TerminalParams) Serialize() string {
	return fmt.Sprintf("%d:%d", p.W, p.H)
}

// Winsize returns the dimensions in the column/row order used by pty
// syscalls.
func (p *TerminalParams) Winsize() (cols, rows uint32) {
	return uint32(p.W), uint32(p.H)
}
