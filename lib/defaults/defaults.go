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

// Package defaults contains default constants set in various parts of
// the dispatch codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address the control plane and the
	// attachment gateway listen on.
	HTTPListenAddr = "127.0.0.1:3030"

	// StoreFile is the name of the SQLite database file stored in DataDir.
	StoreFile = "dispatch.db"

	// DataDir is the default directory where dispatch keeps its state.
	DataDir = "/var/lib/dispatch"

	// DefaultShell is spawned by pty sessions when the session config does
	// not name one and $SHELL is unset.
	DefaultShell = "/bin/bash"

	// AgentBinary is the external AI agent CLI driven by agent sessions.
	AgentBinary = "claude"

	// TerminalCols and TerminalRows are the initial pty dimensions used
	// when the session config does not carry any.
	TerminalCols = 80
	TerminalRows = 24

	// MaxTerminalDim bounds pty dimensions accepted from clients.
	MaxTerminalDim = 4096

	// SubscriberBuffer is the size of the outbound event buffer of a single
	// attachment. A subscriber that falls this many events behind the live
	// stream is dropped and has to re-attach from its last delivered seq.
	SubscriberBuffer = 4096

	// MaxPayloadBytes caps the payload of a single event accepted by the
	// store. Larger payloads are rejected at append time.
	MaxPayloadBytes = 1024 * 1024

	// MaxFileBytes caps the size of a file loaded by a file session.
	MaxFileBytes = 8 * 1024 * 1024

	// KeepAliveInterval is the interval for sending websocket ping frames
	// to attached clients.
	KeepAliveInterval = 30 * time.Second

	// ReplayPageSize is the number of stored events read per page during
	// attach replay.
	ReplayPageSize = 1000

	// ShutdownTimeout bounds the graceful shutdown of the HTTP server and
	// the live adapters.
	ShutdownTimeout = 10 * time.Second

	// CloseGracePeriod is how long a pty or agent process is given to exit
	// after a close request before it is killed.
	CloseGracePeriod = 5 * time.Second
)
