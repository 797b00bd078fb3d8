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

// Package events defines the canonical event record of a run session and
// the channel/type vocabulary emitted by the adapters.
//
// Every observable effect of a session is one immutable event carrying
// (seq, channel, type, payload, ts). Seq is 1-based, dense and strictly
// monotonic per session; it defines the only ordering clients may rely on.
package events

import (
	"encoding/json"

	"github.com/fwdslsh/dispatch/lib/session"
)

// Channels. A channel is a short producer-namespaced label identifying the
// kind of effect; together with the event type it determines the payload
// schema.
const (
	// ChannelStdout carries raw terminal output chunks. A pty multiplexes
	// the child's stdout and stderr onto one stream, so all terminal output
	// arrives here.
	ChannelStdout = "pty:stdout"
	// ChannelStderr is reserved for adapters that can separate error
	// output from regular output.
	ChannelStderr = "pty:stderr"
	// ChannelAgentMessage carries structured AI agent stream events.
	ChannelAgentMessage = "ai:message"
	// ChannelAgentError carries AI agent fault reports.
	ChannelAgentError = "ai:error"
	// ChannelFileContent carries the full content of an edited file.
	ChannelFileContent = "file:content"
	// ChannelFileSaved reports a completed save of an edited file.
	ChannelFileSaved = "file:saved"
	// ChannelStatus carries session lifecycle transitions.
	ChannelStatus = "system:status"
)

// Event types.
const (
	// TypeChunk is a raw output chunk (ChannelStdout/ChannelStderr).
	TypeChunk = "chunk"
	// TypeText is a plain text payload with a JSON wrapper (ChannelFileContent).
	TypeText = "text"
	// TypeJSON is a generic JSON document payload.
	TypeJSON = "json"
	// TypeEvent is a batch of structured agent sub-events (ChannelAgentMessage).
	TypeEvent = "event"
	// TypeOpen signals the external resource is ready (ChannelStatus).
	TypeOpen = "open"
	// TypeClose is a terminal event: the resource was released cleanly
	// (ChannelStatus).
	TypeClose = "close"
	// TypeExit is a terminal event: the child process exited, payload
	// carries the exit code (ChannelStatus).
	TypeExit = "exit"
	// TypeError is a terminal event: the adapter hit an unrecoverable
	// fault (ChannelStatus).
	TypeError = "error"
)

// Event is one immutable record of an observable session effect.
type Event struct {
	// SessionID is the session the event belongs to.
	SessionID session.ID `json:"session_id"`
	// Seq is the 1-based dense per-session sequence number.
	Seq int64 `json:"seq"`
	// Channel identifies the producer and the kind of effect.
	Channel string `json:"channel"`
	// Type determines the payload schema within the channel.
	Type string `json:"type"`
	// Payload is opaque bytes, typically a JSON document or a raw output
	// chunk. Shared by reference between the router and its subscribers;
	// subscribers must not mutate it.
	Payload []byte `json:"payload,omitempty"`
	// Time is the emission time in milliseconds since epoch. Informational
	// only: ordering is defined by Seq.
	Time int64 `json:"ts"`
}

// IsTerminal reports whether the event is the last event its session's
// adapter may emit. The router refuses further emits after observing one.
func (e *Event) IsTerminal() bool {
	if e.Channel != ChannelStatus {
		return false
	}
	switch e.Type {
	case TypeClose, TypeExit, TypeError:
		return true
	}
	return false
}

// StatusOpen is the payload of a system:status/open event.
type StatusOpen struct {
	// Kind is the session kind that became ready.
	Kind string `json:"kind"`
}

// StatusExit is the payload of a system:status/exit event.
type StatusExit struct {
	// ExitCode is the child process exit code.
	ExitCode int `json:"exitCode"`
}

// StatusClose is the payload of a system:status/close event.
type StatusClose struct {
	// Reason describes why the session closed.
	Reason string `json:"reason,omitempty"`
}

// StatusError is the payload of a system:status/error event.
type StatusError struct {
	// Message describes the fault.
	Message string `json:"message"`
}

// FileContent is the payload of a file:content/text event.
type FileContent struct {
	// Content is the full file content.
	Content string `json:"content"`
	// Size is len(Content) in bytes.
	Size int `json:"size"`
}

// FileSaved is the payload of a file:saved/json event.
type FileSaved struct {
	// Path is the absolute path that was written.
	Path string `json:"path"`
	// Size is the number of bytes written.
	Size int `json:"size"`
}

// AgentMessage is the payload of an ai:message/event event: a batch of
// structured sub-events decoded from the agent's stream.
type AgentMessage struct {
	// Events holds the raw agent stream events in emission order.
	Events []json.RawMessage `json:"events"`
}

// AgentError is the payload of an ai:error/json event.
type AgentError struct {
	// Message describes the agent fault.
	Message string `json:"message"`
	// Detail carries the tail of the agent's stderr, when available.
	Detail string `json:"detail,omitempty"`
}

// MarshalPayload encodes a typed payload for storage, panicking only on
// programmer error (all payload types above are marshalable).
func MarshalPayload(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
