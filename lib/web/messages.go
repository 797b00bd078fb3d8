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

package web

import (
	"github.com/fwdslsh/dispatch/lib/events"
)

// Frame types a client sends.
const (
	// FrameHello opens the dialog and scopes the connection to a client id.
	FrameHello = "hello"
	// FrameAttach binds the connection to a session's event stream from a
	// cursor.
	FrameAttach = "attach"
	// FrameDetach unbinds a previously attached session.
	FrameDetach = "detach"
	// FrameInput delivers input to a session's adapter.
	FrameInput = "input"
	// FrameResize changes a pty session's terminal dimensions.
	FrameResize = "resize"
	// FrameClose asks a session to shut down.
	FrameClose = "close"
)

// Frame types the server sends.
const (
	FrameHelloOK     = "hello-ok"
	FrameHelloError  = "hello-error"
	FrameAttachOK    = "attach-ok"
	FrameAttachError = "attach-error"
	FrameDetachOK    = "detach-ok"
	FrameDetachError = "detach-error"
	FrameResizeOK    = "resize-ok"
	FrameResizeError = "resize-error"
	FrameCloseOK     = "close-ok"
	FrameCloseError  = "close-error"
	// FrameEvent carries one session event, pushed in per-session order.
	FrameEvent = "event"
	// FrameError is an asynchronous error notification, scoped to a run id
	// when one applies.
	FrameError = "error"
	// FrameSessionExpired tells the client its credential expired and the
	// connection is about to close.
	FrameSessionExpired = "session-expired"
)

// Frame is the JSON envelope of every gateway message. Type selects which
// of the optional fields apply; ID is an opaque correlation token echoed
// on the response to a request.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// ClientID scopes the connection for workspace layout (hello).
	ClientID string `json:"clientId,omitempty"`

	// RunID names the session a request or notification refers to.
	RunID string `json:"runId,omitempty"`
	// SinceSeq is the attach cursor: replay starts at SinceSeq+1.
	SinceSeq int64 `json:"sinceSeq,omitempty"`
	// TileID, when present on an attach, records the session's workspace
	// placement for this client.
	TileID string `json:"tileId,omitempty"`

	// Data is the input payload. Raw bytes for pty sessions, a message for
	// agent sessions, a JSON command for file sessions.
	Data []byte `json:"data,omitempty"`

	// Cols and Rows are the resize dimensions.
	Cols uint32 `json:"cols,omitempty"`
	Rows uint32 `json:"rows,omitempty"`

	// Kind and Status describe the session on an attach-ok.
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`

	// Reason explains a refused request.
	Reason string `json:"reason,omitempty"`
	// Message carries an asynchronous error description.
	Message string `json:"message,omitempty"`

	// Event is the session event of an event frame.
	Event *EventFrame `json:"event,omitempty"`
}

// EventFrame is the wire shape of one session event. Payload is opaque to
// the transport; its schema is determined by (Channel, Type). It rides as
// base64 in JSON, as event payloads are raw bytes for pty output.
type EventFrame struct {
	RunID   string `json:"runId"`
	Seq     int64  `json:"seq"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`
	Ts      int64  `json:"ts"`
}

// newEventFrame converts a stored or live event to its wire shape.
func newEventFrame(event events.Event) *EventFrame {
	return &EventFrame{
		RunID:   event.SessionID.String(),
		Seq:     event.Seq,
		Channel: event.Channel,
		Type:    event.Type,
		Payload: event.Payload,
		Ts:      event.Time,
	}
}
