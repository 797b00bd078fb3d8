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

// Package web is the client-facing surface: the websocket attachment
// gateway and the control-plane HTTP API.
//
// The gateway multiplexes any number of session attachments over one
// websocket connection. An attach subscribes to the session's live router
// before replaying the stored log from the client's cursor, then forwards
// live events skipping anything the replay already covered — the client
// sees a gap-free, duplicate-free continuation of its own history.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/registry"
	"github.com/fwdslsh/dispatch/lib/router"
	"github.com/fwdslsh/dispatch/lib/session"
)

// Identity is the resolved principal of an authenticated connection.
type Identity struct {
	// Principal is the authenticated user.
	Principal string
	// Expiry, when non-zero, is the instant the credential stops being
	// valid. The gateway pushes session-expired and closes at that point.
	Expiry time.Time
}

// Authorizer authenticates an incoming connection. Credential validation
// lives outside the core; the gateway only consumes the resolved identity.
type Authorizer interface {
	Authorize(r *http.Request) (*Identity, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(r *http.Request) (*Identity, error)

// Authorize calls the function.
func (f AuthorizerFunc) Authorize(r *http.Request) (*Identity, error) {
	return f(r)
}

// Store is the slice of the event store the gateway needs.
type Store interface {
	GetSession(ctx context.Context, id session.ID) (*session.Session, error)
	ReadEventsSince(ctx context.Context, id session.ID, since int64, limit int) ([]events.Event, error)
	SetLayout(ctx context.Context, layout session.Layout) error
}

// GatewayConfig is the configuration of the attachment gateway.
type GatewayConfig struct {
	// Registry routes input and live subscriptions.
	Registry *registry.Registry
	// Store serves session rows and replay reads.
	Store Store
	// Authorizer authenticates connections.
	Authorizer Authorizer
	// Clock stamps layout rows and drives credential expiry.
	Clock clockwork.Clock
	// Logger emits gateway diagnostics.
	Logger *slog.Logger
	// BufferSize bounds each attachment's live subscription.
	BufferSize int
	// KeepAliveInterval is the websocket ping period; the read deadline is
	// twice this.
	KeepAliveInterval time.Duration
	// ReplayPageSize bounds each replay read.
	ReplayPageSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *GatewayConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Authorizer == nil {
		return trace.BadParameter("missing parameter Authorizer")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(dispatch.ComponentKey, dispatch.ComponentGateway)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.SubscriberBuffer
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if c.ReplayPageSize <= 0 {
		c.ReplayPageSize = defaults.ReplayPageSize
	}
	return nil
}

// Gateway is the websocket endpoint clients attach through.
type Gateway struct {
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates the attachment gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// ServeHTTP authenticates the request, upgrades it to a websocket and
// serves the frame dialog until the connection ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.cfg.Authorizer.Authorize(r)
	if err != nil {
		g.cfg.Logger.InfoContext(r.Context(), "Refusing unauthenticated connection.", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.cfg.Logger.WarnContext(r.Context(), "Websocket upgrade failed.", "error", err)
		return
	}

	conn := &connection{
		cfg:         &g.cfg,
		log:         g.cfg.Logger.With("principal", identity.Principal, "remote_addr", ws.RemoteAddr().String()),
		ws:          ws,
		identity:    identity,
		out:         make(chan Frame, g.cfg.BufferSize),
		attachments: make(map[session.ID]*attachment),
		closed:      make(chan struct{}),
	}
	conn.serve(r.Context())
}

// attachment is one session bound to the connection.
type attachment struct {
	sub *router.Subscription // nil for terminated sessions (replay only)
}

// connection is the server side of one websocket.
type connection struct {
	cfg      *GatewayConfig
	log      *slog.Logger
	ws       *websocket.Conn
	identity *Identity

	// out carries every outbound frame to the single writer goroutine.
	out chan Frame

	mu          sync.Mutex
	clientID    string
	attachments map[session.ID]*attachment

	closeOnce sync.Once
	closed    chan struct{}
}

// serve runs the connection until the client disconnects, the credential
// expires, or an I/O error occurs.
func (c *connection) serve(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.keepAliveLoop()
	}()

	if expiry := c.identity.Expiry; !expiry.IsZero() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-c.closed:
			case <-c.cfg.Clock.After(expiry.Sub(c.cfg.Clock.Now())):
				c.log.Info("Credential expired, closing connection.")
				c.push(Frame{Type: FrameSessionExpired})
				c.close()
			}
		}()
	}

	c.readLoop(ctx)
	c.close()
	wg.Wait()
	c.ws.Close()
}

// close tears down the connection and all its attachments. Sessions are
// unaffected.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		for id, att := range c.attachments {
			delete(c.attachments, id)
			if att.sub != nil {
				att.sub.Close()
			}
		}
		c.mu.Unlock()
	})
}

// push queues an outbound frame, giving up once the connection is closed.
func (c *connection) push(frame Frame) bool {
	select {
	case c.out <- frame:
		return true
	case <-c.closed:
		return false
	}
}

// writeLoop is the only writer of data frames. On shutdown it flushes
// whatever is already queued, then says goodbye.
func (c *connection) writeLoop() {
	write := func(frame Frame) bool {
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.KeepAliveInterval))
		if err := c.ws.WriteJSON(frame); err != nil {
			c.close()
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-c.out:
			if !write(frame) {
				return
			}
		case <-c.closed:
			for {
				select {
				case frame := <-c.out:
					if !write(frame) {
						return
					}
				default:
					c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

// keepAliveLoop pings the client; a missing pong trips the read deadline
// and ends the connection.
func (c *connection) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.KeepAliveInterval)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop decodes inbound frames until the websocket errors out.
func (c *connection) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(defaults.MaxPayloadBytes + 4096)
	c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.KeepAliveInterval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.KeepAliveInterval))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Connection ended.", "error", err)
			}
			return
		}
		c.handleFrame(ctx, &frame)
	}
}

// handleFrame dispatches one inbound frame.
func (c *connection) handleFrame(ctx context.Context, frame *Frame) {
	if frame.Type == FrameHello {
		c.handleHello(frame)
		return
	}

	c.mu.Lock()
	greeted := c.clientID != ""
	c.mu.Unlock()
	if !greeted {
		c.push(Frame{Type: FrameError, ID: frame.ID, Message: "hello required before any other frame"})
		return
	}

	switch frame.Type {
	case FrameAttach:
		c.handleAttach(ctx, frame)
	case FrameDetach:
		c.handleDetach(frame)
	case FrameInput:
		c.handleInput(frame)
	case FrameResize:
		c.handleResize(frame)
	case FrameClose:
		c.handleClose(frame)
	default:
		c.push(Frame{Type: FrameError, ID: frame.ID, Message: "unknown frame type " + frame.Type})
	}
}

func (c *connection) handleHello(frame *Frame) {
	if frame.ClientID == "" {
		c.push(Frame{Type: FrameHelloError, ID: frame.ID, Reason: "missing clientId"})
		return
	}
	c.mu.Lock()
	already := c.clientID != ""
	if !already {
		c.clientID = frame.ClientID
	}
	c.mu.Unlock()
	if already {
		c.push(Frame{Type: FrameHelloError, ID: frame.ID, Reason: "connection already greeted"})
		return
	}
	c.push(Frame{Type: FrameHelloOK, ID: frame.ID, ClientID: frame.ClientID})
}

// handleAttach validates the request and hands the replay + live pump to
// its own goroutine, so long replays do not stall the frame reader.
func (c *connection) handleAttach(ctx context.Context, frame *Frame) {
	id, err := session.ParseID(frame.RunID)
	if err != nil {
		c.push(Frame{Type: FrameAttachError, ID: frame.ID, RunID: frame.RunID, Reason: err.Error()})
		return
	}
	if frame.SinceSeq < 0 {
		c.push(Frame{Type: FrameAttachError, ID: frame.ID, RunID: frame.RunID, Reason: "sinceSeq must not be negative"})
		return
	}

	sess, err := c.cfg.Store.GetSession(ctx, id)
	if err != nil {
		c.push(Frame{Type: FrameAttachError, ID: frame.ID, RunID: frame.RunID, Reason: err.Error()})
		return
	}

	// Subscribe before replaying: events emitted while the replay runs land
	// in the subscription buffer and are deduplicated by seq afterwards.
	// Terminated sessions have no live stream and are served replay-only.
	sub, err := c.cfg.Registry.Subscribe(id, c.cfg.BufferSize)
	if err != nil && !trace.IsNotFound(err) {
		c.push(Frame{Type: FrameAttachError, ID: frame.ID, RunID: frame.RunID, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	if _, ok := c.attachments[id]; ok {
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		c.push(Frame{Type: FrameAttachError, ID: frame.ID, RunID: frame.RunID, Reason: "already attached to this session"})
		return
	}
	c.attachments[id] = &attachment{sub: sub}
	clientID := c.clientID
	c.mu.Unlock()

	if frame.TileID != "" {
		if err := c.cfg.Store.SetLayout(ctx, session.Layout{
			ClientID:  clientID,
			SessionID: id,
			TileID:    frame.TileID,
			UpdatedAt: c.cfg.Clock.Now().UnixMilli(),
		}); err != nil {
			c.log.Warn("Failed to record workspace layout.", "session_id", id.String(), "error", err)
		}
	}

	c.push(Frame{Type: FrameAttachOK, ID: frame.ID, RunID: frame.RunID, Kind: sess.Kind, Status: sess.Status})
	go c.runAttachment(ctx, id, frame.SinceSeq, sub)
}

// runAttachment streams the stored log from the cursor, then forwards live
// events skipping anything already replayed.
func (c *connection) runAttachment(ctx context.Context, id session.ID, since int64, sub *router.Subscription) {
	runID := id.String()
	for {
		page, err := c.cfg.Store.ReadEventsSince(ctx, id, since, c.cfg.ReplayPageSize)
		if err != nil {
			c.log.Warn("Replay read failed, tearing down attachment.", "session_id", runID, "error", err)
			c.push(Frame{Type: FrameError, RunID: runID, Message: "replay failed: " + err.Error()})
			c.dropAttachment(id)
			return
		}
		for _, event := range page {
			if !c.push(Frame{Type: FrameEvent, RunID: runID, Event: newEventFrame(event)}) {
				c.dropAttachment(id)
				return
			}
			since = event.Seq
		}
		if len(page) < c.cfg.ReplayPageSize {
			break
		}
	}

	if sub == nil {
		return
	}

	forward := func(event events.Event) bool {
		if event.Seq <= since {
			return true
		}
		since = event.Seq
		return c.push(Frame{Type: FrameEvent, RunID: runID, Event: newEventFrame(event)})
	}

	for {
		select {
		case event := <-sub.Events():
			if !forward(event) {
				c.dropAttachment(id)
				return
			}
		case <-sub.Done():
			// Drain what was buffered before the stream ended.
			for {
				select {
				case event := <-sub.Events():
					if !forward(event) {
						c.dropAttachment(id)
						return
					}
				default:
					if err := sub.Err(); err != nil {
						c.push(Frame{Type: FrameError, RunID: runID, Message: err.Error()})
					}
					c.dropAttachment(id)
					return
				}
			}
		case <-c.closed:
			c.dropAttachment(id)
			return
		}
	}
}

// dropAttachment removes the attachment and closes its subscription.
func (c *connection) dropAttachment(id session.ID) {
	c.mu.Lock()
	att, ok := c.attachments[id]
	if ok {
		delete(c.attachments, id)
	}
	c.mu.Unlock()
	if ok && att.sub != nil {
		att.sub.Close()
	}
}

func (c *connection) handleDetach(frame *Frame) {
	id, err := session.ParseID(frame.RunID)
	if err != nil {
		c.push(Frame{Type: FrameDetachError, ID: frame.ID, RunID: frame.RunID, Reason: err.Error()})
		return
	}
	c.mu.Lock()
	_, ok := c.attachments[id]
	c.mu.Unlock()
	if !ok {
		c.push(Frame{Type: FrameDetachError, ID: frame.ID, RunID: frame.RunID, Reason: "not attached to this session"})
		return
	}
	c.dropAttachment(id)
	c.push(Frame{Type: FrameDetachOK, ID: frame.ID, RunID: frame.RunID})
}

// handleInput forwards input to the adapter. Input has no reply; failures
// surface as an asynchronous error frame scoped to the run.
func (c *connection) handleInput(frame *Frame) {
	id, err := session.ParseID(frame.RunID)
	if err == nil {
		err = c.cfg.Registry.Input(id, frame.Data)
	}
	if err != nil {
		c.push(Frame{Type: FrameError, RunID: frame.RunID, Message: err.Error()})
	}
}

func (c *connection) handleResize(frame *Frame) {
	id, err := session.ParseID(frame.RunID)
	if err == nil {
		err = c.cfg.Registry.Resize(id, frame.Cols, frame.Rows)
	}
	if err != nil {
		c.push(Frame{Type: FrameResizeError, ID: frame.ID, RunID: frame.RunID, Reason: err.Error()})
		return
	}
	c.push(Frame{Type: FrameResizeOK, ID: frame.ID, RunID: frame.RunID})
}

func (c *connection) handleClose(frame *Frame) {
	id, err := session.ParseID(frame.RunID)
	if err == nil {
		err = c.cfg.Registry.Close(id)
	}
	if err != nil {
		c.push(Frame{Type: FrameCloseError, ID: frame.ID, RunID: frame.RunID, Reason: err.Error()})
		return
	}
	c.push(Frame{Type: FrameCloseOK, ID: frame.ID, RunID: frame.RunID})
}
