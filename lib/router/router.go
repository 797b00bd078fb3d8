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

// Package router implements the per-session event router: the single
// ingress through which an adapter's emits are sequenced, persisted and
// fanned out to attached subscribers.
//
// Emits are serialized per session, so sequence assignment and delivery
// order agree. Each subscription has a bounded buffer; a subscriber that
// cannot keep up is dropped rather than allowed to block the adapter or
// other subscribers — the store remains the durable log, so a dropped
// client recovers by re-attaching from its last delivered seq.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

var (
	eventsBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_router_events_broadcast_total",
			Help: "Number of events delivered to subscribers",
		},
	)
	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_router_subscribers_dropped_total",
			Help: "Number of subscriptions dropped for backpressure",
		},
	)
	liveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_router_live_subscribers",
			Help: "Number of live subscriptions across all sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsBroadcast)
	prometheus.MustRegister(subscribersDropped)
	prometheus.MustRegister(liveSubscribers)
}

// ErrBackpressure is reported by a subscription that was dropped because
// its buffer overran.
var ErrBackpressure = &trace.LimitExceededError{Message: "subscriber fell too far behind the live event stream"}

// Store is the slice of the event store the router needs.
type Store interface {
	AppendEvent(ctx context.Context, id session.ID, channel, eventType string, payload []byte, ts int64) (int64, error)
}

// Config is the configuration of one session's router.
type Config struct {
	// SessionID is the session this router serves.
	SessionID session.ID
	// Store persists every event before it is broadcast.
	Store Store
	// Clock stamps events.
	Clock clockwork.Clock
	// Logger emits router diagnostics.
	Logger *slog.Logger
	// BufferSize is the outbound buffer of each subscription.
	BufferSize int
	// OnTerminal, if set, is called once after the session's terminal
	// event has been persisted and delivered.
	OnTerminal func(event events.Event)
	// OnStoreFault, if set, is called once when persisting an event fails.
	// The fault is fatal to the session.
	OnStoreFault func(err error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.SessionID == "" {
		return trace.BadParameter("missing parameter SessionID")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(dispatch.ComponentKey, dispatch.ComponentRouter)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.SubscriberBuffer
	}
	return nil
}

// Router is the per-session sequencer and fan-out bus.
type Router struct {
	cfg Config

	// emitMu serializes Emit so that seq order and delivery order agree.
	emitMu sync.Mutex

	// mu guards the subscriber set and the closed flag.
	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool
}

// New creates a router for one session.
func New(cfg Config) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Router{
		cfg:  cfg,
		subs: make(map[int64]*Subscription),
	}, nil
}

// Emit is the adapter's ingress: the event is stamped, persisted, then
// delivered to every subscriber in FIFO order. After the session's
// terminal event the router is closed and further emits are dropped.
func (r *Router) Emit(channel, eventType string, payload []byte) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.cfg.Logger.Warn("Dropping emit on closed router.",
			"session_id", r.cfg.SessionID, "channel", channel, "type", eventType)
		return
	}

	ts := r.cfg.Clock.Now().UnixMilli()
	seq, err := r.cfg.Store.AppendEvent(context.Background(), r.cfg.SessionID, channel, eventType, payload, ts)
	if err != nil {
		// A failed append is fatal to the session: the event is neither
		// delivered nor retried, subscribers are told out-of-band.
		r.cfg.Logger.Error("Failed to persist event, tearing down session.",
			"session_id", r.cfg.SessionID, "error", err)
		r.teardown(trace.Wrap(err))
		if r.cfg.OnStoreFault != nil {
			r.cfg.OnStoreFault(err)
		}
		return
	}

	event := events.Event{
		SessionID: r.cfg.SessionID,
		Seq:       seq,
		Channel:   channel,
		Type:      eventType,
		Payload:   payload,
		Time:      ts,
	}

	r.mu.Lock()
	for _, sub := range r.subs {
		select {
		case sub.ch <- event:
			eventsBroadcast.Inc()
		default:
			// Bounded buffer overran: drop the subscription, never block
			// the adapter. The client re-attaches from its last seq.
			r.cfg.Logger.Warn("Dropping slow subscriber.",
				"session_id", r.cfg.SessionID, "seq", seq)
			delete(r.subs, sub.id)
			sub.close(ErrBackpressure)
			subscribersDropped.Inc()
		}
	}
	terminal := event.IsTerminal()
	if terminal {
		r.closed = true
		for id, sub := range r.subs {
			delete(r.subs, id)
			sub.close(nil)
		}
	}
	r.mu.Unlock()

	if terminal && r.cfg.OnTerminal != nil {
		r.cfg.OnTerminal(event)
	}
}

// teardown closes the router and all subscriptions with the given error.
func (r *Router) teardown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, sub := range r.subs {
		delete(r.subs, id)
		sub.close(err)
	}
}

// Close tears the router down without a terminal event. Used when the
// registry discards a session that never finished starting.
func (r *Router) Close() {
	r.teardown(nil)
}

// Closed reports whether the router has observed the session's terminal
// event or was torn down.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Subscribe registers a new subscription with the given buffer size (0
// uses the router default). It fails once the router is closed.
func (r *Router) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = r.cfg.BufferSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, trace.NotFound("session %v event stream has ended", r.cfg.SessionID)
	}
	r.nextID++
	sub := &Subscription{
		id:     r.nextID,
		router: r,
		ch:     make(chan events.Event, buffer),
		done:   make(chan struct{}),
	}
	r.subs[sub.id] = sub
	liveSubscribers.Inc()
	return sub, nil
}

// unsubscribe removes the subscription; no-op if already removed.
func (r *Router) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.id]; ok {
		delete(r.subs, sub.id)
		sub.close(nil)
	}
}

// Subscription is one attachment's view of the live event stream.
type Subscription struct {
	id     int64
	router *Router
	ch     chan events.Event

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Events returns the channel live events are delivered on. Events still
// buffered when Done is closed must be drained by the consumer.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Done is closed when the subscription ends: the session emitted its
// terminal event, the subscriber was dropped, or Close was called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. ErrBackpressure means the
// subscriber was too slow and must re-attach; nil means a clean end.
// Valid only after Done is closed.
func (s *Subscription) Err() error {
	return s.err
}

// Close unsubscribes from the router.
func (s *Subscription) Close() {
	s.router.unsubscribe(s)
}

func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		liveSubscribers.Dec()
	})
}
