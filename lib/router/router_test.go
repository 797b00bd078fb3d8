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

package router

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
	"github.com/fwdslsh/dispatch/lib/store"
)

func newTestRouter(t *testing.T, cfg Config) (*Router, *store.Store, session.ID) {
	t.Helper()
	st, err := store.New(store.Config{
		Path:  filepath.Join(t.TempDir(), "dispatch.db"),
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id := session.NewID()
	require.NoError(t, st.CreateSession(context.Background(), session.Session{
		ID: id, Kind: session.KindPTY, Status: session.StatusRunning,
	}))

	cfg.SessionID = id
	if cfg.Store == nil {
		cfg.Store = st
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r, st, id
}

// collect drains the subscription until done, returning everything
// delivered in order.
func collect(sub *Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case event := <-sub.Events():
			out = append(out, event)
		case <-sub.Done():
			for {
				select {
				case event := <-sub.Events():
					out = append(out, event)
				default:
					return out
				}
			}
		}
	}
}

func TestEmitSequencesAndFansOut(t *testing.T) {
	r, _, id := newTestRouter(t, Config{})

	sub1, err := r.Subscribe(0)
	require.NoError(t, err)
	sub2, err := r.Subscribe(0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.Emit(events.ChannelStdout, events.TypeChunk, []byte(fmt.Sprintf("c%d", i)))
	}
	r.Emit(events.ChannelStatus, events.TypeExit, events.MarshalPayload(events.StatusExit{}))

	for _, sub := range []*Subscription{sub1, sub2} {
		got := collect(sub)
		require.Len(t, got, 11)
		for i, event := range got {
			require.EqualValues(t, i+1, event.Seq)
			require.Equal(t, id, event.SessionID)
		}
		require.True(t, got[10].IsTerminal())
		require.NoError(t, sub.Err())
	}
}

// TestReplayEquivalence verifies that a live subscriber and a cold read of
// the store observe identical event sequences.
func TestReplayEquivalence(t *testing.T) {
	r, st, id := newTestRouter(t, Config{})

	sub, err := r.Subscribe(0)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		r.Emit(events.ChannelStdout, events.TypeChunk, []byte(fmt.Sprintf("chunk-%d", i)))
	}
	r.Emit(events.ChannelStatus, events.TypeClose, events.MarshalPayload(events.StatusClose{Reason: "done"}))

	live := collect(sub)
	stored, err := st.ReadEventsSince(context.Background(), id, 0, 0)
	require.NoError(t, err)

	require.Equal(t, len(stored), len(live))
	for i := range stored {
		require.Equal(t, stored[i].Seq, live[i].Seq)
		require.Equal(t, stored[i].Channel, live[i].Channel)
		require.Equal(t, stored[i].Type, live[i].Type)
		require.Equal(t, stored[i].Payload, live[i].Payload)
	}
}

func TestTerminalEventClosesRouter(t *testing.T) {
	var terminal []events.Event
	r, st, id := newTestRouter(t, Config{
		OnTerminal: func(event events.Event) { terminal = append(terminal, event) },
	})

	r.Emit(events.ChannelStdout, events.TypeChunk, []byte("a"))
	r.Emit(events.ChannelStatus, events.TypeExit, events.MarshalPayload(events.StatusExit{ExitCode: 0}))
	require.True(t, r.Closed())
	require.Len(t, terminal, 1)
	require.EqualValues(t, 2, terminal[0].Seq)

	// Further emits are refused and nothing new is stored.
	r.Emit(events.ChannelStdout, events.TypeChunk, []byte("late"))
	last, err := st.LastSeq(context.Background(), id)
	require.NoError(t, err)
	require.EqualValues(t, 2, last)

	// New subscriptions are refused.
	_, err = r.Subscribe(0)
	require.True(t, trace.IsNotFound(err))
}

// TestBackpressureIsolation verifies that a subscriber that never reads is
// dropped without affecting delivery to others.
func TestBackpressureIsolation(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{BufferSize: 4})

	slow, err := r.Subscribe(4)
	require.NoError(t, err)
	fast, err := r.Subscribe(64)
	require.NoError(t, err)

	// The slow subscriber's buffer holds 4 events; the 5th delivery
	// overruns it.
	for i := 0; i < 8; i++ {
		r.Emit(events.ChannelStdout, events.TypeChunk, []byte(fmt.Sprintf("c%d", i)))
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	require.ErrorIs(t, slow.Err(), ErrBackpressure)

	// The fast subscriber saw every event in order.
	r.Emit(events.ChannelStatus, events.TypeClose, nil)
	got := collect(fast)
	require.Len(t, got, 9)
	for i, event := range got {
		require.EqualValues(t, i+1, event.Seq)
	}
}

// faultStore fails the nth append.
type faultStore struct {
	*store.Store
	n     int
	count int
}

func (f *faultStore) AppendEvent(ctx context.Context, id session.ID, channel, eventType string, payload []byte, ts int64) (int64, error) {
	f.count++
	if f.count == f.n {
		return 0, trace.ConnectionProblem(nil, "injected append failure")
	}
	return f.Store.AppendEvent(ctx, id, channel, eventType, payload, ts)
}

// TestStoreFaultTearsDownSession injects a failure on the 42nd append and
// verifies the fault policy: events 1..41 intact, no 42nd event visible,
// subscribers ended, fault surfaced.
func TestStoreFaultTearsDownSession(t *testing.T) {
	st, err := store.New(store.Config{
		Path:  filepath.Join(t.TempDir(), "dispatch.db"),
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	defer st.Close()

	id := session.NewID()
	require.NoError(t, st.CreateSession(context.Background(), session.Session{
		ID: id, Kind: session.KindPTY, Status: session.StatusRunning,
	}))

	var fault error
	r, err := New(Config{
		SessionID:    id,
		Store:        &faultStore{Store: st, n: 42},
		OnStoreFault: func(err error) { fault = err },
	})
	require.NoError(t, err)

	sub, err := r.Subscribe(0)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		r.Emit(events.ChannelStdout, events.TypeChunk, []byte(fmt.Sprintf("c%d", i)))
	}

	require.Error(t, fault)
	require.True(t, r.Closed())

	got := collect(sub)
	require.Len(t, got, 41)
	require.Error(t, sub.Err())

	stored, err := st.ReadEventsSince(context.Background(), id, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 41)
	for i, event := range stored {
		require.EqualValues(t, i+1, event.Seq)
	}
}

func TestUnsubscribe(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})

	sub, err := r.Subscribe(0)
	require.NoError(t, err)
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	require.NoError(t, sub.Err())

	// Emitting after unsubscribe delivers to nobody and does not panic.
	r.Emit(events.ChannelStdout, events.TypeChunk, []byte("x"))
}
