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

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Path:  filepath.Join(t.TempDir(), "dispatch.db"),
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func createSession(t *testing.T, s *Store, status string) session.ID {
	t.Helper()
	id := session.NewID()
	require.NoError(t, s.CreateSession(context.Background(), session.Session{
		ID:     id,
		Kind:   session.KindPTY,
		Status: status,
		Owner:  "alice",
	}))
	return id
}

func TestSessionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := createSession(t, s, session.StatusStarting)

	out, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, out.ID)
	require.Equal(t, session.KindPTY, out.Kind)
	require.Equal(t, session.StatusStarting, out.Status)
	require.Equal(t, "alice", out.Owner)
	require.NotZero(t, out.CreatedAt)

	// Duplicate id is rejected.
	err = s.CreateSession(ctx, session.Session{ID: id, Kind: session.KindPTY, Status: session.StatusStarting})
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	_, err = s.GetSession(ctx, session.NewID())
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, s.UpdateSessionStatus(ctx, id, session.StatusRunning, 42))
	out, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, out.Status)
	require.EqualValues(t, 42, out.UpdatedAt)

	err = s.UpdateSessionStatus(ctx, session.NewID(), session.StatusRunning, 42)
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, s.UpdateSessionMetadata(ctx, id, []byte(`{"shell":"/bin/sh"}`), 43))
	out, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"shell":"/bin/sh"}`, string(out.Metadata))
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pty := createSession(t, s, session.StatusRunning)
	other := session.NewID()
	require.NoError(t, s.CreateSession(ctx, session.Session{
		ID: other, Kind: session.KindFile, Status: session.StatusStopped, Owner: "bob",
	}))

	tests := []struct {
		name   string
		filter session.Filter
		want   []session.ID
	}{
		{name: "all", filter: session.Filter{}, want: []session.ID{pty, other}},
		{name: "by kind", filter: session.Filter{Kind: session.KindPTY}, want: []session.ID{pty}},
		{name: "by status", filter: session.Filter{Status: session.StatusStopped}, want: []session.ID{other}},
		{name: "by owner", filter: session.Filter{Owner: "bob"}, want: []session.ID{other}},
		{name: "no match", filter: session.Filter{Kind: session.KindAgent}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.ListSessions(ctx, tt.filter)
			require.NoError(t, err)
			var got []session.ID
			for _, sess := range out {
				got = append(got, sess.ID)
			}
			require.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := createSession(t, s, session.StatusRunning)

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendEvent(ctx, id, events.ChannelStdout, events.TypeChunk,
			[]byte(fmt.Sprintf("chunk-%d", i)), int64(i))
		require.NoError(t, err)
		require.EqualValues(t, i, seq)
	}

	out, err := s.ReadEventsSince(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, event := range out {
		require.EqualValues(t, i+1, event.Seq)
		require.Equal(t, events.ChannelStdout, event.Channel)
		require.Equal(t, fmt.Sprintf("chunk-%d", i+1), string(event.Payload))
	}

	out, err = s.ReadEventsSince(ctx, id, 3, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.EqualValues(t, 4, out[0].Seq)

	out, err = s.ReadEventsSince(ctx, id, 0, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.EqualValues(t, 2, out[1].Seq)

	last, err := s.LastSeq(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 5, last)

	_, err = s.AppendEvent(ctx, session.NewID(), events.ChannelStdout, events.TypeChunk, nil, 0)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestAppendPayloadCap(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{
		Path:            filepath.Join(t.TempDir(), "dispatch.db"),
		Clock:           clockwork.NewFakeClock(),
		MaxPayloadBytes: 16,
	})
	require.NoError(t, err)
	defer s.Close()
	id := createSession(t, s, session.StatusRunning)

	_, err = s.AppendEvent(ctx, id, events.ChannelStdout, events.TypeChunk, make([]byte, 17), 0)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)

	// Nothing was stored.
	last, err := s.LastSeq(ctx, id)
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestAppendToTerminatedSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := createSession(t, s, session.StatusRunning)

	_, err := s.AppendEvent(ctx, id, events.ChannelStatus, events.TypeExit, nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionStatus(ctx, id, session.StatusStopped, 1))

	_, err = s.AppendEvent(ctx, id, events.ChannelStdout, events.TypeChunk, []byte("late"), 2)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
}

// TestDenseSequenceUnderConcurrency verifies that concurrent appends to the
// same session produce exactly the set {1..N} with no gaps or duplicates.
func TestDenseSequenceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := createSession(t, s, session.StatusRunning)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	seqs := make(chan int64, writers*perWriter)
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p < perWriter; p++ {
				seq, err := s.AppendEvent(ctx, id, events.ChannelStdout, events.TypeChunk, []byte("x"), 0)
				if err != nil {
					errs <- err
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[int64]bool)
	for seq := range seqs {
		require.False(t, seen[seq], "duplicate seq %v", seq)
		seen[seq] = true
	}
	require.Len(t, seen, writers*perWriter)
	for i := int64(1); i <= writers*perWriter; i++ {
		require.True(t, seen[i], "missing seq %v", i)
	}

	// The stored log agrees.
	out, err := s.ReadEventsSince(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, out, writers*perWriter)
	for i, event := range out {
		require.EqualValues(t, i+1, event.Seq)
	}
}

// TestSequenceContinuesAcrossReopen covers the resume path: a store reopened
// on the same file allocates seq values continuing the existing log.
func TestSequenceContinuesAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dispatch.db")

	s, err := New(Config{Path: path, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	id := createSession(t, s, session.StatusRunning)
	for iter := 0; iter < 3; iter++ {
		_, err := s.AppendEvent(ctx, id, events.ChannelStdout, events.TypeChunk, []byte("x"), 0)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	defer s.Close()

	seq, err := s.AppendEvent(ctx, id, events.ChannelStdout, events.TypeChunk, []byte("x"), 0)
	require.NoError(t, err)
	require.EqualValues(t, 4, seq)
}

func TestLayouts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := createSession(t, s, session.StatusRunning)

	require.NoError(t, s.SetLayout(ctx, session.Layout{ClientID: "dev1", SessionID: id, TileID: "tile-a"}))

	out, err := s.GetLayout(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "tile-a", out[0].TileID)

	// Upsert moves the session to another tile.
	require.NoError(t, s.SetLayout(ctx, session.Layout{ClientID: "dev1", SessionID: id, TileID: "tile-b", UpdatedAt: 10}))
	out, err = s.GetLayout(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "tile-b", out[0].TileID)

	// Other clients see their own layout only.
	out, err = s.GetLayout(ctx, "dev2")
	require.NoError(t, err)
	require.Empty(t, out)

	require.NoError(t, s.RemoveLayout(ctx, "dev1", id))
	err = s.RemoveLayout(ctx, "dev1", id)
	require.True(t, trace.IsNotFound(err))
}
