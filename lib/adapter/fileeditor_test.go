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

package adapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

func newFileEditor(t *testing.T, path string) Adapter {
	t.Helper()
	meta, err := json.Marshal(FileConfig{Path: path})
	require.NoError(t, err)
	adp, err := NewFileEditor(Params{SessionID: session.NewID(), Metadata: meta})
	require.NoError(t, err)
	return adp
}

func TestFileEditorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("draft one"), 0o644))

	adp := newFileEditor(t, path)
	rec := newRecorder()
	require.NoError(t, adp.Start(context.Background(), rec.emit))

	open := rec.next(t)
	require.Equal(t, events.ChannelStatus, open.Channel)
	require.Equal(t, events.TypeOpen, open.Type)

	var content events.FileContent
	loaded := rec.next(t)
	require.Equal(t, events.ChannelFileContent, loaded.Channel)
	require.NoError(t, json.Unmarshal(loaded.Payload, &content))
	require.Equal(t, "draft one", content.Content)

	// Save replaces the file on disk and confirms with a saved event.
	cmd, err := json.Marshal(FileCommand{Action: FileActionSave, Content: "draft two"})
	require.NoError(t, err)
	require.NoError(t, adp.Write(cmd))

	var saved events.FileSaved
	confirm := rec.next(t)
	require.Equal(t, events.ChannelFileSaved, confirm.Channel)
	require.NoError(t, json.Unmarshal(confirm.Payload, &saved))
	require.Equal(t, path, saved.Path)
	require.Equal(t, len("draft two"), saved.Size)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "draft two", string(onDisk))

	// Reload reflects outside edits.
	require.NoError(t, os.WriteFile(path, []byte("edited elsewhere"), 0o644))
	cmd, err = json.Marshal(FileCommand{Action: FileActionReload})
	require.NoError(t, err)
	require.NoError(t, adp.Write(cmd))

	loaded = rec.next(t)
	require.Equal(t, events.ChannelFileContent, loaded.Channel)
	require.NoError(t, json.Unmarshal(loaded.Payload, &content))
	require.Equal(t, "edited elsewhere", content.Content)

	require.NoError(t, adp.Close("done"))
	closeEvent := rec.next(t)
	require.Equal(t, events.ChannelStatus, closeEvent.Channel)
	require.Equal(t, events.TypeClose, closeEvent.Type)

	// The adapter is inert after close.
	require.NoError(t, adp.Close("again"))
	err = adp.Write(cmd)
	require.True(t, trace.IsBadParameter(err))
}

func TestFileEditorMissingFile(t *testing.T) {
	adp := newFileEditor(t, filepath.Join(t.TempDir(), "absent.txt"))
	err := adp.Start(context.Background(), newRecorder().emit)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestFileEditorConfigValidation(t *testing.T) {
	_, err := NewFileEditor(Params{SessionID: session.NewID()})
	require.True(t, trace.IsBadParameter(err), "missing path must be rejected")

	meta, err := json.Marshal(FileConfig{Path: "relative/path.txt"})
	require.NoError(t, err)
	_, err = NewFileEditor(Params{SessionID: session.NewID(), Metadata: meta})
	require.True(t, trace.IsBadParameter(err), "relative path must be rejected")
}

func TestFileEditorBadCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	adp := newFileEditor(t, path)
	rec := newRecorder()
	require.NoError(t, adp.Start(context.Background(), rec.emit))

	err := adp.Write([]byte("not json"))
	require.True(t, trace.IsBadParameter(err))

	err = adp.Write([]byte(`{"action":"explode"}`))
	require.True(t, trace.IsBadParameter(err))
}

func TestFileEditorResize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	adp := newFileEditor(t, path)
	require.Error(t, adp.Resize(80, 24))
}
