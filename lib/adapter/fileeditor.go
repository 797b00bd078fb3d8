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
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

// FileConfig is the kind-specific configuration of a file editor session,
// decoded from the session metadata.
type FileConfig struct {
	// Path is the file being edited.
	Path string `json:"path"`
}

// CheckAndSetDefaults validates the config.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter path")
	}
	if !filepath.IsAbs(c.Path) {
		return trace.BadParameter("file path %q must be absolute", c.Path)
	}
	return nil
}

// File editor commands accepted by Write.
const (
	// FileActionSave writes new content to disk.
	FileActionSave = "save"
	// FileActionReload re-reads the file from disk.
	FileActionReload = "reload"
)

// FileCommand is the structured input of a file editor session.
type FileCommand struct {
	// Action is one of the file actions above.
	Action string `json:"action"`
	// Content is the full file content for a save action.
	Content string `json:"content"`
}

// NewFileEditor is the adapter factory for file editor sessions: it loads
// the target file, emits its content, and accepts save/reload commands.
func NewFileEditor(params Params) (Adapter, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg FileConfig
	if len(params.Metadata) != 0 {
		if err := json.Unmarshal(params.Metadata, &cfg); err != nil {
			return nil, trace.BadParameter("invalid file session config: %v", err)
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fileAdapter{cfg: cfg, log: params.Logger}, nil
}

type fileAdapter struct {
	cfg FileConfig
	log *slog.Logger

	// mu serializes commands against close.
	mu     sync.Mutex
	emit   Emitter
	closed bool
}

// Start loads the file and emits its content.
func (a *fileAdapter) Start(ctx context.Context, emit Emitter) error {
	a.mu.Lock()
	a.emit = emit
	a.mu.Unlock()

	emit(events.ChannelStatus, events.TypeOpen, events.MarshalPayload(events.StatusOpen{Kind: session.KindFile}))
	if err := a.load(emit); err != nil {
		return trace.Wrap(err)
	}
	a.log.InfoContext(ctx, "Opened file session.", "path", a.cfg.Path)
	return nil
}

// load reads the file from disk and emits a content event.
func (a *fileAdapter) load(emit Emitter) error {
	fi, err := os.Stat(a.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("file %v not found", a.cfg.Path)
		}
		return trace.Wrap(err)
	}
	if fi.Size() > defaults.MaxFileBytes {
		return trace.LimitExceeded("file %v is %v bytes, exceeding the %v byte limit",
			a.cfg.Path, fi.Size(), defaults.MaxFileBytes)
	}
	content, err := os.ReadFile(a.cfg.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	emit(events.ChannelFileContent, events.TypeText, events.MarshalPayload(events.FileContent{
		Content: string(content),
		Size:    len(content),
	}))
	return nil
}

// Write accepts a structured file command: {"action":"save","content":…}
// or {"action":"reload"}.
func (a *fileAdapter) Write(data []byte) error {
	var cmd FileCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return trace.BadParameter("invalid file command: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.emit == nil {
		return trace.BadParameter("file session is not running")
	}

	switch cmd.Action {
	case FileActionSave:
		if err := os.WriteFile(a.cfg.Path, []byte(cmd.Content), 0o644); err != nil {
			return trace.Wrap(err, "saving %v", a.cfg.Path)
		}
		a.emit(events.ChannelFileSaved, events.TypeJSON, events.MarshalPayload(events.FileSaved{
			Path: a.cfg.Path,
			Size: len(cmd.Content),
		}))
		return nil
	case FileActionReload:
		return trace.Wrap(a.load(a.emit))
	default:
		return trace.BadParameter("unknown file action %q", cmd.Action)
	}
}

// Resize has no meaning for a file session.
func (a *fileAdapter) Resize(cols, rows uint32) error {
	return trace.NotImplemented("file sessions have no terminal to resize")
}

// Close emits the terminal close event and becomes inert.
func (a *fileAdapter) Close(reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.emit != nil {
		a.emit(events.ChannelStatus, events.TypeClose, events.MarshalPayload(events.StatusClose{Reason: reason}))
	}
	a.log.Debug("Closed file session.", "path", a.cfg.Path, "reason", reason)
	return nil
}
