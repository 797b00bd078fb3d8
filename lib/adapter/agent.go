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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

// AgentConfig is the kind-specific configuration of an AI agent session,
// decoded from the session metadata.
type AgentConfig struct {
	// Dir is the working directory the agent operates in.
	Dir string `json:"cwd,omitempty"`
	// Model is the model tag passed to the agent CLI.
	Model string `json:"model,omitempty"`
	// PermissionMode controls how the agent asks for tool permissions.
	PermissionMode string `json:"permissionMode,omitempty"`
	// MaxTurns caps the number of agent turns per user message. Zero means
	// the CLI default.
	MaxTurns int `json:"maxTurns,omitempty"`
	// Binary is the agent CLI executable.
	Binary string `json:"binary,omitempty"`
	// ConversationID is the external agent conversation to resume. It is
	// captured from the agent's init event on the first run and written
	// back into the session metadata, so a resumed session continues the
	// same conversation.
	ConversationID string `json:"conversationId,omitempty"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AgentConfig) CheckAndSetDefaults() error {
	if c.Binary == "" {
		c.Binary = defaults.AgentBinary
	}
	if c.MaxTurns < 0 {
		return trace.BadParameter("maxTurns must not be negative")
	}
	return nil
}

// agentStreamEvent is the subset of the agent's NDJSON stream the adapter
// inspects; everything else passes through opaque.
type agentStreamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// agentUserMessage is the NDJSON shape of a user message on the agent's
// stdin.
type agentUserMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// NewAgent is the adapter factory for AI agent sessions: it drives an
// external agent CLI speaking NDJSON on stdin/stdout and surfaces its
// structured event stream.
func NewAgent(params Params) (Adapter, error) {
	return newAgent(params, "")
}

// NewAgentFactory returns an agent factory whose sessions fall back to the
// given binary when their config names none. The daemon uses this to apply
// its configured agent CLI.
func NewAgentFactory(binary string) Factory {
	return func(params Params) (Adapter, error) {
		return newAgent(params, binary)
	}
}

func newAgent(params Params, defaultBinary string) (Adapter, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg AgentConfig
	if len(params.Metadata) != 0 {
		if err := json.Unmarshal(params.Metadata, &cfg); err != nil {
			return nil, trace.BadParameter("invalid agent session config: %v", err)
		}
	}
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &agentAdapter{
		cfg:            cfg,
		log:            params.Logger,
		clock:          params.Clock,
		updateMetadata: params.UpdateMetadata,
	}, nil
}

type agentAdapter struct {
	cfg            AgentConfig
	log            *slog.Logger
	clock          clockwork.Clock
	updateMetadata func(metadata json.RawMessage) error

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	closeOnce   sync.Once
	closeReason string
	done        chan struct{}
}

// Start launches the agent process and the goroutine that decodes its
// event stream.
func (a *agentAdapter) Start(ctx context.Context, emit Emitter) error {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if a.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", a.cfg.PermissionMode)
	}
	if a.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(a.cfg.MaxTurns))
	}
	if a.cfg.ConversationID != "" {
		args = append(args, "--resume", a.cfg.ConversationID)
	}

	cmd := exec.Command(a.cfg.Binary, args...)
	cmd.Dir = a.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return trace.Wrap(err, "starting agent %v", a.cfg.Binary)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.done = make(chan struct{})
	a.mu.Unlock()

	a.log.InfoContext(ctx, "Started agent session.", "binary", a.cfg.Binary, "pid", cmd.Process.Pid)
	emit(events.ChannelStatus, events.TypeOpen, events.MarshalPayload(events.StatusOpen{Kind: session.KindAgent}))

	go a.readLoop(stdout, cmd, &stderr, emit)
	return nil
}

// readLoop decodes NDJSON events from the agent's stdout until it exits,
// then emits the terminal close event.
func (a *agentAdapter) readLoop(stdout io.Reader, cmd *exec.Cmd, stderr *bytes.Buffer, emit Emitter) {
	defer close(a.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), defaults.MaxPayloadBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			a.log.Warn("Dropping malformed agent stream line.", "bytes", len(line))
			continue
		}

		var event agentStreamEvent
		if err := json.Unmarshal(line, &event); err == nil {
			if event.SessionID != "" && !event.IsError && event.SessionID != a.cfg.ConversationID {
				a.rememberConversation(event.SessionID)
			}
		}

		raw := make([]byte, len(line))
		copy(raw, line)
		emit(events.ChannelAgentMessage, events.TypeEvent, events.MarshalPayload(events.AgentMessage{
			Events: []json.RawMessage{raw},
		}))
	}

	waitErr := cmd.Wait()

	a.mu.Lock()
	a.stdin = nil
	reason := a.closeReason
	a.mu.Unlock()

	if waitErr != nil {
		emit(events.ChannelAgentError, events.TypeJSON, events.MarshalPayload(events.AgentError{
			Message: waitErr.Error(),
			Detail:  tail(stderr.Bytes(), 4096),
		}))
		if reason == "" {
			reason = "agent exited: " + waitErr.Error()
		}
	}
	if reason == "" {
		reason = "agent exited"
	}

	a.log.Debug("Agent session exited.", "reason", reason)
	emit(events.ChannelStatus, events.TypeClose, events.MarshalPayload(events.StatusClose{Reason: reason}))
}

// rememberConversation records the external conversation id in the session
// metadata so a later resume continues the same conversation.
func (a *agentAdapter) rememberConversation(id string) {
	a.cfg.ConversationID = id
	if a.updateMetadata == nil {
		return
	}
	meta, err := json.Marshal(a.cfg)
	if err == nil {
		err = a.updateMetadata(meta)
	}
	if err != nil {
		a.log.Warn("Failed to persist agent conversation id.", "error", err)
	}
}

// Write delivers one user message to the agent. The data is the message
// text.
func (a *agentAdapter) Write(data []byte) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return trace.BadParameter("agent session is not running")
	}

	var msg agentUserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = string(data)
	line, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = stdin.Write(append(line, '\n'))
	return trace.Wrap(err)
}

// Resize has no meaning for an agent session.
func (a *agentAdapter) Resize(cols, rows uint32) error {
	return trace.NotImplemented("agent sessions have no terminal to resize")
}

// Close asks the agent to finish by closing its stdin; if the process does
// not exit within the grace period it is killed. The terminal close event
// is emitted by the reader goroutine.
func (a *agentAdapter) Close(reason string) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		stdin, cmd, done := a.stdin, a.cmd, a.done
		a.closeReason = reason
		a.mu.Unlock()
		if cmd == nil {
			return
		}
		a.log.Debug("Closing agent session.", "reason", reason)
		if stdin != nil {
			stdin.Close()
		}
		go func() {
			select {
			case <-done:
			case <-a.clock.After(defaults.CloseGracePeriod):
				a.log.Warn("Agent did not exit after close, killing.", "pid", cmd.Process.Pid)
				cmd.Process.Kill()
			}
		}()
	})
	return nil
}

// tail returns at most n trailing bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
