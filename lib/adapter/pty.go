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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

// PTYConfig is the kind-specific configuration of a pty session, decoded
// from the session metadata.
type PTYConfig struct {
	// Shell is the program spawned under the pty.
	Shell string `json:"shell,omitempty"`
	// Dir is the working directory of the shell.
	Dir string `json:"cwd,omitempty"`
	// Env is an environment overlay applied on top of the daemon's
	// environment.
	Env map[string]string `json:"env,omitempty"`
	// Cols and Rows are the initial pty dimensions.
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PTYConfig) CheckAndSetDefaults() error {
	if c.Shell == "" {
		c.Shell = os.Getenv("SHELL")
	}
	if c.Shell == "" {
		c.Shell = defaults.DefaultShell
	}
	if c.Cols == 0 {
		c.Cols = defaults.TerminalCols
	}
	if c.Rows == 0 {
		c.Rows = defaults.TerminalRows
	}
	if _, err := session.NewTerminalParams(c.Cols, c.Rows); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// NewPTY is the adapter factory for pty sessions: it spawns the configured
// shell under a pseudo-terminal and emits every output chunk as an event.
func NewPTY(params Params) (Adapter, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg PTYConfig
	if len(params.Metadata) != 0 {
		if err := json.Unmarshal(params.Metadata, &cfg); err != nil {
			return nil, trace.BadParameter("invalid pty session config: %v", err)
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ptyAdapter{
		cfg:   cfg,
		log:   params.Logger,
		clock: params.Clock,
	}, nil
}

type ptyAdapter struct {
	cfg   PTYConfig
	log   *slog.Logger
	clock clockwork.Clock

	// mu guards ptmx and cmd between the registry's calls and the reader
	// goroutine's exit path.
	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// Start spawns the shell attached to a new pty and launches the goroutine
// that drains pty output into events. pty.Start places the child in its own
// session, so the pty master carries both stdout and stderr of everything
// in the child's job; all output is emitted on the pty:stdout channel.
func (a *ptyAdapter) Start(ctx context.Context, emit Emitter) error {
	cmd := exec.Command(a.cfg.Shell)
	cmd.Dir = a.cfg.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(a.cfg.Cols),
		Rows: uint16(a.cfg.Rows),
	})
	if err != nil {
		return trace.Wrap(err, "starting %v under a pty", a.cfg.Shell)
	}

	a.mu.Lock()
	a.ptmx = ptmx
	a.cmd = cmd
	a.done = make(chan struct{})
	a.mu.Unlock()

	a.log.InfoContext(ctx, "Started pty session.", "shell", a.cfg.Shell, "pid", cmd.Process.Pid)
	emit(events.ChannelStatus, events.TypeOpen, events.MarshalPayload(events.StatusOpen{Kind: session.KindPTY}))

	go a.readLoop(ptmx, cmd, emit)
	return nil
}

// readLoop drains the pty master until the child exits, then emits the
// terminal exit event.
func (a *ptyAdapter) readLoop(ptmx *os.File, cmd *exec.Cmd, emit Emitter) {
	defer close(a.done)

	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(events.ChannelStdout, events.TypeChunk, chunk)
		}
		if err != nil {
			// A pty read error means the slave side closed: the child (and
			// its job) exited or the master was closed by Close.
			break
		}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	a.mu.Lock()
	a.ptmx = nil
	closed := a.closed
	a.mu.Unlock()
	ptmx.Close()

	// Hanging up the pty kills the shell with a signal. When the hangup was
	// a close request, the signal death is the clean outcome.
	if closed && exitCode == -1 {
		exitCode = 0
	}

	a.log.Debug("Pty session exited.", "exit_code", exitCode)
	emit(events.ChannelStatus, events.TypeExit, events.MarshalPayload(events.StatusExit{ExitCode: exitCode}))
}

// Write delivers raw bytes to the shell's stdin verbatim.
func (a *ptyAdapter) Write(data []byte) error {
	a.mu.Lock()
	ptmx := a.ptmx
	a.mu.Unlock()
	if ptmx == nil {
		return trace.BadParameter("pty session is not running")
	}
	_, err := ptmx.Write(data)
	return trace.Wrap(err)
}

// Resize changes the pty dimensions. Processes in the foreground job
// receive SIGWINCH from the kernel.
func (a *ptyAdapter) Resize(cols, rows uint32) error {
	if _, err := session.NewTerminalParams(int(cols), int(rows)); err != nil {
		return trace.Wrap(err)
	}
	a.mu.Lock()
	ptmx := a.ptmx
	a.mu.Unlock()
	if ptmx == nil {
		return trace.BadParameter("pty session is not running")
	}
	return trace.Wrap(pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}))
}

// Close releases the pty. Closing the master sends SIGHUP to the child's
// session; if the child ignores it, it is killed after a grace period. The
// terminal exit event is emitted by the reader goroutine.
func (a *ptyAdapter) Close(reason string) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		ptmx, cmd, done := a.ptmx, a.cmd, a.done
		a.closed = true
		a.mu.Unlock()
		if ptmx == nil || cmd == nil {
			return
		}
		a.log.Debug("Closing pty session.", "reason", reason)
		ptmx.Close()
		go func() {
			select {
			case <-done:
			case <-a.clock.After(defaults.CloseGracePeriod):
				a.log.Warn("Pty child did not exit after close, killing.", "pid", cmd.Process.Pid)
				cmd.Process.Kill()
			}
		}()
	})
	return nil
}
