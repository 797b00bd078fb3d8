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

// Command dispatch runs the session daemon: an HTTP control plane and a
// websocket attachment gateway over durable, replayable run sessions.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/fwdslsh/dispatch/lib/service"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DISPATCH_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := configFromEnv(logger)
	if err == nil {
		err = run(cfg)
	}
	if err != nil {
		logger.Error("Dispatch failed.", "error", err)
		os.Exit(1)
	}
}

// configFromEnv builds the daemon config from the environment.
func configFromEnv(logger *slog.Logger) (service.Config, error) {
	cfg := service.Config{
		DataDir:     os.Getenv("DISPATCH_DATA_DIR"),
		ListenAddr:  os.Getenv("DISPATCH_LISTEN_ADDR"),
		AgentBinary: os.Getenv("DISPATCH_AGENT_BIN"),
		Logger:      logger,
	}
	if raw := os.Getenv("DISPATCH_BUFFER_SIZE"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return cfg, trace.BadParameter("invalid DISPATCH_BUFFER_SIZE %q", raw)
		}
		cfg.BufferSize = v
	}
	if raw := os.Getenv("DISPATCH_MAX_PAYLOAD_BYTES"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return cfg, trace.BadParameter("invalid DISPATCH_MAX_PAYLOAD_BYTES %q", raw)
		}
		cfg.MaxPayloadBytes = v
	}
	return cfg, nil
}

func run(cfg service.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}
