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

// Package dispatch contains constants shared across the dispatch codebase.
package dispatch

import "strings"

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentStore is the SQLite-backed event store.
	ComponentStore = "store"

	// ComponentRegistry is the live session registry.
	ComponentRegistry = "registry"

	// ComponentRouter is the per-session event router.
	ComponentRouter = "router"

	// ComponentGateway is the websocket attachment gateway.
	ComponentGateway = "gateway"

	// ComponentWeb is the control plane HTTP server.
	ComponentWeb = "web"

	// ComponentAdapter is the adapter layer.
	ComponentAdapter = "adapter"

	// ComponentService is the composition root.
	ComponentService = "service"
)

// Component generates a dotted component name from parts, e.g.
// Component("adapter", "pty") -> "adapter.pty".
func Component(parts ...string) string {
	return strings.Join(parts, ".")
}
