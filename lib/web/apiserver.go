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

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/lib/registry"
	"github.com/fwdslsh/dispatch/lib/session"
)

// APIStore is the slice of the event store the control plane needs.
type APIStore interface {
	Store
	ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error)
	GetLayout(ctx context.Context, clientID string) ([]session.Layout, error)
	RemoveLayout(ctx context.Context, clientID string, id session.ID) error
}

// APIConfig is the configuration of the control-plane HTTP handler.
type APIConfig struct {
	// Registry owns session lifecycle.
	Registry *registry.Registry
	// Store serves reads.
	Store APIStore
	// Gateway serves the websocket endpoint.
	Gateway http.Handler
	// Clock stamps layout rows.
	Clock clockwork.Clock
	// Logger emits request diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *APIConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Gateway == nil {
		return trace.BadParameter("missing parameter Gateway")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(dispatch.ComponentKey, dispatch.ComponentWeb)
	}
	return nil
}

// APIHandler is the control-plane HTTP surface over the run session core.
type APIHandler struct {
	httprouter.Router
	cfg APIConfig
}

// NewAPIHandler creates the control-plane handler and binds its routes.
func NewAPIHandler(cfg APIConfig) (*APIHandler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &APIHandler{cfg: cfg}

	h.POST("/v1/sessions", h.withError(h.createSession))
	h.GET("/v1/sessions", h.withError(h.listSessions))
	h.GET("/v1/sessions/:id", h.withError(h.getSession))
	h.DELETE("/v1/sessions/:id", h.withError(h.closeSession))
	h.POST("/v1/sessions/:id/resume", h.withError(h.resumeSession))
	h.GET("/v1/sessions/:id/history", h.withError(h.getHistory))

	h.GET("/v1/layout", h.withError(h.getLayout))
	h.PUT("/v1/layout", h.withError(h.setLayout))
	h.DELETE("/v1/layout", h.withError(h.removeLayout))

	h.Handler(http.MethodGet, "/v1/ws", cfg.Gateway)
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return h, nil
}

// handlerFunc is a route handler returning a JSON-marshalable body or an
// error translated to an HTTP status.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// withError adapts a handlerFunc to httprouter, mapping trace errors to
// status codes.
func (h *APIHandler) withError(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		body, err := fn(w, r, p)
		if err != nil {
			code := trace.ErrorToCode(err)
			if code >= http.StatusInternalServerError {
				h.cfg.Logger.ErrorContext(r.Context(), "Request failed.",
					"method", r.Method, "path", r.URL.Path, "error", err)
			}
			writeJSON(w, code, map[string]string{"error": trace.UserMessage(err)})
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// createSessionRequest is the body of POST /v1/sessions.
type createSessionRequest struct {
	// Kind selects the adapter: pty, ai-agent or file-editor.
	Kind string `json:"kind"`
	// Config is the kind-specific session configuration.
	Config json.RawMessage `json:"config,omitempty"`
	// Owner is the principal resolved by the authenticating layer.
	Owner string `json:"owner,omitempty"`
}

func (h *APIHandler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("invalid request body: %v", err)
	}
	if req.Kind == "" {
		return nil, trace.BadParameter("missing parameter kind")
	}
	id, err := h.cfg.Registry.Start(r.Context(), req.Kind, req.Config, req.Owner)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"runId": id.String()}, nil
}

func (h *APIHandler) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	q := r.URL.Query()
	sessions, err := h.cfg.Store.ListSessions(r.Context(), session.Filter{
		Kind:   q.Get("kind"),
		Status: q.Get("status"),
		Owner:  q.Get("owner"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"sessions": sessions}, nil
}

func (h *APIHandler) getSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := session.ParseID(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := h.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"session": sess, "live": h.cfg.Registry.IsLive(id)}, nil
}

func (h *APIHandler) closeSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := session.ParseID(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.Close(id); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"runId": id.String()}, nil
}

func (h *APIHandler) resumeSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := session.ParseID(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.Resume(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"runId": id.String()}, nil
}

func (h *APIHandler) getHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := session.ParseID(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	since, err := queryInt(r, "since", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// GetSession distinguishes an unknown session from an empty log.
	if _, err := h.cfg.Store.GetSession(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	stored, err := h.cfg.Store.ReadEventsSince(r.Context(), id, since, int(limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	frames := make([]*EventFrame, 0, len(stored))
	for _, event := range stored {
		frames = append(frames, newEventFrame(event))
	}
	return map[string]any{"events": frames}, nil
}

func (h *APIHandler) getLayout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		return nil, trace.BadParameter("missing parameter clientId")
	}
	layouts, err := h.cfg.Store.GetLayout(r.Context(), clientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"layouts": layouts}, nil
}

// setLayoutRequest is the body of PUT /v1/layout.
type setLayoutRequest struct {
	ClientID string `json:"clientId"`
	RunID    string `json:"runId"`
	TileID   string `json:"tileId"`
}

func (h *APIHandler) setLayout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req setLayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("invalid request body: %v", err)
	}
	if req.ClientID == "" {
		return nil, trace.BadParameter("missing parameter clientId")
	}
	id, err := session.ParseID(req.RunID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.SetLayout(r.Context(), session.Layout{
		ClientID:  req.ClientID,
		SessionID: id,
		TileID:    req.TileID,
		UpdatedAt: h.cfg.Clock.Now().UnixMilli(),
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"clientId": req.ClientID}, nil
}

func (h *APIHandler) removeLayout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	q := r.URL.Query()
	clientID := q.Get("clientId")
	if clientID == "" {
		return nil, trace.BadParameter("missing parameter clientId")
	}
	id, err := session.ParseID(q.Get("runId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.RemoveLayout(r.Context(), clientID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"clientId": clientID}, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid %v parameter %q", name, raw)
	}
	return v, nil
}
