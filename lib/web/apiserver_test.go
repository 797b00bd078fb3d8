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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/lib/session"
)

// doJSON performs one control-plane request and decodes the JSON response.
func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPISessionLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	base := e.srv.URL

	// Create.
	var created struct {
		RunID string `json:"runId"`
	}
	code := doJSON(t, http.MethodPost, base+"/v1/sessions",
		map[string]any{"kind": echoKind, "owner": "alice"}, &created)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, created.RunID)

	// Unknown kinds are rejected before anything is persisted.
	var apiErr struct {
		Error string `json:"error"`
	}
	code = doJSON(t, http.MethodPost, base+"/v1/sessions",
		map[string]any{"kind": "teletype"}, &apiErr)
	require.Equal(t, http.StatusNotFound, code)

	// Get.
	var got struct {
		Session session.Session `json:"session"`
		Live    bool            `json:"live"`
	}
	code = doJSON(t, http.MethodGet, base+"/v1/sessions/"+created.RunID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, echoKind, got.Session.Kind)
	require.Equal(t, "alice", got.Session.Owner)
	require.True(t, got.Live)

	// List with a status filter.
	var listed struct {
		Sessions []session.Session `json:"sessions"`
	}
	code = doJSON(t, http.MethodGet, base+"/v1/sessions?status="+session.StatusRunning, nil, &listed)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, listed.Sessions, 1)

	// History after some output.
	e.lastAdapter(t).produce(3)
	var history struct {
		Events []EventFrame `json:"events"`
	}
	code = doJSON(t, http.MethodGet, base+"/v1/sessions/"+created.RunID+"/history?since=1", nil, &history)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, history.Events, 3)
	require.EqualValues(t, 2, history.Events[0].Seq)

	// Close, then resume continues the same log.
	code = doJSON(t, http.MethodDelete, base+"/v1/sessions/"+created.RunID, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.False(t, e.registry.IsLive(session.ID(created.RunID)))

	code = doJSON(t, http.MethodPost, base+"/v1/sessions/"+created.RunID+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, e.registry.IsLive(session.ID(created.RunID)))

	// Closing a session that is not running maps to 404.
	code = doJSON(t, http.MethodDelete, base+"/v1/sessions/"+session.NewID().String(), nil, &apiErr)
	require.Equal(t, http.StatusNotFound, code)
}

func TestAPIHistoryUnknownSession(t *testing.T) {
	e := newEnv(t, nil)
	code := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/v1/sessions/%s/history", e.srv.URL, session.NewID()), nil, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestAPILayout(t *testing.T) {
	e := newEnv(t, nil)
	base := e.srv.URL

	var created struct {
		RunID string `json:"runId"`
	}
	code := doJSON(t, http.MethodPost, base+"/v1/sessions",
		map[string]any{"kind": echoKind, "owner": "alice"}, &created)
	require.Equal(t, http.StatusOK, code)

	code = doJSON(t, http.MethodPut, base+"/v1/layout",
		setLayoutRequest{ClientID: "device-1", RunID: created.RunID, TileID: "tile-1"}, nil)
	require.Equal(t, http.StatusOK, code)

	// Upsert replaces the tile for the same (session, client) pair.
	code = doJSON(t, http.MethodPut, base+"/v1/layout",
		setLayoutRequest{ClientID: "device-1", RunID: created.RunID, TileID: "tile-2"}, nil)
	require.Equal(t, http.StatusOK, code)

	var layouts struct {
		Layouts []session.Layout `json:"layouts"`
	}
	code = doJSON(t, http.MethodGet, base+"/v1/layout?clientId=device-1", nil, &layouts)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, layouts.Layouts, 1)
	require.Equal(t, "tile-2", layouts.Layouts[0].TileID)

	code = doJSON(t, http.MethodDelete,
		base+"/v1/layout?clientId=device-1&runId="+created.RunID, nil, nil)
	require.Equal(t, http.StatusOK, code)

	code = doJSON(t, http.MethodGet, base+"/v1/layout?clientId=device-1", nil, &layouts)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, layouts.Layouts)

	// Missing clientId is a validation error.
	code = doJSON(t, http.MethodGet, base+"/v1/layout", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAPIMetrics(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
