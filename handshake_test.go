package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doMCP(t *testing.T, h *HandshakeHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandshakeInitializeSuccess(t *testing.T) {
	h := NewHandshakeHandler(nil)
	rec := doMCP(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ProtocolVersion string         `json:"protocolVersion"`
			Capabilities    map[string]any `json:"capabilities"`
			ServerInfo      map[string]any `json:"serverInfo"`
			Instructions    string         `json:"instructions"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ID)
	assert.Equal(t, "2024-11-05", resp.Result.ProtocolVersion)
	assert.Contains(t, resp.Result.Capabilities, "tools")
	assert.NotEmpty(t, resp.Result.ServerInfo["name"])
}

func TestHandshakeInitializeUnsupportedProtocolVersion(t *testing.T) {
	h := NewHandshakeHandler(nil)
	rec := doMCP(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1.0.0"}}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp jsonRPCErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -32000, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", data["requested"])
	supported, _ := data["supported"].([]any)
	require.Len(t, supported, 1)
	assert.Equal(t, "2024-11-05", supported[0])
}

func TestHandshakeMalformedJSONBody(t *testing.T) {
	h := NewHandshakeHandler(nil)
	rec := doMCP(t, h, `{not json`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp jsonRPCErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Equal(t, "Invalid JSON format", resp.Error.Message)
	assert.Equal(t, "null", string(resp.ID))
}

func TestHandshakeMissingJSONRPCVersion(t *testing.T) {
	h := NewHandshakeHandler(nil)
	rec := doMCP(t, h, `{"id":3,"method":"unknown/method"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp jsonRPCErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Equal(t, `Invalid JSON-RPC version. Expected "2.0"`, resp.Error.Message)
}

func TestHandshakeUnknownMethod(t *testing.T) {
	h := NewHandshakeHandler(nil)
	rec := doMCP(t, h, `{"jsonrpc":"2.0","id":5,"method":"unknown/method"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp jsonRPCErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Equal(t, "Method not found: unknown/method", resp.Error.Message)
}

func TestHandshakeListsRequireInitialized(t *testing.T) {
	h := NewHandshakeHandler(nil)
	rec := doMCP(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp jsonRPCErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -32006, resp.Error.Code)
}

func TestHandshakeNotificationsInitializedThenListsSucceed(t *testing.T) {
	h := NewHandshakeHandler(nil)

	rec := doMCP(t, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = doMCP(t, h, `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCapabilitiesEndpointReflectsSessionState(t *testing.T) {
	h := NewHandshakeHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/mcp/capabilities", nil)
	rec := httptest.NewRecorder()
	h.ServeCapabilities(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ProtocolVersion string `json:"protocolVersion"`
		Status          struct {
			Initialized        bool           `json:"initialized"`
			ProtocolVersion    string         `json:"protocolVersion"`
			ServerCapabilities map[string]any `json:"serverCapabilities"`
			ServerInfo         map[string]any `json:"serverInfo"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2024-11-05", resp.ProtocolVersion)
	assert.False(t, resp.Status.Initialized)
	assert.Contains(t, resp.Status.ServerCapabilities, "tools")
	assert.NotEmpty(t, resp.Status.ServerInfo["name"])

	doMCP(t, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	rec = httptest.NewRecorder()
	h.ServeCapabilities(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Status.Initialized)
}

func TestCapabilitiesEndpointRejectsNonGet(t *testing.T) {
	h := NewHandshakeHandler(nil)
	req := httptest.NewRequest(http.MethodPost, "/mcp/capabilities", nil)
	rec := httptest.NewRecorder()
	h.ServeCapabilities(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
