package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPassingResolver builds a resolver whose Node registry probe and
// quality-gate downloads probe both succeed against one fake server, so
// acquireChild's pipeline reaches the spawn step in tests.
func newPassingResolver(t *testing.T) *PackageResolver {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.URL.Path, "/downloads/") {
			_ = json.NewEncoder(w).Encode(map[string]any{"downloads": 10000})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "left-pad"})
	}))
	t.Cleanup(srv.Close)

	r := NewPackageResolver(nil)
	r.nodeRegistryURL = srv.URL
	r.nodeDownloadsURL = srv.URL + "/downloads/point/last-month"
	return r
}

func TestIngressAcceptsAndForwardsToChild(t *testing.T) {
	withFakeChildSpawn(t)
	resolver := newPassingResolver(t)
	registry := NewRegistry(10, time.Hour, nil)
	defer registry.shutdown()

	h := NewIngressHandler(resolver, registry, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/package/left-pad/messages", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["accepted"])
}

func TestIngressAllThreeSuffixesRoute(t *testing.T) {
	withFakeChildSpawn(t)
	resolver := newPassingResolver(t)
	registry := NewRegistry(10, time.Hour, nil)
	defer registry.shutdown()
	h := NewIngressHandler(resolver, registry, nil)

	for _, suffix := range []string{"respond", "messages", "message"} {
		req := httptest.NewRequest(http.MethodPost, "/package/left-pad/"+suffix, bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code, suffix)
	}
}

func TestIngressMalformedBodyReturnsNullIDAnd500(t *testing.T) {
	withFakeChildSpawn(t)
	resolver := newPassingResolver(t)
	registry := NewRegistry(10, time.Hour, nil)
	defer registry.shutdown()
	h := NewIngressHandler(resolver, registry, nil)

	req := httptest.NewRequest(http.MethodPost, "/package/left-pad/messages", bytes.NewBufferString(`{not json`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp jsonRPCErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "null", string(resp.ID))
}

func TestIngressInvalidPackageNameFails(t *testing.T) {
	resolver := newPassingResolver(t)
	registry := NewRegistry(10, time.Hour, nil)
	defer registry.shutdown()
	h := NewIngressHandler(resolver, registry, nil)

	req := httptest.NewRequest(http.MethodPost, "/package/pkg%3Brm%20-rf/messages", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIngressUnknownSuffixIs404(t *testing.T) {
	resolver := newPassingResolver(t)
	registry := NewRegistry(10, time.Hour, nil)
	defer registry.shutdown()
	h := NewIngressHandler(resolver, registry, nil)

	req := httptest.NewRequest(http.MethodPost, "/package/left-pad/nonsense", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngressGetMethodNotAllowed(t *testing.T) {
	resolver := newPassingResolver(t)
	registry := NewRegistry(10, time.Hour, nil)
	defer registry.shutdown()
	h := NewIngressHandler(resolver, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/package/left-pad/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusAccepted, rec.Code)
}
