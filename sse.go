package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	sseKeepaliveInterval = 30 * time.Second
	sseHardTimeout       = 30 * time.Minute
)

// SSEHandler serves GET /package/{pkg}/sse (spec.md §4.F): it resolves the
// package, acquires or spawns the backing child, and streams every message
// the child emits back to the caller as Server-Sent Events.
type SSEHandler struct {
	resolver    *PackageResolver
	registry    *Registry
	logger      *Logger
	keepalive   time.Duration
	hardTimeout time.Duration
}

func NewSSEHandler(resolver *PackageResolver, registry *Registry, logger *Logger) *SSEHandler {
	return &SSEHandler{
		resolver:    resolver,
		registry:    registry,
		logger:      logger,
		keepalive:   sseKeepaliveInterval,
		hardTimeout: sseHardTimeout,
	}
}

// WithTimeouts overrides the keepalive and hard-timeout durations (wired
// from Config.KeepAlive/Config.SSETimeout in main.go); zero values leave the
// package defaults in place.
func (h *SSEHandler) WithTimeouts(keepalive, hardTimeout time.Duration) *SSEHandler {
	if keepalive > 0 {
		h.keepalive = keepalive
	}
	if hardTimeout > 0 {
		h.hardTimeout = hardTimeout
	}
	return h
}

// ServeHTTP is mounted at "/package/" and dispatches on the trailing path
// segment, matching the route table in spec.md §6.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pkg, ok := trimPackageSuffix(r.URL.Path, "/sse")
	if !ok {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONRPCError(w, nil, NewGatewayError(ErrInternal, "streaming not supported"))
		return
	}

	c, gerr := acquireChild(r.Context(), h.resolver, h.registry, pkg, r.URL.Query())
	if gerr != nil {
		writeJSONRPCError(w, nil, gerr)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	subscriberID := uuid.NewString()
	ch, err := h.registry.subscribe(c.serverID, subscriberID)
	if err != nil {
		writeSSEJSON(w, flusher, "status", map[string]any{"type": "error", "error": err.Error()})
		return
	}

	cleaned := false
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
		h.registry.unsubscribe(c.serverID, subscriberID)
	}
	defer cleanup()

	writeSSEJSON(w, flusher, "status", map[string]any{
		"type":     "connected",
		"server":   c.serverID,
		"clientId": subscriberID,
	})

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()
	hardTimeout := time.NewTimer(h.hardTimeout)
	defer hardTimeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hardTimeout.C:
			return
		case <-keepalive.C:
			if !writeSSEJSON(w, flusher, "ping", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}) {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				// Child exited; the event bus closed the channel.
				return
			}
			if !writeSSERaw(w, flusher, "message", msg) {
				return
			}
		}
	}
}

// acquireChild is the shared validate → resolve → quality-gate → spawn
// pipeline used by both the SSE handler and the POST ingress handler
// (spec.md §4.F, §4.G).
func acquireChild(ctx context.Context, resolver *PackageResolver, registry *Registry, pkgRaw string, query url.Values) (*child, *GatewayError) {
	decoded, err := url.PathUnescape(pkgRaw)
	if err != nil {
		decoded = pkgRaw
	}
	parsed, verr := validatePackageIdentifier(decoded)
	if verr != nil {
		return nil, AsGatewayError(verr)
	}

	params := parseParamSet(query)
	if perr := validateParams(params); perr != nil {
		return nil, AsGatewayError(perr)
	}

	resolved, rerr := resolver.Resolve(ctx, parsed)
	if rerr != nil {
		return nil, AsGatewayError(rerr)
	}
	if qok, reason := resolver.QualityGate(ctx, parsed, resolved.Ecosystem); !qok {
		return nil, AsGatewayError(NewGatewayError(ErrQualityCheckFailed, reason))
	}

	c, cerr := registry.getOrCreate(parsed.FullName, resolved.Ecosystem, parsed, params)
	if cerr != nil {
		return nil, AsGatewayError(cerr)
	}
	return c, nil
}

// trimPackageSuffix extracts the {pkg} path segment from
// "/package/{pkg}/<suffix>", returning ok=false if the suffix doesn't match.
func trimPackageSuffix(path, suffix string) (string, bool) {
	const prefix = "/package/"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	pkg := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	pkg = strings.TrimSuffix(pkg, "/")
	if pkg == "" {
		return "", false
	}
	return pkg, true
}

// writeSSEJSON marshals payload and writes one SSE frame. Returns false if
// the write failed, which the caller treats as a terminal condition for the
// stream (spec.md §4.F's cleanup rule).
func writeSSEJSON(w http.ResponseWriter, flusher http.Flusher, name string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return writeSSERaw(w, flusher, name, body)
}

// writeSSERaw writes a pre-encoded JSON body as one SSE frame:
// "event: <name>\ndata: <json>\n\n".
func writeSSERaw(w http.ResponseWriter, flusher http.Flusher, name string, body []byte) bool {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
