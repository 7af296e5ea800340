package main

import (
	"encoding/json"
	"io"
	"net/http"
)

// IngressHandler serves POST /package/{pkg}/(respond|messages|message)
// (spec.md §4.G): it forwards an opaque JSON-RPC envelope into the named
// child's stdin and immediately accepts. Replies, if any, arrive out of
// band on the child's SSE stream.
type IngressHandler struct {
	resolver *PackageResolver
	registry *Registry
	logger   *Logger
}

func NewIngressHandler(resolver *PackageResolver, registry *Registry, logger *Logger) *IngressHandler {
	return &IngressHandler{resolver: resolver, registry: registry, logger: logger}
}

var ingressSuffixes = []string{"/respond", "/messages", "/message"}

func (h *IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONRPCError(w, nil, NewGatewayError(ErrInvalidRequest, "method not allowed"))
		return
	}

	var pkg string
	var matched bool
	for _, suffix := range ingressSuffixes {
		if p, ok := trimPackageSuffix(r.URL.Path, suffix); ok {
			pkg, matched = p, true
			break
		}
	}
	if !matched {
		http.NotFound(w, r)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorWithStatus(w, nil, NewGatewayError(ErrParse, "read body").WithErr(err), http.StatusInternalServerError)
		return
	}

	var body json.RawMessage
	var id json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		writeErrorWithStatus(w, nil, NewGatewayError(ErrParse, "malformed JSON-RPC envelope").WithErr(err), http.StatusInternalServerError)
		return
	}
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		id = envelope.ID
	}

	c, gerr := acquireChild(r.Context(), h.resolver, h.registry, pkg, r.URL.Query())
	if gerr != nil {
		writeErrorWithStatus(w, id, gerr, http.StatusInternalServerError)
		return
	}

	if sendErr := h.registry.send(c.serverID, body); sendErr != nil {
		writeErrorWithStatus(w, id, AsGatewayError(sendErr), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}

// writeErrorWithStatus writes a JSON-RPC error envelope but forces the HTTP
// status to the given code, matching spec.md §4.G's "JSON-RPC error
// envelope and HTTP 500" rule regardless of the underlying error kind's
// usual paired status.
func writeErrorWithStatus(w http.ResponseWriter, id json.RawMessage, ge *GatewayError, status int) {
	if id == nil {
		id = json.RawMessage("null")
	}
	envelope := jsonRPCErrorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error: jsonRPCError{
			Code:    ge.rpcCode(),
			Message: ge.Msg,
			Data:    ge.Data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
