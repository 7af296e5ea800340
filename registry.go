package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Registry is the single stateful heart of the gateway (spec.md §4.E): it
// owns every live child process, their event buses, and the reaper that
// kills idle ones. Modeled on the teacher's MeterStore — a mutex-guarded map
// plus a Start(ctx)/ticker background loop returning a context.CancelFunc —
// generalized here to own processes instead of metering buckets.
type Registry struct {
	maxProcesses   int
	idleTimeout    time.Duration
	reaperInterval time.Duration
	logger         *Logger

	mu       sync.RWMutex
	children map[string]*child
}

// buildCommand and spawnProcess are indirected through package vars so
// tests can substitute a fake runner/spawn without touching PATH or
// spawning real node/python processes.
var (
	buildCommand = build
	spawnProcess = spawnChild
)

// NewRegistry builds an empty registry capped at maxProcesses concurrent
// children; a child idle past idleTimeout with no subscribers is reaped.
func NewRegistry(maxProcesses int, idleTimeout time.Duration, logger *Logger) *Registry {
	return &Registry{
		maxProcesses:   maxProcesses,
		idleTimeout:    idleTimeout,
		reaperInterval: reaperInterval,
		logger:         logger,
		children:       make(map[string]*child),
	}
}

// WithReaperInterval overrides the default reap-loop cadence (wired from
// Config.ReaperInterval in main.go); tests and the default constructor can
// leave it at the package default.
func (r *Registry) WithReaperInterval(d time.Duration) *Registry {
	if d > 0 {
		r.reaperInterval = d
	}
	return r
}

// childKey derives the deterministic serverId for a (pkg, params) pair by
// hashing the canonical, key-sorted parameter encoding with xxhash and
// taking a fixed 8-hex-character digest. This resolves spec.md §9's open
// question on child-key derivation: params is already sorted by
// parseParamSet, so the same query string (in any parameter order) always
// maps to the same serverId, and the fixed width matches spec.md §3's "any
// stable 8-character digest" requirement.
func childKey(pkg string, params ParamSet) string {
	var b strings.Builder
	for _, p := range params {
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
		b.WriteByte('&')
	}
	sum := xxhash.Sum64String(b.String())
	return pkg + "_" + fmt.Sprintf("%08x", sum)[:8]
}

// getOrCreate returns the live child for (pkg, ecosystem, params), spawning
// one if none exists yet (spec.md §4.E). Idempotent over the derived
// serverId: concurrent callers racing to create the same child converge on
// one spawn.
func (r *Registry) getOrCreate(pkg string, eco Ecosystem, parsed ParsedPackage, params ParamSet) (*child, error) {
	serverID := childKey(pkg, params)

	r.mu.RLock()
	if c, ok := r.children[serverID]; ok && c != nil {
		r.mu.RUnlock()
		c.touch()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	for {
		c, ok := r.children[serverID]
		if !ok {
			break
		}
		if c != nil {
			r.mu.Unlock()
			c.touch()
			return c, nil
		}
		// Another caller holds the reserved slot and is still spawning;
		// wait until it publishes the child or releases the slot.
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		r.mu.Lock()
	}
	if len(r.children) >= r.maxProcesses {
		r.mu.Unlock()
		return nil, NewGatewayError(ErrMaxProcessesExceeded, fmt.Sprintf("live process cap of %d reached", r.maxProcesses))
	}
	// Reserve the slot under lock so two concurrent spawns for distinct
	// packages cannot both slip past the cap check above.
	r.children[serverID] = nil
	r.mu.Unlock()

	extraArgs, err := buildExtraArgs(extraArgsFromParams(params))
	if err != nil {
		r.releaseSlot(serverID)
		return nil, err
	}
	built, err := buildCommand(eco, parsed, extraArgs)
	if err != nil {
		r.releaseSlot(serverID)
		return nil, err
	}
	env := projectEnvironment(params, r.logger)

	c, err := spawnProcess(serverID, pkg, eco, built, env, r.logger, r.handleChildExit)
	if err != nil {
		r.releaseSlot(serverID)
		return nil, err
	}

	r.mu.Lock()
	r.children[serverID] = c
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("spawned child", "serverId", serverID, "pkg", pkg, "ecosystem", eco)
	}
	return c, nil
}

// handleChildExit is the exit callback threaded into every spawned child
// (see spawnChild). It runs once, the instant the child's read loop
// observes the process has exited, and removes the registry entry
// immediately — spec.md §3's "a record exists in the registry iff its
// child process has not been observed to exit" and §4.E's "a child's exit
// signal... removes it from the registry" both require this to happen on
// exit, not on the next reap pass up to idleTimeout later.
func (r *Registry) handleChildExit(serverID string) {
	r.mu.Lock()
	c, ok := r.children[serverID]
	if ok {
		delete(r.children, serverID)
	}
	r.mu.Unlock()

	if ok && c != nil && r.logger != nil {
		r.logger.Info("child exited", "serverId", serverID, "pkg", c.pkg)
	}
}

// releaseSlot removes a reserved-but-failed-to-spawn placeholder.
func (r *Registry) releaseSlot(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.children[serverID]; ok && c == nil {
		delete(r.children, serverID)
	}
}

// lookup returns the live child for serverID, or nil.
func (r *Registry) lookup(serverID string) *child {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.children[serverID]
}

// send forwards payload to the named child's stdin (spec.md §4.E).
func (r *Registry) send(serverID string, payload any) error {
	c := r.lookup(serverID)
	if c == nil {
		return NewGatewayError(ErrNotFoundOrDead, fmt.Sprintf("no live child %q", serverID))
	}
	return c.send(payload)
}

// subscribe registers subscriberId on the named child's event bus,
// returning the channel messages will arrive on.
func (r *Registry) subscribe(serverID, subscriberID string) (<-chan json.RawMessage, error) {
	c := r.lookup(serverID)
	if c == nil {
		return nil, NewGatewayError(ErrNotFoundOrDead, fmt.Sprintf("no live child %q", serverID))
	}
	return c.subscribe(subscriberID), nil
}

// unsubscribe is idempotent and a no-op if the child is already gone.
func (r *Registry) unsubscribe(serverID, subscriberID string) {
	if c := r.lookup(serverID); c != nil {
		c.unsubscribe(subscriberID)
	}
}

// stats returns a snapshot of every live child (spec.md §4.E).
func (r *Registry) stats() []ChildStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChildStats, 0, len(r.children))
	for id, c := range r.children {
		if c == nil {
			continue
		}
		out = append(out, ChildStats{
			ID:             id,
			Pkg:            c.pkg,
			UptimeSeconds:  time.Since(c.spawnedAt).Seconds(),
			Subscribers:    c.subscriberCount(),
			LastActivityAt: c.idleSince(),
		})
	}
	return out
}

// shutdown kills every child and empties the registry (spec.md §4.E).
func (r *Registry) shutdown() {
	r.mu.Lock()
	children := r.children
	r.children = make(map[string]*child)
	r.mu.Unlock()

	for _, c := range children {
		if c != nil {
			c.kill()
		}
	}
}

const (
	reaperInterval     = 5 * time.Minute
	defaultIdleTimeout = 30 * time.Minute
)

// StartReaper launches the background reap loop: every reaperInterval, any
// child with zero subscribers idle past r.idleTimeout is killed and removed.
// Returns a cancel function. Grounded on the teacher's
// MeterStore.StartFlushLoop ticker/context.CancelFunc shape.
func (r *Registry) StartReaper(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapOnce()
			}
		}
	}()
	return cancel
}

func (r *Registry) reapOnce() {
	now := time.Now()

	r.mu.Lock()
	var dead []*child
	for id, c := range r.children {
		if c == nil {
			continue
		}
		if c.subscriberCount() == 0 && now.Sub(c.idleSince()) > r.idleTimeout {
			dead = append(dead, c)
			delete(r.children, id)
		}
	}
	r.mu.Unlock()

	for _, c := range dead {
		c.kill()
		if r.logger != nil {
			r.logger.Info("reaped idle child", "serverId", c.serverID, "pkg", c.pkg)
		}
	}
}
