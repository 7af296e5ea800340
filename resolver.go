package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Ecosystem identifies which public package index a resolved package
// belongs to.
type Ecosystem string

const (
	EcosystemNode   Ecosystem = "node"
	EcosystemPython Ecosystem = "python"
)

const probeTimeout = 5 * time.Second

// ResolvedPackage is the outcome of a successful resolve() call.
type ResolvedPackage struct {
	Ecosystem       Ecosystem
	RegistryMetadata json.RawMessage
}

// qualityVerdict is the cached outcome of a quality-gate check.
type qualityVerdict struct {
	OK        bool
	Ecosystem Ecosystem
	Reason    string
}

// PackageResolver implements spec.md §4.C: ecosystem identification by
// probing the public npm and PyPI registries, remote-URL rejection, and a
// cached minimum-quality gate.
//
// The resolver owns a single long-lived *http.Client (bounded by
// probeTimeout per call via context), matching the way the teacher repo's
// GitHubToolHandler and ApertureSSEIngester hold one client field rather
// than building a new one per request.
type PackageResolver struct {
	httpClient        *http.Client
	nodeRegistryURL   string
	nodeDownloadsURL  string
	pythonRegistryURL string
	logger            *Logger
	probeTimeout      time.Duration

	cacheMu sync.RWMutex
	cache   map[string]qualityVerdict
}

// NewPackageResolver creates a resolver pointed at the public npm and PyPI
// registries (or test doubles, via the *RegistryURL fields).
func NewPackageResolver(logger *Logger) *PackageResolver {
	return &PackageResolver{
		httpClient:        &http.Client{Timeout: probeTimeout},
		nodeRegistryURL:   "https://registry.npmjs.org",
		nodeDownloadsURL:  "https://api.npmjs.org/downloads/point/last-month",
		pythonRegistryURL: "https://pypi.org/pypi",
		logger:            logger,
		probeTimeout:      probeTimeout,
		cache:             make(map[string]qualityVerdict),
	}
}

// WithProbeTimeout overrides the per-registry-call timeout (wired from
// Config.ProbeTimeout in main.go).
func (r *PackageResolver) WithProbeTimeout(d time.Duration) *PackageResolver {
	if d > 0 {
		r.probeTimeout = d
		r.httpClient.Timeout = d
	}
	return r
}

// Resolve identifies the ecosystem a package identifier belongs to by
// probing the Node registry first, then the Python registry (spec.md
// §4.C). It does not apply the quality gate; call QualityGate separately.
func (r *PackageResolver) Resolve(ctx context.Context, parsed ParsedPackage) (ResolvedPackage, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	if body, ok := r.probeNode(nodeCtx, parsed.FullName); ok {
		return ResolvedPackage{Ecosystem: EcosystemNode, RegistryMetadata: body}, nil
	}

	pyCtx, cancel2 := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel2()
	if body, ok := r.probePython(pyCtx, parsed.FullName); ok {
		return ResolvedPackage{Ecosystem: EcosystemPython, RegistryMetadata: body}, nil
	}

	return ResolvedPackage{}, NewGatewayError(ErrPackageNotFound, fmt.Sprintf("package %q not found in any registry", parsed.FullName))
}

// probeNode issues a GET against the npm registry metadata endpoint.
func (r *PackageResolver) probeNode(ctx context.Context, fullName string) (json.RawMessage, bool) {
	url := fmt.Sprintf("%s/%s", r.nodeRegistryURL, urlPathEscapePackage(fullName))
	return r.probe(ctx, url)
}

// probePython issues a GET against the PyPI JSON API.
func (r *PackageResolver) probePython(ctx context.Context, fullName string) (json.RawMessage, bool) {
	url := fmt.Sprintf("%s/%s/json", r.pythonRegistryURL, fullName)
	return r.probe(ctx, url)
}

func (r *PackageResolver) probe(ctx context.Context, url string) (json.RawMessage, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false
	}
	return body, true
}

// urlPathEscapePackage preserves npm's "@scope/name" path convention while
// still being a valid URL path segment.
func urlPathEscapePackage(fullName string) string {
	return strings.ReplaceAll(fullName, "@", "%40")
}

// QualityGate applies the minimum-quality filter, consulting the cache
// first (spec.md §4.C). The verdict is cached regardless of outcome.
func (r *PackageResolver) QualityGate(ctx context.Context, parsed ParsedPackage, eco Ecosystem) (ok bool, reason string) {
	r.cacheMu.RLock()
	if v, hit := r.cache[parsed.FullName]; hit {
		r.cacheMu.RUnlock()
		return v.OK, v.Reason
	}
	r.cacheMu.RUnlock()

	var verdict qualityVerdict
	switch eco {
	case EcosystemNode:
		verdict = r.nodeQualityGate(ctx, parsed.FullName)
	case EcosystemPython:
		verdict = r.pythonQualityGate(ctx, parsed.FullName)
	default:
		verdict = qualityVerdict{OK: false, Reason: "unknown ecosystem"}
	}
	verdict.Ecosystem = eco

	r.cacheMu.Lock()
	r.cache[parsed.FullName] = verdict
	r.cacheMu.Unlock()

	if r.logger != nil {
		r.logger.Debug("quality gate evaluated", "pkg", parsed.FullName, "ok", verdict.OK, "reason", verdict.Reason)
	}
	return verdict.OK, verdict.Reason
}

const minNodeMonthlyDownloads = 100

// nodeQualityGate requires at least minNodeMonthlyDownloads downloads in the
// last month (spec.md §4.C).
func (r *PackageResolver) nodeQualityGate(ctx context.Context, fullName string) qualityVerdict {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s", r.nodeDownloadsURL, urlPathEscapePackage(fullName))
	body, ok := r.probe(ctx, url)
	if !ok {
		return qualityVerdict{OK: false, Reason: "download stats unavailable"}
	}

	var stats struct {
		Downloads int `json:"downloads"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return qualityVerdict{OK: false, Reason: "malformed download stats"}
	}
	if stats.Downloads < minNodeMonthlyDownloads {
		return qualityVerdict{OK: false, Reason: fmt.Sprintf("last-month downloads %d below minimum %d", stats.Downloads, minNodeMonthlyDownloads)}
	}
	return qualityVerdict{OK: true}
}

// PythonQualityConfig holds the thresholds of the "recent release AND
// description length" heuristic. pythonQualityGate always uses
// DefaultPythonQualityConfig; PackageResolver has no option to override it.
type PythonQualityConfig struct {
	MaxReleaseAge     time.Duration
	MinDescriptionLen int
}

// DefaultPythonQualityConfig matches spec.md §4.C's stated heuristic.
func DefaultPythonQualityConfig() PythonQualityConfig {
	return PythonQualityConfig{
		MaxReleaseAge:     365 * 24 * time.Hour,
		MinDescriptionLen: 10,
	}
}

// pythonQualityGate requires a release within the configured age window AND
// a description longer than the configured minimum (spec.md §4.C).
func (r *PackageResolver) pythonQualityGate(ctx context.Context, fullName string) qualityVerdict {
	cfg := DefaultPythonQualityConfig()

	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/json", r.pythonRegistryURL, fullName)
	body, ok := r.probe(ctx, url)
	if !ok {
		return qualityVerdict{OK: false, Reason: "package metadata unavailable"}
	}

	var meta struct {
		Info struct {
			Summary string `json:"summary"`
		} `json:"info"`
		Releases map[string][]struct {
			UploadTimeISO8601 time.Time `json:"upload_time_iso_8601"`
		} `json:"releases"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return qualityVerdict{OK: false, Reason: "malformed package metadata"}
	}

	if len(meta.Info.Summary) <= cfg.MinDescriptionLen {
		return qualityVerdict{OK: false, Reason: "description too short"}
	}

	cutoff := time.Now().Add(-cfg.MaxReleaseAge)
	hasRecent := false
	for _, releases := range meta.Releases {
		for _, rel := range releases {
			if rel.UploadTimeISO8601.After(cutoff) {
				hasRecent = true
				break
			}
		}
		if hasRecent {
			break
		}
	}
	if !hasRecent {
		return qualityVerdict{OK: false, Reason: "no release within quality window"}
	}

	return qualityVerdict{OK: true}
}

// Flush clears the quality cache. Not wired to any HTTP route in this
// gateway (spec.md §6 names no such endpoint); it exists for tests and for
// a future admin surface, per SPEC_FULL.md §4.C.
func (r *PackageResolver) Flush() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache = make(map[string]qualityVerdict)
}
