package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"tailscale.com/tsnet"
)

var (
	cfgFile       string
	listenFlag    string
	logLevelFlag  string
	nodeRuntime   string
	pythonRuntime string
	maxProcesses  int
	idleTimeout   time.Duration
	keepAlive     time.Duration
	probeTimeoutF time.Duration
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Spawns MCP servers from npm/PyPI packages on demand and bridges them to HTTP/SSE",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (YAML/JSON/TOML)")
	root.PersistentFlags().StringVar(&listenFlag, "listen", "", "listen address (overrides config)")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&nodeRuntime, "node-runtime", "", "node package runner binary")
	root.PersistentFlags().StringVar(&pythonRuntime, "python-runtime", "", "python package runner binary")
	root.PersistentFlags().IntVar(&maxProcesses, "max-processes", 0, "maximum concurrent child processes")
	root.PersistentFlags().DurationVar(&idleTimeout, "idle-timeout", 0, "idle duration before a subscriber-less child is reaped")
	root.PersistentFlags().DurationVar(&keepAlive, "keepalive", 0, "SSE keepalive ping interval")
	root.PersistentFlags().DurationVar(&probeTimeoutF, "probe-timeout", 0, "registry probe timeout")

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(gatewayServerInfo["name"], gatewayVersion)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			cfg, err := LoadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(&cfg)
			return runServe(cfg)
		},
	}
}

func applyFlagOverrides(cfg *Config) {
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if nodeRuntime != "" {
		cfg.NodeRuntime = nodeRuntime
	}
	if pythonRuntime != "" {
		cfg.PythonRuntime = pythonRuntime
	}
	if maxProcesses != 0 {
		cfg.MaxProcesses = maxProcesses
	}
	if idleTimeout != 0 {
		cfg.IdleTimeout = idleTimeout
	}
	if keepAlive != 0 {
		cfg.KeepAlive = keepAlive
	}
	if probeTimeoutF != 0 {
		cfg.ProbeTimeout = probeTimeoutF
	}
}

// Gateway owns the registry and the resolver (with its quality cache) that
// the package handlers share, so neither lives behind a package-level
// singleton (spec.md §9). The handshake session is not held here; it is
// owned by the HandshakeHandler that runServe builds alongside it.
type Gateway struct {
	cfg      Config
	logger   *Logger
	resolver *PackageResolver
	registry *Registry
}

func runServe(cfg Config) error {
	logger := NewLogger(cfg.LogLevel)
	resolver := NewPackageResolver(logger.With("component", "resolver")).WithProbeTimeout(cfg.ProbeTimeout)
	registry := NewRegistry(cfg.MaxProcesses, cfg.IdleTimeout, logger.With("component", "registry")).WithReaperInterval(cfg.ReaperInterval)

	gw := &Gateway{cfg: cfg, logger: logger, resolver: resolver, registry: registry}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopReaper := registry.StartReaper(ctx)
	defer stopReaper()

	handshake := NewHandshakeHandler(logger.With("component", "handshake"))

	mux := http.NewServeMux()
	mux.Handle("/package/", newPackageRouter(gw))
	mux.Handle("/mcp", handshake)
	mux.HandleFunc("/mcp/capabilities", handshake.ServeCapabilities)
	mux.HandleFunc("/servers", handleServers(registry))
	mux.HandleFunc("/healthz", handleHealthz)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams run far longer than a fixed write deadline allows
		IdleTimeout:  120 * time.Second,
	}

	ln, err := listenFor(cfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("gateway listening", "addr", cfg.Listen)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-done:
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	registry.shutdown()
	return nil
}

// listenFor opens the configured listener; a non-empty Tailscale hostname
// joins the tailnet via tsnet the way the teacher's main.go does, otherwise
// it falls back to a plain local TCP listener.
func listenFor(cfg Config) (net.Listener, error) {
	if cfg.Tailscale.Hostname == "" {
		return net.Listen("tcp", cfg.Listen)
	}

	srv := &tsnet.Server{Hostname: cfg.Tailscale.Hostname}
	if cfg.Tailscale.StateDir != "" {
		srv.Dir = cfg.Tailscale.StateDir
	}
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("tsnet start: %w", err)
	}
	return srv.Listen("tcp", cfg.Listen)
}

// newPackageRouter mounts both the SSE and POST ingress handlers under
// "/package/", dispatching by HTTP method the way spec.md §6's route table
// pairs GET .../sse with POST .../(respond|messages|message) under the
// same prefix.
func newPackageRouter(gw *Gateway) http.Handler {
	sse := NewSSEHandler(gw.resolver, gw.registry, gw.logger.With("component", "sse")).
		WithTimeouts(gw.cfg.KeepAlive, gw.cfg.SSETimeout)
	ingress := NewIngressHandler(gw.resolver, gw.registry, gw.logger.With("component", "ingress"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			sse.ServeHTTP(w, r)
			return
		}
		ingress.ServeHTTP(w, r)
	})
}

// handleServers exposes Registry.stats() at GET /servers (spec.md §6).
func handleServers(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.stats())
	}
}

// handleHealthz is the ambient liveness endpoint SPEC_FULL.md adds
// alongside spec.md's named HTTP surface.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
