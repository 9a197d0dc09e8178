// Command voxgate is the main entry point for the Voxgate session gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/config"
	engineoai "github.com/voxgate/voxgate/internal/engine/openai"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/backend"
	backendllm "github.com/voxgate/voxgate/pkg/backend/llm"
	"github.com/voxgate/voxgate/pkg/backend/rest"
	"github.com/voxgate/voxgate/pkg/embeddings"
	oaembed "github.com/voxgate/voxgate/pkg/embeddings/openai"
	"github.com/voxgate/voxgate/pkg/memory"
	memstore "github.com/voxgate/voxgate/pkg/memory/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}
	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxgate"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Long-term memory (optional) ───────────────────────────────────────────
	var store *memstore.Store
	if cfg.Memory.PostgresDSN != "" {
		var emb embeddings.Provider
		if cfg.Embeddings.APIKey != "" {
			var embOpts []oaembed.Option
			if cfg.Embeddings.BaseURL != "" {
				embOpts = append(embOpts, oaembed.WithBaseURL(cfg.Embeddings.BaseURL))
			}
			p, err := oaembed.New(cfg.Embeddings.APIKey, cfg.Embeddings.Model, embOpts...)
			if err != nil {
				slog.Error("failed to create embeddings provider", "err", err)
				return 1
			}
			emb = p
		}

		store, err = memstore.NewStore(ctx, cfg.Memory.PostgresDSN, emb, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to open memory store", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("memory store connected", "semantic_recall", emb != nil)
	}

	// ── Backend services ──────────────────────────────────────────────────────
	var restOpts []rest.Option
	if cfg.Backends.REST.TimeoutSeconds > 0 {
		restOpts = append(restOpts, rest.WithTimeout(time.Duration(cfg.Backends.REST.TimeoutSeconds)*time.Second))
	}
	restClient := rest.New(cfg.Backends.REST.BaseURL, cfg.Backends.REST.APIKey, restOpts...)
	var services backend.Services = resilience.NewFailover(restClient, "rest", resilience.Config{})

	if g := cfg.Backends.Generator; g != nil {
		var genOpts []anyllmlib.Option
		if g.APIKey != "" {
			genOpts = append(genOpts, anyllmlib.WithAPIKey(g.APIKey))
		}
		if g.BaseURL != "" {
			genOpts = append(genOpts, anyllmlib.WithBaseURL(g.BaseURL))
		}
		gen, err := backendllm.New(g.Provider, g.Model, genOpts...)
		if err != nil {
			slog.Error("failed to create generator backend", "err", err)
			return 1
		}
		services = backend.WithGenerator(services, gen)
		slog.Info("generator backend enabled", "provider", g.Provider, "model", g.Model)
	}
	if store != nil {
		services = backend.WithRecall(services, recallFromStore(store))
	}

	// ── Engine dialer ─────────────────────────────────────────────────────────
	var engOpts []engineoai.Option
	if cfg.Engine.Model != "" {
		engOpts = append(engOpts, engineoai.WithModel(cfg.Engine.Model))
	}
	if cfg.Engine.BaseURL != "" {
		engOpts = append(engOpts, engineoai.WithBaseURL(cfg.Engine.BaseURL))
	}
	dialer := engineoai.NewDialer(cfg.Engine.APIKey, engOpts...)

	// ── Gateway ───────────────────────────────────────────────────────────────
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithDefaults(gatewayDefaults(cfg.Defaults)),
	}
	if store != nil {
		gwOpts = append(gwOpts, gateway.WithRecorder(store))
	}
	gw := gateway.NewServer(dialer, services, gwOpts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(d config.ConfigDiff) {
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.DefaultsChanged {
			gw.SetDefaults(gatewayDefaults(d.NewDefaults))
			slog.Info("handshake defaults updated")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Postgres(store))
	}
	if cfg.Backends.REST.BaseURL != "" {
		checkers = append(checkers, health.HTTPEndpoint("backend", cfg.Backends.REST.BaseURL, nil))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down")
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("session shutdown error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// slogLevel maps the config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// gatewayDefaults converts configured handshake fallbacks, filling any field
// the config leaves blank with the built-in default.
func gatewayDefaults(d config.DefaultsConfig) gateway.Defaults {
	out := gateway.Defaults{AIName: "Assistant", Voice: "alloy", Language: "English"}
	if d.AIName != "" {
		out.AIName = d.AIName
	}
	if d.Voice != "" {
		out.Voice = d.Voice
	}
	if d.Language != "" {
		out.Language = d.Language
	}
	return out
}

// recallFromStore serves the Recall tool from the local memory store instead
// of the REST backend, formatting matches as dated transcript lines.
func recallFromStore(store memory.Store) backend.RecallFunc {
	return func(ctx context.Context, req backend.Request) (backend.Result, error) {
		results, err := store.Recall(ctx, req.ContextID, req.Query, 8)
		if err != nil {
			return backend.Result{}, fmt.Errorf("memory recall: %w", err)
		}
		if len(results) == 0 {
			return backend.Result{}, nil
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "%s [%s]: %s\n",
				r.Entry.Timestamp.Format("2006-01-02 15:04"), r.Entry.Role, r.Entry.Text)
		}
		return backend.Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
}
