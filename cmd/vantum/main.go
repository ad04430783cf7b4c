// Command vantum is the voice-conversation gateway server.
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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jatin5120/vantum-backend/internal/config"
	"github.com/Jatin5120/vantum-backend/internal/gateway"
	"github.com/Jatin5120/vantum-backend/internal/health"
	"github.com/Jatin5120/vantum-backend/internal/observe"
	"github.com/Jatin5120/vantum-backend/internal/registry"
	"github.com/Jatin5120/vantum-backend/internal/session"
	"github.com/Jatin5120/vantum-backend/pkg/provider/llm/anyllm"
	"github.com/Jatin5120/vantum-backend/pkg/provider/llm/openai"
	"github.com/Jatin5120/vantum-backend/pkg/provider/stt/deepgram"
	"github.com/Jatin5120/vantum-backend/pkg/provider/tts/elevenlabs"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Optional .env for local development; real deployments set the process
	// environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "vantum: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vantum: config file %q not found — see configs/example.yaml\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vantum: %v\n", err)
		}
		return 1
	}

	if *dumpConfig {
		out, err := config.MarshalYAMLString(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vantum: %v\n", err)
			return 1
		}
		fmt.Print(out)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("vantum starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Upstream providers ────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Registry, sweeper, gateway ────────────────────────────────────────────
	reg := registry.New(registry.Config{
		MaxSessions:        cfg.Limits.MaxSessions,
		ShutdownPerSession: cfg.Timeouts.ShutdownPerSession.Std(),
	})
	sweeper := registry.NewSweeper(reg, registry.SweeperConfig{
		IdleTimeout: cfg.Timeouts.SessionIdle.Std(),
		MaxDuration: cfg.Timeouts.SessionMax.Std(),
	})
	sweeper.Start()

	gw := gateway.NewServer(cfg, providers, reg)
	probes := health.New(reg.Checker())

	mux := http.NewServeMux()
	gw.Register(mux)
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	probes.SetDraining(true)
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := reg.Shutdown(shutdownCtx); err != nil {
		slog.Error("session shutdown error", "err", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the three upstream clients from configuration.
func buildProviders(cfg *config.Config) (session.Providers, error) {
	var p session.Providers

	switch name := cfg.Providers.STT.Name; name {
	case "deepgram":
		var opts []deepgram.Option
		if cfg.Providers.STT.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Providers.STT.Model))
		}
		if cfg.Providers.STT.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Providers.STT.Language))
		}
		stt, err := deepgram.New(apiKey(cfg.Providers.STT.APIKey, "DEEPGRAM_API_KEY"), opts...)
		if err != nil {
			return p, fmt.Errorf("stt provider: %w", err)
		}
		p.STT = stt
	default:
		return p, fmt.Errorf("stt provider: unknown implementation %q", name)
	}

	switch name := cfg.Providers.LLM.Name; name {
	case "openai":
		var opts []openai.Option
		if cfg.Providers.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.LLM.BaseURL))
		}
		llm, err := openai.New(apiKey(cfg.Providers.LLM.APIKey, "OPENAI_API_KEY"), cfg.Providers.LLM.Model, opts...)
		if err != nil {
			return p, fmt.Errorf("llm provider: %w", err)
		}
		p.LLM = llm
	default:
		// Every other backend goes through the universal adapter.
		var opts []anyllmlib.Option
		if cfg.Providers.LLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Providers.LLM.APIKey))
		}
		if cfg.Providers.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.Providers.LLM.BaseURL))
		}
		llm, err := anyllm.New(name, cfg.Providers.LLM.Model, opts...)
		if err != nil {
			return p, fmt.Errorf("llm provider: %w", err)
		}
		p.LLM = llm
	}

	switch name := cfg.Providers.TTS.Name; name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if cfg.Providers.TTS.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.Providers.TTS.Model))
		}
		tts, err := elevenlabs.New(apiKey(cfg.Providers.TTS.APIKey, "ELEVENLABS_API_KEY"), opts...)
		if err != nil {
			return p, fmt.Errorf("tts provider: %w", err)
		}
		p.TTS = tts
	default:
		return p, fmt.Errorf("tts provider: unknown implementation %q", name)
	}

	return p, nil
}

// apiKey resolves a credential from config or the conventional environment
// variable.
func apiKey(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
