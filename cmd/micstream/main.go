// Command micstream captures microphone audio and streams it to a remote
// transcription service over a persistent WebSocket connection.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micstream/internal/app"
	"github.com/MrWong99/micstream/internal/config"
	"github.com/MrWong99/micstream/internal/health"
	"github.com/MrWong99/micstream/internal/observe"
	"github.com/MrWong99/micstream/internal/stream"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults only when empty)")
	envFile := flag.String("env", ".env", "optional dotenv file with MICSTREAM_* overrides")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	lookup, err := config.EnvLookup(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "micstream: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "micstream: config file %q not found, copy configs/micstream.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "micstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("micstream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "micstream",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Recording session ─────────────────────────────────────────────────────
	application, err := app.New(cfg,
		app.WithMetrics(metrics),
		app.WithTranscriptHandler(logTranscript),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			level.Set(slogLevel(next.Server.LogLevel))
			application.ApplyConfig(next)
		}, config.WithLookup(lookup))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
		go reloadOnHangup(ctx, w)
	}

	printStartupSummary(cfg, application)

	// ── Ops server ────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		func() any { return application.Status() },
		health.Checker{Name: "stream", Check: application.Ready},
	).Register(mux)
	mux.Handle("GET /metrics", tel.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Stop serving once recording ends for any reason.
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("ops server shutdown error", "err", err)
			}
		}()
		slog.Info("recording, press Ctrl+C to stop")
		return application.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("micstream stopped", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup reloads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("config reload failed", "err", err)
			}
		}
	}
}

func logTranscript(ev stream.ControlEvent) {
	if ev.IsFinal {
		slog.Info("transcript", "text", ev.Text)
		return
	}
	slog.Debug("partial transcript", "text", ev.Text)
}

func printStartupSummary(cfg *config.Config, a *app.App) {
	sessionURL, err := a.SessionURL()
	if err != nil {
		sessionURL = "(invalid)"
	}
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              micstream startup summary            ║")
	fmt.Println("╠═══════════════════════════════════════════════════╣")
	fmt.Printf("║  Client id    : %-33s ║\n", a.ClientID())
	fmt.Printf("║  Service      : %-33s ║\n", cfg.Stream.Host)
	fmt.Printf("║  Model        : %-33s ║\n", cfg.Stream.Model)
	fmt.Printf("║  Language     : %-33s ║\n", cfg.Stream.Language)
	fmt.Printf("║  Device       : %-33s ║\n", cfg.Capture.Device)
	fmt.Printf("║  Listen addr  : %-33s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Printf("Batch transcription endpoint: %s\n", sessionURL)
}

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
