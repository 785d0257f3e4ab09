// Command voicelink is a push-to-talk terminal client for Gemini Live.
//
// Press Enter to start a recording and Enter again to send it. A recording
// also ends on its own after a stretch of silence or at the configured
// maximum duration. Assistant replies are printed as they complete.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/voice"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicelink.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voicelink starting",
		"config", *configPath,
		"model", cfg.Live.Model,
		"token_mode", cfg.Token.Mode,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     reg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg,
		app.WithLogLevel(&level),
		app.WithGatherer(reg),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	ctrl := application.Controller()
	go printNotices(os.Stdout, ctrl.Notices())

	fmt.Println("Press Enter to start or stop recording. Type c to reconnect, s for status, q to quit.")
	go readCommands(ctx, os.Stdin, ctrl, cancel)

	exit := 0
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// readCommands runs the push-to-talk loop on r until quit is requested, r is
// exhausted or ctx is done.
func readCommands(ctx context.Context, r io.Reader, ctrl *voice.Controller, quit context.CancelFunc) {
	defer quit()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(strings.ToLower(sc.Text())) {
		case "":
			toggle(ctx, ctrl)
		case "c":
			ctrl.Connect(ctx)
		case "s":
			fmt.Println(describe(ctrl.Status().Snapshot()))
		case "q", "quit", "exit":
			return
		default:
			fmt.Println("Commands: Enter = record/send, c = reconnect, s = status, q = quit")
		}
	}
}

func toggle(ctx context.Context, ctrl *voice.Controller) {
	wasRecording := ctrl.Status().IsRecording()
	err := ctrl.ToggleRecording(ctx)
	switch {
	case err == nil && wasRecording:
		fmt.Println("■ sent")
	case err == nil:
		fmt.Println("● recording… press Enter to send")
	case errors.Is(err, voice.ErrNotReady):
		fmt.Println("Not connected yet; connecting. Try again in a moment.")
	case errors.Is(err, voice.ErrPermissionRequired):
		// A permission notice carries the guidance.
	default:
		fmt.Printf("Could not start recording: %v\n", err)
	}
}

func printNotices(w io.Writer, notices <-chan voice.Notice) {
	for n := range notices {
		fmt.Fprintf(w, "[%s] %s\n", n.At.Format(time.TimeOnly), n)
	}
}

func describe(s voice.Snapshot) string {
	rec := "idle"
	if s.Recording {
		rec = "recording"
	}
	return fmt.Sprintf("connection: %s  microphone: %s  %s", s.Connection, s.Capability, rec)
}
