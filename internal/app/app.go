// Package app wires the voicelink subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds the capture device, the
// streaming connection, the chat sinks and the recording controller; Run
// probes the microphone, starts connecting and serves the observability
// endpoints; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevice, WithDialer,
// WithIssuer, WithChatSink). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/chat"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/connection"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/token"
	"github.com/MrWong99/voicelink/internal/voice"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/silence"
	"github.com/MrWong99/voicelink/pkg/live/gemini"
)

// listenOff disables the observability listener.
const listenOff = "off"

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	device   capture.Device
	dialer   connection.Dialer
	issuer   token.Issuer
	sink     chat.Sink
	out      io.Writer
	level    *slog.LevelVar
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer

	ctrl   *voice.Controller
	health *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of opening PortAudio.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDialer injects a transport dialer instead of the Gemini Live dialer.
func WithDialer(d connection.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithIssuer injects a token issuer instead of building one from config.
func WithIssuer(i token.Issuer) Option {
	return func(a *App) { a.issuer = i }
}

// WithChatSink injects the chat sink instead of building one from config.
func WithChatSink(s chat.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithOutput sets where assistant messages are printed. Default os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLogLevel lets config reloads change the level of the given variable.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. Default
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, out: os.Stdout, gatherer: prometheus.DefaultGatherer}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if cfg.Chat.ConversationID == "" {
		cfg.Chat.ConversationID = uuid.NewString()
	}

	a.initDevice()
	a.initIssuer()
	a.initDialer()

	if err := a.initChat(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init chat: %w", err)
	}

	a.initController()

	st := a.ctrl.Status()
	a.health = health.New(
		health.Flag("connection", st.IsConnected, "not connected"),
		health.Flag("microphone", st.CapabilityGranted, "microphone not available"),
	)
	return a, nil
}

// initDevice opens PortAudio unless a device was injected. When the audio
// library cannot start, the failure is kept so the capability probe reports
// it instead of aborting startup.
func (a *App) initDevice() {
	if a.device != nil {
		return
	}
	pa, err := capture.NewPortAudio()
	if err != nil {
		slog.Warn("audio input unavailable", "err", err)
		a.device = unavailableDevice{err: err}
		return
	}
	a.device = pa
	a.closers = append(a.closers, pa.Close)
}

// initIssuer builds the token issuer for the configured mode.
func (a *App) initIssuer() {
	if a.issuer != nil {
		return
	}
	t := a.cfg.Token
	switch t.Mode {
	case config.TokenHTTP:
		var ts oauth2.TokenSource
		if t.AccessToken != "" {
			ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.AccessToken, TokenType: "Bearer"})
		}
		httpOpts := []token.HTTPOption{
			token.WithTimeout(t.Timeout),
			token.WithMetrics(a.metrics),
		}
		if t.ProjectKey != "" {
			httpOpts = append(httpOpts, token.WithAPIKey(t.ProjectKey))
		}
		a.issuer = token.NewHTTP(t.Endpoint, ts, httpOpts...)
	default:
		st := token.NewStatic(t.APIKey)
		if t.TTL > 0 {
			st.TTL = t.TTL
		}
		a.issuer = st
	}
}

// initDialer builds the Gemini Live dialer unless one was injected.
func (a *App) initDialer() {
	if a.dialer != nil {
		return
	}
	l := a.cfg.Live
	gopts := []gemini.Option{gemini.WithModel(l.Model)}
	if l.BaseURL != "" {
		gopts = append(gopts, gemini.WithBaseURL(l.BaseURL))
	}
	if l.APIVersion != "" {
		gopts = append(gopts, gemini.WithAPIVersion(l.APIVersion))
	}
	if l.SystemInstruction != "" {
		gopts = append(gopts, gemini.WithSystemInstruction(l.SystemInstruction))
	}
	gd := gemini.NewDialer(gopts...)
	a.dialer = connection.DialerFunc(func(ctx context.Context, tok string) (connection.Conn, error) {
		c, err := gd.Dial(ctx, tok)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// initChat builds the chat sink: stdout unless quiet, plus PostgreSQL when a
// DSN is configured.
func (a *App) initChat(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}
	var sinks chat.Multi
	if !a.cfg.Chat.Quiet {
		sinks = append(sinks, chat.NewWriter(a.out))
	}
	if dsn := a.cfg.Chat.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		pg := chat.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pg)
		slog.Info("chat persistence enabled", "conversation_id", a.cfg.Chat.ConversationID)
	}
	a.sink = sinks
	return nil
}

// initController builds the status, gate, capturer and connection manager
// and ties them together in the recording controller.
func (a *App) initController() {
	status := voice.NewStatus()
	capCfg := captureConfig(a.cfg.Audio)

	capturer := capture.New(a.device,
		capture.WithPermission(status),
		capture.WithEncodingPriority(a.cfg.Audio.Encodings),
		capture.WithChunkInterval(a.cfg.Audio.ChunkInterval),
		capture.WithMaxDuration(a.cfg.Audio.MaxDuration),
	)

	c := a.cfg.Connection
	connOpts := []connection.Option{
		connection.WithReconnectPolicy(connection.ReconnectPolicy{
			MaxAttempts: c.MaxAttempts,
			BaseDelay:   c.BaseDelay,
			MaxDelay:    c.MaxDelay,
		}),
		connection.WithDialTimeout(c.DialTimeout),
		connection.WithKeepalive(max(c.KeepaliveInterval, 0), c.KeepaliveTimeout),
		connection.WithMetrics(a.metrics),
	}

	a.ctrl = voice.New(voice.Config{
		Capturer:       capturer,
		Gate:           capture.NewGate(a.device, capCfg, status),
		Status:         status,
		Codec:          gemini.NewCodec(gemini.WithMaxMessageBytes(a.cfg.Live.MaxMessageBytes)),
		Chat:           a.sink,
		Capture:        capCfg,
		Silence:        silenceConfig(a.cfg.Silence),
		ConversationID: a.cfg.Chat.ConversationID,
		Metrics:        a.metrics,
	}, func(h connection.Handler) voice.Link {
		return connection.New(a.dialer, a.issuer, h, connOpts...)
	})
}

// Controller returns the recording controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// Handler returns the observability HTTP handler: /healthz, /readyz and
// /metrics wrapped in the tracing middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(a.metrics, observe.WithSessionAttributes(a.sessionAttrs))(mux)
}

// sessionAttrs describes the client state a request observed.
func (a *App) sessionAttrs() []attribute.KeyValue {
	snap := a.ctrl.Status().Snapshot()
	return []attribute.KeyValue{
		attribute.Bool("voicelink.recording", snap.Recording),
		attribute.String("voicelink.connection", snap.Connection.String()),
		attribute.String("voicelink.microphone", snap.Capability.String()),
	}
}

// Run probes the microphone, starts connecting and serves the observability
// endpoints. It blocks until ctx is cancelled and returns ctx.Err() or the
// first server error.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" && addr != listenOff {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			slog.Info("observability listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		res := a.ctrl.Start(ctx)
		slog.Info("microphone probed", "capability", res.Capability(), "reason", res.Reason)
		<-ctx.Done()
		return ctx.Err()
	})

	return g.Wait()
}

// ApplyChange applies a hot-reloaded config. Only the log level and the
// silence settings take effect; everything else needs a restart.
func (a *App) ApplyChange(ch config.Change) {
	if ch.Diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(ch.Diff.NewLogLevel))
		slog.Info("log level changed", "level", ch.Diff.NewLogLevel)
	}
	if ch.Diff.SilenceChanged {
		a.ctrl.UpdateSilence(silenceConfig(ch.Diff.NewSilence))
		slog.Info("silence settings changed",
			"threshold", ch.Diff.NewSilence.Threshold,
			"duration", ch.Diff.NewSilence.Duration,
		)
	}
}

// Shutdown stops the controller and runs the closers. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Close(); err != nil {
			slog.Warn("controller close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// SlogLevel converts a config log level to a [slog.Level].
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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

func captureConfig(a config.AudioConfig) capture.Config {
	return capture.Config{
		SampleRate:       a.SampleRate,
		Channels:         a.Channels,
		EchoCancellation: config.Enabled(a.EchoCancellation),
		NoiseSuppression: config.Enabled(a.NoiseSuppression),
		AutoGainControl:  config.Enabled(a.AutoGainControl),
	}
}

func silenceConfig(s config.SilenceConfig) silence.Config {
	return silence.Config{
		Threshold:      s.Threshold,
		Duration:       s.Duration,
		SampleInterval: s.SampleInterval,
	}
}

// unavailableDevice stands in for an audio backend that failed to start.
type unavailableDevice struct{ err error }

func (d unavailableDevice) Open(capture.Config, int) (capture.Stream, error) { return nil, d.err }
