package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/chat"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/connection"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/token"
	"github.com/MrWong99/voicelink/internal/voice"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/capture/mock"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// fakeConn is an open transport. Inbound messages are pushed by the test;
// outbound messages are recorded.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("fake: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

const testYAML = `
server:
  listen_addr: "off"
  log_level: info
audio:
  encodings: ["audio/pcm"]
  chunk_interval: 20ms
silence:
  duration: 10s
connection:
  keepalive_interval: -1s
token:
  api_key: test-key
chat:
  conversation_id: conv-1
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

type harness struct {
	app  *app.App
	dev  *mock.Device
	conn *fakeConn
	chat *chat.Memory

	mu     sync.Mutex
	tokens []string
}

func newHarness(t *testing.T, cfg *config.Config, extra ...app.Option) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{dev: &mock.Device{}, conn: newFakeConn(), chat: &chat.Memory{}}
	dialer := connection.DialerFunc(func(_ context.Context, tok string) (connection.Conn, error) {
		h.mu.Lock()
		h.tokens = append(h.tokens, tok)
		h.mu.Unlock()
		return h.conn, nil
	})
	opts := []app.Option{
		app.WithDevice(h.dev),
		app.WithDialer(dialer),
		app.WithIssuer(token.NewStatic("test-key")),
		app.WithChatSink(h.chat),
		app.WithMetrics(metrics),
	}
	opts = append(opts, extra...)

	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return h
}

// run starts App.Run and returns a function that stops it and returns its
// error.
func (h *harness) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.app.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return within 5s after cancellation")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_WithDoubles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(t))
	if h.app.Controller() == nil {
		t.Fatal("Controller() = nil")
	}
	st := h.app.Controller().Status().Snapshot()
	if st.Recording || st.Connected() {
		t.Errorf("initial snapshot = %+v, want idle and disconnected", st)
	}
	if got := h.dev.OpenCount(); got != 0 {
		t.Errorf("device opened %d times before Run, want 0", got)
	}
}

func TestNew_GeneratesConversationID(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Chat.ConversationID = ""
	newHarness(t, cfg)
	if cfg.Chat.ConversationID == "" {
		t.Error("ConversationID was not generated")
	}
}

func TestApp_ReadinessFollowsConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(t))
	handler := h.app.Handler()

	if code, _ := getJSON(t, handler, "/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	code, body := getJSON(t, handler, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before Run = %d, want 503", code)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["connection"] != "fail: not connected" {
		t.Errorf("connection check = %v", checks["connection"])
	}

	stop := h.run(t)
	st := h.app.Controller().Status()
	waitFor(t, "connection", st.IsConnected)

	if code, body := getJSON(t, handler, "/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after connect = %d (%v), want 200", code, body)
	}
	if !st.CapabilityGranted() {
		t.Error("capability not granted after probe")
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(t))
	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", rec.Code)
	}
}

func TestApp_DeniedMicrophoneDoesNotConnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(t))
	h.dev.OpenErr = capture.ErrPermissionDenied

	stop := h.run(t)
	defer stop()

	var n voice.Notice
	select {
	case n = <-h.app.Controller().Notices():
	case <-time.After(3 * time.Second):
		t.Fatal("no notice after denied probe")
	}
	if n.Kind != voice.NoticePermission {
		t.Errorf("notice kind = %s, want %s", n.Kind, voice.NoticePermission)
	}
	if got := h.app.Controller().Status().Capability(); got != capture.CapabilityDenied {
		t.Errorf("capability = %s, want denied", got)
	}

	h.mu.Lock()
	dials := len(h.tokens)
	h.mu.Unlock()
	if dials != 0 {
		t.Errorf("dialed %d times with microphone denied, want 0", dials)
	}
}

func TestApp_RecordAndReceive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(t))
	stop := h.run(t)
	defer stop()

	ctrl := h.app.Controller()
	waitFor(t, "connection", ctrl.Status().IsConnected)

	if err := ctrl.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	// The read loop handles one buffer before it reads the next, so once
	// both are taken the first is part of the session.
	stream := h.dev.LastStream()
	pcm := bytes.Repeat([]byte{0x00, 0x10}, 320)
	stream.Push(pcm)
	stream.Push(pcm)
	waitFor(t, "captured chunk", func() bool { return stream.Pending() == 0 })

	if err := ctrl.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	waitFor(t, "turn sent", func() bool { return len(h.conn.writes()) == 1 })
	if !bytes.Contains(h.conn.writes()[0], []byte(`"turnComplete":true`)) {
		t.Errorf("sent message = %s, want a complete turn", h.conn.writes()[0])
	}

	h.conn.inbound <- []byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"Hello"}]}}}`)
	h.conn.inbound <- []byte(`{"serverContent":{"turnComplete":true}}`)
	waitFor(t, "assistant message", func() bool { return h.chat.Len() == 1 })

	m := h.chat.Messages()[0]
	if m.Role != chat.RoleAssistant || m.Content != "Hello" || m.ConversationID != "conv-1" {
		t.Errorf("message = %+v", m)
	}

	h.mu.Lock()
	tok := h.tokens[0]
	h.mu.Unlock()
	if tok != "test-key" {
		t.Errorf("dial token = %q, want %q", tok, "test-key")
	}
}

func TestApp_ApplyChange(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	h := newHarness(t, testConfig(t), app.WithLogLevel(&lv))

	oldCfg := testConfig(t)
	newCfg := testConfig(t)
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Silence.Duration = 3 * time.Second

	h.app.ApplyChange(config.Change{Old: oldCfg, New: newCfg, Diff: config.Diff(oldCfg, newCfg)})

	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want %v", got, slog.LevelDebug)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
