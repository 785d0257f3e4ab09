// Package voice ties microphone capture, silence detection, and the streaming
// connection into push-to-talk turns.
//
// A [Controller] owns one [capture.Capturer] and one connection [Link]. Each
// call to [Controller.ToggleRecording] either starts a recording or stops the
// running one. A recording also ends on sustained silence or when it reaches
// the capturer's maximum duration. Every stop encodes the captured audio as
// one turn and sends it. Assistant text coming back over the connection is
// collected per model turn and appended to a [chat.Sink].
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/chat"
	"github.com/MrWong99/voicelink/internal/connection"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/silence"
	"github.com/MrWong99/voicelink/pkg/live"
)

// Errors returned by [Controller.ToggleRecording].
var (
	// ErrPermissionRequired means the microphone capability has not been
	// granted. No recording was started.
	ErrPermissionRequired = errors.New("voice: microphone permission required")

	// ErrNotReady means the connection is not open. A connection attempt has
	// been started; the caller may try again once connected.
	ErrNotReady = errors.New("voice: connection not ready")

	// ErrClosed means the controller has been closed.
	ErrClosed = errors.New("voice: controller closed")
)

const (
	// decodeWarnThreshold is the number of consecutive decode failures after
	// which a notice is published.
	decodeWarnThreshold = 5

	defaultSendTimeout   = 10 * time.Second
	defaultAppendTimeout = 5 * time.Second

	noticeBuffer = 32

	// assistantSource is stamped into the metadata of every assistant
	// message.
	assistantSource = "gemini-live"
)

// stopReason says why a recording ended.
type stopReason string

const (
	stopManual  stopReason = "manual"
	stopSilence stopReason = "silence"
	stopLimit   stopReason = "max_duration"
	stopFailure stopReason = "capture_error"
	stopClose   stopReason = "close"
)

// Link is the part of [connection.Manager] the controller uses.
type Link interface {
	Connect(ctx context.Context)
	Send(ctx context.Context, data []byte) error
	State() connection.State
	Close() error
}

var _ Link = (*connection.Manager)(nil)

// Config holds the collaborators and settings of a [Controller].
type Config struct {
	// Capturer records audio. Its permission source should be Status.
	Capturer *capture.Capturer

	// Gate probes the microphone. Its sink should be Status. May be nil, in
	// which case Status must be set by other means.
	Gate *capture.Gate

	// Status is updated by the controller. A new one is created when nil.
	Status *Status

	// Codec encodes turns and decodes inbound messages.
	Codec live.Codec

	// Chat receives assistant messages. May be nil.
	Chat chat.Sink

	// Capture is passed to [capture.Capturer.Start].
	Capture capture.Config

	// Silence configures the detector of each recording.
	Silence silence.Config

	// ConversationID is stamped on every chat message.
	ConversationID string

	// SendTimeout bounds the delivery of one turn. Default 10s.
	SendTimeout time.Duration

	// Metrics records turn and recording metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// recording is one running push-to-talk turn.
type recording struct {
	session  *capture.Session
	detector *silence.Detector
	cancel   context.CancelFunc
}

// Controller orchestrates recording turns. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg     Config
	status  *Status
	link    Link
	metrics *observe.Metrics

	// ctx outlives individual calls and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	rec         *recording
	silenceCfg  silence.Config
	pending     strings.Builder
	decodeFails int
	lastState   connection.State
	closed      bool

	noticeMu sync.Mutex
	notices  chan Notice
	noticeOK bool
}

var _ connection.Handler = (*controllerHandler)(nil)

// New creates a controller. newLink is called once with the handler that
// receives the link's events; it normally returns a [connection.Manager].
func New(cfg Config, newLink func(connection.Handler) Link) *Controller {
	if cfg.Status == nil {
		cfg.Status = NewStatus()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		status:     cfg.Status,
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		silenceCfg: cfg.Silence,
		notices:    make(chan Notice, noticeBuffer),
		noticeOK:   true,
	}
	c.link = newLink(&controllerHandler{c: c})

	cfg.Capturer.OnLimit(func(s *capture.Session) { c.stopSession(s, stopLimit) })
	cfg.Capturer.OnFailure(c.captureFailed)
	return c
}

// Status returns the controller's status flags.
func (c *Controller) Status() *Status { return c.status }

// Notices returns the channel of user-facing notices. Notices are dropped
// when the channel is full. The channel is closed by [Controller.Close].
func (c *Controller) Notices() <-chan Notice { return c.notices }

// Start probes the microphone and, when it may be used, begins connecting.
// It does not wait for the connection.
func (c *Controller) Start(ctx context.Context) capture.CapabilityResult {
	var res capture.CapabilityResult
	if c.cfg.Gate != nil {
		res = c.cfg.Gate.Probe(ctx)
	} else {
		res = capture.CapabilityResult{Granted: c.status.CapabilityGranted()}
	}
	if !res.Granted {
		c.notify(Notice{Kind: NoticePermission, Text: res.Reason.Guidance(), Err: res.Err})
		return res
	}
	c.Connect(ctx)
	return res
}

// Connect starts a connection attempt unless one is open or in progress.
func (c *Controller) Connect(ctx context.Context) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.link.Connect(ctx)
}

// UpdateSilence replaces the silence settings. The running recording keeps
// its detector; the next recording uses cfg.
func (c *Controller) UpdateSilence(cfg silence.Config) {
	c.mu.Lock()
	c.silenceCfg = cfg
	c.mu.Unlock()
}

// ToggleRecording stops the running recording, or starts one. Starting
// requires a granted capability ([ErrPermissionRequired]) and an open
// connection. When the connection is not open a connection attempt is
// started and [ErrNotReady] is returned.
func (c *Controller) ToggleRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if rec := c.rec; rec != nil {
		c.rec = nil
		c.mu.Unlock()
		c.finish(rec, stopManual)
		return nil
	}

	if c.status.Capability() != capture.CapabilityGranted {
		c.mu.Unlock()
		reason := c.status.Snapshot().Reason
		c.notify(Notice{Kind: NoticePermission, Text: reason.Guidance()})
		return ErrPermissionRequired
	}
	if c.link.State() != connection.Open {
		c.mu.Unlock()
		c.link.Connect(ctx)
		return ErrNotReady
	}

	s, err := c.cfg.Capturer.Start(ctx, c.cfg.Capture)
	if err != nil {
		c.mu.Unlock()
		var ce *capture.Error
		kind := "unknown"
		if errors.As(err, &ce) {
			kind = ce.Kind.String()
		}
		c.metrics.RecordCaptureError(ctx, kind)
		c.notify(Notice{Kind: NoticeCaptureFailed, Text: "Could not start recording", Err: err})
		return fmt.Errorf("voice: start recording: %w", err)
	}

	det := silence.New(c.silenceCfg)
	runCtx, cancel := context.WithCancel(c.ctx)
	rec := &recording{session: s, detector: det, cancel: cancel}
	c.rec = rec
	c.mu.Unlock()

	c.status.setRecording(true)
	go det.Run(runCtx, s, func() { c.stopSession(s, stopSilence) })

	slog.Info("recording started", "session_id", s.ID(), "mime_type", s.MIMEType())
	return nil
}

// StopRecording stops the running recording and sends it. It reports whether
// a recording was running.
func (c *Controller) StopRecording() bool {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()
	if rec == nil {
		return false
	}
	c.finish(rec, stopManual)
	return true
}

// stopSession ends the recording of s if it is still the running one.
// Timers and callbacks that refer to an earlier session are ignored.
func (c *Controller) stopSession(s *capture.Session, reason stopReason) {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.session != s {
		c.mu.Unlock()
		return
	}
	c.rec = nil
	c.mu.Unlock()
	c.finish(rec, reason)
}

func (c *Controller) captureFailed(s *capture.Session, err error) {
	c.metrics.RecordCaptureError(c.ctx, "read")
	c.notify(Notice{Kind: NoticeCaptureFailed, Text: "Recording stopped because the microphone failed", Err: err})
	c.stopSession(s, stopFailure)
}

// finish releases rec and, for normal stops, sends its audio.
func (c *Controller) finish(rec *recording, reason stopReason) {
	rec.cancel()
	c.cfg.Capturer.StopSession(rec.session)
	c.status.setRecording(false)

	s := rec.session
	c.metrics.RecordRecording(c.ctx, s.Duration())
	if reason == stopSilence {
		c.metrics.SilenceTimeouts.Add(c.ctx, 1)
	}
	slog.Info("recording stopped", "session_id", s.ID(), "reason", string(reason),
		"duration", s.Duration(), "bytes", s.Size())

	switch reason {
	case stopFailure, stopClose:
		if s.Size() > 0 {
			c.metrics.RecordTurnDiscarded(c.ctx, string(reason))
		}
		return
	}
	c.sendTurn(s)
}

func (c *Controller) sendTurn(s *capture.Session) {
	turn := live.Turn{
		Role:     "user",
		MIMEType: s.MIMEType(),
		Format:   s.Format(),
		Chunks:   s.Chunks(),
	}
	if turn.Size() == 0 {
		slog.Debug("empty recording, nothing sent", "session_id", s.ID())
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "voice.send_turn")
	log := observe.Logger(ctx).With("session_id", s.ID())

	data, err := c.cfg.Codec.EncodeTurn(turn)
	if err != nil {
		observe.EndSpan(span, err)
		c.discard(ctx, "codec", err)
		log.Warn("turn discarded", "reason", "codec", "err", err)
		return
	}
	if err := c.link.Send(ctx, data); err != nil {
		observe.EndSpan(span, err)
		c.discard(ctx, "send", err)
		log.Warn("turn discarded", "reason", "send", "err", err)
		return
	}
	span.End()

	c.metrics.RecordTurnSent(ctx, len(data))
	log.Info("turn sent", "bytes", len(data), "chunks", len(turn.Chunks))
}

func (c *Controller) discard(ctx context.Context, reason string, err error) {
	c.metrics.RecordTurnDiscarded(ctx, reason)
	text := "Your recording could not be sent and was discarded"
	if errors.Is(err, live.ErrPayloadTooLarge) {
		text = "Your recording was too long to send and was discarded"
	}
	c.notify(Notice{Kind: NoticeTurnDiscarded, Text: text, Err: err})
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// controllerHandler keeps the connection callbacks off the controller's
// exported API.
type controllerHandler struct{ c *Controller }

func (h *controllerHandler) OnStateChange(s connection.State) { h.c.stateChanged(s) }
func (h *controllerHandler) OnMessage(data []byte)            { h.c.message(data) }
func (h *controllerHandler) OnFailure(err error)              { h.c.connectionFailed(err) }

func (c *Controller) stateChanged(s connection.State) {
	c.mu.Lock()
	prev := c.lastState
	c.lastState = s
	closed := c.closed
	if prev == connection.Open && s != connection.Open {
		// The server session is gone; a partial turn cannot be completed
		// by the next one.
		c.pending.Reset()
		c.decodeFails = 0
	}
	c.mu.Unlock()

	c.status.setConnection(s)
	if closed {
		return
	}
	switch {
	case s == connection.Connecting && prev == connection.Disconnected:
		c.notify(Notice{Kind: NoticeConnecting, Text: "Connecting to the assistant"})
	case s == connection.Open:
		c.notify(Notice{Kind: NoticeConnected, Text: "Connected"})
	case s == connection.Disconnected && prev == connection.Open:
		c.notify(Notice{Kind: NoticeConnectionLost, Text: "Connection lost, reconnecting"})
	}
}

func (c *Controller) connectionFailed(err error) {
	c.notify(Notice{Kind: NoticeConnectionFailed, Text: "Could not reach the assistant. Connect again to retry", Err: err})
}

// message decodes one inbound message. Decode failures drop the message and
// leave the connection alone; a run of them is reported once.
func (c *Controller) message(data []byte) {
	events, err := c.cfg.Codec.Decode(data)
	if err != nil {
		c.metrics.DecodeFailures.Add(c.ctx, 1)
		c.mu.Lock()
		c.decodeFails++
		n := c.decodeFails
		c.mu.Unlock()

		slog.Warn("dropping undecodable message", "err", err, "consecutive", n, "bytes", len(data))
		if n == decodeWarnThreshold {
			c.notify(Notice{
				Kind: NoticeDecodeFailures,
				Text: fmt.Sprintf("%d consecutive messages from the assistant could not be read", n),
				Err:  err,
			})
		}
		return
	}

	c.mu.Lock()
	c.decodeFails = 0
	c.mu.Unlock()

	for _, ev := range events {
		switch ev.Kind {
		case live.EventTextDelta:
			c.mu.Lock()
			c.pending.WriteString(ev.Text)
			c.mu.Unlock()
		case live.EventTurnComplete:
			c.commit(nil)
		case live.EventInterrupted:
			c.commit(map[string]any{"interrupted": true})
		}
	}
}

// commit appends the collected assistant text as one message. Nothing is
// appended when no text was collected.
func (c *Controller) commit(extra map[string]any) {
	c.mu.Lock()
	text := c.pending.String()
	c.pending.Reset()
	c.mu.Unlock()

	if strings.TrimSpace(text) == "" || c.cfg.Chat == nil {
		return
	}
	meta := map[string]any{"source": assistantSource}
	for k, v := range extra {
		meta[k] = v
	}
	msg := chat.NewMessage(c.cfg.ConversationID, chat.RoleAssistant, text, meta)

	ctx, cancel := context.WithTimeout(c.ctx, defaultAppendTimeout)
	defer cancel()
	if err := c.cfg.Chat.AppendMessage(ctx, msg); err != nil {
		slog.Error("failed to append assistant message", "message_id", msg.ID, "err", err)
	}
}

// ── Notices ───────────────────────────────────────────────────────────────────

func (c *Controller) notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	c.noticeMu.Lock()
	defer c.noticeMu.Unlock()
	if !c.noticeOK {
		return
	}
	select {
	case c.notices <- n:
	default:
		slog.Debug("notice dropped", "kind", n.Kind.String(), "text", n.Text)
	}
}

// Close stops any recording without sending it, closes the connection, and
// cancels all timers. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()

	if rec != nil {
		c.finish(rec, stopClose)
	}
	err := c.link.Close()
	c.cancel()

	c.noticeMu.Lock()
	c.noticeOK = false
	close(c.notices)
	c.noticeMu.Unlock()

	if err != nil {
		return fmt.Errorf("voice: close: %w", err)
	}
	return nil
}
