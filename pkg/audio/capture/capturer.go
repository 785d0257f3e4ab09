package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/encoding"
)

const (
	defaultChunkInterval = 100 * time.Millisecond
	defaultMaxDuration   = 60 * time.Second
)

// Option configures a [Capturer].
type Option func(*Capturer)

// WithPermission makes Start fail with [NotPermitted] unless src reports
// [CapabilityGranted].
func WithPermission(src CapabilitySource) Option {
	return func(c *Capturer) { c.perm = src }
}

// WithEncodingPriority sets the MIME types tried, in order, when a session
// starts.
func WithEncodingPriority(mimeTypes []string) Option {
	return func(c *Capturer) {
		if len(mimeTypes) > 0 {
			c.priority = append([]string(nil), mimeTypes...)
		}
	}
}

// WithChunkInterval sets how much audio each chunk holds. Default 100ms.
func WithChunkInterval(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.chunkInterval = d
		}
	}
}

// WithMaxDuration sets the hard ceiling on session length. Default 60s.
func WithMaxDuration(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.maxDuration = d
		}
	}
}

// Capturer records from a [Device]. It holds at most one active [Session].
//
// Handlers registered with OnChunk run on the session's read goroutine and
// must not call [Capturer.Stop] synchronously.
type Capturer struct {
	dev           Device
	perm          CapabilitySource
	priority      []string
	chunkInterval time.Duration
	maxDuration   time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	active    *Session
	last      *Session
	onChunk   func(audio.AudioFrame)
	onLimit   func(*Session)
	onFailure func(*Session, error)
}

// New returns a capturer reading from dev.
func New(dev Device, opts ...Option) *Capturer {
	c := &Capturer{
		dev:           dev,
		priority:      DefaultPriority(),
		chunkInterval: defaultChunkInterval,
		maxDuration:   defaultMaxDuration,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnChunk registers the handler invoked once per chunk interval, in capture
// order. The frame's Data may be empty when the encoder is still buffering.
func (c *Capturer) OnChunk(fn func(audio.AudioFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChunk = fn
}

// OnLimit registers the handler called when a session reaches the maximum
// duration. Without a handler the capturer stops the session itself.
func (c *Capturer) OnLimit(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLimit = fn
}

// OnFailure registers the handler called after a read or encode failure has
// ended and finalized a session.
func (c *Capturer) OnFailure(fn func(*Session, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = fn
}

// Active returns the running session or nil.
func (c *Capturer) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start opens the device and begins a new session. If a session is already
// running it is returned unchanged. Failures are returned as [*Error].
func (c *Capturer) Start(ctx context.Context, cfg Config) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active, nil
	}
	if c.perm != nil && c.perm.Capability() != CapabilityGranted {
		return nil, &Error{Kind: NotPermitted}
	}

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	enc, err := encoding.Negotiate(c.priority, format)
	if err != nil {
		return nil, &Error{Kind: NoSupportedFormat, Err: err}
	}
	encoder, err := enc.NewEncoder(format)
	if err != nil {
		return nil, &Error{Kind: NoSupportedFormat, Err: err}
	}

	stream, err := c.dev.Open(cfg, framesFor(cfg.SampleRate, c.chunkInterval))
	if err != nil {
		kind := DeviceUnavailable
		if errors.Is(err, ErrPermissionDenied) {
			kind = NotPermitted
		}
		return nil, &Error{Kind: kind, Err: err}
	}

	s := &Session{
		id:        uuid.NewString(),
		mimeType:  encoding.SessionMIMEType(enc, format),
		format:    format,
		startedAt: time.Now(),
		stream:    stream,
		enc:       encoder,
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.active = s
	s.maxTimer = time.AfterFunc(c.maxDuration, func() { c.limit(s) })
	go c.readLoop(s)

	c.logger.Info("capture started", "session_id", s.id, "mime_type", s.mimeType, "format", format.String())
	return s, nil
}

// Stop finalizes the active session and returns it with true. Without an
// active session it returns the most recently finalized one (or nil) and
// false, so repeated calls never finalize twice.
func (c *Capturer) Stop() (*Session, bool) {
	c.mu.Lock()
	s := c.active
	if s == nil {
		last := c.last
		c.mu.Unlock()
		return last, false
	}
	c.active = nil
	c.last = s
	c.mu.Unlock()

	c.release(s, nil)
	return s, true
}

// StopSession stops s only if it is still the active session.
func (c *Capturer) StopSession(s *Session) bool {
	if !c.detach(s) {
		return false
	}
	c.release(s, nil)
	return true
}

func (c *Capturer) detach(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil || c.active != s {
		return false
	}
	c.active = nil
	c.last = s
	return true
}

func (c *Capturer) readLoop(s *Session) {
	defer close(s.loopDone)
	for {
		pcm, err := s.stream.Read()
		if err != nil {
			if !s.stopping.Load() {
				go c.fail(s, err)
			}
			return
		}
		// A buffer that completed while the device was closing is still
		// part of the recording; release waits for it before flushing.
		if len(pcm) > 0 {
			s.setLevel(audio.Level(pcm))
			data, err := s.enc.Encode(pcm)
			if err != nil {
				if !s.stopping.Load() {
					go c.fail(s, err)
				}
				return
			}
			c.deliver(s, data)
		}
		if s.stopping.Load() {
			return
		}
	}
}

func (c *Capturer) deliver(s *Session, data []byte) {
	f := s.append(data, c.chunkInterval)
	c.mu.Lock()
	fn := c.onChunk
	c.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// release runs the shared teardown for every way a session can end: stop
// reading, release the device, flush the encoder, finalize.
func (c *Capturer) release(s *Session, cause error) {
	s.stopping.Store(true)
	s.maxTimer.Stop()
	if err := s.stream.Close(); err != nil {
		c.logger.Warn("capture device close failed", "session_id", s.id, "err", err)
	}
	<-s.loopDone

	tail, err := s.enc.Flush()
	if err != nil {
		c.logger.Warn("encoder flush failed", "session_id", s.id, "err", err)
	} else if len(tail) > 0 {
		c.deliver(s, tail)
	}
	s.finalize(cause)
	c.logger.Info("capture stopped", "session_id", s.id, "chunks", len(s.Chunks()), "bytes", s.Size(), "duration", s.Duration())
}

func (c *Capturer) fail(s *Session, err error) {
	if !c.detach(s) {
		return
	}
	c.logger.Error("capture failed", "session_id", s.id, "err", err)
	c.release(s, err)

	c.mu.Lock()
	fn := c.onFailure
	c.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

func (c *Capturer) limit(s *Session) {
	c.mu.Lock()
	if c.active != s {
		c.mu.Unlock()
		return
	}
	fn := c.onLimit
	c.mu.Unlock()

	c.logger.Info("capture reached maximum duration", "session_id", s.id, "max", c.maxDuration)
	if fn != nil {
		fn(s)
		return
	}
	c.StopSession(s)
}
