// Package mock provides in-memory implementations of [capture.Device] and
// [capture.Stream] for use in unit tests.
//
// Streams do not produce audio on their own. Tests push PCM buffers with
// [Stream.Push] and inject failures with [Stream.Fail]; each pushed buffer is
// returned by exactly one Read.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	c := capture.New(dev)
//	sess, _ := c.Start(ctx, capture.DefaultConfig())
//	dev.LastStream().Push(pcm)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio/capture"
)

// ErrClosed is returned by Read after the stream is closed.
var ErrClosed = errors.New("mock: stream closed")

// OpenCall records the arguments of one [Device.Open] invocation.
type OpenCall struct {
	Config capture.Config
	Frames int
}

// Device is a mock [capture.Device]. Set OpenErr to make Open fail.
type Device struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records every Open invocation in order.
	OpenCalls []OpenCall

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream
}

var _ capture.Device = (*Device)(nil)

// Open implements [capture.Device].
func (d *Device) Open(cfg capture.Config, frames int) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Config: cfg, Frames: frames})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := NewStream()
	d.Streams = append(d.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// OpenCount returns how many times Open was called.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

type readResult struct {
	pcm []byte
	err error
}

// Stream is a mock [capture.Stream].
type Stream struct {
	reads  chan readResult
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	closeCount int
}

var _ capture.Stream = (*Stream)(nil)

// NewStream returns an open stream.
func NewStream() *Stream {
	return &Stream{
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

// Push queues one PCM buffer for Read.
func (s *Stream) Push(pcm []byte) {
	s.reads <- readResult{pcm: pcm}
}

// Fail makes the next Read return err.
func (s *Stream) Fail(err error) {
	s.reads <- readResult{err: err}
}

// Pending returns the number of queued buffers not yet read.
func (s *Stream) Pending() int { return len(s.reads) }

// Read implements [capture.Stream].
func (s *Stream) Read() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case r := <-s.reads:
		return r.pcm, r.err
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
