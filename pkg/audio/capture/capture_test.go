package capture_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/capture/mock"
)

var pcmOnly = capture.WithEncodingPriority([]string{"audio/pcm"})

type sinkRecorder struct {
	mu      sync.Mutex
	results []capture.CapabilityResult
}

func (s *sinkRecorder) SetCapability(r capture.CapabilityResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

type fixedCapability capture.Capability

func (f fixedCapability) Capability() capture.Capability { return capture.Capability(f) }

func tone(n int, amp int16) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.Int16sToBytes(s)
}

func waitDone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestGate_Probe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		openErr error
		granted bool
		reason  capture.Reason
	}{
		{name: "granted", granted: true, reason: capture.ReasonNone},
		{name: "permission denied", openErr: capture.ErrPermissionDenied, reason: capture.ReasonPermissionDenied},
		{name: "busy wrapped", openErr: fmt.Errorf("pa: %w", capture.ErrDeviceBusy), reason: capture.ReasonDeviceBusy},
		{name: "not found", openErr: capture.ErrDeviceNotFound, reason: capture.ReasonDeviceNotFound},
		{name: "not supported", openErr: capture.ErrNotSupported, reason: capture.ReasonNotSupported},
		{name: "unknown", openErr: errors.New("boom"), reason: capture.ReasonUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dev := &mock.Device{OpenErr: tc.openErr}
			sink := &sinkRecorder{}
			g := capture.NewGate(dev, capture.DefaultConfig(), sink)

			res := g.Probe(context.Background())
			if res.Granted != tc.granted || res.Reason != tc.reason {
				t.Fatalf("Probe = {%v %v}; want {%v %v}", res.Granted, res.Reason, tc.granted, tc.reason)
			}
			if len(sink.results) != 1 || sink.results[0].Reason != tc.reason {
				t.Errorf("sink got %+v", sink.results)
			}
			if tc.granted {
				if s := dev.LastStream(); s == nil || !s.Closed() {
					t.Error("probe stream was not released")
				}
			} else if res.Reason.Guidance() == "" {
				t.Error("denied result has no guidance")
			}
		})
	}
}

func TestGate_ProbeWithoutDevice(t *testing.T) {
	t.Parallel()
	res := capture.NewGate(nil, capture.DefaultConfig(), nil).Probe(context.Background())
	if res.Granted || res.Reason != capture.ReasonNotSupported {
		t.Fatalf("Probe = %+v; want NotSupported", res)
	}
	if res.Capability() != capture.CapabilityDenied {
		t.Errorf("Capability = %v", res.Capability())
	}
}

func TestCapturer_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dev  *mock.Device
		opts []capture.Option
		kind capture.ErrorKind
	}{
		{
			name: "not permitted",
			dev:  &mock.Device{},
			opts: []capture.Option{pcmOnly, capture.WithPermission(fixedCapability(capture.CapabilityDenied))},
			kind: capture.NotPermitted,
		},
		{
			name: "permission unknown",
			dev:  &mock.Device{},
			opts: []capture.Option{pcmOnly, capture.WithPermission(fixedCapability(capture.CapabilityUnknown))},
			kind: capture.NotPermitted,
		},
		{
			name: "no supported format",
			dev:  &mock.Device{},
			opts: []capture.Option{capture.WithEncodingPriority([]string{"audio/webm;codecs=opus"})},
			kind: capture.NoSupportedFormat,
		},
		{
			name: "device busy",
			dev:  &mock.Device{OpenErr: capture.ErrDeviceBusy},
			opts: []capture.Option{pcmOnly},
			kind: capture.DeviceUnavailable,
		},
		{
			name: "device permission",
			dev:  &mock.Device{OpenErr: capture.ErrPermissionDenied},
			opts: []capture.Option{pcmOnly},
			kind: capture.NotPermitted,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := capture.New(tc.dev, tc.opts...)
			s, err := c.Start(context.Background(), capture.DefaultConfig())
			if s != nil {
				t.Errorf("Start returned session %v on failure", s.ID())
			}
			var ce *capture.Error
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v; want *capture.Error", err)
			}
			if ce.Kind != tc.kind {
				t.Errorf("Kind = %v; want %v", ce.Kind, tc.kind)
			}
			if c.Active() != nil {
				t.Error("failed Start left an active session")
			}
		})
	}
}

func TestCapturer_StartWhileActiveIsNoop(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev, pcmOnly)
	first, err := c.Start(context.Background(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	second, err := c.Start(context.Background(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first != second {
		t.Error("second Start returned a different session")
	}
	if dev.OpenCount() != 1 {
		t.Errorf("device opened %d times; want 1", dev.OpenCount())
	}
	if got := dev.OpenCalls[0].Frames; got != 1600 {
		t.Errorf("frames per read = %d; want 1600 (100ms at 16kHz)", got)
	}
	if first.MIMEType() != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", first.MIMEType())
	}
}

func TestCapturer_ChunksAndStop(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev, pcmOnly)

	got := make(chan audio.AudioFrame, 8)
	c.OnChunk(func(f audio.AudioFrame) { got <- f })

	s, err := c.Start(context.Background(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := dev.LastStream()
	bufs := [][]byte{tone(4, 1000), tone(4, 2000), tone(4, 3000)}
	for _, b := range bufs {
		stream.Push(b)
	}
	for i := range bufs {
		select {
		case f := <-got:
			if f.Seq != i {
				t.Errorf("frame %d has Seq %d", i, f.Seq)
			}
			if f.Timestamp != time.Duration(i)*100*time.Millisecond {
				t.Errorf("frame %d Timestamp = %v", i, f.Timestamp)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chunk %d", i)
		}
	}
	if s.Level() <= 0 {
		t.Error("Level not updated from captured audio")
	}

	stopped, ok := c.Stop()
	if !ok || stopped != s {
		t.Fatalf("Stop = (%v, %v); want the active session and true", stopped, ok)
	}
	if !s.Finalized() || !stream.Closed() {
		t.Fatal("Stop did not finalize the session and release the device")
	}
	chunks := s.Chunks()
	if len(chunks) != len(bufs) {
		t.Fatalf("got %d chunks; want %d", len(chunks), len(bufs))
	}
	for i := range bufs {
		if !bytes.Equal(chunks[i], bufs[i]) {
			t.Errorf("chunk %d out of order", i)
		}
	}

	again, ok := c.Stop()
	if ok || again != s {
		t.Errorf("second Stop = (%v, %v); want same session and false", again, ok)
	}
	if len(again.Chunks()) != len(chunks) {
		t.Error("second Stop changed the chunk sequence")
	}
	if stream.CloseCount() != 1 {
		t.Errorf("device closed %d times; want 1", stream.CloseCount())
	}
}

func TestCapturer_StopWithoutSession(t *testing.T) {
	t.Parallel()
	c := capture.New(&mock.Device{}, pcmOnly)
	if s, ok := c.Stop(); s != nil || ok {
		t.Errorf("Stop = (%v, %v); want (nil, false)", s, ok)
	}
}

func TestCapturer_MaxDuration(t *testing.T) {
	t.Parallel()

	t.Run("stops itself without handler", func(t *testing.T) {
		t.Parallel()
		c := capture.New(&mock.Device{}, pcmOnly, capture.WithMaxDuration(30*time.Millisecond))
		s, err := c.Start(context.Background(), capture.DefaultConfig())
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitDone(t, s.Done(), "max duration stop")
		if c.Active() != nil {
			t.Error("session still active after limit")
		}
	})

	t.Run("handler decides", func(t *testing.T) {
		t.Parallel()
		c := capture.New(&mock.Device{}, pcmOnly, capture.WithMaxDuration(30*time.Millisecond))
		limited := make(chan *capture.Session, 1)
		c.OnLimit(func(s *capture.Session) { limited <- s })

		s, err := c.Start(context.Background(), capture.DefaultConfig())
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		select {
		case got := <-limited:
			if got != s {
				t.Error("limit handler got a different session")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("limit handler not called")
		}
		if s.Finalized() {
			t.Error("session finalized before the handler stopped it")
		}
		if !c.StopSession(s) {
			t.Error("StopSession returned false for the active session")
		}
		if c.StopSession(s) {
			t.Error("StopSession on a finalized session returned true")
		}
	})
}

func TestCapturer_ReadFailure(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev, pcmOnly)
	failed := make(chan error, 1)
	c.OnFailure(func(_ *capture.Session, err error) { failed <- err })

	s, err := c.Start(context.Background(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	readErr := errors.New("device unplugged")
	dev.LastStream().Fail(readErr)

	select {
	case got := <-failed:
		if !errors.Is(got, readErr) {
			t.Errorf("OnFailure err = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}
	if !s.Finalized() || !errors.Is(s.Err(), readErr) {
		t.Errorf("session finalized=%v err=%v", s.Finalized(), s.Err())
	}
	if !dev.LastStream().Closed() {
		t.Error("device not released after failure")
	}
	if c.Active() != nil {
		t.Error("failed session still active")
	}

	// A new session can start after a failure.
	next, err := c.Start(context.Background(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if next == s {
		t.Error("session reused")
	}
	c.Stop()
}

// closingDevice hands out streams whose pending Read completes with one last
// buffer when the input is closed, the way a hardware callback finishes the
// period it was filling.
type closingDevice struct {
	last []byte
	s    *closingStream
}

func (d *closingDevice) Open(capture.Config, int) (capture.Stream, error) {
	d.s = &closingStream{last: d.last, closed: make(chan struct{})}
	return d.s, nil
}

type closingStream struct {
	last   []byte
	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
	served bool
}

func (s *closingStream) Read() ([]byte, error) {
	<-s.closed
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return nil, errors.New("stream closed")
	}
	s.served = true
	return s.last, nil
}

func (s *closingStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestCapturer_StopKeepsInFlightBuffer(t *testing.T) {
	t.Parallel()

	last := tone(4, 1500)
	dev := &closingDevice{last: last}
	c := capture.New(dev, pcmOnly)

	var delivered []audio.AudioFrame
	var mu sync.Mutex
	c.OnChunk(func(f audio.AudioFrame) {
		mu.Lock()
		delivered = append(delivered, f)
		mu.Unlock()
	})

	s, err := c.Start(context.Background(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := c.Stop(); !ok {
		t.Fatal("Stop found no active session")
	}

	chunks := s.Chunks()
	if len(chunks) != 1 || !bytes.Equal(chunks[0], last) {
		t.Fatalf("chunks = %v; want the buffer read while stopping", chunks)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Errorf("OnChunk called %d times; want 1", len(delivered))
	}
	if s.Err() != nil {
		t.Errorf("session err = %v; want nil for a requested stop", s.Err())
	}
}
