package capture

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/encoding"
)

// Session is one microphone acquisition. It is created by [Capturer.Start]
// and never reused. Its chunk sequence is append-only while the session runs
// and immutable once [Session.Done] is closed.
type Session struct {
	id        string
	mimeType  string
	format    audio.Format
	startedAt time.Time

	stream   Stream
	enc      encoding.Encoder
	maxTimer *time.Timer

	mu      sync.Mutex
	chunks  [][]byte
	size    int
	seq     int
	endedAt time.Time
	err     error

	level    atomic.Uint64
	stopping atomic.Bool
	loopDone chan struct{}
	done     chan struct{}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// MIMEType returns the negotiated encoding of the session's chunks.
func (s *Session) MIMEType() string { return s.mimeType }

// Format returns the PCM format fed to the encoder.
func (s *Session) Format() audio.Format { return s.format }

// StartedAt returns when the device was opened.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Chunks returns the encoded chunks in capture order. The returned slice is a
// copy; the chunk bytes are shared and must not be modified.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Size returns the total number of encoded bytes captured so far.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Level returns the normalized RMS level of the most recent buffer.
func (s *Session) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Done is closed when the session has been finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// Finalized reports whether the session has been finalized.
func (s *Session) Finalized() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Duration returns the capture duration. While the session runs it is the
// time elapsed so far.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return time.Since(s.startedAt)
	}
	return s.endedAt.Sub(s.startedAt)
}

// Err returns the read or encode failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setLevel(v float64) {
	s.level.Store(math.Float64bits(v))
}

// append records one encoded chunk and returns the frame describing it.
func (s *Session) append(data []byte, interval time.Duration) audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) > 0 {
		s.chunks = append(s.chunks, data)
		s.size += len(data)
	}
	f := audio.AudioFrame{
		Data:      data,
		MIMEType:  s.mimeType,
		Seq:       s.seq,
		Timestamp: time.Duration(s.seq) * interval,
	}
	s.seq++
	return f
}

func (s *Session) finalize(err error) {
	s.mu.Lock()
	s.endedAt = time.Now()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}
