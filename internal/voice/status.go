package voice

import (
	"sync"

	"github.com/MrWong99/voicelink/internal/connection"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
)

// Snapshot is a point-in-time copy of a [Status].
type Snapshot struct {
	Recording  bool
	Connection connection.State
	Capability capture.Capability

	// Reason is why the capability was denied. It is [capture.ReasonNone]
	// unless Capability is [capture.CapabilityDenied].
	Reason capture.Reason
}

// Connected reports whether the connection is open.
func (s Snapshot) Connected() bool { return s.Connection == connection.Open }

// Status holds the flags the rest of the application renders: whether a
// recording is running, whether the connection is open, and whether the
// microphone may be used. It is owned by one [Controller] and passed to the
// collaborators that update it. All methods are safe for concurrent use.
type Status struct {
	mu       sync.Mutex
	snap     Snapshot
	watchers map[int]func(Snapshot)
	nextID   int
}

var (
	_ capture.CapabilitySink   = (*Status)(nil)
	_ capture.CapabilitySource = (*Status)(nil)
)

// NewStatus returns a status with unknown capability and no connection.
func NewStatus() *Status {
	return &Status{watchers: make(map[int]func(Snapshot))}
}

// Snapshot returns the current flags.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// IsRecording reports whether a recording is running.
func (s *Status) IsRecording() bool { return s.Snapshot().Recording }

// IsConnected reports whether the connection is open.
func (s *Status) IsConnected() bool { return s.Snapshot().Connected() }

// Capability implements [capture.CapabilitySource].
func (s *Status) Capability() capture.Capability { return s.Snapshot().Capability }

// CapabilityGranted reports whether the last probe succeeded.
func (s *Status) CapabilityGranted() bool {
	return s.Capability() == capture.CapabilityGranted
}

// SetCapability implements [capture.CapabilitySink].
func (s *Status) SetCapability(res capture.CapabilityResult) {
	s.update(func(snap *Snapshot) {
		snap.Capability = res.Capability()
		snap.Reason = res.Reason
		if res.Granted {
			snap.Reason = capture.ReasonNone
		}
	})
}

func (s *Status) setRecording(v bool) {
	s.update(func(snap *Snapshot) { snap.Recording = v })
}

func (s *Status) setConnection(st connection.State) {
	s.update(func(snap *Snapshot) { snap.Connection = st })
}

// Watch registers fn to be called with the new snapshot after every change.
// fn runs on the goroutine that made the change and must not block. The
// returned function removes the watcher.
func (s *Status) Watch(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Status) update(fn func(*Snapshot)) {
	s.mu.Lock()
	before := s.snap
	fn(&s.snap)
	after := s.snap
	var notify []func(Snapshot)
	if after != before {
		notify = make([]func(Snapshot), 0, len(s.watchers))
		for _, w := range s.watchers {
			notify = append(notify, w)
		}
	}
	s.mu.Unlock()

	for _, w := range notify {
		w(after)
	}
}
