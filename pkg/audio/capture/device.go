// Package capture acquires microphone audio and turns it into encoded capture
// sessions.
//
// A [Gate] probes the input device once and records whether capture is
// possible. A [Capturer] owns at most one [Session] at a time: it opens the
// [Device], reads one PCM buffer per chunk interval, encodes it with the
// negotiated [encoding.Encoding], and appends the result to the session until
// [Capturer.Stop] finalizes it.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio/encoding"
)

// Device errors. Implementations wrap their native errors with one of these so
// that the [Gate] and [Capturer] can classify failures with [errors.Is].
var (
	// ErrPermissionDenied means the process is not allowed to open the input.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceNotFound means no input device exists.
	ErrDeviceNotFound = errors.New("capture: no input device")

	// ErrDeviceBusy means the input exists but is held by someone else.
	ErrDeviceBusy = errors.New("capture: device busy")

	// ErrNotSupported means the runtime cannot capture audio in the requested
	// configuration at all.
	ErrNotSupported = errors.New("capture: not supported")
)

// Config is the requested capture configuration.
type Config struct {
	// SampleRate in Hz. PCM delivered by a [Stream] is always at this rate.
	SampleRate int

	// Channels is the channel count (1 = mono).
	Channels int

	// Input processing hints. Devices apply them when they can.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConfig returns 16 kHz mono with all processing hints enabled.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Device opens input streams.
type Device interface {
	// Open acquires the input exclusively. frames is the number of samples per
	// channel each [Stream.Read] should return.
	Open(cfg Config, frames int) (Stream, error)
}

// Stream is an open input.
type Stream interface {
	// Read blocks until one buffer of little-endian int16 PCM in the
	// configured format is available. After Close it returns an error.
	Read() ([]byte, error)

	// Close releases the input and unblocks a pending Read.
	Close() error
}

// ErrorKind classifies a [Capturer.Start] failure.
type ErrorKind int

const (
	// NotPermitted means the capability probe did not grant access.
	NotPermitted ErrorKind = iota + 1

	// DeviceUnavailable means the input could not be opened.
	DeviceUnavailable

	// NoSupportedFormat means none of the preferred encodings is usable.
	NoSupportedFormat
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case NotPermitted:
		return "NotPermitted"
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case NoSupportedFormat:
		return "NoSupportedFormat"
	default:
		return "Unknown"
	}
}

// Error is returned by [Capturer.Start].
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "capture: " + e.Kind.String()
	}
	return fmt.Sprintf("capture: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// framesFor returns the per-channel sample count of one chunk interval.
func framesFor(sampleRate int, interval time.Duration) int {
	n := int(int64(sampleRate) * int64(interval) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// defaultPriority is tried in order when no encoding priority is configured.
var defaultPriority = []string{
	encoding.Opus{}.MIMEType(),
	encoding.PCM{}.MIMEType(),
	encoding.WAV{}.MIMEType(),
}

// DefaultPriority returns a copy of the default encoding preference order.
func DefaultPriority() []string {
	return append([]string(nil), defaultPriority...)
}

// chunkDuration is the inverse of framesFor.
func chunkDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return defaultChunkInterval
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
