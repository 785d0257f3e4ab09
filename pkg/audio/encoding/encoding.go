// Package encoding converts captured PCM into the byte formats the remote
// service accepts and negotiates which of them the running process supports.
//
// An [Encoding] is a stateless descriptor registered by MIME type. Each
// capture session asks it for a fresh [Encoder], feeds one PCM buffer per
// chunk interval, and calls Flush once when the session stops. The encoded
// chunks of a session are later combined into a single payload with [Join].
package encoding

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrNoSupportedFormat is returned by [Negotiate] when none of the preferred
// MIME types is registered and available.
var ErrNoSupportedFormat = errors.New("encoding: no supported audio format")

// Encoder turns a stream of PCM buffers into encoded chunks. Encoders are
// stateful and not safe for concurrent use.
type Encoder interface {
	// Encode consumes one little-endian int16 PCM buffer and returns the
	// encoded bytes for it. The result may be empty if the encoder buffers
	// input across calls.
	Encode(pcm []byte) ([]byte, error)

	// Flush emits everything still buffered. The encoder must not be used
	// after Flush.
	Flush() ([]byte, error)
}

// Encoding describes one output format.
type Encoding interface {
	// MIMEType identifies the encoding on the wire. It is also the
	// registry key.
	MIMEType() string

	// Available returns nil when the encoding can be used in this process
	// for the given format, or an error describing why not.
	Available(f audio.Format) error

	// NewEncoder returns an encoder for one capture session.
	NewEncoder(f audio.Format) (Encoder, error)

	// Join combines a session's chunks into a single payload.
	Join(chunks [][]byte, f audio.Format) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Encoding{}
)

// Register makes e available under its MIME type. Subsequent registrations
// with the same type replace the previous one.
func Register(e Encoding) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalize(e.MIMEType())] = e
}

// Lookup returns the encoding registered for mimeType. When no exact match
// exists, parameters are stripped and the bare media type is tried, so
// "audio/pcm;rate=16000" resolves to the "audio/pcm" entry.
func Lookup(mimeType string) (Encoding, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	key := normalize(mimeType)
	if e, ok := registry[key]; ok {
		return e, true
	}
	base, _, found := strings.Cut(key, ";")
	if !found {
		return nil, false
	}
	e, ok := registry[base]
	return e, ok
}

// SessionMIMEType returns the MIME type a session using e should advertise.
// Encodings whose wire type depends on the format (such as PCM's rate
// parameter) implement MIMETypeFor; all others use their registry key.
func SessionMIMEType(e Encoding, f audio.Format) string {
	if s, ok := e.(interface{ MIMETypeFor(audio.Format) string }); ok {
		return s.MIMETypeFor(f)
	}
	return e.MIMEType()
}

// Negotiate walks priority in order and returns the first registered
// encoding that is available for f. Unavailable candidates are logged at
// debug level so that fallbacks can be diagnosed.
func Negotiate(priority []string, f audio.Format) (Encoding, error) {
	for _, mt := range priority {
		e, ok := Lookup(mt)
		if !ok {
			slog.Debug("encoding not registered", "mime_type", mt)
			continue
		}
		if err := e.Available(f); err != nil {
			slog.Debug("encoding unavailable", "mime_type", mt, "err", err)
			continue
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w (tried %s)", ErrNoSupportedFormat, strings.Join(priority, ", "))
}

// Join combines chunks produced under mimeType into one payload. Unknown
// MIME types fall back to plain concatenation, which is correct for every
// streamable format.
func Join(mimeType string, chunks [][]byte, f audio.Format) ([]byte, error) {
	if e, ok := Lookup(mimeType); ok {
		return e.Join(chunks, f)
	}
	return concat(chunks), nil
}

// concat appends chunks in order into a single buffer.
func concat(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// normalize lower-cases and strips whitespace so that "audio/ogg; codecs=opus"
// and "audio/ogg;codecs=opus" resolve to the same entry.
func normalize(mimeType string) string {
	return strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))
}

func init() {
	Register(PCM{})
	Register(WAV{})
	Register(Opus{})
}
