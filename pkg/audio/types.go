package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
// Samples are always signed 16-bit little-endian.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the size of one second of PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// AudioFrame is a single chunk of captured audio as delivered to chunk
// handlers. Data is already encoded in the capture session's negotiated
// encoding, so the frame is only meaningful together with MIMEType.
//
// Frames are produced by the capturer and handed to the codec once the turn
// is finalized. Holders must not retain Data after the turn has been sent.
type AudioFrame struct {
	// Data is the encoded payload for this chunk. It may be empty when the
	// encoder is still buffering (e.g. Opus waiting for a full 20ms frame).
	Data []byte

	// MIMEType is the encoding of the owning capture session
	// (e.g. "audio/ogg;codecs=opus").
	MIMEType string

	// Seq is the zero-based position of the chunk within its session.
	Seq int

	// Timestamp is the capture offset of the chunk relative to session start.
	Timestamp time.Duration
}
