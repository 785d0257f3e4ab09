package encoding

import (
	"bytes"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	// opusFrameMs is the Opus frame duration used for voice.
	opusFrameMs = 20

	// opusGranuleStep is the Ogg granule increment per frame. Ogg Opus
	// granule positions always count 48 kHz samples.
	opusGranuleStep = 48000 * opusFrameMs / 1000

	// opusMaxPacket bounds a single encoded packet.
	opusMaxPacket = 4000
)

// Opus is Opus-compressed audio in an Ogg container. Ogg pages are
// self-delimiting, so the per-chunk output of a session can be concatenated
// into a valid stream.
type Opus struct{}

// MIMEType implements [Encoding].
func (Opus) MIMEType() string { return "audio/ogg;codecs=opus" }

// Available implements [Encoding]. Opus supports a fixed set of sample rates
// and at most two channels; the libopus binding must also be usable.
func (Opus) Available(f audio.Format) error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("opus: unsupported channel count %d", f.Channels)
	}
	if _, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip); err != nil {
		return fmt.Errorf("opus: %w", err)
	}
	return nil
}

// NewEncoder implements [Encoding].
func (o Opus) NewEncoder(f audio.Format) (Encoder, error) {
	if err := o.Available(f); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	out := &bytes.Buffer{}
	ogg, err := oggwriter.NewWith(out, uint32(f.SampleRate), uint16(f.Channels))
	if err != nil {
		return nil, fmt.Errorf("opus: create ogg writer: %w", err)
	}
	return &opusEncoder{
		enc:       enc,
		ogg:       ogg,
		out:       out,
		channels:  f.Channels,
		frameSize: f.SampleRate * opusFrameMs / 1000,
	}, nil
}

// Join implements [Encoding].
func (Opus) Join(chunks [][]byte, _ audio.Format) ([]byte, error) { return concat(chunks), nil }

// opusEncoder buffers PCM until a full 20ms frame is available, encodes it,
// and wraps each packet in an Ogg page. The Ogg headers are emitted with the
// first chunk.
type opusEncoder struct {
	enc       *gopus.Encoder
	ogg       *oggwriter.OggWriter
	out       *bytes.Buffer
	pending   []int16
	channels  int
	frameSize int
	seq       uint16
	granule   uint32
}

func (e *opusEncoder) Encode(pcm []byte) ([]byte, error) {
	e.pending = append(e.pending, audio.BytesToInt16s(pcm)...)
	step := e.frameSize * e.channels
	for len(e.pending) >= step {
		if err := e.writeFrame(e.pending[:step]); err != nil {
			return nil, err
		}
		e.pending = e.pending[step:]
	}
	return e.drain(), nil
}

func (e *opusEncoder) Flush() ([]byte, error) {
	if len(e.pending) > 0 {
		frame := make([]int16, e.frameSize*e.channels)
		copy(frame, e.pending)
		e.pending = nil
		if err := e.writeFrame(frame); err != nil {
			return nil, err
		}
	}
	if err := e.ogg.Close(); err != nil {
		return nil, fmt.Errorf("opus: close ogg writer: %w", err)
	}
	return e.drain(), nil
}

func (e *opusEncoder) writeFrame(frame []int16) error {
	packet, err := e.enc.Encode(frame, e.frameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("opus: encode: %w", err)
	}
	e.granule += opusGranuleStep
	err = e.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: e.seq,
			Timestamp:      e.granule,
		},
		Payload: packet,
	})
	e.seq++
	if err != nil {
		return fmt.Errorf("opus: write ogg page: %w", err)
	}
	return nil
}

// drain returns and clears everything the Ogg writer has produced so far.
func (e *opusEncoder) drain() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	b := make([]byte, e.out.Len())
	copy(b, e.out.Bytes())
	e.out.Reset()
	return b
}
