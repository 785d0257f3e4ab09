package encoding

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// WAV is 16-bit PCM in a RIFF/WAVE container. Chunks are raw PCM while the
// session runs; the header is only written by [WAV.Join], once the total
// length is known.
type WAV struct{}

// MIMEType implements [Encoding].
func (WAV) MIMEType() string { return "audio/wav" }

// Available implements [Encoding].
func (WAV) Available(f audio.Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return errors.New("wav: invalid format")
	}
	return nil
}

// NewEncoder implements [Encoding].
func (WAV) NewEncoder(audio.Format) (Encoder, error) { return pcmEncoder{}, nil }

// Join implements [Encoding]. It writes the concatenated PCM through the
// go-audio WAV encoder into memory.
func (WAV) Join(chunks [][]byte, f audio.Format) ([]byte, error) {
	samples := audio.BytesToInt16s(concat(chunks))
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: f.Channels,
			SampleRate:  f.SampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}

	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, f.SampleRate, 16, f.Channels, 1)
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("wav: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav: close: %w", err)
	}
	return ws.buf, nil
}

// memWriteSeeker is an in-memory io.WriteSeeker. The WAV encoder seeks back
// to patch the RIFF sizes on Close, which bytes.Buffer cannot do.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("wav: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("wav: negative position")
	}
	m.pos = int(abs)
	return abs, nil
}
