package encoding

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// PCM is raw 16-bit little-endian PCM. It is always available and is the
// native input format of Gemini Live. The registry key is "audio/pcm"; the
// rate parameter is added per session by [PCM.MIMETypeFor].
type PCM struct{}

// MIMEType implements [Encoding].
func (PCM) MIMEType() string { return "audio/pcm" }

// MIMETypeFor returns the MIME type with the session's sample rate, the form
// the remote service expects on inline data.
func (PCM) MIMETypeFor(f audio.Format) string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Available implements [Encoding].
func (PCM) Available(f audio.Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return errors.New("pcm: invalid format")
	}
	return nil
}

// NewEncoder implements [Encoding].
func (PCM) NewEncoder(audio.Format) (Encoder, error) { return pcmEncoder{}, nil }

// Join implements [Encoding].
func (PCM) Join(chunks [][]byte, _ audio.Format) ([]byte, error) { return concat(chunks), nil }

type pcmEncoder struct{}

func (pcmEncoder) Encode(pcm []byte) ([]byte, error) {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

func (pcmEncoder) Flush() ([]byte, error) { return nil, nil }
