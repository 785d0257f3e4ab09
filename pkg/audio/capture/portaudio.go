package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicelink/pkg/audio"
)

var errStreamClosed = errors.New("capture: stream closed")

// PortAudio is a [Device] backed by the system default input through
// PortAudio. Create it with [NewPortAudio] and Close it on shutdown.
type PortAudio struct {
	logger *slog.Logger
}

var _ Device = (*PortAudio)(nil)

// NewPortAudio initializes the PortAudio library.
func NewPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %w", ErrNotSupported, err)
	}
	return &PortAudio{logger: slog.Default()}, nil
}

// Close terminates the PortAudio library. Streams must be closed first.
func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

// Open implements [Device]. PortAudio has no input processing, so the
// processing hints in cfg are ignored. If the device rejects cfg.SampleRate
// the stream is opened at the device default rate and converted.
func (p *PortAudio) Open(cfg Config, frames int) (Stream, error) {
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		p.logger.Debug("portaudio cannot apply input processing; capturing raw input",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return nil, ErrDeviceNotFound
	}

	want := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	src := want
	if src.Channels > dev.MaxInputChannels {
		src.Channels = dev.MaxInputChannels
	}

	s, err := openStream(dev, src, frames)
	if errors.Is(err, portaudio.InvalidSampleRate) && int(dev.DefaultSampleRate) != src.SampleRate {
		p.logger.Info("input device rejected sample rate; resampling from device default",
			"device", dev.Name, "requested", src.SampleRate, "default", int(dev.DefaultSampleRate))
		src.SampleRate = int(dev.DefaultSampleRate)
		s, err = openStream(dev, src, framesFor(src.SampleRate, chunkDuration(frames, want.SampleRate)))
	}
	if err != nil {
		return nil, classify(err)
	}
	s.conv = &audio.FormatConverter{Target: want}
	s.src = src
	return s, nil
}

func openStream(dev *portaudio.DeviceInfo, f audio.Format, frames int) (*paStream, error) {
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = frames

	buf := make([]int16, frames*f.Channels)
	st, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &paStream{st: st, buf: buf}, nil
}

// classify maps PortAudio error codes onto the capture sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
	case errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	case errors.Is(err, portaudio.InvalidSampleRate),
		errors.Is(err, portaudio.InvalidChannelCount),
		errors.Is(err, portaudio.SampleFormatNotSupported),
		errors.Is(err, portaudio.NotInitialized):
		return fmt.Errorf("%w: %w", ErrNotSupported, err)
	default:
		return fmt.Errorf("capture: portaudio: %w", err)
	}
}

// paStream serializes Read and Close: PortAudio streams must not be read
// after they are closed.
type paStream struct {
	mu     sync.Mutex
	st     *portaudio.Stream
	buf    []int16
	src    audio.Format
	conv   *audio.FormatConverter
	closed bool
}

func (s *paStream) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStreamClosed
	}
	if err := s.st.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("capture: read: %w", err)
	}
	return s.conv.Convert(audio.Int16sToBytes(s.buf), s.src), nil
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.st.Stop(), s.st.Close())
}
