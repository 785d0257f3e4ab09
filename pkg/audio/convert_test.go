package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voicelink/pkg/audio"
)

func TestInt16RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	got := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		min     float64
		max     float64
	}{
		{name: "empty", samples: nil, min: 0, max: 0},
		{name: "silence", samples: make([]int16, 160), min: 0, max: 0},
		{name: "full scale", samples: []int16{math.MaxInt16, -math.MaxInt16}, min: 0.999, max: 1},
		{name: "quiet hum", samples: []int16{100, -100, 100, -100}, min: 0.002, max: 0.004},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Level(audio.Int16sToBytes(tc.samples))
			if got < tc.min || got > tc.max {
				t.Errorf("Level = %f; want in [%f, %f]", got, tc.min, tc.max)
			}
		})
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := audio.BytesToInt16s(audio.MonoToStereo(audio.Int16sToBytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := audio.BytesToInt16s(audio.StereoToMono(audio.Int16sToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResample16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16sToBytes([]int16{1, 2, 3})
		if out := audio.Resample16(pcm, 1, 16000, 16000); len(out) != len(pcm) {
			t.Fatalf("length = %d; want %d", len(out), len(pcm))
		}
	})

	t.Run("downsample 48k to 16k mono", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16sToBytes(make([]int16, 4800))
		out := audio.Resample16(pcm, 1, 48000, 16000)
		if got, want := len(out)/2, 1600; got != want {
			t.Fatalf("samples = %d; want %d", got, want)
		}
	})

	t.Run("stereo keeps channels separate", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 0, 8)
		for range 4 {
			in = append(in, 1000, -1000)
		}
		out := audio.BytesToInt16s(audio.Resample16(audio.Int16sToBytes(in), 2, 8000, 16000))
		if len(out) != 16 {
			t.Fatalf("samples = %d; want 16", len(out))
		}
		for i := 0; i < len(out); i += 2 {
			if out[i] != 1000 || out[i+1] != -1000 {
				t.Fatalf("frame %d = (%d, %d); want (1000, -1000)", i/2, out[i], out[i+1])
			}
		}
	})

	t.Run("invalid rate returns input", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16sToBytes([]int16{5, 6})
		if out := audio.Resample16(pcm, 1, 0, 16000); len(out) != len(pcm) {
			t.Fatalf("length = %d; want %d", len(out), len(pcm))
		}
	})
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	target := audio.Format{SampleRate: 16000, Channels: 1}

	t.Run("matching format passes through", func(t *testing.T) {
		t.Parallel()
		c := &audio.FormatConverter{Target: target}
		pcm := audio.Int16sToBytes([]int16{7, 8, 9})
		if out := c.Convert(pcm, target); &out[0] != &pcm[0] {
			t.Error("expected zero-copy pass-through")
		}
	})

	t.Run("48k stereo to 16k mono", func(t *testing.T) {
		t.Parallel()
		c := &audio.FormatConverter{Target: target}
		pcm := audio.Int16sToBytes(make([]int16, 4800*2))
		out := c.Convert(pcm, audio.Format{SampleRate: 48000, Channels: 2})
		if got, want := len(out)/2, 1600; got != want {
			t.Fatalf("samples = %d; want %d", got, want)
		}
	})

	t.Run("odd byte count dropped", func(t *testing.T) {
		t.Parallel()
		c := &audio.FormatConverter{Target: target}
		if out := c.Convert([]byte{1, 2, 3}, target); out != nil {
			t.Errorf("expected nil, got %d bytes", len(out))
		}
	})
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	if got := (audio.Format{SampleRate: 16000, Channels: 1}).String(); got != "16000Hz mono" {
		t.Errorf("got %q", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).BytesPerSecond(); got != 192000 {
		t.Errorf("BytesPerSecond = %d", got)
	}
}
