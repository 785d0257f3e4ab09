// Package audio holds the PCM primitives shared by the capture, encoding, and
// silence packages: formats, frames, level measurement, and format conversion.
package audio

import "math"

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Level returns the RMS amplitude of little-endian int16 PCM normalised to
// [0, 1]. Empty input is silent.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / math.MaxInt16
		sum += s * s
	}
	level := math.Sqrt(sum / float64(n))
	if level > 1 {
		return 1
	}
	return level
}
