package audio

import (
	"encoding/binary"
	"math"
)

// Bytes returns the little-endian wire form of the frame.
func (e EncodedFrame) Bytes() []byte {
	buf := make([]byte, e.Len())
	for i, s := range e.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DecodeFloat32LE parses little-endian IEEE-754 float32 samples, the raw
// "f32le" format produced by ffmpeg. Trailing partial samples are ignored.
func DecodeFloat32LE(b []byte) []float32 {
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return samples
}

// Downmix averages interleaved multi-channel samples into a mono signal.
// Mono input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	mono := make([]float32, n)
	for i := range n {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
