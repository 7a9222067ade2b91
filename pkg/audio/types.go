// Package audio defines the frame types that flow from a capture device to
// the streaming transport, and the PCM conversions between them.
//
// Capture devices produce [Frame] values holding normalised float32 samples.
// [Encode] turns a mono frame into an [EncodedFrame] of signed 16-bit samples,
// whose [EncodedFrame.Bytes] form is the exact binary payload written to the
// wire: little-endian, no header.
//
// This package lives under pkg/ because it carries no dependency on the rest
// of the module and is useful to servers that consume the same wire format.
package audio

import "time"

// DefaultSampleRate is the only sample rate the streaming service accepts.
const DefaultSampleRate = 16000

// Frame is one fixed-size block of captured audio. Frames are immutable once
// produced; capture devices copy their buffers before handing a Frame out.
type Frame struct {
	// Samples holds normalised samples, nominally in [-1.0, 1.0]. Devices may
	// deliver values slightly outside that range; [Encode] clamps them.
	Samples []float32

	// SampleRate in Hz (16000 for the streaming service).
	SampleRate int

	// Channels is the interleaved channel count. Only mono (1) is encodable.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// EncodedFrame is a [Frame] converted to signed 16-bit PCM.
type EncodedFrame struct {
	Samples    []int16
	SampleRate int
}

// Len returns the size in bytes of the wire representation.
func (e EncodedFrame) Len() int { return len(e.Samples) * 2 }
