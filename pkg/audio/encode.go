package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedChannels is returned by [Encode] for frames that are not mono.
var ErrUnsupportedChannels = errors.New("audio: only mono frames can be encoded")

// Encode converts a mono float frame to signed 16-bit PCM.
//
// Each sample is clamped to [-1.0, 1.0]. Negative values are scaled by 32768
// and non-negative values by 32767, so -1.0 maps to -32768 and 1.0 to 32767
// without wrapping. NaN is treated as silence.
func Encode(frame Frame) (EncodedFrame, error) {
	if frame.Channels != 1 {
		return EncodedFrame{}, fmt.Errorf("%w: got %d channels", ErrUnsupportedChannels, frame.Channels)
	}
	out := make([]int16, len(frame.Samples))
	for i, s := range frame.Samples {
		out[i] = floatToPCM16(s)
	}
	return EncodedFrame{Samples: out, SampleRate: frame.SampleRate}, nil
}

func floatToPCM16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s <= -1:
		return -32768
	case s >= 1:
		return 32767
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}
