// Package capture turns a microphone (or a stand-in source) into a stream of
// immutable [audio.Frame] values.
//
// A [Device] opens a [Stream] that invokes a callback on its own goroutine for
// every buffer of samples. The [Engine] owns one such stream at a time: it
// copies each device buffer into a fresh frame, timestamps it, counts it and
// hands it to a [FrameHandler]. Device acquisition failures surface as
// [ErrDeviceUnavailable]; a stream that ends without being closed by the
// engine is reported once on [Engine.Lost] wrapped in [ErrDeviceLost].
//
// Three devices ship with the package:
//   - [PortAudioDevice] reads the default input device through PortAudio.
//   - [FFmpegDevice] runs an ffmpeg subprocess and reads raw float32 PCM.
//   - [ToneDevice] synthesises a sine tone (or silence) in real time.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable is returned by [Engine.Start] when the device cannot
	// be opened. The engine does not retry.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrDeviceLost wraps the reason a running stream ended on its own.
	ErrDeviceLost = errors.New("capture: device lost")

	// ErrAlreadyStarted is returned by [Engine.Start] while a stream is open.
	ErrAlreadyStarted = errors.New("capture: already started")
)

// StreamConfig describes the PCM layout a device must deliver.
type StreamConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// SampleFunc receives one buffer of interleaved samples in [-1, 1]. The slice
// is only valid for the duration of the call; devices may reuse it.
type SampleFunc func(samples []float32)

// Device opens capture streams.
type Device interface {
	// Name identifies the device in logs and errors.
	Name() string

	// Open acquires the device and starts invoking fn. ctx bounds the
	// acquisition only; the stream runs until Close.
	Open(ctx context.Context, cfg StreamConfig, fn SampleFunc) (Stream, error)
}

// Stream is a running capture.
type Stream interface {
	// Done is closed when the stream stops delivering samples, whether
	// through Close or on its own.
	Done() <-chan struct{}

	// Err reports why the stream ended. It is nil while running and after a
	// clean Close.
	Err() error

	// Close releases the device. It is safe to call more than once.
	Close() error
}
