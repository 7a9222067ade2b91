package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/micstream/internal/observe"
	"github.com/MrWong99/micstream/pkg/audio"
)

// DefaultFramesPerBuffer is the number of samples per captured frame
// (256 ms at 16 kHz).
const DefaultFramesPerBuffer = 4096

// errStreamEnded is reported when a stream finishes without an error of its own.
var errStreamEnded = errors.New("stream ended")

// FrameHandler consumes captured frames. It runs on the device's goroutine and
// must not block.
type FrameHandler func(audio.Frame)

// Config controls the PCM layout requested from the device.
type Config struct {
	// SampleRate in Hz. Defaults to [audio.DefaultSampleRate].
	SampleRate int

	// FramesPerBuffer is the number of samples per frame. Defaults to
	// [DefaultFramesPerBuffer].
	FramesPerBuffer int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics sets the metrics the engine records into.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine owns the capture device for one recording session.
//
// All methods are safe for concurrent use.
type Engine struct {
	device  Device
	cfg     StreamConfig
	handler FrameHandler
	metrics *observe.Metrics
	log     *slog.Logger

	lost chan error

	mu     sync.Mutex
	stream Stream
	gen    uint64
	// samples counts samples delivered in the current stream; frame
	// timestamps derive from it.
	samples int64
}

// New creates an engine for device. handler receives every captured frame.
func New(device Device, cfg Config, handler FrameHandler, opts ...Option) (*Engine, error) {
	if device == nil {
		return nil, errors.New("capture: device must not be nil")
	}
	if handler == nil {
		return nil, errors.New("capture: frame handler must not be nil")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FramesPerBuffer == 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.SampleRate < 0 || cfg.FramesPerBuffer < 0 {
		return nil, fmt.Errorf("capture: invalid config: sample rate %d, frames per buffer %d", cfg.SampleRate, cfg.FramesPerBuffer)
	}
	e := &Engine{
		device: device,
		cfg: StreamConfig{
			SampleRate:      cfg.SampleRate,
			Channels:        1,
			FramesPerBuffer: cfg.FramesPerBuffer,
		},
		handler: handler,
		log:     slog.Default(),
		lost:    make(chan error, 1),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Start opens the device. Failure to acquire it is returned wrapped in
// [ErrDeviceUnavailable] and no frames are delivered.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return ErrAlreadyStarted
	}

	e.gen++
	gen := e.gen
	e.samples = 0
	st, err := e.device.Open(ctx, e.cfg, func(samples []float32) { e.deliver(gen, samples) })
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, e.device.Name(), err)
	}
	e.stream = st
	go e.watch(gen, st)

	e.log.Info("capture started",
		"device", e.device.Name(),
		"sample_rate", e.cfg.SampleRate,
		"frames_per_buffer", e.cfg.FramesPerBuffer,
	)
	return nil
}

// Stop releases the device. It is a no-op when the engine is not running and
// safe to call repeatedly.
func (e *Engine) Stop() error {
	e.mu.Lock()
	st := e.stream
	if st == nil {
		e.mu.Unlock()
		return nil
	}
	e.stream = nil
	e.gen++
	e.mu.Unlock()

	if err := st.Close(); err != nil {
		return fmt.Errorf("capture: close %s: %w", e.device.Name(), err)
	}
	e.log.Info("capture stopped", "device", e.device.Name())
	return nil
}

// Running reports whether a stream is open.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream != nil
}

// Lost delivers at most one pending [ErrDeviceLost] per lost stream. The
// engine has already released the device when the error is sent.
func (e *Engine) Lost() <-chan error { return e.lost }

func (e *Engine) deliver(gen uint64, samples []float32) {
	if len(samples) == 0 {
		return
	}
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	offset := e.samples
	e.samples += int64(len(samples))
	e.mu.Unlock()

	frame := audio.Frame{
		Samples:    append([]float32(nil), samples...),
		SampleRate: e.cfg.SampleRate,
		Channels:   1,
		Timestamp:  sampleTime(offset, e.cfg.SampleRate),
	}
	e.metrics.FramesCaptured.Add(context.Background(), 1)
	e.handler(frame)
}

// sampleTime converts a sample offset to a stream time. Whole seconds are
// split off first so that long sessions cannot overflow the nanosecond
// product.
func sampleTime(offset int64, rate int) time.Duration {
	r := int64(rate)
	return time.Duration(offset/r)*time.Second + time.Duration(offset%r)*time.Second/time.Duration(r)
}

func (e *Engine) watch(gen uint64, st Stream) {
	<-st.Done()

	e.mu.Lock()
	if gen != e.gen || e.stream != st {
		e.mu.Unlock()
		return
	}
	e.stream = nil
	e.gen++
	e.mu.Unlock()

	_ = st.Close()
	cause := st.Err()
	if cause == nil {
		cause = errStreamEnded
	}
	err := fmt.Errorf("%w: %s: %w", ErrDeviceLost, e.device.Name(), cause)
	e.log.Error("capture device lost", "device", e.device.Name(), "err", cause)
	select {
	case e.lost <- err:
	default:
	}
}
