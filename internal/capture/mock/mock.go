// Package mock provides an in-memory [capture.Device] for unit tests.
//
// The device never produces samples on its own: tests push buffers with
// [Device.Emit] and end the stream with [Device.Fail] to simulate an
// unplugged microphone.
//
//	dev := &mock.Device{}
//	eng, _ := capture.New(dev, capture.Config{}, handle)
//	_ = eng.Start(ctx)
//	dev.Emit(make([]float32, 4096))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/micstream/internal/capture"
)

// Device is a mock [capture.Device]. Set OpenErr before use; inspect the
// CallCount fields afterwards.
type Device struct {
	mu sync.Mutex

	// OpenErr, when set, is returned by Open.
	OpenErr error

	// CloseErr is returned by the stream's Close.
	CloseErr error

	// LastConfig is the config passed to the most recent Open.
	LastConfig capture.StreamConfig

	callCountOpen  int
	callCountClose int
	stream         *Stream
}

var _ capture.Device = (*Device)(nil)

// Name implements [capture.Device].
func (d *Device) Name() string { return "mock" }

// Open implements [capture.Device].
func (d *Device) Open(_ context.Context, cfg capture.StreamConfig, fn capture.SampleFunc) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callCountOpen++
	d.LastConfig = cfg
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.stream = &Stream{dev: d, fn: fn, done: make(chan struct{})}
	return d.stream, nil
}

// Emit delivers samples through the current stream's callback, synchronously.
// It is a no-op when no stream is open.
func (d *Device) Emit(samples []float32) {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return
	}
	s.emit(samples)
}

// Fail ends the current stream with err as if the hardware went away.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s != nil {
		s.end(err)
	}
}

// CallCountOpen reports how many times Open was called.
func (d *Device) CallCountOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callCountOpen
}

// CallCountClose reports how many times an open stream was closed. Repeated
// Close calls on the same stream count once.
func (d *Device) CallCountClose() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callCountClose
}

// Stream is the [capture.Stream] returned by [Device.Open].
type Stream struct {
	dev *Device
	fn  capture.SampleFunc

	mu     sync.Mutex
	done   chan struct{}
	ended  bool
	closed bool
	err    error
}

var _ capture.Stream = (*Stream)(nil)

func (s *Stream) emit(samples []float32) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if !ended {
		s.fn(samples)
	}
}

func (s *Stream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
}

// Done implements [capture.Stream].
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err implements [capture.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	first := !s.closed
	s.closed = true
	s.mu.Unlock()
	if !first {
		return nil
	}

	s.dev.mu.Lock()
	s.dev.callCountClose++
	if s.dev.stream == s {
		s.dev.stream = nil
	}
	closeErr := s.dev.CloseErr
	s.dev.mu.Unlock()

	s.end(nil)
	return closeErr
}
