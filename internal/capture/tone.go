package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneDevice synthesises a sine wave at real-time cadence. It stands in for a
// microphone when running the pipeline on machines without audio hardware.
// An Amplitude of zero produces silence.
type ToneDevice struct {
	// Frequency of the tone in Hz. Defaults to 440.
	Frequency float64

	// Amplitude in [0, 1].
	Amplitude float64
}

var _ Device = (*ToneDevice)(nil)

// Name implements [Device].
func (d *ToneDevice) Name() string { return "tone" }

// Open implements [Device].
func (d *ToneDevice) Open(_ context.Context, cfg StreamConfig, fn SampleFunc) (Stream, error) {
	freq := d.Frequency
	if freq == 0 {
		freq = 440
	}
	amp := min(max(d.Amplitude, 0), 1)
	period := time.Duration(cfg.FramesPerBuffer) * time.Second / time.Duration(cfg.SampleRate)

	s := &toneStream{done: make(chan struct{})}
	go s.run(period, cfg, freq, amp, fn)
	return s, nil
}

type toneStream struct {
	done chan struct{}
	once sync.Once
}

func (s *toneStream) run(period time.Duration, cfg StreamConfig, freq, amp float64, fn SampleFunc) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buf := make([]float32, cfg.FramesPerBuffer*cfg.Channels)
	step := 2 * math.Pi * freq / float64(cfg.SampleRate)
	var phase float64
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		for i := 0; i < cfg.FramesPerBuffer; i++ {
			v := float32(amp * math.Sin(phase))
			for c := range cfg.Channels {
				buf[i*cfg.Channels+c] = v
			}
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		fn(buf)
	}
}

func (s *toneStream) Done() <-chan struct{} { return s.done }

func (s *toneStream) Err() error { return nil }

func (s *toneStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
