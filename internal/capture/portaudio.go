package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/micstream/pkg/audio"
)

// errStalled is reported when PortAudio stops invoking the callback, which is
// how an unplugged input device shows up on most host APIs.
var errStalled = errors.New("portaudio: no samples received")

// PortAudioDevice captures from the system's default input device.
type PortAudioDevice struct {
	// StallTimeout is how long the callback may stay silent before the stream
	// is considered lost. Zero selects eight buffer periods, minimum one
	// second. Negative disables stall detection.
	StallTimeout time.Duration

	// InputChannels opens the device with this many channels and downmixes
	// to what the engine requested. Some USB microphones refuse mono. Zero
	// opens with the requested channel count.
	InputChannels int
}

var _ Device = (*PortAudioDevice)(nil)

// Name implements [Device].
func (d *PortAudioDevice) Name() string { return "portaudio" }

// Open implements [Device]. PortAudio is initialised per stream and terminated
// when the stream closes.
func (d *PortAudioDevice) Open(_ context.Context, cfg StreamConfig, fn SampleFunc) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	s := &paStream{done: make(chan struct{}), stop: make(chan struct{})}
	s.lastCallback.Store(time.Now().UnixNano())

	channels := cfg.Channels
	if d.InputChannels > 0 {
		channels = d.InputChannels
	}
	downmix := channels != cfg.Channels && cfg.Channels == 1

	pa, err := portaudio.OpenDefaultStream(channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer,
		func(in []float32) {
			s.lastCallback.Store(time.Now().UnixNano())
			if downmix {
				in = audio.Downmix(in, channels)
			}
			fn(in)
		})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open default input: %w", err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.pa = pa

	stall := d.StallTimeout
	if stall == 0 {
		period := time.Duration(cfg.FramesPerBuffer) * time.Second / time.Duration(cfg.SampleRate)
		stall = max(8*period, time.Second)
	}
	if stall > 0 {
		go s.watchdog(stall)
	}
	return s, nil
}

type paStream struct {
	pa           *portaudio.Stream
	lastCallback atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

func (s *paStream) Done() <-chan struct{} { return s.done }

func (s *paStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *paStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		err := s.pa.Stop()
		if cerr := s.pa.Close(); err == nil {
			err = cerr
		}
		if terr := portaudio.Terminate(); err == nil {
			err = terr
		}
		s.closeErr = err
		s.finish(nil)
	})
	return s.closeErr
}

func (s *paStream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *paStream) watchdog(timeout time.Duration) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			last := time.Unix(0, s.lastCallback.Load())
			if now.Sub(last) > timeout {
				s.finish(fmt.Errorf("%w for %s", errStalled, timeout))
				return
			}
		}
	}
}
