package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/micstream/pkg/audio"
)

const (
	// ffmpegStartupGrace is how long ffmpeg must stay alive before the device
	// counts as acquired.
	ffmpegStartupGrace = 250 * time.Millisecond

	// ffmpegStopGrace bounds the wait for ffmpeg to exit after an interrupt.
	ffmpegStopGrace = 1200 * time.Millisecond
)

// FFmpegDevice captures through an ffmpeg subprocess that writes raw
// little-endian float32 PCM to stdout.
type FFmpegDevice struct {
	// Command is the ffmpeg binary. Defaults to "ffmpeg".
	Command string

	// InputFormat is ffmpeg's -f input demuxer (pulse, alsa, avfoundation,
	// dshow...). Defaults to "pulse".
	InputFormat string

	// InputDevice is ffmpeg's -i argument. Defaults to "default".
	InputDevice string
}

var _ Device = (*FFmpegDevice)(nil)

// Name implements [Device].
func (d *FFmpegDevice) Name() string { return "ffmpeg:" + d.inputFormat() + ":" + d.inputDevice() }

func (d *FFmpegDevice) command() string {
	if d.Command == "" {
		return "ffmpeg"
	}
	return d.Command
}

func (d *FFmpegDevice) inputFormat() string {
	if d.InputFormat == "" {
		return "pulse"
	}
	return d.InputFormat
}

func (d *FFmpegDevice) inputDevice() string {
	if d.InputDevice == "" {
		return "default"
	}
	return d.InputDevice
}

// Args returns the ffmpeg arguments used for cfg.
func (d *FFmpegDevice) Args(cfg StreamConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.inputFormat(),
		"-i", d.inputDevice(),
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "f32le",
		"-",
	}
}

// Open implements [Device]. ffmpeg must survive a short startup window for the
// device to count as acquired; ctx cancels that wait.
func (d *FFmpegDevice) Open(ctx context.Context, cfg StreamConfig, fn SampleFunc) (Stream, error) {
	cmd := exec.Command(d.command(), d.Args(cfg)...)
	s := &ffmpegStream{
		stderr:  &syncBuffer{},
		waitErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	cmd.Stderr = s.stderr

	// A plain pipe instead of StdoutPipe: Wait must not close the read side
	// while the read loop still drains it.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}
	_ = pw.Close()
	s.stdout = pr
	s.process = cmd.Process

	go func() {
		s.waitErr <- cmd.Wait()
		close(s.waitErr)
	}()

	select {
	case err := <-s.waitErr:
		_ = pr.Close()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: exited before capture started: %w: %s", err, s.stderr.String())
		}
		return nil, errors.New("ffmpeg: exited before capture started")
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case <-time.After(ffmpegStartupGrace):
	}

	go s.readLoop(cfg.FramesPerBuffer*cfg.Channels, fn)
	return s, nil
}

type ffmpegStream struct {
	stdout  *os.File
	stderr  *syncBuffer
	process *os.Process
	waitErr chan error

	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	err     error
	closing bool

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegStream) Done() <-chan struct{} { return s.done }

func (s *ffmpegStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ffmpegStream) readLoop(samples int, fn SampleFunc) {
	buf := make([]byte, samples*4)
	for {
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			s.mu.Lock()
			if !s.closing {
				s.err = fmt.Errorf("ffmpeg: read: %w: %s", err, s.stderr.String())
			}
			s.mu.Unlock()
			s.doneOnce.Do(func() { close(s.done) })
			return
		}
		fn(audio.DecodeFloat32LE(buf))
	}
}

// Close interrupts ffmpeg, escalating to kill after a grace period.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		_ = s.process.Signal(os.Interrupt)
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.closeErr = normalizeExitErr(err)
			}
		case <-time.After(ffmpegStopGrace):
			_ = s.process.Kill()
			if err, ok := <-s.waitErr; ok {
				s.closeErr = normalizeExitErr(err)
			}
		}
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.closeErr == nil {
			s.closeErr = err
		}
		s.doneOnce.Do(func() { close(s.done) })
	})
	return s.closeErr
}

// normalizeExitErr treats a non-zero exit after an interrupt as a clean stop.
func normalizeExitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer collects ffmpeg's stderr while the read loop may inspect it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
