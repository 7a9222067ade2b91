// Package app wires capture, encoding and streaming into one recording
// session.
//
// An [App] is constructed when recording starts and discarded when it stops:
// New builds the capture engine and the stream manager from config, Run
// starts them and blocks until the context ends or a terminal error occurs,
// and Shutdown tears everything down in order (stream first, device last).
//
// For testing, inject doubles via functional options (WithDevice, WithDialer,
// WithClock, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/micstream/internal/capture"
	"github.com/MrWong99/micstream/internal/config"
	"github.com/MrWong99/micstream/internal/observe"
	"github.com/MrWong99/micstream/internal/stream"
	"github.com/MrWong99/micstream/pkg/audio"
)

// App owns the lifetimes of one capture engine and one stream manager.
type App struct {
	cfg      *config.Config
	clientID string
	endpoint stream.Endpoint
	started  time.Time

	device       capture.Device
	dialer       stream.Dialer
	clock        stream.Clock
	metrics      *observe.Metrics
	log          *slog.Logger
	onTranscript func(stream.ControlEvent)

	engine   *capture.Engine
	manager  *stream.Manager
	terminal chan error
	done     chan struct{}

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of creating one from config.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDialer injects the stream dialer.
func WithDialer(d stream.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithClock injects the clock used for reconnects and heartbeats.
func WithClock(c stream.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics instance shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithClientID fixes the client id instead of using the configured or a
// generated one.
func WithClientID(id string) Option {
	return func(a *App) { a.clientID = id }
}

// WithTranscriptHandler receives transcripts pushed by the service.
func WithTranscriptHandler(fn func(stream.ControlEvent)) Option {
	return func(a *App) { a.onTranscript = fn }
}

// New creates an App from cfg. Nothing is opened until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		terminal: make(chan error, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clientID == "" {
		a.clientID = cfg.Stream.ClientID
	}
	if a.clientID == "" {
		a.clientID = stream.NewClientID()
	}
	a.log = a.log.With("client_id", a.clientID)

	if a.device == nil {
		dev, err := NewDevice(cfg.Capture)
		if err != nil {
			return nil, err
		}
		a.device = dev
	}

	a.endpoint = stream.Endpoint{
		Host:        cfg.Stream.Host,
		Secure:      cfg.Stream.Secure,
		StreamPath:  cfg.Stream.Path,
		SessionPath: cfg.Stream.SessionPath,
	}
	url, err := a.endpoint.StreamURL(a.clientID, cfg.Stream.Model)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.manager, err = stream.NewManager(stream.Config{
		URL:               url,
		Session:           sessionFromConfig(cfg),
		BaseDelay:         cfg.Reconnect.BaseDelay,
		MaxAttempts:       cfg.Reconnect.MaxAttempts,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		PongTimeout:       cfg.Heartbeat.PongTimeout,
		HandshakeTimeout:  cfg.Stream.HandshakeTimeout,
		QueueCapacity:     cfg.Queue.Capacity,
		Dialer:            a.dialer,
		Clock:             a.clock,
		Metrics:           a.metrics,
		Logger:            a.log,
		OnTerminal:        a.reportTerminal,
		OnTranscript:      a.onTranscript,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.engine, err = capture.New(a.device, capture.Config{
		SampleRate:      cfg.Stream.SampleRate,
		FramesPerBuffer: cfg.Capture.FramesPerBuffer,
	}, a.handleFrame, capture.WithMetrics(a.metrics), capture.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return a, nil
}

func sessionFromConfig(cfg *config.Config) stream.SessionConfig {
	return stream.SessionConfig{
		Model:        cfg.Stream.Model,
		Language:     cfg.Stream.Language,
		SampleRate:   cfg.Stream.SampleRate,
		Capabilities: cfg.Stream.Capabilities,
	}.Clone()
}

// ClientID returns the id sent to the service on every connection.
func (a *App) ClientID() string { return a.clientID }

// SessionURL returns the batch transcription URL for this client.
func (a *App) SessionURL() (string, error) {
	return a.endpoint.SessionURL(a.clientID)
}

// Run opens the capture device, starts streaming and blocks until ctx is
// cancelled, Shutdown is called, the device is lost or reconnection gives up.
// It always shuts the App down before returning. A device that cannot be opened is returned
// wrapped in [capture.ErrDeviceUnavailable] and no connection is attempted.
// Cancellation is a clean exit and returns nil.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app: already running")
	}
	a.running = true
	a.started = time.Now()
	a.mu.Unlock()

	if err := a.engine.Start(ctx); err != nil {
		a.log.Error("capture device unavailable", "device", a.device.Name(), "err", err)
		_ = a.Shutdown()
		return err
	}
	if err := a.manager.Start(ctx); err != nil {
		_ = a.Shutdown()
		return fmt.Errorf("app: start stream: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("recording stopped")
	case <-a.done:
	case err := <-a.terminal:
		runErr = err
	case err := <-a.engine.Lost():
		runErr = err
	}
	if err := a.Shutdown(); err != nil {
		a.log.Warn("shutdown error", "err", err)
	}
	return runErr
}

// Shutdown stops streaming and releases the device: it cancels reconnect and
// heartbeat timers, detaches inbound handling, closes the connection, then
// stops capture. It runs once; later calls return the first result.
func (a *App) Shutdown() error {
	a.stopOnce.Do(func() {
		defer close(a.done)
		var errs []error
		if err := a.manager.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := a.engine.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		a.log.Info("shutdown complete", "undelivered", a.manager.Status().Queued)
	})
	return a.stopErr
}

// handleFrame runs on the capture goroutine: encode, then send or queue.
func (a *App) handleFrame(f audio.Frame) {
	enc, err := audio.Encode(f)
	if err != nil {
		a.metrics.RecordFrameDropped(context.Background(), "encode")
		a.log.Error("encode frame", "err", err)
		return
	}
	switch err := a.manager.Send(stream.AudioMessage(enc)); {
	case err == nil:
	case errors.Is(err, stream.ErrStopped):
		a.metrics.RecordFrameDropped(context.Background(), "stopped")
	case errors.Is(err, stream.ErrQueueFull):
		a.log.Debug("audio frame dropped", "audio", f.Duration(), "err", err)
	default:
		a.log.Warn("send audio frame", "err", err)
	}
}

func (a *App) reportTerminal(err error) {
	select {
	case a.terminal <- err:
	default:
	}
}

// Ready returns nil while the stream is connected. It backs the readiness
// probe.
func (a *App) Ready(context.Context) error {
	if st := a.manager.State(); st != stream.StateConnected {
		return fmt.Errorf("stream %s", st)
	}
	return nil
}

// Status is a JSON snapshot of the recording session.
type Status struct {
	ClientID   string        `json:"client_id"`
	Device     string        `json:"device"`
	Capturing  bool          `json:"capturing"`
	SessionURL string        `json:"session_url,omitempty"`
	Uptime     string        `json:"uptime,omitempty"`
	Stream     stream.Status `json:"stream"`
}

// Status returns the current session snapshot.
func (a *App) Status() Status {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	s := Status{
		ClientID:  a.clientID,
		Device:    a.device.Name(),
		Capturing: a.engine.Running(),
		Stream:    a.manager.Status(),
	}
	if u, err := a.SessionURL(); err == nil {
		s.SessionURL = u
	}
	if !started.IsZero() {
		s.Uptime = time.Since(started).Round(time.Second).String()
	}
	return s
}

// ApplyConfig applies the hot-reloadable parts of cfg. Session changes take
// effect on the next connection; the returned diff lists what else changed.
func (a *App) ApplyConfig(cfg *config.Config) config.ConfigDiff {
	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	d := config.Diff(old, cfg)
	if d.SessionChanged {
		a.manager.UpdateSession(sessionFromConfig(cfg))
		a.log.Info("session defaults updated for next connection",
			"model", cfg.Stream.Model,
			"language", cfg.Stream.Language,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require restart", "fields", d.RestartRequired)
	}
	return d
}
