package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides from lookup and returns a validated [Config]. An empty path
// yields the defaults plus overrides. A nil lookup skips overrides.
func Load(path string, lookup LookupFunc) (*Config, error) {
	var r io.Reader = strings.NewReader("")
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
		}
	}

	// Stream
	s := cfg.Stream
	if s.Host == "" {
		errs = append(errs, errors.New("stream.host is required"))
	} else if strings.Contains(s.Host, "://") || strings.Contains(s.Host, "/") {
		errs = append(errs, fmt.Errorf("stream.host %q must be host[:port] without scheme or path", s.Host))
	}
	if s.Path != "" && !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, fmt.Errorf("stream.path %q must start with /", s.Path))
	}
	if s.SessionPath != "" && !strings.HasPrefix(s.SessionPath, "/") {
		errs = append(errs, fmt.Errorf("stream.session_path %q must start with /", s.SessionPath))
	}
	if s.Model == "" {
		errs = append(errs, errors.New("stream.model is required"))
	}
	if s.SampleRate != RequiredSampleRate {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d is not supported; the service requires %d", s.SampleRate, RequiredSampleRate))
	}
	if s.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stream.handshake_timeout %s must be positive", s.HandshakeTimeout))
	}
	for k := range s.Capabilities {
		if k == "type" || k == "model" || k == "language" || k == "sample_rate" {
			errs = append(errs, fmt.Errorf("stream.capabilities.%s collides with a session field", k))
		}
	}

	// Reconnect
	if cfg.Reconnect.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.base_delay %s must be positive", cfg.Reconnect.BaseDelay))
	}
	if cfg.Reconnect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must be at least 1", cfg.Reconnect.MaxAttempts))
	}

	// Heartbeat
	if cfg.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval %s must be positive", cfg.Heartbeat.Interval))
	}
	if cfg.Heartbeat.PongTimeout < 0 {
		errs = append(errs, fmt.Errorf("heartbeat.pong_timeout %s must not be negative", cfg.Heartbeat.PongTimeout))
	}

	// Queue
	if cfg.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity %d must be at least 1", cfg.Queue.Capacity))
	}

	// Capture
	if !cfg.Capture.Device.IsValid() {
		errs = append(errs, fmt.Errorf("capture.device %q is invalid; valid values: portaudio, ffmpeg, tone", cfg.Capture.Device))
	}
	if cfg.Capture.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must be positive", cfg.Capture.FramesPerBuffer))
	}
	if cfg.Capture.InputChannels < 0 {
		errs = append(errs, fmt.Errorf("capture.input_channels %d must not be negative", cfg.Capture.InputChannels))
	}
	if cfg.Capture.Device == DeviceFFmpeg && cfg.Capture.FFmpeg.Command == "" {
		errs = append(errs, errors.New("capture.ffmpeg.command is required when capture.device is ffmpeg"))
	}
	if a := cfg.Capture.Tone.Amplitude; a < 0 || a > 1 {
		errs = append(errs, fmt.Errorf("capture.tone.amplitude %.2f is out of range [0, 1]", a))
	}

	return errors.Join(errs...)
}
