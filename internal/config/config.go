// Package config provides the configuration schema, loader, environment
// overrides and hot-reload watcher for micstream.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DeviceKind selects the capture backend.
type DeviceKind string

const (
	// DevicePortAudio captures from the default input through PortAudio.
	DevicePortAudio DeviceKind = "portaudio"

	// DeviceFFmpeg captures through an ffmpeg subprocess.
	DeviceFFmpeg DeviceKind = "ffmpeg"

	// DeviceTone synthesises a test tone instead of using hardware.
	DeviceTone DeviceKind = "tone"
)

// IsValid reports whether d is a recognised device kind.
func (d DeviceKind) IsValid() bool {
	switch d {
	case DevicePortAudio, DeviceFFmpeg, DeviceTone:
		return true
	}
	return false
}

// RequiredSampleRate is the only sample rate the transcription service accepts.
const RequiredSampleRate = 16000

// Config is the root configuration structure for micstream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	Capture   CaptureConfig   `yaml:"capture"`
}

// ServerConfig holds the operations endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig describes the transcription service and the session defaults
// sent at the start of every connection.
type StreamConfig struct {
	// Host is host[:port] of the transcription service.
	Host string `yaml:"host"`

	// Secure selects wss:// and https:// instead of ws:// and http://.
	Secure bool `yaml:"secure"`

	// Path of the streaming endpoint. Defaults to "/stream".
	Path string `yaml:"path"`

	// SessionPath is the batch transcription prefix; the client id is
	// appended. Defaults to "/transcribe".
	SessionPath string `yaml:"session_path"`

	// ClientID identifies this client across reconnects. Generated when empty.
	ClientID string `yaml:"client_id"`

	// Model is the speech model identifier. Hot-reloadable.
	Model string `yaml:"model"`

	// Language is the spoken language code. Hot-reloadable.
	Language string `yaml:"language"`

	// SampleRate must be 16000.
	SampleRate int `yaml:"sample_rate"`

	// Capabilities are extra session options such as use_gpu, quantization
	// and chunk_length_s. Hot-reloadable.
	Capabilities map[string]any `yaml:"capabilities"`

	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ReconnectConfig tunes the linear reconnect backoff.
type ReconnectConfig struct {
	// BaseDelay is multiplied by the consecutive failure count.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxAttempts is the failure count at which reconnection stops.
	MaxAttempts int `yaml:"max_attempts"`
}

// HeartbeatConfig tunes connection liveness checks.
type HeartbeatConfig struct {
	// Interval between outbound pings.
	Interval time.Duration `yaml:"interval"`

	// PongTimeout is the extra silence tolerated after a missed interval
	// before the connection is dropped. Zero disables the check.
	PongTimeout time.Duration `yaml:"pong_timeout"`
}

// QueueConfig bounds the outbound audio queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// CaptureConfig selects and tunes the capture device.
type CaptureConfig struct {
	// Device is one of portaudio, ffmpeg or tone.
	Device DeviceKind `yaml:"device"`

	// FramesPerBuffer is the number of samples per captured frame.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// InputChannels opens the portaudio input with this many channels and
	// downmixes to mono. Zero opens mono directly.
	InputChannels int `yaml:"input_channels"`

	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
	Tone   ToneConfig   `yaml:"tone"`
}

// FFmpegConfig configures the ffmpeg capture device.
type FFmpegConfig struct {
	Command     string `yaml:"command"`
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
}

// ToneConfig configures the synthetic tone device.
type ToneConfig struct {
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
}

// Default returns a config populated with the built-in defaults. YAML values
// are decoded on top of it, so a key that is present, even with a zero value,
// always wins.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		Stream: StreamConfig{
			Host:             "localhost:9001",
			Path:             "/stream",
			SessionPath:      "/transcribe",
			Model:            "base",
			Language:         "en",
			SampleRate:       RequiredSampleRate,
			HandshakeTimeout: 10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxAttempts: 5,
		},
		Heartbeat: HeartbeatConfig{
			Interval:    30 * time.Second,
			PongTimeout: 15 * time.Second,
		},
		Queue: QueueConfig{Capacity: 100},
		Capture: CaptureConfig{
			Device:          DevicePortAudio,
			FramesPerBuffer: 4096,
			FFmpeg: FFmpegConfig{
				Command:     "ffmpeg",
				InputFormat: "pulse",
				InputDevice: "default",
			},
			Tone: ToneConfig{Frequency: 440, Amplitude: 0.2},
		},
	}
}
