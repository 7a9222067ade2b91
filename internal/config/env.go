package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MICSTREAM_"

// LookupFunc resolves an environment variable. It has the signature of
// [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// EnvLookup returns a [LookupFunc] that consults the process environment
// first and falls back to the given dotenv files, earlier files winning.
// Missing files are skipped. The process environment is not modified.
func EnvLookup(files ...string) (LookupFunc, error) {
	fromFiles := make(map[string]string)
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read env file %q: %w", f, err)
		}
		for k, v := range vals {
			if _, ok := fromFiles[k]; !ok {
				fromFiles[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fromFiles[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides cfg fields from MICSTREAM_* variables. Empty values are
// ignored. Malformed numbers, booleans and durations are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	str("HOST", &cfg.Stream.Host)
	boolean("SECURE", &cfg.Stream.Secure)
	str("CLIENT_ID", &cfg.Stream.ClientID)
	str("MODEL", &cfg.Stream.Model)
	str("LANGUAGE", &cfg.Stream.Language)
	duration("HANDSHAKE_TIMEOUT", &cfg.Stream.HandshakeTimeout)
	if v, ok := get("USE_GPU"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sUSE_GPU: %w", EnvPrefix, err))
		} else {
			if cfg.Stream.Capabilities == nil {
				cfg.Stream.Capabilities = make(map[string]any)
			}
			cfg.Stream.Capabilities["use_gpu"] = b
		}
	}

	duration("RECONNECT_BASE_DELAY", &cfg.Reconnect.BaseDelay)
	integer("RECONNECT_MAX_ATTEMPTS", &cfg.Reconnect.MaxAttempts)
	duration("HEARTBEAT_INTERVAL", &cfg.Heartbeat.Interval)
	duration("PONG_TIMEOUT", &cfg.Heartbeat.PongTimeout)
	integer("QUEUE_CAPACITY", &cfg.Queue.Capacity)

	if v, ok := get("DEVICE"); ok {
		cfg.Capture.Device = DeviceKind(v)
	}
	str("FFMPEG_INPUT_FORMAT", &cfg.Capture.FFmpeg.InputFormat)
	str("FFMPEG_INPUT_DEVICE", &cfg.Capture.FFmpeg.InputDevice)

	return errors.Join(errs...)
}
