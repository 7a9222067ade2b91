package app

import (
	"fmt"

	"github.com/MrWong99/micstream/internal/capture"
	"github.com/MrWong99/micstream/internal/config"
)

// NewDevice builds the capture device selected by cfg.
func NewDevice(cfg config.CaptureConfig) (capture.Device, error) {
	switch cfg.Device {
	case config.DevicePortAudio:
		return &capture.PortAudioDevice{InputChannels: cfg.InputChannels}, nil
	case config.DeviceFFmpeg:
		return &capture.FFmpegDevice{
			Command:     cfg.FFmpeg.Command,
			InputFormat: cfg.FFmpeg.InputFormat,
			InputDevice: cfg.FFmpeg.InputDevice,
		}, nil
	case config.DeviceTone:
		return &capture.ToneDevice{
			Frequency: cfg.Tone.Frequency,
			Amplitude: cfg.Tone.Amplitude,
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown capture device %q", cfg.Device)
	}
}
