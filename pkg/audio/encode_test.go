package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/micstream/pkg/audio"
)

func mono(samples ...float32) audio.Frame {
	return audio.Frame{Samples: samples, SampleRate: audio.DefaultSampleRate, Channels: 1}
}

func TestEncode_Silence(t *testing.T) {
	enc, err := audio.Encode(mono(make([]float32, 4096)...))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(enc.Samples) != 4096 {
		t.Fatalf("len = %d, want 4096", len(enc.Samples))
	}
	for i, s := range enc.Samples {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
	for i, b := range enc.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestEncode_Scaling(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"full scale positive", 1.0, 32767},
		{"full scale negative", -1.0, -32768},
		{"clamp above", 1.5, 32767},
		{"clamp below", -2.0, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"zero", 0, 0},
		{"positive infinity", float32(math.Inf(1)), 32767},
		{"negative infinity", float32(math.Inf(-1)), -32768},
		{"nan", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := audio.Encode(mono(tc.in))
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if got := enc.Samples[0]; got != tc.want {
				t.Errorf("Encode(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncode_RejectsMultiChannel(t *testing.T) {
	frame := audio.Frame{Samples: []float32{0, 0}, SampleRate: 16000, Channels: 2}
	_, err := audio.Encode(frame)
	if !errors.Is(err, audio.ErrUnsupportedChannels) {
		t.Fatalf("err = %v, want ErrUnsupportedChannels", err)
	}
}

func TestEncode_PreservesSampleRate(t *testing.T) {
	enc, err := audio.Encode(mono(0.1, 0.2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc.SampleRate != audio.DefaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", enc.SampleRate, audio.DefaultSampleRate)
	}
	if enc.Len() != 4 {
		t.Errorf("Len = %d, want 4", enc.Len())
	}
}

func TestEncodedFrame_BytesLittleEndian(t *testing.T) {
	enc := audio.EncodedFrame{Samples: []int16{1, -1, 32767, -32768}}
	want := []byte{0x01, 0x00, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}
	got := enc.Bytes()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	// 0.5 and -1.0 as little-endian float32, plus one stray byte.
	raw := []byte{0x00, 0x00, 0x00, 0x3f, 0x00, 0x00, 0x80, 0xbf, 0x01}
	got := audio.DecodeFloat32LE(raw)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != 0.5 || got[1] != -1.0 {
		t.Errorf("got %v, want [0.5 -1]", got)
	}
}

func TestDownmix(t *testing.T) {
	got := audio.Downmix([]float32{1, 0, -1, -1, 0.5, 0.5}, 2)
	want := []float32{0.5, -1, 0.5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	in := []float32{0.25}
	if out := audio.Downmix(in, 1); &out[0] != &in[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestFrame_Duration(t *testing.T) {
	f := audio.Frame{Samples: make([]float32, 16000), SampleRate: 16000, Channels: 1}
	if got := f.Duration(); got.Seconds() != 1 {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := (audio.Frame{}).Duration(); got != 0 {
		t.Errorf("zero frame Duration = %v, want 0", got)
	}
}
