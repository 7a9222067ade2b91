package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/micstream/internal/capture"
	"github.com/MrWong99/micstream/internal/capture/mock"
	"github.com/MrWong99/micstream/internal/observe"
	"github.com/MrWong99/micstream/pkg/audio"
)

// recorder collects frames delivered to the engine's handler.
type recorder struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (r *recorder) handle(f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) snapshot() []audio.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.Frame(nil), r.frames...)
}

func newEngine(t *testing.T, dev capture.Device, opts ...capture.Option) (*capture.Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	eng, err := capture.New(dev, capture.Config{}, rec.handle, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, rec
}

func TestNew_Validation(t *testing.T) {
	handler := func(audio.Frame) {}
	tests := []struct {
		name    string
		dev     capture.Device
		cfg     capture.Config
		handler capture.FrameHandler
	}{
		{"nil device", nil, capture.Config{}, handler},
		{"nil handler", &mock.Device{}, capture.Config{}, nil},
		{"negative rate", &mock.Device{}, capture.Config{SampleRate: -1}, handler},
		{"negative buffer", &mock.Device{}, capture.Config{FramesPerBuffer: -1}, handler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := capture.New(tt.dev, tt.cfg, tt.handler); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEngine_StartRequestsMono16k(t *testing.T) {
	dev := &mock.Device{}
	eng, _ := newEngine(t, dev)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := capture.StreamConfig{SampleRate: 16000, Channels: 1, FramesPerBuffer: capture.DefaultFramesPerBuffer}
	if dev.LastConfig != want {
		t.Errorf("config = %+v, want %+v", dev.LastConfig, want)
	}
	if !eng.Running() {
		t.Error("Running() = false after Start")
	}
}

func TestEngine_FramesAreCopiedAndTimestamped(t *testing.T) {
	dev := &mock.Device{}
	eng, rec := newEngine(t, dev)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := make([]float32, 4096)
	buf[0] = 0.5
	dev.Emit(buf)
	buf[0] = -0.25 // devices reuse their buffers
	dev.Emit(buf)

	frames := rec.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Samples[0] != 0.5 {
		t.Errorf("first frame mutated: sample[0] = %v", frames[0].Samples[0])
	}
	if frames[1].Samples[0] != -0.25 {
		t.Errorf("second frame sample[0] = %v", frames[1].Samples[0])
	}
	if frames[0].Timestamp != 0 {
		t.Errorf("first timestamp = %v, want 0", frames[0].Timestamp)
	}
	if frames[1].Timestamp != 256*time.Millisecond {
		t.Errorf("second timestamp = %v, want 256ms", frames[1].Timestamp)
	}
	for i, f := range frames {
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d layout = %d Hz x %d", i, f.SampleRate, f.Channels)
		}
	}
}

func TestEngine_DeviceUnavailable(t *testing.T) {
	dev := &mock.Device{OpenErr: errors.New("no such device")}
	eng, rec := newEngine(t, dev)

	err := eng.Start(t.Context())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if eng.Running() {
		t.Error("Running() = true after failed Start")
	}
	dev.Emit(make([]float32, 16))
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("got %d frames after failed start", n)
	}
	if err := eng.Stop(); err != nil {
		t.Errorf("Stop after failed start: %v", err)
	}
	if n := dev.CallCountClose(); n != 0 {
		t.Errorf("device closed %d times, want 0", n)
	}
}

func TestEngine_StopBeforeStartIsNoop(t *testing.T) {
	dev := &mock.Device{}
	eng, _ := newEngine(t, dev)
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if dev.CallCountOpen() != 0 || dev.CallCountClose() != 0 {
		t.Errorf("device touched: open=%d close=%d", dev.CallCountOpen(), dev.CallCountClose())
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	dev := &mock.Device{}
	eng, _ := newEngine(t, dev)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		if err := eng.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if n := dev.CallCountClose(); n != 1 {
		t.Errorf("device released %d times, want 1", n)
	}
}

func TestEngine_StartTwice(t *testing.T) {
	dev := &mock.Device{}
	eng, _ := newEngine(t, dev)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(t.Context()); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if n := dev.CallCountOpen(); n != 1 {
		t.Errorf("device opened %d times", n)
	}
}

func TestEngine_RestartResetsTimestamps(t *testing.T) {
	dev := &mock.Device{}
	eng, rec := newEngine(t, dev)
	for range 2 {
		if err := eng.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		dev.Emit(make([]float32, 1600))
		if err := eng.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	frames := rec.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Timestamp != 0 {
		t.Errorf("timestamp after restart = %v, want 0", frames[1].Timestamp)
	}
}

func TestEngine_DeviceLost(t *testing.T) {
	dev := &mock.Device{}
	eng, _ := newEngine(t, dev)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	unplugged := errors.New("usb disconnect")
	dev.Fail(unplugged)

	select {
	case err := <-eng.Lost():
		if !errors.Is(err, capture.ErrDeviceLost) {
			t.Errorf("lost error = %v, want ErrDeviceLost", err)
		}
		if !errors.Is(err, unplugged) {
			t.Errorf("lost error = %v, want cause preserved", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device loss not reported")
	}

	if eng.Running() {
		t.Error("Running() = true after device loss")
	}
	if err := eng.Stop(); err != nil {
		t.Errorf("Stop after loss: %v", err)
	}
	if n := dev.CallCountClose(); n != 1 {
		t.Errorf("device released %d times, want 1", n)
	}
}

func TestEngine_StopDoesNotReportLoss(t *testing.T) {
	dev := &mock.Device{}
	eng, _ := newEngine(t, dev)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-eng.Lost():
		t.Fatalf("unexpected loss after Stop: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_CountsCapturedFrames(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dev := &mock.Device{}
	eng, _ := newEngine(t, dev, capture.WithMetrics(met))
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		dev.Emit(make([]float32, 8))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var got int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "micstream.frames.captured" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				got += dp.Value
			}
		}
	}
	if got != 3 {
		t.Errorf("frames captured = %d, want 3", got)
	}
}
