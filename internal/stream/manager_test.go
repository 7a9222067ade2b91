package stream_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/micstream/internal/observe"
	"github.com/MrWong99/micstream/internal/stream"
	"github.com/MrWong99/micstream/internal/stream/mock"
	"github.com/MrWong99/micstream/pkg/audio"
)

const (
	testURL   = "ws://asr.test/stream?client_id=c1&model=base"
	baseDelay = time.Second
)

var errRefused = errors.New("connection refused")

type harness struct {
	m        *stream.Manager
	dialer   *mock.Dialer
	clock    *mock.Clock
	terminal atomic.Int32
	lastErr  atomic.Value
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return met
}

func newHarness(t *testing.T, mutate func(*stream.Config), script ...mock.DialResult) *harness {
	t.Helper()
	h := &harness{
		dialer: &mock.Dialer{Script: script},
		clock:  mock.NewClock(),
	}
	cfg := stream.Config{
		URL: testURL,
		Session: stream.SessionConfig{
			Model:        "base",
			Language:     "en",
			SampleRate:   16000,
			Capabilities: map[string]any{stream.CapUseGPU: true},
		},
		BaseDelay: baseDelay,
		Dialer:    h.dialer,
		Clock:     h.clock,
		Metrics:   newTestMetrics(t),
		OnTerminal: func(err error) {
			h.terminal.Add(1)
			h.lastErr.Store(err)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	var err error
	h.m, err = stream.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = h.m.Stop() })
	return h
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want stream.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.m.State() == want })
}

func (h *harness) waitAttempts(t *testing.T, want int) {
	t.Helper()
	waitFor(t, "attempts", func() bool {
		st := h.m.Status()
		return st.Attempts == want && st.State == stream.StateDisconnected
	})
}

func frame(id int16) stream.Message {
	return stream.AudioMessage(audio.EncodedFrame{Samples: []int16{id}, SampleRate: 16000})
}

// wireLog renders what a connection received: "config", "ping", "pong" or
// the frame id.
func wireLog(t *testing.T, c *mock.Conn) []any {
	t.Helper()
	var out []any
	for _, msg := range c.Sent() {
		switch msg.Kind {
		case stream.KindControl:
			out = append(out, msg.Control.Type)
		case stream.KindText:
			out = append(out, msg.Text)
		default:
			out = append(out, msg.Audio.Samples[0])
		}
	}
	return out
}

func assertWire(t *testing.T, c *mock.Conn, want ...any) {
	t.Helper()
	got := wireLog(t, c)
	if len(got) != len(want) {
		t.Fatalf("wire = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wire = %v, want %v", got, want)
		}
	}
}

func TestNewManager_RequiresURL(t *testing.T) {
	if _, err := stream.NewManager(stream.Config{}); err == nil {
		t.Fatal("NewManager accepted empty URL")
	}
}

func TestManager_ConnectSendsConfigFirst(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, stream.StateConnected)

	if calls := h.dialer.Calls(); len(calls) != 1 || calls[0] != testURL {
		t.Fatalf("dial calls = %v", calls)
	}
	conn := h.dialer.Last()
	for i := int16(1); i <= 3; i++ {
		if err := h.m.Send(frame(i)); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	assertWire(t, conn, "config", int16(1), int16(2), int16(3))

	cfg := conn.Sent()[0].Control
	if cfg.Fields["model"] != "base" || cfg.Fields["sample_rate"] != 16000 || cfg.Fields[stream.CapUseGPU] != true {
		t.Errorf("config fields = %v", cfg.Fields)
	}
}

func TestManager_ReconnectScenario(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, stream.StateConnected)
	first := h.dialer.Last()

	for i := int16(1); i <= 3; i++ {
		_ = h.m.Send(frame(i))
	}
	first.Fail(errors.New("connection reset"))
	h.waitAttempts(t, 1)

	for i := int16(4); i <= 5; i++ {
		if err := h.m.Send(frame(i)); err != nil {
			t.Fatalf("Send(%d) while disconnected: %v", i, err)
		}
	}
	if q := h.m.Status().Queued; q != 2 {
		t.Fatalf("queued = %d, want 2", q)
	}
	if p := h.clock.Pending(); len(p) != 1 || p[0] != baseDelay {
		t.Fatalf("pending timers = %v, want [%v]", p, baseDelay)
	}

	h.clock.Advance(baseDelay)
	h.waitState(t, stream.StateConnected)
	second := h.dialer.Last()
	if second == first {
		t.Fatal("no new connection")
	}
	_ = h.m.Send(frame(6))

	assertWire(t, first, "config", int16(1), int16(2), int16(3))
	assertWire(t, second, "config", int16(4), int16(5), int16(6))

	if st := h.m.Status(); st.Attempts != 0 || st.Queued != 0 {
		t.Errorf("after reconnect: attempts=%d queued=%d", st.Attempts, st.Queued)
	}
	waitFor(t, "old connection closed", func() bool { return first.CallCountClose() == 1 })
}

func TestManager_LinearBackoffAndCeiling(t *testing.T) {
	script := make([]mock.DialResult, stream.DefaultMaxAttempts)
	for i := range script {
		script[i].Err = errRefused
	}
	h := newHarness(t, nil, script...)
	if err := h.m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for k := 1; k < stream.DefaultMaxAttempts; k++ {
		h.waitAttempts(t, k)
		pending := h.clock.Pending()
		want := baseDelay * time.Duration(k)
		if len(pending) != 1 || pending[0] != want {
			t.Fatalf("after failure %d: pending = %v, want [%v]", k, pending, want)
		}
		if h.terminal.Load() != 0 {
			t.Fatalf("terminal reported early after %d failures", k)
		}
		h.clock.Advance(want)
	}

	h.waitAttempts(t, stream.DefaultMaxAttempts)
	waitFor(t, "terminal report", func() bool { return h.terminal.Load() == 1 })
	if p := h.clock.Pending(); len(p) != 0 {
		t.Fatalf("timers armed after ceiling: %v", p)
	}
	err, _ := h.lastErr.Load().(error)
	if !errors.Is(err, stream.ErrRetryExhausted) || !errors.Is(err, errRefused) {
		t.Errorf("terminal err = %v", err)
	}

	// No more attempts, however long we wait.
	h.clock.Advance(time.Hour)
	if n := len(h.dialer.Calls()); n != stream.DefaultMaxAttempts {
		t.Errorf("dial calls = %d, want %d", n, stream.DefaultMaxAttempts)
	}
	if h.terminal.Load() != 1 {
		t.Errorf("terminal reported %d times", h.terminal.Load())
	}
	if !h.m.Status().Exhausted {
		t.Error("status not marked exhausted")
	}

	// An explicit retry starts over; the script is used up so it succeeds.
	if err := h.m.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.waitState(t, stream.StateConnected)
	if st := h.m.Status(); st.Attempts != 0 || st.Exhausted {
		t.Errorf("after retry: %+v", st)
	}
}

func TestManager_QueueOverflowWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil, mock.DialResult{Err: errRefused})
	_ = h.m.Start(t.Context())
	h.waitAttempts(t, 1)

	for i := range stream.DefaultQueueCapacity {
		if err := h.m.Send(frame(int16(i))); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	if err := h.m.Send(frame(999)); !errors.Is(err, stream.ErrQueueFull) {
		t.Fatalf("overflow err = %v, want ErrQueueFull", err)
	}

	h.clock.Advance(baseDelay)
	h.waitState(t, stream.StateConnected)

	want := []any{"config"}
	for i := range stream.DefaultQueueCapacity {
		want = append(want, int16(i))
	}
	assertWire(t, h.dialer.Last(), want...)
	if st := h.m.Status(); st.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", st.Dropped)
	}
}

func TestManager_SendBeforeStartAndAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Send(frame(1)); err != nil {
		t.Errorf("before start: %v", err)
	}
	if st := h.m.Status(); st.Queued != 1 || st.State != stream.StateDisconnected {
		t.Errorf("before start: %+v", st)
	}
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	assertWire(t, h.dialer.Last(), "config", int16(1))
	_ = h.m.Stop()
	if err := h.m.Send(frame(1)); !errors.Is(err, stream.ErrStopped) {
		t.Errorf("after stop: %v", err)
	}
	if err := h.m.Start(t.Context()); !errors.Is(err, stream.ErrStopped) {
		t.Errorf("restart after stop: %v", err)
	}
}

func TestManager_StopBeforeStartIsNoop(t *testing.T) {
	var transitions atomic.Int32
	h := newHarness(t, func(c *stream.Config) {
		c.OnStateChange = func(stream.State, stream.State) { transitions.Add(1) }
	})
	if err := h.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if transitions.Load() != 0 || len(h.dialer.Calls()) != 0 {
		t.Error("Stop before Start had side effects")
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	var states []stream.State
	h := newHarness(t, func(c *stream.Config) {
		c.OnStateChange = func(_, to stream.State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		}
	})
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	if err := h.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if n := conn.CallCountClose(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
	if p := h.clock.Pending(); len(p) != 0 {
		t.Errorf("timers still armed after Stop: %v", p)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []stream.State{stream.StateConnecting, stream.StateConnected, stream.StateClosing, stream.StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestManager_StopCancelsReconnect(t *testing.T) {
	h := newHarness(t, nil, mock.DialResult{Err: errRefused})
	_ = h.m.Start(t.Context())
	h.waitAttempts(t, 1)

	_ = h.m.Stop()
	h.clock.Advance(time.Minute)
	if n := len(h.dialer.Calls()); n != 1 {
		t.Errorf("dial calls after Stop = %d, want 1", n)
	}
}

func TestManager_StopWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.dialer.Gate = gate
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnecting)

	if err := h.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(gate)
	if got := h.m.State(); got != stream.StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if h.terminal.Load() != 0 || h.m.Status().Attempts != 0 {
		t.Error("cancelled dial counted as a failure")
	}
}

func TestManager_SendFallsBackToQueueWhenConnectionClosed(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)

	h.dialer.Last().SetSendErr(stream.ErrConnClosed)
	if err := h.m.Send(frame(7)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	st := h.m.Status()
	if st.State != stream.StateDisconnected || st.Queued != 1 || st.Attempts != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestManager_BusyConnectionQueues(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	conn.SetSendErr(stream.ErrConnBusy)
	for id := range int16(3) {
		if err := h.m.Send(frame(id)); err != nil {
			t.Fatalf("Send(%d): %v", id, err)
		}
	}
	st := h.m.Status()
	if st.State != stream.StateConnected || st.Queued != 3 || st.Dropped != 0 {
		t.Fatalf("while busy: %+v", st)
	}

	// Once the connection drains, the queue goes out ahead of new audio.
	conn.SetSendErr(nil)
	if err := h.m.Send(frame(3)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	assertWire(t, conn, "config", int16(0), int16(1), int16(2), int16(3))
}

func TestManager_HeartbeatFlushesParkedAudio(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	conn.SetSendErr(stream.ErrConnBusy)
	_ = h.m.Send(frame(1))
	conn.SetSendErr(nil)

	h.clock.Advance(stream.DefaultHeartbeatInterval)
	assertWire(t, conn, "config", "ping", int16(1))
	if q := h.m.Status().Queued; q != 0 {
		t.Errorf("queued = %d, want 0", q)
	}
}

func TestManager_UnwrittenAudioIsResentAfterReconnect(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	first := h.dialer.Last()

	// The peer stops reading: the connection accepts frames it never
	// writes, and then dies.
	_ = h.m.Send(frame(1))
	first.Stall()
	_ = h.m.Send(frame(2))
	_ = h.m.Send(frame(3))
	h.clock.Advance(stream.DefaultHeartbeatInterval) // ping is held too
	if first.Held() != 3 {
		t.Fatalf("held = %d, want 3", first.Held())
	}
	first.Fail(errors.New("eof"))
	h.waitAttempts(t, 1)

	if st := h.m.Status(); st.Queued != 2 || st.Dropped != 0 {
		t.Fatalf("after drop: %+v", st)
	}
	_ = h.m.Send(frame(4))

	h.clock.Advance(baseDelay)
	h.waitState(t, stream.StateConnected)
	assertWire(t, first, "config", int16(1))
	assertWire(t, h.dialer.Last(), "config", int16(2), int16(3), int16(4))
}

func TestManager_HeartbeatPing(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	h.clock.Advance(stream.DefaultHeartbeatInterval)
	h.clock.Advance(stream.DefaultHeartbeatInterval)
	assertWire(t, conn, "config", "ping", "ping")

	ts, ok := conn.Sent()[1].Control.Fields["timestamp"].(float64)
	if !ok || ts <= 0 {
		t.Errorf("ping timestamp = %v", conn.Sent()[1].Control.Fields["timestamp"])
	}
}

func TestManager_PongTimeoutDropsConnection(t *testing.T) {
	h := newHarness(t, func(c *stream.Config) { c.PongTimeout = 15 * time.Second })
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	// The service answers the first ping, then goes silent.
	h.clock.Advance(stream.DefaultHeartbeatInterval)
	conn.Deliver(`{"type":"pong"}`)
	want := h.clock.Now()
	waitFor(t, "pong recorded", func() bool { return h.m.Status().LastInbound.Equal(want) })

	h.clock.Advance(stream.DefaultHeartbeatInterval)
	if got := h.m.State(); got != stream.StateConnected {
		t.Fatalf("dropped too early: %s", got)
	}
	h.clock.Advance(stream.DefaultHeartbeatInterval)
	if st := h.m.Status(); st.State != stream.StateDisconnected || st.Attempts != 1 {
		t.Fatalf("after silence: %+v", st)
	}
	waitFor(t, "stale connection closed", conn.Closed)
}

func TestManager_AnswersPing(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	conn.Deliver(`{"type":"ping","timestamp":1700000000}`)
	waitFor(t, "pong reply", func() bool { return len(conn.Sent()) == 2 })
	assertWire(t, conn, "config", "pong")

	data, text, err := conn.Sent()[1].Payload()
	if err != nil || !text || string(data) != "pong" {
		t.Errorf("reply payload = %q (text=%v, err=%v), want bare pong", data, text, err)
	}
}

func TestManager_GPUWarningAppliesToNextConnection(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	first := h.dialer.Last()

	first.Deliver(`{"type":"gpu_warning","message":"CUDA not available"}`)
	waitFor(t, "downgrade", func() bool {
		return h.m.Status().Session.Capabilities[stream.CapUseGPU] == false
	})
	if first.Sent()[0].Control.Fields[stream.CapUseGPU] != true {
		t.Fatal("open connection's config was altered")
	}

	// A hot reload cannot re-enable a downgraded capability.
	h.m.UpdateSession(stream.SessionConfig{
		Model:        "small",
		Language:     "de",
		SampleRate:   16000,
		Capabilities: map[string]any{stream.CapUseGPU: true},
	})

	first.Fail(errors.New("eof"))
	h.waitAttempts(t, 1)
	h.clock.Advance(baseDelay)
	h.waitState(t, stream.StateConnected)

	cfg := h.dialer.Last().Sent()[0].Control
	if cfg.Fields[stream.CapUseGPU] != false {
		t.Errorf("use_gpu on next connection = %v, want false", cfg.Fields[stream.CapUseGPU])
	}
	if cfg.Fields["model"] != "small" {
		t.Errorf("model = %v, want small", cfg.Fields["model"])
	}
}

func TestManager_MalformedControlIsCountedAndIgnored(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)
	conn := h.dialer.Last()

	conn.Deliver(`{not json`)
	conn.Deliver(`{"no_type":true}`)
	conn.Deliver(`{"type":"bogus","value":3}`)
	// Both are regular service output, neither malformed nor unknown.
	conn.Deliver(`{"progress":0.5,"status":"transcribing","client_id":"abc"}`)
	conn.Deliver(`Server received: hello`)
	conn.Deliver(`{"type":"ping","timestamp":1}`)

	// The ping reply marks the end of dispatch.
	waitFor(t, "pong reply", func() bool { return len(conn.Sent()) == 2 })
	st := h.m.Status()
	if st.Malformed != 2 || st.Unknown != 1 {
		t.Errorf("malformed = %d, unknown = %d, want 2 and 1", st.Malformed, st.Unknown)
	}
	if st.State != stream.StateConnected {
		t.Errorf("state = %s, want connected", st.State)
	}
}

func TestManager_TranscriptHandler(t *testing.T) {
	got := make(chan stream.ControlEvent, 1)
	h := newHarness(t, func(c *stream.Config) {
		c.OnTranscript = func(ev stream.ControlEvent) { got <- ev }
	})
	_ = h.m.Start(t.Context())
	h.waitState(t, stream.StateConnected)

	h.dialer.Last().Deliver(`{"type":"transcript","text":"hello world","is_final":true}`)
	select {
	case ev := <-got:
		if ev.Text != "hello world" || !ev.IsFinal {
			t.Errorf("transcript = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not delivered")
	}
}
