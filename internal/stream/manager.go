// Package stream keeps one live audio stream to the transcription service.
//
// A [Manager] owns the connection lifecycle: it dials, sends the session
// config first on every connection, heartbeats, parks audio in a bounded
// [Queue] while disconnected, and reconnects with linear backoff until a
// retry ceiling is reached. All of its mutable state is guarded by a single
// mutex; timer and read-loop callbacks carry a connection generation token
// and become no-ops once that generation is superseded.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/micstream/internal/observe"
)

// Defaults applied by [NewManager] for zero-valued [Config] fields.
const (
	DefaultBaseDelay         = time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

var (
	// ErrRetryExhausted is reported once the reconnect ceiling is reached.
	// No further attempts are made until [Manager.Retry] is called.
	ErrRetryExhausted = errors.New("stream: retry attempts exhausted")

	// ErrStopped is returned by operations on a stopped manager.
	ErrStopped = errors.New("stream: manager stopped")

	// ErrNotStarted is returned by operations that need [Manager.Start].
	ErrNotStarted = errors.New("stream: manager not started")

	// ErrHeartbeatTimeout is the cause recorded when the service stops
	// answering heartbeats.
	ErrHeartbeatTimeout = errors.New("stream: heartbeat timeout")
)

// Config configures a [Manager].
type Config struct {
	// URL is the WebSocket endpoint, usually built by [Endpoint.StreamURL].
	URL string

	// Session is the initial config handshake sent on every connection.
	Session SessionConfig

	// BaseDelay is the backoff unit. Failure k waits BaseDelay*k.
	BaseDelay time.Duration

	// MaxAttempts is the number of consecutive failures after which
	// reconnection stops.
	MaxAttempts int

	// HeartbeatInterval is the ping period while connected.
	HeartbeatInterval time.Duration

	// PongTimeout, when positive, drops a connection from which nothing has
	// been received for HeartbeatInterval+PongTimeout. Zero disables it.
	PongTimeout time.Duration

	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration

	// QueueCapacity bounds the outbound queue. Default: 100.
	QueueCapacity int

	// Dialer opens connections. Default: a [WebSocketDialer].
	Dialer Dialer

	// Clock schedules reconnects and heartbeats. Default: [SystemClock].
	Clock Clock

	// Metrics receives instrumentation. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Default: [slog.Default].
	Logger *slog.Logger

	// OnStateChange is called after every state transition. It runs with
	// the manager's lock held and must not call back into the manager.
	OnStateChange func(from, to State)

	// OnTerminal is called exactly once each time the retry ceiling is
	// reached, with an error wrapping [ErrRetryExhausted].
	OnTerminal func(error)

	// OnTranscript receives transcript control messages.
	OnTranscript func(ControlEvent)
}

// Status is a point-in-time snapshot of a [Manager].
type Status struct {
	State       State         `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Exhausted   bool          `json:"exhausted"`
	Queued      int           `json:"queued"`
	Dropped     int64         `json:"dropped"`
	Malformed   int64         `json:"malformed_control"`
	Unknown     int64         `json:"unknown_control"`
	LastInbound time.Time     `json:"last_inbound,omitzero"`
	Session     SessionConfig `json:"-"`
}

// Manager maintains the streaming connection. Create one with [NewManager];
// a Manager is started once and stopped once.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	clock   Clock
	dialer  Dialer

	machine *Machine
	queue   *Queue
	control *ControlChannel

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	conn       Conn
	gen        uint64
	attempts   int
	exhausted  bool
	session    SessionConfig
	downgraded map[string]bool
	lastSeen   time.Time
	reconnect  Timer
	heartbeat  Timer
}

// NewManager validates cfg, applies defaults and returns an idle manager in
// [StateDisconnected].
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream: manager URL is empty")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PongTimeout < 0 {
		cfg.PongTimeout = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebSocketDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:        cfg,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		dialer:     cfg.Dialer,
		ctx:        context.Background(), // replaced by Start; Send may queue before it
		machine:    NewMachine(),
		queue:      NewQueue(cfg.QueueCapacity),
		control:    NewControlChannel(cfg.Metrics),
		session:    cfg.Session.Clone(),
		downgraded: make(map[string]bool),
	}
	m.machine.OnTransition(m.observeTransition)
	m.registerHandlers()
	return m, nil
}

// State returns the current session state.
func (m *Manager) State() State { return m.machine.State() }

// Control returns the inbound control channel so callers can register
// additional handlers.
func (m *Manager) Control() *ControlChannel { return m.control }

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:       m.machine.State(),
		Attempts:    m.attempts,
		MaxAttempts: m.cfg.MaxAttempts,
		Exhausted:   m.exhausted,
		Queued:      m.queue.Len(),
		Dropped:     m.queue.Dropped(),
		Malformed:   m.control.Malformed(),
		Unknown:     m.control.Unknown(),
		LastInbound: m.lastSeen,
		Session:     m.session.Clone(),
	}
}

// Start begins connecting. It returns immediately; progress is reported
// through state transitions. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	// Keep ctx values (trace, logger) but tie the lifetime to Stop.
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.log.Info("stream: starting", "url", m.cfg.URL, "model", m.session.Model)
	return m.beginConnectLocked()
}

// Retry restarts connecting after the retry ceiling was reached. It resets
// the attempt counter and dials immediately. It is a no-op unless the
// session is disconnected.
func (m *Manager) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if !m.started {
		return ErrNotStarted
	}
	if m.machine.State() != StateDisconnected {
		return nil
	}
	stopTimer(&m.reconnect)
	m.gen++
	m.attempts = 0
	m.exhausted = false
	m.log.Info("stream: retry requested")
	return m.beginConnectLocked()
}

// Stop shuts the stream down: it cancels the reconnect and heartbeat
// timers, detaches inbound handling, then closes the connection
// gracefully. Stop is idempotent and a no-op before Start.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true

	stopTimer(&m.reconnect)
	stopTimer(&m.heartbeat)

	m.gen++
	m.cancel()

	conn := m.conn
	m.conn = nil
	if st := m.machine.State(); st == StateConnected || st == StateConnecting {
		m.transitionLocked(StateClosing)
	}
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	m.mu.Lock()
	if m.machine.State() == StateClosing {
		m.transitionLocked(StateDisconnected)
	}
	queued := m.queue.Len()
	m.mu.Unlock()

	m.log.Info("stream: stopped", "undelivered", queued)
	return err
}

// Send delivers msg. While connected it is handed to the connection
// without blocking; before Start, while disconnected, or when the connection
// is busy it is queued. It returns [ErrQueueFull] when the message had to
// be dropped.
func (m *Manager) Send(msg Message) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}

	notify := noop
	if m.conn != nil && m.machine.State() == StateConnected {
		err := m.sendLiveLocked(msg)
		if !errors.Is(err, ErrConnClosed) {
			m.mu.Unlock()
			return err
		}
		// The connection is gone; fall back to the queue.
		notify = m.dropLocked(fmt.Errorf("stream: send: %w", err))
	}
	err := m.enqueueLocked(msg)
	m.mu.Unlock()
	notify()
	return err
}

// UpdateSession replaces the config sent on future connections. The open
// connection, if any, keeps the config it started with. Capabilities the
// service has downgraded stay disabled.
func (m *Manager) UpdateSession(cfg SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = cfg.Clone()
	for capability := range m.downgraded {
		m.disableLocked(capability)
	}
}

// Downgrade permanently disables capability for future connections.
func (m *Manager) Downgrade(capability string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.downgraded[capability] {
		return
	}
	m.downgraded[capability] = true
	m.disableLocked(capability)
	m.log.Warn("stream: capability downgraded for next connection", "capability", capability)
}

func (m *Manager) disableLocked(capability string) {
	if m.session.Capabilities == nil {
		m.session.Capabilities = make(map[string]any)
	}
	m.session.Capabilities[capability] = false
}

// ── Connection lifecycle ─────────────────────────────────────────────────────

func noop() {}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) transitionLocked(to State) {
	if err := m.machine.Transition(to); err != nil {
		m.log.Error("stream: state machine defect", "err", err)
	}
}

func (m *Manager) observeTransition(from, to State) {
	m.metrics.RecordStateTransition(context.Background(), from.String(), to.String())
	switch {
	case to == StateConnected:
		m.metrics.Connected.Add(context.Background(), 1)
	case from == StateConnected:
		m.metrics.Connected.Add(context.Background(), -1)
	}
	m.log.Debug("stream: state changed", "from", from, "to", to)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(from, to)
	}
}

// beginConnectLocked moves Disconnected → Connecting and dials in the
// background. It refuses once the attempt ceiling has been reached.
func (m *Manager) beginConnectLocked() error {
	if m.attempts >= m.cfg.MaxAttempts {
		return fmt.Errorf("stream: connect: %w", ErrRetryExhausted)
	}
	if err := m.machine.Transition(StateConnecting); err != nil {
		m.log.Error("stream: state machine defect", "err", err)
		return err
	}
	m.gen++
	go m.dial(m.gen, m.attempts+1, m.session.Clone())
	return nil
}

func (m *Manager) dial(gen uint64, attempt int, session SessionConfig) {
	ctx, span := observe.StartConnectSpan(m.ctx, m.cfg.URL, attempt)
	log := observe.LoggerFrom(ctx, m.log)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	start := time.Now()
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	elapsed := time.Since(start)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.stopped || m.machine.State() != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			go closeQuietly(conn)
		}
		observe.EndSpan(span, context.Canceled)
		return
	}

	if err != nil {
		m.metrics.RecordConnectAttempt(ctx, "failure", elapsed)
		m.transitionLocked(StateDisconnected)
		notify := m.failLocked(fmt.Errorf("stream: connect: %w", err))
		m.mu.Unlock()
		observe.EndSpan(span, err)
		notify()
		return
	}

	m.metrics.RecordConnectAttempt(ctx, "success", elapsed)
	m.conn = conn
	m.transitionLocked(StateConnected)
	m.attempts = 0
	m.exhausted = false
	m.lastSeen = m.clock.Now()
	log.Info("stream: connected", "attempt", attempt, "duration", elapsed)

	notify := noop
	if err := conn.Send(ControlMsg(session.Message())); err != nil {
		notify = m.dropLocked(fmt.Errorf("stream: send config: %w", err))
	} else if err := m.flushLocked(); err != nil {
		notify = m.dropLocked(err)
	} else {
		m.armHeartbeatLocked(m.gen)
		go m.readLoop(m.gen, conn)
	}
	m.mu.Unlock()
	observe.EndSpan(span, nil)
	notify()
}

// dropLocked abandons the current connection after a transport failure and
// schedules the next attempt. Messages the connection accepted but never
// wrote go back to the head of the queue. The returned func must be called
// after the lock is released.
func (m *Manager) dropLocked(cause error) func() {
	conn := m.conn
	m.conn = nil
	stopTimer(&m.heartbeat)
	m.gen++
	if st := m.machine.State(); st == StateConnected || st == StateConnecting {
		m.transitionLocked(StateDisconnected)
	}
	if conn != nil {
		m.requeueLocked(conn.Unsent())
		go closeQuietly(conn)
	}
	return m.failLocked(cause)
}

// requeueLocked parks unwritten audio ahead of the queued messages. Control
// messages belong to the connection they were written for and are
// discarded.
func (m *Manager) requeueLocked(unsent []Message) {
	frames := slices.DeleteFunc(unsent, func(msg Message) bool { return msg.Kind != KindAudio })
	if len(frames) == 0 {
		return
	}
	dropped := m.queue.Requeue(frames)
	for range dropped {
		m.metrics.RecordFrameDropped(m.ctx, "queue_full")
	}
	m.metrics.QueueDepth.Record(m.ctx, int64(m.queue.Len()))
	m.log.Info("stream: requeued unwritten audio", "frames", len(frames)-dropped, "dropped", dropped)
}

// failLocked records one failed attempt and either arms the reconnect timer
// or, at the ceiling, reports the terminal failure. The returned func must
// be called after the lock is released.
func (m *Manager) failLocked(cause error) func() {
	m.attempts++
	if m.attempts >= m.cfg.MaxAttempts {
		if m.exhausted {
			return noop
		}
		m.exhausted = true
		m.metrics.RetryExhausted.Add(m.ctx, 1)
		err := fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, m.attempts, cause)
		m.log.Error("stream: giving up", "attempts", m.attempts, "err", cause)
		if fn := m.cfg.OnTerminal; fn != nil {
			return func() { fn(err) }
		}
		return noop
	}

	delay := m.cfg.BaseDelay * time.Duration(m.attempts)
	gen := m.gen
	stopTimer(&m.reconnect)
	m.reconnect = m.clock.AfterFunc(delay, func() { m.reconnectFired(gen) })
	m.metrics.ReconnectsScheduled.Add(m.ctx, 1)
	m.log.Warn("stream: connection failed, reconnecting",
		"attempt", m.attempts,
		"max_attempts", m.cfg.MaxAttempts,
		"delay", delay,
		"err", cause,
	)
	return noop
}

func (m *Manager) reconnectFired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.gen || m.machine.State() != StateDisconnected {
		return
	}
	m.reconnect = nil
	if err := m.beginConnectLocked(); err != nil {
		m.log.Warn("stream: reconnect refused", "err", err)
	}
}

// readLoop dispatches inbound messages until the connection ends. Messages
// arriving after the connection was superseded are drained and ignored.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for data := range conn.Inbound() {
		if !m.touch(gen) {
			continue
		}
		m.control.Dispatch(m.ctx, data)
	}

	m.mu.Lock()
	if gen != m.gen || m.stopped || m.conn != conn {
		m.mu.Unlock()
		return
	}
	cause := conn.Err()
	if cause == nil {
		cause = errors.New("closed by peer")
	}
	notify := m.dropLocked(fmt.Errorf("stream: connection lost: %w", cause))
	m.mu.Unlock()
	notify()
}

// touch records inbound activity and reports whether gen is still current.
func (m *Manager) touch(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.stopped {
		return false
	}
	m.lastSeen = m.clock.Now()
	return true
}

func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeatFired(gen) })
}

func (m *Manager) heartbeatFired(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.heartbeat = nil

	now := m.clock.Now()
	silent := now.Sub(m.lastSeen)
	if m.cfg.PongTimeout > 0 && silent > m.cfg.HeartbeatInterval+m.cfg.PongTimeout {
		m.metrics.RecordHeartbeat(m.ctx, "timeout")
		notify := m.dropLocked(fmt.Errorf("%w: silent for %s", ErrHeartbeatTimeout, silent))
		m.mu.Unlock()
		notify()
		return
	}

	if err := m.conn.Send(ControlMsg(PingMessage(now))); errors.Is(err, ErrConnClosed) {
		notify := m.dropLocked(fmt.Errorf("stream: heartbeat: %w", err))
		m.mu.Unlock()
		notify()
		return
	}
	m.metrics.RecordHeartbeat(m.ctx, "sent")
	// Audio parked while the connection was busy may have no later Send
	// to carry it out.
	if err := m.flushLocked(); err != nil {
		notify := m.dropLocked(err)
		m.mu.Unlock()
		notify()
		return
	}
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()
}

// ── Outbound path ────────────────────────────────────────────────────────────

// sendLiveLocked hands msg to the open connection. Anything still queued
// goes first so delivery order is preserved; a busy connection parks msg
// in the queue.
func (m *Manager) sendLiveLocked(msg Message) error {
	if m.queue.Len() > 0 {
		if err := m.flushLocked(); err != nil {
			return err
		}
		if m.queue.Len() > 0 {
			return m.enqueueLocked(msg)
		}
	}
	err := m.conn.Send(msg)
	switch {
	case err == nil:
		if msg.Kind == KindAudio {
			m.metrics.FramesSent.Add(m.ctx, 1)
		}
		return nil
	case errors.Is(err, ErrConnBusy):
		// The next Send or heartbeat flushes it.
		return m.enqueueLocked(msg)
	default:
		return err
	}
}

// flushLocked writes queued messages oldest first. It stops early, leaving
// the rest queued, if the connection is busy; it returns an error if the
// connection has closed.
func (m *Manager) flushLocked() error {
	sent := 0
	defer func() {
		if sent > 0 {
			m.metrics.QueueDepth.Record(m.ctx, int64(m.queue.Len()))
			m.log.Debug("stream: flushed queue", "sent", sent, "remaining", m.queue.Len())
		}
	}()
	for {
		msg, ok := m.queue.Peek()
		if !ok {
			return nil
		}
		err := m.conn.Send(msg)
		if errors.Is(err, ErrConnBusy) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream: flush: %w", err)
		}
		m.queue.Pop()
		sent++
		if msg.Kind == KindAudio {
			m.metrics.FramesSent.Add(m.ctx, 1)
		}
	}
}

func (m *Manager) enqueueLocked(msg Message) error {
	if err := m.queue.Push(msg); err != nil {
		m.recordDrop(msg, "queue_full")
		return err
	}
	if msg.Kind == KindAudio {
		m.metrics.FramesQueued.Add(m.ctx, 1)
	}
	m.metrics.QueueDepth.Record(m.ctx, int64(m.queue.Len()))
	return nil
}

func (m *Manager) recordDrop(msg Message, reason string) {
	if msg.Kind == KindAudio {
		m.metrics.RecordFrameDropped(m.ctx, reason)
	}
}

// sendIfConnected writes a control reply to the open connection, if any.
// Replies are meaningless on a later connection, so they are never queued.
func (m *Manager) sendIfConnected(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.conn == nil || m.machine.State() != StateConnected {
		return
	}
	if err := m.conn.Send(msg); err != nil {
		m.log.Debug("stream: control reply not sent", "type", msg.Control.Type, "err", err)
	}
}

// ── Inbound control ──────────────────────────────────────────────────────────

func (m *Manager) registerHandlers() {
	m.control.Handle(TypePing, func(context.Context, ControlEvent) {
		m.sendIfConnected(TextMessage(PongReply))
	})
	m.control.Handle(TypePong, func(context.Context, ControlEvent) {})
	m.control.Handle(TypeConfigAck, func(_ context.Context, ev ControlEvent) {
		m.log.Debug("stream: config acknowledged", "message", ev.Message)
	})
	m.control.Handle(TypeGPUWarning, func(_ context.Context, ev ControlEvent) {
		m.log.Warn("stream: service reported gpu unavailable", "message", ev.Message)
		m.Downgrade(CapUseGPU)
	})
	m.control.Handle(TypeCapabilityDowngrade, func(_ context.Context, ev ControlEvent) {
		if ev.Capability == "" {
			m.log.Warn("stream: capability downgrade without capability name")
			return
		}
		m.Downgrade(ev.Capability)
	})
	m.control.Handle(TypeProgress, func(_ context.Context, ev ControlEvent) {
		var progress float64
		if ev.Progress != nil {
			progress = *ev.Progress
		}
		m.log.Debug("stream: service progress", "progress", progress, "status", ev.Status)
	})
	m.control.Handle(TypeText, func(_ context.Context, ev ControlEvent) {
		m.log.Debug("stream: service text message", "message", ev.Message)
	})
	m.control.Handle(TypeError, func(_ context.Context, ev ControlEvent) {
		m.log.Warn("stream: service error", "message", ev.Message)
	})
	m.control.Handle(TypeTranscript, func(_ context.Context, ev ControlEvent) {
		if m.cfg.OnTranscript != nil {
			m.cfg.OnTranscript(ev)
		}
	})
}

func closeQuietly(c Conn) {
	if err := c.Close(); err != nil {
		slog.Debug("stream: close superseded connection", "err", err)
	}
}
