// Package mock provides in-memory implementations of [stream.Dialer],
// [stream.Conn] and [stream.Clock] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on what the manager wrote, and expose knobs to inject failures.
//
// Typical usage:
//
//	clock := mock.NewClock()
//	dialer := &mock.Dialer{Script: []mock.DialResult{{Err: errRefused}}}
//	m, _ := stream.NewManager(stream.Config{URL: "ws://svc/stream", Dialer: dialer, Clock: clock})
//	_ = m.Start(ctx)            // first dial fails, reconnect armed
//	clock.Advance(time.Second)  // second dial gets a fresh *mock.Conn
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/micstream/internal/stream"
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock [stream.Conn]. Use [NewConn] to create one.
type Conn struct {
	mu sync.Mutex

	// SendErr, when set, is returned by Send and the message is not recorded.
	SendErr error

	// CloseError is returned by Close.
	CloseError error

	sent       []stream.Message
	held       []stream.Message
	stalled    bool
	detached   bool
	in         chan []byte
	err        error
	closed     bool
	closeCalls int
}

var _ stream.Conn = (*Conn)(nil)

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{in: make(chan []byte, 64)}
}

// Send implements [stream.Conn].
func (c *Conn) Send(msg stream.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.detached {
		return stream.ErrConnClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.stalled {
		c.held = append(c.held, msg)
		return nil
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Unsent implements [stream.Conn]. It returns the messages held by [Conn.Stall]
// and detaches the connection so later sends fail.
func (c *Conn) Unsent() []stream.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	out := c.held
	c.held = nil
	return out
}

// Stall makes Send accept messages without writing them, like a peer that
// stopped reading. Held messages are returned by Unsent.
func (c *Conn) Stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = true
}

// Held returns how many messages Send accepted while stalled.
func (c *Conn) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Inbound implements [stream.Conn].
func (c *Conn) Inbound() <-chan []byte { return c.in }

// Err implements [stream.Conn].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [stream.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return c.CloseError
}

// Deliver simulates an inbound text message. It is dropped if the
// connection is closed or its inbound buffer is full.
func (c *Conn) Deliver(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.in <- []byte(data):
	default:
	}
}

// Fail simulates the peer dropping the connection with err.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.in)
}

// SetSendErr changes SendErr under the mock's lock.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// Sent returns a copy of every message accepted by Send, in order.
func (c *Conn) Sent() []stream.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// CallCountClose returns how many times Close was called.
func (c *Conn) CallCountClose() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// DialResult is one scripted outcome of [Dialer.Dial].
type DialResult struct {
	Conn *Conn
	Err  error
}

// Dialer is a mock [stream.Dialer]. Each Dial consumes the next Script entry;
// once the script is exhausted Dial returns a fresh [Conn].
type Dialer struct {
	mu sync.Mutex

	// Script holds the outcomes of successive Dial calls.
	Script []DialResult

	// Gate, when non-nil, makes Dial block until it is closed or the dial
	// context ends.
	Gate chan struct{}

	urls  []string
	conns []*Conn
}

var _ stream.Dialer = (*Dialer)(nil)

// Dial implements [stream.Dialer].
func (d *Dialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	d.mu.Lock()
	gate := d.Gate
	d.urls = append(d.urls, url)
	var res DialResult
	if len(d.Script) > 0 {
		res = d.Script[0]
		d.Script = d.Script[1:]
	} else {
		res.Conn = NewConn()
	}
	if res.Err == nil && res.Conn == nil {
		res.Conn = NewConn()
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if res.Err != nil {
		return nil, res.Err
	}
	d.mu.Lock()
	d.conns = append(d.conns, res.Conn)
	d.mu.Unlock()
	return res.Conn, nil
}

// Calls returns the URLs passed to Dial, in order.
func (d *Dialer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.urls)
}

// Conns returns the connections handed out so far, in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.conns)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually advanced [stream.Clock]. Timer callbacks run
// synchronously inside [Clock.Advance], on the caller's goroutine.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

var _ stream.Clock = (*Clock)(nil)

type timer struct {
	clock *Clock
	when  time.Time
	f     func()
	done  bool
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements [stream.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [stream.Clock].
func (c *Clock) AfterFunc(d time.Duration, f func()) stream.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *timer
		for _, t := range c.timers {
			if t.done || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.timers = slices.DeleteFunc(c.timers, func(t *timer) bool { return t.done })
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the remaining delay of every armed timer, in the order
// the timers were created.
func (c *Clock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.done {
			out = append(out, t.when.Sub(c.now))
		}
	}
	return out
}
