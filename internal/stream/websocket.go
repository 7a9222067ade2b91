package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSendBuffer    = 16
	defaultInboundBuffer = 64
	defaultReadLimit     = 1 << 20

	// closeFlushTimeout bounds how long Close waits for accepted messages
	// to be written before abandoning them.
	closeFlushTimeout = 2 * time.Second
)

// WebSocketDialer dials the service over WebSocket.
type WebSocketDialer struct {
	// HTTPHeader is sent with the upgrade request.
	HTTPHeader http.Header

	// SendBuffer bounds the messages accepted by Send but not yet written.
	// Past it Send reports [ErrConnBusy] and the manager queues instead.
	// Default: 16.
	SendBuffer int

	// ReadLimit caps the size of one inbound message. Default: 1 MiB.
	ReadLimit int64
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial opens a WebSocket connection and starts its read and write loops.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", url, err)
	}

	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	sendBuffer := d.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	// The loops outlive the dial context, so they get their own.
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:    conn,
		limit:   sendBuffer,
		wake:    make(chan struct{}, 1),
		in:      make(chan []byte, defaultInboundBuffer),
		ctx:     loopCtx,
		cancel:  cancel,
		written: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// wsConn adapts a [websocket.Conn] to [Conn].
type wsConn struct {
	conn  *websocket.Conn
	limit int
	wake  chan struct{}
	in    chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards pending and closed. A message leaves pending only after
	// it has been written.
	mu      sync.Mutex
	pending []Message
	closed  bool

	once    sync.Once
	written chan struct{} // closed when writeLoop exits

	errMu sync.Mutex
	err   error
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return ErrConnClosed
	}
	if len(c.pending) >= c.limit {
		return ErrConnBusy
	}
	c.pending = append(c.pending, msg)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *wsConn) Inbound() <-chan []byte { return c.in }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Unsent stops the write loop and hands back what it had not written.
func (c *wsConn) Unsent() []Message {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	<-c.written

	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Close stops accepting messages, lets the write loop flush what it already
// accepted, then performs the close handshake.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}

		t := time.AfterFunc(closeFlushTimeout, c.cancel)
		<-c.written
		t.Stop()

		dead := c.ctx.Err() != nil
		err = c.conn.Close(websocket.StatusNormalClosure, "client stopping")
		c.cancel()
		if dead {
			// The peer is already gone; there is no handshake to complete.
			err = nil
		}
	})
	if err != nil {
		return fmt.Errorf("stream: close: %w", err)
	}
	return nil
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// next returns the oldest unwritten message. done is set once the loop
// should exit: the connection failed, or it is closing with nothing left.
func (c *wsConn) next() (msg Message, ok, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return Message{}, false, true
	}
	if len(c.pending) == 0 {
		return Message{}, false, c.closed
	}
	return c.pending[0], true, false
}

// popWritten removes the message at the head of pending once it is out.
func (c *wsConn) popWritten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		c.pending[0] = Message{}
		c.pending = c.pending[1:]
	}
}

// writeLoop writes accepted messages in order. On failure it leaves the
// unwritten messages in pending for Unsent.
func (c *wsConn) writeLoop() {
	defer close(c.written)
	for {
		msg, ok, done := c.next()
		if done {
			return
		}
		if !ok {
			select {
			case <-c.wake:
			case <-c.ctx.Done():
			}
			continue
		}

		data, text, err := msg.Payload()
		if err != nil {
			slog.Warn("stream: encode outbound message", "kind", msg.Kind, "err", err)
			c.popWritten()
			continue
		}
		typ := websocket.MessageBinary
		if text {
			typ = websocket.MessageText
		}
		if err := c.conn.Write(c.ctx, typ, data); err != nil {
			if c.ctx.Err() == nil {
				c.setErr(fmt.Errorf("stream: write: %w", err))
			}
			c.cancel()
			return
		}
		c.popWritten()
	}
}

// readLoop forwards text messages to in until the connection ends.
func (c *wsConn) readLoop() {
	defer close(c.in)
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && !c.isClosed() {
				c.setErr(fmt.Errorf("stream: read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("stream: ignoring inbound binary message", "bytes", len(data))
			continue
		}
		select {
		case c.in <- data:
		case <-c.ctx.Done():
			return
		}
	}
}
