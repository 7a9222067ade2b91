package stream

import (
	"context"
	"errors"
)

var (
	// ErrConnClosed is returned by [Conn.Send] once the connection has ended.
	ErrConnClosed = errors.New("stream: connection closed")

	// ErrConnBusy is returned by [Conn.Send] when the connection already
	// holds its limit of unwritten messages. The message was not accepted
	// and stays with the caller.
	ErrConnBusy = errors.New("stream: connection write buffer full")
)

// Dialer opens connections to the transcription service.
type Dialer interface {
	// Dial connects to url. It must honour ctx cancellation and deadline.
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open, message-oriented connection. Implementations must be
// safe for concurrent use.
type Conn interface {
	// Send hands msg to the connection for writing without blocking.
	// Messages accepted by Send are written in order. Audio messages go out
	// as binary messages and control messages as text messages.
	Send(msg Message) error

	// Inbound delivers received text messages. It is closed when the
	// connection ends for any reason.
	Inbound() <-chan []byte

	// Err reports why the connection ended. It is only meaningful after
	// Inbound has been closed; nil means a normal closure.
	Err() error

	// Unsent stops writing and returns the messages Send accepted that have
	// not been written yet, oldest first. Send fails with [ErrConnClosed]
	// afterwards. Close must still be called.
	Unsent() []Message

	// Close performs a graceful close. It is idempotent.
	Close() error
}
