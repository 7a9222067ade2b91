package stream

import (
	"errors"
	"sync"
)

// DefaultQueueCapacity is the number of messages held while disconnected.
const DefaultQueueCapacity = 100

// ErrQueueFull is returned by [Queue.Push] when the queue is at capacity.
// The rejected message is dropped; queued messages are kept in order.
var ErrQueueFull = errors.New("stream: outbound queue full")

// Queue is a bounded FIFO of outbound messages awaiting a connection. When
// full it rejects the newest message so that the oldest audio is delivered
// first after a reconnect. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buf     []Message // ring buffer, len(buf) == capacity
	head    int
	size    int
	dropped int64
}

// NewQueue returns an empty queue holding at most capacity messages. A
// capacity <= 0 selects [DefaultQueueCapacity].
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{buf: make([]Message, capacity)}
}

// Push appends msg, or returns [ErrQueueFull] if the queue is at capacity.
func (q *Queue) Push(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		q.dropped++
		return ErrQueueFull
	}
	q.buf[(q.head+q.size)%len(q.buf)] = msg
	q.size++
	return nil
}

// Requeue puts msgs back at the head of the queue, ahead of everything
// already queued, keeping their order. They are older than the queued
// messages, so when the total exceeds capacity the newest messages are
// dropped. It returns how many messages were dropped.
func (q *Queue) Requeue(msgs []Message) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(msgs) == 0 {
		return 0
	}
	all := make([]Message, 0, len(msgs)+q.size)
	all = append(all, msgs...)
	for i := range q.size {
		all = append(all, q.buf[(q.head+i)%len(q.buf)])
	}
	dropped := 0
	if len(all) > len(q.buf) {
		dropped = len(all) - len(q.buf)
		all = all[:len(q.buf)]
	}
	clear(q.buf)
	copy(q.buf, all)
	q.head = 0
	q.size = len(all)
	q.dropped += int64(dropped)
	return dropped
}

// Peek returns the oldest message without removing it.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Message{}, false
	}
	return q.buf[q.head], true
}

// Pop removes and returns the oldest message.
func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Message{}, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return msg, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns how many messages Push and Requeue have dropped since
// creation.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
