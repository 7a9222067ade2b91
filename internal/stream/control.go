package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/micstream/internal/observe"
)

// ControlEvent is a parsed inbound control message.
type ControlEvent struct {
	Type string `json:"type"`

	// Message is the human-readable text of gpu_warning and error
	// messages, and the whole payload of a bare text message.
	Message string `json:"message,omitempty"`

	// Capability names the flag a capability_downgrade disables.
	Capability string `json:"capability,omitempty"`

	// Text and IsFinal are set on transcript messages.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// Timestamp is the sender's clock in Unix seconds, when present.
	Timestamp float64 `json:"timestamp,omitempty"`

	// Progress, Status and ClientID are set on progress reports, which the
	// service sends without a "type".
	Progress *float64 `json:"progress,omitempty"`
	Status   string   `json:"status,omitempty"`
	ClientID string   `json:"client_id,omitempty"`

	// Raw is the undecoded message.
	Raw json.RawMessage `json:"-"`
}

// ControlChannel parses inbound text messages and routes them to handlers
// by their type (see [ParseControl]). Unknown types are logged and
// discarded; broken JSON and objects without a recognisable type are
// counted as malformed and discarded. Dispatch never panics on bad input.
type ControlChannel struct {
	metrics *observe.Metrics

	mu       sync.RWMutex
	handlers map[string]func(context.Context, ControlEvent)

	malformed atomic.Int64
	unknown   atomic.Int64
}

// NewControlChannel returns a channel with no handlers registered.
func NewControlChannel(metrics *observe.Metrics) *ControlChannel {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &ControlChannel{
		metrics:  metrics,
		handlers: make(map[string]func(context.Context, ControlEvent)),
	}
}

// Handle registers fn for messages of type typ, replacing any previous
// handler.
func (c *ControlChannel) Handle(typ string, fn func(context.Context, ControlEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = fn
}

// Dispatch parses data and invokes the matching handler. It reports whether
// a handler ran.
func (c *ControlChannel) Dispatch(ctx context.Context, data []byte) bool {
	ev, ok := ParseControl(data)
	if !ok {
		c.malformed.Add(1)
		c.metrics.RecordControlMessage(ctx, "malformed")
		slog.Warn("stream: dropping malformed control message", "bytes", len(data))
		return false
	}

	c.mu.RLock()
	fn := c.handlers[ev.Type]
	c.mu.RUnlock()

	if fn == nil {
		c.unknown.Add(1)
		c.metrics.RecordControlMessage(ctx, "unknown")
		slog.Debug("stream: ignoring unknown control message", "type", ev.Type)
		return false
	}

	c.metrics.RecordControlMessage(ctx, ev.Type)
	fn(ctx, ev)
	return true
}

// Malformed returns how many messages failed to parse.
func (c *ControlChannel) Malformed() int64 { return c.malformed.Load() }

// Unknown returns how many well-formed messages had no handler.
func (c *ControlChannel) Unknown() int64 { return c.unknown.Load() }

// ParseControl decodes an inbound text message. A JSON object is typed by
// its "type" field, or as [TypeProgress] when it carries "progress" instead.
// Text that is not JSON at all becomes [TypeText], except the bare
// [PongReply], which is [TypePong]. It returns false for broken JSON, JSON
// that is not an object, and objects with no recognisable type.
func ParseControl(data []byte) (ControlEvent, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ControlEvent{}, false
	}
	if trimmed[0] != '{' && !json.Valid(trimmed) {
		if string(trimmed) == PongReply {
			return ControlEvent{Type: TypePong}, true
		}
		return ControlEvent{Type: TypeText, Message: string(data)}, true
	}

	var ev ControlEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return ControlEvent{}, false
	}
	if ev.Type == "" && ev.Progress != nil {
		ev.Type = TypeProgress
	}
	if ev.Type == "" {
		return ControlEvent{}, false
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, true
}
