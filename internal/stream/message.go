package stream

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/MrWong99/micstream/pkg/audio"
)

// MessageKind discriminates the payloads carried by a [Message].
type MessageKind int

const (
	// KindAudio is an encoded audio frame, sent as a binary message.
	KindAudio MessageKind = iota

	// KindControl is a JSON control message, sent as a text message.
	KindControl

	// KindText is a bare text message such as the heartbeat reply.
	KindText
)

// String implements [fmt.Stringer].
func (k MessageKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindText:
		return "text"
	default:
		return "audio"
	}
}

// Message is one outbound unit: an audio frame, a control message or a
// bare text message.
type Message struct {
	Kind    MessageKind
	Audio   audio.EncodedFrame
	Control ControlMessage
	Text    string
}

// AudioMessage wraps an encoded frame.
func AudioMessage(f audio.EncodedFrame) Message {
	return Message{Kind: KindAudio, Audio: f}
}

// ControlMsg wraps a control message.
func ControlMsg(c ControlMessage) Message {
	return Message{Kind: KindControl, Control: c}
}

// TextMessage wraps a bare text payload.
func TextMessage(text string) Message {
	return Message{Kind: KindText, Text: text}
}

// Payload returns the wire bytes and whether they form a text message.
func (m Message) Payload() (data []byte, text bool, err error) {
	switch m.Kind {
	case KindControl:
		data, err = json.Marshal(m.Control)
		return data, true, err
	case KindText:
		return []byte(m.Text), true, nil
	default:
		return m.Audio.Bytes(), false, nil
	}
}

// Control message types.
const (
	TypeConfig              = "config"
	TypeConfigAck           = "config_ack"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeGPUWarning          = "gpu_warning"
	TypeCapabilityDowngrade = "capability_downgrade"
	TypeTranscript          = "transcript"
	TypeProgress            = "progress"
	TypeError               = "error"

	// TypeText marks an inbound text message that is not a JSON object,
	// such as the service's "Server received: ..." echo.
	TypeText = "text"
)

// PongReply is the literal text the service expects in answer to a ping.
// It also accepts it from us as proof of liveness, so it is sent bare
// rather than as a JSON control message.
const PongReply = "pong"

// ControlMessage is a JSON object with a "type" discriminator. Fields are
// flattened into the top-level object next to "type".
type ControlMessage struct {
	Type   string
	Fields map[string]any
}

// MarshalJSON implements [json.Marshaler].
func (c ControlMessage) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(c.Fields)+1)
	maps.Copy(obj, c.Fields)
	obj["type"] = c.Type
	return json.Marshal(obj)
}

// PingMessage returns a heartbeat ping stamped with now in Unix seconds.
func PingMessage(now time.Time) ControlMessage {
	return ControlMessage{
		Type:   TypePing,
		Fields: map[string]any{"timestamp": float64(now.UnixMilli()) / 1000},
	}
}

// Capability flags understood by the transcription service.
const (
	CapUseGPU       = "use_gpu"
	CapQuantization = "quantization"
	CapChunkLength  = "chunk_length_s"
)

// SessionConfig is the configuration handshake sent once at the start of
// every connection. The manager keeps a mutable default; each connection
// sends an immutable snapshot taken when it opens.
type SessionConfig struct {
	Model      string
	Language   string
	SampleRate int

	// Capabilities holds optional service flags, flattened into the payload.
	Capabilities map[string]any
}

// Clone returns a deep copy of c.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	out.Capabilities = maps.Clone(c.Capabilities)
	return out
}

// Message builds the {"type":"config",...} control message for c.
func (c SessionConfig) Message() ControlMessage {
	fields := make(map[string]any, len(c.Capabilities)+3)
	maps.Copy(fields, c.Capabilities)
	fields["model"] = c.Model
	fields["language"] = c.Language
	fields["sample_rate"] = c.SampleRate
	return ControlMessage{Type: TypeConfig, Fields: fields}
}
