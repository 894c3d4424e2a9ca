package protocol

import (
	"encoding/json"
	"time"
)

// MessageKind is the closed set of transport message kinds. Unknown wire
// tokens degrade to KindUnknown rather than an error, preserving
// forward-compatibility with future device firmware.
type MessageKind string

const (
	KindHelloAck       MessageKind = "hello_ack"
	KindHeartbeat      MessageKind = "heartbeat"
	KindStatusSnapshot MessageKind = "status_snapshot"
	KindStatusDelta    MessageKind = "status_delta"
	KindCommand        MessageKind = "command"
	KindHostCommand    MessageKind = "host_command"
	KindCommandAck     MessageKind = "command_ack"
	KindCommandResult  MessageKind = "command_result"
	KindError          MessageKind = "error"
	KindTouchEvent     MessageKind = "touch_event"
	KindUnknown        MessageKind = "unknown"
)

// ParseMessageKind maps a wire token to a MessageKind, defaulting to
// KindUnknown for anything not in the closed set.
func ParseMessageKind(raw string) MessageKind {
	switch MessageKind(raw) {
	case KindHelloAck, KindHeartbeat, KindStatusSnapshot, KindStatusDelta,
		KindCommand, KindHostCommand, KindCommandAck, KindCommandResult,
		KindError, KindTouchEvent:
		return MessageKind(raw)
	default:
		return KindUnknown
	}
}

// TransportMessage is a single framed message exchanged over the wire.
type TransportMessage struct {
	Envelope   Envelope        `json:"envelope"`
	Kind       MessageKind     `json:"kind"`
	CorrID     string          `json:"corr_id,omitempty"`
	TTLMs      *int64          `json:"ttl_ms,omitempty"`
	IssuedAtMs *int64          `json:"issued_at_ms,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	Nonce      string          `json:"nonce,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// wireFrame mirrors the flattened on-the-wire JSON shape documented in §6:
// the envelope fields are inlined alongside the message fields rather than
// nested, matching what device firmware actually emits.
type wireFrame struct {
	V         uint8           `json:"v"`
	Seq       uint64          `json:"seq"`
	Source    string          `json:"source"`
	DeviceID  string          `json:"device_id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Kind      string          `json:"kind"`
	CorrID    string          `json:"corr_id,omitempty"`
	TTLMs     *int64          `json:"ttl_ms,omitempty"`
	IssuedAt  *int64          `json:"issued_at,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON flattens the envelope into the wire-level frame shape.
func (m TransportMessage) MarshalJSON() ([]byte, error) {
	frame := wireFrame{
		V:         m.Envelope.Version,
		Seq:       m.Envelope.Seq,
		Source:    m.Envelope.Source,
		DeviceID:  m.Envelope.DeviceID,
		SessionID: m.Envelope.SessionID,
		MessageID: m.Envelope.MessageID,
		Kind:      string(m.Kind),
		CorrID:    m.CorrID,
		TTLMs:     m.TTLMs,
		IssuedAt:  m.IssuedAtMs,
		Signature: m.Signature,
		Nonce:     m.Nonce,
		Payload:   m.Payload,
	}
	return json.Marshal(frame)
}

// UnmarshalJSON restores a TransportMessage from the flattened wire shape.
func (m *TransportMessage) UnmarshalJSON(data []byte) error {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	m.Envelope = Envelope{
		Version:   frame.V,
		Seq:       frame.Seq,
		Source:    frame.Source,
		DeviceID:  frame.DeviceID,
		SessionID: frame.SessionID,
		MessageID: frame.MessageID,
	}
	m.Kind = ParseMessageKind(frame.Kind)
	m.CorrID = frame.CorrID
	m.TTLMs = frame.TTLMs
	m.IssuedAtMs = frame.IssuedAt
	m.Signature = frame.Signature
	m.Nonce = frame.Nonce
	m.Payload = frame.Payload
	return nil
}

// Expired reports whether the message has outlived its TTL relative to now.
func (m TransportMessage) Expired(now time.Time) bool {
	if m.TTLMs == nil || m.IssuedAtMs == nil {
		return false
	}
	issued := time.UnixMilli(*m.IssuedAtMs)
	deadline := issued.Add(time.Duration(*m.TTLMs) * time.Millisecond)
	return now.After(deadline)
}
