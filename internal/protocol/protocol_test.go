package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTransportMessageRoundTrip(t *testing.T) {
	issued := int64(1000)
	ttl := int64(500)
	msg := TransportMessage{
		Envelope: Envelope{
			Version:   Version,
			Seq:       7,
			Source:    "host",
			DeviceID:  "dev-1",
			SessionID: "boot",
			MessageID: "m1",
		},
		Kind:       KindCommand,
		CorrID:     "corr-7",
		TTLMs:      &ttl,
		IssuedAtMs: &issued,
		Payload:    json.RawMessage(`{"action":"retry"}`),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded TransportMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Envelope != msg.Envelope {
		t.Fatalf("envelope mismatch: got %+v want %+v", decoded.Envelope, msg.Envelope)
	}
	if decoded.Kind != KindCommand {
		t.Fatalf("kind mismatch: %v", decoded.Kind)
	}
	if decoded.CorrID != "corr-7" {
		t.Fatalf("corr_id mismatch: %v", decoded.CorrID)
	}
}

func TestParseMessageKindUnknownDegrades(t *testing.T) {
	if got := ParseMessageKind("something_new"); got != KindUnknown {
		t.Fatalf("expected KindUnknown, got %v", got)
	}
	if got := ParseMessageKind("heartbeat"); got != KindHeartbeat {
		t.Fatalf("expected KindHeartbeat, got %v", got)
	}
}

func TestParseDeviceActionUnknownDegrades(t *testing.T) {
	if got := ParseDeviceAction("self_destruct"); got != ActionUnknown {
		t.Fatalf("expected ActionUnknown, got %v", got)
	}
	if got := ParseDeviceAction("ota_start"); got != ActionOtaStart {
		t.Fatalf("expected ActionOtaStart, got %v", got)
	}
}

func TestMessageExpired(t *testing.T) {
	issued := int64(0)
	ttl := int64(1000)
	msg := TransportMessage{TTLMs: &ttl, IssuedAtMs: &issued}
	if msg.Expired(time.UnixMilli(500)) {
		t.Fatalf("message should not be expired yet")
	}
	if !msg.Expired(time.UnixMilli(1500)) {
		t.Fatalf("message should be expired")
	}
}

func TestDecodeCommandPayload(t *testing.T) {
	payload, err := DecodeCommandPayload(json.RawMessage(`{"action":"ota_start","args":{"version":"1.2.3"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	version, ok := payload.VersionArg()
	if !ok || version != "1.2.3" {
		t.Fatalf("expected version arg 1.2.3, got %q ok=%v", version, ok)
	}

	if _, err := DecodeCommandPayload(nil); err != ErrEmptyPayload {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := DecodeCommandPayload(json.RawMessage(`{}`)); err != ErrMissingAction {
		t.Fatalf("expected ErrMissingAction, got %v", err)
	}
}

func TestDecodeTouchEventPayload(t *testing.T) {
	event, err := DecodeTouchEventPayload(json.RawMessage(`{"phase":"down","x":150,"y":300,"pointer_id":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ParseTouchPhase(event.Phase) != PhaseDown {
		t.Fatalf("expected down phase, got %v", event.Phase)
	}
}
