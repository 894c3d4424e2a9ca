package devicert

import (
	"encoding/json"
	"testing"
	"time"

	"microclaw/host/internal/protocol"
)

func frame(seq uint64, source, messageID string, kind protocol.MessageKind, issuedAt int64) protocol.TransportMessage {
	return protocol.TransportMessage{
		Envelope: protocol.Envelope{
			Version:   protocol.Version,
			Seq:       seq,
			Source:    source,
			DeviceID:  DeviceID,
			SessionID: SessionID,
			MessageID: messageID,
		},
		Kind:       kind,
		IssuedAtMs: &issuedAt,
	}
}

func TestS1HelloAckConnects(t *testing.T) {
	s := New()
	action := s.ApplyTransportMessage(frame(1, "host", "m1", protocol.KindHelloAck, 0))
	if action.Kind != ActionRaiseUiState || action.UiState != "connected" {
		t.Fatalf("expected connected ui state, got %+v", action)
	}
	if s.Mode().Kind != Connected {
		t.Fatalf("expected Connected mode, got %v", s.Mode())
	}
}

func TestS2DuplicateRejection(t *testing.T) {
	s := New()
	s.ApplyTransportMessage(frame(1, "host", "m1", protocol.KindHelloAck, 0))
	action := s.ApplyTransportMessage(frame(2, "host", "m1", protocol.KindHelloAck, 0))
	if action.Kind != ActionRaiseUiState || action.UiState != "replay_or_duplicate_rejected" {
		t.Fatalf("expected replay_or_duplicate_rejected, got %+v", action)
	}
}

func TestS3TouchDrivesAction(t *testing.T) {
	s := New() // mode starts Booting -> scene Boot
	action := s.ApplyTouchEvent(Point{X: 150, Y: 300}, protocol.PhaseDown)
	if action.Kind != ActionEmitCommand {
		t.Fatalf("expected EmitCommand, got %+v", action)
	}
	inFlight := s.InFlight()
	entry, ok := inFlight[action.CorrID]
	if !ok || entry.Action != protocol.ActionRetry {
		t.Fatalf("expected in-flight Retry command, got %+v ok=%v", entry, ok)
	}
}

func TestS4OtaStartParsesArgs(t *testing.T) {
	s := New()
	payload, _ := json.Marshal(protocol.CommandPayload{Action: "ota_start", Args: map[string]any{"version": "1.2.3"}})
	msg := frame(1, "host", "m1", protocol.KindCommand, 0)
	msg.Payload = payload
	action := s.ApplyTransportMessage(msg)
	if action.UiState != "command_ota_start" {
		t.Fatalf("expected command_ota_start, got %+v", action)
	}
	if s.otaTargetVersion == nil || *s.otaTargetVersion != "1.2.3" {
		t.Fatalf("expected ota target version 1.2.3, got %v", s.otaTargetVersion)
	}
	if !s.otaInProgress {
		t.Fatalf("expected ota_in_progress true")
	}
}

func TestS5UnauthorisedSource(t *testing.T) {
	s := New(WithHostAllowlist([]string{"trusted-host"}))
	action := s.ApplyTransportMessage(frame(1, "evil-host", "m1", protocol.KindHelloAck, 0))
	if action.UiState != "command_denied_unauthorized_source" {
		t.Fatalf("expected command_denied_unauthorized_source, got %+v", action)
	}
	if s.SafetyFailCount() != 1 {
		t.Fatalf("expected safety_fail_count=1, got %d", s.SafetyFailCount())
	}
}

func TestS6StaleHeartbeat(t *testing.T) {
	s := New()
	s.ApplyTransportMessage(frame(1, "host", "m1", protocol.KindHelloAck, 0))
	s.ApplyTransportMessage(frame(2, "host", "m2", protocol.KindHeartbeat, 10))

	if went := s.MarkOfflineIfStale(50*time.Millisecond, 100*time.Millisecond); went {
		t.Fatalf("expected fresh heartbeat to not go offline")
	}
	if went := s.MarkOfflineIfStale(200*time.Millisecond, 100*time.Millisecond); !went {
		t.Fatalf("expected stale heartbeat to go offline")
	}
	if s.Mode().Kind != Offline {
		t.Fatalf("expected Offline mode, got %v", s.Mode())
	}
}

func TestSafetyLockdownSticky(t *testing.T) {
	s := New(WithHostAllowlist([]string{"trusted-host"}), WithSafetyFailLimit(2))
	for i := 0; i < 2; i++ {
		s.ApplyTransportMessage(frame(uint64(i+1), "evil-host", "m", protocol.KindHelloAck, 0))
	}
	if !s.SafetyLockdownCheck() {
		t.Fatalf("expected lockdown to trigger at limit")
	}
	if s.Mode().Kind != SafeMode {
		t.Fatalf("expected SafeMode, got %v", s.Mode())
	}
	// Sticky: re-evaluating SafetyLockdownCheck once in SafeMode is a no-op
	// and does not leave SafeMode.
	if s.SafetyLockdownCheck() {
		t.Fatalf("expected no-op once already in SafeMode")
	}
	if s.Mode().Kind != SafeMode {
		t.Fatalf("expected SafeMode to remain sticky, got %v", s.Mode())
	}
}

func TestCommandAckRemovesInFlight(t *testing.T) {
	s := New()
	emit := s.EmitCommand(protocol.ActionStatusGet)
	ack := frame(emit.Command.Envelope.Seq+10, "host", "ack-1", protocol.KindCommandAck, 0)
	ack.CorrID = emit.CorrID
	action := s.ApplyTransportMessage(ack)
	if action.Kind != ActionEmitAck || action.Status != "command_ack" {
		t.Fatalf("expected EmitAck command_ack, got %+v", action)
	}
	if _, ok := s.InFlight()[emit.CorrID]; ok {
		t.Fatalf("expected in-flight entry to be removed")
	}
}

func TestCommandParseErrorLeavesStateUntouched(t *testing.T) {
	s := New()
	before := s.Mode()
	msg := frame(1, "host", "m1", protocol.KindCommand, 0)
	msg.Payload = []byte(`not json`)
	action := s.ApplyTransportMessage(msg)
	if action.UiState != "command_parse_error" {
		t.Fatalf("expected command_parse_error, got %+v", action)
	}
	if s.Mode() != before {
		t.Fatalf("expected mode unchanged on parse failure, got %v", s.Mode())
	}
}

func TestCommandResultForOtaStartCompletesOta(t *testing.T) {
	s := New()
	emit := s.EmitCommand(protocol.ActionOtaStart)
	msg := frame(emit.Command.Envelope.Seq+10, "host", "result-1", protocol.KindCommandResult, 0)
	msg.CorrID = emit.CorrID
	msg.Payload = json.RawMessage(`{"success":true}`)
	action := s.ApplyTransportMessage(msg)
	if action.UiState != "ota_complete" {
		t.Fatalf("expected ota_complete, got %+v", action)
	}
	if _, ok := s.InFlight()[emit.CorrID]; ok {
		t.Fatalf("expected in-flight ota_start entry to be removed")
	}
}

func TestCommandResultForNonOtaCommandRaisesCommandResult(t *testing.T) {
	s := New()
	emit := s.EmitCommand(protocol.ActionRetry)
	msg := frame(emit.Command.Envelope.Seq+10, "host", "result-2", protocol.KindCommandResult, 0)
	msg.CorrID = emit.CorrID
	action := s.ApplyTransportMessage(msg)
	if action.UiState != "command_result" {
		t.Fatalf("expected command_result, got %+v", action)
	}
}

func TestMalformedStatusPayloadStillRaisesStatusUpdated(t *testing.T) {
	s := New()
	s.ApplyTransportMessage(frame(1, "host", "m1", protocol.KindHelloAck, 0))
	before := s.Mode()
	msg := frame(2, "host", "m2", protocol.KindStatusSnapshot, 0)
	msg.Payload = []byte(`not json`)
	action := s.ApplyTransportMessage(msg)
	if action.UiState != "status_updated" {
		t.Fatalf("expected status_updated even on malformed payload, got %+v", action)
	}
	if s.Mode() != before {
		t.Fatalf("expected mode unchanged on malformed status payload, got %v", s.Mode())
	}
}
