// Package devicert implements the device runtime: a single-threaded,
// message-driven state machine that ingests framed transport messages,
// enforces replay/duplicate rejection, authorises sources, drives a
// scene-based UI, and emits outbound commands with correlation tracking.
package devicert

import (
	"fmt"
	"time"

	"microclaw/host/internal/protocol"
)

// DefaultSafetyFailLimit is the number of denied-source failures tolerated
// before the runtime enters sticky SafeMode. Configurable at construction
// (§9 Open Question resolution — see DESIGN.md).
const DefaultSafetyFailLimit = 5

// seenCap bounds the seen message-id set; on overflow it is flushed wholesale
// rather than maintained as an LRU (§9 Open Question resolution).
const seenCap = 512

// diagnosticsCap bounds the diagnostics ring buffer.
const diagnosticsCap = 16

// DeviceID and SessionID identify this runtime's outbound envelopes.
const (
	DeviceID  = "microclaw-device"
	SessionID = "boot"
)

// InFlightCommand tracks one unresolved outbound command awaiting an ack or
// result.
type InFlightCommand struct {
	CorrID       string
	Action       protocol.DeviceAction
	EnqueuedAtMs int64
}

// ActionKind is the closed set of outcomes apply_transport_message and
// apply_touch_event may produce.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRaiseUiState
	ActionEmitCommand
	ActionEmitAck
)

// RuntimeAction is the result of applying an inbound message or touch event.
type RuntimeAction struct {
	Kind    ActionKind
	UiState string
	Command protocol.TransportMessage
	CorrID  string
	Status  string
}

func none() RuntimeAction { return RuntimeAction{Kind: ActionNone} }

func raiseUiState(state string) RuntimeAction {
	return RuntimeAction{Kind: ActionRaiseUiState, UiState: state}
}

// State is the device runtime's full mutable state, matching the Rust
// original's RuntimeState field-for-field.
type State struct {
	mode             Mode
	lastSeq          uint64
	seenMessageIDs   map[string]struct{}
	inFlight         map[string]InFlightCommand
	diagnostics      []string
	lastStatus       *protocol.DeviceStatus
	offlineSinceMs   *int64
	lastHeartbeatMs  *int64
	hostAllowlist    []string
	safetyFailCount  int
	safetyFailLimit  int
	otaInProgress    bool
	otaTargetVersion *string
	otaErrorReason   *string

	now func() time.Time
}

// Option configures a State at construction.
type Option func(*State)

// WithHostAllowlist sets the set of envelope sources this runtime accepts.
// An empty allowlist or the sentinel "*" accepts every source.
func WithHostAllowlist(allowlist []string) Option {
	return func(s *State) { s.hostAllowlist = append([]string(nil), allowlist...) }
}

// WithSafetyFailLimit overrides the default safety-lockdown threshold.
func WithSafetyFailLimit(limit int) Option {
	return func(s *State) {
		if limit > 0 {
			s.safetyFailLimit = limit
		}
	}
}

// WithClock overrides the runtime's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *State) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a State in the initial Booting mode.
func New(opts ...Option) *State {
	s := &State{
		mode:            Mode{Kind: Booting},
		seenMessageIDs:  make(map[string]struct{}),
		inFlight:        make(map[string]InFlightCommand),
		diagnostics:     make([]string, 0, diagnosticsCap),
		safetyFailLimit: DefaultSafetyFailLimit,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Mode returns the current runtime mode.
func (s *State) Mode() Mode { return s.mode }

// LastSeq returns the last accepted envelope sequence number.
func (s *State) LastSeq() uint64 { return s.lastSeq }

// SafetyFailCount returns the current denied-source failure count.
func (s *State) SafetyFailCount() int { return s.safetyFailCount }

// InFlight returns a copy of the current in-flight command set, keyed by
// corr_id.
func (s *State) InFlight() map[string]InFlightCommand {
	out := make(map[string]InFlightCommand, len(s.inFlight))
	for k, v := range s.inFlight {
		out[k] = v
	}
	return out
}

// Diagnostics returns a copy of the diagnostics ring buffer, oldest first.
func (s *State) Diagnostics() []string {
	return append([]string(nil), s.diagnostics...)
}

func (s *State) pushDiagnostic(message string) {
	s.diagnostics = append(s.diagnostics, message)
	s.trimDiagnostics()
}

func (s *State) trimDiagnostics() {
	if len(s.diagnostics) > diagnosticsCap {
		excess := len(s.diagnostics) - diagnosticsCap
		s.diagnostics = s.diagnostics[excess:]
	}
}

func (s *State) trackMessageID(id string) {
	if len(s.seenMessageIDs) > seenCap {
		s.seenMessageIDs = make(map[string]struct{})
	}
	s.seenMessageIDs[id] = struct{}{}
}

func (s *State) allowlisted(source string) bool {
	if len(s.hostAllowlist) == 0 {
		return true
	}
	for _, allowed := range s.hostAllowlist {
		if allowed == "*" || allowed == source {
			return true
		}
	}
	return false
}

func (s *State) nowMs() int64 { return s.now().UnixMilli() }

// ApplyTransportMessage processes one inbound frame per §4.3's order of
// operations, short-circuiting at the first applicable gate.
func (s *State) ApplyTransportMessage(msg protocol.TransportMessage) RuntimeAction {
	//1.- Allowlist gate: denied sources never touch replay/dedup state.
	if !s.allowlisted(msg.Envelope.Source) {
		s.safetyFailCount++
		return raiseUiState("command_denied_unauthorized_source")
	}

	//2.- Replay/stale gate: reject already-seen or non-advancing sequence numbers.
	_, seen := s.seenMessageIDs[msg.Envelope.MessageID]
	if msg.Envelope.Seq <= s.lastSeq || seen {
		return raiseUiState("replay_or_duplicate_rejected")
	}

	//3.- Accept: advance last_seq, record the message id, and refresh the heartbeat.
	s.lastSeq = msg.Envelope.Seq
	s.trackMessageID(msg.Envelope.MessageID)
	heartbeat := s.nowMs()
	if msg.IssuedAtMs != nil {
		heartbeat = *msg.IssuedAtMs
	}
	s.lastHeartbeatMs = &heartbeat

	//4.- Dispatch by message kind.
	switch msg.Kind {
	case protocol.KindHelloAck:
		s.mode = Mode{Kind: Connected}
		s.offlineSinceMs = nil
		s.safetyFailCount = 0
		return raiseUiState("connected")

	case protocol.KindStatusSnapshot, protocol.KindStatusDelta:
		return s.applyStatus(msg)

	case protocol.KindCommand, protocol.KindHostCommand:
		return s.applyCommand(msg)

	case protocol.KindCommandAck:
		if msg.CorrID != "" {
			delete(s.inFlight, msg.CorrID)
			return RuntimeAction{Kind: ActionEmitAck, CorrID: msg.CorrID, Status: "command_ack"}
		}
		return none()

	case protocol.KindCommandResult:
		return s.applyCommandResult(msg)

	case protocol.KindError:
		return raiseUiState("host_error")

	case protocol.KindHeartbeat:
		s.mode = Mode{Kind: Connected}
		return none()

	default:
		return none()
	}
}

// applyStatus mirrors the Rust original's StatusDelta|StatusSnapshot arm: a
// failed payload parse is ignored rather than surfaced, offline_since_ms is
// always cleared, and "status_updated" is raised regardless of parse outcome.
// command_parse_error is reserved for the Command/HostCommand arm.
func (s *State) applyStatus(msg protocol.TransportMessage) RuntimeAction {
	if status, err := protocol.DecodeStatusPayload(msg.Payload); err == nil {
		s.applyStatusSnapshot(status)
	}
	s.offlineSinceMs = nil
	return raiseUiState("status_updated")
}

func (s *State) applyStatusSnapshot(status protocol.DeviceStatus) {
	s.lastStatus = &status
	if !status.WifiOK {
		s.markOfflineWithReason("status_wifi_not_ok", s.nowMs())
		return
	}
	switch status.Mode {
	case "boot":
		s.mode = Mode{Kind: Booting}
	case "connected", "paired", "ready":
		s.mode = Mode{Kind: Connected}
	case "offline":
		s.mode = Mode{Kind: Offline}
	case "safe_mode":
		s.mode = Mode{Kind: SafeMode, Reason: "host_reported_safe_mode"}
	case "error":
		s.mode = Mode{Kind: ErrorMode, Reason: "host_reported_error"}
	default:
		// unknown mode string: leave mode unchanged.
	}
}

// applyCommandResult resolves an in-flight command. A result for an
// ota_start command routes through MarkOtaComplete so the OTA flag and
// last_status.ota_state reflect the outcome; any other command just clears
// the in-flight entry and raises "command_result".
func (s *State) applyCommandResult(msg protocol.TransportMessage) RuntimeAction {
	if msg.CorrID == "" {
		return raiseUiState("command_result")
	}
	pending, ok := s.inFlight[msg.CorrID]
	delete(s.inFlight, msg.CorrID)
	if !ok || pending.Action != protocol.ActionOtaStart {
		return raiseUiState("command_result")
	}
	result, err := protocol.DecodeCommandResultPayload(msg.Payload)
	if err != nil {
		return raiseUiState("command_result")
	}
	return s.MarkOtaComplete(result.Success, result.Reason)
}

func (s *State) applyCommand(msg protocol.TransportMessage) RuntimeAction {
	payload, err := protocol.DecodeCommandPayload(msg.Payload)
	if err != nil {
		return raiseUiState("command_parse_error")
	}
	action := protocol.ParseDeviceAction(payload.Action)
	switch action {
	case protocol.ActionReconnect:
		s.mode = Mode{Kind: Offline}
		return raiseUiState("command_reconnect")
	case protocol.ActionRetry:
		s.mode = Mode{Kind: Booting}
		return raiseUiState("command_retry")
	case protocol.ActionRestart:
		s.mode = Mode{Kind: Booting}
		return raiseUiState("command_restart")
	case protocol.ActionOtaStart:
		if version, ok := payload.VersionArg(); ok {
			s.otaTargetVersion = &version
		} else {
			s.otaTargetVersion = nil
		}
		s.otaErrorReason = nil
		s.otaInProgress = true
		return raiseUiState("command_ota_start")
	case protocol.ActionDiagnosticsSnapshot:
		return raiseUiState("command_diagnostics")
	default:
		return raiseUiState("command_received")
	}
}

// ApplyTouchEvent handles a validated touch frame. Up and Cancel phases are
// inert; Down/Move/Unknown delegate to scene hit-testing.
func (s *State) ApplyTouchEvent(point Point, phase protocol.TouchPhase) RuntimeAction {
	if phase == protocol.PhaseUp || phase == protocol.PhaseCancel {
		return none()
	}
	action, hit := s.sceneActionForTouch(point)
	if !hit {
		return none()
	}
	return s.EmitCommand(action)
}

// Point mirrors touch.Point without importing the touch package, keeping
// devicert's dependency surface limited to protocol and scene.
type Point struct {
	X, Y int
}

func (s *State) sceneActionForTouch(p Point) (protocol.DeviceAction, bool) {
	return actionForTouch(s.mode.Scene(), p.X, p.Y)
}

// EmitCommand allocates a fresh outbound Command message, advancing last_seq
// and recording the command as in-flight.
func (s *State) EmitCommand(action protocol.DeviceAction) RuntimeAction {
	s.lastSeq++
	seq := s.lastSeq
	messageID := fmt.Sprintf("cmd-%d", seq)
	corrID := fmt.Sprintf("corr-%d", seq)
	enqueuedAt := s.nowMs()
	s.inFlight[corrID] = InFlightCommand{CorrID: corrID, Action: action, EnqueuedAtMs: enqueuedAt}

	msg := protocol.TransportMessage{
		Envelope: protocol.Envelope{
			Version:   protocol.Version,
			Seq:       seq,
			Source:    "device",
			DeviceID:  DeviceID,
			SessionID: SessionID,
			MessageID: messageID,
		},
		Kind:   protocol.KindCommand,
		CorrID: corrID,
	}
	return RuntimeAction{Kind: ActionEmitCommand, Command: msg, CorrID: corrID}
}

// MarkOfflineIfStale transitions to Offline if no heartbeat has been seen
// within timeout of now. No-op if already Offline.
func (s *State) MarkOfflineIfStale(now, timeout time.Duration) bool {
	if s.mode.Kind == Offline {
		return false
	}
	nowMs := now.Milliseconds()
	lastHeartbeat := nowMs
	if s.lastHeartbeatMs != nil {
		lastHeartbeat = *s.lastHeartbeatMs
	}
	if nowMs-lastHeartbeat > timeout.Milliseconds() {
		s.markOfflineWithReason("heartbeat_stale", nowMs)
		return true
	}
	return false
}

func (s *State) markOfflineWithReason(reason string, nowMs int64) {
	s.mode = Mode{Kind: Offline}
	s.offlineSinceMs = &nowMs
	s.pushDiagnostic(reason)
}

// SafetyLockdownCheck enters sticky SafeMode once safety_fail_count reaches
// the configured limit. No-op if already in SafeMode.
func (s *State) SafetyLockdownCheck() bool {
	if s.mode.Kind == SafeMode {
		return false
	}
	if s.safetyFailCount >= s.safetyFailLimit {
		s.mode = Mode{Kind: SafeMode, Reason: "safety_retries_exhausted_entering_safe_mode"}
		return true
	}
	return false
}

// MarkOtaComplete clears the in-progress OTA flag and reports success/failure.
func (s *State) MarkOtaComplete(success bool, reason *string) RuntimeAction {
	s.otaInProgress = false
	s.otaErrorReason = reason
	if s.lastStatus == nil {
		s.lastStatus = &protocol.DeviceStatus{}
	}
	if success {
		s.lastStatus.OtaState = "active"
		return raiseUiState("ota_complete")
	}
	s.lastStatus.OtaState = "failed"
	return raiseUiState("ota_failed")
}
