package protocol

// DeviceAction is the closed enumeration of commands the device can issue or
// receive. Unknown wire tokens degrade to ActionUnknown.
type DeviceAction string

const (
	ActionRetry               DeviceAction = "retry"
	ActionRestart             DeviceAction = "restart"
	ActionReconnect           DeviceAction = "reconnect"
	ActionWifiReconnect       DeviceAction = "wifi_reconnect"
	ActionStatusGet           DeviceAction = "status_get"
	ActionOpenConversation    DeviceAction = "open_conversation"
	ActionUnpair              DeviceAction = "unpair"
	ActionSyncNow             DeviceAction = "sync_now"
	ActionMute                DeviceAction = "mute"
	ActionEndSession          DeviceAction = "end_session"
	ActionOtaStart            DeviceAction = "ota_start"
	ActionDiagnosticsSnapshot DeviceAction = "diagnostics_snapshot"
	ActionUnknown             DeviceAction = "unknown"
)

// ParseDeviceAction maps a wire token to a DeviceAction, defaulting to
// ActionUnknown for anything not in the closed set.
func ParseDeviceAction(raw string) DeviceAction {
	switch DeviceAction(raw) {
	case ActionRetry, ActionRestart, ActionReconnect, ActionWifiReconnect,
		ActionStatusGet, ActionOpenConversation, ActionUnpair, ActionSyncNow,
		ActionMute, ActionEndSession, ActionOtaStart, ActionDiagnosticsSnapshot:
		return DeviceAction(raw)
	default:
		return ActionUnknown
	}
}

// CommandPayload is the JSON shape carried inside a Command/HostCommand
// TransportMessage.
type CommandPayload struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// VersionArg extracts the optional "version" string argument used by
// ota_start commands.
func (p CommandPayload) VersionArg() (string, bool) {
	if p.Args == nil {
		return "", false
	}
	value, ok := p.Args["version"].(string)
	return value, ok && value != ""
}

// TouchPhase is the closed enumeration of touch-event phases.
type TouchPhase string

const (
	PhaseDown    TouchPhase = "down"
	PhaseMove    TouchPhase = "move"
	PhaseUp      TouchPhase = "up"
	PhaseCancel  TouchPhase = "cancel"
	PhaseUnknown TouchPhase = "unknown"
)

// ParseTouchPhase maps a wire token to a TouchPhase, defaulting to
// PhaseUnknown for anything not in the closed set.
func ParseTouchPhase(raw string) TouchPhase {
	switch TouchPhase(raw) {
	case PhaseDown, PhaseMove, PhaseUp, PhaseCancel:
		return TouchPhase(raw)
	default:
		return PhaseUnknown
	}
}

// TouchEventPayload is the JSON shape carried inside a TouchEvent
// TransportMessage.
type TouchEventPayload struct {
	Phase          string `json:"phase"`
	X              uint16 `json:"x"`
	Y              uint16 `json:"y"`
	PointerID      uint32 `json:"pointer_id"`
	Pressure       uint16 `json:"pressure,omitempty"`
	RawTimestampMs uint64 `json:"raw_timestamp_ms,omitempty"`
}

// DeviceStatus is the payload carried by StatusSnapshot/StatusDelta messages.
type DeviceStatus struct {
	Mode       string `json:"mode"`
	WifiOK     bool   `json:"wifi_ok"`
	OtaState   string `json:"ota_state,omitempty"`
	BatteryPct int    `json:"battery_pct,omitempty"`
}

// CommandResultPayload is the payload carried by a CommandResult message,
// reporting how an earlier Command (matched by corr_id) resolved.
type CommandResultPayload struct {
	Success bool    `json:"success"`
	Reason  *string `json:"reason,omitempty"`
}
