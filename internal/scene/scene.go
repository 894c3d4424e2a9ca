// Package scene implements the pure mapping from a device's current scene
// and a touch point to a DeviceAction. The RuntimeMode-to-Scene mapping
// that picks the current Scene lives in package devicert.
package scene

import "microclaw/host/internal/protocol"

// Scene is one of the finite UI states a device can render.
type Scene string

const (
	Boot               Scene = "boot"
	ConnectSetup       Scene = "connect_setup"
	Paired             Scene = "paired"
	Conversation       Scene = "conversation"
	AgentThinking      Scene = "agent_thinking"
	AgentStreaming     Scene = "agent_streaming"
	AgentTaskProgress  Scene = "agent_task_progress"
	Settings           Scene = "settings"
	NotificationList   Scene = "notification_list"
	Error              Scene = "error"
	Offline            Scene = "offline"
)

// HitTarget is an axis-aligned rectangle mapped to a DeviceAction. Rects are
// inclusive on both bounds: a point is a hit iff
// x ∈ [X, X+W] and y ∈ [Y, Y+H].
type HitTarget struct {
	X, Y, W, H int
	Action     protocol.DeviceAction
}

// Hit reports whether point (x, y) falls within the target's rectangle.
func (t HitTarget) Hit(x, y int) bool {
	return x >= t.X && x <= t.X+t.W && y >= t.Y && y <= t.Y+t.H
}

// targetsForScene holds the static, declaration-ordered hit-target table per
// scene, taken verbatim from the literal coordinates in §6. Scenes with no
// entry here have no interactive targets.
var targetsForScene = map[Scene][]HitTarget{
	Boot: {
		{X: 126, Y: 292, W: 108, H: 46, Action: protocol.ActionRetry},
	},
	ConnectSetup: {
		{X: 40, Y: 280, W: 56, H: 56, Action: protocol.ActionWifiReconnect},
		{X: 110, Y: 280, W: 140, H: 56, Action: protocol.ActionReconnect},
		{X: 264, Y: 280, W: 56, H: 56, Action: protocol.ActionStatusGet},
	},
	Paired: {
		{X: 60, Y: 130, W: 240, H: 100, Action: protocol.ActionOpenConversation},
		{X: 34, Y: 250, W: 110, H: 60, Action: protocol.ActionUnpair},
		{X: 216, Y: 250, W: 110, H: 60, Action: protocol.ActionSyncNow},
		{X: 122, Y: 320, W: 116, H: 28, Action: protocol.ActionWifiReconnect},
	},
	Conversation: {
		{X: 52, Y: 280, W: 124, H: 54, Action: protocol.ActionMute},
		{X: 184, Y: 280, W: 124, H: 54, Action: protocol.ActionEndSession},
		{X: 108, Y: 320, W: 144, H: 30, Action: protocol.ActionOpenConversation},
	},
	Settings: {
		{X: 150, Y: 320, W: 60, H: 30, Action: protocol.ActionStatusGet},
	},
	Error: {
		{X: 86, Y: 250, W: 188, H: 64, Action: protocol.ActionRestart},
		{X: 80, Y: 320, W: 200, H: 40, Action: protocol.ActionReconnect},
	},
	Offline: {
		{X: 86, Y: 250, W: 188, H: 64, Action: protocol.ActionRestart},
		{X: 80, Y: 320, W: 200, H: 40, Action: protocol.ActionReconnect},
	},
}

// TargetsFor returns the declaration-ordered hit targets for a scene. The
// returned slice is the package's own backing array and must not be mutated
// by callers.
func TargetsFor(s Scene) []HitTarget {
	return targetsForScene[s]
}

// ActionForTouch scans the scene's hit targets in declaration order and
// returns the first containment match.
func ActionForTouch(s Scene, x, y int) (protocol.DeviceAction, bool) {
	for _, target := range targetsForScene[s] {
		if target.Hit(x, y) {
			return target.Action, true
		}
	}
	return protocol.ActionUnknown, false
}
