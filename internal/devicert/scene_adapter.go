package devicert

import (
	"microclaw/host/internal/protocol"
	"microclaw/host/internal/scene"
)

// UIShellTitle is the fixed shell title of the device UI. No renderer or
// diagnostic in this module reads it.
const UIShellTitle = "microclaw"

func actionForTouch(sc scene.Scene, x, y int) (protocol.DeviceAction, bool) {
	return scene.ActionForTouch(sc, x, y)
}

// CurrentScene exposes the runtime's derived scene for renderers.
func (s *State) CurrentScene() scene.Scene { return s.mode.Scene() }
