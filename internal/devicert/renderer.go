package devicert

import "microclaw/host/internal/scene"

// RenderStats tracks cumulative renderer activity for diagnostics.
type RenderStats struct {
	FramesRequested int
	ScenesRendered  int
}

// Renderer draws the current scene to a display. Implementations decide
// whether redundant renders of an unchanged scene are skipped; the hardware
// glue behind DisplayDriver stays out of this module's scope.
type Renderer interface {
	Render(s *State, nowMs int64) bool
	Stats() RenderStats
}

// DisplayDriver is the narrow capability a concrete renderer needs from the
// device's physical display. Implementations live outside this module.
type DisplayDriver interface {
	Draw(s scene.Scene) error
}

// NullRenderer counts render requests without drawing anything, useful for
// headless tests and simulators.
type NullRenderer struct {
	stats     RenderStats
	lastScene scene.Scene
	hasScene  bool
}

// Render records the request and reports whether the scene changed.
func (r *NullRenderer) Render(s *State, nowMs int64) bool {
	r.stats.FramesRequested++
	current := s.CurrentScene()
	changed := !r.hasScene || current != r.lastScene
	if changed {
		r.lastScene = current
		r.hasScene = true
		r.stats.ScenesRendered++
	}
	return changed
}

// Stats returns the accumulated render statistics.
func (r *NullRenderer) Stats() RenderStats { return r.stats }

// DisplaySceneRenderer draws to a concrete DisplayDriver, only issuing a draw
// call when the derived scene has changed since the last render.
type DisplaySceneRenderer struct {
	driver    DisplayDriver
	stats     RenderStats
	lastScene scene.Scene
	hasScene  bool
}

// NewDisplaySceneRenderer constructs a renderer bound to the given driver.
func NewDisplaySceneRenderer(driver DisplayDriver) *DisplaySceneRenderer {
	return &DisplaySceneRenderer{driver: driver}
}

// Render draws the current scene if it differs from the last rendered scene.
func (r *DisplaySceneRenderer) Render(s *State, nowMs int64) bool {
	r.stats.FramesRequested++
	current := s.CurrentScene()
	if r.hasScene && current == r.lastScene {
		return false
	}
	if r.driver != nil {
		if err := r.driver.Draw(current); err != nil {
			return false
		}
	}
	r.lastScene = current
	r.hasScene = true
	r.stats.ScenesRendered++
	return true
}

// Stats returns the accumulated render statistics.
func (r *DisplaySceneRenderer) Stats() RenderStats { return r.stats }
