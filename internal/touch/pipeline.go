// Package touch implements the bounded, lossy touch-frame pipeline that
// feeds the device runtime. The pipeline is owned exclusively by the
// single-threaded event loop; it takes no lock.
package touch

import "microclaw/host/internal/protocol"

// Capacity bounds the number of buffered touch frames.
const Capacity = 32

// DisplayWidth and DisplayHeight describe the device's square touch canvas.
const (
	DisplayWidth  = 360
	DisplayHeight = 360
)

// SafeCenterX, SafeCenterY, and SafeRadius describe the usable circular
// viewport within the display canvas. Samples outside the circle are
// rejected outright rather than clamped, since a rejected touch is cheaper
// and safer than one silently relocated to the boundary.
const (
	SafeCenterX = 180
	SafeCenterY = 180
	SafeRadius  = 160
)

// Point is a validated display coordinate.
type Point struct {
	X int
	Y int
}

// InSafeCircle reports whether p falls within the device's usable viewport.
func InSafeCircle(p Point) bool {
	dx := p.X - SafeCenterX
	dy := p.Y - SafeCenterY
	return dx*dx+dy*dy <= SafeRadius*SafeRadius
}

// Frame is a validated touch sample ready for pipeline consumption.
type Frame struct {
	Point Point
	Phase protocol.TouchPhase
}

// Driver produces a batch of raw touch payloads, such as an I2C touch
// controller or a simulator. The pipeline only depends on this narrow
// contract so the hardware glue itself stays out of scope.
type Driver interface {
	PollBatch() []protocol.TouchEventPayload
}

// Pipeline is a bounded FIFO of validated touch frames with lossy overwrite
// on capacity overflow.
type Pipeline struct {
	frames       []Frame
	droppedCount uint64
}

// New constructs an empty pipeline.
func New() *Pipeline {
	return &Pipeline{frames: make([]Frame, 0, Capacity)}
}

// PushEvent maps a raw touch payload into a validated display-space frame
// and appends it to the queue. Samples outside the safe circle are
// silently rejected. When the queue is already at capacity, the oldest
// frame is dropped and dropped_count is incremented.
func (p *Pipeline) PushEvent(raw protocol.TouchEventPayload) {
	point := Point{X: int(raw.X), Y: int(raw.Y)}
	if !InSafeCircle(point) {
		return
	}
	frame := Frame{Point: point, Phase: protocol.ParseTouchPhase(raw.Phase)}
	if len(p.frames) >= Capacity {
		p.frames = p.frames[1:]
		p.droppedCount++
	}
	p.frames = append(p.frames, frame)
}

// NextFrame pops the oldest queued frame, if any.
func (p *Pipeline) NextFrame() (Frame, bool) {
	if len(p.frames) == 0 {
		return Frame{}, false
	}
	frame := p.frames[0]
	p.frames = p.frames[1:]
	return frame, true
}

// Depth reports the number of buffered frames.
func (p *Pipeline) Depth() int {
	return len(p.frames)
}

// DroppedCount reports the cumulative number of frames dropped due to
// overflow.
func (p *Pipeline) DroppedCount() uint64 {
	return p.droppedCount
}

// DrainFromDriver polls the driver for a batch of raw samples and pushes
// each into the pipeline in order.
func (p *Pipeline) DrainFromDriver(d Driver) {
	if d == nil {
		return
	}
	for _, raw := range d.PollBatch() {
		p.PushEvent(raw)
	}
}
