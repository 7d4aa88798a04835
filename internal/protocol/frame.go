package protocol

// Point3 is a position in meters.
type Point3 struct {
	X, Y, Z float32
}

// Point2 is a 2-D point in color-camera pixel space.
type Point2 struct {
	X, Y float32
}

// Color is one RGB triple.
type Color struct {
	R, G, B uint8
}

// JointType identifies a skeleton joint. Values are device-defined.
type JointType int32

// TrackingState is the per-joint tracking confidence reported by the device.
type TrackingState int32

const (
	TrackingNotTracked TrackingState = 0
	TrackingInferred   TrackingState = 1
	TrackingTracked    TrackingState = 2
)

// Joint pairs a 3-D joint with its projection into color space.
type Joint struct {
	Type       JointType
	State      TrackingState
	Position   Point3
	ColorSpace Point2
}

// Body is one tracked skeleton. The joint count is whatever the device sent.
type Body struct {
	Tracked bool
	Joints  []Joint
}

// FrameSnapshot is one decoded capture from one device. Vertices and Colors
// are parallel slices. Devices send vertices in sensor-local coordinates,
// whether or not they are calibrated. A snapshot is built wholesale by DecodeFrame and must
// be treated as immutable afterwards.
type FrameSnapshot struct {
	Vertices []Point3
	Colors   []Color
	Bodies   []Body
}

// VertexCount returns the number of vertices in the snapshot.
func (f *FrameSnapshot) VertexCount() int {
	if f == nil {
		return 0
	}
	return len(f.Vertices)
}

// Empty reports whether the snapshot carries no vertices and no bodies.
func (f *FrameSnapshot) Empty() bool {
	return f == nil || (len(f.Vertices) == 0 && len(f.Bodies) == 0)
}

// Merge concatenates snapshots in order into a new snapshot. Inputs are not
// modified.
func Merge(frames ...*FrameSnapshot) *FrameSnapshot {
	var nv, nb int
	for _, f := range frames {
		if f == nil {
			continue
		}
		nv += len(f.Vertices)
		nb += len(f.Bodies)
	}
	out := &FrameSnapshot{
		Vertices: make([]Point3, 0, nv),
		Colors:   make([]Color, 0, nv),
		Bodies:   make([]Body, 0, nb),
	}
	for _, f := range frames {
		if f == nil {
			continue
		}
		out.Vertices = append(out.Vertices, f.Vertices...)
		out.Colors = append(out.Colors, f.Colors...)
		out.Bodies = append(out.Bodies, f.Bodies...)
	}
	return out
}
