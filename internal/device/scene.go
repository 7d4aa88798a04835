package device

import (
	"math"
	"math/rand"

	"github.com/banshee-data/livescan/internal/protocol"
)

// RandomScene returns n points spread through an asymmetric box so that
// rigid registration has a unique solution.
func RandomScene(n int, seed int64) []protocol.Point3 {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]protocol.Point3, n)
	for i := range pts {
		pts[i] = protocol.Point3{
			X: float32(rng.Float64()*2.0 - 1.0),
			Y: float32(rng.Float64()*1.2 - 0.4),
			Z: float32(rng.Float64()*0.8 + 1.0),
		}
	}
	return pts
}

// YawPose returns a pose rotated by yaw radians about the vertical axis with
// translation t.
func YawPose(yaw float64, t [3]float32) protocol.CalibrationRecord {
	c, s := float32(math.Cos(yaw)), float32(math.Sin(yaw))
	return protocol.CalibrationRecord{
		Rotation:    [9]float32{c, 0, s, 0, 1, 0, -s, 0, c},
		Translation: t,
	}
}
