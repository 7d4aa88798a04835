package sensorlink

import (
	"math"

	"github.com/banshee-data/livescan/internal/protocol"
)

// AffineTransform is a rigid transform. A sensor-local point p maps to world
// space as R·(p + T).
type AffineTransform struct {
	R [3][3]float32
	T [3]float32
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	var a AffineTransform
	a.R[0][0], a.R[1][1], a.R[2][2] = 1, 1, 1
	return a
}

// TransformFromRecord builds a transform from a row-major rotation and a
// translation as carried on the wire.
func TransformFromRecord(r [9]float32, t [3]float32) AffineTransform {
	var a AffineTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.R[i][j] = r[i*3+j]
		}
	}
	a.T = t
	return a
}

// RowMajor flattens R for the wire.
func (a AffineTransform) RowMajor() [9]float32 {
	var r [9]float32
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = a.R[i][j]
		}
	}
	return r
}

// Apply maps a sensor-local point into world space.
func (a AffineTransform) Apply(p protocol.Point3) protocol.Point3 {
	x, y, z := p.X+a.T[0], p.Y+a.T[1], p.Z+a.T[2]
	return protocol.Point3{
		X: a.R[0][0]*x + a.R[0][1]*y + a.R[0][2]*z,
		Y: a.R[1][0]*x + a.R[1][1]*y + a.R[1][2]*z,
		Z: a.R[2][0]*x + a.R[2][1]*y + a.R[2][2]*z,
	}
}

// CameraPose derives the camera position and orientation in world space from
// a world transform. It assumes R is orthonormal and is not a general inverse.
func CameraPose(world AffineTransform) AffineTransform {
	pose := AffineTransform{R: world.R}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.T[i] += world.T[j] * world.R[i][j]
		}
	}
	return pose
}

// Orthonormal reports whether R·Rᵀ is the identity within tol and det(R) > 0.
func (a AffineTransform) Orthonormal(tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += float64(a.R[i][k]) * float64(a.R[j][k])
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	r := a.R
	det := float64(r[0][0])*(float64(r[1][1])*float64(r[2][2])-float64(r[1][2])*float64(r[2][1])) -
		float64(r[0][1])*(float64(r[1][0])*float64(r[2][2])-float64(r[1][2])*float64(r[2][0])) +
		float64(r[0][2])*(float64(r[1][0])*float64(r[2][1])-float64(r[1][1])*float64(r[2][0]))
	return det > 0
}
