package calibration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/livescan/internal/protocol"
)

// ErrTooFewPoints is returned when either cloud cannot constrain a rigid
// transform.
var ErrTooFewPoints = errors.New("too few points to align")

// Rigid is a rigid motion applied as R·p + T.
type Rigid struct {
	R [3][3]float64
	T [3]float64
	// RMS is the root-mean-square correspondence distance after the last
	// iteration.
	RMS float64
}

// IdentityRigid returns the identity motion.
func IdentityRigid() Rigid {
	return Rigid{R: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// Apply moves p.
func (m Rigid) Apply(p protocol.Point3) protocol.Point3 {
	x, y, z := float64(p.X), float64(p.Y), float64(p.Z)
	return protocol.Point3{
		X: float32(m.R[0][0]*x + m.R[0][1]*y + m.R[0][2]*z + m.T[0]),
		Y: float32(m.R[1][0]*x + m.R[1][1]*y + m.R[1][2]*z + m.T[1]),
		Z: float32(m.R[2][0]*x + m.R[2][1]*y + m.R[2][2]*z + m.T[2]),
	}
}

// then returns the motion "m, then n".
func (m Rigid) then(n Rigid) Rigid {
	var out Rigid
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out.R[i][j] += n.R[i][k] * m.R[k][j]
			}
		}
		out.T[i] = n.T[i]
		for k := 0; k < 3; k++ {
			out.T[i] += n.R[i][k] * m.T[k]
		}
	}
	out.RMS = n.RMS
	return out
}

// Aligner rigidly registers source onto target.
type Aligner interface {
	Align(target, source []protocol.Point3, maxIterations int) (Rigid, error)
}

// ICPAligner is point-to-point iterative closest point: nearest neighbours
// from a k-d tree over the target, then a Kabsch/SVD fit per iteration.
type ICPAligner struct {
	// MaxPoints subsamples both clouds by stride. Zero means 4000.
	MaxPoints int
	// MaxDistance drops correspondences farther apart than this, in meters.
	// Zero keeps every pair.
	MaxDistance float64
	// MinImprovement stops iterating once the RMS improves by less.
	MinImprovement float64
}

// Align implements Aligner.
func (a ICPAligner) Align(target, source []protocol.Point3, maxIterations int) (Rigid, error) {
	maxPoints := a.MaxPoints
	if maxPoints <= 0 {
		maxPoints = 4000
	}
	target = subsample(target, maxPoints)
	source = subsample(source, maxPoints)
	if len(target) < 3 || len(source) < 3 {
		return Rigid{}, ErrTooFewPoints
	}

	pts := make(kdtree.Points, len(target))
	for i, p := range target {
		pts[i] = kdtree.Point{float64(p.X), float64(p.Y), float64(p.Z)}
	}
	tree := kdtree.New(pts, false)

	cur := make([][3]float64, len(source))
	for i, p := range source {
		cur[i] = [3]float64{float64(p.X), float64(p.Y), float64(p.Z)}
	}

	maxSq := math.Inf(1)
	if a.MaxDistance > 0 {
		maxSq = a.MaxDistance * a.MaxDistance
	}

	total := IdentityRigid()
	prevRMS := math.Inf(1)
	src := make([][3]float64, 0, len(cur))
	dst := make([][3]float64, 0, len(cur))
	for iter := 0; iter < maxIterations; iter++ {
		src, dst = src[:0], dst[:0]
		var sumSq float64
		for _, p := range cur {
			nearest, d := tree.Nearest(kdtree.Point{p[0], p[1], p[2]})
			if d > maxSq {
				continue
			}
			q := nearest.(kdtree.Point)
			src = append(src, p)
			dst = append(dst, [3]float64{q[0], q[1], q[2]})
			sumSq += d
		}
		if len(src) < 3 {
			return Rigid{}, ErrTooFewPoints
		}
		rms := math.Sqrt(sumSq / float64(len(src)))

		step, err := kabsch(src, dst)
		if err != nil {
			return Rigid{}, err
		}
		for i, p := range cur {
			cur[i] = step.apply3(p)
		}
		total = total.then(step)
		total.RMS = rms

		if prevRMS-rms < a.MinImprovement {
			break
		}
		prevRMS = rms
	}
	return total, nil
}

func (m Rigid) apply3(p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = m.R[i][0]*p[0] + m.R[i][1]*p[1] + m.R[i][2]*p[2] + m.T[i]
	}
	return out
}

// kabsch returns the rotation and translation minimising Σ|R·src + T − dst|²,
// with the reflection case corrected.
func kabsch(src, dst [][3]float64) (Rigid, error) {
	n := float64(len(src))
	var cs, cd [3]float64
	for i := range src {
		for k := 0; k < 3; k++ {
			cs[k] += src[i][k]
			cd[k] += dst[i][k]
		}
	}
	for k := 0; k < 3; k++ {
		cs[k] /= n
		cd[k] /= n
	}

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+(src[i][r]-cs[r])*(dst[i][c]-cd[c]))
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Rigid{}, errors.New("kabsch: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var out Rigid
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = r.At(i, j)
		}
	}
	for i := 0; i < 3; i++ {
		out.T[i] = cd[i] - (out.R[i][0]*cs[0] + out.R[i][1]*cs[1] + out.R[i][2]*cs[2])
	}
	return out, nil
}

// nearestRotation projects m onto SO(3).
func nearestRotation(m [3][3]float64) [3][3]float64 {
	a := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.Set(i, j, m[i][j])
		}
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}
	return out
}

// subsample keeps every k-th point so that at most max remain.
func subsample(pts []protocol.Point3, max int) []protocol.Point3 {
	if len(pts) <= max {
		return pts
	}
	stride := (len(pts) + max - 1) / max
	out := make([]protocol.Point3, 0, len(pts)/stride+1)
	for i := 0; i < len(pts); i += stride {
		out = append(out, pts[i])
	}
	return out
}
