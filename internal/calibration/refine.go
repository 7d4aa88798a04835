// Package calibration refines the extrinsics of already-calibrated sensors
// by rigidly registering each sensor's live point cloud onto the others'.
package calibration

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

var logf = monitoring.Component("Refine")

var (
	ErrNotAllCalibrated    = errors.New("not all devices are calibrated")
	ErrInsufficientDevices = errors.New("refinement needs at least two devices")
)

// Device is the part of a sensor link the refiner uses. *sensorlink.Link
// implements it.
type Device interface {
	Endpoint() string
	Serial() string
	Calibrated() bool
	WorldTransform() sensorlink.AffineTransform
	SetWorldTransform(sensorlink.AffineTransform)
	LastFrame(ctx context.Context) (*protocol.FrameSnapshot, error)
	SendCalibrationData() error
}

// Store records refined transforms. *db.DB implements it.
type Store interface {
	RecordCalibration(ctx context.Context, serial string, rotation [9]float32, translation [3]float32, refined bool) error
}

// Refiner runs a fixed number of refinement rounds; there is no convergence
// check.
type Refiner struct {
	Aligner Aligner
	// Rounds is the number of passes over every device.
	Rounds int
	// Iterations bounds each alignment.
	Iterations int
	// Store, when set, receives every pushed transform.
	Store Store
}

// DeviceReport describes one device's refinement.
type DeviceReport struct {
	Endpoint string
	Serial   string
	Before   sensorlink.AffineTransform
	After    sensorlink.AffineTransform
	// RMS is the correspondence error of the device's last alignment.
	RMS float64
	Err error // push failure
}

// Report is the outcome of a refinement.
type Report struct {
	Devices []DeviceReport
}

// Err joins the push failures.
func (r *Report) Err() error {
	var errs []error
	for _, d := range r.Devices {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Endpoint, d.Err))
		}
	}
	return errors.Join(errs...)
}

// Refine aligns every device in turn onto all the others, Rounds times, then
// pushes the refined world transforms. Preconditions are checked before any
// traffic, and no transform changes unless every alignment succeeded.
func (rf *Refiner) Refine(ctx context.Context, devices []Device) (*Report, error) {
	if len(devices) < 2 {
		return nil, fmt.Errorf("%w: have %d", ErrInsufficientDevices, len(devices))
	}
	for _, d := range devices {
		if !d.Calibrated() {
			return nil, fmt.Errorf("%w: %s", ErrNotAllCalibrated, d.Endpoint())
		}
	}
	aligner := rf.Aligner
	if aligner == nil {
		aligner = ICPAligner{}
	}

	frames := make([]*protocol.FrameSnapshot, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		g.Go(func() error {
			f, err := d.LastFrame(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", d.Endpoint(), err)
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch frames: %w", err)
	}

	world := make([]sensorlink.AffineTransform, len(devices))
	working := make([][]protocol.Point3, len(devices))
	for i, d := range devices {
		world[i] = d.WorldTransform()
		working[i] = make([]protocol.Point3, len(frames[i].Vertices))
		for k, v := range frames[i].Vertices {
			working[i][k] = world[i].Apply(v)
		}
	}

	report := &Report{Devices: make([]DeviceReport, len(devices))}
	for i, d := range devices {
		report.Devices[i] = DeviceReport{Endpoint: d.Endpoint(), Serial: d.Serial(), Before: world[i]}
	}

	for round := 0; round < rf.Rounds; round++ {
		for i := range devices {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var target []protocol.Point3
			for j := range devices {
				if j != i {
					target = append(target, working[j]...)
				}
			}
			step, err := aligner.Align(target, working[i], rf.Iterations)
			if err != nil {
				return nil, fmt.Errorf("align %s: %w", devices[i].Endpoint(), err)
			}
			for k, p := range working[i] {
				working[i][k] = step.Apply(p)
			}
			world[i] = compose(world[i], step)
			report.Devices[i].RMS = step.RMS
		}
		logf("round %d/%d done", round+1, rf.Rounds)
	}

	for i, d := range devices {
		d.SetWorldTransform(world[i])
		report.Devices[i].After = world[i]
		report.Devices[i].Err = d.SendCalibrationData()
		if rf.Store != nil && report.Devices[i].Err == nil {
			if err := rf.Store.RecordCalibration(ctx, d.Serial(), world[i].RowMajor(), world[i].T, true); err != nil {
				logf("failed to record calibration for %s: %v", d.Serial(), err)
			}
		}
	}
	if err := report.Err(); err != nil {
		return report, fmt.Errorf("push calibration: %w", err)
	}
	return report, nil
}

// compose folds a world-space correction into a world transform. With the
// working points w = R·(p + t) and the correction w' = A·w + b:
//
//	R' = A·R
//	t' = t + Rᵀ·Aᵀ·b
//
// R' is re-projected onto a rotation to keep float32 drift out.
func compose(world sensorlink.AffineTransform, step Rigid) sensorlink.AffineTransform {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = float64(world.R[i][j])
		}
	}

	// Δt = Aᵀ·b
	var dt [3]float64
	for i := 0; i < 3; i++ {
		for k := 0; k < 3; k++ {
			dt[i] += step.R[k][i] * step.T[k]
		}
	}

	var out sensorlink.AffineTransform
	for i := 0; i < 3; i++ {
		// t[i] += Σ_j R[j][i]·Δt[j]
		var add float64
		for j := 0; j < 3; j++ {
			add += r[j][i] * dt[j]
		}
		out.T[i] = world.T[i] + float32(add)
	}

	var nr [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				nr[i][j] += step.R[i][k] * r[k][j]
			}
		}
	}
	nr = nearestRotation(nr)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = float32(nr[i][j])
		}
	}
	return out
}
