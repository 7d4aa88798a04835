// Package reconcile recovers cross-device frame alignment after a
// hardware-synchronized recording, using the per-frame device timestamps.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/livescan/internal/protocol"
)

// Missing marks a reference instant for which a device has no frame.
const Missing = -1

// DefaultTolerance is the widest timestamp distance accepted as a match.
const DefaultTolerance = 2000 * time.Microsecond

var ErrSyncUnavailable = errors.New("synchronization unavailable")

// Failure stages reported by SyncError.
const (
	StageNoMain     = "no main device"
	StageTimestamps = "timestamps unavailable"
	StageNoMatch    = "no matching timestamps"
	StageReorder    = "reorder failed"
)

// SyncError is a localized reconciliation failure. It matches
// ErrSyncUnavailable with errors.Is.
type SyncError struct {
	Stage  string
	Device string
	Err    error
}

func (e *SyncError) Error() string {
	msg := e.Stage
	if e.Device != "" {
		msg += " on device " + e.Device
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSyncUnavailable}
	}
	return []error{ErrSyncUnavailable, e.Err}
}

// Match pairs every reference timestamp with the nearest unused candidate
// within tolerance, preserving order: the returned slice holds, per reference
// index, an index into candidates or Missing. Both inputs must be ascending.
func Match(reference, candidates []uint64, tolerance uint64) []int {
	out := make([]int, len(reference))
	next := 0
	for i, ref := range reference {
		out[i] = Missing
		best, bestDist := -1, uint64(0)
		for j := next; j < len(candidates); j++ {
			d := absDiff(candidates[j], ref)
			if best >= 0 && d > bestDist {
				break
			}
			if best < 0 || d < bestDist {
				best, bestDist = j, d
			}
			if candidates[j] > ref {
				break
			}
		}
		if best >= 0 && bestDist <= tolerance {
			out[i] = best
			next = best + 1
		}
	}
	return out
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// DeviceTimestamps is one device's input to BuildPlan.
type DeviceTimestamps struct {
	Endpoint string
	Serial   string
	Main     bool
	// Delay is the device's configured hardware sync delay, removed from
	// every timestamp before matching.
	Delay time.Duration
	List  protocol.TimestampList
}

// DevicePlan maps reference instants to one device's stored frames.
type DevicePlan struct {
	Endpoint string `json:"endpoint"`
	Serial   string `json:"serial"`
	Main     bool   `json:"main"`
	// Mapping[i] is the position in the device's timestamp list matched to
	// reference instant i, or Missing.
	Mapping []int `json:"mapping"`
	Matched int   `json:"matched"`

	timestamps   []uint64
	frameNumbers []int32
}

// PostSyncList is the relabelling sent to the device: the matched stored
// frame for reference instant i becomes synced frame i.
func (p DevicePlan) PostSyncList() protocol.PostSyncList {
	var l protocol.PostSyncList
	for ref, src := range p.Mapping {
		if src == Missing {
			continue
		}
		l.FrameIDs = append(l.FrameIDs, p.frameNumbers[src])
		l.SyncedFrameIDs = append(l.SyncedFrameIDs, int32(ref))
	}
	return l
}

// Residuals returns, per reference instant, the matched timestamp minus the
// reference timestamp in microseconds. Holes are omitted.
func (p DevicePlan) Residuals(reference []uint64) (index []int, residual []float64) {
	for ref, src := range p.Mapping {
		if src == Missing {
			continue
		}
		index = append(index, ref)
		residual = append(residual, float64(p.timestamps[src])-float64(reference[ref]))
	}
	return index, residual
}

// Plan is the outcome of matching every device against the main device.
type Plan struct {
	Created   time.Time     `json:"created"`
	Tolerance time.Duration `json:"tolerance"`
	// Reference holds the main device's delay-corrected timestamps.
	Reference []uint64     `json:"reference"`
	Devices   []DevicePlan `json:"devices"`
}

// Holes counts reference instants missing on at least one device.
func (p *Plan) Holes() int {
	n := 0
	for i := range p.Reference {
		for _, d := range p.Devices {
			if d.Mapping[i] == Missing {
				n++
				break
			}
		}
	}
	return n
}

// BuildPlan matches every subordinate's timestamps against the single main
// device's. A subordinate without any match inside tolerance fails the plan;
// individual unmatched instants are holes.
func BuildPlan(devices []DeviceTimestamps, tolerance time.Duration) (*Plan, error) {
	mainIdx := -1
	for i, d := range devices {
		if !d.Main {
			continue
		}
		if mainIdx >= 0 {
			return nil, &SyncError{Stage: StageNoMain, Err: fmt.Errorf("both %s and %s are main", devices[mainIdx].Endpoint, d.Endpoint)}
		}
		mainIdx = i
	}
	if mainIdx < 0 {
		return nil, &SyncError{Stage: StageNoMain}
	}

	tol := uint64(tolerance / time.Microsecond)
	mainTS, mainFrames := normalize(devices[mainIdx])
	if len(mainTS) == 0 {
		return nil, &SyncError{Stage: StageNoMatch, Device: devices[mainIdx].Endpoint, Err: errors.New("main device stored no frames")}
	}

	plan := &Plan{
		Created:   time.Now(),
		Tolerance: tolerance,
		Reference: mainTS,
		Devices:   make([]DevicePlan, len(devices)),
	}
	for i, d := range devices {
		dp := DevicePlan{Endpoint: d.Endpoint, Serial: d.Serial, Main: d.Main}
		if i == mainIdx {
			dp.timestamps, dp.frameNumbers = mainTS, mainFrames
			dp.Mapping = make([]int, len(mainTS))
			for k := range dp.Mapping {
				dp.Mapping[k] = k
			}
		} else {
			dp.timestamps, dp.frameNumbers = normalize(d)
			dp.Mapping = Match(mainTS, dp.timestamps, tol)
		}
		for _, m := range dp.Mapping {
			if m != Missing {
				dp.Matched++
			}
		}
		if dp.Matched == 0 {
			return nil, &SyncError{Stage: StageNoMatch, Device: d.Endpoint}
		}
		plan.Devices[i] = dp
	}
	return plan, nil
}

// normalize removes the sync delay and sorts the device's frames by time.
func normalize(d DeviceTimestamps) ([]uint64, []int32) {
	delay := uint64(d.Delay / time.Microsecond)
	type frame struct {
		ts uint64
		id int32
	}
	frames := make([]frame, len(d.List.Timestamps))
	for i, ts := range d.List.Timestamps {
		if ts >= delay {
			ts -= delay
		} else {
			ts = 0
		}
		frames[i] = frame{ts: ts, id: d.List.FrameNumber(i)}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].ts < frames[j].ts })

	ts := make([]uint64, len(frames))
	ids := make([]int32, len(frames))
	for i, f := range frames {
		ts[i], ids[i] = f.ts, f.id
	}
	return ts, ids
}
