package capture

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/livescan/internal/protocol"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

// DeviceFrame is one device's contribution to the aggregate view, already
// mapped into world space.
type DeviceFrame struct {
	Endpoint string
	Serial   string
	Frame    *protocol.FrameSnapshot
}

// FrameView is the merged "all current frames" view. Merged and Devices are
// always from the same poll round.
type FrameView struct {
	Round   uint64
	Updated time.Time
	Merged  *protocol.FrameSnapshot
	Devices []DeviceFrame
}

// Preview polls the latest frame of every device on a fixed interval while
// no recording runs, and keeps the merged result.
type Preview struct {
	fleet    Fleet
	interval time.Duration

	mu     sync.Mutex
	paused bool
	wake   chan struct{}
	cancel context.CancelFunc // cancels the round in flight
	round  sync.WaitGroup

	viewMu sync.RWMutex
	view   FrameView
}

func newPreview(fleet Fleet, interval time.Duration) *Preview {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Preview{fleet: fleet, interval: interval, wake: make(chan struct{})}
}

// Snapshot returns the latest aggregate view. The frames in it are shared
// and must not be modified.
func (p *Preview) Snapshot() FrameView {
	p.viewMu.RLock()
	defer p.viewMu.RUnlock()
	return p.view
}

// Paused reports whether polling is suspended.
func (p *Preview) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Pause suspends polling. A round in flight is cancelled, and Pause returns
// only once it has stopped touching the links.
func (p *Preview) Pause() {
	p.mu.Lock()
	p.paused = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.round.Wait()
}

// Resume restarts polling.
func (p *Preview) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.wake)
	p.wake = make(chan struct{})
}

// Run polls until ctx ends.
func (p *Preview) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		paused, wake := p.paused, p.wake
		var roundCtx context.Context
		if !paused {
			roundCtx, p.cancel = context.WithCancel(ctx)
			p.round.Add(1)
		}
		p.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}

		p.poll(roundCtx)
		p.mu.Lock()
		p.cancel()
		p.cancel = nil
		p.mu.Unlock()
		p.round.Done()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll requests the latest frame from every connected device. The view is
// replaced only when every device answered, so it never mixes rounds.
func (p *Preview) poll(ctx context.Context) {
	var live []*sensorlink.Link
	for _, l := range p.fleet.Links() {
		if l.Connected() {
			live = append(live, l)
		}
	}

	frames := make([]DeviceFrame, len(live))
	out := fanOut(ctx, live, func(ctx context.Context, l *sensorlink.Link) error {
		f, err := l.LastFrame(ctx)
		if err != nil {
			return err
		}
		frames[indexOf(live, l)] = DeviceFrame{
			Endpoint: l.Endpoint(),
			Serial:   l.Serial(),
			Frame:    toWorld(f, l.WorldTransform()),
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}

	kept := frames[:0]
	for i, f := range frames {
		if out[i].Err == nil && f.Frame != nil {
			kept = append(kept, f)
		}
	}
	p.publish(kept)
}

// publish merges the device frames and swaps the aggregate view under the
// write lock.
func (p *Preview) publish(frames []DeviceFrame) {
	parts := make([]*protocol.FrameSnapshot, len(frames))
	for i, f := range frames {
		parts[i] = f.Frame
	}
	merged := protocol.Merge(parts...)

	p.viewMu.Lock()
	defer p.viewMu.Unlock()
	p.view = FrameView{
		Round:   p.view.Round + 1,
		Updated: time.Now(),
		Merged:  merged,
		Devices: frames,
	}
}

// toWorld maps a sensor-local snapshot through the device's world transform.
func toWorld(f *protocol.FrameSnapshot, t sensorlink.AffineTransform) *protocol.FrameSnapshot {
	if f == nil {
		return nil
	}
	out := &protocol.FrameSnapshot{
		Vertices: make([]protocol.Point3, len(f.Vertices)),
		Colors:   f.Colors,
		Bodies:   make([]protocol.Body, len(f.Bodies)),
	}
	for i, v := range f.Vertices {
		out.Vertices[i] = t.Apply(v)
	}
	for i, b := range f.Bodies {
		joints := make([]protocol.Joint, len(b.Joints))
		for j, jt := range b.Joints {
			jt.Position = t.Apply(jt.Position)
			joints[j] = jt
		}
		out.Bodies[i] = protocol.Body{Tracked: b.Tracked, Joints: joints}
	}
	return out
}
