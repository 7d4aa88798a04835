// Package capture coordinates the sensor fleet: multi-device commands with
// per-device outcomes, the recording state machine and the live preview.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/livescan/internal/calibration"
	"github.com/banshee-data/livescan/internal/config"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/notify"
	"github.com/banshee-data/livescan/internal/reconcile"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

var logf = monitoring.Component("Capture")

var (
	ErrInvalidState        = errors.New("invalid recording state")
	ErrExportMode          = errors.New("operation not available in this export mode")
	ErrSyncMode            = errors.New("sync mode conflict")
	ErrNoDevices           = errors.New("no devices connected")
	ErrHardwareSyncInvalid = errors.New("invalid hardware sync topology")
)

// State is the recording state machine position.
type State int

const (
	Idle State = iota
	Recording
	Reconciling
	Saving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recording:
		return "Recording"
	case Reconciling:
		return "Reconciling"
	case Saving:
		return "Saving"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Fleet is the live device list, normally a *registry.Registry.
type Fleet interface {
	Links() []*sensorlink.Link
	Subscribe() (string, <-chan []*sensorlink.Link)
	Unsubscribe(id string)
}

// SessionStore persists take indexes and session history. *db.DB
// implements it.
type SessionStore interface {
	NextTakeIndex(ctx context.Context, take string) (int, error)
	StartSession(ctx context.Context, take string, index int, syncMode string, started time.Time) (string, error)
	FinishSession(ctx context.Context, id string, stopped time.Time, frames int, syncStatus string) error
	RecordOutcome(ctx context.Context, sessionID, stage, endpoint, serial string, err error) error
}

// Options configures a Coordinator.
type Options struct {
	Config *config.SessionConfig
	// Store is optional; without it take indexes are counted in memory.
	Store SessionStore
	// Reconciler is optional; one is built from Config when nil.
	Reconciler *reconcile.Reconciler
	// Sink receives stored frames after a recording. Without a sink the
	// frames stay on the devices.
	Sink FrameSink
	// Calibrations, when set, keeps every calibrated and refined transform.
	Calibrations calibration.Store
}

// Coordinator drives the whole fleet.
type Coordinator struct {
	fleet      Fleet
	conf       *config.SessionConfig
	store      SessionStore
	reconciler *reconcile.Reconciler
	sink       FrameSink
	calStore   calibration.Store
	refining   bool
	preview    *Preview
	states     *notify.Hub[State]

	mu         sync.Mutex
	state      State
	syncMode   config.SyncMode
	hwSync     bool
	takes      map[string]int
	session    *Session
	lastResult *Result
}

// New returns an idle coordinator over fleet.
func New(fleet Fleet, opts Options) *Coordinator {
	conf := opts.Config
	if conf == nil {
		conf = config.DefaultSessionConfig()
	}
	rec := opts.Reconciler
	if rec == nil {
		rec = reconcile.New(conf.GetSyncTolerance(), conf.GetDiagnosticsDir())
	}
	c := &Coordinator{
		fleet:      fleet,
		conf:       conf,
		store:      opts.Store,
		reconciler: rec,
		sink:       opts.Sink,
		calStore:   opts.Calibrations,
		states:     notify.NewHub[State](),
		syncMode:   conf.GetSyncMode(),
		takes:      make(map[string]int),
	}
	c.preview = newPreview(fleet, conf.GetPreviewInterval())
	return c
}

// Config returns the session configuration.
func (c *Coordinator) Config() *config.SessionConfig { return c.conf }

// Preview returns the live-preview poller.
func (c *Coordinator) Preview() *Preview { return c.preview }

// Reconciler returns the reconciler used after hardware-synced recordings.
func (c *Coordinator) Reconciler() *reconcile.Reconciler { return c.reconciler }

// State returns the current recording state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers for state transitions.
func (c *Coordinator) Subscribe() (string, <-chan State) { return c.states.Subscribe() }

// Unsubscribe removes a state subscription.
func (c *Coordinator) Unsubscribe(id string) { c.states.Unsubscribe(id) }

// transition moves from one state to the next, failing with ErrInvalidState
// when the machine is elsewhere.
func (c *Coordinator) transition(from, to State) error {
	c.mu.Lock()
	if c.state != from {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %v, want %v", ErrInvalidState, cur, from)
	}
	if c.refining {
		c.mu.Unlock()
		return fmt.Errorf("%w: refinement running", ErrInvalidState)
	}
	c.state = to
	c.mu.Unlock()
	c.enter(to)
	return nil
}

// previewAllowed reports whether the session configuration permits live
// preview. Raw-frame export keeps frames on the devices, so there is nothing
// to preview.
func (c *Coordinator) previewAllowed() bool {
	return c.conf.GetPreviewEnabled() && c.requirePointcloud() == nil
}

// enter publishes a state change and drives the preview poller: it is
// paused while anything but Idle runs.
func (c *Coordinator) enter(s State) {
	if s == Idle {
		if c.previewAllowed() {
			c.preview.Resume()
		}
	} else {
		c.preview.Pause()
	}
	c.states.Publish(s)
}

// SyncMode returns the sync mode the next recording uses.
func (c *Coordinator) SyncMode() config.SyncMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncMode
}

// HardwareSyncEnabled reports whether EnableHardwareSync has configured the
// fleet.
func (c *Coordinator) HardwareSyncEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hwSync
}

// SetSyncMode selects Off or Network sync for the next recording. Hardware
// sync is selected by EnableHardwareSync; while it is enabled no other mode
// may be chosen.
func (c *Coordinator) SetSyncMode(m config.SyncMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return fmt.Errorf("%w: cannot change sync mode while %v", ErrInvalidState, c.state)
	}
	if m == config.SyncHardware {
		if !c.hwSync {
			return fmt.Errorf("%w: enable hardware sync first", ErrSyncMode)
		}
	} else if c.hwSync {
		return fmt.Errorf("%w: hardware sync is enabled, disable it before selecting %v", ErrSyncMode, m)
	}
	c.syncMode = m
	return nil
}

// Run drives the live preview and watches the device list until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	id, changes := c.fleet.Subscribe()
	defer c.fleet.Unsubscribe(id)

	if !c.previewAllowed() {
		c.preview.Pause()
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.preview.Run(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			// A full subscriber misses notifications, so the list carried by
			// one may be stale; the fleet itself is authoritative.
			if len(c.fleet.Links()) == 0 {
				c.fleetEmptied()
			}
		}
	}
}

// fleetEmptied drops hardware sync once no device is left to hold it.
func (c *Coordinator) fleetEmptied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hwSync {
		return
	}
	c.hwSync = false
	if c.syncMode == config.SyncHardware {
		c.syncMode = config.SyncOff
	}
	logf("all sensors disconnected, hardware sync disabled")
}

// links returns the connected links, or ErrNoDevices.
func (c *Coordinator) links() ([]*sensorlink.Link, error) {
	all := c.fleet.Links()
	out := make([]*sensorlink.Link, 0, len(all))
	for _, l := range all {
		if l.Connected() {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoDevices
	}
	return out, nil
}

// selectLinks returns the connected links with the given endpoints, or every
// connected link when none are given.
func (c *Coordinator) selectLinks(endpoints []string) ([]*sensorlink.Link, error) {
	links, err := c.links()
	if err != nil || len(endpoints) == 0 {
		return links, err
	}
	want := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		want[ep] = true
	}
	out := links[:0:0]
	for _, l := range links {
		if want[l.Endpoint()] {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %v", ErrNoDevices, endpoints)
	}
	return out, nil
}

// PushSettings sends the session settings block to every device.
func (c *Coordinator) PushSettings(ctx context.Context) (Outcomes, error) {
	links, err := c.links()
	if err != nil {
		return nil, err
	}
	settings := c.conf.Settings()
	out := fanOut(ctx, links, func(_ context.Context, l *sensorlink.Link) error {
		return l.PushSettings(settings)
	})
	return out, out.Err()
}

// Calibrate asks every device to run marker calibration and waits for the
// resulting poses.
func (c *Coordinator) Calibrate(ctx context.Context) (Outcomes, error) {
	if err := c.requirePointcloud(); err != nil {
		return nil, err
	}
	links, err := c.links()
	if err != nil {
		return nil, err
	}
	out := fanOut(ctx, links, func(ctx context.Context, l *sensorlink.Link) error {
		if err := l.Calibrate(); err != nil {
			return err
		}
		return l.WaitCalibrated(ctx)
	})
	if out.Failed() {
		logf("calibration incomplete: %v", out)
	}
	if c.calStore != nil {
		for _, l := range succeeded(links, out) {
			w := l.WorldTransform()
			if err := c.calStore.RecordCalibration(ctx, l.Serial(), w.RowMajor(), w.T, false); err != nil {
				logf("failed to record calibration for %s: %v", l.Serial(), err)
			}
		}
	}
	return out, out.Err()
}

// Reinitialize restarts the given devices (all when none are named) with
// their current settings and waits for every confirmation.
func (c *Coordinator) Reinitialize(ctx context.Context, endpoints ...string) (Outcomes, error) {
	links, err := c.selectLinks(endpoints)
	if err != nil {
		return nil, err
	}
	out := fanOut(ctx, links, restart)
	if out.Failed() {
		logf("restart failed on %v", out.FailedEndpoints())
	}
	return out, out.Err()
}

func restart(ctx context.Context, l *sensorlink.Link) error {
	if err := l.Reinitialize(); err != nil {
		return err
	}
	return l.WaitReinitialized(ctx)
}

// Close stops delivering state notifications.
func (c *Coordinator) Close() {
	c.states.Close()
}
