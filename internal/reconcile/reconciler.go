package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

var logf = monitoring.Component("Reconcile")

// Device is the part of a sensor link the reconciler drives.
type Device interface {
	Endpoint() string
	Serial() string
	Configuration() protocol.DeviceConfiguration
	RequestTimestampList(ctx context.Context) (protocol.TimestampList, error)
	SendPostSyncList(ctx context.Context, list protocol.PostSyncList) error
}

// Reconciler runs timestamp reconciliation and keeps the last plan for
// diagnostics.
type Reconciler struct {
	tolerance      time.Duration
	diagnosticsDir string

	mu      sync.Mutex
	last    *Plan
	lastErr error
}

// New returns a Reconciler. A non-positive tolerance selects
// DefaultTolerance. When diagnosticsDir is set every plan is also plotted
// into it.
func New(tolerance time.Duration, diagnosticsDir string) *Reconciler {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{tolerance: tolerance, diagnosticsDir: diagnosticsDir}
}

// Last returns the most recent plan (nil if none succeeded yet) and the
// error of the most recent run.
func (r *Reconciler) Last() (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastErr
}

// Reconcile fetches every device's timestamp list, builds the plan and
// asks each device to reorder its stored frames. Every failure wraps
// ErrSyncUnavailable; the caller is expected to carry on unsynchronized.
func (r *Reconciler) Reconcile(ctx context.Context, devices []Device) (*Plan, error) {
	plan, err := r.reconcile(ctx, devices)

	r.mu.Lock()
	if plan != nil {
		r.last = plan
	}
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		logf("synchronization failed, recording stays unsynchronized: %v", err)
		return plan, err
	}
	logf("synchronized %d devices over %d frames (%d holes)", len(plan.Devices), len(plan.Reference), plan.Holes())

	if r.diagnosticsDir != "" {
		if path, err := SavePlot(plan, r.diagnosticsDir); err != nil {
			logf("failed to write sync diagnostics: %v", err)
		} else {
			logf("sync diagnostics written to %s", path)
		}
	}
	return plan, nil
}

func (r *Reconciler) reconcile(ctx context.Context, devices []Device) (*Plan, error) {
	if len(devices) == 0 {
		return nil, &SyncError{Stage: StageNoMain, Err: errors.New("no devices")}
	}

	inputs := make([]DeviceTimestamps, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		g.Go(func() error {
			list, err := d.RequestTimestampList(gctx)
			if err != nil {
				return &SyncError{Stage: StageTimestamps, Device: d.Endpoint(), Err: err}
			}
			cfg := d.Configuration()
			inputs[i] = DeviceTimestamps{
				Endpoint: d.Endpoint(),
				Serial:   d.Serial(),
				Main:     cfg.SoftwareSync == protocol.SyncMain,
				Delay:    cfg.SyncDelay(),
				List:     list,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan, err := BuildPlan(inputs, r.tolerance)
	if err != nil {
		return nil, err
	}

	// Reorder failures are per device; every device is still attempted.
	errs := make([]error, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.SendPostSyncList(ctx, plan.Devices[i].PostSyncList()); err != nil {
				errs[i] = &SyncError{Stage: StageReorder, Device: d.Endpoint(), Err: err}
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return plan, fmt.Errorf("reorder: %w", err)
	}
	return plan, nil
}
