package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/livescan/internal/config"
	"github.com/banshee-data/livescan/internal/protocol"
	"github.com/banshee-data/livescan/internal/reconcile"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

// Result summarises a finished recording.
type Result struct {
	SessionID string
	Take      string
	SyncMode  config.SyncMode
	Started   time.Time
	Stopped   time.Time
	// Frames counts network capture rounds, or synchronized frames for a
	// hardware recording that reconciled.
	Frames int
	// Saved counts frame indexes handed to the sink.
	Saved int
	// SyncErr is set when hardware reconciliation failed and the recording
	// was kept unsynchronized.
	SyncErr error
	// Outcomes per stage, e.g. "pre-record", "capture", "post-record".
	Outcomes map[string]Outcomes
	// Err is the first error that cut the recording short.
	Err error
}

// SyncStatus is a short description of the synchronization outcome.
func (r *Result) SyncStatus() string {
	switch {
	case r.SyncMode != config.SyncHardware:
		return r.SyncMode.String()
	case r.SyncErr != nil:
		return "unsynchronized: " + r.SyncErr.Error()
	default:
		return "synchronized"
	}
}

// Session is a recording in progress.
type Session struct {
	c       *Coordinator
	mode    config.SyncMode
	take    string
	id      string
	started time.Time
	links   []*sensorlink.Link
	frames  atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	result   *Result
}

// Take is the take directory the devices store this recording under.
func (s *Session) Take() string { return s.take }

// Frames returns the number of frames captured so far.
func (s *Session) Frames() int { return int(s.frames.Load()) }

// Stop ends capturing. Post-processing (reconciliation and saving) still runs.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Cancel stops capturing and aborts post-processing.
func (s *Session) Cancel() {
	s.Stop()
	s.cancel()
}

// Done is closed once the coordinator is back to Idle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has finished and returns its result.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.result, s.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartRecording prepares every device and starts a recording in the
// current sync mode. It returns once capture is running; the session then
// runs in the background until stopped.
func (c *Coordinator) StartRecording(ctx context.Context) (*Session, error) {
	mode := c.SyncMode()
	if mode != config.SyncNetwork && mode != config.SyncHardware {
		return nil, fmt.Errorf("%w: recording needs network or hardware sync, have %v", ErrSyncMode, mode)
	}
	links, err := c.links()
	if err != nil {
		return nil, err
	}
	if mode == config.SyncHardware {
		if _, err := CheckHardwareSyncValid(links); err != nil {
			return nil, err
		}
	}
	if err := c.transition(Idle, Recording); err != nil {
		return nil, err
	}

	s, err := c.prepare(ctx, mode, links)
	if err != nil {
		c.setIdle()
		return nil, err
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	go c.drive(s)
	return s, nil
}

// prepare allocates the take, creates its directory on every device, clears
// old stored frames and runs the pre-record handshake. Directory creation
// must succeed everywhere; devices failing the handshake are left out.
func (c *Coordinator) prepare(ctx context.Context, mode config.SyncMode, links []*sensorlink.Link) (*Session, error) {
	name := c.conf.GetTakeName()
	idx, err := c.nextTakeIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	take := fmt.Sprintf("%s_%d", name, idx)

	out := fanOut(ctx, links, func(ctx context.Context, l *sensorlink.Link) error {
		return l.CreateDirectory(ctx, take)
	})
	if out.Failed() {
		return nil, fmt.Errorf("take %s: %w", take, out.Err())
	}

	fanOut(ctx, links, func(_ context.Context, l *sensorlink.Link) error {
		return l.ClearStoredFrames()
	})

	pre := fanOut(ctx, links, func(ctx context.Context, l *sensorlink.Link) error {
		return l.PreRecord(ctx)
	})
	active := succeeded(links, pre)
	if len(active) == 0 {
		return nil, fmt.Errorf("pre-record: %w", pre.Err())
	}
	if pre.Failed() {
		logf("pre-record failed on %v, recording without them", pre.FailedEndpoints())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		c:       c,
		mode:    mode,
		take:    take,
		started: time.Now(),
		links:   active,
		stop:    make(chan struct{}),
		runCtx:  runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		result: &Result{
			Take:     take,
			SyncMode: mode,
			Outcomes: map[string]Outcomes{"pre-record": pre},
		},
	}
	s.result.Started = s.started

	if c.store != nil {
		id, err := c.store.StartSession(ctx, name, idx, mode.String(), s.started)
		if err != nil {
			logf("failed to record session start: %v", err)
		}
		s.id = id
		s.result.SessionID = id
	}

	if mode == config.SyncHardware {
		out := fanOut(runCtx, active, func(_ context.Context, l *sensorlink.Link) error {
			return l.StartCapture()
		})
		s.result.Outcomes["start"] = out
		if out.Failed() {
			logf("start capture failed on %v", out.FailedEndpoints())
		}
	}
	logf("recording %s started on %d devices (%v sync)", take, len(active), mode)
	return s, nil
}

func (c *Coordinator) nextTakeIndex(ctx context.Context, name string) (int, error) {
	if c.store != nil {
		return c.store.NextTakeIndex(ctx, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.takes[name]++
	return c.takes[name], nil
}

// drive runs a session through Recording, Reconciling and Saving back to
// Idle.
func (c *Coordinator) drive(s *Session) {
	defer close(s.done)
	defer s.cancel()
	defer c.setIdle()
	ctx := s.runCtx
	res := s.result

	switch s.mode {
	case config.SyncNetwork:
		res.Err = s.captureNetwork(ctx)
	case config.SyncHardware:
		select {
		case <-s.stop:
		case <-ctx.Done():
		}
		res.Outcomes["stop"] = fanOut(context.WithoutCancel(ctx), s.links, func(_ context.Context, l *sensorlink.Link) error {
			return l.StopCapture()
		})
	}
	res.Stopped = time.Now()
	res.Frames = s.Frames()

	// The handshake runs even when the session was cancelled.
	post := fanOut(context.WithoutCancel(ctx), s.links, func(ctx context.Context, l *sensorlink.Link) error {
		return l.PostRecord(ctx)
	})
	res.Outcomes["post-record"] = post

	if s.mode == config.SyncHardware && ctx.Err() == nil {
		c.setState(Reconciling)
		devices := make([]reconcile.Device, len(s.links))
		for i, l := range s.links {
			devices[i] = l
		}
		plan, err := c.reconciler.Reconcile(ctx, devices)
		res.SyncErr = err
		if err == nil {
			res.Frames = len(plan.Reference)
		}
	}

	if c.sink != nil && ctx.Err() == nil && c.conf.GetExportMode() == protocol.ExportPointcloud {
		c.setState(Saving)
		if err := s.save(ctx); err != nil && !errors.Is(err, context.Canceled) {
			res.Err = errors.Join(res.Err, fmt.Errorf("saving: %w", err))
		}
		fanOut(context.WithoutCancel(ctx), s.links, func(_ context.Context, l *sensorlink.Link) error {
			return l.ClearStoredFrames()
		})
	}

	c.finish(s)
}

func (s *Session) save(ctx context.Context) error {
	c := s.c
	if ts, ok := c.sink.(TakeSink); ok {
		if err := ts.BeginTake(s.take); err != nil {
			return err
		}
	}
	n, err := SaveStoredFrames(ctx, s.links, c.conf.GetExportMode(), c.conf.GetMergeOnSave(), c.sink)
	s.result.Saved = n
	return err
}

// captureNetwork runs capture rounds until the session is stopped. Devices
// that stop answering are dropped and the round counts for the rest; the
// recording ends when none are left.
func (s *Session) captureNetwork(ctx context.Context) error {
	interval := s.c.conf.GetCapturePollInterval()
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
	}
	for {
		select {
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		out := CaptureSynchronizedFrame(ctx, s.links)
		if ctx.Err() != nil {
			return nil
		}
		if out.Failed() {
			logf("dropping %v from the recording: %v", out.FailedEndpoints(), out.Err())
			s.result.Outcomes["capture"] = append(s.result.Outcomes["capture"], failedOnly(out)...)
			s.links = succeeded(s.links, out)
			if len(s.links) == 0 {
				return fmt.Errorf("capture: %w", ErrNoDevices)
			}
		}
		// The remaining devices stored this round's frame.
		s.frames.Add(1)

		if timer != nil {
			timer.Reset(interval)
			select {
			case <-s.stop:
				return nil
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		}
	}
}

// CaptureSynchronizedFrame runs one network-synchronized round: every link
// is asked to capture, then the round waits for every confirmation. A round
// completes only once every live device has confirmed; devices that
// disconnect or time out are reported in the outcomes.
func CaptureSynchronizedFrame(ctx context.Context, links []*sensorlink.Link) Outcomes {
	return fanOut(ctx, links, func(ctx context.Context, l *sensorlink.Link) error {
		if err := l.RequestCapture(); err != nil {
			return err
		}
		return l.WaitCaptured(ctx)
	})
}

func failedOnly(o Outcomes) Outcomes {
	var out Outcomes
	for _, x := range o {
		if x.Err != nil {
			out = append(out, x)
		}
	}
	return out
}

// finish records the session outcome and publishes the result.
func (c *Coordinator) finish(s *Session) {
	res := s.result
	if c.store != nil && s.id != "" {
		ctx := context.WithoutCancel(s.runCtx)
		for stage, outs := range res.Outcomes {
			for _, o := range outs {
				if err := c.store.RecordOutcome(ctx, s.id, stage, o.Endpoint, o.Serial, o.Err); err != nil {
					logf("failed to record outcome: %v", err)
				}
			}
		}
		if err := c.store.FinishSession(ctx, s.id, res.Stopped, res.Frames, res.SyncStatus()); err != nil {
			logf("failed to record session end: %v", err)
		}
	}
	logf("recording %s finished: %d frames, %d saved, %s", s.take, res.Frames, res.Saved, res.SyncStatus())

	c.mu.Lock()
	c.session = nil
	c.lastResult = res
	c.mu.Unlock()
}

// Session returns the recording in progress, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastResult returns the result of the most recent finished recording.
func (c *Coordinator) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// StopRecording stops the recording in progress and waits for it to finish.
func (c *Coordinator) StopRecording(ctx context.Context) (*Result, error) {
	s := c.Session()
	if s == nil {
		return nil, fmt.Errorf("%w: no recording in progress", ErrInvalidState)
	}
	s.Stop()
	return s.Wait(ctx)
}

func (c *Coordinator) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.enter(st)
}

func (c *Coordinator) setIdle() { c.setState(Idle) }
