// Package sensorlink owns one sensor connection: it sends commands, runs the
// reader loop that applies device replies, and exposes the resulting state.
package sensorlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/notify"
	"github.com/banshee-data/livescan/internal/protocol"
)

var (
	// ErrDisconnected is returned once the peer is gone. Callers drop the link
	// from the active set; it is not fatal to a session.
	ErrDisconnected = errors.New("sensor disconnected")
	// ErrConfigurationRejected is returned when the device declines a pushed
	// configuration. It is not retried.
	ErrConfigurationRejected = errors.New("configuration rejected by sensor")
	// ErrRestartFailed is returned when the device reports a failed
	// reinitialization.
	ErrRestartFailed = errors.New("sensor reinitialization failed")
	// ErrCommandFailed is returned when the device answers a request with a
	// failure byte.
	ErrCommandFailed = errors.New("sensor reported failure")
	// ErrTimeout is returned when a reply does not arrive in time.
	ErrTimeout = errors.New("timed out waiting for sensor")
)

var logf = monitoring.Component("SensorLink")

const (
	DefaultReplyTimeout   = 10 * time.Second
	DefaultRestartTimeout = 30 * time.Second
)

// Options configures a Link. The zero value is usable.
type Options struct {
	// Decompressor handles frames with the compressed flag set. Defaults to zstd.
	Decompressor protocol.Decompressor
	// ReplyTimeout bounds every request/reply wait and every command write.
	ReplyTimeout time.Duration
	// RestartTimeout bounds the wait for a restart confirmation.
	RestartTimeout time.Duration
	// Notify, when set, receives every event alongside the link's own hub.
	Notify *notify.Hub[Event]
}

// Link is one sensor connection and its protocol state.
type Link struct {
	conn           net.Conn
	endpoint       string
	dec            protocol.Decompressor
	replyTimeout   time.Duration
	restartTimeout time.Duration
	shared         *notify.Hub[Event]
	events         *notify.Hub[Event]

	wmu sync.Mutex // serializes command writes

	mu         sync.Mutex
	state      State
	flags      Flags
	cfg        protocol.DeviceConfiguration
	world      AffineTransform
	pose       AffineTransform
	markerID   int32
	frame      *protocol.FrameSnapshot
	stored     *protocol.FrameSnapshot
	timestamps protocol.TimestampList
	confSeq    uint64
	rejectSeq  uint64
	replyOK    bool
	received   uint64
	skipped    uint64
	changed    chan struct{}
	err        error

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an accepted connection. The link starts in
// StateAwaitingConfiguration; call Run to start the reader loop.
func New(conn net.Conn, opts Options) *Link {
	l := &Link{
		conn:           conn,
		endpoint:       conn.RemoteAddr().String(),
		dec:            opts.Decompressor,
		replyTimeout:   opts.ReplyTimeout,
		restartTimeout: opts.RestartTimeout,
		shared:         opts.Notify,
		events:         notify.NewHub[Event](),
		state:          StateAwaitingConfiguration,
		cfg:            protocol.DefaultDeviceConfiguration(),
		world:          Identity(),
		pose:           Identity(),
		changed:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	if l.dec == nil {
		l.dec = protocol.NewZstdDecompressor()
	}
	if l.replyTimeout <= 0 {
		l.replyTimeout = DefaultReplyTimeout
	}
	if l.restartTimeout <= 0 {
		l.restartTimeout = DefaultRestartTimeout
	}
	l.flags.NoMoreStoredFrames = true
	l.connected.Store(true)
	return l
}

// Endpoint returns the remote address of the device.
func (l *Link) Endpoint() string { return l.endpoint }

// Connected reports whether the peer is still reachable.
func (l *Link) Connected() bool { return l.connected.Load() }

// Done is closed when the link disconnects.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the reason the link went down, or nil while connected.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Subscribe registers for this link's events.
func (l *Link) Subscribe() (string, <-chan Event) { return l.events.Subscribe() }

// Unsubscribe removes a subscription made with Subscribe.
func (l *Link) Unsubscribe(id string) { l.events.Unsubscribe(id) }

// Status returns a consistent copy of the link's state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Endpoint:       l.endpoint,
		State:          l.state,
		Flags:          l.flags,
		Configuration:  l.cfg,
		WorldTransform: l.world,
		CameraPose:     l.pose,
		MarkerID:       l.markerID,
		FramesReceived: l.received,
		FramesSkipped:  l.skipped,
	}
}

// State returns the current protocol state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Serial returns the device serial number.
func (l *Link) Serial() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.SerialNumber
}

// Configuration returns the last known device configuration.
func (l *Link) Configuration() protocol.DeviceConfiguration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Calibrated reports whether the device has a world transform.
func (l *Link) Calibrated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flags.Calibrated
}

// Frame returns the most recently decoded snapshot, or nil.
func (l *Link) Frame() *protocol.FrameSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame
}

// WorldTransform returns the sensor→world transform.
func (l *Link) WorldTransform() AffineTransform {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.world
}

// CameraPose returns the camera pose derived from the world transform.
func (l *Link) CameraPose() AffineTransform {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pose
}

// SetWorldTransform replaces the world transform locally and re-derives the
// camera pose. Use SendCalibrationData to push it to the device.
func (l *Link) SetWorldTransform(t AffineTransform) {
	l.update(func() {
		l.world = t
		l.pose = CameraPose(t)
	})
}

// Close closes the connection. The reader loop exits and the link reports
// Disconnected.
func (l *Link) Close() error {
	err := l.conn.Close()
	l.disconnect(ErrDisconnected)
	return err
}

// Run reads and applies device messages until the connection fails or ctx is
// cancelled. Malformed and spurious frames are skipped; anything that leaves
// the stream position unknown ends the link.
func (l *Link) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	r := bufio.NewReaderSize(l.conn, 64<<10)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return l.fail(ctx, err)
		}
		if err := l.handle(protocol.Message(b), r); err != nil {
			return l.fail(ctx, err)
		}
	}
}

func (l *Link) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		l.disconnect(ctx.Err())
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		logf("%s closed the connection", l.endpoint)
		l.disconnect(ErrDisconnected)
		return nil
	}
	logf("%s read error: %v", l.endpoint, err)
	l.disconnect(fmt.Errorf("%w: %v", ErrDisconnected, err))
	return err
}

func (l *Link) disconnect(reason error) {
	l.closeOnce.Do(func() {
		l.connected.Store(false)
		l.mu.Lock()
		l.state = StateDisconnected
		l.err = reason
		l.broadcastLocked()
		l.mu.Unlock()
		l.conn.Close()
		close(l.done)
		l.publish(Event{Kind: EventDisconnected, Link: l})
		l.events.Close()
	})
}

// update applies fn under the state lock, wakes waiters and publishes a
// state-changed event.
func (l *Link) update(fn func()) {
	l.mu.Lock()
	fn()
	l.broadcastLocked()
	l.mu.Unlock()
	l.publish(Event{Kind: EventStateChanged, Link: l})
}

func (l *Link) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Link) publish(ev Event) {
	l.events.Publish(ev)
	if l.shared != nil {
		l.shared.Publish(ev)
	}
}

// enterLocked moves Ready into a busy state. Other states are left alone.
func (l *Link) enterLocked(s State) {
	if l.state == StateReady {
		l.state = s
	}
}

// settleLocked returns a busy state to Ready.
func (l *Link) settleLocked(from State) {
	if l.state == from {
		l.state = StateReady
	}
}

// await blocks until ready reports true. ready runs with l.mu held. The
// liveness flag is re-checked on every wake-up so a dead peer never hangs
// the caller.
func (l *Link) await(ctx context.Context, timeout time.Duration, what string, ready func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.mu.Lock()
		ok := ready()
		ch := l.changed
		l.mu.Unlock()
		if ok {
			return nil
		}
		if !l.connected.Load() {
			return fmt.Errorf("%w: %s waiting for %s", ErrDisconnected, l.endpoint, what)
		}
		select {
		case <-ch:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %s waiting for %s", ErrTimeout, l.endpoint, what)
		}
	}
}

// send writes one command byte plus payload as a single write.
func (l *Link) send(cmd protocol.Command, payload []byte) error {
	if !l.connected.Load() {
		return fmt.Errorf("%w: %s", ErrDisconnected, l.endpoint)
	}
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(cmd))
	buf = append(buf, payload...)

	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(l.replyTimeout))
	if _, err := l.conn.Write(buf); err != nil {
		l.disconnect(fmt.Errorf("%w: %v", ErrDisconnected, err))
		return fmt.Errorf("%w: %s send %v: %v", ErrDisconnected, l.endpoint, cmd, err)
	}
	return nil
}
