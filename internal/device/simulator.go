// Package device simulates a sensor client. It speaks the device side of the
// wire protocol and backs the end-to-end tests and cmd/sensor-sim.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

var logf = monitoring.Component("Simulator")

// Config describes one simulated sensor.
type Config struct {
	Serial string
	// HardwareSync is the role the sync jacks report. It cannot be changed by
	// SetConfiguration.
	HardwareSync protocol.SyncState
	// Scene is the world-space point cloud the sensor looks at. Each frame
	// carries it in sensor-local coordinates derived from Pose.
	Scene  []protocol.Point3
	Colors []protocol.Color
	// Pose is the true sensor→world transform (row-major R, then T), with
	// world = R·(local + T).
	Pose protocol.CalibrationRecord
	// Calibration is what the sensor reports after Calibrate. Defaults to Pose.
	Calibration *protocol.CalibrationRecord
	// Bodies is attached to every captured frame.
	Bodies []protocol.Body

	// FramePeriod is the free-running capture period in hardware-sync mode.
	FramePeriod time.Duration
	// TimestampOffset is added to every hardware timestamp, in microseconds.
	TimestampOffset uint64
	// TimestampJitter is the maximum random jitter per timestamp, in microseconds.
	TimestampJitter uint64

	// Compressor, when set, compresses every frame payload.
	Compressor protocol.Compressor

	RejectConfiguration bool
	FailRestart         bool
	FailDirectory       bool
	FailPostSync        bool
	// IgnoreCapture drops CaptureFrame requests without confirming.
	IgnoreCapture bool
	// ReplyDelay delays every reply.
	ReplyDelay time.Duration
}

type storedFrame struct {
	snap      *protocol.FrameSnapshot
	timestamp uint64
	number    int32
}

// Simulator is one simulated sensor. A Simulator serves one connection at a
// time.
type Simulator struct {
	conf  Config
	local []protocol.Point3

	wmu sync.Mutex
	w   io.Writer

	mu          sync.Mutex
	cfg         protocol.DeviceConfiguration
	settings    *protocol.Settings
	world       *protocol.CalibrationRecord
	stored      []storedFrame
	cursor      int
	directories []string
	captures    int
	restarts    int
	commands    []protocol.Command
	freeRun     context.CancelFunc
	freeRunDone chan struct{}
	rng         *rand.Rand
}

// New builds a simulator.
func New(conf Config) *Simulator {
	if conf.Pose == (protocol.CalibrationRecord{}) {
		conf.Pose.Rotation = [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	if conf.FramePeriod <= 0 {
		conf.FramePeriod = 33 * time.Millisecond
	}
	cfg := protocol.DefaultDeviceConfiguration()
	cfg.SerialNumber = conf.Serial
	cfg.HardwareSync = conf.HardwareSync
	return &Simulator{
		conf:  conf,
		local: ToLocal(conf.Scene, conf.Pose),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(int64(len(conf.Serial)) + 1)),
	}
}

// ToLocal maps world points into the sensor frame of pose:
// local = Rᵀ·world − T.
func ToLocal(world []protocol.Point3, pose protocol.CalibrationRecord) []protocol.Point3 {
	r, t := pose.Rotation, pose.Translation
	out := make([]protocol.Point3, len(world))
	for i, p := range world {
		out[i] = protocol.Point3{
			X: r[0]*p.X + r[3]*p.Y + r[6]*p.Z - t[0],
			Y: r[1]*p.X + r[4]*p.Y + r[7]*p.Z - t[1],
			Z: r[2]*p.X + r[5]*p.Y + r[8]*p.Z - t[2],
		}
	}
	return out
}

// Configuration returns the simulator's current configuration.
func (s *Simulator) Configuration() protocol.DeviceConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Settings returns the last settings block received, or nil.
func (s *Simulator) Settings() *protocol.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// WorldCalibration returns the last transform pushed by the server, or nil.
func (s *Simulator) WorldCalibration() *protocol.CalibrationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world
}

// StoredFrames returns the number of frames currently stored.
func (s *Simulator) StoredFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

// StoredFrameNumbers returns the labels of the stored frames in order.
func (s *Simulator) StoredFrameNumbers() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, len(s.stored))
	for i, f := range s.stored {
		out[i] = f.number
	}
	return out
}

// Directories returns every take directory the server asked for.
func (s *Simulator) Directories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.directories...)
}

// Restarts returns how many restarts were requested.
func (s *Simulator) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Commands returns every command received, in order.
func (s *Simulator) Commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.commands...)
}

// AddStoredFrames appends frames with the given hardware timestamps, as if
// they had been captured in free-running mode.
func (s *Simulator) AddStoredFrames(timestamps ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range timestamps {
		s.storeLocked(ts)
	}
}

func (s *Simulator) storeLocked(ts uint64) {
	s.stored = append(s.stored, storedFrame{
		snap:      s.snapshot(),
		timestamp: ts,
		number:    int32(len(s.stored)),
	})
}

func (s *Simulator) snapshot() *protocol.FrameSnapshot {
	colors := s.conf.Colors
	if len(colors) != len(s.local) {
		colors = make([]protocol.Color, len(s.local))
		for i := range colors {
			colors[i] = protocol.Color{R: 200, G: 200, B: 200}
		}
	}
	return &protocol.FrameSnapshot{
		Vertices: s.local,
		Colors:   colors,
		Bodies:   s.conf.Bodies,
	}
}

// Dial connects to a server and serves the connection until ctx ends.
func (s *Simulator) Dial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return s.Serve(ctx, conn)
}

// Serve answers server commands on conn until the connection closes or ctx
// is cancelled. The connection is closed on return.
func (s *Simulator) Serve(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	defer s.stopFreeRun()

	s.wmu.Lock()
	s.w = conn
	s.wmu.Unlock()

	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		cmd := protocol.Command(b)
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if err := s.handle(ctx, cmd, r); err != nil {
			return fmt.Errorf("%s: %v: %w", s.conf.Serial, cmd, err)
		}
	}
}

func (s *Simulator) handle(ctx context.Context, cmd protocol.Command, r *bufio.Reader) error {
	switch cmd {
	case protocol.CmdCaptureFrame:
		if s.conf.IgnoreCapture {
			return nil
		}
		s.mu.Lock()
		s.captures++
		s.storeLocked(uint64(s.captures) * uint64(s.conf.FramePeriod/time.Microsecond))
		s.mu.Unlock()
		return s.reply(protocol.MsgConfirmCaptured, nil)

	case protocol.CmdCalibrate:
		rec := s.conf.Pose
		if s.conf.Calibration != nil {
			rec = *s.conf.Calibration
		}
		b, _ := rec.MarshalBinary()
		return s.reply(protocol.MsgConfirmCalibrated, b)

	case protocol.CmdReceiveSettings:
		settings, err := protocol.ReadSettings(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.settings = &settings
		s.mu.Unlock()
		return nil

	case protocol.CmdRequestStoredFrame:
		s.mu.Lock()
		var snap *protocol.FrameSnapshot
		if s.cursor < len(s.stored) {
			snap = s.stored[s.cursor].snap
			s.cursor++
		}
		s.mu.Unlock()
		if snap == nil {
			return s.reply(protocol.MsgStoredFrame, protocol.AppendEndOfStoredFrames(nil))
		}
		return s.replyFrame(protocol.MsgStoredFrame, snap)

	case protocol.CmdRequestLastFrame:
		s.mu.Lock()
		snap := s.snapshot()
		s.mu.Unlock()
		return s.replyFrame(protocol.MsgLastFrame, snap)

	case protocol.CmdReceiveCalibration:
		b := make([]byte, protocol.WorldCalibrationSize)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		rot, t, err := protocol.DecodeWorldCalibration(b)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.world = &protocol.CalibrationRecord{Rotation: rot, Translation: t}
		s.mu.Unlock()
		return nil

	case protocol.CmdClearStoredFrames:
		s.mu.Lock()
		s.stored = nil
		s.cursor = 0
		s.mu.Unlock()
		return nil

	case protocol.CmdStartCaptureFrames:
		s.startFreeRun(ctx)
		return nil

	case protocol.CmdStopCaptureFrames:
		s.stopFreeRun()
		return nil

	case protocol.CmdPreRecordProcessStart:
		return s.reply(protocol.MsgConfirmPreRecordProcess, nil)

	case protocol.CmdPostRecordProcessStart:
		s.stopFreeRun()
		s.mu.Lock()
		s.cursor = 0
		s.mu.Unlock()
		return s.reply(protocol.MsgConfirmPostRecordProcess, nil)

	case protocol.CmdRequestConfiguration:
		return s.replyConfiguration()

	case protocol.CmdSetConfiguration:
		b := make([]byte, protocol.ConfigurationBlockSize)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		var cfg protocol.DeviceConfiguration
		if err := cfg.UnmarshalBinary(b); err != nil {
			return err
		}
		if s.conf.RejectConfiguration {
			return s.reply(protocol.MsgConfigurationRejected, nil)
		}
		s.mu.Lock()
		cfg.SerialNumber = s.cfg.SerialNumber
		cfg.HardwareSync = s.cfg.HardwareSync
		s.cfg = cfg
		s.mu.Unlock()
		return s.replyConfiguration()

	case protocol.CmdReinitializeWithCurrentSettings:
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		status := byte(0)
		if s.conf.FailRestart {
			status = 1
		}
		return s.reply(protocol.MsgConfirmRestart, []byte{status})

	case protocol.CmdCreateDirectory:
		dir, err := protocol.ReadDirectory(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.directories = append(s.directories, dir)
		s.mu.Unlock()
		ok := byte(1)
		if s.conf.FailDirectory {
			ok = 0
		}
		return s.reply(protocol.MsgConfirmDirCreation, []byte{ok})

	case protocol.CmdRequestTimestampList:
		s.mu.Lock()
		var list protocol.TimestampList
		for _, f := range s.stored {
			list.Timestamps = append(list.Timestamps, f.timestamp)
			list.FrameNumbers = append(list.FrameNumbers, f.number)
		}
		s.mu.Unlock()
		b, _ := list.MarshalBinary()
		return s.reply(protocol.MsgTimestampList, b)

	case protocol.CmdReceivePostSyncList:
		list, err := protocol.ReadPostSyncList(r)
		if err != nil {
			return err
		}
		ok := byte(1)
		if s.conf.FailPostSync || !s.reorder(list) {
			ok = 0
		}
		return s.reply(protocol.MsgConfirmPostSynced, []byte{ok})
	}
	return fmt.Errorf("unknown command byte %d", byte(cmd))
}

// reorder keeps only the listed stored frames, relabelled and sorted by their
// synced id.
func (s *Simulator) reorder(list protocol.PostSyncList) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNumber := make(map[int32]storedFrame, len(s.stored))
	for _, f := range s.stored {
		byNumber[f.number] = f
	}
	out := make([]storedFrame, 0, len(list.FrameIDs))
	for i, id := range list.FrameIDs {
		f, ok := byNumber[id]
		if !ok {
			return false
		}
		f.number = list.SyncedFrameIDs[i]
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	s.stored = out
	s.cursor = 0
	return true
}

func (s *Simulator) startFreeRun(ctx context.Context) {
	s.stopFreeRun()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.freeRun = cancel
	s.freeRunDone = done
	delay := uint64(s.cfg.SyncDelay() / time.Microsecond)
	s.mu.Unlock()

	period := s.conf.FramePeriod
	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for i := uint64(0); ; i++ {
			s.mu.Lock()
			ts := i*uint64(period/time.Microsecond) + delay + s.conf.TimestampOffset
			if s.conf.TimestampJitter > 0 {
				ts += uint64(s.rng.Int63n(int64(s.conf.TimestampJitter) + 1))
			}
			s.storeLocked(ts)
			s.mu.Unlock()
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Simulator) stopFreeRun() {
	s.mu.Lock()
	cancel, done := s.freeRun, s.freeRunDone
	s.freeRun, s.freeRunDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Simulator) replyConfiguration() error {
	s.mu.Lock()
	b, err := s.cfg.MarshalBinary()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.reply(protocol.MsgConfiguration, b)
}

func (s *Simulator) replyFrame(msg protocol.Message, snap *protocol.FrameSnapshot) error {
	b, err := protocol.AppendFrame(nil, snap, s.conf.Compressor)
	if err != nil {
		return err
	}
	return s.reply(msg, b)
}

func (s *Simulator) reply(msg protocol.Message, payload []byte) error {
	if s.conf.ReplyDelay > 0 {
		time.Sleep(s.conf.ReplyDelay)
	}
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(msg))
	buf = append(buf, payload...)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		logf("%s write %v: %v", s.conf.Serial, msg, err)
		return err
	}
	return nil
}

// Send writes a raw message to the connected server, for tests that need to
// inject replies the simulator would not produce on its own.
func (s *Simulator) Send(raw []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.w == nil {
		return errors.New("simulator not connected")
	}
	_, err := s.w.Write(raw)
	return err
}
