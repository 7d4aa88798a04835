package sensorlink

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/device"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

var testOpts = Options{ReplyTimeout: 2 * time.Second, RestartTimeout: 2 * time.Second}

// newPair connects a Link to a simulator over an in-memory pipe.
func newPair(t *testing.T, conf device.Config) (*Link, *device.Simulator) {
	t.Helper()
	server, client := net.Pipe()
	sim := device.New(conf)
	l := New(server, testOpts)

	ctx, cancel := context.WithCancel(context.Background())
	simDone := make(chan struct{})
	linkDone := make(chan struct{})
	go func() {
		sim.Serve(ctx, client)
		close(simDone)
	}()
	go func() {
		l.Run(ctx)
		close(linkDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-simDone
		<-linkDone
	})
	return l, sim
}

// rawPair returns a running Link and the raw device end of its connection.
func rawPair(t *testing.T) (*Link, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	l := New(server, testOpts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
		<-done
	})
	return l, client
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConfigurationRoundTrip(t *testing.T) {
	l, _ := newPair(t, device.Config{Serial: "000111222333"})
	assert.Equal(t, StateAwaitingConfiguration, l.State())

	id, events := l.Subscribe()
	defer l.Unsubscribe(id)

	require.NoError(t, l.RequestConfiguration())
	cfg, err := l.WaitConfiguration(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, "000111222333", cfg.SerialNumber)
	assert.Equal(t, "000111222333", l.Serial())
	assert.Equal(t, StateReady, l.State())
	assert.True(t, l.Status().Flags.ConfigurationReceived)

	var sawUpdate bool
	for !sawUpdate {
		select {
		case ev := <-events:
			if ev.Kind == EventConfigurationUpdated {
				sawUpdate = true
				assert.Equal(t, "000111222333", ev.Configuration.SerialNumber)
				assert.Same(t, l, ev.Link)
			}
		case <-time.After(time.Second):
			t.Fatal("no configuration-updated event")
		}
	}
}

func TestPushConfiguration(t *testing.T) {
	l, sim := newPair(t, device.Config{Serial: "A"})
	cfg := protocol.DefaultDeviceConfiguration()
	cfg.SoftwareSync = protocol.SyncSubordinate
	cfg.SyncOffset = 3
	cfg.SerialNumber = "A"

	require.NoError(t, l.PushConfiguration(ctxT(t), cfg))
	assert.Equal(t, uint8(3), l.Configuration().SyncOffset)
	assert.Equal(t, protocol.SyncSubordinate, sim.Configuration().SoftwareSync)
}

func TestPushConfigurationRejected(t *testing.T) {
	l, _ := newPair(t, device.Config{Serial: "B", RejectConfiguration: true})
	before := l.Configuration()
	cfg := before
	cfg.SyncOffset = 9

	err := l.PushConfiguration(ctxT(t), cfg)
	assert.ErrorIs(t, err, ErrConfigurationRejected)
	assert.Equal(t, before, l.Configuration())
	assert.True(t, l.Connected())
}

func TestCaptureAndLastFrame(t *testing.T) {
	comp, err := protocol.NewZstdCompressor(2)
	require.NoError(t, err)
	l, sim := newPair(t, device.Config{Serial: "C", Scene: device.RandomScene(50, 3), Compressor: comp})

	require.NoError(t, l.RequestCapture())
	require.NoError(t, l.WaitCaptured(ctxT(t)))
	assert.True(t, l.Status().Flags.FrameCaptured)
	assert.Equal(t, 1, sim.StoredFrames())

	snap, err := l.LastFrame(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 50, snap.VertexCount())
	assert.Same(t, snap, l.Frame())
}

func TestStoredFramesUntilEnd(t *testing.T) {
	l, sim := newPair(t, device.Config{Serial: "D", Scene: device.RandomScene(5, 1)})
	sim.AddStoredFrames(1, 2)

	ctx := ctxT(t)
	for i := 0; i < 2; i++ {
		snap, more, err := l.NextStoredFrame(ctx)
		require.NoError(t, err)
		assert.True(t, more)
		assert.Equal(t, 5, snap.VertexCount())
	}
	snap, more, err := l.NextStoredFrame(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Nil(t, snap)
	assert.True(t, l.Status().Flags.NoMoreStoredFrames)
}

func TestCalibrationDerivesCameraPose(t *testing.T) {
	pose := device.YawPose(0.3, [3]float32{0.1, 0.2, -1.5})
	pose.MarkerID = 4
	l, sim := newPair(t, device.Config{Serial: "E", Pose: pose})

	require.NoError(t, l.Calibrate())
	require.NoError(t, l.WaitCalibrated(ctxT(t)))

	st := l.Status()
	assert.True(t, st.Flags.Calibrated)
	assert.Equal(t, int32(4), st.MarkerID)
	assert.Equal(t, pose.Rotation, st.WorldTransform.RowMajor())
	assert.Equal(t, CameraPose(st.WorldTransform), st.CameraPose)

	require.NoError(t, l.SendCalibrationData())
	require.Eventually(t, func() bool { return sim.WorldCalibration() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, pose.Translation, sim.WorldCalibration().Translation)
}

func TestReinitialize(t *testing.T) {
	l, sim := newPair(t, device.Config{Serial: "F"})
	require.NoError(t, l.Reinitialize())
	require.NoError(t, l.WaitReinitialized(ctxT(t)))
	assert.Equal(t, 1, sim.Restarts())

	bad, _ := newPair(t, device.Config{Serial: "G", FailRestart: true})
	require.NoError(t, bad.Reinitialize())
	err := bad.WaitReinitialized(ctxT(t))
	assert.ErrorIs(t, err, ErrRestartFailed)
	assert.True(t, bad.Status().Flags.ReinitializationError)
}

func TestHandshakesAndLists(t *testing.T) {
	l, sim := newPair(t, device.Config{Serial: "H"})
	sim.AddStoredFrames(10, 20, 30)
	ctx := ctxT(t)

	require.NoError(t, l.PreRecord(ctx))
	require.NoError(t, l.CreateDirectory(ctx, "take_1"))
	assert.Equal(t, []string{"take_1"}, sim.Directories())

	list, err := l.RequestTimestampList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, list.Timestamps)

	require.NoError(t, l.SendPostSyncList(ctx, protocol.PostSyncList{FrameIDs: []int32{0, 2}, SyncedFrameIDs: []int32{0, 1}}))
	assert.Equal(t, []int32{0, 1}, sim.StoredFrameNumbers())

	err = l.SendPostSyncList(ctx, protocol.PostSyncList{FrameIDs: []int32{7}, SyncedFrameIDs: []int32{0}})
	assert.ErrorIs(t, err, ErrCommandFailed)

	require.NoError(t, l.PostRecord(ctx))
}

func TestCreateDirectoryFailure(t *testing.T) {
	l, _ := newPair(t, device.Config{Serial: "I", FailDirectory: true})
	err := l.CreateDirectory(ctxT(t), "take_1")
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestPushSettings(t *testing.T) {
	l, sim := newPair(t, device.Config{Serial: "J"})
	s := protocol.Settings{Markers: []protocol.MarkerPose{protocol.IdentityMarker(0)}, CompressionLevel: 2}
	require.NoError(t, l.PushSettings(s))
	require.Eventually(t, func() bool { return sim.Settings() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), sim.Settings().CompressionLevel)
}

func frameMessage(t *testing.T, msg protocol.Message, snap *protocol.FrameSnapshot) []byte {
	t.Helper()
	b, err := protocol.AppendFrame([]byte{byte(msg)}, snap, nil)
	require.NoError(t, err)
	return b
}

func TestPartialFrameKeepsLastSnapshot(t *testing.T) {
	l, peer := rawPair(t)

	good := &protocol.FrameSnapshot{Vertices: []protocol.Point3{{X: 1}}, Colors: []protocol.Color{{R: 1}}}
	_, err := peer.Write(frameMessage(t, protocol.MsgLastFrame, good))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Frame() != nil }, time.Second, time.Millisecond)
	kept := l.Frame()

	// Header promises 100 bytes, the peer dies after 10.
	partial := []byte{byte(protocol.MsgLastFrame)}
	partial = protocol.AppendFrameHeader(partial, 100, false)
	partial = append(partial, make([]byte, 10)...)
	_, err = peer.Write(partial)
	require.NoError(t, err)
	peer.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("link did not notice the dead peer")
	}
	assert.False(t, l.Connected())
	assert.Equal(t, StateDisconnected, l.State())
	assert.Same(t, kept, l.Frame())
	assert.ErrorIs(t, l.Err(), ErrDisconnected)

	_, err = l.LastFrame(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, l.RequestCapture(), ErrDisconnected)
}

func TestSpuriousAndMalformedFramesAreSkipped(t *testing.T) {
	l, peer := rawPair(t)

	spurious := protocol.AppendFrameHeader([]byte{byte(protocol.MsgLastFrame)}, -5, false)
	_, err := peer.Write(spurious)
	require.NoError(t, err)

	// A payload whose vertex count overruns it.
	bad := binary.LittleEndian.AppendUint32(nil, 1000)
	malformed := protocol.AppendFrameHeader([]byte{byte(protocol.MsgLastFrame)}, int32(len(bad)), false)
	malformed = append(malformed, bad...)
	_, err = peer.Write(malformed)
	require.NoError(t, err)

	good := &protocol.FrameSnapshot{Vertices: []protocol.Point3{{Z: 2}}, Colors: []protocol.Color{{}}}
	_, err = peer.Write(frameMessage(t, protocol.MsgLastFrame, good))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Frame() != nil }, time.Second, time.Millisecond)
	assert.True(t, l.Connected())
	st := l.Status()
	assert.Equal(t, uint64(2), st.FramesSkipped)
	assert.Equal(t, uint64(1), st.FramesReceived)
	assert.Equal(t, float32(2), l.Frame().Vertices[0].Z)
}

func TestUnknownMessageDisconnects(t *testing.T) {
	l, peer := rawPair(t)
	_, err := peer.Write([]byte{0xEE})
	require.NoError(t, err)
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("unknown message did not end the link")
	}
}

func TestWaitObservesDisconnect(t *testing.T) {
	l, _ := newPair(t, device.Config{Serial: "K", IgnoreCapture: true})
	require.NoError(t, l.RequestCapture())

	errc := make(chan error, 1)
	go func() { errc <- l.WaitCaptured(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrDisconnected), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter hung on a dead link")
	}
}

func TestWaitTimesOut(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	l := New(server, Options{ReplyTimeout: 20 * time.Millisecond})
	go l.Run(context.Background())
	defer l.Close()

	err := l.WaitCaptured(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}
