package device

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/protocol"
)

// serve starts sim on one end of a pipe and returns the server end.
func serve(t *testing.T, sim *Simulator) (net.Conn, *bufio.Reader) {
	t.Helper()
	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Serve(ctx, client)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return server, bufio.NewReader(server)
}

func command(t *testing.T, conn net.Conn, cmd protocol.Command, payload []byte) {
	t.Helper()
	_, err := conn.Write(append([]byte{byte(cmd)}, payload...))
	require.NoError(t, err)
}

func expect(t *testing.T, r *bufio.Reader, want protocol.Message) {
	t.Helper()
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, want, protocol.Message(b))
}

func TestToLocalInvertsPose(t *testing.T) {
	pose := YawPose(0.4, [3]float32{0.5, -0.2, 1})
	world := []protocol.Point3{{X: 1, Y: 2, Z: 3}, {X: -1, Y: 0, Z: 0.5}}
	local := ToLocal(world, pose)
	r, tr := pose.Rotation, pose.Translation
	for i, p := range local {
		x, y, z := p.X+tr[0], p.Y+tr[1], p.Z+tr[2]
		back := protocol.Point3{
			X: r[0]*x + r[1]*y + r[2]*z,
			Y: r[3]*x + r[4]*y + r[5]*z,
			Z: r[6]*x + r[7]*y + r[8]*z,
		}
		assert.InDelta(t, world[i].X, back.X, 1e-5)
		assert.InDelta(t, world[i].Y, back.Y, 1e-5)
		assert.InDelta(t, world[i].Z, back.Z, 1e-5)
	}
}

func TestSimulatorConfigurationEcho(t *testing.T) {
	sim := New(Config{Serial: "SIM-1", HardwareSync: protocol.SyncSubordinate})
	conn, r := serve(t, sim)

	cfg := protocol.DefaultDeviceConfiguration()
	cfg.SoftwareSync = protocol.SyncSubordinate
	cfg.SyncOffset = 2
	cfg.HardwareSync = protocol.SyncMain // jack state is not settable
	b, err := cfg.MarshalBinary()
	require.NoError(t, err)
	command(t, conn, protocol.CmdSetConfiguration, b)

	expect(t, r, protocol.MsgConfiguration)
	block := make([]byte, protocol.ConfigurationBlockSize)
	_, err = io.ReadFull(r, block)
	require.NoError(t, err)
	var got protocol.DeviceConfiguration
	require.NoError(t, got.UnmarshalBinary(block))
	assert.Equal(t, "SIM-1", got.SerialNumber)
	assert.Equal(t, protocol.SyncSubordinate, got.HardwareSync)
	assert.Equal(t, uint8(2), got.SyncOffset)
}

func TestSimulatorStoredFramesAndReorder(t *testing.T) {
	sim := New(Config{Serial: "SIM-2", Scene: RandomScene(10, 1)})
	sim.AddStoredFrames(100, 200, 300)
	conn, r := serve(t, sim)

	list := protocol.PostSyncList{FrameIDs: []int32{2, 0}, SyncedFrameIDs: []int32{1, 0}}
	b, err := list.MarshalBinary()
	require.NoError(t, err)
	command(t, conn, protocol.CmdReceivePostSyncList, b)
	expect(t, r, protocol.MsgConfirmPostSynced)
	ok, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), ok)
	assert.Equal(t, []int32{0, 1}, sim.StoredFrameNumbers())

	for i := 0; i < 2; i++ {
		command(t, conn, protocol.CmdRequestStoredFrame, nil)
		expect(t, r, protocol.MsgStoredFrame)
		snap, more, err := protocol.ReadFrame(r, nil)
		require.NoError(t, err)
		assert.True(t, more)
		assert.Equal(t, 10, snap.VertexCount())
	}
	command(t, conn, protocol.CmdRequestStoredFrame, nil)
	expect(t, r, protocol.MsgStoredFrame)
	_, more, err := protocol.ReadFrame(r, nil)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestSimulatorFreeRun(t *testing.T) {
	sim := New(Config{Serial: "SIM-3", FramePeriod: time.Millisecond})
	conn, _ := serve(t, sim)
	command(t, conn, protocol.CmdStartCaptureFrames, nil)
	require.Eventually(t, func() bool { return sim.StoredFrames() >= 3 }, time.Second, time.Millisecond)
	command(t, conn, protocol.CmdStopCaptureFrames, nil)
	require.Eventually(t, func() bool {
		n := sim.StoredFrames()
		time.Sleep(5 * time.Millisecond)
		return sim.StoredFrames() == n
	}, time.Second, time.Millisecond)
}
