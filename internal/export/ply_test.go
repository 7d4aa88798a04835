package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/fsutil"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func frame() *protocol.FrameSnapshot {
	return &protocol.FrameSnapshot{
		Vertices: []protocol.Point3{{X: 1, Y: 2, Z: 3}, {X: -0.5, Y: 0, Z: 1.25}},
		Colors:   []protocol.Color{{R: 10, G: 20, B: 30}},
	}
}

const header = "ply\nformat binary_little_endian 1.0\nelement vertex 2\n" +
	"property float x\nproperty float y\nproperty float z\n" +
	"property uchar red\nproperty uchar green\nproperty uchar blue\nend_header\n"

func TestWritePLY(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePLY(&buf, frame()))

	data := buf.Bytes()
	require.True(t, bytes.HasPrefix(data, []byte(header)))
	body := data[len(header):]
	require.Len(t, body, 2*15)

	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(body[0:])))
	assert.Equal(t, float32(3), math.Float32frombits(binary.LittleEndian.Uint32(body[8:])))
	assert.Equal(t, []byte{10, 20, 30}, body[12:15])
	assert.Equal(t, float32(1.25), math.Float32frombits(binary.LittleEndian.Uint32(body[15+8:])))
	assert.Equal(t, []byte{128, 128, 128}, body[27:30], "missing color is grey")
}

func TestPLYSink(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	sink := NewPLYSink(mfs, "/recordings", false)
	ctx := context.Background()

	assert.ErrorIs(t, sink.WriteFrame(ctx, 0, "", frame()), ErrNoTake)

	require.NoError(t, sink.BeginTake("take_3"))
	require.NoError(t, sink.WriteFrame(ctx, 0, "", frame()))
	require.NoError(t, sink.WriteFrame(ctx, 1, "SN/../42", frame()))

	assert.Equal(t, []string{
		"/recordings/take_3/000000.ply",
		"/recordings/take_3/000001_SN_.._42.ply",
	}, mfs.Files())

	data, err := mfs.ReadFile("/recordings/take_3/000000.ply")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(header)))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, sink.WriteFrame(cancelled, 2, "", frame()), context.Canceled)
}

func TestPLYSinkCompressed(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	sink := NewPLYSink(mfs, "out", true)
	require.NoError(t, sink.BeginTake("take_1"))
	require.NoError(t, sink.WriteFrame(context.Background(), 7, "A", frame()))

	data, err := mfs.ReadFile("out/take_1/000007_A.ply.zst")
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(data, nil)
	require.NoError(t, err)

	var want bytes.Buffer
	require.NoError(t, WritePLY(&want, frame()))
	assert.Equal(t, want.Bytes(), plain)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"take_1", "take_1"},
		{"", "unknown"},
		{"../..", "unknown"},
		{"a b  c", "a_b_c"},
		{"000123456712", "000123456712"},
		{"..hidden", "hidden"},
		{"x/y\\z", "x_y_z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "%q", tt.in)
	}
}
