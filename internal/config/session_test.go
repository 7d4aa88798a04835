package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/protocol"
)

func TestDefaultSessionConfigMatchesGetters(t *testing.T) {
	def := DefaultSessionConfig()
	empty := &SessionConfig{}
	require.NoError(t, def.Validate())

	assert.Equal(t, empty.GetMinBounds(), def.GetMinBounds())
	assert.Equal(t, empty.GetMaxBounds(), def.GetMaxBounds())
	assert.Equal(t, empty.GetMarkers(), def.GetMarkers())
	assert.Equal(t, empty.GetCompressionLevel(), def.GetCompressionLevel())
	assert.Equal(t, empty.GetRefineIterations(), def.GetRefineIterations())
	assert.Equal(t, empty.GetICPIterations(), def.GetICPIterations())
	assert.Equal(t, empty.GetMergeOnSave(), def.GetMergeOnSave())
	assert.Equal(t, empty.GetExportMode(), def.GetExportMode())
	assert.Equal(t, empty.GetExtrinsicsFormat(), def.GetExtrinsicsFormat())
	assert.Equal(t, empty.GetSyncMode(), def.GetSyncMode())
	assert.Equal(t, empty.GetSyncTolerance(), def.GetSyncTolerance())
	assert.Equal(t, empty.GetReplyTimeout(), def.GetReplyTimeout())
	assert.Equal(t, empty.GetRestartTimeout(), def.GetRestartTimeout())
	assert.Equal(t, empty.GetTakeName(), def.GetTakeName())

	assert.Equal(t, 2000*time.Microsecond, empty.GetSyncTolerance())
	assert.Equal(t, 10, empty.GetICPIterations())
	assert.Equal(t, 2, empty.GetRefineIterations())
	assert.Len(t, empty.GetMarkers(), 6)
}

func TestLoadSessionConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "session.json")
	testJSON := `{
  "sync_mode": "hardware",
  "sync_tolerance": "3ms",
  "icp_iterations": 20,
  "merge_on_save": false,
  "markers": [{"id": 2, "rotation": [1,0,0,0,1,0,0,0,1], "translation": [0, 0.5, 0]}]
}`
	require.NoError(t, os.WriteFile(path, []byte(testJSON), 0o644))

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)
	assert.Equal(t, SyncHardware, cfg.GetSyncMode())
	assert.Equal(t, 3*time.Millisecond, cfg.GetSyncTolerance())
	assert.Equal(t, 20, cfg.GetICPIterations())
	assert.False(t, cfg.GetMergeOnSave())
	// Unset fields keep defaults.
	assert.Equal(t, 2, cfg.GetRefineIterations())
	assert.Equal(t, protocol.ExportPointcloud, cfg.GetExportMode())

	s := cfg.Settings()
	require.Len(t, s.Markers, 1)
	assert.Equal(t, int32(2), s.Markers[0].ID)
	assert.Equal(t, float32(0.5), s.Markers[0].Pose[7])
	assert.Equal(t, int32(2), s.CompressionLevel)
	assert.Equal(t, protocol.ExtrinsicsOpen3D, s.ExtrinsicsFormat)
}

func TestLoadSessionConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"wrong extension", write("session.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(tmpDir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"bad sync mode", write("sync.json", `{"sync_mode":"psychic"}`), "unknown sync mode"},
		{"bad duration", write("dur.json", `{"sync_tolerance":"soon"}`), "invalid sync_tolerance"},
		{"inverted bounds", write("bounds.json", `{"min_bounds":[1,0,0],"max_bounds":[0,1,1]}`), "exceeds max_bounds"},
		{"duplicate markers", write("markers.json", `{"markers":[{"id":1},{"id":1}]}`), "duplicate marker"},
		{"take path", write("take.json", `{"take_name":"../x"}`), "path separators"},
		{"too large", write("big.json", `{"take_name":"`+strings.Repeat("a", 1<<20)+`"}`), "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSessionConfig(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseSyncMode(t *testing.T) {
	for in, want := range map[string]SyncMode{"": SyncOff, "off": SyncOff, "Network": SyncNetwork, " hardware ": SyncHardware} {
		got, err := ParseSyncMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.Equal(t, strings.ToLower(strings.TrimSpace(in)), got.String())
		}
	}
}
