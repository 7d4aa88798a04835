package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/calibration"
	"github.com/banshee-data/livescan/internal/capture"
	"github.com/banshee-data/livescan/internal/config"
	"github.com/banshee-data/livescan/internal/db"
	"github.com/banshee-data/livescan/internal/device"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/registry"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type harness struct {
	reg   *registry.Registry
	coord *capture.Coordinator
	mux   *http.ServeMux
	store *db.DB
}

// newHarness connects n simulators to a registry on loopback, one at a time
// so that the link order is fixed.
func newHarness(t *testing.T, n int, withStore bool) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New(registry.Options{Link: sensorlink.Options{ReplyTimeout: 2 * time.Second, RestartTimeout: 2 * time.Second}})
	h := &harness{reg: reg}

	done := make(chan struct{}, n+1)
	go func() {
		reg.Serve(ctx, ln)
		done <- struct{}{}
	}()
	for i := 0; i < n; i++ {
		sim := device.New(device.Config{Serial: fmt.Sprintf("SN%d", i), Scene: device.RandomScene(20, int64(i+1))})
		go func() {
			sim.Dial(ctx, ln.Addr().String())
			done <- struct{}{}
		}()
		want := i + 1
		require.Eventually(t, func() bool {
			links := reg.Links()
			return len(links) == want && links[want-1].Status().Flags.ConfigurationReceived
		}, 5*time.Second, 5*time.Millisecond)
	}

	opts := capture.Options{}
	if withStore {
		store, err := db.Open(filepath.Join(t.TempDir(), "livescan.db"))
		require.NoError(t, err)
		h.store = store
		opts.Store = store
	}
	h.coord = capture.New(reg, opts)
	var lister SessionLister
	if h.store != nil {
		lister = h.store
	}
	h.mux = NewServer(reg, h.coord, lister).ServeMux()

	t.Cleanup(func() {
		cancel()
		for i := 0; i < n+1; i++ {
			<-done
		}
		reg.Close()
		h.coord.Close()
		if h.store != nil {
			h.store.Close()
		}
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestShowState(t *testing.T) {
	h := newHarness(t, 2, false)

	rec := h.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	st := decode[stateJSON](t, rec)
	assert.Equal(t, "Idle", st.State)
	assert.Equal(t, "off", st.SyncMode)
	assert.False(t, st.HardwareSync)
	require.Len(t, st.Devices, 2)
	assert.Equal(t, "SN0", st.Devices[0].Serial)
	assert.Equal(t, "SN1", st.Devices[1].Serial)
	assert.Nil(t, st.Recording)
}

func TestSetSyncMode(t *testing.T) {
	h := newHarness(t, 1, false)

	rec := h.do(t, http.MethodPost, "/api/sync", url.Values{"mode": {"bogus"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sync", url.Values{"mode": {"network"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", h.coord.SyncMode().String())

	// Hardware mode needs hardware sync enabled first.
	rec = h.do(t, http.MethodPost, "/api/sync", url.Values{"mode": {"hardware"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecordingLifecycle(t *testing.T) {
	h := newHarness(t, 2, true)

	rec := h.do(t, http.MethodPost, "/api/record/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/record/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "sync mode is off")

	require.NoError(t, h.coord.SetSyncMode(config.SyncNetwork))
	rec = h.do(t, http.MethodPost, "/api/record/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "take_1", decode[recordingJSON](t, rec).Take)

	require.Eventually(t, func() bool {
		st := decode[stateJSON](t, h.do(t, http.MethodGet, "/api/state", nil))
		return st.Recording != nil && st.Recording.Frames >= 3
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/api/record/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[resultJSON](t, rec)
	assert.Equal(t, "take_1", res.Take)
	assert.Equal(t, "network", res.SyncStatus)
	assert.GreaterOrEqual(t, res.Frames, 3)
	assert.Empty(t, res.Error)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[[]db.Session](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.SessionID, sessions[0].ID)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsWithoutStore(t *testing.T) {
	h := newHarness(t, 1, false)
	rec := h.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalibrateAndRefine(t *testing.T) {
	h := newHarness(t, 2, false)

	rec := h.do(t, http.MethodPost, "/api/refine", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/calibrate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, true, out["ok"])

	rec = h.do(t, http.MethodPost, "/api/refine", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode[map[string]any](t, rec)
	assert.Equal(t, true, out["ok"])
	assert.Len(t, out["devices"], 2)
}

func TestFleetOperations(t *testing.T) {
	h := newHarness(t, 2, false)

	rec := h.do(t, http.MethodPost, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]any](t, rec)
	assert.Equal(t, true, out["ok"])
	assert.Len(t, out["devices"], 2)

	// Both simulators report a main sync jack.
	rec = h.do(t, http.MethodPost, "/api/hardware-sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.False(t, h.coord.HardwareSyncEnabled())

	rec = h.do(t, http.MethodDelete, "/api/hardware-sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode[map[string]any](t, rec)
	assert.Equal(t, true, out["ok"])
}

func TestReinitializeSubset(t *testing.T) {
	h := newHarness(t, 2, false)
	target := h.reg.Links()[1].Endpoint()

	rec := h.do(t, http.MethodPost, "/api/reinitialize", url.Values{"endpoint": {target}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		OK      bool          `json:"ok"`
		Devices []outcomeJSON `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.True(t, out.OK)
	require.Len(t, out.Devices, 1)
	assert.Equal(t, target, out.Devices[0].Endpoint)

	rec = h.do(t, http.MethodPost, "/api/reinitialize", url.Values{"endpoint": {"nowhere:1"}})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{capture.ErrInvalidState, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", capture.ErrHardwareSyncInvalid), http.StatusConflict},
		{capture.ErrNoDevices, http.StatusPreconditionFailed},
		{calibration.ErrInsufficientDevices, http.StatusPreconditionFailed},
		{sensorlink.ErrConfigurationRejected, http.StatusBadGateway},
		{sensorlink.ErrTimeout, http.StatusGatewayTimeout},
		{os.ErrClosed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, statusCodeColor(http.StatusTeapot), "418")
}
