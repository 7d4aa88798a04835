package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		reference  []uint64
		candidates []uint64
		tolerance  uint64
		want       []int
	}{
		{"trailing hole", []uint64{0, 10, 20}, []uint64{1, 11, 35}, 3, []int{0, 1, Missing}},
		{"exact", []uint64{100, 200, 300}, []uint64{100, 200, 300}, 0, []int{0, 1, 2}},
		{"leading extra candidates", []uint64{100, 200}, []uint64{10, 20, 99, 202}, 5, []int{2, 3}},
		{"hole in the middle", []uint64{0, 10, 20}, []uint64{0, 21}, 2, []int{0, Missing, 1}},
		{"candidate used once", []uint64{10, 11}, []uint64{10}, 5, []int{0, Missing}},
		{"nearest wins", []uint64{50}, []uint64{44, 49, 53}, 10, []int{1}},
		{"no candidates", []uint64{1, 2}, nil, 100, []int{Missing, Missing}},
		{"empty reference", nil, []uint64{1}, 100, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.reference, tt.candidates, tt.tolerance)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Match mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildPlan(t *testing.T) {
	devices := []DeviceTimestamps{
		{Endpoint: "sub", Serial: "S", Delay: 160 * time.Microsecond, List: protocol.TimestampList{
			Timestamps:   []uint64{1160, 11160, 35160},
			FrameNumbers: []int32{7, 8, 9},
		}},
		{Endpoint: "main", Serial: "M", Main: true, List: protocol.TimestampList{
			Timestamps: []uint64{0, 10000, 20000},
		}},
	}

	plan, err := BuildPlan(devices, 3*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 10000, 20000}, plan.Reference)
	assert.Equal(t, 1, plan.Holes())

	sub, main := plan.Devices[0], plan.Devices[1]
	assert.Equal(t, []int{0, 1, Missing}, sub.Mapping)
	assert.Equal(t, 2, sub.Matched)
	assert.Equal(t, []int{0, 1, 2}, main.Mapping)

	want := protocol.PostSyncList{FrameIDs: []int32{7, 8}, SyncedFrameIDs: []int32{0, 1}}
	if diff := cmp.Diff(want, sub.PostSyncList()); diff != "" {
		t.Errorf("subordinate post-sync list mismatch (-want +got):\n%s", diff)
	}
	want = protocol.PostSyncList{FrameIDs: []int32{0, 1, 2}, SyncedFrameIDs: []int32{0, 1, 2}}
	if diff := cmp.Diff(want, main.PostSyncList()); diff != "" {
		t.Errorf("main post-sync list mismatch (-want +got):\n%s", diff)
	}

	idx, res := sub.Residuals(plan.Reference)
	assert.Equal(t, []int{0, 1}, idx)
	assert.Equal(t, []float64{1000, 1000}, res)
}

func TestBuildPlanSortsOutOfOrderFrames(t *testing.T) {
	devices := []DeviceTimestamps{
		{Endpoint: "main", Main: true, List: protocol.TimestampList{Timestamps: []uint64{0, 100}}},
		{Endpoint: "sub", List: protocol.TimestampList{
			Timestamps:   []uint64{101, 1},
			FrameNumbers: []int32{4, 3},
		}},
	}
	plan, err := BuildPlan(devices, 10*time.Microsecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.PostSyncList{FrameIDs: []int32{3, 4}, SyncedFrameIDs: []int32{0, 1}}, plan.Devices[1].PostSyncList())
}

func TestBuildPlanFailures(t *testing.T) {
	list := protocol.TimestampList{Timestamps: []uint64{0, 10, 20}}
	far := protocol.TimestampList{Timestamps: []uint64{50000, 60000}}

	tests := []struct {
		name    string
		devices []DeviceTimestamps
		stage   string
		device  string
	}{
		{"no main", []DeviceTimestamps{{Endpoint: "a", List: list}}, StageNoMain, ""},
		{"two mains", []DeviceTimestamps{{Endpoint: "a", Main: true, List: list}, {Endpoint: "b", Main: true, List: list}}, StageNoMain, ""},
		{"main empty", []DeviceTimestamps{{Endpoint: "a", Main: true}}, StageNoMatch, "a"},
		{"subordinate never matches", []DeviceTimestamps{{Endpoint: "a", Main: true, List: list}, {Endpoint: "b", List: far}}, StageNoMatch, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPlan(tt.devices, DefaultTolerance)
			require.ErrorIs(t, err, ErrSyncUnavailable)
			var se *SyncError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, tt.device, se.Device)
		})
	}
}

func TestSyncErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := &SyncError{Stage: StageReorder, Device: "10.0.0.2:1", Err: cause}
	assert.Equal(t, "reorder failed on device 10.0.0.2:1: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSyncUnavailable)
	assert.Equal(t, "no main device", (&SyncError{Stage: StageNoMain}).Error())
}

type fakeDevice struct {
	endpoint string
	cfg      protocol.DeviceConfiguration
	list     protocol.TimestampList
	listErr  error
	syncErr  error
	got      *protocol.PostSyncList
}

func (f *fakeDevice) Endpoint() string                            { return f.endpoint }
func (f *fakeDevice) Serial() string                              { return f.cfg.SerialNumber }
func (f *fakeDevice) Configuration() protocol.DeviceConfiguration { return f.cfg }

func (f *fakeDevice) RequestTimestampList(ctx context.Context) (protocol.TimestampList, error) {
	return f.list, f.listErr
}

func (f *fakeDevice) SendPostSyncList(ctx context.Context, list protocol.PostSyncList) error {
	f.got = &list
	return f.syncErr
}

func newFleet() (*fakeDevice, *fakeDevice) {
	mainCfg := protocol.DefaultDeviceConfiguration()
	mainCfg.SoftwareSync = protocol.SyncMain
	mainCfg.SerialNumber = "MAIN"
	subCfg := protocol.DefaultDeviceConfiguration()
	subCfg.SoftwareSync = protocol.SyncSubordinate
	subCfg.SyncOffset = 1
	subCfg.SerialNumber = "SUB"

	main := &fakeDevice{endpoint: "main:1", cfg: mainCfg, list: protocol.TimestampList{Timestamps: []uint64{0, 33000, 66000}}}
	sub := &fakeDevice{endpoint: "sub:1", cfg: subCfg, list: protocol.TimestampList{Timestamps: []uint64{160, 33300, 66160}}}
	return main, sub
}

func TestReconcile(t *testing.T) {
	main, sub := newFleet()
	dir := t.TempDir()
	r := New(0, dir)

	plan, err := r.Reconcile(context.Background(), []Device{main, sub})
	require.NoError(t, err)
	require.NotNil(t, main.got)
	require.NotNil(t, sub.got)
	assert.Equal(t, []int32{0, 1, 2}, sub.got.SyncedFrameIDs)
	assert.Equal(t, 0, plan.Holes())

	last, lastErr := r.Last()
	assert.Same(t, plan, last)
	assert.NoError(t, lastErr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "diagnostic plot written")
}

func TestReconcileTimestampsUnavailable(t *testing.T) {
	main, sub := newFleet()
	sub.listErr = errors.New("closed")
	r := New(DefaultTolerance, "")

	_, err := r.Reconcile(context.Background(), []Device{main, sub})
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageTimestamps, se.Stage)
	assert.Equal(t, "sub:1", se.Device)
	assert.Nil(t, main.got, "nothing reordered")
}

func TestReconcileReorderFailureIsLocalized(t *testing.T) {
	main, sub := newFleet()
	sub.syncErr = errors.New("disk full")
	r := New(DefaultTolerance, "")

	plan, err := r.Reconcile(context.Background(), []Device{main, sub})
	require.ErrorIs(t, err, ErrSyncUnavailable)
	assert.Contains(t, err.Error(), "reorder failed on device sub:1")
	assert.NotNil(t, plan)
	assert.NotNil(t, main.got, "other devices still reordered")

	_, lastErr := r.Last()
	assert.Equal(t, err, lastErr)
}

// localHostRequest creates an httptest request that appears to come from localhost.
func localHostRequest(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestSyncRoute(t *testing.T) {
	r := New(DefaultTolerance, "")
	mux := http.NewServeMux()
	r.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest("/debug/sync"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	main, sub := newFleet()
	_, err := r.Reconcile(context.Background(), []Device{main, sub})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest("/debug/sync"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Timestamp residuals")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest("/debug/sync?format=json"))
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Plan struct {
			Devices []DevicePlan `json:"devices"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Plan.Devices, 2)
	assert.Equal(t, "SUB", got.Plan.Devices[1].Serial)
}
