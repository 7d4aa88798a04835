package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livescan/internal/device"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type harness struct {
	reg    *Registry
	addr   string
	cancel context.CancelFunc
	served chan error
}

func startRegistry(t *testing.T) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		reg:    New(Options{Link: sensorlink.Options{ReplyTimeout: 2 * time.Second}}),
		addr:   ln.Addr().String(),
		cancel: cancel,
		served: make(chan error, 1),
	}
	go func() { h.served <- h.reg.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-h.served
		h.reg.Close()
	})
	return h
}

// dial starts a simulator against the registry and returns a func that
// disconnects it.
func dial(t *testing.T, addr, serial string) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim := device.New(device.Config{Serial: serial})
	done := make(chan struct{})
	go func() {
		sim.Dial(ctx, addr)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func serials(links []*sensorlink.Link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.Serial()
	}
	return out
}

func TestAcceptConfigureAndRemove(t *testing.T) {
	h := startRegistry(t)
	id, changes := h.reg.Subscribe()
	defer h.reg.Unsubscribe(id)

	stops := make([]context.CancelFunc, 3)
	for i := range stops {
		stops[i] = dial(t, h.addr, fmt.Sprintf("SN-%d", i))
		// Connect one at a time so the list order is known.
		require.Eventually(t, func() bool { return h.reg.Len() == i+1 }, 2*time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool {
		for _, l := range h.reg.Links() {
			if !l.Status().Flags.ConfigurationReceived {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"SN-0", "SN-1", "SN-2"}, serials(h.reg.Links()))
	for _, l := range h.reg.Links() {
		assert.Equal(t, sensorlink.StateReady, l.State())
	}

	var sizes []int
	for len(sizes) < 3 {
		select {
		case list := <-changes:
			sizes = append(sizes, len(list))
		case <-time.After(time.Second):
			t.Fatalf("missing list-changed notification, got %v", sizes)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, sizes)

	stops[1]()
	require.Eventually(t, func() bool { return h.reg.Len() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"SN-0", "SN-2"}, serials(h.reg.Links()))
	select {
	case list := <-changes:
		assert.Len(t, list, 2)
	case <-time.After(time.Second):
		t.Fatal("no notification on removal")
	}

	first := h.reg.Links()[0]
	assert.Same(t, first, h.reg.Find(first.Endpoint()))
	assert.True(t, h.reg.Remove(first), "a registered link is removed by Remove, not by its watcher")
	assert.False(t, h.reg.Remove(first))
	assert.Equal(t, 1, h.reg.Len())
	assert.Nil(t, h.reg.Find(first.Endpoint()))
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("removed link was not closed")
	}
}

func TestSnapshotsDuringConcurrentAccepts(t *testing.T) {
	h := startRegistry(t)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var bad sync.Once
	var badErr string
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				links := h.reg.Links()
				for _, l := range links {
					if l == nil {
						bad.Do(func() { badErr = "nil link in snapshot" })
					}
				}
				if n := len(links); n > 20 {
					bad.Do(func() { badErr = fmt.Sprintf("snapshot of %d links", n) })
				}
			}
		}()
	}

	var dials sync.WaitGroup
	for i := 0; i < 20; i++ {
		dials.Add(1)
		go func(i int) {
			defer dials.Done()
			dial(t, h.addr, fmt.Sprintf("C-%02d", i))
		}(i)
	}
	dials.Wait()
	require.Eventually(t, func() bool { return h.reg.Len() == 20 }, 5*time.Second, time.Millisecond)
	close(stop)
	readers.Wait()
	assert.Empty(t, badErr)

	seen := map[*sensorlink.Link]bool{}
	for _, l := range h.reg.Links() {
		assert.False(t, seen[l], "duplicate link in list")
		seen[l] = true
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	reg := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- reg.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	reg.Close()
}

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminRoutes(t *testing.T) {
	h := startRegistry(t)
	dial(t, h.addr, "ADMIN-1")
	require.Eventually(t, func() bool {
		links := h.reg.Links()
		return len(links) == 1 && links[0].Serial() == "ADMIN-1"
	}, 2*time.Second, time.Millisecond)

	mux := http.NewServeMux()
	h.reg.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/sensors?format=json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []sensorJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ADMIN-1", got[0].Serial)
	assert.Equal(t, "Ready", got[0].State)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/sensors", nil))
	assert.Contains(t, rec.Body.String(), "Calibrated = false")

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"GET not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"missing endpoint", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"unknown endpoint", http.MethodPost, url.Values{"endpoint": {"10.9.9.9:1"}}, http.StatusNotFound},
		{"known endpoint", http.MethodPost, url.Values{"endpoint": {h.reg.Links()[0].Endpoint()}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/sensors-remove", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, h.reg.Len())
}
