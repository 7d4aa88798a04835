package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/livescan/internal/notify"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

type sensorJSON struct {
	Endpoint       string     `json:"endpoint"`
	Serial         string     `json:"serial"`
	State          string     `json:"state"`
	SoftwareSync   string     `json:"software_sync"`
	HardwareSync   string     `json:"hardware_sync"`
	SyncOffset     uint8      `json:"sync_offset"`
	DepthMode      string     `json:"depth_mode"`
	Calibrated     bool       `json:"calibrated"`
	CameraPosition [3]float32 `json:"camera_position"`
	FramesReceived uint64     `json:"frames_received"`
	FramesSkipped  uint64     `json:"frames_skipped"`
	Summary        string     `json:"summary"`
}

func toJSON(st sensorlink.Status) sensorJSON {
	return sensorJSON{
		Endpoint:       st.Endpoint,
		Serial:         st.Serial(),
		State:          st.State.String(),
		SoftwareSync:   st.Configuration.SoftwareSync.String(),
		HardwareSync:   st.Configuration.HardwareSync.String(),
		SyncOffset:     st.Configuration.SyncOffset,
		DepthMode:      st.Configuration.DepthMode.String(),
		Calibrated:     st.Flags.Calibrated,
		CameraPosition: st.CameraPose.T,
		FramesReceived: st.FramesReceived,
		FramesSkipped:  st.FramesSkipped,
		Summary:        st.String(),
	}
}

// AttachAdminRoutes attaches sensor debugging endpoints to the given HTTP
// mux served at /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (r *Registry) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("sensors", "connected sensors", func(w http.ResponseWriter, req *http.Request) {
		statuses := r.Statuses()
		if strings.Contains(req.Header.Get("Accept"), "application/json") || req.URL.Query().Get("format") == "json" {
			out := make([]sensorJSON, len(statuses))
			for i, st := range statuses {
				out[i] = toJSON(st)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(out)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if len(statuses) == 0 {
			fmt.Fprintln(w, "no sensors connected")
			return
		}
		for _, st := range statuses {
			fmt.Fprintln(w, st.String())
		}
	})

	// Server-Sent Events for every link event.
	debug.HandleSilentFunc("sensors-tail", func(w http.ResponseWriter, req *http.Request) {
		notify.ServeSSE(w, req, r.events, func(ev sensorlink.Event) string {
			b, _ := json.Marshal(struct {
				Kind   string     `json:"kind"`
				Sensor sensorJSON `json:"sensor"`
			}{ev.Kind.String(), toJSON(ev.Link.Status())})
			return string(b)
		})
	})

	debug.HandleSilentFunc("sensors-remove", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		endpoint := strings.TrimSpace(req.FormValue("endpoint"))
		if endpoint == "" {
			http.Error(w, "Missing endpoint", http.StatusBadRequest)
			return
		}
		l := r.Find(endpoint)
		if l == nil {
			http.Error(w, "Unknown sensor", http.StatusNotFound)
			return
		}
		r.Remove(l)
		fmt.Fprintf(w, "Removed sensor %s\n", endpoint)
	})
}
