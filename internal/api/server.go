// Package api serves the JSON control surface of the capture server: fleet
// state, sync mode, recording, calibration and session history.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/livescan/internal/capture"
	"github.com/banshee-data/livescan/internal/config"
	"github.com/banshee-data/livescan/internal/db"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Fleet lists the connected devices, normally a *registry.Registry.
type Fleet interface {
	Links() []*sensorlink.Link
}

// SessionLister reads recording history. *db.DB implements it.
type SessionLister interface {
	Sessions(ctx context.Context, limit int) ([]db.Session, error)
}

type Server struct {
	fleet    Fleet
	coord    *capture.Coordinator
	sessions SessionLister
	// opTimeout bounds fleet operations started from a request.
	opTimeout time.Duration
}

// NewServer returns a server over coord. sessions may be nil.
func NewServer(fleet Fleet, coord *capture.Coordinator, sessions SessionLister) *Server {
	return &Server{
		fleet:     fleet,
		coord:     coord,
		sessions:  sessions,
		opTimeout: coord.Config().GetRestartTimeout() + coord.Config().GetReplyTimeout(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.showState)
	mux.HandleFunc("GET /api/preview", s.showPreview)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sync", s.setSyncMode)
	mux.HandleFunc("POST /api/hardware-sync", s.enableHardwareSync)
	mux.HandleFunc("DELETE /api/hardware-sync", s.disableHardwareSync)
	mux.HandleFunc("POST /api/record/start", s.startRecording)
	mux.HandleFunc("POST /api/record/stop", s.stopRecording)
	mux.HandleFunc("POST /api/settings", s.pushSettings)
	mux.HandleFunc("POST /api/calibrate", s.calibrate)
	mux.HandleFunc("POST /api/refine", s.refine)
	mux.HandleFunc("POST /api/reinitialize", s.reinitialize)
	return mux
}

func (s *Server) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opTimeout)
}

type deviceJSON struct {
	Endpoint       string     `json:"endpoint"`
	Serial         string     `json:"serial"`
	State          string     `json:"state"`
	Calibrated     bool       `json:"calibrated"`
	HardwareSync   string     `json:"hardware_sync"`
	SoftwareSync   string     `json:"software_sync"`
	SyncOffset     uint8      `json:"sync_offset"`
	CameraPosition [3]float32 `json:"camera_position"`
	FramesReceived uint64     `json:"frames_received"`
	FramesSkipped  uint64     `json:"frames_skipped"`
}

type recordingJSON struct {
	Take   string `json:"take"`
	Frames int    `json:"frames"`
}

type stateJSON struct {
	State        string         `json:"state"`
	SyncMode     string         `json:"sync_mode"`
	HardwareSync bool           `json:"hardware_sync"`
	Preview      bool           `json:"preview_running"`
	Devices      []deviceJSON   `json:"devices"`
	Recording    *recordingJSON `json:"recording,omitempty"`
	LastResult   *resultJSON    `json:"last_result,omitempty"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	out := stateJSON{
		State:        s.coord.State().String(),
		SyncMode:     s.coord.SyncMode().String(),
		HardwareSync: s.coord.HardwareSyncEnabled(),
		Preview:      !s.coord.Preview().Paused(),
		Devices:      []deviceJSON{},
	}
	for _, l := range s.fleet.Links() {
		st := l.Status()
		out.Devices = append(out.Devices, deviceJSON{
			Endpoint:       st.Endpoint,
			Serial:         st.Serial(),
			State:          st.State.String(),
			Calibrated:     st.Flags.Calibrated,
			HardwareSync:   st.Configuration.HardwareSync.String(),
			SoftwareSync:   st.Configuration.SoftwareSync.String(),
			SyncOffset:     st.Configuration.SyncOffset,
			CameraPosition: st.CameraPose.T,
			FramesReceived: st.FramesReceived,
			FramesSkipped:  st.FramesSkipped,
		})
	}
	if sess := s.coord.Session(); sess != nil {
		out.Recording = &recordingJSON{Take: sess.Take(), Frames: sess.Frames()}
	}
	if res := s.coord.LastResult(); res != nil {
		out.LastResult = newResultJSON(res)
	}
	writeJSON(w, http.StatusOK, out)
}

type previewDeviceJSON struct {
	Endpoint string `json:"endpoint"`
	Vertices int    `json:"vertices"`
	Bodies   int    `json:"bodies"`
}

type previewJSON struct {
	Round    uint64              `json:"round"`
	Updated  time.Time           `json:"updated"`
	Vertices int                 `json:"vertices"`
	Devices  []previewDeviceJSON `json:"devices"`
}

func (s *Server) showPreview(w http.ResponseWriter, r *http.Request) {
	view := s.coord.Preview().Snapshot()
	out := previewJSON{Round: view.Round, Updated: view.Updated, Devices: []previewDeviceJSON{}}
	if view.Merged != nil {
		out.Vertices = len(view.Merged.Vertices)
	}
	for _, d := range view.Devices {
		pd := previewDeviceJSON{Endpoint: d.Endpoint}
		if d.Frame != nil {
			pd.Vertices = len(d.Frame.Vertices)
			pd.Bodies = len(d.Frame.Bodies)
		}
		out.Devices = append(out.Devices, pd)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSONError(w, http.StatusNotFound, "no session store configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	sessions, err := s.sessions.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) setSyncMode(w http.ResponseWriter, r *http.Request) {
	mode, err := config.ParseSyncMode(r.FormValue("mode"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.SetSyncMode(mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sync_mode": mode.String()})
}

func (s *Server) enableHardwareSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	out, err := s.coord.EnableHardwareSync(ctx)
	s.writeOutcomes(w, out, err)
}

func (s *Server) disableHardwareSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	out, err := s.coord.DisableHardwareSync(ctx)
	s.writeOutcomes(w, out, err)
}

func (s *Server) pushSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	out, err := s.coord.PushSettings(ctx)
	s.writeOutcomes(w, out, err)
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	out, err := s.coord.Calibrate(ctx)
	s.writeOutcomes(w, out, err)
}

func (s *Server) reinitialize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	out, err := s.coord.Reinitialize(ctx, r.Form["endpoint"]...)
	s.writeOutcomes(w, out, err)
}

// writeOutcomes reports per-device results. Partial failures are 200 with
// the failing devices listed; only a refused operation is an error status.
func (s *Server) writeOutcomes(w http.ResponseWriter, out capture.Outcomes, err error) {
	if out == nil && err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      !out.Failed(),
		"devices": newOutcomesJSON(out),
	})
}

type refineDeviceJSON struct {
	Endpoint    string     `json:"endpoint"`
	Serial      string     `json:"serial"`
	RMS         float64    `json:"rms"`
	Rotation    [9]float32 `json:"rotation"`
	Translation [3]float32 `json:"translation"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) refine(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.Refine(r.Context())
	if report == nil {
		writeError(w, err)
		return
	}
	devices := make([]refineDeviceJSON, 0, len(report.Devices))
	for _, d := range report.Devices {
		rd := refineDeviceJSON{
			Endpoint:    d.Endpoint,
			Serial:      d.Serial,
			RMS:         d.RMS,
			Rotation:    d.After.RowMajor(),
			Translation: d.After.T,
		}
		if d.Err != nil {
			rd.Error = d.Err.Error()
		}
		devices = append(devices, rd)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": err == nil, "devices": devices})
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opTimeout)
	defer cancel()
	sess, err := s.coord.StartRecording(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, recordingJSON{Take: sess.Take()})
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.StopRecording(r.Context())
	if res == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultJSON(res))
}
