package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/livescan/internal/calibration"
	"github.com/banshee-data/livescan/internal/capture"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the fleet error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidState),
		errors.Is(err, capture.ErrSyncMode),
		errors.Is(err, capture.ErrExportMode),
		errors.Is(err, capture.ErrHardwareSyncInvalid):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNoDevices),
		errors.Is(err, calibration.ErrNotAllCalibrated),
		errors.Is(err, calibration.ErrInsufficientDevices):
		return http.StatusPreconditionFailed
	case errors.Is(err, sensorlink.ErrDisconnected),
		errors.Is(err, sensorlink.ErrConfigurationRejected),
		errors.Is(err, sensorlink.ErrRestartFailed),
		errors.Is(err, sensorlink.ErrCommandFailed):
		return http.StatusBadGateway
	case errors.Is(err, sensorlink.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

type outcomeJSON struct {
	Endpoint string `json:"endpoint"`
	Serial   string `json:"serial"`
	Error    string `json:"error,omitempty"`
}

func newOutcomesJSON(out capture.Outcomes) []outcomeJSON {
	res := make([]outcomeJSON, 0, len(out))
	for _, o := range out {
		oj := outcomeJSON{Endpoint: o.Endpoint, Serial: o.Serial}
		if o.Err != nil {
			oj.Error = o.Err.Error()
		}
		res = append(res, oj)
	}
	return res
}

type resultJSON struct {
	SessionID  string                   `json:"session_id,omitempty"`
	Take       string                   `json:"take"`
	SyncMode   string                   `json:"sync_mode"`
	SyncStatus string                   `json:"sync_status"`
	Started    time.Time                `json:"started"`
	Stopped    time.Time                `json:"stopped"`
	Frames     int                      `json:"frames"`
	Saved      int                      `json:"saved"`
	Outcomes   map[string][]outcomeJSON `json:"outcomes,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func newResultJSON(res *capture.Result) *resultJSON {
	out := &resultJSON{
		SessionID:  res.SessionID,
		Take:       res.Take,
		SyncMode:   res.SyncMode.String(),
		SyncStatus: res.SyncStatus(),
		Started:    res.Started,
		Stopped:    res.Stopped,
		Frames:     res.Frames,
		Saved:      res.Saved,
	}
	for stage, outs := range res.Outcomes {
		if !outs.Failed() {
			continue
		}
		if out.Outcomes == nil {
			out.Outcomes = map[string][]outcomeJSON{}
		}
		out.Outcomes[stage] = newOutcomesJSON(outs)
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}
