package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// SavePlot renders the per-device timestamp residuals of plan as a PNG in
// dir and returns the file path.
func SavePlot(plan *Plan, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Timestamp residuals (tolerance %v)", plan.Tolerance)
	p.X.Label.Text = "Reference frame"
	p.Y.Label.Text = "Residual (µs)"

	colors := palette(len(plan.Devices))
	for i, d := range plan.Devices {
		if d.Main {
			continue
		}
		idx, res := d.Residuals(plan.Reference)
		if len(idx) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(idx))
		for k := range idx {
			pts[k] = plotter.XY{X: float64(idx[k]), Y: res[k]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return "", err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(label(d), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	path := filepath.Join(dir, fmt.Sprintf("sync_%s.png", plan.Created.Format("20060102T150405")))
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", err
	}
	return path, nil
}

func label(d DevicePlan) string {
	if d.Serial != "" {
		return d.Serial
	}
	return d.Endpoint
}

func palette(n int) []color.Color {
	base := []color.RGBA{
		{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
		{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
		{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
		{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
		{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
		{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	}
	out := make([]color.Color, n)
	for i := range out {
		out[i] = base[i%len(base)]
	}
	return out
}

// AttachAdminRoutes mounts /debug/sync, a chart of the last reconciliation
// (or its JSON with ?format=json).
func (r *Reconciler) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("sync", "last hardware-sync reconciliation", r.handleSync)
}

func (r *Reconciler) handleSync(w http.ResponseWriter, req *http.Request) {
	plan, lastErr := r.Last()

	if req.URL.Query().Get("format") == "json" {
		out := struct {
			Plan  *Plan  `json:"plan"`
			Error string `json:"error,omitempty"`
		}{Plan: plan}
		if lastErr != nil {
			out.Error = lastErr.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
		return
	}

	if plan == nil {
		msg := "no reconciliation has run"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		http.Error(w, msg, http.StatusNotFound)
		return
	}

	subtitle := fmt.Sprintf("frames=%d holes=%d tolerance=%v", len(plan.Reference), plan.Holes(), plan.Tolerance)
	if lastErr != nil {
		subtitle += " error: " + lastErr.Error()
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sync reconciliation", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Timestamp residuals (µs)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Reference frame", NameLocation: "middle", NameGap: 25}),
	)
	x := make([]int, len(plan.Reference))
	for i := range x {
		x[i] = i
	}
	line.SetXAxis(x)
	for _, d := range plan.Devices {
		if d.Main {
			continue
		}
		data := make([]opts.LineData, len(plan.Reference))
		for i := range data {
			data[i] = opts.LineData{Value: "-"}
		}
		idx, res := d.Residuals(plan.Reference)
		for k, i := range idx {
			data[i] = opts.LineData{Value: res[k]}
		}
		line.AddSeries(label(d), data)
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
