// Package monitor serves debug views of the pointing loop: the latest frame,
// its intensity histogram and a chart of recent beacon centroids.
package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pat/internal/beacon"
	"github.com/banshee-data/pat/internal/db"
	"github.com/banshee-data/pat/internal/fsutil"
	"github.com/banshee-data/pat/internal/httputil"
	"github.com/banshee-data/pat/internal/security"
)

// CentroidStore supplies recorded centroids.
type CentroidStore interface {
	RecentCentroids(limit int) ([]db.Centroid, error)
}

// Snapshot is the latest processed frame.
type Snapshot struct {
	Image      *beacon.Image
	Result     beacon.Result
	Err        error
	CapturedAt time.Time
}

// Monitor holds the latest frame and serves the debug views.
type Monitor struct {
	store CentroidStore
	state func() interface{}
	fs    fsutil.FileSystem

	mu         sync.RWMutex
	latest     *Snapshot
	captureDir string
}

// New creates a monitor. store may be nil when no database is open; state,
// when set, is reported by the pat-state view.
func New(store CentroidStore, state func() interface{}) *Monitor {
	return &Monitor{store: store, state: state, fs: fsutil.OSFileSystem{}}
}

// SetFrame publishes a processed frame to the views. The image must not be
// modified afterwards.
func (m *Monitor) SetFrame(img *beacon.Image, res beacon.Result, err error, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &Snapshot{Image: img, Result: res, Err: err, CapturedAt: at}
}

// Latest returns the most recent frame, or nil.
func (m *Monitor) Latest() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// SetCaptureDir enables the pat-capture view, which saves the latest frame
// under dir. An empty dir disables it.
func (m *Monitor) SetCaptureDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureDir = dir
}

// AttachAdminRoutes mounts the views under /debug/.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("pat-state", "Pointing loop state", m.handleState)
	debug.HandleFunc("pat-frame.bmp", "Latest camera frame", m.handleFrame)
	debug.HandleFunc("pat-histogram.png", "Latest frame intensity histogram", m.handleHistogram)
	debug.HandleFunc("pat-centroids", "Recent beacon centroids", m.handleCentroids)
	debug.HandleSilentFunc("pat-capture", m.handleCapture)
}

func (m *Monitor) handleState(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	if m.state != nil {
		out["actuator"] = m.state()
	}
	if s := m.Latest(); s != nil {
		out["captured_at"] = s.CapturedAt
		out["frame"] = s.Result
		if s.Err != nil {
			out["frame_error"] = s.Err.Error()
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (m *Monitor) handleFrame(w http.ResponseWriter, r *http.Request) {
	s := m.Latest()
	if s == nil {
		httputil.NotFound(w, "no frame processed yet")
		return
	}
	var buf bytes.Buffer
	if err := s.Image.WriteBMP(&buf, r.URL.Query().Get("marks") != "0"); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode frame: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/bmp")
	_, _ = w.Write(buf.Bytes())
}

// HistogramPlot draws the intensity histogram of img with its threshold.
func HistogramPlot(img *beacon.Image, bins int) (*plot.Plot, error) {
	values := make(plotter.Values, len(img.Data))
	for i, v := range img.Data {
		values[i] = float64(v)
	}
	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return nil, err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame histogram (peak %d, mean %d, max %d)", img.HistPeak, img.HistMean, img.HistBrightest)
	p.X.Label.Text = "Intensity"
	p.Y.Label.Text = "Pixels"
	p.Add(h)

	if img.Threshold > 0 {
		line, err := plotter.NewLine(plotter.XYs{
			{X: float64(img.Threshold), Y: 0},
			{X: float64(img.Threshold), Y: p.Y.Max},
		})
		if err != nil {
			return nil, err
		}
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("threshold %d", img.Threshold), line)
	}
	return p, nil
}

func (m *Monitor) handleHistogram(w http.ResponseWriter, r *http.Request) {
	s := m.Latest()
	if s == nil {
		httputil.NotFound(w, "no frame processed yet")
		return
	}
	bins := 64
	if b := r.URL.Query().Get("bins"); b != "" {
		if v, err := strconv.Atoi(b); err == nil && v > 1 && v <= 1024 {
			bins = v
		}
	}
	p, err := HistogramPlot(s.Image, bins)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build histogram: %v", err))
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render histogram: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render histogram: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// handleCentroids renders recent centroids as a scatter over the sensor,
// coloured by age. Query params:
//   - limit (optional; default 500)
func (m *Monitor) handleCentroids(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		httputil.NotFound(w, "no telemetry store")
		return
	}
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 10000 {
			limit = v
		}
	}
	cs, err := m.store.RecentCentroids(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load centroids: %v", err))
		return
	}

	data := make([]opts.ScatterData, 0, len(cs))
	minX, maxX, minY, maxY := math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)
	for i, c := range cs {
		// newest first, so i is the age in frames
		data = append(data, opts.ScatterData{Value: []interface{}{c.X, c.Y, i}})
		minX, maxX = math.Min(minX, c.X), math.Max(maxX, c.X)
		minY, maxY = math.Min(minY, c.Y), math.Max(maxY, c.Y)
	}
	if len(cs) == 0 {
		minX, maxX, minY, maxY = 0, 1, 0, 1
	}
	// pad so points at the edges are visible
	padX := math.Max((maxX-minX)*0.05, 1)
	padY := math.Max((maxY-minY)*0.05, 1)
	maxAge := float32(max(len(cs)-1, 1))

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Beacon centroids", Theme: "dark", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Beacon centroids", Subtitle: fmt.Sprintf("frames=%d", len(cs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: math.Floor(minX - padX), Max: math.Ceil(maxX + padX), Name: "X (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: math.Floor(minY - padY), Max: math.Ceil(maxY + padY), Name: "Y (px)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        maxAge,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#fde725", "#35b779", "#31688e", "#440154"}},
		}),
	)
	scatter.AddSeries("centroid", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCapture saves the latest processed frame as <name>.raw and
// <name>.bmp in the capture directory. POST form values:
//   - name (optional; defaults to the capture timestamp)
func (m *Monitor) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	m.mu.RLock()
	dir, s := m.captureDir, m.latest
	m.mu.RUnlock()
	if dir == "" {
		httputil.NotFound(w, "capture disabled")
		return
	}
	if s == nil {
		httputil.NotFound(w, "no frame processed yet")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = s.CapturedAt.UTC().Format("frame-20060102T150405.000")
	}
	base := filepath.Join(dir, security.SanitizeFilename(name))
	if err := security.ValidatePathWithinDirectory(base, dir); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var bmp bytes.Buffer
	if err := s.Image.WriteBMP(&bmp, false); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode frame: %v", err))
		return
	}
	files := map[string][]byte{
		base + ".raw": beacon.EncodeRaw(s.Image.Data),
		base + ".bmp": bmp.Bytes(),
	}
	for path, data := range files {
		if err := m.fs.WriteFile(path, data, 0o644); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to save frame: %v", err))
			return
		}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"raw":  base + ".raw",
		"bmp":  base + ".bmp",
		"area": s.Image.Area,
	})
}
