package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/haxidermist/FCMD/internal/db"
)

const chartDefaultLimit = 500

// chartDetections pulls the detections backing a chart page, newest
// first, honouring an optional limit and session query parameter.
func (ws *WebServer) chartDetections(r *http.Request) ([]db.Detection, error) {
	if ws.store == nil {
		return nil, fmt.Errorf("no database configured")
	}
	limit := chartDefaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	return ws.store.RecentDetections(r.URL.Query().Get("session"), limit)
}

// handleVDIChart renders a scatter of VDI over time, coloured by
// confidence. A debugging view for walking a test garden, not a UI.
func (ws *WebServer) handleVDIChart(w http.ResponseWriter, r *http.Request) {
	detections, err := ws.chartDetections(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if len(detections) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no detections recorded")
		return
	}

	data := make([]opts.ScatterData, 0, len(detections))
	for _, d := range detections {
		ts := d.DetectedAt.Format(time.RFC3339)
		data = append(data, opts.ScatterData{Value: []interface{}{ts, d.VDI, d.Confidence}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "VDI Timeline", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "VDI over time", Subtitle: fmt.Sprintf("points=%d", len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "Time"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 99, Name: "VDI"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("vdi", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	ws.renderChart(w, scatter)
}

// handleAmplitudeChart renders average amplitude and depth factor lines
// over time from the recorded detections.
func (ws *WebServer) handleAmplitudeChart(w http.ResponseWriter, r *http.Request) {
	detections, err := ws.chartDetections(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if len(detections) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no detections recorded")
		return
	}

	// RecentDetections returns newest first; plot oldest to newest.
	timestamps := make([]string, 0, len(detections))
	amplitudes := make([]opts.LineData, 0, len(detections))
	factors := make([]opts.LineData, 0, len(detections))
	for i := len(detections) - 1; i >= 0; i-- {
		d := detections[i]
		timestamps = append(timestamps, d.DetectedAt.Format("15:04:05"))
		amplitudes = append(amplitudes, opts.LineData{Value: d.AvgAmplitude})
		if d.DepthFactor != nil {
			factors = append(factors, opts.LineData{Value: *d.DepthFactor})
		} else {
			factors = append(factors, opts.LineData{Value: nil})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Signal Amplitude", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Average amplitude and depth factor", Subtitle: fmt.Sprintf("points=%d", len(timestamps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "value"}),
	)
	line.SetXAxis(timestamps)
	line.AddSeries("avg amplitude", amplitudes)
	line.AddSeries("depth factor", factors)

	ws.renderChart(w, line)
}

// renderer is implemented by every go-echarts chart type.
type renderer interface {
	Render(w io.Writer) error
}

func (ws *WebServer) renderChart(w http.ResponseWriter, chart renderer) {
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
