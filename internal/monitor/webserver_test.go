package monitor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haxidermist/FCMD/internal/config"
	"github.com/haxidermist/FCMD/internal/db"
	"github.com/haxidermist/FCMD/internal/dsp"
)

// newTestServer builds a server over a live pipeline and a migrated
// temp database, returning both for inspection.
func newTestServer(t *testing.T) (*WebServer, *dsp.Pipeline, *db.DB) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.MigrateUp("../db/migrations"))

	sessionID, err := database.StartSession("test", "")
	require.NoError(t, err)

	pipeline := dsp.NewPipeline(dsp.PipelineConfig{
		Frequencies: []float64{1000, 10000},
		SampleRate:  48000,
	})

	ws := NewWebServer(WebServerConfig{
		Address:   ":0",
		Pipeline:  pipeline,
		Store:     database,
		Tuning:    config.EmptyTuningConfig(),
		SessionID: sessionID,
		Source:    "test",
	})
	return ws, pipeline, database
}

func serve(ws *WebServer, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ws.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func postJSON(ws *WebServer, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return serve(ws, req)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ws, _, _ := newTestServer(t)
	rec := serve(ws, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	ws, _, _ := newTestServer(t)

	rec := serve(ws, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, []float64{1000, 10000}, status.Frequencies)
	assert.Equal(t, 2, status.Pipeline.ToneCount)
	assert.Equal(t, dsp.BalanceOff, status.GroundBalance.Mode)
	assert.Equal(t, "test", status.Source)
	assert.NotEmpty(t, status.SessionID)

	rec = serve(ws, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBalanceModeControl(t *testing.T) {
	t.Parallel()
	ws, pipeline, database := newTestServer(t)

	rec := postJSON(ws, "/api/groundbalance/mode", `{"mode":"auto_tracking"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dsp.BalanceAutoTracking, pipeline.Balancer().Mode())

	// A snapshot of the change is persisted.
	snaps, err := database.RecentGroundBalanceSnapshots(ws.sessionID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	assert.Equal(t, "auto_tracking", snaps[0].Mode)

	rec = postJSON(ws, "/api/groundbalance/mode", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, dsp.BalanceAutoTracking, pipeline.Balancer().Mode())

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/api/groundbalance/mode", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBalanceOffsetClamped(t *testing.T) {
	t.Parallel()
	ws, pipeline, _ := newTestServer(t)

	rec := postJSON(ws, "/api/groundbalance/offset", `{"offset":80}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 50, pipeline.Balancer().Offset(), 1e-9)

	rec = postJSON(ws, "/api/groundbalance/offset", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceCaptureControl(t *testing.T) {
	t.Parallel()
	ws, pipeline, _ := newTestServer(t)

	rec := postJSON(ws, "/api/groundbalance/capture", `{"action":"start"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, pipeline.Balancer().Capturing())

	rec = postJSON(ws, "/api/groundbalance/capture", `{"action":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, pipeline.Balancer().Capturing())

	rec = postJSON(ws, "/api/groundbalance/capture", `{"action":"pause"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRateControl(t *testing.T) {
	t.Parallel()
	ws, pipeline, _ := newTestServer(t)

	rec := postJSON(ws, "/api/updaterate", `{"rate_hz":25}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 25, pipeline.Stats().TargetUpdateRate, 1e-9)
}

func TestDetectionsEndpoint(t *testing.T) {
	t.Parallel()
	ws, _, database := newTestServer(t)

	rec := serve(ws, httptest.NewRequest(http.MethodGet, "/api/detections", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	require.NoError(t, database.InsertDetection(db.Detection{
		SessionID:  ws.sessionID,
		DetectedAt: time.Now(),
		VDI:        85,
		TargetType: "high_conductor",
		Confidence: 0.8,
	}))

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/api/detections?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var detections []db.Detection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detections))
	require.Len(t, detections, 1)
	assert.Equal(t, 85, detections[0].VDI)

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/api/detections?limit=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpectrumEndpoint(t *testing.T) {
	t.Parallel()
	ws, _, _ := newTestServer(t)

	rec := serve(ws, httptest.NewRequest(http.MethodGet, "/api/spectrum", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A 1 kHz carrier should dominate the snapshot.
	block := make([]float32, 4096)
	for i := range block {
		block[i] = float32(0.5 * math.Sin(2*math.Pi*1000*float64(i)/48000))
	}
	ws.ObserveBlock(block)

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/api/spectrum", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		PeakFrequency float64 `json:"peak_frequency"`
		SampleRate    int     `json:"sample_rate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 48000, snap.SampleRate)
	assert.InDelta(t, 1000, snap.PeakFrequency, 30)
}

func TestStreamDeliversFrames(t *testing.T) {
	t.Parallel()
	ws, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.setupRoutes().ServeHTTP(rec, req)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for ws.broker.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, ws.broker.Subscribers(), "stream handler never subscribed")

	ws.PublishResult(dsp.Result{
		Time:  time.Now(),
		Tones: []dsp.ToneAnalysis{{Frequency: 1000, Amplitude: 0.4}},
	})

	// Let the handler flush the event, then disconnect.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on disconnect")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, ": ping")
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, `"frequency":1000`)
}

func TestChartsEndpoints(t *testing.T) {
	t.Parallel()
	ws, _, database := newTestServer(t)

	rec := serve(ws, httptest.NewRequest(http.MethodGet, "/charts/vdi", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	factor := 2.4
	require.NoError(t, database.InsertDetection(db.Detection{
		SessionID:    ws.sessionID,
		DetectedAt:   time.Now(),
		VDI:          72,
		TargetType:   "high_conductor",
		Confidence:   0.9,
		AvgAmplitude: 0.5,
		DepthFactor:  &factor,
	}))

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/charts/vdi", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "echarts")

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/charts/amplitude", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}
