// Package monitor serves the detector's HTTP interface: status and
// control endpoints for the running pipeline, a live SSE frame stream,
// chart pages rendered from recorded detections, a display spectrum
// endpoint, and the database admin surface.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/haxidermist/FCMD/internal/config"
	"github.com/haxidermist/FCMD/internal/db"
	"github.com/haxidermist/FCMD/internal/dsp"
	"github.com/haxidermist/FCMD/internal/spectrum"
	"github.com/haxidermist/FCMD/internal/version"
)

// spectrumFFTSize is the transform length of the display spectrum. At 48
// kHz it resolves ~23 Hz per bin, plenty for eight carriers over a decade.
const spectrumFFTSize = 2048

// WebServer handles the HTTP interface for monitoring and controlling a
// running detector pipeline.
type WebServer struct {
	address   string
	pipeline  *dsp.Pipeline
	store     *db.DB
	tuning    *config.TuningConfig
	sessionID string
	source    string
	server    *http.Server
	broker    *Broker
	analyzer  *spectrum.Analyzer

	blockMu   sync.RWMutex
	lastBlock []float32
}

// WebServerConfig contains configuration options for the web server.
// Store may be nil; endpoints that need it respond 503.
type WebServerConfig struct {
	Address   string
	Pipeline  *dsp.Pipeline
	Store     *db.DB
	Tuning    *config.TuningConfig
	SessionID string
	Source    string
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   cfg.Address,
		pipeline:  cfg.Pipeline,
		store:     cfg.Store,
		tuning:    cfg.Tuning,
		sessionID: cfg.SessionID,
		source:    cfg.Source,
		broker:    NewBroker(),
	}
	if ws.tuning == nil {
		ws.tuning = config.EmptyTuningConfig()
	}
	if an, err := spectrum.NewAnalyzer(ws.tuning.GetSampleRate(), spectrumFFTSize); err == nil {
		ws.analyzer = an
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

// PublishResult feeds an emitted pipeline frame to connected SSE clients.
// It never blocks; stalled clients drop frames.
func (ws *WebServer) PublishResult(result dsp.Result) {
	ws.broker.Publish(result)
}

// ObserveBlock keeps a copy of the most recent raw sample block for the
// spectrum endpoint. Called from the sample delivery goroutine.
func (ws *WebServer) ObserveBlock(samples []float32) {
	ws.blockMu.Lock()
	if cap(ws.lastBlock) < len(samples) {
		ws.lastBlock = make([]float32, len(samples))
	}
	ws.lastBlock = ws.lastBlock[:len(samples)]
	copy(ws.lastBlock, samples)
	ws.blockMu.Unlock()
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("[Monitor] Failed to encode response: %v", err)
	}
}

// Start begins the HTTP server in a goroutine and blocks until ctx is
// cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		log.Printf("[Monitor] Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Monitor] failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("[Monitor] HTTP server force close error: %v", err)
		}
	}

	ws.broker.Close()
	log.Printf("[Monitor] HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/config", ws.handleConfig)
	mux.HandleFunc("/api/detections", ws.handleDetections)
	mux.HandleFunc("/api/groundbalance", ws.handleGroundBalance)
	mux.HandleFunc("/api/groundbalance/mode", ws.handleBalanceMode)
	mux.HandleFunc("/api/groundbalance/offset", ws.handleBalanceOffset)
	mux.HandleFunc("/api/groundbalance/capture", ws.handleBalanceCapture)
	mux.HandleFunc("/api/updaterate", ws.handleUpdateRate)
	mux.HandleFunc("/api/stream", ws.handleStream)
	mux.HandleFunc("/api/spectrum", ws.handleSpectrum)
	mux.HandleFunc("/charts/vdi", ws.handleVDIChart)
	mux.HandleFunc("/charts/amplitude", ws.handleAmplitudeChart)

	if ws.store != nil {
		if err := ws.store.AttachAdminRoutes(mux); err != nil {
			log.Printf("[Monitor] admin routes unavailable: %v", err)
		}
	}

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, map[string]string{"status": "ok"})
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Version       string              `json:"version"`
	GitSHA        string              `json:"git_sha"`
	SessionID     string              `json:"session_id,omitempty"`
	Source        string              `json:"source,omitempty"`
	Frequencies   []float64           `json:"frequencies"`
	DepthUnits    string              `json:"depth_units"`
	Pipeline      dsp.PipelineStats   `json:"pipeline"`
	GroundBalance dsp.BalanceSnapshot `json:"ground_balance"`
	SSEClients    int                 `json:"sse_clients"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipeline == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}
	snap := ws.pipeline.Balancer().Snapshot()
	// Baselines can be large; the status endpoint reports counts only.
	snap.ManualBaseline = nil
	snap.TrackingBaseline = nil
	ws.writeJSON(w, statusResponse{
		Version:       version.Version,
		GitSHA:        version.GitSHA,
		SessionID:     ws.sessionID,
		Source:        ws.source,
		Frequencies:   ws.pipeline.Frequencies(),
		DepthUnits:    ws.tuning.GetDepthUnits(),
		Pipeline:      ws.pipeline.Stats(),
		GroundBalance: snap,
		SSEClients:    ws.broker.Subscribers(),
	})
}

func (ws *WebServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ws.writeJSON(w, ws.tuning)
}

func (ws *WebServer) handleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.store == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid 'limit' parameter %q", l))
			return
		}
		limit = v
	}
	sessionID := r.URL.Query().Get("session")

	detections, err := ws.store.RecentDetections(sessionID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("query detections: %v", err))
		return
	}
	if detections == nil {
		detections = []db.Detection{}
	}
	ws.writeJSON(w, detections)
}

func (ws *WebServer) handleGroundBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipeline == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}
	ws.writeJSON(w, ws.pipeline.Balancer().Snapshot())
}

func (ws *WebServer) handleBalanceMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipeline == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	mode, err := dsp.ParseBalanceMode(body.Mode)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws.pipeline.SetBalanceMode(mode)
	ws.recordBalanceSnapshot()
	ws.writeJSON(w, map[string]string{"mode": string(mode)})
}

func (ws *WebServer) handleBalanceOffset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipeline == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}
	var body struct {
		Offset *float64 `json:"offset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Offset == nil {
		ws.writeJSONError(w, http.StatusBadRequest, "request body must carry a numeric 'offset'")
		return
	}
	ws.pipeline.SetBalanceOffset(*body.Offset)
	ws.writeJSON(w, map[string]float64{"offset": ws.pipeline.Balancer().Offset()})
}

func (ws *WebServer) handleBalanceCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipeline == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	switch body.Action {
	case "start":
		ws.pipeline.StartManualCapture()
	case "stop":
		ws.pipeline.StopManualCapture()
		ws.recordBalanceSnapshot()
	default:
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid action %q (want start or stop)", body.Action))
		return
	}
	ws.writeJSON(w, map[string]interface{}{
		"action":    body.Action,
		"capturing": ws.pipeline.Balancer().Capturing(),
	})
}

func (ws *WebServer) handleUpdateRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipeline == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}
	var body struct {
		RateHz *float64 `json:"rate_hz"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RateHz == nil {
		ws.writeJSONError(w, http.StatusBadRequest, "request body must carry a numeric 'rate_hz'")
		return
	}
	ws.pipeline.SetTargetUpdateRate(*body.RateHz)
	ws.writeJSON(w, map[string]float64{"rate_hz": ws.pipeline.Stats().TargetUpdateRate})
}

func (ws *WebServer) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.analyzer == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no spectrum analyzer configured")
		return
	}
	ws.blockMu.RLock()
	block := append([]float32(nil), ws.lastBlock...)
	ws.blockMu.RUnlock()
	if len(block) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no sample block observed yet")
		return
	}
	ws.writeJSON(w, ws.analyzer.Snapshot(block))
}

// recordBalanceSnapshot persists the current balancer state. Failures log
// rather than failing the control request; the control already took
// effect in the pipeline.
func (ws *WebServer) recordBalanceSnapshot() {
	if ws.store == nil || ws.sessionID == "" {
		return
	}
	snap := ws.pipeline.Balancer().Snapshot()
	baseline := snap.ManualBaseline
	if snap.Mode == dsp.BalanceAutoTracking || snap.Mode == dsp.BalanceManualTracking {
		baseline = snap.TrackingBaseline
	}
	baselineJSON := ""
	if len(baseline) > 0 {
		if data, err := json.Marshal(baseline); err == nil {
			baselineJSON = string(data)
		}
	}
	err := ws.store.InsertGroundBalanceSnapshot(db.GroundBalanceSnapshot{
		SessionID:    ws.sessionID,
		CapturedAt:   time.Now(),
		Mode:         string(snap.Mode),
		Offset:       snap.Offset,
		BaselineJSON: baselineJSON,
	})
	if err != nil {
		log.Printf("[Monitor] Failed to record ground balance snapshot: %v", err)
	}
}
