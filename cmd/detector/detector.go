// Command detector runs the metal detector daemon: it reads mono sample
// blocks from a configured source, runs the DSP chain (demodulation,
// ground balance, discrimination, depth estimation), records detections,
// and serves the monitoring HTTP interface.
//
// Usage:
//
//	detector [flags]
//	detector migrate <up|down|status|version|force|baseline> [args]
//
// The sample source is selected with -source:
//
//	synth    built-in looping test garden (default)
//	wav      -wav file.wav, paced at the file's sample rate
//	serial   -serial-port /dev/ttyUSB0 [-baud N], framed samples
//	udp      -udp-addr :5151, framed samples over UDP
//	capture  live line-in/microphone [-capture-device name]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/haxidermist/FCMD/internal/audio"
	"github.com/haxidermist/FCMD/internal/config"
	"github.com/haxidermist/FCMD/internal/db"
	"github.com/haxidermist/FCMD/internal/dsp"
	"github.com/haxidermist/FCMD/internal/monitor"
	"github.com/haxidermist/FCMD/internal/units"
	"github.com/haxidermist/FCMD/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbFile        = flag.String("db", "detector.db", "Path to the SQLite database file (empty disables persistence)")
	migrationsDir = flag.String("migrations", db.DefaultMigrationsDir, "Path to the migration files")
	configPath    = flag.String("config", "", "Path to a tuning JSON file (empty uses built-in defaults)")
	sourceName    = flag.String("source", "synth", "Sample source: synth, wav, serial, udp or capture")
	wavFile       = flag.String("wav", "", "WAV file path for -source wav")
	serialPort    = flag.String("serial-port", "", "Serial port for -source serial")
	baudRate      = flag.Int("baud", 921600, "Serial baud rate")
	udpAddr       = flag.String("udp-addr", ":5151", "UDP listen address for -source udp")
	rcvBuf        = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	captureDevice = flag.String("capture-device", "", "Capture device name substring for -source capture (empty = default)")
	verbose       = flag.Bool("verbose", false, "Enable DSP diagnostic logging")
	traceBlocks   = flag.Bool("trace", false, "Enable per-block trace logging (very noisy)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// resultQueueDepth buffers emitted frames between the sample-processing
// goroutine and the recorder. The emit callback must never block, so a
// full queue drops the frame instead.
const resultQueueDepth = 64

// sourceOptions collects the source-selection flags so the construction
// logic is testable without the flag package.
type sourceOptions struct {
	Name          string
	WAVFile       string
	SerialPort    string
	BaudRate      int
	UDPAddr       string
	RcvBuf        int
	CaptureDevice string
}

// buildSource constructs the sample source named in opts using the tone
// plan from tuning.
func buildSource(opts sourceOptions, tuning *config.TuningConfig) (audio.SampleSource, error) {
	switch opts.Name {
	case "synth":
		cfg := audio.DemoScenario()
		cfg.SampleRate = tuning.GetSampleRate()
		cfg.BlockSize = tuning.GetBlockSize()
		cfg.Frequencies = tuning.GetFrequencies()
		return audio.NewSynthSource(cfg)
	case "wav":
		if opts.WAVFile == "" {
			return nil, fmt.Errorf("-source wav requires -wav <file>")
		}
		return audio.NewWAVSource(opts.WAVFile, tuning.GetBlockSize(), true)
	case "serial":
		if opts.SerialPort == "" {
			return nil, fmt.Errorf("-source serial requires -serial-port <port>")
		}
		return audio.NewSerialSource(opts.SerialPort, opts.BaudRate, tuning.GetSampleRate())
	case "udp":
		return audio.NewUDPSource(audio.UDPSourceConfig{
			Address:    opts.UDPAddr,
			RcvBuf:     opts.RcvBuf,
			SampleRate: tuning.GetSampleRate(),
		})
	case "capture":
		return audio.NewCaptureSource(tuning.GetSampleRate(), tuning.GetBlockSize(), opts.CaptureDevice)
	default:
		return nil, fmt.Errorf("unknown source %q (want synth, wav, serial, udp or capture)", opts.Name)
	}
}

// detectionFromResult maps an emitted frame to a persistable detection
// row. Returns false when the frame carries no discrimination result.
func detectionFromResult(sessionID string, result dsp.Result) (db.Detection, bool) {
	if result.VDI == nil {
		return db.Detection{}, false
	}
	avgAmp := 0.0
	for _, t := range result.Tones {
		avgAmp += t.Amplitude
	}
	if len(result.Tones) > 0 {
		avgAmp /= float64(len(result.Tones))
	}
	d := db.Detection{
		SessionID:    sessionID,
		DetectedAt:   result.Time,
		VDI:          result.VDI.VDI,
		TargetType:   string(result.VDI.TargetType),
		Confidence:   result.VDI.Confidence,
		PhaseSlope:   result.VDI.PhaseSlope,
		Conductivity: result.VDI.ConductivityIndex,
		AvgAmplitude: avgAmp,
	}
	if depth := result.VDI.Depth; depth != nil {
		category := depth.Category.String()
		confidence := depth.Confidence
		factor := depth.DepthFactor
		d.DepthCategory = &category
		d.DepthConfidence = &confidence
		d.DepthFactor = &factor
	}
	return d, true
}

// recorder drains the result queue: persists qualifying detections and
// logs strong ones for the operator.
type recorder struct {
	store      *db.DB
	sessionID  string
	minConf    float64
	record     bool
	depthUnits string

	lastLog time.Time
}

func (rec *recorder) handle(result dsp.Result) {
	detection, ok := detectionFromResult(rec.sessionID, result)
	if !ok {
		return
	}

	if rec.record && rec.store != nil && detection.Confidence >= rec.minConf {
		if err := rec.store.InsertDetection(detection); err != nil {
			log.Printf("[Detector] Failed to record detection: %v", err)
		}
	}

	// Operator console line for confident hits, at most one per second.
	if detection.Confidence >= 0.6 && time.Since(rec.lastLog) >= time.Second {
		rec.lastLog = time.Now()
		depthLabel := ""
		if detection.DepthCategory != nil {
			depthLabel = fmt.Sprintf(" depth=%s (%s)", *detection.DepthCategory,
				units.RangeLabel(*detection.DepthCategory, rec.depthUnits))
		}
		log.Printf("[Detector] Target: VDI=%d type=%s conf=%.2f amp=%.3f%s",
			detection.VDI, detection.TargetType, detection.Confidence,
			detection.AvgAmplitude, depthLabel)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("detector %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	// Migration subcommand runs and exits before the daemon starts.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbFile, *migrationsDir)
		return
	}

	if *verbose {
		dsp.SetLogWriters(os.Stderr, os.Stderr, nil)
	}
	if *traceBlocks {
		dsp.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		tuning = loaded
		log.Printf("[Detector] Loaded tuning from %s", *configPath)
	}

	var store *db.DB
	if *dbFile != "" {
		var err error
		store, err = db.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
		if err := store.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	source, err := buildSource(sourceOptions{
		Name:          *sourceName,
		WAVFile:       *wavFile,
		SerialPort:    *serialPort,
		BaudRate:      *baudRate,
		UDPAddr:       *udpAddr,
		RcvBuf:        *rcvBuf,
		CaptureDevice: *captureDevice,
	}, tuning)
	if err != nil {
		log.Fatalf("Failed to open sample source: %v", err)
	}

	frequencies := tuning.GetFrequencies()
	log.Printf("[Detector] Source %s at %d Hz, %d tones (%.0f-%.0f Hz)",
		*sourceName, source.SampleRate(), len(frequencies),
		frequencies[0], frequencies[len(frequencies)-1])

	sessionID := ""
	if store != nil {
		configJSON, _ := json.Marshal(tuning)
		sessionID, err = store.StartSession(*sourceName, string(configJSON))
		if err != nil {
			log.Fatalf("Failed to start session: %v", err)
		}
		log.Printf("[Detector] Session %s started", sessionID)
	}

	// Emitted frames cross to the recorder through a bounded queue so
	// the emit callback never blocks the sample path.
	results := make(chan dsp.Result, resultQueueDepth)

	var ws *monitor.WebServer
	pipeline := dsp.NewPipeline(dsp.PipelineConfig{
		Frequencies:      frequencies,
		SampleRate:       source.SampleRate(),
		TargetUpdateRate: tuning.GetTargetUpdateRate(),
		CaptureCapacity:  tuning.GetCaptureCapacity(),
		OnResult: func(result dsp.Result) {
			ws.PublishResult(result)
			select {
			case results <- result:
			default:
			}
		},
	})
	if mode, err := dsp.ParseBalanceMode(tuning.GetBalanceMode()); err == nil {
		pipeline.SetBalanceMode(mode)
	}
	pipeline.SetBalanceOffset(tuning.GetBalanceOffset())

	ws = monitor.NewWebServer(monitor.WebServerConfig{
		Address:   *listen,
		Pipeline:  pipeline,
		Store:     store,
		Tuning:    tuning,
		SessionID: sessionID,
		Source:    *sourceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	// HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			log.Printf("[Detector] Monitor server error: %v", err)
		}
	}()

	// Recorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := &recorder{
			store:      store,
			sessionID:  sessionID,
			minConf:    tuning.GetMinRecordConfidence(),
			record:     tuning.GetRecordDetections(),
			depthUnits: tuning.GetDepthUnits(),
		}
		for result := range results {
			rec.handle(result)
		}
	}()

	// Retention sweep
	if store != nil && tuning.GetRetentionDays() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(tuning.GetRetentionSweep())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					cutoff := time.Now().AddDate(0, 0, -tuning.GetRetentionDays())
					if removed, err := store.PruneDetections(cutoff); err != nil {
						log.Printf("[Detector] Retention sweep failed: %v", err)
					} else if removed > 0 {
						log.Printf("[Detector] Retention sweep removed %d detections", removed)
					}
				}
			}
		}()
	}

	// Unblock the sample read loop when shutdown is requested.
	go func() {
		<-ctx.Done()
		source.Close()
	}()

	// Sample loop: the processing thread of the whole system. Each block
	// is fully processed before the next read.
	for {
		samples, err := source.Read()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("[Detector] Sample source error: %v", err)
			}
			break
		}
		ws.ObserveBlock(samples)
		pipeline.ProcessBlock(samples)
	}

	log.Println("[Detector] Sample source drained, shutting down...")
	cancel()
	close(results)
	wg.Wait()

	if store != nil && sessionID != "" {
		if err := store.EndSession(sessionID); err != nil {
			log.Printf("[Detector] Failed to end session: %v", err)
		}
	}

	stats := pipeline.Stats()
	log.Printf("[Detector] Processed %d blocks, emitted %d frames (%.1f blocks/s measured)",
		stats.BlocksProcessed, stats.FramesEmitted, stats.MeasuredBlockRate)
}
