// Command calibrate builds and inspects the depth calibration table.
//
// Recording pass: feed a recorded WAV of a target buried at a known
// depth through the DSP chain and store the resulting depth factor as a
// calibration sample:
//
//	calibrate -db detector.db -wav dime_15cm.wav -depth-cm 15 -notes "silver dime"
//
// Reporting pass: summarise all recorded samples per depth and render a
// depth factor vs known depth plot:
//
//	calibrate -db detector.db -plot calibration.png
package main

import (
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/haxidermist/FCMD/internal/audio"
	"github.com/haxidermist/FCMD/internal/config"
	"github.com/haxidermist/FCMD/internal/db"
	"github.com/haxidermist/FCMD/internal/dsp"
)

var (
	dbFile        = flag.String("db", "detector.db", "Path to the SQLite database file")
	migrationsDir = flag.String("migrations", db.DefaultMigrationsDir, "Path to the migration files")
	configPath    = flag.String("config", "", "Path to a tuning JSON file (empty uses built-in defaults)")
	wavFile       = flag.String("wav", "", "WAV recording of a target at a known depth")
	knownDepthCm  = flag.Float64("depth-cm", 0, "Known burial depth in centimetres for -wav")
	notes         = flag.String("notes", "", "Free-form note stored with the sample (target, soil, coil)")
	plotFile      = flag.String("plot", "", "Write a depth factor vs depth PNG to this path")
	minConfidence = flag.Float64("min-confidence", 0.4, "Ignore frames classified below this confidence")
)

// runCapture is one recording pass: the WAV is processed offline (no
// pacing) and every classified frame's depth factor is collected.
type runCapture struct {
	factors    []float64
	amplitudes []float64
	vdis       []int
}

func (rc *runCapture) observe(result dsp.Result) {
	if result.VDI == nil || result.VDI.Confidence < *minConfidence {
		return
	}
	if result.VDI.Depth == nil || result.VDI.Depth.DepthFactor == dsp.DepthFactorSentinel {
		return
	}
	rc.factors = append(rc.factors, result.VDI.Depth.DepthFactor)
	rc.amplitudes = append(rc.amplitudes, result.VDI.Depth.Amplitude)
	rc.vdis = append(rc.vdis, result.VDI.VDI)
}

// sample reduces the captured frames to a single calibration row using
// the median depth factor, which is robust to sweep edges.
func (rc *runCapture) sample(depthCm float64, notes string) (db.CalibrationSample, error) {
	if len(rc.factors) == 0 {
		return db.CalibrationSample{}, fmt.Errorf("no classified frames with usable depth factors")
	}

	factors := append([]float64(nil), rc.factors...)
	sort.Float64s(factors)
	medianFactor := stat.Quantile(0.5, stat.Empirical, factors, nil)

	// VDI mode, not mean: the index is categorical.
	counts := make(map[int]int)
	bestVDI, bestCount := 0, 0
	for _, v := range rc.vdis {
		counts[v]++
		if counts[v] > bestCount {
			bestVDI, bestCount = v, counts[v]
		}
	}

	return db.CalibrationSample{
		KnownDepthCm: depthCm,
		DepthFactor:  medianFactor,
		AvgAmplitude: stat.Mean(rc.amplitudes, nil),
		VDI:          bestVDI,
		Notes:        notes,
	}, nil
}

func processWAV(path string, tuning *config.TuningConfig) (*runCapture, error) {
	source, err := audio.NewWAVSource(path, tuning.GetBlockSize(), false)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	capture := &runCapture{}
	pipeline := dsp.NewPipeline(dsp.PipelineConfig{
		Frequencies:      tuning.GetFrequencies(),
		SampleRate:       source.SampleRate(),
		TargetUpdateRate: tuning.GetTargetUpdateRate(),
		OnResult:         capture.observe,
	})
	if mode, err := dsp.ParseBalanceMode(tuning.GetBalanceMode()); err == nil {
		pipeline.SetBalanceMode(mode)
	}
	pipeline.SetBalanceOffset(tuning.GetBalanceOffset())

	for {
		samples, err := source.Read()
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			break
		}
		pipeline.ProcessBlock(samples)
	}

	stats := pipeline.Stats()
	log.Printf("[Calibrate] Processed %d blocks, %d frames, %d usable",
		stats.BlocksProcessed, stats.FramesEmitted, len(capture.factors))
	return capture, nil
}

// printTable writes a per-depth summary of the calibration samples.
func printTable(w io.Writer, samples []db.CalibrationSample) {
	byDepth := make(map[float64][]float64)
	var depths []float64
	for _, s := range samples {
		if _, ok := byDepth[s.KnownDepthCm]; !ok {
			depths = append(depths, s.KnownDepthCm)
		}
		byDepth[s.KnownDepthCm] = append(byDepth[s.KnownDepthCm], s.DepthFactor)
	}
	sort.Float64s(depths)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "depth_cm\tn\tfactor_p25\tfactor_median\tfactor_p75\tfactor_mean")
	for _, depth := range depths {
		factors := byDepth[depth]
		sort.Float64s(factors)
		fmt.Fprintf(tw, "%.1f\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n",
			depth, len(factors),
			stat.Quantile(0.25, stat.Empirical, factors, nil),
			stat.Quantile(0.5, stat.Empirical, factors, nil),
			stat.Quantile(0.75, stat.Empirical, factors, nil),
			stat.Mean(factors, nil))
	}
	tw.Flush()
}

// renderPlot draws every sample as a scatter point with a median line
// per depth, factor on Y against known depth on X.
func renderPlot(path string, samples []db.CalibrationSample) error {
	p := plot.New()
	p.Title.Text = "Depth factor vs known depth"
	p.X.Label.Text = "Known depth (cm)"
	p.Y.Label.Text = "Depth factor"

	pts := make(plotter.XYs, 0, len(samples))
	byDepth := make(map[float64][]float64)
	for _, s := range samples {
		pts = append(pts, plotter.XY{X: s.KnownDepthCm, Y: s.DepthFactor})
		byDepth[s.KnownDepthCm] = append(byDepth[s.KnownDepthCm], s.DepthFactor)
	}

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 66, G: 135, B: 245, A: 255}
	scatter.GlyphStyle.Radius = vg.Points(3)
	p.Add(scatter)
	p.Legend.Add("samples", scatter)

	var depths []float64
	for depth := range byDepth {
		depths = append(depths, depth)
	}
	sort.Float64s(depths)
	medianPts := make(plotter.XYs, 0, len(depths))
	for _, depth := range depths {
		factors := byDepth[depth]
		sort.Float64s(factors)
		medianPts = append(medianPts, plotter.XY{
			X: depth,
			Y: stat.Quantile(0.5, stat.Empirical, factors, nil),
		})
	}
	if len(medianPts) > 1 {
		line, err := plotter.NewLine(medianPts)
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 245, G: 130, B: 66, A: 255}
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add("median", line)
	}

	p.Legend.Top = true
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}

func main() {
	flag.Parse()

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		tuning = loaded
	}

	store, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	if err := store.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	if *wavFile != "" {
		if *knownDepthCm <= 0 {
			log.Fatal("-wav requires -depth-cm > 0")
		}
		capture, err := processWAV(*wavFile, tuning)
		if err != nil {
			log.Fatalf("Failed to process %s: %v", *wavFile, err)
		}
		sample, err := capture.sample(*knownDepthCm, *notes)
		if err != nil {
			log.Fatalf("Recording produced no usable sample: %v", err)
		}
		if err := store.InsertCalibrationSample(sample); err != nil {
			log.Fatalf("Failed to store calibration sample: %v", err)
		}
		log.Printf("[Calibrate] Recorded depth=%.1fcm factor=%.3f amp=%.3f vdi=%d",
			sample.KnownDepthCm, sample.DepthFactor, sample.AvgAmplitude, sample.VDI)
	}

	samples, err := store.ListCalibrationSamples()
	if err != nil {
		log.Fatalf("Failed to list calibration samples: %v", err)
	}
	if len(samples) == 0 {
		log.Println("[Calibrate] No calibration samples recorded yet")
		return
	}

	printTable(os.Stdout, samples)

	if *plotFile != "" {
		if err := renderPlot(*plotFile, samples); err != nil {
			log.Fatalf("Failed to render plot: %v", err)
		}
		log.Printf("[Calibrate] Wrote %s (%d samples)", *plotFile, len(samples))
	}
}
