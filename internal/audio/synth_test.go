package audio

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/haxidermist/FCMD/internal/dsp"
	"github.com/haxidermist/FCMD/internal/timeutil"
)

func blockRMS(block []float32) float64 {
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(block)))
}

func TestSynthSourceRequiresFrequencies(t *testing.T) {
	if _, err := NewSynthSource(SynthConfig{Duration: 1}); err == nil {
		t.Error("NewSynthSource accepted a config with no frequencies")
	}
}

func TestSynthSourceBlockAccounting(t *testing.T) {
	// 0.1s at 48 kHz is 4800 samples.
	tests := []struct {
		name        string
		blockSize   int
		wantLengths []int
	}{
		{"even division", 480, []int{480, 480, 480, 480, 480, 480, 480, 480, 480, 480}},
		{"partial final block", 1000, []int{1000, 1000, 1000, 1000, 800}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewSynthSource(SynthConfig{
				SampleRate:  48000,
				BlockSize:   tt.blockSize,
				Frequencies: []float64{5000},
				Duration:    0.1,
				Seed:        1,
			})
			if err != nil {
				t.Fatalf("NewSynthSource failed: %v", err)
			}

			var lengths []int
			for {
				block, err := src.Read()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("Read failed: %v", err)
				}
				lengths = append(lengths, len(block))
			}
			if len(lengths) != len(tt.wantLengths) {
				t.Fatalf("Block count = %d (%v), want %d", len(lengths), lengths, len(tt.wantLengths))
			}
			for i, want := range tt.wantLengths {
				if lengths[i] != want {
					t.Errorf("Block %d length = %d, want %d", i, lengths[i], want)
				}
			}
			if _, err := src.Read(); err != io.EOF {
				t.Errorf("Read after EOF = %v, want io.EOF", err)
			}
		})
	}
}

func TestSynthSourceLoopRestartsPass(t *testing.T) {
	// One pass is 2400 samples, five blocks. Looping must keep delivering
	// full blocks well past the seam.
	src, err := NewSynthSource(SynthConfig{
		SampleRate:  48000,
		BlockSize:   480,
		Frequencies: []float64{5000},
		Duration:    0.05,
		Loop:        true,
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}
	for i := 0; i < 12; i++ {
		block, err := src.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if len(block) != 480 {
			t.Fatalf("Read %d length = %d, want 480", i, len(block))
		}
	}
}

func TestSynthSourceDeterministicWithSeed(t *testing.T) {
	cfg := SynthConfig{
		SampleRate:  48000,
		BlockSize:   512,
		Frequencies: []float64{2000, 6000},
		Duration:    1,
		NoiseLevel:  0.01,
		Seed:        42,
	}
	a, err := NewSynthSource(cfg)
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}
	b, err := NewSynthSource(cfg)
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		blockA, errA := a.Read()
		blockB, errB := b.Read()
		if errA != nil || errB != nil {
			t.Fatalf("Read %d failed: %v / %v", i, errA, errB)
		}
		for k := range blockA {
			if blockA[k] != blockB[k] {
				t.Fatalf("Block %d sample %d differs: %v vs %v", i, k, blockA[k], blockB[k])
			}
		}
	}
}

func TestSynthSourceSweepEnvelope(t *testing.T) {
	// Single frequency, so the conductivity tilt is neutral and the peak
	// carrier amplitude equals the target strength. The sweep envelope is
	// gated to zero beyond four sigmas from its centre.
	src, err := NewSynthSource(SynthConfig{
		SampleRate:  48000,
		BlockSize:   1024,
		Frequencies: []float64{5000},
		Duration:    2,
		Seed:        1,
		Targets: []SynthTarget{
			{Label: "test", CentreTime: 1.0, SweepWidth: 0.2, Strength: 0.5, Conductivity: 0.5},
		},
	})
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}

	var rms []float64
	for {
		block, err := src.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		rms = append(rms, blockRMS(block))
	}

	if rms[0] != 0 {
		t.Errorf("First block RMS = %v, want 0 outside the envelope gate", rms[0])
	}
	if last := rms[len(rms)-1]; last != 0 {
		t.Errorf("Last block RMS = %v, want 0 outside the envelope gate", last)
	}

	peakIdx := 0
	for i, v := range rms {
		if v > rms[peakIdx] {
			peakIdx = i
		}
	}
	peakTime := (float64(peakIdx) + 0.5) * 1024 / 48000
	if math.Abs(peakTime-1.0) > 0.05 {
		t.Errorf("Peak RMS at t=%.3fs, want near 1.0s", peakTime)
	}
	// A full-strength carrier has RMS strength/sqrt(2).
	wantPeak := 0.5 / math.Sqrt2
	if math.Abs(rms[peakIdx]-wantPeak) > 0.02 {
		t.Errorf("Peak RMS = %v, want ~%v", rms[peakIdx], wantPeak)
	}
}

func TestSynthSourceGroundResponse(t *testing.T) {
	// Ground strength derates linearly across the span: full at the bottom
	// frequency, half at the top. Both carriers run whole cycles over one
	// second, so the measured RMS matches the analytic value closely.
	src, err := NewSynthSource(SynthConfig{
		SampleRate:  48000,
		BlockSize:   48000,
		Frequencies: []float64{1000, 2000},
		Duration:    1,
		Seed:        1,
		Ground:      &GroundModel{Strength: 0.1, PhaseDeg: 168},
	})
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}
	block, err := src.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	want := math.Sqrt((0.1*0.1 + 0.05*0.05) / 2)
	if got := blockRMS(block); math.Abs(got-want) > 0.002 {
		t.Errorf("Ground RMS = %v, want ~%v", got, want)
	}
}

func TestSynthSourceDrivesDetectionPipeline(t *testing.T) {
	// A strong high-conductivity target swept at 2.5s should come out of
	// the full processing chain as a high conductor near VDI 99 at surface
	// depth, with the result timestamped near the sweep centre.
	freqs := []float64{1000, 2154, 4642, 10000}
	src, err := NewSynthSource(SynthConfig{
		SampleRate:  48000,
		BlockSize:   1024,
		Frequencies: freqs,
		Duration:    5,
		NoiseLevel:  0.001,
		Seed:        7,
		Targets: []SynthTarget{
			{Label: "silver coin", CentreTime: 2.5, SweepWidth: 0.3, Strength: 0.5, Conductivity: 0.9, PhaseSlope: 2},
		},
	})
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}

	start := time.Unix(0, 0)
	clock := timeutil.NewMockClock(start)
	var results []dsp.Result
	pipe := dsp.NewPipeline(dsp.PipelineConfig{
		Frequencies:      freqs,
		SampleRate:       48000,
		TargetUpdateRate: 60,
		Clock:            clock,
		OnResult:         func(r dsp.Result) { results = append(results, r) },
	})

	blockDur := time.Duration(1024) * time.Second / 48000
	for {
		block, err := src.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		clock.Advance(blockDur)
		pipe.ProcessBlock(block)
	}

	if len(results) == 0 {
		t.Fatal("pipeline emitted no results")
	}

	best := results[0]
	bestAmp := -1.0
	for _, r := range results {
		var sum float64
		for _, tone := range r.Tones {
			sum += tone.Amplitude
		}
		if avg := sum / float64(len(r.Tones)); avg > bestAmp {
			bestAmp = avg
			best = r
		}
	}

	if len(best.Tones) != len(freqs) {
		t.Fatalf("Result carries %d tones, want %d", len(best.Tones), len(freqs))
	}
	for i, tone := range best.Tones {
		if tone.Frequency != freqs[i] {
			t.Errorf("Tone %d frequency = %v, want %v", i, tone.Frequency, freqs[i])
		}
	}

	// The response model puts the average amplitude near 0.51 at the peak.
	if bestAmp < 0.4 || bestAmp > 0.62 {
		t.Errorf("Peak average amplitude = %v, want ~0.51", bestAmp)
	}
	if offset := best.Time.Sub(start); offset < 2200*time.Millisecond || offset > 2800*time.Millisecond {
		t.Errorf("Peak result at %v into the pass, want near 2.5s", offset)
	}

	if best.VDI == nil {
		t.Fatal("Peak result carries no discrimination")
	}
	if best.VDI.TargetType != dsp.TargetHighConductor {
		t.Errorf("TargetType = %q, want %q", best.VDI.TargetType, dsp.TargetHighConductor)
	}
	if best.VDI.VDI < 90 {
		t.Errorf("VDI = %d, want >= 90 for a saturated high conductor", best.VDI.VDI)
	}
	if best.VDI.Confidence < 0.6 {
		t.Errorf("Confidence = %v, want >= 0.6", best.VDI.Confidence)
	}

	if best.VDI.Depth == nil {
		t.Fatal("Peak result carries no depth estimate")
	}
	if best.VDI.Depth.Category != dsp.DepthSurface {
		t.Errorf("Depth category = %v, want surface for a strong signal", best.VDI.Depth.Category)
	}
	if best.VDI.Depth.Confidence < 0.5 || best.VDI.Depth.Confidence > dsp.MaxDepthConfidence {
		t.Errorf("Depth confidence = %v, want in (0.5, %v]", best.VDI.Depth.Confidence, dsp.MaxDepthConfidence)
	}
}

func TestDemoScenarioBuilds(t *testing.T) {
	cfg := DemoScenario()
	if len(cfg.Targets) != 3 {
		t.Errorf("Demo targets = %d, want 3", len(cfg.Targets))
	}
	if cfg.Ground == nil {
		t.Error("Demo scenario carries no ground model")
	}
	if !cfg.Loop {
		t.Error("Demo scenario should loop")
	}

	cfg.Frequencies = []float64{1000, 3000, 10000}
	cfg.Realtime = false
	src, err := NewSynthSource(cfg)
	if err != nil {
		t.Fatalf("NewSynthSource failed: %v", err)
	}
	block, err := src.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(block) != DefaultBlockSize {
		t.Errorf("Block length = %d, want default %d", len(block), DefaultBlockSize)
	}
}
