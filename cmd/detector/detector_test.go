package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/haxidermist/FCMD/internal/config"
	"github.com/haxidermist/FCMD/internal/db"
	"github.com/haxidermist/FCMD/internal/dsp"
)

func TestDetectionFromResult(t *testing.T) {
	now := time.Now()
	result := dsp.Result{
		Time: now,
		Tones: []dsp.ToneAnalysis{
			{Frequency: 1000, Amplitude: 0.4},
			{Frequency: 10000, Amplitude: 0.2},
		},
		VDI: &dsp.VDIResult{
			VDI:               85,
			TargetType:        dsp.TargetHighConductor,
			Confidence:        0.8,
			PhaseSlope:        -1.2,
			ConductivityIndex: 0.9,
			Depth: &dsp.DepthEstimate{
				Category:    dsp.DepthShallow,
				Confidence:  0.5,
				DepthFactor: 2.1,
			},
		},
	}

	got, ok := detectionFromResult("sess-1", result)
	if !ok {
		t.Fatal("detectionFromResult returned ok=false for a classified frame")
	}

	category := "shallow"
	depthConf := 0.5
	factor := 2.1
	want := db.Detection{
		SessionID:       "sess-1",
		DetectedAt:      now,
		VDI:             85,
		TargetType:      "high_conductor",
		Confidence:      0.8,
		PhaseSlope:      -1.2,
		Conductivity:    0.9,
		AvgAmplitude:    0.3,
		DepthCategory:   &category,
		DepthConfidence: &depthConf,
		DepthFactor:     &factor,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("detection mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectionFromResultNoVDI(t *testing.T) {
	_, ok := detectionFromResult("sess-1", dsp.Result{
		Time:  time.Now(),
		Tones: []dsp.ToneAnalysis{{Frequency: 1000, Amplitude: 0.1}},
	})
	if ok {
		t.Error("detectionFromResult returned ok=true for an unclassified frame")
	}
}

func TestDetectionFromResultNoDepth(t *testing.T) {
	got, ok := detectionFromResult("sess-1", dsp.Result{
		Time: time.Now(),
		VDI:  &dsp.VDIResult{VDI: 10, TargetType: dsp.TargetFerrous, Confidence: 0.7},
	})
	if !ok {
		t.Fatal("detectionFromResult returned ok=false")
	}
	if got.DepthCategory != nil || got.DepthConfidence != nil || got.DepthFactor != nil {
		t.Error("depth fields should be nil when the frame carries no depth estimate")
	}
}

func TestBuildSourceValidation(t *testing.T) {
	tuning := config.EmptyTuningConfig()

	cases := []struct {
		name string
		opts sourceOptions
	}{
		{"unknown source", sourceOptions{Name: "laser"}},
		{"wav without file", sourceOptions{Name: "wav"}},
		{"serial without port", sourceOptions{Name: "serial"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildSource(tc.opts, tuning); err == nil {
				t.Errorf("buildSource(%+v) succeeded, want error", tc.opts)
			}
		})
	}
}

func TestBuildSourceSynth(t *testing.T) {
	source, err := buildSource(sourceOptions{Name: "synth"}, config.EmptyTuningConfig())
	if err != nil {
		t.Fatalf("buildSource(synth) failed: %v", err)
	}
	defer source.Close()
	if source.SampleRate() != config.EmptyTuningConfig().GetSampleRate() {
		t.Errorf("sample rate = %d, want tuning default", source.SampleRate())
	}
}
