package dsp

import (
	"encoding/json"
	"math"
	"testing"
)

// depthTones builds an analysis vector from per-channel amplitudes at
// fixed ascending frequencies, flat phase.
func depthTones(amps ...float64) []ToneAnalysis {
	freqs := []float64{1000, 5000, 10000, 15000, 20000, 22000}
	out := make([]ToneAnalysis, len(amps))
	for i, a := range amps {
		out[i] = vdiTone(freqs[i], a, 0)
	}
	return out
}

func TestDepthEstimator_EmptyInput(t *testing.T) {
	est := NewDepthEstimator().Estimate(nil, nil)
	if est.Category != DepthVeryDeep {
		t.Errorf("Category = %v, want very_deep", est.Category)
	}
	if est.DepthFactor != DepthFactorSentinel {
		t.Errorf("DepthFactor = %f, want sentinel", est.DepthFactor)
	}
	if est.Confidence != 0 {
		t.Errorf("Confidence = %f, want 0", est.Confidence)
	}
}

func TestDepthEstimator_BelowSignalFloor(t *testing.T) {
	e := NewDepthEstimator()

	// Amplitude under the floor degrades to very deep at fixed low
	// confidence, no matter how confident the discrimination was.
	for _, vdi := range []*VDIResult{nil, {Confidence: 0.95, TargetType: TargetHighConductor}} {
		est := e.Estimate(depthTones(0.01, 0.01, 0.01), vdi)
		if est.Category != DepthVeryDeep {
			t.Errorf("Category = %v, want very_deep", est.Category)
		}
		if est.Confidence != 0.1 {
			t.Errorf("Confidence = %f, want 0.1", est.Confidence)
		}
		if est.DepthFactor != DepthFactorSentinel {
			t.Errorf("DepthFactor = %f, want sentinel", est.DepthFactor)
		}
		if !within(est.Amplitude, 0.01, 1e-12) {
			t.Errorf("Amplitude = %f, want 0.01", est.Amplitude)
		}
	}
}

func TestDepthEstimator_CategoryThresholds(t *testing.T) {
	tests := []struct {
		name  string
		tones []ToneAnalysis
		want  DepthCategory
	}{
		{"strong uniform signal", depthTones(0.8, 0.8, 0.8), DepthSurface},
		{"moderate uniform signal", depthTones(0.2, 0.2, 0.2), DepthShallow},
		{"weak uniform signal", depthTones(0.05, 0.05, 0.05), DepthMedium},
		{"near-floor uniform signal", depthTones(0.021, 0.021, 0.021), DepthDeep},
		{"weak high-band rolloff", depthTones(0.1, 0.04, 0.01), DepthVeryDeep},
	}

	e := NewDepthEstimator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := e.Estimate(tt.tones, nil)
			if est.Category != tt.want {
				t.Errorf("Category = %v (factor %f), want %v", est.Category, est.DepthFactor, tt.want)
			}
		})
	}
}

func TestDepthEstimator_MonotonicInDepthFactor(t *testing.T) {
	e := NewDepthEstimator()

	// Falling amplitude means rising depth factor; the category must never
	// step back toward the surface.
	amps := []float64{0.9, 0.5, 0.2, 0.1, 0.05, 0.022}
	prevFactor := 0.0
	prevCategory := DepthSurface
	for _, a := range amps {
		est := e.Estimate(depthTones(a, a, a), nil)
		if est.DepthFactor <= prevFactor {
			t.Fatalf("amp %.3f: factor %f not greater than previous %f", a, est.DepthFactor, prevFactor)
		}
		if est.Category < prevCategory {
			t.Fatalf("amp %.3f: category %v shallower than previous %v", a, est.Category, prevCategory)
		}
		prevFactor = est.DepthFactor
		prevCategory = est.Category
	}
}

func TestDepthEstimator_SizeNormalization(t *testing.T) {
	e := NewDepthEstimator()
	tones := depthTones(0.2, 0.2, 0.2)
	baseFactor := math.Pow(0.2, -0.35)

	tests := []struct {
		name       string
		vdi        *VDIResult
		wantFactor float64
	}{
		{
			name:       "no discrimination",
			vdi:        nil,
			wantFactor: baseFactor,
		},
		{
			name:       "trusted high conductor reads shallower",
			vdi:        &VDIResult{Confidence: 0.8, TargetType: TargetHighConductor},
			wantFactor: baseFactor / 1.5,
		},
		{
			name:       "trusted low conductor reads deeper",
			vdi:        &VDIResult{Confidence: 0.8, TargetType: TargetLowConductor},
			wantFactor: baseFactor / 0.8,
		},
		{
			name:       "untrusted classification is ignored",
			vdi:        &VDIResult{Confidence: 0.2, TargetType: TargetHighConductor},
			wantFactor: baseFactor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := e.Estimate(tones, tt.vdi)
			if !within(est.DepthFactor, tt.wantFactor, 1e-9) {
				t.Errorf("DepthFactor = %f, want %f", est.DepthFactor, tt.wantFactor)
			}
		})
	}

	// The normalisation is strong enough to move the category.
	trusted := e.Estimate(tones, &VDIResult{Confidence: 0.8, TargetType: TargetHighConductor})
	untrusted := e.Estimate(tones, &VDIResult{Confidence: 0.2, TargetType: TargetHighConductor})
	if trusted.Category != DepthSurface || untrusted.Category != DepthShallow {
		t.Errorf("categories = %v / %v, want surface / shallow", trusted.Category, untrusted.Category)
	}
}

func TestDepthEstimator_FrequencyRatio(t *testing.T) {
	e := NewDepthEstimator()
	base := math.Pow(0.5, -0.35)

	tests := []struct {
		name       string
		tones      []ToneAnalysis
		wantFactor float64
	}{
		{
			// Two channels cannot form thirds; the ratio pins at 1.
			name:       "two tones use neutral ratio",
			tones:      depthTones(0.9, 0.1),
			wantFactor: base,
		},
		{
			name:       "steep rolloff clamps at upper bound",
			tones:      depthTones(0.9, 0.5, 0.1),
			wantFactor: base * 2.5,
		},
		{
			name:       "inverted rolloff clamps at lower bound",
			tones:      depthTones(0.1, 0.5, 0.9),
			wantFactor: base * 0.8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := e.Estimate(tt.tones, nil)
			if !within(est.DepthFactor, tt.wantFactor, 1e-9) {
				t.Errorf("DepthFactor = %f, want %f", est.DepthFactor, tt.wantFactor)
			}
		})
	}
}

func TestDepthEstimator_ConfidenceBlend(t *testing.T) {
	e := NewDepthEstimator()

	moderate := depthTones(0.3, 0.3, 0.3)
	if got := e.Estimate(moderate, &VDIResult{Confidence: 0.9}).Confidence; !within(got, 0.78, 1e-9) {
		t.Errorf("confidence with vdi 0.9 = %f, want 0.78", got)
	}
	if got := e.Estimate(moderate, nil).Confidence; !within(got, 0.54, 1e-9) {
		t.Errorf("confidence without vdi = %f, want 0.54", got)
	}

	// Strong signal with confident discrimination hits the cap.
	strong := depthTones(0.6, 0.6, 0.6)
	if got := e.Estimate(strong, &VDIResult{Confidence: 0.9}).Confidence; got != MaxDepthConfidence {
		t.Errorf("capped confidence = %f, want %f", got, MaxDepthConfidence)
	}
}

func TestDepthEstimator_Calibrate(t *testing.T) {
	e := NewDepthEstimator()
	tones := depthTones(0.2, 0.2, 0.2)
	if got, want := e.Calibrate(tones, nil), math.Pow(0.2, -0.35); !within(got, want, 1e-9) {
		t.Errorf("Calibrate = %f, want %f", got, want)
	}
}

func TestDepthCategory_JSON(t *testing.T) {
	data, err := json.Marshal(DepthMedium)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"medium"` {
		t.Errorf("Marshal = %s, want \"medium\"", data)
	}

	var c DepthCategory
	if err := json.Unmarshal([]byte(`"deep"`), &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c != DepthDeep {
		t.Errorf("Unmarshal = %v, want deep", c)
	}

	if err := json.Unmarshal([]byte(`"bottomless"`), &c); err == nil {
		t.Error("Unmarshal accepted an unknown category")
	}
}

func TestDepthCategory_Names(t *testing.T) {
	for c, name := range map[DepthCategory]string{
		DepthSurface:  "surface",
		DepthShallow:  "shallow",
		DepthMedium:   "medium",
		DepthDeep:     "deep",
		DepthVeryDeep: "very_deep",
	} {
		if c.String() != name {
			t.Errorf("%d.String() = %q, want %q", int(c), c.String(), name)
		}
		parsed, err := ParseDepthCategory(name)
		if err != nil || parsed != c {
			t.Errorf("ParseDepthCategory(%q) = %v, %v", name, parsed, err)
		}
	}
	if DepthCategory(9).String() != "depth(9)" {
		t.Errorf("out-of-range String() = %q", DepthCategory(9).String())
	}
}
