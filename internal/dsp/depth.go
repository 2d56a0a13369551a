package dsp

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// DepthCategory is an ordinal burial depth class. Categories are ordered
// shallowest to deepest; the integer values express that ordering.
type DepthCategory int

const (
	DepthSurface DepthCategory = iota
	DepthShallow
	DepthMedium
	DepthDeep
	DepthVeryDeep
)

var depthCategoryNames = map[DepthCategory]string{
	DepthSurface:  "surface",
	DepthShallow:  "shallow",
	DepthMedium:   "medium",
	DepthDeep:     "deep",
	DepthVeryDeep: "very_deep",
}

func (c DepthCategory) String() string {
	if name, ok := depthCategoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("depth(%d)", int(c))
}

// MarshalJSON emits the category name so API and storage rows stay
// readable.
func (c DepthCategory) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts a category name.
func (c *DepthCategory) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseDepthCategory(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseDepthCategory converts a category name back to its ordinal value.
func ParseDepthCategory(name string) (DepthCategory, error) {
	for c, n := range depthCategoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown depth category %q", name)
}

// DepthEstimate is the ordinal depth result for one emitted frame.
type DepthEstimate struct {
	Category DepthCategory `json:"category"`
	// Confidence is capped at MaxDepthConfidence, below the VDI ceiling.
	Confidence float64 `json:"confidence"`
	// DepthFactor grows monotonically with estimated depth.
	DepthFactor float64 `json:"depth_factor"`
	// Amplitude is the average signal amplitude the estimate used.
	Amplitude float64 `json:"amplitude"`
}

// Depth estimation constants. The amplitude exponent approximates the
// inverse of a cubic field falloff with empirical tuning; do not re-derive
// it without calibration data.
const (
	// MinReliableAmplitude is the signal floor below which depth cannot
	// be estimated and the sentinel factor is reported.
	MinReliableAmplitude = 0.02

	depthAmplitudeExponent = 0.35

	// DepthFactorSentinel marks an estimate with no usable signal.
	DepthFactorSentinel = 999.0

	unreliableDepthConfidence = 0.1

	// Frequency ratio bounds. The ratio of low-band to high-band response
	// grows with depth as the soil attenuates high frequencies faster.
	freqRatioMin = 0.8
	freqRatioMax = 2.5

	// sizeNormTrustConfidence gates use of the VDI class for target size
	// normalisation.
	sizeNormTrustConfidence = 0.4

	// Category thresholds on depth factor.
	surfaceMaxFactor = 1.2
	shallowMaxFactor = 2.2
	mediumMaxFactor  = 3.8
	deepMaxFactor    = 6.0

	// MaxDepthConfidence caps depth confidence below the VDI ceiling.
	MaxDepthConfidence = 0.9

	// absentVDIConfidence substitutes when no VDI result accompanies the
	// estimate.
	absentVDIConfidence = 0.5

	depthConfidenceVDIWeight       = 0.6
	depthConfidenceAmplitudeWeight = 0.4
)

// sizeNormalization compensates the depth factor for expected target
// size by VDI class: large high conductors read strong for their depth,
// small low conductors read weak.
var sizeNormalization = map[TargetType]float64{
	TargetHighConductor: 1.5,
	TargetMidConductor:  1.2,
	TargetFerrous:       1.3,
	TargetGoldRange:     1.0,
	TargetLowConductor:  0.8,
	TargetUnknown:       1.0,
}

// DepthEstimator derives an ordinal depth category from signal amplitude,
// the low/high frequency response ratio, and the VDI-implied target size.
type DepthEstimator struct{}

// NewDepthEstimator creates a depth estimator.
func NewDepthEstimator() *DepthEstimator {
	return &DepthEstimator{}
}

// Estimate computes a DepthEstimate from a balanced analysis vector and
// an optional discrimination result. Empty input and sub-floor amplitudes
// degrade to very deep with the sentinel factor rather than erroring.
func (e *DepthEstimator) Estimate(tones []ToneAnalysis, vdi *VDIResult) DepthEstimate {
	if len(tones) == 0 {
		return DepthEstimate{Category: DepthVeryDeep, DepthFactor: DepthFactorSentinel}
	}

	avgAmp := meanAmplitude(tones)
	if avgAmp < MinReliableAmplitude {
		return DepthEstimate{
			Category:    DepthVeryDeep,
			Confidence:  unreliableDepthConfidence,
			DepthFactor: DepthFactorSentinel,
			Amplitude:   avgAmp,
		}
	}

	factor := math.Pow(avgAmp, -depthAmplitudeExponent) * frequencyRatio(tones) / e.sizeNorm(vdi)

	vdiConf := absentVDIConfidence
	if vdi != nil {
		vdiConf = vdi.Confidence
	}
	confidence := clampFloat(
		depthConfidenceVDIWeight*vdiConf+
			depthConfidenceAmplitudeWeight*clampFloat(avgAmp*2, 0, 1),
		0, MaxDepthConfidence)

	return DepthEstimate{
		Category:    categoryForFactor(factor),
		Confidence:  confidence,
		DepthFactor: factor,
		Amplitude:   avgAmp,
	}
}

// Calibrate re-runs estimation and returns the raw depth factor. Offline
// calibration sweeps against known burial depths use it to tune the
// category thresholds; it is not part of the real-time contract.
func (e *DepthEstimator) Calibrate(tones []ToneAnalysis, vdi *VDIResult) float64 {
	return e.Estimate(tones, vdi).DepthFactor
}

// frequencyRatio is the low-third to high-third amplitude ratio, clamped
// to [freqRatioMin, freqRatioMax]. With fewer than three frequencies the
// thirds are not meaningful and the ratio is fixed at 1.
func frequencyRatio(tones []ToneAnalysis) float64 {
	if len(tones) < 3 {
		return 1.0
	}
	third := len(tones) / 3
	amps := make([]float64, len(tones))
	for i, t := range tones {
		amps[i] = t.Amplitude
	}
	lowMean := stat.Mean(amps[:third], nil)
	highMean := stat.Mean(amps[len(amps)-third:], nil)
	if highMean < negligibleAmplitude {
		return 1.0
	}
	return clampFloat(lowMean/highMean, freqRatioMin, freqRatioMax)
}

func (e *DepthEstimator) sizeNorm(vdi *VDIResult) float64 {
	if vdi == nil || vdi.Confidence < sizeNormTrustConfidence {
		return 1.0
	}
	if norm, ok := sizeNormalization[vdi.TargetType]; ok {
		return norm
	}
	return 1.0
}

func categoryForFactor(factor float64) DepthCategory {
	switch {
	case factor < surfaceMaxFactor:
		return DepthSurface
	case factor < shallowMaxFactor:
		return DepthShallow
	case factor < mediumMaxFactor:
		return DepthMedium
	case factor < deepMaxFactor:
		return DepthDeep
	default:
		return DepthVeryDeep
	}
}
