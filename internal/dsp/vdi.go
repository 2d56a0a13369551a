package dsp

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TargetType is the categorical classification of a discriminated target.
type TargetType string

const (
	// TargetFerrous indicates iron and steel (nails, bottle caps).
	TargetFerrous TargetType = "ferrous"
	// TargetLowConductor indicates foil, small gold, fine jewellery.
	TargetLowConductor TargetType = "low_conductor"
	// TargetMidConductor indicates mid-range alloys (zinc, brass, tabs).
	TargetMidConductor TargetType = "mid_conductor"
	// TargetGoldRange indicates the band where gold items typically read.
	TargetGoldRange TargetType = "gold_range"
	// TargetHighConductor indicates copper and silver (coins, relics).
	TargetHighConductor TargetType = "high_conductor"
	// TargetUnknown indicates no confident classification.
	TargetUnknown TargetType = "unknown"
)

// Discrimination thresholds. The VDI band edges and the slope gate come
// from field calibration against common targets; the amplitude nudge
// values are intentional tuning, not derived quantities.
const (
	// VDI band edges.
	FerrousVDIMax       = 30
	LowConductorVDIMax  = 45
	MidConductorVDIMin  = 46
	MidConductorVDIMax  = 69
	GoldRangeVDIMin     = 50
	HighConductorVDIMin = 70

	// FerrousSlopeMax is the phase slope (deg/kHz) below which a low-VDI
	// reading is called ferrous.
	FerrousSlopeMax = -3.0

	// ferrousSlopeFullScale is the negative slope magnitude mapped to the
	// bottom of the ferrous VDI band.
	ferrousSlopeFullScale = 10.0

	// MinPhaseConsistency gates classification: below it the reading is
	// reported unknown regardless of VDI.
	MinPhaseConsistency = 0.3

	// Amplitude nudge: strong signals read slightly high, weak ones
	// slightly low. Empirically tuned offsets.
	strongSignalAmplitude = 0.5
	weakSignalAmplitude   = 0.1
	amplitudeNudge        = 5

	// phaseConsistencySpreadDeg is the phase standard deviation (degrees)
	// at which consistency reaches zero.
	phaseConsistencySpreadDeg = 90.0

	// negligibleAmplitude guards ratio denominators.
	negligibleAmplitude = 1e-6

	// Confidence blend weights: phase consistency dominates amplitude.
	confidenceAmplitudeWeight   = 0.3
	confidenceConsistencyWeight = 0.7

	// neutralVDI is reported for degenerate input.
	neutralVDI = 50
)

// VDIResult is one discrimination outcome for an emitted frame. Results
// are immutable; each frame produces a fresh value.
type VDIResult struct {
	// VDI is the 0-99 discrimination index.
	VDI int `json:"vdi"`
	// Confidence is the blended confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// TargetType is the categorical classification.
	TargetType TargetType `json:"target_type"`
	// PhaseSlope is the endpoint phase slope in degrees per kHz.
	PhaseSlope float64 `json:"phase_slope"`
	// ConductivityIndex is the normalised high/low response ratio in [0, 1].
	ConductivityIndex float64 `json:"conductivity_index"`
	// Depth is attached by the depth estimator when available.
	Depth *DepthEstimate `json:"depth,omitempty"`
}

// classificationRule pairs a predicate with the type it classifies.
// Rules are evaluated strictly top to bottom and the first match wins, so
// band overlaps (gold vs mid, the boundary at 70) resolve by position in
// the list, never by arithmetic.
type classificationRule struct {
	matches func(vdi int, slope, consistency float64) bool
	target  TargetType
}

// Discriminator derives VDI, classification and confidence from a
// balanced multi-frequency analysis vector.
type Discriminator struct {
	rules []classificationRule
}

// NewDiscriminator creates a discriminator with the standard rule order:
// consistency gate, ferrous, low conductor, high conductor, gold range,
// mid conductor.
func NewDiscriminator() *Discriminator {
	return &Discriminator{
		rules: []classificationRule{
			{
				matches: func(_ int, _ float64, consistency float64) bool {
					return consistency < MinPhaseConsistency
				},
				target: TargetUnknown,
			},
			{
				matches: func(vdi int, slope float64, _ float64) bool {
					return vdi <= FerrousVDIMax && slope < FerrousSlopeMax
				},
				target: TargetFerrous,
			},
			{
				matches: func(vdi int, _ float64, _ float64) bool {
					return vdi <= LowConductorVDIMax
				},
				target: TargetLowConductor,
			},
			{
				matches: func(vdi int, _ float64, _ float64) bool {
					return vdi >= HighConductorVDIMin
				},
				target: TargetHighConductor,
			},
			{
				matches: func(vdi int, _ float64, _ float64) bool {
					return vdi >= GoldRangeVDIMin && vdi < HighConductorVDIMin
				},
				target: TargetGoldRange,
			},
			{
				matches: func(vdi int, _ float64, _ float64) bool {
					return vdi >= MidConductorVDIMin && vdi <= MidConductorVDIMax
				},
				target: TargetMidConductor,
			},
		},
	}
}

// Discriminate computes a VDIResult from a balanced analysis vector
// sorted ascending by frequency. Vectors with fewer than two entries
// produce the neutral result (VDI 50, unknown, zero confidence).
func (dc *Discriminator) Discriminate(tones []ToneAnalysis) VDIResult {
	if len(tones) < 2 {
		return VDIResult{VDI: neutralVDI, TargetType: TargetUnknown}
	}

	slope := phaseSlopeDegPerKHz(tones)
	conductivity := conductivityIndex(tones)
	consistency := phaseConsistency(tones)
	avgAmp := meanAmplitude(tones)

	vdi := rawVDI(slope, conductivity)
	switch {
	case avgAmp > strongSignalAmplitude:
		vdi += amplitudeNudge
	case avgAmp < weakSignalAmplitude:
		vdi -= amplitudeNudge
	}
	vdi = clampInt(vdi, 0, 99)

	target := TargetUnknown
	for _, rule := range dc.rules {
		if rule.matches(vdi, slope, consistency) {
			target = rule.target
			break
		}
	}

	confidence := confidenceAmplitudeWeight*clampFloat(avgAmp, 0, 1) +
		confidenceConsistencyWeight*consistency

	return VDIResult{
		VDI:               vdi,
		Confidence:        confidence,
		TargetType:        target,
		PhaseSlope:        slope,
		ConductivityIndex: conductivity,
	}
}

// phaseSlopeDegPerKHz is the endpoint slope of received phase across the
// configured band: degrees of phase change per kHz of frequency change,
// measured between the lowest and highest channels only.
func phaseSlopeDegPerKHz(tones []ToneAnalysis) float64 {
	lo := tones[0]
	hi := tones[len(tones)-1]
	spanKHz := (hi.Frequency - lo.Frequency) / 1000
	if spanKHz == 0 {
		return 0
	}
	return (degrees(hi.Phase) - degrees(lo.Phase)) / spanKHz
}

// conductivityIndex compares the mean amplitude of the top third of the
// band against the bottom third. Good conductors respond relatively
// better at high frequency, pushing the index toward 1.
func conductivityIndex(tones []ToneAnalysis) float64 {
	third := len(tones) / 3
	if third < 1 {
		third = 1
	}
	lowAmp := meanAmplitude(tones[:third])
	highAmp := meanAmplitude(tones[len(tones)-third:])

	ratio := 1.0
	if lowAmp > negligibleAmplitude {
		ratio = highAmp / lowAmp
	}
	return clampFloat(ratio, 0, 2) / 2
}

// phaseConsistency measures how uniform the phase response is across the
// band: 1 at perfectly uniform phase, 0 once the population standard
// deviation reaches phaseConsistencySpreadDeg. A discrete target produces
// consistent phase; noise and competing signals do not.
func phaseConsistency(tones []ToneAnalysis) float64 {
	phases := make([]float64, len(tones))
	for i, t := range tones {
		phases[i] = degrees(t.Phase)
	}
	spread := stat.PopStdDev(phases, nil)
	return clampFloat(1-spread/phaseConsistencySpreadDeg, 0, 1)
}

// rawVDI maps slope and conductivity to the 0-99 scale before the
// amplitude nudge. Negative slopes walk down the ferrous band (steeper
// negative slope reads lower); non-negative slopes spread the conductors
// across the remaining scale by conductivity.
func rawVDI(slope, conductivity float64) int {
	if slope < 0 {
		normalizedSlope := clampFloat(slope/-ferrousSlopeFullScale, 0, 1)
		return int(math.Round(float64(FerrousVDIMax) * (1 - normalizedSlope)))
	}
	return int(math.Round(float64(FerrousVDIMax) + conductivity*69))
}

func degrees(radians float64) float64 {
	return radians * 180 / math.Pi
}
