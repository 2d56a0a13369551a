// Package dsp implements the detector's signal chain: multi-frequency
// quadrature demodulation, ground mineralisation cancellation, VDI target
// discrimination, and ordinal depth estimation, orchestrated per sample
// block by Pipeline.
package dsp

import "math"

// ToneAnalysis is the demodulated response at one transmit frequency for
// one sample block. Values are immutable once produced; each demodulation
// call returns a fresh value.
type ToneAnalysis struct {
	// Frequency is the transmit frequency in Hz, fixed per channel.
	Frequency float64 `json:"frequency"`
	// Amplitude is proportional to received signal strength, >= 0.
	Amplitude float64 `json:"amplitude"`
	// Phase is the received phase in radians, wrapped to [-pi, pi].
	Phase float64 `json:"phase"`
	// InPhase and Quadrature are the filtered mixer outputs the amplitude
	// and phase are derived from.
	InPhase    float64 `json:"in_phase"`
	Quadrature float64 `json:"quadrature"`
}

// GroundBalancePoint is the estimated soil response at one frequency. It
// mirrors ToneAnalysis but represents a baseline rather than a live block.
type GroundBalancePoint struct {
	Frequency  float64 `json:"frequency"`
	InPhase    float64 `json:"in_phase"`
	Quadrature float64 `json:"quadrature"`
	Amplitude  float64 `json:"amplitude"`
	Phase      float64 `json:"phase"`
}

// toneFromIQ builds a ToneAnalysis from filtered I/Q components. The
// factor 2 compensates the mixing loss of the quadrature downconversion.
func toneFromIQ(frequency, i, q float64) ToneAnalysis {
	return ToneAnalysis{
		Frequency:  frequency,
		Amplitude:  2 * math.Hypot(i, q),
		Phase:      math.Atan2(q, i),
		InPhase:    i,
		Quadrature: q,
	}
}

// balancePointFromIQ builds a GroundBalancePoint from averaged I/Q.
// Amplitude and phase are recomputed from the averaged components rather
// than averaged directly, which would smear across phase wraps.
func balancePointFromIQ(frequency, i, q float64) GroundBalancePoint {
	return GroundBalancePoint{
		Frequency:  frequency,
		InPhase:    i,
		Quadrature: q,
		Amplitude:  2 * math.Hypot(i, q),
		Phase:      math.Atan2(q, i),
	}
}

// maxAmplitude returns the largest amplitude in the vector, 0 if empty.
func maxAmplitude(tones []ToneAnalysis) float64 {
	var max float64
	for _, t := range tones {
		if t.Amplitude > max {
			max = t.Amplitude
		}
	}
	return max
}

// meanAmplitude returns the arithmetic mean amplitude, 0 if empty.
func meanAmplitude(tones []ToneAnalysis) float64 {
	if len(tones) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tones {
		sum += t.Amplitude
	}
	return sum / float64(len(tones))
}

// clampFloat clamps value to the range [min, max].
func clampFloat(value, min, max float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

// clampInt clamps value to the range [min, max].
func clampInt(value, min, max int) int {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}
