package dsp

import "math"

// filterAlpha is the coefficient of the single-pole low-pass applied to
// the mixer outputs. Fixed at 0.01, which approximates a ~10 Hz effective
// bandwidth at typical block and callback rates.
const filterAlpha = 0.01

// ToneDemodulator extracts the filtered in-phase and quadrature response
// at a single transmit frequency via continuous quadrature mixing.
//
// The demodulator is a continuous-time filter, not a per-block transform:
// the mixer phase accumulator and filter state persist across blocks so
// consecutive blocks are processed as one unbroken stream. Instances are
// not safe for concurrent use.
type ToneDemodulator struct {
	frequency  float64
	sampleRate float64

	// phaseStep is the mixer phase advance per sample, 2*pi*f/sr.
	phaseStep float64

	// Running state. phase is the mixer phase accumulator wrapped to
	// [0, 2*pi); iFiltered/qFiltered are the low-pass filter outputs.
	phase     float64
	iFiltered float64
	qFiltered float64
}

// NewToneDemodulator creates a demodulator for the given transmit
// frequency and sample rate, both in Hz. Frequencies at or above Nyquist
// alias undetected; the caller owns that contract.
func NewToneDemodulator(frequency float64, sampleRate int) *ToneDemodulator {
	return &ToneDemodulator{
		frequency:  frequency,
		sampleRate: float64(sampleRate),
		phaseStep:  2 * math.Pi * frequency / float64(sampleRate),
	}
}

// Frequency returns the transmit frequency in Hz.
func (d *ToneDemodulator) Frequency() float64 { return d.frequency }

// Demodulate consumes one block of mono samples and returns the filtered
// response. An empty block performs no work and returns the prior state.
func (d *ToneDemodulator) Demodulate(samples []float32) ToneAnalysis {
	phase := d.phase
	iF := d.iFiltered
	qF := d.qFiltered

	for _, s := range samples {
		x := float64(s)
		i := x * math.Cos(phase)
		q := -x * math.Sin(phase)

		iF += filterAlpha * (i - iF)
		qF += filterAlpha * (q - qF)

		phase += d.phaseStep
		if phase >= 2*math.Pi {
			phase -= 2 * math.Pi
		}
	}

	d.phase = phase
	d.iFiltered = iF
	d.qFiltered = qF

	return toneFromIQ(d.frequency, iF, qF)
}

// Reset zeroes the phase accumulator and filter state.
func (d *ToneDemodulator) Reset() {
	d.phase = 0
	d.iFiltered = 0
	d.qFiltered = 0
}

// MultiFrequencyDemodulator runs N independent ToneDemodulators over the
// same sample block, producing one ToneAnalysis per configured frequency.
// There is no cross-frequency coupling at this stage.
type MultiFrequencyDemodulator struct {
	demodulators []*ToneDemodulator
	frequencies  []float64
}

// NewMultiFrequencyDemodulator creates one demodulator per frequency, all
// sharing the given sample rate. The frequency order is preserved in every
// returned analysis vector.
func NewMultiFrequencyDemodulator(frequencies []float64, sampleRate int) *MultiFrequencyDemodulator {
	m := &MultiFrequencyDemodulator{
		demodulators: make([]*ToneDemodulator, len(frequencies)),
		frequencies:  append([]float64(nil), frequencies...),
	}
	for i, f := range frequencies {
		m.demodulators[i] = NewToneDemodulator(f, sampleRate)
	}
	return m
}

// Frequencies returns the configured transmit frequencies in channel order.
func (m *MultiFrequencyDemodulator) Frequencies() []float64 {
	return append([]float64(nil), m.frequencies...)
}

// ToneCount returns the number of configured frequencies.
func (m *MultiFrequencyDemodulator) ToneCount() int { return len(m.demodulators) }

// DemodulateBlock runs every channel over the block and returns the
// per-frequency analysis vector in channel order.
func (m *MultiFrequencyDemodulator) DemodulateBlock(samples []float32) []ToneAnalysis {
	out := make([]ToneAnalysis, len(m.demodulators))
	for i, d := range m.demodulators {
		out[i] = d.Demodulate(samples)
	}
	return out
}

// Reset zeroes every channel's demodulator state.
func (m *MultiFrequencyDemodulator) Reset() {
	for _, d := range m.demodulators {
		d.Reset()
	}
}
