package dsp

import (
	"math"
	"testing"
)

// sineBlock generates n mono samples of amp*cos(2*pi*freq*k/rate + phase)
// starting at absolute sample index start, so consecutive blocks form one
// continuous waveform.
func sineBlock(freq float64, rate, start, n int, amp, phase float64) []float32 {
	samples := make([]float32, n)
	step := 2 * math.Pi * freq / float64(rate)
	for k := range samples {
		samples[k] = float32(amp * math.Cos(float64(start+k)*step+phase))
	}
	return samples
}

func within(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestToneDemodulator_ConvergesToToneAmplitude(t *testing.T) {
	const (
		rate = 48000
		freq = 1000.0
		amp  = 0.5
	)
	d := NewToneDemodulator(freq, rate)

	// 20 blocks of one carrier cycle each. The filter charges from zero,
	// so block-end amplitudes must rise monotonically toward the tone
	// amplitude.
	var amps []float64
	start := 0
	for b := 0; b < 20; b++ {
		res := d.Demodulate(sineBlock(freq, rate, start, 48, amp, 0))
		amps = append(amps, res.Amplitude)
		start += 48
	}

	for i := 1; i < len(amps); i++ {
		if amps[i] < amps[i-1]-1e-6 {
			t.Fatalf("amplitude not monotonic at block %d: %f -> %f", i, amps[i-1], amps[i])
		}
	}

	// Let it settle fully, then check the recovered amplitude and phase.
	final := d.Demodulate(sineBlock(freq, rate, start, rate, amp, 0))
	if !within(final.Amplitude, amp, 0.05*amp) {
		t.Errorf("settled amplitude = %f, want %f within 5%%", final.Amplitude, amp)
	}
	if !within(final.Phase, 0, 0.1) {
		t.Errorf("settled phase = %f, want ~0", final.Phase)
	}
	if final.Frequency != freq {
		t.Errorf("Frequency = %f, want %f", final.Frequency, freq)
	}
}

func TestToneDemodulator_RecoversMixingPhaseOffset(t *testing.T) {
	const (
		rate   = 48000
		freq   = 2500.0
		amp    = 0.8
		offset = math.Pi / 3
	)
	d := NewToneDemodulator(freq, rate)

	res := d.Demodulate(sineBlock(freq, rate, 0, 2*rate, amp, offset))
	if !within(res.Phase, offset, 0.08) {
		t.Errorf("recovered phase = %f, want %f", res.Phase, offset)
	}
	if !within(res.Amplitude, amp, 0.05*amp) {
		t.Errorf("recovered amplitude = %f, want %f", res.Amplitude, amp)
	}
}

func TestToneDemodulator_ZeroInputNeverGrows(t *testing.T) {
	const rate = 48000
	d := NewToneDemodulator(1000, rate)

	// A fresh demodulator fed silence stays exactly at zero.
	res := d.Demodulate(make([]float32, 4800))
	if res.Amplitude != 0 {
		t.Fatalf("fresh demodulator on silence: amplitude = %f, want 0", res.Amplitude)
	}

	// A charged demodulator fed silence must decay, never grow.
	d.Demodulate(sineBlock(1000, rate, 0, rate, 0.5, 0))
	prev := math.Inf(1)
	for b := 0; b < 5; b++ {
		res = d.Demodulate(make([]float32, 4800))
		if res.Amplitude > prev+1e-12 {
			t.Fatalf("silence grew amplitude at block %d: %f -> %f", b, prev, res.Amplitude)
		}
		prev = res.Amplitude
	}
}

func TestToneDemodulator_EmptyBlockKeepsState(t *testing.T) {
	const rate = 48000
	d := NewToneDemodulator(1000, rate)

	before := d.Demodulate(sineBlock(1000, rate, 0, rate, 0.3, 0))
	after := d.Demodulate(nil)
	if after != before {
		t.Errorf("empty block changed state: before %+v, after %+v", before, after)
	}
}

func TestToneDemodulator_Reset(t *testing.T) {
	const rate = 48000
	d := NewToneDemodulator(1000, rate)

	d.Demodulate(sineBlock(1000, rate, 0, rate, 0.5, 0))
	d.Reset()

	res := d.Demodulate(nil)
	if res.Amplitude != 0 || res.InPhase != 0 || res.Quadrature != 0 {
		t.Errorf("state after reset = %+v, want zeroed", res)
	}
}

func TestMultiFrequencyDemodulator_ChannelOrder(t *testing.T) {
	freqs := []float64{1000, 2500, 5000}
	m := NewMultiFrequencyDemodulator(freqs, 48000)

	if m.ToneCount() != 3 {
		t.Fatalf("ToneCount = %d, want 3", m.ToneCount())
	}

	out := m.DemodulateBlock(make([]float32, 480))
	if len(out) != 3 {
		t.Fatalf("DemodulateBlock returned %d analyses, want 3", len(out))
	}
	for i, f := range freqs {
		if out[i].Frequency != f {
			t.Errorf("channel %d frequency = %f, want %f", i, out[i].Frequency, f)
		}
	}

	// The returned frequency slice is a copy.
	got := m.Frequencies()
	got[0] = 999999
	if m.Frequencies()[0] != 1000 {
		t.Error("Frequencies() exposed internal state")
	}
}

func TestMultiFrequencyDemodulator_IsolatesChannels(t *testing.T) {
	const (
		rate = 48000
		amp  = 0.5
	)
	m := NewMultiFrequencyDemodulator([]float64{1000, 2500, 5000}, rate)

	// One second of a pure 1 kHz tone: the matched channel recovers the
	// amplitude, the others see only filter leakage.
	out := m.DemodulateBlock(sineBlock(1000, rate, 0, rate, amp, 0))

	if !within(out[0].Amplitude, amp, 0.05*amp) {
		t.Errorf("matched channel amplitude = %f, want ~%f", out[0].Amplitude, amp)
	}
	for _, i := range []int{1, 2} {
		if out[i].Amplitude > 0.2*amp {
			t.Errorf("channel %d (%.0f Hz) leaked amplitude %f from 1 kHz tone",
				i, out[i].Frequency, out[i].Amplitude)
		}
	}
}

func TestMultiFrequencyDemodulator_Reset(t *testing.T) {
	const rate = 48000
	m := NewMultiFrequencyDemodulator([]float64{1000, 5000}, rate)

	m.DemodulateBlock(sineBlock(1000, rate, 0, rate, 0.5, 0))
	m.Reset()

	out := m.DemodulateBlock(nil)
	for i, tone := range out {
		if tone.Amplitude != 0 {
			t.Errorf("channel %d amplitude after reset = %f, want 0", i, tone.Amplitude)
		}
	}
}
