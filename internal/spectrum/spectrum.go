// Package spectrum computes display spectra and carrier diagnostics from
// raw sample blocks. It sits outside the detection chain: the demodulator
// never consults it. The monitor's spectrum endpoint and the calibration
// tooling are the consumers.
package spectrum

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
)

const minFFTSize = 16

// Analyzer turns sample blocks into single-sided amplitude spectra. The
// Hann window and its normalisation are precomputed once; methods are
// safe for concurrent use because no per-call state is retained.
type Analyzer struct {
	sampleRate float64
	fftSize    int
	window     []float64
	windowSum  float64
}

// NewAnalyzer builds an analyzer for the given rate and FFT length. The
// length must be even and at least 16; powers of two transform fastest
// but any even length works.
func NewAnalyzer(sampleRate, fftSize int) (*Analyzer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if fftSize < minFFTSize || fftSize%2 != 0 {
		return nil, fmt.Errorf("invalid FFT size %d: must be even and >= %d", fftSize, minFFTSize)
	}

	window := make([]float64, fftSize)
	sum := 0.0
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
		sum += window[i]
	}
	return &Analyzer{
		sampleRate: float64(sampleRate),
		fftSize:    fftSize,
		window:     window,
		windowSum:  sum,
	}, nil
}

// BinWidth returns the frequency resolution in Hz per bin.
func (a *Analyzer) BinWidth() float64 {
	return a.sampleRate / float64(a.fftSize)
}

// FFTSize returns the configured transform length.
func (a *Analyzer) FFTSize() int {
	return a.fftSize
}

// Magnitudes computes the single-sided amplitude spectrum of the most
// recent fftSize samples. Shorter input is zero padded. The scaling is
// amplitude correct for on-bin carriers: a full block of A*cos reads A
// at its bin.
func (a *Analyzer) Magnitudes(samples []float32) []float64 {
	input := make([]float64, a.fftSize)
	src := samples
	if len(src) > a.fftSize {
		src = src[len(src)-a.fftSize:]
	}
	for i, s := range src {
		input[i] = float64(s) * a.window[i]
	}

	bins := fft.FFTReal(input)
	half := a.fftSize / 2
	mags := make([]float64, half)
	scale := 2 / a.windowSum
	mags[0] = math.Hypot(real(bins[0]), imag(bins[0])) / a.windowSum
	for k := 1; k < half; k++ {
		mags[k] = math.Hypot(real(bins[k]), imag(bins[k])) * scale
	}
	return mags
}

// DominantFrequency finds the strongest component between minFreq and
// maxFreq and refines its position by parabolic interpolation over the
// neighbouring bins. It returns the interpolated frequency in Hz and the
// peak bin amplitude; both are zero when the range holds no signal.
func (a *Analyzer) DominantFrequency(samples []float32, minFreq, maxFreq float64) (float64, float64) {
	mags := a.Magnitudes(samples)
	binWidth := a.BinWidth()

	start := int(minFreq / binWidth)
	end := int(maxFreq / binWidth)
	if start < 1 {
		start = 1 // skip DC
	}
	if end > len(mags)-1 {
		end = len(mags) - 1
	}

	maxMag := 0.0
	maxIndex := -1
	for i := start; i <= end; i++ {
		if mags[i] > maxMag {
			maxMag = mags[i]
			maxIndex = i
		}
	}
	if maxIndex < 0 {
		return 0, 0
	}

	freq := float64(maxIndex) * binWidth
	if maxIndex > 0 && maxIndex < len(mags)-1 {
		alpha := mags[maxIndex-1]
		beta := mags[maxIndex]
		gamma := mags[maxIndex+1]
		if denom := alpha - 2*beta + gamma; denom != 0 {
			p := 0.5 * (alpha - gamma) / denom
			freq = (float64(maxIndex) + p) * binWidth
		}
	}
	return freq, maxMag
}

// CarrierLevels reads the amplitude at the bin nearest each carrier
// frequency. Off-bin carriers read a little low from scalloping loss;
// the levels are a drive diagnostic, not a measurement.
func (a *Analyzer) CarrierLevels(samples []float32, carriers []float64) []float64 {
	mags := a.Magnitudes(samples)
	binWidth := a.BinWidth()

	levels := make([]float64, len(carriers))
	for i, f := range carriers {
		bin := int(math.Round(f / binWidth))
		if bin < 0 || bin >= len(mags) {
			continue
		}
		levels[i] = mags[bin]
	}
	return levels
}

// Snapshot is the monitor-facing spectrum payload. Magnitudes[k] covers
// the band k*BinWidthHz.
type Snapshot struct {
	SampleRate    int       `json:"sample_rate"`
	FFTSize       int       `json:"fft_size"`
	BinWidthHz    float64   `json:"bin_width_hz"`
	PeakFrequency float64   `json:"peak_frequency"`
	PeakAmplitude float64   `json:"peak_amplitude"`
	Magnitudes    []float64 `json:"magnitudes"`
}

// Snapshot analyses one block for display. The peak search spans the
// whole band above DC.
func (a *Analyzer) Snapshot(samples []float32) Snapshot {
	mags := a.Magnitudes(samples)
	binWidth := a.BinWidth()

	peakIdx := 1
	for i := 2; i < len(mags); i++ {
		if mags[i] > mags[peakIdx] {
			peakIdx = i
		}
	}
	return Snapshot{
		SampleRate:    int(a.sampleRate),
		FFTSize:       a.fftSize,
		BinWidthHz:    binWidth,
		PeakFrequency: float64(peakIdx) * binWidth,
		PeakAmplitude: mags[peakIdx],
		Magnitudes:    mags,
	}
}
