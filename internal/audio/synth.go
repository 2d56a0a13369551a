package audio

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"
)

// Synthetic response model constants.
const (
	// conductivitySpread scales how strongly a target's conductivity tilts
	// its response across the frequency span. At the maximum tilt the top
	// of the band responds about e times the middle.
	conductivitySpread = 2.0

	// groundLowBias attenuates the ground response toward the top of the
	// band. Mineralised soil couples hardest at low frequencies.
	groundLowBias = 0.5

	// envelopeCutoffSigmas gates targets whose sweep envelope is far
	// enough from its centre to contribute nothing audible.
	envelopeCutoffSigmas = 4.0
)

// SynthTarget describes one buried object swept during a synthetic pass.
// Conductivity in [0, 1] shifts the response energy toward higher
// frequencies; the phase slope is in degrees per kHz and goes strongly
// negative for ferrous objects.
type SynthTarget struct {
	Label        string
	CentreTime   float64 // seconds into the pass when the coil is over the target
	SweepWidth   float64 // Gaussian sigma of the sweep envelope in seconds
	Strength     float64 // peak mid-band response amplitude
	Conductivity float64
	PhaseSlope   float64
}

// GroundModel is a constant mineralisation response mixed under every
// block so ground balancing has something real to cancel.
type GroundModel struct {
	Strength float64 // low-band response amplitude
	PhaseDeg float64 // response phase in degrees
}

// SynthConfig configures a synthetic source.
type SynthConfig struct {
	SampleRate  int       // Hz, default 48000
	BlockSize   int       // frames per Read, default 1024
	Frequencies []float64 // transmit plan, required
	Duration    float64   // seconds per pass; <= 0 runs forever
	Loop        bool      // restart the pass at the end instead of EOF
	Realtime    bool      // pace Reads at the sample rate
	NoiseLevel  float64   // Gaussian noise sigma added per sample
	Seed        int64     // noise RNG seed; 0 seeds from the clock
	Ground      *GroundModel
	Targets     []SynthTarget
}

// SynthSource generates multi-frequency detector scenarios: a ground
// response plus Gaussian target sweeps, reproducible under a fixed seed.
type SynthSource struct {
	cfg   SynthConfig
	rng   *rand.Rand
	total int // samples per pass, 0 when endless

	// Per-frequency oscillator state
	phases     []float64
	phaseSteps []float64

	// Precomputed per-component responses
	targetAmps   [][]float64 // [target][frequency]
	targetPhases [][]float64 // radians
	groundAmps   []float64
	groundPhase  float64

	position int // sample index within the current pass
	deadline time.Time
}

// NewSynthSource builds a synthetic source from the config.
func NewSynthSource(cfg SynthConfig) (*SynthSource, error) {
	if len(cfg.Frequencies) == 0 {
		return nil, fmt.Errorf("synthetic source requires at least one frequency")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &SynthSource{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(seed)),
		phases:     make([]float64, len(cfg.Frequencies)),
		phaseSteps: make([]float64, len(cfg.Frequencies)),
	}
	if cfg.Duration > 0 {
		s.total = int(math.Round(cfg.Duration * float64(cfg.SampleRate)))
	}
	for i, f := range cfg.Frequencies {
		s.phaseSteps[i] = 2 * math.Pi * f / float64(cfg.SampleRate)
	}

	s.precomputeResponses()
	return s, nil
}

// precomputeResponses turns the target and ground models into fixed
// per-frequency amplitude and phase tables.
func (s *SynthSource) precomputeResponses() {
	freqs := s.cfg.Frequencies
	fMin := freqs[0]
	fMax := freqs[len(freqs)-1]
	span := fMax - fMin

	// pos maps a frequency onto [0, 1] across the transmit span
	pos := func(f float64) float64 {
		if span <= 0 {
			return 0.5
		}
		return (f - fMin) / span
	}

	s.targetAmps = make([][]float64, len(s.cfg.Targets))
	s.targetPhases = make([][]float64, len(s.cfg.Targets))
	for ti, target := range s.cfg.Targets {
		amps := make([]float64, len(freqs))
		phases := make([]float64, len(freqs))
		tilt := conductivitySpread * (2*target.Conductivity - 1)
		for fi, f := range freqs {
			amps[fi] = target.Strength * math.Exp(tilt*(pos(f)-0.5))
			phases[fi] = target.PhaseSlope * (f - fMin) / 1000 * math.Pi / 180
		}
		s.targetAmps[ti] = amps
		s.targetPhases[ti] = phases
	}

	if g := s.cfg.Ground; g != nil {
		s.groundAmps = make([]float64, len(freqs))
		for fi, f := range freqs {
			s.groundAmps[fi] = g.Strength * (1 - groundLowBias*pos(f))
		}
		s.groundPhase = g.PhaseDeg * math.Pi / 180
	}
}

// Read generates the next block. When a finite pass ends it returns io.EOF,
// or restarts the pass when looping is enabled. Oscillator phases run
// continuously across the loop seam so the carriers never click.
func (s *SynthSource) Read() ([]float32, error) {
	if s.total > 0 && s.position >= s.total {
		if !s.cfg.Loop {
			return nil, io.EOF
		}
		s.position = 0
	}

	n := s.cfg.BlockSize
	if s.total > 0 && !s.cfg.Loop && s.position+n > s.total {
		n = s.total - s.position
	}

	rate := float64(s.cfg.SampleRate)
	block := make([]float32, n)
	for k := range block {
		t := float64(s.position+k) / rate
		v := 0.0

		for fi := range s.cfg.Frequencies {
			if s.groundAmps != nil {
				v += s.groundAmps[fi] * math.Cos(s.phases[fi]+s.groundPhase)
			}
			for ti := range s.cfg.Targets {
				target := &s.cfg.Targets[ti]
				dt := t - target.CentreTime
				if math.Abs(dt) > envelopeCutoffSigmas*target.SweepWidth {
					continue
				}
				env := math.Exp(-dt * dt / (2 * target.SweepWidth * target.SweepWidth))
				v += s.targetAmps[ti][fi] * env * math.Cos(s.phases[fi]+s.targetPhases[ti][fi])
			}

			s.phases[fi] += s.phaseSteps[fi]
			if s.phases[fi] >= 2*math.Pi {
				s.phases[fi] -= 2 * math.Pi
			}
		}

		if s.cfg.NoiseLevel > 0 {
			v += s.rng.NormFloat64() * s.cfg.NoiseLevel
		}
		block[k] = float32(v)
	}
	s.position += n

	if s.cfg.Realtime {
		s.paceBlock(n)
	}
	return block, nil
}

// paceBlock sleeps until the block's scheduled delivery time, accumulating
// deadlines so jitter does not drift the effective rate.
func (s *SynthSource) paceBlock(frames int) {
	blockDur := time.Duration(float64(frames) / float64(s.cfg.SampleRate) * float64(time.Second))
	if s.deadline.IsZero() {
		s.deadline = time.Now()
	}
	s.deadline = s.deadline.Add(blockDur)
	if wait := time.Until(s.deadline); wait > 0 {
		time.Sleep(wait)
	}
}

// SampleRate returns the configured sample rate in Hz.
func (s *SynthSource) SampleRate() int {
	return s.cfg.SampleRate
}

// Close is a no-op for the synthetic source.
func (s *SynthSource) Close() error {
	return nil
}

// DemoScenario returns a looping test-garden pass: a silver coin, an iron
// nail and a gold ring swept in sequence over mildly mineralised ground.
func DemoScenario() SynthConfig {
	return SynthConfig{
		Duration: 14,
		Loop:     true,
		Realtime: true,
		Ground:   &GroundModel{Strength: 0.06, PhaseDeg: 168},
		Targets: []SynthTarget{
			{Label: "silver coin", CentreTime: 3, SweepWidth: 0.25, Strength: 0.5, Conductivity: 0.9, PhaseSlope: 2},
			{Label: "iron nail", CentreTime: 7, SweepWidth: 0.3, Strength: 0.35, Conductivity: 0.5, PhaseSlope: -8},
			{Label: "gold ring", CentreTime: 11, SweepWidth: 0.25, Strength: 0.3, Conductivity: 0.5, PhaseSlope: 1.5},
		},
		NoiseLevel: 0.002,
	}
}
