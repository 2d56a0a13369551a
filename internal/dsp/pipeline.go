package dsp

import (
	"math"
	"sync"
	"time"

	"github.com/haxidermist/FCMD/internal/timeutil"
)

// Pipeline defaults and bounds.
const (
	// DefaultSampleRate is used when the config omits a sample rate.
	DefaultSampleRate = 48000

	// DefaultUpdateRateHz is the default emitted frame rate target.
	DefaultUpdateRateHz = 10.0
	MinUpdateRateHz     = 1.0
	MaxUpdateRateHz     = 60.0

	// minMaterialRateChange is the measured block rate delta (blocks/s)
	// below which the update interval is left alone. Smaller changes are
	// rounding no-ops anyway.
	minMaterialRateChange = 1.0
)

// Result is the composed output of one emitted frame: the balanced
// per-frequency analysis vector plus, when at least two frequencies are
// configured, a discrimination result carrying its depth estimate.
type Result struct {
	Time  time.Time      `json:"time"`
	Tones []ToneAnalysis `json:"tones"`
	VDI   *VDIResult     `json:"vdi,omitempty"`
}

// PipelineConfig holds construction parameters for a Pipeline.
type PipelineConfig struct {
	// Frequencies is the fixed ordered transmit plan in Hz, ascending.
	Frequencies []float64
	// SampleRate in Hz. Zero or negative selects DefaultSampleRate.
	SampleRate int
	// TargetUpdateRate is the desired emitted frame rate in Hz, clamped
	// to [MinUpdateRateHz, MaxUpdateRateHz]. Zero selects the default.
	TargetUpdateRate float64
	// CaptureCapacity bounds the manual ground balance capture ring.
	// Zero selects DefaultCaptureCapacity.
	CaptureCapacity int
	// Clock abstracts wall time for the rate measurement. Nil selects the
	// real clock.
	Clock timeutil.Clock
	// OnResult receives emitted frames. It runs synchronously on the
	// block-processing goroutine and must not block.
	OnResult func(Result)
}

// PipelineStats is a point-in-time snapshot of pipeline counters.
type PipelineStats struct {
	BlocksProcessed   uint64  `json:"blocks_processed"`
	FramesEmitted     uint64  `json:"frames_emitted"`
	MeasuredBlockRate float64 `json:"measured_block_rate"`
	TargetUpdateRate  float64 `json:"target_update_rate"`
	UpdateInterval    int     `json:"update_interval"`
	LastBlockMicros   int64   `json:"last_block_micros"`
	ToneCount         int     `json:"tone_count"`
	SampleRate        int     `json:"sample_rate"`
}

// Pipeline owns one demodulator bank, one ground balancer, one
// discriminator and one depth estimator, and sequences them per block:
// demodulate, ground balance, discriminate, estimate depth, then emit at
// the throttled rate.
//
// ProcessBlock must only be called from a single goroutine (the sample
// delivery goroutine). The configuration setters and Stats are safe to
// call concurrently with processing.
type Pipeline struct {
	demod         *MultiFrequencyDemodulator
	balancer      *GroundBalancer
	discriminator *Discriminator
	depth         *DepthEstimator

	clock    timeutil.Clock
	onResult func(Result)

	mu              sync.Mutex
	targetRate      float64
	updateInterval  int
	blockCount      uint64
	framesEmitted   uint64
	windowStart     time.Time
	windowBlocks    int
	measuredRate    float64
	lastBlockMicros int64
	sampleRate      int
}

// NewPipeline builds a pipeline from the config, applying defaults for
// unset fields. Out-of-range values are clamped, never rejected.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	target := cfg.TargetUpdateRate
	if target == 0 {
		target = DefaultUpdateRateHz
	}

	return &Pipeline{
		demod:          NewMultiFrequencyDemodulator(cfg.Frequencies, sampleRate),
		balancer:       NewGroundBalancer(cfg.CaptureCapacity),
		discriminator:  NewDiscriminator(),
		depth:          NewDepthEstimator(),
		clock:          clock,
		onResult:       cfg.OnResult,
		targetRate:     clampFloat(target, MinUpdateRateHz, MaxUpdateRateHz),
		updateInterval: 1,
		sampleRate:     sampleRate,
	}
}

// Balancer exposes the ground balance engine for status snapshots and
// persistence. Its control methods are safe from any goroutine.
func (p *Pipeline) Balancer() *GroundBalancer { return p.balancer }

// Frequencies returns the configured transmit plan.
func (p *Pipeline) Frequencies() []float64 { return p.demod.Frequencies() }

// SetTargetUpdateRate changes the emitted frame rate target, clamped to
// [MinUpdateRateHz, MaxUpdateRateHz]. The update interval adjusts on the
// next completed rate measurement, or immediately if one exists.
func (p *Pipeline) SetTargetUpdateRate(hz float64) {
	hz = clampFloat(hz, MinUpdateRateHz, MaxUpdateRateHz)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetRate = hz
	if p.measuredRate > 0 {
		p.recomputeIntervalLocked(p.measuredRate)
	}
}

// SetBalanceMode forwards to the ground balancer.
func (p *Pipeline) SetBalanceMode(mode BalanceMode) { p.balancer.SetMode(mode) }

// SetBalanceOffset forwards to the ground balancer.
func (p *Pipeline) SetBalanceOffset(offset float64) { p.balancer.SetOffset(offset) }

// StartManualCapture forwards to the ground balancer.
func (p *Pipeline) StartManualCapture() { p.balancer.StartManualCapture() }

// StopManualCapture forwards to the ground balancer.
func (p *Pipeline) StopManualCapture() { p.balancer.StopManualCapture() }

// Reset clears demodulator state and the rate measurement counters.
// Ground balance state survives deliberately: a stream restart must not
// cost the operator their baseline.
func (p *Pipeline) Reset() {
	p.demod.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockCount = 0
	p.framesEmitted = 0
	p.windowStart = time.Time{}
	p.windowBlocks = 0
	p.measuredRate = 0
	p.updateInterval = 1
	p.lastBlockMicros = 0
	diagf("[Pipeline] Reset: demodulator and rate counters cleared, ground balance preserved")
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStats{
		BlocksProcessed:   p.blockCount,
		FramesEmitted:     p.framesEmitted,
		MeasuredBlockRate: p.measuredRate,
		TargetUpdateRate:  p.targetRate,
		UpdateInterval:    p.updateInterval,
		LastBlockMicros:   p.lastBlockMicros,
		ToneCount:         p.demod.ToneCount(),
		SampleRate:        p.sampleRate,
	}
}

// ProcessBlock runs the full chain over one mono sample block. The block
// is processed to completion before the call returns; the emit callback,
// when due, runs synchronously at the end.
func (p *Pipeline) ProcessBlock(samples []float32) {
	procStart := time.Now()

	// Stage 1: demodulate every channel over the block.
	raw := p.demod.DemodulateBlock(samples)

	// Stage 2: ground balance (capture side effects, tracking update,
	// baseline subtraction).
	balanced := p.balancer.Apply(raw)

	// Stage 3+4: discriminate and estimate depth. Discrimination needs at
	// least two frequencies; with fewer, the frame carries no VDI.
	var vdi *VDIResult
	if len(balanced) >= 2 {
		r := p.discriminator.Discriminate(balanced)
		d := p.depth.Estimate(balanced, &r)
		r.Depth = &d
		vdi = &r
	}

	// Stage 5: rate measurement and throttled emission.
	p.mu.Lock()
	p.blockCount++
	p.windowBlocks++
	now := p.clock.Now()
	if p.windowStart.IsZero() {
		p.windowStart = now
	} else if elapsed := now.Sub(p.windowStart); elapsed >= time.Second {
		newRate := float64(p.windowBlocks) / elapsed.Seconds()
		if p.measuredRate == 0 || math.Abs(newRate-p.measuredRate) >= minMaterialRateChange {
			p.recomputeIntervalLocked(newRate)
		}
		p.measuredRate = newRate
		p.windowStart = now
		p.windowBlocks = 0
	}
	emit := p.onResult != nil && p.blockCount%uint64(p.updateInterval) == 0
	if emit {
		p.framesEmitted++
	}
	p.lastBlockMicros = time.Since(procStart).Microseconds()
	cb := p.onResult
	p.mu.Unlock()

	tracef("[Pipeline] block %d: %d samples, emit=%v", p.blockCount, len(samples), emit)

	if emit {
		cb(Result{Time: now, Tones: balanced, VDI: vdi})
	}
}

// NewBlockCallback returns a closure suitable for handing to a sample
// source's per-block delivery hook.
func (p *Pipeline) NewBlockCallback() func([]float32) {
	return p.ProcessBlock
}

// recomputeIntervalLocked derives the update interval from a measured
// block rate. Caller holds p.mu.
func (p *Pipeline) recomputeIntervalLocked(blockRate float64) {
	interval := int(math.Round(blockRate / p.targetRate))
	if interval < 1 {
		interval = 1
	}
	if interval != p.updateInterval {
		diagf("[Pipeline] Update interval %d -> %d (measured %.1f blocks/s, target %.1f Hz)",
			p.updateInterval, interval, blockRate, p.targetRate)
		p.updateInterval = interval
	}
}
