package dsp

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// BalanceMode selects how the soil baseline is produced and applied.
type BalanceMode string

const (
	// BalanceOff passes analyses through with no subtraction.
	BalanceOff BalanceMode = "off"
	// BalanceManual subtracts a baseline captured by a manual pump.
	BalanceManual BalanceMode = "manual"
	// BalanceAutoTracking learns the baseline continuously from quiet ground.
	BalanceAutoTracking BalanceMode = "auto_tracking"
	// BalanceManualTracking seeds the tracking baseline from a manual
	// capture, then keeps adapting it.
	BalanceManualTracking BalanceMode = "manual_tracking"
)

// Valid reports whether m is one of the defined balance modes.
func (m BalanceMode) Valid() bool {
	switch m {
	case BalanceOff, BalanceManual, BalanceAutoTracking, BalanceManualTracking:
		return true
	}
	return false
}

func (m BalanceMode) usesTracking() bool {
	return m == BalanceAutoTracking || m == BalanceManualTracking
}

// ParseBalanceMode converts a string (e.g. from config or an HTTP control)
// into a BalanceMode.
func ParseBalanceMode(s string) (BalanceMode, error) {
	m := BalanceMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown ground balance mode %q (want off, manual, auto_tracking or manual_tracking)", s)
	}
	return m, nil
}

// Ground balance tuning constants.
const (
	// TrackingFreezeAmplitude is the instantaneous amplitude above which
	// the tracking baseline stops adapting. A strong return is assumed to
	// be a real target, and absorbing it into the baseline would null the
	// very signal the operator is sweeping for.
	TrackingFreezeAmplitude = 0.3

	// trackingAlpha is the per-block adaptation fraction of the tracking
	// IIR. At ~0.05% per block genuine soil drift is followed over tens of
	// seconds while short-lived targets leave no imprint.
	trackingAlpha = 0.0005

	// MinBalanceOffset and MaxBalanceOffset bound the user offset control.
	// Full scale maps to a 45 degree rotation of the baseline null point.
	MinBalanceOffset = -50.0
	MaxBalanceOffset = 50.0

	offsetFullScaleRadians = math.Pi / 4

	// DefaultCaptureCapacity is the manual capture ring size. A pump
	// sequence is a few seconds of blocks; older samples are overwritten.
	DefaultCaptureCapacity = 64
)

// balanceControls is the operator-facing control state. It is replaced
// wholesale on every change and read once per block, so a control change
// can never tear mid-block.
type balanceControls struct {
	mode      BalanceMode
	offset    float64
	capturing bool
}

// BalanceSnapshot is a point-in-time copy of balancer state for status
// endpoints and persistence.
type BalanceSnapshot struct {
	Mode             BalanceMode          `json:"mode"`
	Offset           float64              `json:"offset"`
	Capturing        bool                 `json:"capturing"`
	TrackingFrozen   bool                 `json:"tracking_frozen"`
	CapturedSamples  int                  `json:"captured_samples"`
	ManualBaseline   []GroundBalancePoint `json:"manual_baseline,omitempty"`
	TrackingBaseline []GroundBalancePoint `json:"tracking_baseline,omitempty"`
}

// GroundBalancer maintains per-frequency soil baselines and subtracts the
// active one from incoming analyses.
//
// Apply is called from the block-processing goroutine only. The control
// setters are safe to call from any goroutine: mode, offset and the
// capture flag live in an atomically swapped snapshot, while baselines
// and the capture buffer are guarded by mu.
type GroundBalancer struct {
	controls atomic.Pointer[balanceControls]

	mu               sync.RWMutex
	manualBaseline   []GroundBalancePoint
	trackingBaseline []GroundBalancePoint
	trackingFrozen   bool

	// Manual capture ring buffer. captureNext is the next write slot,
	// captureCount the number of valid entries (saturates at capacity).
	captureBuf   [][]ToneAnalysis
	captureNext  int
	captureCount int
}

// NewGroundBalancer creates a balancer in mode off with zero offset.
// captureCapacity bounds the manual capture ring; values < 1 use
// DefaultCaptureCapacity.
func NewGroundBalancer(captureCapacity int) *GroundBalancer {
	if captureCapacity < 1 {
		captureCapacity = DefaultCaptureCapacity
	}
	g := &GroundBalancer{
		captureBuf: make([][]ToneAnalysis, captureCapacity),
	}
	g.controls.Store(&balanceControls{mode: BalanceOff})
	return g
}

// Mode returns the current balance mode.
func (g *GroundBalancer) Mode() BalanceMode { return g.controls.Load().mode }

// Offset returns the current offset control value in [-50, 50].
func (g *GroundBalancer) Offset() float64 { return g.controls.Load().offset }

// Capturing reports whether a manual capture is in progress.
func (g *GroundBalancer) Capturing() bool { return g.controls.Load().capturing }

// TrackingFrozen reports whether the last block froze tracking adaptation.
func (g *GroundBalancer) TrackingFrozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.trackingFrozen
}

// SetMode switches the balance mode. Entering auto tracking clears the
// tracking baseline to force a fresh learn of the current ground; every
// other transition preserves existing baselines. Invalid modes are
// ignored.
func (g *GroundBalancer) SetMode(mode BalanceMode) {
	if !mode.Valid() {
		diagf("[GroundBalance] Ignoring invalid mode %q", mode)
		return
	}
	g.mu.Lock()
	if mode == BalanceAutoTracking {
		g.trackingBaseline = nil
		g.trackingFrozen = false
	}
	g.mu.Unlock()
	g.swapControls(func(c *balanceControls) { c.mode = mode })
}

// SetOffset sets the null-point offset, clamped to [-50, 50]. Full scale
// rotates the subtracted baseline by 45 degrees.
func (g *GroundBalancer) SetOffset(offset float64) {
	offset = clampFloat(offset, MinBalanceOffset, MaxBalanceOffset)
	g.swapControls(func(c *balanceControls) { c.offset = offset })
}

// StartManualCapture begins a capture: subsequent blocks are recorded
// until StopManualCapture. Any previous unfinished capture is discarded.
func (g *GroundBalancer) StartManualCapture() {
	g.mu.Lock()
	g.captureNext = 0
	g.captureCount = 0
	g.mu.Unlock()
	g.swapControls(func(c *balanceControls) { c.capturing = true })
}

// StopManualCapture ends the capture and installs the averaged baseline.
// I and Q are averaged arithmetically per frequency and the amplitude and
// phase recomputed from the averages. In manual tracking mode the result
// also seeds the tracking baseline. A capture with no recorded blocks
// leaves the baselines untouched.
func (g *GroundBalancer) StopManualCapture() {
	g.swapControls(func(c *balanceControls) { c.capturing = false })

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureCount == 0 {
		diagf("[GroundBalance] Manual capture stopped with no samples")
		return
	}
	baseline := averageCapturedBaseline(g.captureBuf[:min(g.captureCount, len(g.captureBuf))])
	g.manualBaseline = baseline
	if g.controls.Load().mode == BalanceManualTracking {
		g.trackingBaseline = append([]GroundBalancePoint(nil), baseline...)
	}
	diagf("[GroundBalance] Manual baseline set from %d samples across %d frequencies",
		g.captureCount, len(baseline))
}

// Reset clears both baselines, the capture buffer and the frozen flag.
// Mode and offset are preserved.
func (g *GroundBalancer) Reset() {
	g.swapControls(func(c *balanceControls) { c.capturing = false })
	g.mu.Lock()
	g.manualBaseline = nil
	g.trackingBaseline = nil
	g.trackingFrozen = false
	g.captureNext = 0
	g.captureCount = 0
	g.mu.Unlock()
}

// Snapshot returns a copy of the balancer state for status and storage.
func (g *GroundBalancer) Snapshot() BalanceSnapshot {
	ctl := g.controls.Load()
	g.mu.RLock()
	defer g.mu.RUnlock()
	return BalanceSnapshot{
		Mode:             ctl.mode,
		Offset:           ctl.offset,
		Capturing:        ctl.capturing,
		TrackingFrozen:   g.trackingFrozen,
		CapturedSamples:  g.captureCount,
		ManualBaseline:   append([]GroundBalancePoint(nil), g.manualBaseline...),
		TrackingBaseline: append([]GroundBalancePoint(nil), g.trackingBaseline...),
	}
}

// Apply runs the per-block ground balance pass: record the raw vector if
// capturing, update the tracking baseline if the mode tracks, then
// subtract the active baseline. Mode off returns the input unchanged
// (after the capture side effect). Baseline entries beyond the analysis
// length, or analyses beyond the baseline length, pass through unmodified.
func (g *GroundBalancer) Apply(raw []ToneAnalysis) []ToneAnalysis {
	ctl := g.controls.Load()

	if !ctl.capturing && ctl.mode == BalanceOff {
		return raw
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if ctl.capturing {
		g.recordCaptureLocked(raw)
	}
	if ctl.mode == BalanceOff {
		return raw
	}
	if ctl.mode.usesTracking() {
		g.updateTrackingLocked(raw)
	}

	baseline := g.activeBaselineLocked(ctl.mode)
	if baseline == nil {
		return raw
	}
	return subtractBaseline(raw, baseline, ctl.offset)
}

// recordCaptureLocked appends a copy of the raw vector to the capture
// ring, overwriting the oldest entry once full. Caller holds g.mu.
func (g *GroundBalancer) recordCaptureLocked(raw []ToneAnalysis) {
	g.captureBuf[g.captureNext] = append([]ToneAnalysis(nil), raw...)
	g.captureNext = (g.captureNext + 1) % len(g.captureBuf)
	if g.captureCount < len(g.captureBuf) {
		g.captureCount++
	}
}

// updateTrackingLocked advances the tracking baseline for one block.
// Caller holds g.mu.
func (g *GroundBalancer) updateTrackingLocked(raw []ToneAnalysis) {
	frozen := maxAmplitude(raw) > TrackingFreezeAmplitude
	g.trackingFrozen = frozen
	if frozen {
		return
	}

	if g.trackingBaseline == nil {
		baseline := make([]GroundBalancePoint, len(raw))
		for i, t := range raw {
			baseline[i] = GroundBalancePoint{
				Frequency:  t.Frequency,
				InPhase:    t.InPhase,
				Quadrature: t.Quadrature,
				Amplitude:  t.Amplitude,
				Phase:      t.Phase,
			}
		}
		g.trackingBaseline = baseline
		diagf("[GroundBalance] Tracking baseline initialised with %d frequencies", len(baseline))
		return
	}

	n := min(len(g.trackingBaseline), len(raw))
	for i := 0; i < n; i++ {
		b := &g.trackingBaseline[i]
		t := raw[i]
		b.InPhase = trackingAlpha*t.InPhase + (1-trackingAlpha)*b.InPhase
		b.Quadrature = trackingAlpha*t.Quadrature + (1-trackingAlpha)*b.Quadrature
		b.Amplitude = trackingAlpha*t.Amplitude + (1-trackingAlpha)*b.Amplitude
		b.Phase = trackingAlpha*t.Phase + (1-trackingAlpha)*b.Phase
	}
}

// activeBaselineLocked selects the baseline the current mode subtracts.
// Caller holds g.mu.
func (g *GroundBalancer) activeBaselineLocked(mode BalanceMode) []GroundBalancePoint {
	switch mode {
	case BalanceManual:
		return g.manualBaseline
	case BalanceAutoTracking:
		return g.trackingBaseline
	case BalanceManualTracking:
		if g.trackingBaseline != nil {
			return g.trackingBaseline
		}
		return g.manualBaseline
	}
	return nil
}

// subtractBaseline removes the baseline from each analysis after rotating
// the baseline I/Q vector by the offset angle. Rotating the null point
// lets the operator bias the subtraction without re-capturing.
func subtractBaseline(raw []ToneAnalysis, baseline []GroundBalancePoint, offset float64) []ToneAnalysis {
	offsetRadians := (offset / MaxBalanceOffset) * offsetFullScaleRadians
	cos := math.Cos(offsetRadians)
	sin := math.Sin(offsetRadians)

	out := make([]ToneAnalysis, len(raw))
	for i, t := range raw {
		if i >= len(baseline) {
			out[i] = t
			continue
		}
		b := baseline[i]
		rotI := b.InPhase*cos - b.Quadrature*sin
		rotQ := b.InPhase*sin + b.Quadrature*cos
		out[i] = toneFromIQ(t.Frequency, t.InPhase-rotI, t.Quadrature-rotQ)
	}
	return out
}

// averageCapturedBaseline averages I and Q per frequency index across the
// captured vectors. Vectors of unequal length contribute only to the
// indices they cover.
func averageCapturedBaseline(captured [][]ToneAnalysis) []GroundBalancePoint {
	maxLen := 0
	for _, vec := range captured {
		if len(vec) > maxLen {
			maxLen = len(vec)
		}
	}
	if maxLen == 0 {
		return nil
	}

	type acc struct {
		i, q      float64
		frequency float64
		n         int
	}
	sums := make([]acc, maxLen)
	for _, vec := range captured {
		for j, t := range vec {
			sums[j].i += t.InPhase
			sums[j].q += t.Quadrature
			sums[j].frequency = t.Frequency
			sums[j].n++
		}
	}

	baseline := make([]GroundBalancePoint, maxLen)
	for j, s := range sums {
		if s.n == 0 {
			continue
		}
		baseline[j] = balancePointFromIQ(s.frequency, s.i/float64(s.n), s.q/float64(s.n))
	}
	return baseline
}

func (g *GroundBalancer) swapControls(mutate func(*balanceControls)) {
	for {
		old := g.controls.Load()
		next := *old
		mutate(&next)
		if g.controls.CompareAndSwap(old, &next) {
			return
		}
	}
}
