// Package audio provides the sample sources that feed the detector
// pipeline: WAV files, synthetic sweeps, live capture and framed links
// from remote detector heads. Every source delivers mono float32 blocks
// through the same pull interface so the daemon wires them identically.
package audio

// Default block geometry shared by the sources that choose their own
// framing (synthetic and live capture). File and link sources follow the
// caller or the wire instead.
const (
	DefaultSampleRate = 48000
	DefaultBlockSize  = 1024
)

// SampleSource delivers mono sample blocks to the processing pipeline.
type SampleSource interface {
	// Read returns the next block of samples. It blocks until a block is
	// available and returns io.EOF when the source is exhausted or closed.
	// The returned slice is owned by the caller until the next Read.
	Read() ([]float32, error)

	// SampleRate returns the source sample rate in Hz.
	SampleRate() int

	// Close releases the source. Pending or subsequent Reads return io.EOF.
	Close() error
}
