package audio

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/haxidermist/FCMD/internal/monitoring"
	"github.com/haxidermist/FCMD/internal/sensornet"
)

// SerialSource reads coil sample frames from a detector head attached over a
// serial link. The head streams the same binary frames used on the UDP path,
// so the byte stream is fed through a FrameScanner which resynchronises after
// line noise or a partial frame at connect time.
//
// Frames whose embedded sample rate disagrees with the configured rate are
// dropped rather than resampled. The first such frame is logged; repeats at
// the same rate are silent.
type SerialSource struct {
	port        io.ReadCloser
	portName    string
	scanner     *sensornet.FrameScanner
	stats       *sensornet.LinkStats
	sampleRate  int
	lastBadRate int
	stopStats   chan struct{}
	closed      atomic.Bool
}

// NewSerialSource opens the named serial port and prepares it for frame
// reads. The configured sampleRate is what downstream processing expects;
// frames reporting any other rate are discarded.
func NewSerialSource(portName string, baudRate, sampleRate int) (*SerialSource, error) {
	if portName == "" {
		return nil, fmt.Errorf("serial port name is required")
	}
	if baudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baudRate)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	monitoring.Logf("[Audio] Serial source %s: %d baud, expecting %d Hz frames", portName, baudRate, sampleRate)

	s := newSerialStream(port, sampleRate)
	s.portName = portName
	s.startStatsLogging(time.Minute)
	return s, nil
}

// newSerialStream wraps an already open byte stream. Split out from
// NewSerialSource so the frame handling can be driven without hardware.
func newSerialStream(rc io.ReadCloser, sampleRate int) *SerialSource {
	return &SerialSource{
		port:       rc,
		portName:   "stream",
		scanner:    sensornet.NewFrameScanner(rc),
		stats:      sensornet.NewLinkStats(),
		sampleRate: sampleRate,
	}
}

// Read returns the next block of coil samples from the link. One frame
// produces one block, so block size follows whatever the head transmits.
func (s *SerialSource) Read() ([]float32, error) {
	for {
		frame, err := s.scanner.Next()
		if err != nil {
			// A port error raised by Close still honours the EOF contract.
			if s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("serial read failed: %w", err)
		}
		s.stats.AddPacket(sensornet.FRAME_HEADER_SIZE + len(frame.Samples)*sensornet.BYTES_PER_SAMPLE)
		if frame.SampleRate != s.sampleRate {
			if frame.SampleRate != s.lastBadRate {
				monitoring.Logf("[Audio] Dropping %s frames at %d Hz (configured for %d Hz)",
					s.portName, frame.SampleRate, s.sampleRate)
				s.lastBadRate = frame.SampleRate
			}
			continue
		}
		s.stats.AddFrame(frame.Sequence, len(frame.Samples))
		return frame.Samples, nil
	}
}

// SampleRate returns the configured rate, which every accepted frame matches.
func (s *SerialSource) SampleRate() int {
	return s.sampleRate
}

// Stats exposes the link counters for external reporting.
func (s *SerialSource) Stats() *sensornet.LinkStats {
	return s.stats
}

func (s *SerialSource) startStatsLogging(interval time.Duration) {
	s.stopStats = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopStats:
				return
			case <-ticker.C:
				s.stats.LogStats()
			}
		}
	}()
}

// Close shuts down the stats logger and closes the port. A Read blocked on
// the port returns io.EOF once the close takes effect.
func (s *SerialSource) Close() error {
	s.closed.Store(true)
	if s.stopStats != nil {
		close(s.stopStats)
		s.stopStats = nil
	}
	if skipped := s.scanner.Skipped(); skipped > 0 {
		monitoring.Logf("[Audio] Serial source %s: skipped %d noise bytes over session", s.portName, skipped)
	}
	return s.port.Close()
}
