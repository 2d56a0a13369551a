// Package sensornet implements the wire format and transports used to move
// raw coil samples from remote detector heads to the processing pipeline.
//
// A detector head streams fixed-size sample frames over UDP or a serial link.
// Both transports share one frame format: a 16-byte header followed by a
// little-endian signed 16-bit PCM payload. The header carries a magic marker
// so a receiver joining a serial stream mid-frame can resynchronise by
// scanning for the next frame boundary.
package sensornet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// Sample frame wire format constants
// These define the fixed framing used by detector heads on UDP and serial links
const (
	FRAME_MAGIC       = "FCMD"                                            // Frame preamble marking the start of a sample frame
	FRAME_VERSION     = 1                                                 // Current wire format version
	FRAME_HEADER_SIZE = 16                                                // Header: magic + version + flags + sequence + sample rate + sample count
	FRAME_MAX_SAMPLES = 4096                                              // Upper bound on samples per frame
	BYTES_PER_SAMPLE  = 2                                                 // Samples travel as signed 16-bit little-endian PCM
	FRAME_MAX_BYTES   = FRAME_HEADER_SIZE + FRAME_MAX_SAMPLES*BYTES_PER_SAMPLE // 8208 bytes for a full frame

	// Normalisation factor between wire PCM and float samples.
	// Matches the convention used by the WAV reader: int16 / 32768.
	SAMPLE_SCALE = 32768.0
)

// Frame is one decoded block of coil samples from a detector head.
type Frame struct {
	Sequence   uint32    // Monotonic frame counter assigned by the sender
	SampleRate int       // Sample rate of the payload in Hz
	Samples    []float32 // Normalised samples in [-1, 1)
}

// Encode serialises the frame into the wire format. Samples outside [-1, 1)
// are clamped to the PCM range rather than wrapped.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Samples) == 0 {
		return nil, fmt.Errorf("cannot encode frame with no samples")
	}
	if len(f.Samples) > FRAME_MAX_SAMPLES {
		return nil, fmt.Errorf("frame too large: %d samples exceeds limit of %d", len(f.Samples), FRAME_MAX_SAMPLES)
	}
	if f.SampleRate <= 0 || int64(f.SampleRate) > math.MaxUint32 {
		return nil, fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}

	buf := make([]byte, FRAME_HEADER_SIZE+len(f.Samples)*BYTES_PER_SAMPLE)
	copy(buf[0:4], FRAME_MAGIC)
	buf[4] = FRAME_VERSION
	buf[5] = 0 // Flags byte, reserved
	binary.LittleEndian.PutUint32(buf[6:10], f.Sequence)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(f.SampleRate))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(len(f.Samples)))

	for i, s := range f.Samples {
		v := int32(math.Round(float64(s) * (SAMPLE_SCALE - 1)))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(buf[FRAME_HEADER_SIZE+i*BYTES_PER_SAMPLE:], uint16(int16(v)))
	}
	return buf, nil
}

// ParseFrame decodes a single frame from a complete datagram. The input must
// contain the full header and payload; trailing bytes after the payload are
// ignored so UDP receive buffers can be passed in directly.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < FRAME_HEADER_SIZE {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", FRAME_HEADER_SIZE, len(data))
	}
	if string(data[0:4]) != FRAME_MAGIC {
		return nil, fmt.Errorf("invalid frame magic: expected %q, got %q", FRAME_MAGIC, data[0:4])
	}
	if data[4] != FRAME_VERSION {
		return nil, fmt.Errorf("unsupported frame version: expected %d, got %d", FRAME_VERSION, data[4])
	}

	sequence := binary.LittleEndian.Uint32(data[6:10])
	sampleRate := binary.LittleEndian.Uint32(data[10:14])
	sampleCount := int(binary.LittleEndian.Uint16(data[14:16]))

	if sampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}
	if sampleCount == 0 {
		return nil, fmt.Errorf("invalid sample count: 0")
	}
	if sampleCount > FRAME_MAX_SAMPLES {
		return nil, fmt.Errorf("invalid sample count: %d exceeds limit of %d", sampleCount, FRAME_MAX_SAMPLES)
	}
	want := FRAME_HEADER_SIZE + sampleCount*BYTES_PER_SAMPLE
	if len(data) < want {
		return nil, fmt.Errorf("truncated frame: expected %d bytes, got %d", want, len(data))
	}

	samples := make([]float32, sampleCount)
	for i := range samples {
		raw := int16(binary.LittleEndian.Uint16(data[FRAME_HEADER_SIZE+i*BYTES_PER_SAMPLE:]))
		samples[i] = float32(raw) / SAMPLE_SCALE
	}

	return &Frame{
		Sequence:   sequence,
		SampleRate: int(sampleRate),
		Samples:    samples,
	}, nil
}

// FrameScanner extracts frames from a byte stream such as a serial port.
// Unlike UDP, a stream has no datagram boundaries, so the scanner hunts for
// the magic marker and skips garbage between frames. Partial frames caused by
// joining mid-stream or by line noise are discarded byte-by-byte until the
// next valid header is found.
type FrameScanner struct {
	r       *bufio.Reader
	skipped int64
}

// NewFrameScanner wraps a stream reader for frame extraction.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{
		// Buffer two full frames so header peeks never outrun the window
		r: bufio.NewReaderSize(r, 2*FRAME_MAX_BYTES),
	}
}

// Next blocks until a complete frame is read from the stream. It returns
// io.EOF when the stream ends cleanly and io.ErrUnexpectedEOF when the stream
// ends inside a frame body.
func (s *FrameScanner) Next() (*Frame, error) {
	start := s.skipped
	for {
		header, err := s.r.Peek(FRAME_HEADER_SIZE)
		if err != nil {
			return nil, err
		}

		if !plausibleHeader(header) {
			if _, err := s.r.Discard(1); err != nil {
				return nil, err
			}
			s.skipped++
			continue
		}

		sampleCount := int(binary.LittleEndian.Uint16(header[14:16]))
		raw := make([]byte, FRAME_HEADER_SIZE+sampleCount*BYTES_PER_SAMPLE)
		if _, err := io.ReadFull(s.r, raw); err != nil {
			return nil, err
		}

		frame, err := ParseFrame(raw)
		if err != nil {
			// Header passed the plausibility check but the body did not
			// decode. Count the frame as skipped and keep scanning.
			s.skipped += int64(len(raw))
			continue
		}

		if n := s.skipped - start; n > 0 {
			monitoring.Logf("[SensorLink] Resynchronised after skipping %d bytes", n)
		}
		return frame, nil
	}
}

// Skipped returns the total number of bytes discarded while hunting for frame
// boundaries since the scanner was created.
func (s *FrameScanner) Skipped() int64 {
	return s.skipped
}

// plausibleHeader reports whether the 16 peeked bytes look like a frame
// header worth committing to. All fields that ParseFrame would reject are
// checked here so the scanner never consumes stream bytes it cannot use.
func plausibleHeader(header []byte) bool {
	if string(header[0:4]) != FRAME_MAGIC {
		return false
	}
	if header[4] != FRAME_VERSION {
		return false
	}
	if binary.LittleEndian.Uint32(header[10:14]) == 0 {
		return false
	}
	sampleCount := int(binary.LittleEndian.Uint16(header[14:16]))
	return sampleCount > 0 && sampleCount <= FRAME_MAX_SAMPLES
}
