package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// WAV container constants. Only uncompressed 16-bit PCM is supported,
// which covers every field recording the detector tooling produces.
const (
	wavRiffHeaderSize  = 12 // "RIFF" + size + "WAVE"
	wavChunkHeaderSize = 8  // chunk ID + little-endian size
	wavFormatPCM       = 1
	wavBitsPerSample   = 16
)

// WAVSource reads a 16-bit PCM WAV file as fixed-size mono blocks.
// Stereo files are downmixed by averaging the channels. With pacing
// enabled, Read delays so blocks arrive at the recorded rate, which keeps
// the pipeline's wall-clock throttle honest during file replay.
type WAVSource struct {
	file       *os.File
	path       string
	sampleRate int
	channels   int
	dataSize   int
	remaining  int
	blockSize  int
	pace       bool
	deadline   time.Time
}

// NewWAVSource opens a WAV file for block reading. blockSize is the number
// of mono frames per Read. pace sleeps between blocks to simulate a live
// stream at the file's sample rate.
func NewWAVSource(path string, blockSize int, pace bool) (*WAVSource, error) {
	if blockSize < 1 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	src, err := parseWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	src.path = path
	src.blockSize = blockSize
	src.pace = pace

	monitoring.Logf("[Audio] WAV source %s: %d Hz, %d channel(s), %.1fs",
		path, src.sampleRate, src.channels, src.Duration().Seconds())
	return src, nil
}

// parseWAVHeader walks the RIFF chunk list, captures the format fields and
// leaves the file positioned at the start of sample data.
func parseWAVHeader(f *os.File) (*WAVSource, error) {
	riff := make([]byte, wavRiffHeaderSize)
	if _, err := io.ReadFull(f, riff); err != nil {
		return nil, fmt.Errorf("reading RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a WAV file: missing RIFF/WAVE markers")
	}

	var format, channels, sampleRate, bitsPerSample, dataSize int
	var dataStart int64
	foundFmt := false
	foundData := false

	for {
		chunkHeader := make([]byte, wavChunkHeaderSize)
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])
		// Chunks are word-aligned; odd sizes carry a pad byte
		padding := int64(chunkSize % 2)

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			fmtData := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, fmtData); err != nil {
				return nil, err
			}
			if padding > 0 {
				if _, err := f.Seek(padding, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
			format = int(binary.LittleEndian.Uint16(fmtData[0:2]))
			channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			foundFmt = true
		case "data":
			dataSize = int(chunkSize)
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			dataStart = pos
			foundData = true
			if !foundFmt {
				// fmt chunk still outstanding; skip over the sample data
				if _, err := f.Seek(int64(chunkSize)+padding, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
		default:
			if _, err := f.Seek(int64(chunkSize)+padding, io.SeekCurrent); err != nil {
				return nil, err
			}
		}

		if foundFmt && foundData {
			break
		}
	}

	if !foundFmt || !foundData {
		return nil, fmt.Errorf("missing fmt or data chunk")
	}
	if format != wavFormatPCM {
		return nil, fmt.Errorf("unsupported WAV format: expected PCM (%d), got %d", wavFormatPCM, format)
	}
	if bitsPerSample != wavBitsPerSample {
		return nil, fmt.Errorf("unsupported bit depth: expected %d, got %d", wavBitsPerSample, bitsPerSample)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported channel count: %d", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	if _, err := f.Seek(dataStart, io.SeekStart); err != nil {
		return nil, err
	}

	return &WAVSource{
		file:       f,
		sampleRate: sampleRate,
		channels:   channels,
		dataSize:   dataSize,
		remaining:  dataSize,
	}, nil
}

// Read returns the next block of mono frames. The final block may be
// shorter than the configured block size; after it, Read returns io.EOF.
func (s *WAVSource) Read() ([]float32, error) {
	if s.remaining <= 0 {
		return nil, io.EOF
	}

	frameBytes := 2 * s.channels
	want := s.blockSize * frameBytes
	if want > s.remaining {
		want = s.remaining
	}

	buf := make([]byte, want)
	n, err := io.ReadFull(s.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			s.remaining = 0
			return nil, io.EOF
		}
		return nil, err
	}
	s.remaining -= n

	frames := n / frameBytes
	if frames == 0 {
		s.remaining = 0
		return nil, io.EOF
	}

	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		offset := i * frameBytes
		var sum float32
		for c := 0; c < s.channels; c++ {
			v := int16(binary.LittleEndian.Uint16(buf[offset+2*c : offset+2*c+2]))
			sum += float32(v) / 32768.0
		}
		out[i] = sum / float32(s.channels)
	}

	if s.pace {
		s.paceBlock(frames)
	}
	return out, nil
}

// paceBlock sleeps until this block's scheduled delivery time. Deadlines
// accumulate from the first block so sleep jitter does not drift the rate.
func (s *WAVSource) paceBlock(frames int) {
	blockDur := time.Duration(float64(frames) / float64(s.sampleRate) * float64(time.Second))
	if s.deadline.IsZero() {
		s.deadline = time.Now()
	}
	s.deadline = s.deadline.Add(blockDur)
	if wait := time.Until(s.deadline); wait > 0 {
		time.Sleep(wait)
	}
}

// SampleRate returns the file's sample rate in Hz.
func (s *WAVSource) SampleRate() int {
	return s.sampleRate
}

// Channels returns the channel count of the underlying file.
func (s *WAVSource) Channels() int {
	return s.channels
}

// Duration returns the total playing time of the file.
func (s *WAVSource) Duration() time.Duration {
	frames := s.dataSize / (2 * s.channels)
	return time.Duration(float64(frames) / float64(s.sampleRate) * float64(time.Second))
}

// Close closes the underlying file.
func (s *WAVSource) Close() error {
	return s.file.Close()
}
