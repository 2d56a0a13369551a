package audio

import (
	"io"
	"testing"

	"github.com/haxidermist/FCMD/internal/sensornet"
)

// testUDPSource builds a source around the frame queue only, so the push
// and Read paths can be driven without a socket.
func testUDPSource(queueCap int) *UDPSource {
	return &UDPSource{
		stats:      sensornet.NewLinkStats(),
		frames:     make(chan *sensornet.Frame, queueCap),
		sampleRate: 48000,
	}
}

func TestNewUDPSourceValidation(t *testing.T) {
	if _, err := NewUDPSource(UDPSourceConfig{Address: ":5151"}); err == nil {
		t.Error("NewUDPSource accepted a zero sample rate")
	}
	if _, err := NewUDPSource(UDPSourceConfig{Address: "invalid-host-12345", SampleRate: 48000}); err == nil {
		t.Error("NewUDPSource accepted an address with no port")
	}
}

func TestUDPSourcePushToRead(t *testing.T) {
	s := testUDPSource(4)
	samples := []float32{0.1, 0.2, 0.3, 0.4}
	s.push(&sensornet.Frame{Sequence: 1, SampleRate: 48000, Samples: samples})

	block, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(block) != len(samples) {
		t.Fatalf("Block length = %d, want %d", len(block), len(samples))
	}
	if block[2] != 0.3 {
		t.Errorf("Sample 2 = %v, want 0.3", block[2])
	}
}

func TestUDPSourceSkipsForeignRate(t *testing.T) {
	s := testUDPSource(4)
	s.push(&sensornet.Frame{Sequence: 1, SampleRate: 44100, Samples: make([]float32, 8)})
	s.push(&sensornet.Frame{Sequence: 2, SampleRate: 48000, Samples: make([]float32, 16)})

	block, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(block) != 16 {
		t.Errorf("Block length = %d, want 16 from the matching frame", len(block))
	}
}

func TestUDPSourceDropsWhenSaturated(t *testing.T) {
	s := testUDPSource(4)
	for seq := uint32(1); seq <= 6; seq++ {
		s.push(&sensornet.Frame{Sequence: seq, SampleRate: 48000, Samples: make([]float32, 8)})
	}
	_, _, _, _, dropped, _ := s.stats.GetAndReset()
	if dropped != 2 {
		t.Errorf("Dropped = %d, want 2 once the queue is full", dropped)
	}
}

func TestUDPSourceReadEOFWhenClosed(t *testing.T) {
	s := testUDPSource(1)
	close(s.frames)
	if _, err := s.Read(); err != io.EOF {
		t.Errorf("Read on closed source = %v, want io.EOF", err)
	}
}
