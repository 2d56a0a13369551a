package audio

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/haxidermist/FCMD/internal/monitoring"
	"github.com/haxidermist/FCMD/internal/sensornet"
)

// encodeTestFrame builds one wire frame carrying a small sample ramp.
func encodeTestFrame(t *testing.T, sequence uint32, sampleRate, n int) []byte {
	t.Helper()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i%50) / 100
	}
	frame := &sensornet.Frame{Sequence: sequence, SampleRate: sampleRate, Samples: samples}
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestSerialStreamDeliversFrames(t *testing.T) {
	var stream bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		stream.Write(encodeTestFrame(t, seq, 48000, 480))
	}

	src := newSerialStream(io.NopCloser(&stream), 48000)
	defer src.Close()

	for i := 0; i < 3; i++ {
		block, err := src.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if len(block) != 480 {
			t.Fatalf("Read %d length = %d, want 480", i, len(block))
		}
		if got, want := block[10], float32(0.1); got < want-0.001 || got > want+0.001 {
			t.Errorf("Read %d sample 10 = %v, want ~%v", i, got, want)
		}
	}
	if _, err := src.Read(); err != io.EOF {
		t.Errorf("Read past end = %v, want io.EOF", err)
	}

	packets, _, samples, gaps, _, _ := src.Stats().GetAndReset()
	if packets != 3 {
		t.Errorf("Stats packets = %d, want 3", packets)
	}
	if samples != 1440 {
		t.Errorf("Stats samples = %d, want 1440", samples)
	}
	if gaps != 0 {
		t.Errorf("Stats gaps = %d, want 0", gaps)
	}
}

func TestSerialStreamResyncsThroughNoise(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(bytes.Repeat([]byte{0xA5}, 23))
	stream.Write(encodeTestFrame(t, 1, 48000, 64))
	stream.Write([]byte("line noise"))
	stream.Write(encodeTestFrame(t, 2, 48000, 64))

	src := newSerialStream(io.NopCloser(&stream), 48000)
	defer src.Close()

	for i := 0; i < 2; i++ {
		block, err := src.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if len(block) != 64 {
			t.Errorf("Read %d length = %d, want 64", i, len(block))
		}
	}
	if _, err := src.Read(); err != io.EOF {
		t.Errorf("Read past end = %v, want io.EOF", err)
	}
}

func TestSerialStreamDropsForeignRate(t *testing.T) {
	var logged strings.Builder
	monitoring.SetLogger(func(format string, v ...interface{}) {
		fmt.Fprintf(&logged, format+"\n", v...)
	})
	defer monitoring.SetLogger(log.Printf)

	var stream bytes.Buffer
	stream.Write(encodeTestFrame(t, 1, 44100, 32))
	stream.Write(encodeTestFrame(t, 2, 44100, 32))
	stream.Write(encodeTestFrame(t, 3, 48000, 32))

	src := newSerialStream(io.NopCloser(&stream), 48000)
	defer src.Close()

	block, err := src.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(block) != 32 {
		t.Errorf("Block length = %d, want 32", len(block))
	}

	if n := strings.Count(logged.String(), "Dropping"); n != 1 {
		t.Errorf("Rate mismatch logged %d times, want once:\n%s", n, logged.String())
	}

	packets, _, samples, _, _, _ := src.Stats().GetAndReset()
	if packets != 3 {
		t.Errorf("Stats packets = %d, want 3", packets)
	}
	if samples != 32 {
		t.Errorf("Stats samples = %d, want 32 (mismatched frames excluded)", samples)
	}
}

func TestSerialStreamCountsSequenceGaps(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodeTestFrame(t, 1, 48000, 16))
	stream.Write(encodeTestFrame(t, 3, 48000, 16))

	src := newSerialStream(io.NopCloser(&stream), 48000)
	defer src.Close()

	for i := 0; i < 2; i++ {
		if _, err := src.Read(); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
	}
	_, _, _, gaps, _, _ := src.Stats().GetAndReset()
	if gaps != 1 {
		t.Errorf("Stats gaps = %d, want 1", gaps)
	}
}

func TestSerialStreamCloseUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	src := newSerialStream(pr, 48000)

	go pw.Write(encodeTestFrame(t, 1, 48000, 128))
	if _, err := src.Read(); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := src.Read()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	src.Close()

	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("Read after Close = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestNewSerialSourceValidation(t *testing.T) {
	tests := []struct {
		name       string
		port       string
		baud       int
		sampleRate int
	}{
		{"empty port name", "", 115200, 48000},
		{"zero baud", "/dev/ttyUSB0", 0, 48000},
		{"zero sample rate", "/dev/ttyUSB0", 115200, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSerialSource(tt.port, tt.baud, tt.sampleRate); err == nil {
				t.Error("NewSerialSource accepted an invalid config")
			}
		})
	}
}
