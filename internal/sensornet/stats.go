package sensornet

import (
	"fmt"
	"sync"
	"time"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// LinkStats tracks frame delivery statistics with thread-safe operations.
// Sequence numbers from decoded frames are used to detect frames the sender
// emitted but the receiver never saw.
type LinkStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	sampleCount  int64
	gapCount     int64
	droppedCount int64
	lastSequence uint32
	haveSequence bool
	lastReset    time.Time
}

// NewLinkStats creates a new LinkStats instance.
func NewLinkStats() *LinkStats {
	return &LinkStats{
		lastReset: time.Now(),
	}
}

// AddPacket increments packet count and byte count.
func (ls *LinkStats) AddPacket(bytes int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.packetCount++
	ls.byteCount += int64(bytes)
}

// AddFrame records a successfully decoded frame. Gaps in the sequence number
// count frames lost upstream. A large backwards jump is treated as a sender
// restart rather than a gap.
func (ls *LinkStats) AddFrame(sequence uint32, samples int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.sampleCount += int64(samples)

	if ls.haveSequence {
		// uint32 subtraction handles wrap at the top of the counter range
		delta := sequence - ls.lastSequence
		if delta > 1 && delta < 1<<31 {
			ls.gapCount += int64(delta - 1)
		}
	}
	ls.lastSequence = sequence
	ls.haveSequence = true
}

// AddDropped increments the count of frames dropped on the forwarding path.
func (ls *LinkStats) AddDropped() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.droppedCount++
}

// GetAndReset returns current stats and resets counters. Sequence tracking
// state survives the reset so gaps spanning a reporting interval still count.
func (ls *LinkStats) GetAndReset() (packets int64, bytes int64, samples int64, gaps int64, dropped int64, duration time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ls.lastReset)
	packets = ls.packetCount
	bytes = ls.byteCount
	samples = ls.sampleCount
	gaps = ls.gapCount
	dropped = ls.droppedCount

	ls.packetCount = 0
	ls.byteCount = 0
	ls.sampleCount = 0
	ls.gapCount = 0
	ls.droppedCount = 0
	ls.lastReset = now

	return
}

// LogStats logs a one-line delivery summary and resets the counters.
func (ls *LinkStats) LogStats() {
	packets, bytes, samples, gaps, dropped, duration := ls.GetAndReset()
	if packets == 0 && dropped == 0 {
		return
	}

	packetsPerSec := float64(packets) / duration.Seconds()
	kbPerSec := float64(bytes) / duration.Seconds() / 1024
	samplesPerSec := float64(samples) / duration.Seconds()

	logMsg := fmt.Sprintf("[SensorLink] Link stats (/sec): %.1f KB, %.1f frames, %s samples",
		kbPerSec, packetsPerSec, FormatWithCommas(int64(samplesPerSec)))
	if gaps > 0 {
		logMsg += fmt.Sprintf(", %d frames lost upstream", gaps)
	}
	if dropped > 0 {
		logMsg += fmt.Sprintf(", %d frames dropped", dropped)
	}

	monitoring.Logf("%s", logMsg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
