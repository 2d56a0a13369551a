package sensornet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// ForwarderStats is the subset of statistics the forwarding path reports.
type ForwarderStats interface {
	AddDropped()
}

// FrameForwarder relays raw frame datagrams to another address without
// blocking the receive path. A bench rig can listen to the live detector
// stream by pointing the forwarder at its own port.
type FrameForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       ForwarderStats
	logInterval time.Duration
	address     string
}

// NewFrameForwarder creates a forwarder that sends frames to the specified
// address. A nil stats collector is replaced with a no-op implementation.
func NewFrameForwarder(addr string, port int, stats ForwarderStats, logInterval time.Duration) (*FrameForwarder, error) {
	forwardAddress := fmt.Sprintf("%s:%d", addr, port)
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %v", err)
	}

	if stats == nil {
		stats = &noopStats{}
	}
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &FrameForwarder{
		conn:        conn,
		channel:     make(chan []byte, 256), // Buffer 256 frames
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
	}, nil
}

// Start begins the forwarding goroutine that drains the frame channel.
// Send errors are counted and summarised at the configured log interval.
func (f *FrameForwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-f.channel:
				_, err := f.conn.Write(packet)
				if err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				// Only log if we have dropped packets in this interval
				if droppedCount > 0 && lastError != nil {
					monitoring.Logf("[SensorLink] Dropped %d forwarded frames due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("[SensorLink] Forwarding frames to %s", f.address)
}

// ForwardAsync queues a datagram for forwarding without blocking. If the
// queue is full the datagram is dropped and the drop counter incremented.
func (f *FrameForwarder) ForwardAsync(packet []byte) {
	// Copy the datagram so the caller can reuse its receive buffer
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
		// Queued for forwarding
	default:
		f.stats.AddDropped()
	}
}

// Close closes the UDP connection and channel.
func (f *FrameForwarder) Close() error {
	close(f.channel)
	return f.conn.Close()
}
