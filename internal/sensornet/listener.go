package sensornet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// FrameStats provides delivery statistics management for a receive path.
type FrameStats interface {
	AddPacket(bytes int)
	AddFrame(sequence uint32, samples int)
	AddDropped()
	LogStats()
}

// FrameHandler consumes decoded sample frames.
type FrameHandler interface {
	HandleFrame(*Frame)
}

// FrameHandlerFunc adapts a plain function to the FrameHandler interface.
type FrameHandlerFunc func(*Frame)

// HandleFrame calls f(frame).
func (f FrameHandlerFunc) HandleFrame(frame *Frame) {
	f(frame)
}

// UDPListener receives sample frames from detector heads over UDP with
// configurable components for statistics, forwarding and frame handling.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	conn        *net.UDPConn
	stats       FrameStats
	forwarder   *FrameForwarder
	handler     FrameHandler
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       FrameStats
	Forwarder   *FrameForwarder
	Handler     FrameHandler
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	// Provide a no-op stats implementation when none is supplied to avoid
	// nil pointer dereferences in the packet handling and logging paths.
	var stats FrameStats
	if config.Stats != nil {
		stats = config.Stats
	} else {
		stats = &noopStats{}
	}

	// Default a sensible log interval if not provided
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		forwarder:   config.Forwarder,
		handler:     config.Handler,
	}
}

// noopStats is a FrameStats implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (n *noopStats) AddPacket(bytes int)                   {}
func (n *noopStats) AddFrame(sequence uint32, samples int) {}
func (n *noopStats) AddDropped()                           {}
func (n *noopStats) LogStats()                             {}

// Start begins listening for UDP frames and processing them. It blocks until
// the context is cancelled or the socket fails.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[SensorLink] Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	monitoring.Logf("[SensorLink] UDP listener started on %s with receive buffer %d bytes", l.address, l.rcvBuf)

	// Start forwarder if configured
	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	// Start statistics logging
	go l.startStatsLogging(ctx)

	// Largest frame is FRAME_MAX_BYTES, leave headroom for oversized datagrams
	buffer := make([]byte, 2*FRAME_MAX_BYTES)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[SensorLink] UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // Continue on timeout to check context
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("[SensorLink] UDP read error: %v", err)
				continue
			}

			packet := buffer[:n]
			if err := l.handlePacket(packet); err != nil {
				monitoring.Logf("[SensorLink] Error handling packet from %v: %v", addr, err)
			}
		}
	}
}

// startStatsLogging periodically logs delivery statistics.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	// Trigger an initial stats report shortly after startup to avoid a long
	// silence on first-run. Then continue on the configured interval.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handlePacket processes a single received UDP datagram.
func (l *UDPListener) handlePacket(packet []byte) error {
	l.stats.AddPacket(len(packet))

	// Forward the raw datagram asynchronously if forwarding is enabled
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}

	if l.handler == nil {
		return nil
	}

	frame, err := ParseFrame(packet)
	if err != nil {
		return fmt.Errorf("frame decode failed: %w", err)
	}

	l.stats.AddFrame(frame.Sequence, len(frame.Samples))
	l.handler.HandleFrame(frame)
	return nil
}

// Close closes the UDP listener and releases resources.
func (l *UDPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
