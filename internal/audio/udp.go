package audio

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/haxidermist/FCMD/internal/monitoring"
	"github.com/haxidermist/FCMD/internal/sensornet"
)

const udpQueueFrames = 32 // Frames buffered between the listener and Read

// UDPSource receives coil sample frames over UDP. It runs a sensornet
// listener in the background and hands completed frames to Read through a
// bounded queue. If the consumer stalls, new frames are dropped and counted
// rather than blocking the socket loop.
type UDPSource struct {
	listener    *sensornet.UDPListener
	stats       *sensornet.LinkStats
	cancel      context.CancelFunc
	frames      chan *sensornet.Frame
	done        chan struct{}
	closeFrames sync.Once
	closeOnce   sync.Once
	address     string
	sampleRate  int
	lastBadRate int
}

// UDPSourceConfig configures a UDP frame source.
type UDPSourceConfig struct {
	Address     string        // Listen address, e.g. ":5151"
	RcvBuf      int           // Socket receive buffer in bytes (0 = system default)
	SampleRate  int           // Expected rate; frames at other rates are dropped
	LogInterval time.Duration // Link stats logging interval (0 = 1 minute)
	Forwarder   *sensornet.FrameForwarder
}

// NewUDPSource binds the listener and starts receiving frames. The returned
// source delivers samples through Read until Close is called, after which
// Read returns io.EOF.
func NewUDPSource(config UDPSourceConfig) (*UDPSource, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", config.SampleRate)
	}
	if _, err := net.ResolveUDPAddr("udp", config.Address); err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", config.Address, err)
	}

	s := &UDPSource{
		stats:      sensornet.NewLinkStats(),
		frames:     make(chan *sensornet.Frame, udpQueueFrames),
		done:       make(chan struct{}),
		address:    config.Address,
		sampleRate: config.SampleRate,
	}
	s.listener = sensornet.NewUDPListener(sensornet.UDPListenerConfig{
		Address:     config.Address,
		RcvBuf:      config.RcvBuf,
		LogInterval: config.LogInterval,
		Stats:       s.stats,
		Forwarder:   config.Forwarder,
		Handler:     sensornet.FrameHandlerFunc(s.push),
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			s.closeFrames.Do(func() { close(s.frames) })
			close(s.done)
		}()
		if err := s.listener.Start(ctx); err != nil && ctx.Err() == nil {
			monitoring.Logf("[Audio] UDP source on %s stopped: %v", config.Address, err)
		}
	}()
	return s, nil
}

// push hands a frame from the listener goroutine to Read. Never blocks.
func (s *UDPSource) push(frame *sensornet.Frame) {
	select {
	case s.frames <- frame:
	default:
		s.stats.AddDropped()
	}
}

// Read returns the next received block of coil samples. It blocks until a
// frame arrives or the source is closed.
func (s *UDPSource) Read() ([]float32, error) {
	for {
		frame, ok := <-s.frames
		if !ok {
			return nil, io.EOF
		}
		if frame.SampleRate != s.sampleRate {
			if frame.SampleRate != s.lastBadRate {
				monitoring.Logf("[Audio] Dropping UDP frames at %d Hz (configured for %d Hz)",
					frame.SampleRate, s.sampleRate)
				s.lastBadRate = frame.SampleRate
			}
			continue
		}
		return frame.Samples, nil
	}
}

// SampleRate returns the configured rate, which every accepted frame matches.
func (s *UDPSource) SampleRate() int {
	return s.sampleRate
}

// Stats exposes the link counters for external reporting.
func (s *UDPSource) Stats() *sensornet.LinkStats {
	return s.stats
}

// Close stops the listener and releases the socket. Safe to call more than
// once.
func (s *UDPSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
