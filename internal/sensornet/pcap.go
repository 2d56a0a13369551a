//go:build pcap
// +build pcap

package sensornet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// ReplayPCAPFile reads recorded detector frames from a PCAP file and feeds
// them through the same handling path as live UDP traffic. A positive speed
// multiplier paces the replay against the original capture timestamps
// (1.0 = real-time, 2.0 = double speed); zero or negative replays as fast as
// the pipeline can drain. This function is only available when building with
// the 'pcap' build tag.
func ReplayPCAPFile(ctx context.Context, pcapFile string, udpPort int, handler FrameHandler, stats FrameStats, forwarder *FrameForwarder, speed float64) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	// Only pull UDP packets destined for the detector port
	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	if speed > 0 {
		monitoring.Logf("[SensorLink] PCAP replay: BPF filter set: %s (speed: %.1fx)", filterStr, speed)
	} else {
		monitoring.Logf("[SensorLink] PCAP replay: BPF filter set: %s (unpaced)", filterStr)
	}

	if stats == nil {
		stats = &noopStats{}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	frameCount := 0
	startTime := time.Now()

	var lastPacketTime time.Time

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[SensorLink] PCAP replay stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				// End of PCAP file
				elapsed := time.Since(startTime)
				monitoring.Logf("[SensorLink] PCAP replay complete: %d packets, %d frames in %v", packetCount, frameCount, elapsed)
				return nil
			}

			packetCount++

			// Pace the replay against the capture timestamps when requested
			if speed > 0 {
				captureTime := packet.Metadata().Timestamp
				if !lastPacketTime.IsZero() {
					delay := captureTime.Sub(lastPacketTime)
					scaledDelay := time.Duration(float64(delay) / speed)
					if scaledDelay > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(scaledDelay):
						}
					}
				}
				lastPacketTime = captureTime
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue // Skip non-UDP packets (shouldn't happen with BPF filter)
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}

			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			stats.AddPacket(len(payload))

			if forwarder != nil {
				forwarder.ForwardAsync(payload)
			}

			if handler != nil {
				frame, err := ParseFrame(payload)
				if err != nil {
					monitoring.Logf("[SensorLink] Error decoding PCAP packet %d: %v", packetCount, err)
					continue
				}
				frameCount++
				stats.AddFrame(frame.Sequence, len(frame.Samples))
				handler.HandleFrame(frame)
			}

			// Log progress periodically
			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				monitoring.Logf("[SensorLink] PCAP replay progress: %d packets in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
