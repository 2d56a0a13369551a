// Command replay feeds a captured sensor PCAP back to a running
// detector over UDP, optionally at a speed multiple of the original
// capture timing:
//
//	replay -pcap bench_sweep.pcap -target 127.0.0.1 -port 5151 -speed 2
//
// Requires a build with -tags=pcap; without it the command reports that
// PCAP support is disabled.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/haxidermist/FCMD/internal/sensornet"
)

var (
	pcapFile   = flag.String("pcap", "", "PCAP file to replay (required)")
	pcapPort   = flag.Int("pcap-port", 5151, "UDP port the frames were captured on")
	targetAddr = flag.String("target", "127.0.0.1", "Address of the detector to feed")
	targetPort = flag.Int("port", 5151, "UDP port of the detector to feed")
	speed      = flag.Float64("speed", 1.0, "Replay speed multiple (0 = as fast as possible)")
	quiet      = flag.Bool("quiet", false, "Suppress per-frame decode logging")
)

func main() {
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := sensornet.NewLinkStats()
	forwarder, err := sensornet.NewFrameForwarder(*targetAddr, *targetPort, stats, time.Minute)
	if err != nil {
		log.Fatalf("Failed to create forwarder: %v", err)
	}
	defer forwarder.Close()
	forwarder.Start(ctx)

	var frames, samples int
	handler := sensornet.FrameHandlerFunc(func(frame *sensornet.Frame) {
		frames++
		samples += len(frame.Samples)
		if !*quiet && frames%500 == 0 {
			log.Printf("[Replay] %d frames, %d samples (seq %d, %d Hz)",
				frames, samples, frame.Sequence, frame.SampleRate)
		}
	})

	log.Printf("[Replay] Replaying %s to %s:%d at %gx", *pcapFile, *targetAddr, *targetPort, *speed)
	start := time.Now()
	if err := sensornet.ReplayPCAPFile(ctx, *pcapFile, *pcapPort, handler, stats, forwarder, *speed); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	log.Printf("[Replay] Done: %d frames, %d samples in %s", frames, samples, time.Since(start).Round(time.Millisecond))
	stats.LogStats()
}
