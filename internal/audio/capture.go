package audio

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/haxidermist/FCMD/internal/monitoring"
)

// captureQueueBlocks bounds the handoff queue between the miniaudio
// callback and Read. At the default block size this holds roughly two
// thirds of a second of audio.
const captureQueueBlocks = 32

// CaptureSource reads live samples from a capture device via miniaudio.
// The device callback accumulates incoming frames into fixed-size blocks
// and hands them to Read over a bounded queue; if the consumer stalls,
// whole blocks are dropped rather than blocking the audio thread.
type CaptureSource struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	blockSize  int

	blocks  chan []float32
	pending []float32 // accessed only from the device callback
	dropped int64     // accessed only from the device callback

	closeOnce sync.Once
	closeErr  error
}

// NewCaptureSource opens the capture device and starts streaming.
// deviceName, when non-empty, selects the first device whose name contains
// it case-insensitively; otherwise the system default is used.
func NewCaptureSource(sampleRate, blockSize int, deviceName string) (*CaptureSource, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if blockSize < 1 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %v", err)
	}

	s := &CaptureSource{
		ctx:        ctx,
		sampleRate: sampleRate,
		blockSize:  blockSize,
		blocks:     make(chan []float32, captureQueueBlocks),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if deviceName != "" {
		infos, err := ctx.Devices(malgo.Capture)
		if err == nil {
			for _, info := range infos {
				if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(deviceName)) {
					deviceConfig.Capture.DeviceID = info.ID.Pointer()
					monitoring.Logf("[Audio] Selected capture device: %s", info.Name())
					break
				}
			}
		}
	}

	onRecvFrames := func(pOutputSamples, pInputSamples []byte, framecount uint32) {
		if len(pInputSamples) == 0 {
			return
		}
		samples := unsafe.Slice((*float32)(unsafe.Pointer(&pInputSamples[0])), int(framecount))
		s.deliver(samples)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to init capture device: %v", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to start capture device: %v", err)
	}

	monitoring.Logf("[Audio] Capture started: requested %d Hz, device %d Hz", sampleRate, device.SampleRate())
	return s, nil
}

// deliver runs on the miniaudio callback thread. It copies incoming frames
// into block-sized chunks because the callback buffer is reused by the
// audio backend as soon as the callback returns.
func (s *CaptureSource) deliver(samples []float32) {
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.blockSize {
		block := make([]float32, s.blockSize)
		copy(block, s.pending)
		rest := copy(s.pending, s.pending[s.blockSize:])
		s.pending = s.pending[:rest]

		select {
		case s.blocks <- block:
		default:
			s.dropped++
			if s.dropped%100 == 1 {
				monitoring.Logf("[Audio] Capture overrun: %d blocks dropped (consumer stalled)", s.dropped)
			}
		}
	}
}

// Read returns the next captured block, blocking until one arrives.
// After Close it returns io.EOF.
func (s *CaptureSource) Read() ([]float32, error) {
	block, ok := <-s.blocks
	if !ok {
		return nil, io.EOF
	}
	return block, nil
}

// SampleRate returns the configured capture rate in Hz.
func (s *CaptureSource) SampleRate() int {
	return s.sampleRate
}

// Close stops the device and releases the audio context. The device is
// torn down before the queue closes so the callback cannot send on a
// closed channel.
func (s *CaptureSource) Close() error {
	s.closeOnce.Do(func() {
		if s.device != nil {
			s.device.Uninit()
			s.device = nil
		}
		if s.ctx != nil {
			s.closeErr = s.ctx.Uninit()
			s.ctx.Free()
			s.ctx = nil
		}
		close(s.blocks)
	})
	return s.closeErr
}

// ListCaptureDevices enumerates the capture devices visible to the audio
// backend, for the --list-devices startup flag.
func ListCaptureDevices() ([]string, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %v", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %v", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}
