// Package audio provides frame sources and audio sinks: the system's
// microphone and speakers through miniaudio, and WAV files.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// ErrCaptureOverflow means captured frames were not consumed fast enough.
var ErrCaptureOverflow = errors.New("audio: capture buffer overflow")

var (
	_ orchestrator.FrameSource = (*Device)(nil)
	_ orchestrator.AudioSink   = (*Device)(nil)
)

// DeviceConfig describes the duplex device.
type DeviceConfig struct {
	SampleRate   int
	FrameSamples int
	// Buffer is how many captured frames may wait for the consumer.
	Buffer int
}

// Device is a full-duplex microphone and speaker. Captured audio is sliced
// into fixed frames; Play writes one unit at a time to the speaker.
type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	duplex *duplex
}

// NewDevice opens the default capture and playback devices as 16-bit mono.
func NewDevice(cfg DeviceConfig, logger orchestrator.Logger) (*Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w: %v", orchestrator.ErrDevice, err)
	}

	d := &Device{ctx: mctx, duplex: newDuplex(cfg, logger)}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1 // Better compatibility on some systems

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			d.duplex.onSamples(pOutput, pInput)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("audio: init device: %w: %v", orchestrator.ErrDevice, err)
	}
	d.device = device
	return d, nil
}

// Frames starts the device and returns the captured frames. The channel is
// closed when ctx ends or capture fails; Err reports why.
func (d *Device) Frames(ctx context.Context) (<-chan orchestrator.AudioFrame, error) {
	if err := d.device.Start(); err != nil {
		return nil, fmt.Errorf("audio: start device: %w: %v", orchestrator.ErrDevice, err)
	}
	context.AfterFunc(ctx, func() { d.duplex.closeCapture(nil) })
	return d.duplex.frames, nil
}

func (d *Device) Play(ctx context.Context, pcm []byte) error {
	return d.duplex.play(ctx, pcm)
}

// Flush drops the unit being played.
func (d *Device) Flush() {
	d.duplex.flush()
}

// Err returns the capture failure, if any.
func (d *Device) Err() error {
	return d.duplex.err()
}

func (d *Device) Close() error {
	d.duplex.closeCapture(nil)
	d.duplex.flush()
	d.device.Uninit()
	err := d.ctx.Uninit()
	d.ctx.Free()
	return err
}

// duplex is the device-independent half of Device: it runs inside the
// miniaudio callback and must never block.
type duplex struct {
	logger orchestrator.Logger
	framer *orchestrator.Framer

	capMu     sync.Mutex
	frames    chan orchestrator.AudioFrame
	capClosed bool
	capErr    error

	playMu sync.Mutex
	unit   []byte
	done   chan struct{}
}

func newDuplex(cfg DeviceConfig, logger orchestrator.Logger) *duplex {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &duplex{
		logger: logger,
		framer: orchestrator.NewFramer(cfg.FrameSamples, cfg.SampleRate),
		frames: make(chan orchestrator.AudioFrame, buffer),
	}
}

func (d *duplex) onSamples(out, in []byte) {
	if in != nil {
		d.capture(in)
	}
	if out != nil {
		d.render(out)
	}
}

func (d *duplex) capture(in []byte) {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	if d.capClosed {
		return
	}
	for _, f := range d.framer.Write(in) {
		select {
		case d.frames <- f:
		default:
			d.logger.Error("capture overflow", "seq", f.Seq)
			d.closeCaptureLocked(orchestrator.NewTurnError(orchestrator.KindDevice, "capture", ErrCaptureOverflow))
			return
		}
	}
}

func (d *duplex) render(out []byte) {
	d.playMu.Lock()
	defer d.playMu.Unlock()

	n := copy(out, d.unit)
	d.unit = d.unit[n:]
	clear(out[n:])

	if len(d.unit) == 0 && d.done != nil {
		close(d.done)
		d.done = nil
	}
}

// play hands pcm to the render callback and waits until it has been played
// or ctx ends.
func (d *duplex) play(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	done := make(chan struct{})

	d.playMu.Lock()
	if d.done != nil {
		close(d.done)
	}
	d.unit = pcm
	d.done = done
	d.playMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.flush()
		return ctx.Err()
	}
}

func (d *duplex) flush() {
	d.playMu.Lock()
	defer d.playMu.Unlock()
	d.unit = nil
	if d.done != nil {
		close(d.done)
		d.done = nil
	}
}

func (d *duplex) closeCapture(err error) {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	d.closeCaptureLocked(err)
}

func (d *duplex) closeCaptureLocked(err error) {
	if d.capClosed {
		return
	}
	d.capClosed = true
	d.capErr = err
	close(d.frames)
}

func (d *duplex) err() error {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	return d.capErr
}
