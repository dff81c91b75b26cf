package audio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

func TestDuplexCaptureFrames(t *testing.T) {
	d := newDuplex(DeviceConfig{SampleRate: 16000, FrameSamples: 4, Buffer: 8}, nil)

	d.onSamples(nil, []byte{1, 2, 3, 4, 5, 6})
	d.onSamples(nil, []byte{7, 8, 9, 10})

	f := <-d.frames
	if f.Seq != 0 || !bytes.Equal(f.PCM, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("unexpected frame %+v", f)
	}
	select {
	case f := <-d.frames:
		t.Errorf("unexpected frame %+v", f)
	default:
	}
}

func TestDuplexCaptureOverflow(t *testing.T) {
	d := newDuplex(DeviceConfig{SampleRate: 16000, FrameSamples: 1, Buffer: 1}, nil)

	d.onSamples(nil, []byte{1, 0, 2, 0})

	<-d.frames
	if _, ok := <-d.frames; ok {
		t.Fatal("expected the capture channel to close")
	}
	if err := d.err(); !errors.Is(err, orchestrator.ErrDevice) || !errors.Is(err, ErrCaptureOverflow) {
		t.Errorf("expected a device error, got %v", err)
	}
	// later callbacks are ignored
	d.onSamples(nil, []byte{3, 0})
}

func TestDuplexPlayback(t *testing.T) {
	d := newDuplex(DeviceConfig{SampleRate: 16000, FrameSamples: 4}, nil)

	done := make(chan error, 1)
	go func() { done <- d.play(context.Background(), []byte{1, 2, 3, 4, 5, 6}) }()

	out := make([]byte, 4)
	waitUnit(t, d)
	d.onSamples(out, nil)
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected output %v", out)
	}
	select {
	case <-done:
		t.Fatal("play returned before the unit was rendered")
	default:
	}

	d.onSamples(out, nil)
	if !bytes.Equal(out, []byte{5, 6, 0, 0}) {
		t.Errorf("expected the tail padded with silence, got %v", out)
	}
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	d.onSamples(out, nil)
	if !bytes.Equal(out, []byte{0, 0, 0, 0}) {
		t.Errorf("expected silence when idle, got %v", out)
	}
}

func TestDuplexPlayCancelFlushes(t *testing.T) {
	d := newDuplex(DeviceConfig{SampleRate: 16000, FrameSamples: 4}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.play(ctx, []byte{1, 2, 3, 4}) }()
	waitUnit(t, d)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	out := []byte{9, 9}
	d.onSamples(out, nil)
	if !bytes.Equal(out, []byte{0, 0}) {
		t.Errorf("expected flushed audio to be dropped, got %v", out)
	}
}

func waitUnit(t *testing.T, d *duplex) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.playMu.Lock()
		ready := d.done != nil
		d.playMu.Unlock()
		if ready {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("play never started")
}
