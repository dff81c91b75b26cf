package audio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSourceFrames(t *testing.T) {
	pcm := make([]byte, 10*320+100)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	src := NewFileSource(pcm, 16000, 160).Trailing(20 * time.Millisecond)

	frames, err := src.Frames(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var got []byte
	var n int
	for f := range frames {
		if f.Seq != uint64(n) {
			t.Fatalf("frame %d has seq %d", n, f.Seq)
		}
		if len(f.PCM) != 320 {
			t.Fatalf("frame %d has %d bytes", n, len(f.PCM))
		}
		got = append(got, f.PCM...)
		n++
	}
	// 3300 bytes of audio plus 640 bytes of silence make 12 full frames
	if n != 12 {
		t.Fatalf("expected 12 frames, got %d", n)
	}
	if !bytes.Equal(got[:len(pcm)], pcm) {
		t.Error("audio was not replayed in order")
	}
	for _, b := range got[len(pcm):] {
		if b != 0 {
			t.Fatal("expected trailing silence")
		}
	}
}

func TestFileSourceRealtimeStopsOnCancel(t *testing.T) {
	src := NewFileSource(make([]byte, 16000*2), 16000, 1600).Realtime(true)
	ctx, cancel := context.WithCancel(context.Background())

	frames, _ := src.Frames(ctx)
	start := time.Now()
	<-frames
	if time.Since(start) < 50*time.Millisecond {
		t.Error("expected realtime pacing")
	}
	cancel()
	for range frames {
	}
}

func TestOpenWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, NewWavBuffer(make([]byte, 640), 16000), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenWav(path, 16000, 160); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := OpenWav(path, 24000, 160); err == nil {
		t.Error("expected a sample rate mismatch error")
	}
	if _, err := OpenWav(filepath.Join(t.TempDir(), "missing.wav"), 16000, 160); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestFileSink(t *testing.T) {
	sink := NewFileSink(16000, false)
	sink.Play(context.Background(), []byte{1, 2})
	sink.Play(context.Background(), []byte{3, 4})
	if !bytes.Equal(sink.PCM(), []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected pcm %v", sink.PCM())
	}

	path := filepath.Join(t.TempDir(), "out.wav")
	if err := sink.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	f, _ := os.Open(path)
	defer f.Close()
	wav, err := ReadWav(f)
	if err != nil || !bytes.Equal(wav.PCM, []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected file contents %v, %v", wav, err)
	}
}

func TestFileSinkRealtimeCancel(t *testing.T) {
	sink := NewFileSink(16000, true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sink.Play(ctx, make([]byte, 32000)); err == nil {
		t.Error("expected the cancelled play to fail")
	}
	if len(sink.PCM()) != 0 {
		t.Error("cancelled audio must not be kept")
	}
}
