package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type ttsRecorder struct {
	mu    sync.Mutex
	audio []string
	done  chan error
}

func newTTSRecorder() *ttsRecorder {
	return &ttsRecorder{done: make(chan error, 1)}
}

func (r *ttsRecorder) onAudio(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, string(b))
}

func (r *ttsRecorder) onDone(err error) { r.done <- err }

func (r *ttsRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesis to end")
	}
	return nil
}

func (r *ttsRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.audio, "|")
}

func TestTTSSessionOrder(t *testing.T) {
	p := &MockTTSProvider{}
	s := NewTTSSession(p, TTSConfig{Voice: VoiceLongXiaochun}, nil)
	rec := newTTSRecorder()

	// text queued before the stream is open is kept
	s.SendText("Hello")
	s.Connect(context.Background(), rec.onAudio, rec.onDone)
	s.SendText(", ")
	s.SendText("world")
	s.Stop()

	if err := rec.wait(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.joined(); got != "Hello|, |world" {
		t.Errorf("unexpected audio order %q", got)
	}
	if texts := p.Streams()[0].Texts(); len(texts) != 3 {
		t.Errorf("expected 3 increments, got %v", texts)
	}
	s.Close()
}

func TestTTSSessionOpenError(t *testing.T) {
	p := &MockTTSProvider{openErr: errors.New("unauthorized")}
	s := NewTTSSession(p, TTSConfig{}, nil)
	rec := newTTSRecorder()
	s.Connect(context.Background(), rec.onAudio, rec.onDone)

	if err := rec.wait(t); err == nil {
		t.Fatal("expected an error")
	}
	s.Close()
}

func TestTTSSessionDropsTextAfterStop(t *testing.T) {
	p := &MockTTSProvider{}
	s := NewTTSSession(p, TTSConfig{}, nil)
	rec := newTTSRecorder()
	s.Connect(context.Background(), rec.onAudio, rec.onDone)
	s.SendText("a")
	s.Stop()
	s.SendText("b")

	rec.wait(t)
	if got := rec.joined(); got != "a" {
		t.Errorf("expected only 'a', got %q", got)
	}
	s.Close()
}

func TestTTSSessionCloseIsIdempotent(t *testing.T) {
	p := &MockTTSProvider{}
	s := NewTTSSession(p, TTSConfig{}, nil)
	rec := newTTSRecorder()
	s.Connect(context.Background(), rec.onAudio, rec.onDone)
	s.SendText("a")

	for len(p.Streams()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.Streams()[0].Closed() {
		t.Error("expected the stream to be closed")
	}
}
