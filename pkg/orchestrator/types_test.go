package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", cfg.SampleRate)
	}
	if cfg.SilenceDuration != 800*time.Millisecond {
		t.Errorf("Expected silence 800ms, got %v", cfg.SilenceDuration)
	}
	if cfg.LookbackFrames != 3 {
		t.Errorf("Expected lookback 3, got %d", cfg.LookbackFrames)
	}
	if cfg.FillerText == "" {
		t.Error("Expected a filler text")
	}
}

func TestMaxPendingBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingAudio = time.Second
	if got := cfg.maxPendingBytes(); got != 32000 {
		t.Errorf("expected 32000 bytes, got %d", got)
	}
	cfg.MaxPendingAudio = 0
	if got := cfg.maxPendingBytes(); got != 0 {
		t.Errorf("expected unbounded, got %d", got)
	}
}

func TestFramer(t *testing.T) {
	fr := NewFramer(4, 16000)

	frames := fr.Write(make([]byte, 12))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if fr.Pending() != 4 {
		t.Errorf("expected 4 pending bytes, got %d", fr.Pending())
	}

	frames = fr.Write(make([]byte, 4))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", frames[0].Seq)
	}
	if frames[0].At != 250*time.Microsecond {
		t.Errorf("expected offset 250µs, got %v", frames[0].At)
	}
	if frames[0].Duration() != 250*time.Microsecond {
		t.Errorf("expected duration 250µs, got %v", frames[0].Duration())
	}
}

func TestTurnError(t *testing.T) {
	cause := errors.New("socket reset")
	err := NewTurnError(KindConnection, "asr", cause)

	if !errors.Is(err, ErrConnection) {
		t.Error("expected ErrConnection")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("did not expect ErrAuth")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindConnection {
		t.Errorf("expected connection kind, got %s", KindOf(wrapped))
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("token: %w", ErrAuth), KindAuth},
		{fmt.Errorf("mic: %w", ErrDevice), KindDevice},
		{ErrProtocol, KindProtocol},
		{context.Canceled, KindUserAbort},
		{errors.New("boom"), KindConnection},
		{NewTurnError(KindDevice, "playback", nil), KindDevice},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
