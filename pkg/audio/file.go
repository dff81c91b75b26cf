package audio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

var (
	_ orchestrator.FrameSource = (*FileSource)(nil)
	_ orchestrator.AudioSink   = (*FileSink)(nil)
)

// FileSource replays PCM as captured frames.
type FileSource struct {
	pcm          []byte
	sampleRate   int
	frameSamples int
	realtime     bool
	trailing     time.Duration
}

// OpenWav reads a WAV file for replay. Its sample rate must match
// sampleRate.
func OpenWav(path string, sampleRate, frameSamples int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	wav, err := ReadWav(f)
	if err != nil {
		return nil, fmt.Errorf("audio: %q: %w", path, err)
	}
	if wav.SampleRate != sampleRate {
		return nil, fmt.Errorf("audio: %q is %d Hz, expected %d Hz", path, wav.SampleRate, sampleRate)
	}
	return NewFileSource(wav.PCM, sampleRate, frameSamples), nil
}

// NewFileSource replays pcm followed by one second of silence, enough to
// close the last utterance.
func NewFileSource(pcm []byte, sampleRate, frameSamples int) *FileSource {
	return &FileSource{
		pcm:          pcm,
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		trailing:     time.Second,
	}
}

// Realtime paces frames at their natural rate instead of as fast as the
// consumer accepts them.
func (s *FileSource) Realtime(on bool) *FileSource {
	s.realtime = on
	return s
}

// Trailing sets the silence appended after the audio.
func (s *FileSource) Trailing(d time.Duration) *FileSource {
	s.trailing = d
	return s
}

func (s *FileSource) Frames(ctx context.Context) (<-chan orchestrator.AudioFrame, error) {
	framer := orchestrator.NewFramer(s.frameSamples, s.sampleRate)
	frames := framer.Write(s.pcm)
	silence := int(s.trailing.Seconds()*float64(s.sampleRate)) * 2
	frames = append(frames, framer.Write(make([]byte, framer.Pending()%2+silence))...)

	out := make(chan orchestrator.AudioFrame)
	go func() {
		defer close(out)

		var tick <-chan time.Time
		if s.realtime && len(frames) > 0 {
			ticker := time.NewTicker(frames[0].Duration())
			defer ticker.Stop()
			tick = ticker.C
		}
		for _, f := range frames {
			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Err is always nil: replay ends only when the file or ctx does.
func (s *FileSource) Err() error {
	return nil
}

// FileSink collects played audio, optionally taking as long as real
// playback would.
type FileSink struct {
	sampleRate int
	realtime   bool

	mu  sync.Mutex
	pcm []byte
}

func NewFileSink(sampleRate int, realtime bool) *FileSink {
	return &FileSink{sampleRate: sampleRate, realtime: realtime}
}

func (s *FileSink) Play(ctx context.Context, pcm []byte) error {
	if s.realtime && s.sampleRate > 0 {
		d := time.Duration(len(pcm)/2) * time.Second / time.Duration(s.sampleRate)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.pcm = append(s.pcm, pcm...)
	s.mu.Unlock()
	return nil
}

// PCM returns everything played so far.
func (s *FileSink) PCM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pcm...)
}

// WriteFile saves the played audio as a WAV file.
func (s *FileSink) WriteFile(path string) error {
	if err := os.WriteFile(path, NewWavBuffer(s.PCM(), s.sampleRate), 0o644); err != nil {
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	return nil
}
