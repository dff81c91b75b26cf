package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/lokutor-ai/voiceloop/pkg/audio"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// WhisperSTT transcribes each utterance in one request to an
// OpenAI-compatible /audio/transcriptions endpoint (OpenAI, Groq). Audio is
// buffered until Finish, so it yields no partials.
type WhisperSTT struct {
	client oai.Client
	model  string
}

// NewWhisperSTT builds a batch recognizer. An empty baseURL targets OpenAI.
func NewWhisperSTT(apiKey, model, baseURL string) *WhisperSTT {
	if model == "" {
		model = "whisper-1"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &WhisperSTT{client: oai.NewClient(opts...), model: model}
}

func (s *WhisperSTT) Name() string {
	return "whisper-stt"
}

// Dial is immediate: there is no session to open.
func (s *WhisperSTT) Dial(ctx context.Context, cfg orchestrator.ASRConfig) (orchestrator.ASRStream, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &whisperStream{
		stt:    s,
		cfg:    cfg,
		events: make(chan orchestrator.ASREvent, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type whisperStream struct {
	stt    *WhisperSTT
	cfg    orchestrator.ASRConfig
	events chan orchestrator.ASREvent
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pcm      []byte
	finished bool
	closed   bool
}

func (st *whisperStream) SendAudio(ctx context.Context, pcm []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished || st.closed {
		return errors.New("whisper: audio after finish")
	}
	st.pcm = append(st.pcm, pcm...)
	return nil
}

func (st *whisperStream) Events() <-chan orchestrator.ASREvent {
	return st.events
}

// Finish uploads the buffered utterance; the result arrives on Events.
func (st *whisperStream) Finish(ctx context.Context) error {
	st.mu.Lock()
	if st.finished || st.closed {
		st.mu.Unlock()
		return nil
	}
	st.finished = true
	pcm := st.pcm
	st.pcm = nil
	st.mu.Unlock()

	go st.transcribe(pcm)
	return nil
}

func (st *whisperStream) transcribe(pcm []byte) {
	defer close(st.events)

	wav := audio.NewWavBuffer(pcm, st.cfg.SampleRate)
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(st.stt.model),
	}
	if st.cfg.Language != "" {
		params.Language = param.NewOpt(string(st.cfg.Language))
	}

	res, err := st.stt.client.Audio.Transcriptions.New(st.ctx, params)
	ev := orchestrator.ASREvent{Kind: orchestrator.ASRFinal}
	if err != nil {
		ev = orchestrator.ASREvent{Kind: orchestrator.ASRError, Err: transcriptionError(err)}
	} else {
		ev.Text = res.Text
	}
	select {
	case st.events <- ev:
	case <-st.ctx.Done():
	}
}

func transcriptionError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("whisper: transcribe: %w: %v", orchestrator.ErrAuth, err)
	}
	return fmt.Errorf("whisper: transcribe: %w: %v", orchestrator.ErrConnection, err)
}

func (st *whisperStream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	finished := st.finished
	st.mu.Unlock()

	st.cancel()
	if !finished {
		close(st.events)
	}
	return nil
}
