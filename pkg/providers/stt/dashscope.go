package stt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lokutor-ai/voiceloop/pkg/auth"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
	"github.com/lokutor-ai/voiceloop/pkg/providers/dashscope"
)

const defaultParaformerModel = "paraformer-realtime-v2"

// DashScopeSTT streams audio to the Paraformer realtime recognizer.
type DashScopeSTT struct {
	tokens auth.TokenSource
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewDashScopeSTT(tokens auth.TokenSource, logger *slog.Logger) *DashScopeSTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &DashScopeSTT{
		tokens: tokens,
		url:    dashscope.DefaultURL,
		logger: logger,
	}
}

func (s *DashScopeSTT) Name() string {
	return "dashscope-paraformer"
}

type paraformerParams struct {
	Format        string   `json:"format"`
	SampleRate    int      `json:"sample_rate"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

// Dial returns once the recognizer has reported task-started.
func (s *DashScopeSTT) Dial(ctx context.Context, cfg orchestrator.ASRConfig) (orchestrator.ASRStream, error) {
	conn, err := dashscope.Dial(ctx, s.url, s.tokens, s.client)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = defaultParaformerModel
	}
	params := paraformerParams{Format: "pcm", SampleRate: cfg.SampleRate}
	if cfg.Language != "" {
		params.LanguageHints = []string{string(cfg.Language)}
	}
	err = conn.Start(ctx, dashscope.RunTask{
		TaskGroup:  "audio",
		Task:       "asr",
		Function:   "recognition",
		Model:      model,
		Parameters: params,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	st := &paraformerStream{
		conn:   conn,
		logger: s.logger.With("task_id", conn.TaskID()),
		events: make(chan orchestrator.ASREvent, 64),
		ctx:    rctx,
		cancel: cancel,
	}
	go st.readLoop()
	return st, nil
}

type paraformerStream struct {
	conn   *dashscope.Conn
	logger *slog.Logger
	events chan orchestrator.ASREvent
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

type sentenceResult struct {
	Output struct {
		Sentence struct {
			Text        string `json:"text"`
			SentenceEnd bool   `json:"sentence_end"`
		} `json:"sentence"`
	} `json:"output"`
}

func (st *paraformerStream) readLoop() {
	defer close(st.events)

	// committed holds every closed sentence, tail the one still open
	var committed, tail string
	for {
		f, err := st.conn.Read(st.ctx)
		if err != nil {
			if st.ctx.Err() != nil {
				return
			}
			if errors.Is(err, orchestrator.ErrProtocol) {
				st.logger.Warn("skipping malformed message", "error", err)
				continue
			}
			st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRError, Err: err})
			return
		}
		if f.Message == nil {
			continue
		}

		h := f.Message.Header
		switch h.Event {
		case dashscope.EventResultGenerated:
			var res sentenceResult
			if err := json.Unmarshal(f.Message.Payload, &res); err != nil {
				st.logger.Warn("skipping malformed result", "error", err)
				continue
			}
			s := res.Output.Sentence
			if s.Text == "" {
				continue
			}
			text := committed + s.Text
			tail = s.Text
			if s.SentenceEnd {
				committed, tail = text, ""
			}
			st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRPartial, Text: text})
		case dashscope.EventTaskFinished:
			st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRFinal, Text: committed + tail})
			return
		case dashscope.EventTaskFailed:
			st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRError, Err: dashscope.TaskError(h)})
			return
		}
	}
}

func (st *paraformerStream) emit(ev orchestrator.ASREvent) {
	select {
	case st.events <- ev:
	case <-st.ctx.Done():
	}
}

func (st *paraformerStream) SendAudio(ctx context.Context, pcm []byte) error {
	return st.conn.WriteAudio(ctx, pcm)
}

func (st *paraformerStream) Events() <-chan orchestrator.ASREvent {
	return st.events
}

func (st *paraformerStream) Finish(ctx context.Context) error {
	return st.conn.Finish(ctx)
}

func (st *paraformerStream) Close() error {
	var err error
	st.once.Do(func() {
		st.cancel()
		err = st.conn.Close()
	})
	return err
}
