package tts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lokutor-ai/voiceloop/pkg/auth"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
	"github.com/lokutor-ai/voiceloop/pkg/providers/dashscope"
)

// CosyVoiceTTS synthesizes incrementally over one DashScope task per reply.
type CosyVoiceTTS struct {
	tokens auth.TokenSource
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewCosyVoiceTTS(tokens auth.TokenSource, logger *slog.Logger) *CosyVoiceTTS {
	if logger == nil {
		logger = slog.Default()
	}
	return &CosyVoiceTTS{
		tokens: tokens,
		url:    dashscope.DefaultURL,
		logger: logger,
	}
}

func (t *CosyVoiceTTS) Name() string {
	return "cosyvoice"
}

type cosyVoiceParams struct {
	TextType   string  `json:"text_type"`
	Voice      string  `json:"voice"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Volume     int     `json:"volume"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
}

func (t *CosyVoiceTTS) Open(ctx context.Context, cfg orchestrator.TTSConfig) (orchestrator.TTSStream, error) {
	conn, err := dashscope.Dial(ctx, t.url, t.tokens, t.client)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = "cosyvoice-v1"
	}
	voice := cfg.Voice
	if voice == "" {
		voice = orchestrator.VoiceLongXiaochun
	}
	err = conn.Start(ctx, dashscope.RunTask{
		TaskGroup: "audio",
		Task:      "tts",
		Function:  "SpeechSynthesizer",
		Model:     model,
		Parameters: cosyVoiceParams{
			TextType:   "PlainText",
			Voice:      string(voice),
			Format:     "pcm",
			SampleRate: cfg.SampleRate,
			Volume:     50,
			Rate:       1,
			Pitch:      1,
		},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	st := &cosyVoiceStream{
		conn:   conn,
		logger: t.logger.With("task_id", conn.TaskID()),
		audio:  make(chan []byte, 16),
		ctx:    rctx,
		cancel: cancel,
	}
	go st.readLoop()
	return st, nil
}

type cosyVoiceStream struct {
	conn   *dashscope.Conn
	logger *slog.Logger
	audio  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (st *cosyVoiceStream) readLoop() {
	defer close(st.audio)
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
			st.setErr(err)
			return
		}
		if f.Binary != nil {
			select {
			case st.audio <- f.Binary:
			case <-st.ctx.Done():
				return
			}
			continue
		}
		switch f.Message.Header.Event {
		case dashscope.EventTaskFinished:
			return
		case dashscope.EventTaskFailed:
			st.setErr(dashscope.TaskError(f.Message.Header))
			return
		}
	}
}

func (st *cosyVoiceStream) setErr(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err == nil {
		st.err = err
	}
}

func (st *cosyVoiceStream) SendText(ctx context.Context, text string) error {
	return st.conn.Continue(ctx, map[string]string{"text": text})
}

func (st *cosyVoiceStream) Audio() <-chan []byte {
	return st.audio
}

func (st *cosyVoiceStream) Finish(ctx context.Context) error {
	return st.conn.Finish(ctx)
}

func (st *cosyVoiceStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *cosyVoiceStream) Close() error {
	var err error
	st.once.Do(func() {
		st.cancel()
		err = st.conn.Close()
	})
	return err
}
