package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// DeepgramSTT streams audio to Deepgram's live transcription API.
type DeepgramSTT struct {
	apiKey string
	url    string
	model  string
	logger *slog.Logger
}

func NewDeepgramSTT(apiKey string, logger *slog.Logger) *DeepgramSTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeepgramSTT{
		apiKey: apiKey,
		url:    "wss://api.deepgram.com/v1/listen",
		model:  "nova-2",
		logger: logger,
	}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

// Dial opens a live session. Deepgram accepts audio as soon as the socket
// is open.
func (s *DeepgramSTT) Dial(ctx context.Context, cfg orchestrator.ASRConfig) (orchestrator.ASRStream, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "paraformer") {
		model = s.model
	}
	params := u.Query()
	params.Set("model", model)
	params.Set("smart_format", "true")
	params.Set("interim_results", "true")
	params.Set("encoding", "linear16")
	params.Set("channels", "1")
	params.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	if cfg.Language != "" {
		params.Set("language", string(cfg.Language))
	}
	u.RawQuery = params.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+s.apiKey)
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: status %d: %w", resp.StatusCode, orchestrator.ErrAuth)
		}
		return nil, fmt.Errorf("deepgram: dial: %w: %v", orchestrator.ErrConnection, err)
	}
	conn.SetReadLimit(1024 * 1024)

	rctx, cancel := context.WithCancel(context.Background())
	st := &deepgramStream{
		conn:   conn,
		logger: s.logger,
		events: make(chan orchestrator.ASREvent, 64),
		ctx:    rctx,
		cancel: cancel,
	}
	go st.readLoop()
	return st, nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	events    chan orchestrator.ASREvent
	ctx       context.Context
	cancel    context.CancelFunc
	finishing atomic.Bool
	once      sync.Once
}

type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

func (st *deepgramStream) readLoop() {
	defer close(st.events)

	var committed []string
	final := func() {
		st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRFinal, Text: strings.Join(committed, " ")})
	}
	for {
		typ, data, err := st.conn.Read(st.ctx)
		if err != nil {
			if st.ctx.Err() != nil {
				return
			}
			if st.finishing.Load() && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				final()
				return
			}
			st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRError, Err: fmt.Errorf("deepgram: read: %w: %v", orchestrator.ErrConnection, err)})
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			st.logger.Warn("deepgram: skipping malformed message", "error", err)
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if text == "" {
				continue
			}
			partial := strings.Join(append(committed[:len(committed):len(committed)], text), " ")
			if msg.IsFinal {
				committed = append(committed, text)
			}
			st.emit(orchestrator.ASREvent{Kind: orchestrator.ASRPartial, Text: partial})
		case "Metadata":
			// sent once the stream has been flushed after CloseStream
			if st.finishing.Load() {
				final()
				return
			}
		}
	}
}

func (st *deepgramStream) emit(ev orchestrator.ASREvent) {
	select {
	case st.events <- ev:
	case <-st.ctx.Done():
	}
}

func (st *deepgramStream) SendAudio(ctx context.Context, pcm []byte) error {
	if err := st.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("deepgram: write audio: %w: %v", orchestrator.ErrConnection, err)
	}
	return nil
}

func (st *deepgramStream) Events() <-chan orchestrator.ASREvent {
	return st.events
}

// Finish sends CloseStream; Deepgram flushes the remaining results and then
// closes the socket.
func (st *deepgramStream) Finish(ctx context.Context) error {
	st.finishing.Store(true)
	if err := wsjson.Write(ctx, st.conn, map[string]string{"type": "CloseStream"}); err != nil {
		return fmt.Errorf("deepgram: close stream: %w: %v", orchestrator.ErrConnection, err)
	}
	return nil
}

func (st *deepgramStream) Close() error {
	var err error
	st.once.Do(func() {
		st.cancel()
		err = st.conn.CloseNow()
	})
	return err
}
