package tts

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// LokutorTTS synthesizes one request per text increment. Requests on a
// stream are serialized, so audio comes back in text order.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string
	logger *slog.Logger
}

func NewLokutorTTS(apiKey string, logger *slog.Logger) *LokutorTTS {
	if logger == nil {
		logger = slog.Default()
	}
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
		logger: logger,
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Open(ctx context.Context, cfg orchestrator.TTSConfig) (orchestrator.TTSStream, error) {
	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + url.QueryEscape(t.apiKey)}
	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, fmt.Errorf("lokutor: dial: status %d: %w", resp.StatusCode, orchestrator.ErrAuth)
		}
		return nil, fmt.Errorf("lokutor: dial: %w: %v", orchestrator.ErrConnection, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	rctx, cancel := context.WithCancel(context.Background())
	st := &lokutorStream{
		conn:   conn,
		cfg:    cfg,
		logger: t.logger,
		texts:  make(chan string, 64),
		audio:  make(chan []byte, 16),
		ctx:    rctx,
		cancel: cancel,
	}
	go st.run()
	return st, nil
}

type lokutorStream struct {
	conn   *websocket.Conn
	cfg    orchestrator.TTSConfig
	logger *slog.Logger
	texts  chan string
	audio  chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	sendMu    sync.Mutex
	finished  bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (st *lokutorStream) run() {
	defer close(st.audio)
	for {
		select {
		case text, ok := <-st.texts:
			if !ok {
				return
			}
			if err := st.synthesize(text); err != nil {
				if st.ctx.Err() == nil {
					st.setErr(err)
				}
				return
			}
		case <-st.ctx.Done():
			return
		}
	}
}

func (st *lokutorStream) synthesize(text string) error {
	req := map[string]interface{}{
		"text":    text,
		"voice":   string(st.cfg.Voice),
		"lang":    string(st.cfg.Language),
		"speed":   1.0,
		"steps":   6,
		"visemes": false,
	}
	if err := wsjson.Write(st.ctx, st.conn, req); err != nil {
		return fmt.Errorf("lokutor: send synthesis request: %w: %v", orchestrator.ErrConnection, err)
	}

	for {
		messageType, payload, err := st.conn.Read(st.ctx)
		if err != nil {
			return fmt.Errorf("lokutor: read: %w: %v", orchestrator.ErrConnection, err)
		}

		switch messageType {
		case websocket.MessageBinary:
			select {
			case st.audio <- payload:
			case <-st.ctx.Done():
				return st.ctx.Err()
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return fmt.Errorf("lokutor: %s: %w", strings.TrimSpace(msg[4:]), orchestrator.ErrConnection)
			}
			st.logger.Warn("lokutor: ignoring unexpected message", "message", msg)
		}
	}
}

func (st *lokutorStream) setErr(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err == nil {
		st.err = err
	}
}

func (st *lokutorStream) SendText(ctx context.Context, text string) error {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	if st.finished {
		return fmt.Errorf("lokutor: text after finish")
	}
	select {
	case st.texts <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-st.ctx.Done():
		return fmt.Errorf("lokutor: stream closed: %w", orchestrator.ErrConnection)
	}
}

func (st *lokutorStream) Audio() <-chan []byte {
	return st.audio
}

// Finish lets queued requests complete and then ends the audio.
func (st *lokutorStream) Finish(ctx context.Context) error {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	if !st.finished {
		st.finished = true
		close(st.texts)
	}
	return nil
}

func (st *lokutorStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *lokutorStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		st.cancel()
		err = st.conn.CloseNow()
	})
	return err
}
