// Package dashscope speaks the DashScope duplex inference protocol shared by
// the Paraformer recognizer and the CosyVoice synthesizer: one websocket per
// task, JSON control messages and binary audio.
package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lokutor-ai/voiceloop/pkg/auth"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// DefaultURL is the inference websocket endpoint.
const DefaultURL = "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"

// Server events.
const (
	EventTaskStarted     = "task-started"
	EventResultGenerated = "result-generated"
	EventTaskFinished    = "task-finished"
	EventTaskFailed      = "task-failed"
)

type Header struct {
	Action       string `json:"action,omitempty"`
	Event        string `json:"event,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Message is one JSON control message in either direction.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunTask describes the task started on a fresh connection.
type RunTask struct {
	TaskGroup  string `json:"task_group"`
	Task       string `json:"task"`
	Function   string `json:"function"`
	Model      string `json:"model"`
	Parameters any    `json:"parameters"`
	Input      any    `json:"input"`
}

// Frame is one message read from the server: either audio or a control
// message.
type Frame struct {
	Binary  []byte
	Message *Message
}

// Conn is one task's websocket.
type Conn struct {
	ws     *websocket.Conn
	taskID string
}

// Dial opens a connection authenticated with a credential from tokens.
func Dial(ctx context.Context, endpoint string, tokens auth.TokenSource, client *http.Client) (*Conn, error) {
	cred, err := tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashscope: token: %w", err)
	}
	if endpoint == "" {
		endpoint = DefaultURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dashscope: parse url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", cred.Token)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dashscope: dial: status %d: %w", resp.StatusCode, orchestrator.ErrAuth)
		}
		return nil, fmt.Errorf("dashscope: dial: %w: %v", orchestrator.ErrConnection, err)
	}
	ws.SetReadLimit(10 * 1024 * 1024)

	return &Conn{ws: ws, taskID: strings.ReplaceAll(uuid.NewString(), "-", "")}, nil
}

func (c *Conn) TaskID() string { return c.taskID }

func (c *Conn) send(ctx context.Context, action string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dashscope: encode %s: %w", action, err)
	}
	msg := Message{
		Header:  Header{Action: action, TaskID: c.taskID, Streaming: "duplex"},
		Payload: raw,
	}
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("dashscope: write %s: %w: %v", action, orchestrator.ErrConnection, err)
	}
	return nil
}

// Start sends run-task and waits for task-started.
func (c *Conn) Start(ctx context.Context, task RunTask) error {
	if task.Input == nil {
		task.Input = struct{}{}
	}
	if err := c.send(ctx, "run-task", task); err != nil {
		return err
	}
	for {
		f, err := c.Read(ctx)
		if err != nil {
			if errors.Is(err, orchestrator.ErrProtocol) {
				continue
			}
			return err
		}
		if f.Message == nil {
			continue
		}
		switch f.Message.Header.Event {
		case EventTaskStarted:
			return nil
		case EventTaskFailed:
			return TaskError(f.Message.Header)
		}
	}
}

// Continue sends one continue-task with the given input.
func (c *Conn) Continue(ctx context.Context, input any) error {
	return c.send(ctx, "continue-task", map[string]any{"input": input})
}

// Finish asks the server to flush and end the task.
func (c *Conn) Finish(ctx context.Context) error {
	return c.send(ctx, "finish-task", map[string]any{"input": struct{}{}})
}

// WriteAudio sends binary PCM.
func (c *Conn) WriteAudio(ctx context.Context, pcm []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("dashscope: write audio: %w: %v", orchestrator.ErrConnection, err)
	}
	return nil
}

// Read returns the next server frame. A text message that is not valid JSON
// yields an error wrapping ErrProtocol; the connection stays usable.
func (c *Conn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("dashscope: read: %w: %v", orchestrator.ErrConnection, err)
	}
	if typ == websocket.MessageBinary {
		return Frame{Binary: data}, nil
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("dashscope: decode %q: %w: %v", truncate(data), orchestrator.ErrProtocol, err)
	}
	return Frame{Message: &msg}, nil
}

// Close drops the connection without waiting for the close handshake.
func (c *Conn) Close() error {
	return c.ws.CloseNow()
}

// TaskError maps a task-failed header onto the engine's error kinds.
func TaskError(h Header) error {
	sentinel := orchestrator.ErrConnection
	code := strings.ToLower(h.ErrorCode)
	if strings.Contains(code, "apikey") || strings.Contains(code, "unauthorized") || strings.Contains(code, "accessdenied") {
		sentinel = orchestrator.ErrAuth
	}
	return fmt.Errorf("dashscope: task failed: %s: %s: %w", h.ErrorCode, h.ErrorMessage, sentinel)
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
