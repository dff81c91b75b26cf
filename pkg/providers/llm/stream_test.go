package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

func TestStreamClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat_stream" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.UserID != "user_123" || req.AvatarID != "a1" || req.Prompt != "hello" || len(req.MemoryPrompt) != 1 {
			t.Errorf("unexpected body %+v", req)
		}
		w.Write([]byte(`{"text":"Hi","endpoint":false}` + "\n" + `{"text":"","endpoint":true}` + "\n"))
	}))
	defer server.Close()

	c := NewStreamClient(server.URL+"/", nil)
	body, err := c.Generate(context.Background(), orchestrator.GenerateRequest{
		Text:          "hello",
		MemoryContext: []string{"likes tea"},
		UserID:        "user_123",
		AvatarID:      "a1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if len(data) == 0 {
		t.Error("expected the response body")
	}
}

func TestStreamClientStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, orchestrator.ErrAuth},
		{http.StatusInternalServerError, orchestrator.ErrConnection},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		c := NewStreamClient(server.URL, nil)
		_, err := c.Generate(context.Background(), orchestrator.GenerateRequest{Text: "x"})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
		server.Close()
	}
}

func TestStreamClientUnreachable(t *testing.T) {
	c := NewStreamClient("http://127.0.0.1:1", nil)
	if _, err := c.Generate(context.Background(), orchestrator.GenerateRequest{}); !errors.Is(err, orchestrator.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}
