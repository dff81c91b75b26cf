// Package llm talks to language models: directly through an OpenAI-compatible
// API, or through the generation backend's streaming endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

var _ orchestrator.Generator = (*StreamClient)(nil)

// StreamClient submits utterances to the generation backend's /chat_stream
// endpoint and hands back the NDJSON body.
type StreamClient struct {
	baseURL string
	client  *http.Client
}

func NewStreamClient(baseURL string, client *http.Client) *StreamClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &StreamClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *StreamClient) Name() string {
	return "chat-stream"
}

// ChatRequest is the /chat_stream request body.
type ChatRequest struct {
	UserID       string   `json:"unionid"`
	AvatarID     string   `json:"avatar_id"`
	Prompt       string   `json:"prompt"`
	MemoryPrompt []string `json:"memory_prompt"`
}

func (c *StreamClient) Generate(ctx context.Context, req orchestrator.GenerateRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(ChatRequest{
		UserID:       req.UserID,
		AvatarID:     req.AvatarID,
		Prompt:       req.Text,
		MemoryPrompt: req.MemoryContext,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat_stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w: %v", orchestrator.ErrConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		sentinel := orchestrator.ErrConnection
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			sentinel = orchestrator.ErrAuth
		}
		return nil, fmt.Errorf("chat stream (status %d): %s: %w", resp.StatusCode, strings.TrimSpace(string(respBody)), sentinel)
	}
	return resp.Body, nil
}
