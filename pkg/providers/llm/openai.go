package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// OpenAILLM streams chat completions from any OpenAI-compatible endpoint,
// such as DashScope's compatible mode or Groq.
type OpenAILLM struct {
	client    oai.Client
	model     string
	maxTokens int
}

func NewOpenAILLM(apiKey, model, baseURL string, maxTokens int) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAILLM{
		client:    oai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}

// Stream sends messages and calls onDelta with every content increment in
// order. It returns the concatenated reply.
func (l *OpenAILLM) Stream(ctx context.Context, messages []orchestrator.Message, onDelta func(string) error) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: convertMessages(messages),
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if l.maxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(l.maxTokens))
	}

	stream := l.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return reply.String(), err
		}
	}
	if err := stream.Err(); err != nil {
		return reply.String(), completionError(err)
	}
	return reply.String(), nil
}

func convertMessages(messages []orchestrator.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, oai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

func completionError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("openai llm: %w: %v", orchestrator.ErrAuth, err)
	}
	return fmt.Errorf("openai llm: %w: %v", orchestrator.ErrConnection, err)
}
