package memory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultEmbeddingModel is used when no model is configured.
const DefaultEmbeddingModel = oai.EmbeddingModelTextEmbedding3Small

var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedder embeds text through any OpenAI-compatible embeddings
// endpoint, DashScope's compatible mode included.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

type embedderConfig struct {
	baseURL string
	timeout time.Duration
}

type EmbedderOption func(*embedderConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) EmbedderOption {
	return func(c *embedderConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) EmbedderOption {
	return func(c *embedderConfig) { c.timeout = d }
}

func NewOpenAIEmbedder(apiKey, model string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	cfg := &embedderConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAIEmbedder{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}

// Model returns the embedding model id.
func (e *OpenAIEmbedder) Model() string { return e.model }
