package orchestrator

import (
	"context"
	"sync"

	"github.com/lokutor-ai/voiceloop/pkg/observe"
)

// Orchestrator holds the providers and settings shared by every stream:
// recognizer -> generation backend -> synthesizer -> speaker.
type Orchestrator struct {
	asr     ASRProvider
	gen     Generator
	tts     TTSProvider
	sink    AudioSink
	scorer  Scorer
	memory  MemoryRetriever
	config  Config
	logger  Logger
	metrics *observe.Metrics
	mu      sync.RWMutex
}

type Option func(*Orchestrator)

// WithLogger sets the logger. *slog.Logger satisfies Logger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithScorer replaces the default RMS speech scorer.
func WithScorer(s Scorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// WithMemory adds a retriever whose snippets accompany every request.
func WithMemory(m MemoryRetriever) Option {
	return func(o *Orchestrator) { o.memory = m }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// New creates an orchestrator. The recognizer, generator, synthesizer and
// sink are required.
func New(asr ASRProvider, gen Generator, tts TTSProvider, sink AudioSink, config Config, opts ...Option) (*Orchestrator, error) {
	if asr == nil || gen == nil || tts == nil || sink == nil {
		return nil, ErrNilProvider
	}
	o := &Orchestrator{
		asr:    asr,
		gen:    gen,
		tts:    tts,
		sink:   sink,
		config: config,
		logger: &NoOpLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.scorer == nil {
		o.scorer = NewRMSScorer(0.02)
	}
	if o.metrics == nil {
		o.metrics = observe.Noop()
	}
	return o, nil
}

// UpdateConfig replaces the configuration used by streams created later.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

// GetProviders returns the names of the configured providers.
func (o *Orchestrator) GetProviders() map[string]string {
	return map[string]string{
		"asr":        o.asr.Name(),
		"generation": o.gen.Name(),
		"tts":        o.tts.Name(),
	}
}

// NewManagedStream creates a conversation stream and starts its event loop.
func (o *Orchestrator) NewManagedStream(ctx context.Context, sessionID string) *ManagedStream {
	return newManagedStream(ctx, o, o.GetConfig(), sessionID)
}
