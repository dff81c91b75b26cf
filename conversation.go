// Package voiceloop is a full-duplex voice conversation engine. The
// Conversation type is the short way in; pkg/orchestrator has the parts.
package voiceloop

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// Conversation is a high-level API over one managed stream: listen to a
// frame source, answer through a sink, and report progress as events.
type Conversation struct {
	orch   *orchestrator.Orchestrator
	stream *orchestrator.ManagedStream
	id     string
}

// NewConversation creates a voice conversation with sensible defaults.
//
// Example:
//
//	conv, err := voiceloop.NewConversation(ctx, asr, gen, tts, speaker)
//	go conv.Run(ctx, mic)
//	conv.Listen()
//	for ev := range conv.Events() { ... }
func NewConversation(ctx context.Context, asr orchestrator.ASRProvider, gen orchestrator.Generator, tts orchestrator.TTSProvider, sink orchestrator.AudioSink, opts ...orchestrator.Option) (*Conversation, error) {
	return NewConversationWithConfig(ctx, asr, gen, tts, sink, orchestrator.DefaultConfig(), opts...)
}

// NewConversationWithConfig creates a voice conversation with custom configuration.
func NewConversationWithConfig(ctx context.Context, asr orchestrator.ASRProvider, gen orchestrator.Generator, tts orchestrator.TTSProvider, sink orchestrator.AudioSink, cfg orchestrator.Config, opts ...orchestrator.Option) (*Conversation, error) {
	orch, err := orchestrator.New(asr, gen, tts, sink, cfg, opts...)
	if err != nil {
		return nil, err
	}
	id := "conv_" + uuid.NewString()
	return &Conversation{
		orch:   orch,
		stream: orch.NewManagedStream(ctx, id),
		id:     id,
	}, nil
}

// Run feeds captured audio into the conversation until src is exhausted or
// ctx ends.
func (c *Conversation) Run(ctx context.Context, src orchestrator.FrameSource) error {
	return c.stream.Run(ctx, src)
}

// Listen starts listening for the user and keeps listening after every
// completed turn.
func (c *Conversation) Listen() error {
	return c.stream.Listen()
}

// Say answers typed text as if it had been spoken, interrupting whatever is
// in progress.
func (c *Conversation) Say(text string) error {
	return c.stream.SubmitText(text)
}

// Interrupt stops the current reply and stops listening.
func (c *Conversation) Interrupt() error {
	return c.stream.Interrupt()
}

func (c *Conversation) Events() <-chan orchestrator.OrchestratorEvent {
	return c.stream.Events()
}

func (c *Conversation) State() orchestrator.TurnState {
	return c.stream.State()
}

// SetVoice changes the voice from the next reply on.
//
// Example:
//
//	conv.SetVoice(orchestrator.VoiceLongWan)
func (c *Conversation) SetVoice(voice orchestrator.Voice) error {
	return c.stream.Configure(func(cfg *orchestrator.Config) { cfg.Voice = voice })
}

var validVoices = map[orchestrator.Voice]bool{
	orchestrator.VoiceLongXiaochun: true, orchestrator.VoiceLongWan: true,
	orchestrator.VoiceF1: true, orchestrator.VoiceF2: true,
	orchestrator.VoiceM1: true, orchestrator.VoiceM2: true,
}

// SetVoiceByString changes the voice using a string (e.g., "longwan", "M1").
func (c *Conversation) SetVoiceByString(voice string) error {
	v := orchestrator.Voice(voice)
	if !validVoices[v] {
		return fmt.Errorf("invalid voice: %s", voice)
	}
	return c.SetVoice(v)
}

// SetLanguage changes the recognition and synthesis language from the next
// turn on.
func (c *Conversation) SetLanguage(language orchestrator.Language) error {
	return c.stream.Configure(func(cfg *orchestrator.Config) { cfg.Language = language })
}

// SetLanguageByString changes the language using a string (e.g., "zh", "en").
func (c *Conversation) SetLanguageByString(language string) error {
	switch lang := orchestrator.Language(language); lang {
	case orchestrator.LanguageEn, orchestrator.LanguageEs, orchestrator.LanguageJa, orchestrator.LanguageZh:
		return c.SetLanguage(lang)
	}
	return fmt.Errorf("invalid language: %s", language)
}

// GetSessionID returns the unique session ID for this conversation.
func (c *Conversation) GetSessionID() string {
	return c.id
}

// GetProviders returns the names of the recognizer, generator and synthesizer.
func (c *Conversation) GetProviders() map[string]string {
	return c.orch.GetProviders()
}

func (c *Conversation) GetConfig() orchestrator.Config {
	return c.orch.GetConfig()
}

// Close stops the conversation, releases every stage and closes Events.
func (c *Conversation) Close() {
	c.stream.Close()
}
