package orchestrator

import (
	"context"
	"io"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// FrameSource produces captured microphone frames. The channel is closed
// when capture ends; Err then tells a failure from a normal end.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan AudioFrame, error)
	Err() error
}

// AudioSink plays PCM. Play blocks until the audio has been rendered or ctx
// is cancelled, in which case any unplayed audio is discarded.
type AudioSink interface {
	Play(ctx context.Context, pcm []byte) error
}

type ASREventKind int

const (
	ASRPartial ASREventKind = iota
	ASRFinal
	ASRError
)

func (k ASREventKind) String() string {
	switch k {
	case ASRPartial:
		return "partial"
	case ASRFinal:
		return "final"
	case ASRError:
		return "error"
	}
	return "unknown"
}

type ASREvent struct {
	Kind ASREventKind
	Text string
	Err  error
}

type ASRConfig struct {
	SampleRate int
	Language   Language
	Model      string
}

// ASRProvider opens streaming recognition sessions. Dial returns once the
// backend has reported it is ready to accept audio.
type ASRProvider interface {
	Dial(ctx context.Context, cfg ASRConfig) (ASRStream, error)
	Name() string
}

// ASRStream is one recognition session. Events delivers zero or more
// partials followed by one final or error and is closed after that, or when
// Close is called.
type ASRStream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Events() <-chan ASREvent
	Finish(ctx context.Context) error
	Close() error
}

// GenerateRequest is one user utterance submitted to the generation backend.
type GenerateRequest struct {
	Text          string
	MemoryContext []string
	UserID        string
	AvatarID      string
}

// Generator submits a request and returns the raw NDJSON response body.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (io.ReadCloser, error)
	Name() string
}

type TTSConfig struct {
	Voice      Voice
	Language   Language
	SampleRate int
	Model      string
}

// TTSProvider opens incremental synthesis sessions.
type TTSProvider interface {
	Open(ctx context.Context, cfg TTSConfig) (TTSStream, error)
	Name() string
}

// TTSStream accepts text increments in order and returns audio in order.
// Audio is closed after Finish has flushed the tail, on failure, or on Close.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	Audio() <-chan []byte
	Finish(ctx context.Context) error
	Err() error
	Close() error
}

// MemoryRetriever returns context snippets relevant to a query. Failures are
// never fatal to a turn.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

type EventType string

const (
	Listening         EventType = "LISTENING"
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	TranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	BotThinking       EventType = "BOT_THINKING"
	// BotResponse carries one generated text increment (payload is string)
	BotResponse   EventType = "BOT_RESPONSE"
	BotSpeaking   EventType = "BOT_SPEAKING"
	TurnCompleted EventType = "TURN_COMPLETED"
	Interrupted   EventType = "INTERRUPTED"
	ErrorEvent    EventType = "ERROR"
)

type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    uint64      `json:"turn_id"`
	Data      interface{} `json:"data,omitempty"`
}

type Voice string

// Lokutor voices.
const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
)

// CosyVoice voices.
const (
	VoiceLongXiaochun Voice = "longxiaochun"
	VoiceLongWan      Voice = "longwan"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	SampleRate int
	// FrameSamples is the number of samples per captured frame.
	FrameSamples int
	// VADPrefixSamples is how much of each frame the scorer sees.
	VADPrefixSamples int
	SpeechThreshold  float64
	// SilenceDuration ends a recording once no speech has been seen for
	// this long and the recognizer is ready.
	SilenceDuration time.Duration
	LookbackFrames  int
	// MaxPendingAudio bounds audio held while the recognizer connects.
	MaxPendingAudio time.Duration
	// BargeIn keeps the gate live while the reply is generated and played;
	// speech onset aborts the reply and starts a new recording.
	BargeIn         bool
	EchoSuppression bool
	// FillerText replaces an empty first reply that also ends the turn.
	FillerText string
	Voice      Voice
	Language   Language
	ASRModel   string
	TTSModel   string
	UserID     string
	AvatarID   string
}

func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		FrameSamples:     512,
		VADPrefixSamples: 512,
		SpeechThreshold:  0.5,
		SilenceDuration:  800 * time.Millisecond,
		LookbackFrames:   3,
		MaxPendingAudio:  15 * time.Second,
		BargeIn:          true,
		EchoSuppression:  true,
		FillerText:       "嗯。",
		Voice:            VoiceLongXiaochun,
		Language:         LanguageZh,
		ASRModel:         "paraformer-realtime-v2",
		TTSModel:         "cosyvoice-v1",
	}
}

func (c Config) asrConfig() ASRConfig {
	return ASRConfig{SampleRate: c.SampleRate, Language: c.Language, Model: c.ASRModel}
}

func (c Config) ttsConfig() TTSConfig {
	return TTSConfig{Voice: c.Voice, Language: c.Language, SampleRate: c.SampleRate, Model: c.TTSModel}
}

// maxPendingBytes converts MaxPendingAudio into a byte budget. Zero means
// unbounded.
func (c Config) maxPendingBytes() int {
	if c.MaxPendingAudio <= 0 || c.SampleRate <= 0 {
		return 0
	}
	return int(c.MaxPendingAudio.Seconds()*float64(c.SampleRate)) * 2
}
