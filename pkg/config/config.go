// Package config provides the configuration schema and loader for the voice
// agent and the generation backend.
package config

import (
	"time"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel LogLevel      `yaml:"log_level"`
	Audio    AudioConfig   `yaml:"audio"`
	ASR      ASRConfig     `yaml:"asr"`
	TTS      TTSConfig     `yaml:"tts"`
	Backend  BackendConfig `yaml:"backend"`
	Memory   MemoryConfig  `yaml:"memory"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Server   ServerConfig  `yaml:"server"`
}

// AudioConfig holds capture, detection and playback settings.
type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	FrameSamples     int     `yaml:"frame_samples"`
	VADPrefixSamples int     `yaml:"vad_prefix_samples"`
	SpeechThreshold  float64 `yaml:"speech_threshold"`

	// RMSThreshold is the RMS level that scores as 0.5 speech probability.
	RMSThreshold float64       `yaml:"rms_threshold"`
	Silence      time.Duration `yaml:"silence"`
	Lookback     int           `yaml:"lookback"`

	// MaxPending bounds audio queued while the recognizer connects.
	// Zero means unbounded.
	MaxPending time.Duration `yaml:"max_pending"`

	BargeIn         bool `yaml:"barge_in"`
	EchoSuppression bool `yaml:"echo_suppression"`

	// InputFile replaces the microphone with a WAV file when set.
	InputFile string `yaml:"input_file"`
	// Realtime paces InputFile at its natural rate.
	Realtime bool `yaml:"realtime"`
}

// ASRConfig selects the speech recognition backend.
type ASRConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	APIKey   string `yaml:"api_key"`
	// URL overrides the provider endpoint. For whisper it is the base URL of
	// an OpenAI-compatible API.
	URL string `yaml:"url"`
}

// TTSConfig selects the speech synthesis backend.
type TTSConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
	APIKey   string `yaml:"api_key"`
	URL      string `yaml:"url"`
}

// BackendConfig points the agent at the generation backend.
type BackendConfig struct {
	URL      string `yaml:"url"`
	UserID   string `yaml:"user_id"`
	AvatarID string `yaml:"avatar_id"`
	Filler   string `yaml:"filler"`

	// TokenTTL is how long a temporary credential is reused.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// MemoryConfig configures long-term memory retrieval.
type MemoryConfig struct {
	// Provider is one of none, static or postgres.
	Provider       string   `yaml:"provider"`
	PostgresDSN    string   `yaml:"postgres_dsn"`
	EmbeddingModel string   `yaml:"embedding_model"`
	Dimensions     int      `yaml:"embedding_dimensions"`
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	TopK           int      `yaml:"top_k"`
	Threshold      float64  `yaml:"threshold"`
	Snippets       []string `yaml:"snippets"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `yaml:"listen_addr"`
}

// ServerConfig holds the generation backend's settings.
type ServerConfig struct {
	ListenAddr string    `yaml:"listen_addr"`
	LLM        LLMConfig `yaml:"llm"`

	HistoryLimit    int           `yaml:"history_limit"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SessionsPerUser int           `yaml:"sessions_per_user"`

	// Personas maps avatar ids to character descriptions.
	Personas       map[string]string `yaml:"personas"`
	DefaultPersona string            `yaml:"default_persona"`

	// AllowedUsers restricts token exchange. Empty allows everyone.
	AllowedUsers []string `yaml:"allowed_users"`

	DashScopeKey string `yaml:"dashscope_api_key"`
	TokenURL     string `yaml:"token_url"`
}

type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Default returns a configuration that works against DashScope with a local
// generation backend.
func Default() *Config {
	engine := orchestrator.DefaultConfig()
	return &Config{
		LogLevel: LogInfo,
		Audio: AudioConfig{
			SampleRate:       engine.SampleRate,
			FrameSamples:     engine.FrameSamples,
			VADPrefixSamples: engine.VADPrefixSamples,
			SpeechThreshold:  engine.SpeechThreshold,
			RMSThreshold:     0.02,
			Silence:          engine.SilenceDuration,
			Lookback:         engine.LookbackFrames,
			MaxPending:       engine.MaxPendingAudio,
			BargeIn:          engine.BargeIn,
			EchoSuppression:  engine.EchoSuppression,
			Realtime:         true,
		},
		ASR: ASRConfig{
			Provider: "dashscope",
			Model:    engine.ASRModel,
			Language: string(engine.Language),
		},
		TTS: TTSConfig{
			Provider: "cosyvoice",
			Model:    engine.TTSModel,
			Voice:    string(engine.Voice),
		},
		Backend: BackendConfig{
			URL:      "http://localhost:8000",
			UserID:   "user_123",
			AvatarID: "default",
			Filler:   engine.FillerText,
			TokenTTL: 40 * time.Second,
		},
		Memory: MemoryConfig{
			Provider:       "none",
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     1536,
			TopK:           5,
			Threshold:      0.7,
		},
		Server: ServerConfig{
			ListenAddr: ":8000",
			LLM: LLMConfig{
				BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:     "qwen-plus",
				MaxTokens: 200,
			},
			HistoryLimit:    100,
			SessionTTL:      100 * time.Second,
			SweepInterval:   60 * time.Second,
			SessionsPerUser: 5,
			DefaultPersona:  "你是一个友好的语音助手。",
			TokenURL:        "https://dashscope.aliyuncs.com/api/v1/tokens",
		},
	}
}

// Engine maps the audio, recognition, synthesis and backend sections onto
// the conversation engine's settings.
func (c *Config) Engine() orchestrator.Config {
	e := orchestrator.DefaultConfig()
	e.SampleRate = c.Audio.SampleRate
	e.FrameSamples = c.Audio.FrameSamples
	e.VADPrefixSamples = c.Audio.VADPrefixSamples
	e.SpeechThreshold = c.Audio.SpeechThreshold
	e.SilenceDuration = c.Audio.Silence
	e.LookbackFrames = c.Audio.Lookback
	e.MaxPendingAudio = c.Audio.MaxPending
	e.BargeIn = c.Audio.BargeIn
	e.EchoSuppression = c.Audio.EchoSuppression
	e.FillerText = c.Backend.Filler
	e.Voice = orchestrator.Voice(c.TTS.Voice)
	e.Language = orchestrator.Language(c.ASR.Language)
	e.ASRModel = c.ASR.Model
	e.TTSModel = c.TTS.Model
	e.UserID = c.Backend.UserID
	e.AvatarID = c.Backend.AvatarID
	return e
}
