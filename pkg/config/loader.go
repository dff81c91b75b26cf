package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
var ValidProviderNames = map[string][]string{
	"asr":    {"dashscope", "deepgram", "whisper"},
	"tts":    {"cosyvoice", "lokutor"},
	"memory": {"none", "static", "postgres"},
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; variables already set are never overwritten.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and validates the result. An empty path starts from [Default].
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv fills secrets and deployment settings from the environment.
// Variables that are set win over the file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	if v, ok := get("DASHSCOPE_API_KEY"); ok {
		if cfg.ASR.Provider == "dashscope" {
			cfg.ASR.APIKey = v
		}
		if cfg.TTS.Provider == "cosyvoice" {
			cfg.TTS.APIKey = v
		}
		cfg.Server.DashScopeKey = v
		if cfg.Server.LLM.APIKey == "" {
			cfg.Server.LLM.APIKey = v
		}
	}
	if v, ok := get("DEEPGRAM_API_KEY"); ok && cfg.ASR.Provider == "deepgram" {
		cfg.ASR.APIKey = v
	}
	if v, ok := get("LOKUTOR_API_KEY"); ok && cfg.TTS.Provider == "lokutor" {
		cfg.TTS.APIKey = v
	}
	if v, ok := get("OPENAI_API_KEY"); ok {
		cfg.Memory.APIKey = v
		if cfg.ASR.Provider == "whisper" {
			cfg.ASR.APIKey = v
		}
	}
	if v, ok := get("LLM_API_KEY"); ok {
		cfg.Server.LLM.APIKey = v
	}
	if v, ok := get("POSTGRES_DSN"); ok {
		cfg.Memory.PostgresDSN = v
	}
	if v, ok := get("VOICELOOP_BACKEND_URL"); ok {
		cfg.Backend.URL = v
	}
	if v, ok := get("VOICELOOP_USER_ID"); ok {
		cfg.Backend.UserID = v
	}
	if v, ok := get("VOICELOOP_LOG_LEVEL"); ok {
		cfg.LogLevel = LogLevel(v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", a.SampleRate))
	}
	if a.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples must be positive, got %d", a.FrameSamples))
	}
	if a.VADPrefixSamples < 0 || a.VADPrefixSamples > a.FrameSamples {
		errs = append(errs, fmt.Errorf("audio.vad_prefix_samples %d is out of range [0, %d]", a.VADPrefixSamples, a.FrameSamples))
	}
	if a.SpeechThreshold <= 0 || a.SpeechThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.speech_threshold %.2f is out of range (0, 1)", a.SpeechThreshold))
	}
	if a.RMSThreshold <= 0 {
		errs = append(errs, fmt.Errorf("audio.rms_threshold must be positive, got %.3f", a.RMSThreshold))
	}
	if a.Silence <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence must be positive, got %s", a.Silence))
	}
	if a.Lookback < 1 {
		errs = append(errs, fmt.Errorf("audio.lookback must be at least 1, got %d", a.Lookback))
	}
	if a.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("audio.max_pending must not be negative, got %s", a.MaxPending))
	}

	// Providers
	errs = appendProviderError(errs, "asr", "asr.provider", cfg.ASR.Provider)
	errs = appendProviderError(errs, "tts", "tts.provider", cfg.TTS.Provider)
	errs = appendProviderError(errs, "memory", "memory.provider", cfg.Memory.Provider)

	// Memory
	if cfg.Memory.Provider == "postgres" {
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required for the postgres provider"))
		}
		if cfg.Memory.EmbeddingModel == "" {
			errs = append(errs, errors.New("memory.embedding_model is required for the postgres provider"))
		}
		if cfg.Memory.Dimensions <= 0 {
			errs = append(errs, fmt.Errorf("memory.embedding_dimensions must be positive, got %d", cfg.Memory.Dimensions))
		}
	}
	if cfg.Memory.TopK < 0 {
		errs = append(errs, fmt.Errorf("memory.top_k must not be negative, got %d", cfg.Memory.TopK))
	}
	if cfg.Memory.Threshold < 0 || cfg.Memory.Threshold > 1 {
		errs = append(errs, fmt.Errorf("memory.threshold %.2f is out of range [0, 1]", cfg.Memory.Threshold))
	}

	// Server
	s := cfg.Server
	if s.HistoryLimit < 2 {
		errs = append(errs, fmt.Errorf("server.history_limit must be at least 2, got %d", s.HistoryLimit))
	}
	if s.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("server.session_ttl must be positive, got %s", s.SessionTTL))
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.sweep_interval must be positive, got %s", s.SweepInterval))
	}
	if s.SessionsPerUser < 1 {
		errs = append(errs, fmt.Errorf("server.sessions_per_user must be at least 1, got %d", s.SessionsPerUser))
	}
	if s.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("server.llm.max_tokens must be positive, got %d", s.LLM.MaxTokens))
	}

	if cfg.Backend.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("backend.token_ttl must not be negative, got %s", cfg.Backend.TokenTTL))
	}

	return errors.Join(errs...)
}

func appendProviderError(errs []error, kind, field, name string) []error {
	valid := ValidProviderNames[kind]
	if name == "" || slices.Contains(valid, name) {
		return errs
	}
	return append(errs, fmt.Errorf("%s %q is unknown; valid values: %v", field, name, valid))
}

// ValidateAgent checks the settings the voice agent needs on top of
// [Validate]: credentials for the selected providers and a backend.
func ValidateAgent(cfg *Config) error {
	var errs []error
	if cfg.ASR.Provider == "" {
		errs = append(errs, errors.New("asr.provider is required"))
	} else if cfg.ASR.APIKey == "" && cfg.ASR.Provider != "dashscope" {
		errs = append(errs, fmt.Errorf("asr.api_key is required for %s", cfg.ASR.Provider))
	}
	if cfg.TTS.Provider == "" {
		errs = append(errs, errors.New("tts.provider is required"))
	} else if cfg.TTS.APIKey == "" && cfg.TTS.Provider != "cosyvoice" {
		errs = append(errs, fmt.Errorf("tts.api_key is required for %s", cfg.TTS.Provider))
	}
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if cfg.Backend.UserID == "" {
		errs = append(errs, errors.New("backend.user_id is required"))
	}
	if cfg.Memory.Provider == "postgres" && cfg.Memory.APIKey == "" {
		slog.Warn("memory.api_key is empty; embedding requests will likely be rejected")
	}
	return errors.Join(errs...)
}

// ValidateServer checks the settings the generation backend needs.
func ValidateServer(cfg *Config) error {
	var errs []error
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LLM.APIKey == "" {
		errs = append(errs, errors.New("server.llm.api_key is required (or set DASHSCOPE_API_KEY / LLM_API_KEY)"))
	}
	if cfg.Server.LLM.Model == "" {
		errs = append(errs, errors.New("server.llm.model is required"))
	}
	if cfg.Server.DashScopeKey == "" {
		slog.Warn("server.dashscope_api_key is empty; /generate_temp_token will fail")
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
