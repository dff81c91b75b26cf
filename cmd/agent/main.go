package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/voiceloop/pkg/audio"
	"github.com/lokutor-ai/voiceloop/pkg/auth"
	"github.com/lokutor-ai/voiceloop/pkg/config"
	"github.com/lokutor-ai/voiceloop/pkg/memory"
	"github.com/lokutor-ai/voiceloop/pkg/observe"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
	"github.com/lokutor-ai/voiceloop/pkg/providers/llm"
	"github.com/lokutor-ai/voiceloop/pkg/providers/stt"
	"github.com/lokutor-ai/voiceloop/pkg/providers/tts"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	output := flag.String("output", "", "write the spoken replies to this WAV file instead of the speaker (requires audio.input_file)")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := config.ValidateAgent(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *output, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, output string, logger *slog.Logger) error {
	metrics := observe.Noop()
	if cfg.Metrics.ListenAddr != "" {
		mp, shutdown, err := observe.InitProvider(ctx, "voiceloop-agent")
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer shutdown(context.Background())
		if metrics, err = observe.NewMetrics(mp); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	// One cached backend credential serves every DashScope provider that
	// has no key of its own.
	var backendTokens auth.TokenSource = auth.NewCache(
		auth.NewHTTPFetcher(cfg.Backend.URL, cfg.Backend.UserID, nil), cfg.Backend.TokenTTL)
	tokensFor := func(key string) auth.TokenSource {
		if key != "" {
			return auth.Static(key)
		}
		return backendTokens
	}

	asr, err := newASR(cfg, tokensFor, logger)
	if err != nil {
		return err
	}
	synth, err := newTTS(cfg, tokensFor, logger)
	if err != nil {
		return err
	}
	retriever, closeMemory, err := newMemory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMemory()

	var (
		source orchestrator.FrameSource
		sink   orchestrator.AudioSink
		file   *audio.FileSink
	)
	if cfg.Audio.InputFile != "" {
		src, err := audio.OpenWav(cfg.Audio.InputFile, cfg.Audio.SampleRate, cfg.Audio.FrameSamples)
		if err != nil {
			return err
		}
		source = src.Realtime(cfg.Audio.Realtime)
		if output != "" {
			file = audio.NewFileSink(cfg.Audio.SampleRate, cfg.Audio.Realtime)
			sink = file
		}
	}
	if sink == nil {
		device, err := audio.NewDevice(audio.DeviceConfig{
			SampleRate:   cfg.Audio.SampleRate,
			FrameSamples: cfg.Audio.FrameSamples,
		}, logger)
		if err != nil {
			return err
		}
		defer device.Close()
		sink = device
		if source == nil {
			source = device
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithScorer(orchestrator.NewRMSScorer(cfg.Audio.RMSThreshold)),
	}
	if retriever != nil {
		opts = append(opts, orchestrator.WithMemory(retriever))
	}
	orch, err := orchestrator.New(asr, llm.NewStreamClient(cfg.Backend.URL, nil), synth, sink, cfg.Engine(), opts...)
	if err != nil {
		return err
	}

	providers := orch.GetProviders()
	fmt.Printf("Configured: ASR=%s | Generation=%s | TTS=%s\n", providers["asr"], providers["generation"], providers["tts"])
	fmt.Printf("Sample Rate: %dHz | Language: %s | Voice: %s | Barge-in: %v\n",
		cfg.Audio.SampleRate, cfg.ASR.Language, cfg.TTS.Voice, cfg.Audio.BargeIn)
	fmt.Println("Voice Agent Started! Press Ctrl+C to exit")

	stream := orch.NewManagedStream(ctx, uuid.NewString())
	defer stream.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := stream.Run(ctx, source)
		if err == nil && cfg.Audio.InputFile != "" {
			// Let the last reply finish before exiting.
			waitIdle(ctx, stream)
			return errInputDone
		}
		return err
	})
	g.Go(func() error {
		printEvents(ctx, stream)
		return nil
	})
	if cfg.Metrics.ListenAddr != "" {
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	if err := stream.Listen(); err != nil {
		return err
	}
	err = g.Wait()
	if errors.Is(err, errInputDone) {
		err = nil
	}
	if file != nil {
		if werr := file.WriteFile(output); werr != nil {
			return werr
		}
		fmt.Printf("Wrote %s\n", output)
	}
	return err
}

var errInputDone = errors.New("input file finished")

func newASR(cfg *config.Config, tokensFor func(string) auth.TokenSource, logger *slog.Logger) (orchestrator.ASRProvider, error) {
	switch cfg.ASR.Provider {
	case "dashscope":
		return stt.NewDashScopeSTT(tokensFor(cfg.ASR.APIKey), logger), nil
	case "deepgram":
		return stt.NewDeepgramSTT(cfg.ASR.APIKey, logger), nil
	case "whisper":
		return stt.NewWhisperSTT(cfg.ASR.APIKey, cfg.ASR.Model, cfg.ASR.URL), nil
	}
	return nil, fmt.Errorf("unknown asr provider %q", cfg.ASR.Provider)
}

func newTTS(cfg *config.Config, tokensFor func(string) auth.TokenSource, logger *slog.Logger) (orchestrator.TTSProvider, error) {
	switch cfg.TTS.Provider {
	case "cosyvoice":
		return tts.NewCosyVoiceTTS(tokensFor(cfg.TTS.APIKey), logger), nil
	case "lokutor":
		return tts.NewLokutorTTS(cfg.TTS.APIKey, logger), nil
	}
	return nil, fmt.Errorf("unknown tts provider %q", cfg.TTS.Provider)
}

func newMemory(ctx context.Context, cfg *config.Config) (orchestrator.MemoryRetriever, func(), error) {
	m := cfg.Memory
	opts := memory.Options{TopK: m.TopK, Threshold: m.Threshold}
	switch m.Provider {
	case "static":
		return memory.Static(m.Snippets), func() {}, nil
	case "postgres":
		var embedOpts []memory.EmbedderOption
		if m.BaseURL != "" {
			embedOpts = append(embedOpts, memory.WithBaseURL(m.BaseURL))
		}
		embedder, err := memory.NewOpenAIEmbedder(m.APIKey, m.EmbeddingModel, embedOpts...)
		if err != nil {
			return nil, nil, err
		}
		store, err := memory.NewStore(ctx, m.PostgresDSN, m.Dimensions, embedder, opts)
		if err != nil {
			return nil, nil, err
		}
		return store.ForAvatar(cfg.Backend.AvatarID), store.Close, nil
	}
	return nil, func() {}, nil
}

func waitIdle(ctx context.Context, stream *orchestrator.ManagedStream) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if stream.State() == orchestrator.StateIdle {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func printEvents(ctx context.Context, stream *orchestrator.ManagedStream) {
	for {
		var event orchestrator.OrchestratorEvent
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			event = ev
		case <-ctx.Done():
			return
		}

		switch event.Type {
		case orchestrator.UserSpeaking:
			fmt.Printf("🎤 [USER] Speaking...\n")
		case orchestrator.UserStopped:
			fmt.Printf("⌛ [ASR] Processing...\n")
		case orchestrator.TranscriptFinal:
			fmt.Printf("📝 [TRANSCRIPT] %s\n", event.Data)
		case orchestrator.BotThinking:
			fmt.Printf("🧠 [BACKEND] Thinking...\n")
		case orchestrator.BotSpeaking:
			fmt.Printf("🔊 [TTS] Speaking...\n")
		case orchestrator.TurnCompleted:
			fmt.Printf("💬 [REPLY] %s\n", event.Data)
		case orchestrator.Interrupted:
			fmt.Printf("🛑 [INTERRUPTED] %v\n", event.Data)
		case orchestrator.ErrorEvent:
			fmt.Printf("❌ [ERROR] %v\n", event.Data)
		}
	}
}
