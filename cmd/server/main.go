package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/voiceloop/pkg/auth"
	"github.com/lokutor-ai/voiceloop/pkg/config"
	"github.com/lokutor-ai/voiceloop/pkg/memory"
	"github.com/lokutor-ai/voiceloop/pkg/observe"
	"github.com/lokutor-ai/voiceloop/pkg/providers/llm"
	"github.com/lokutor-ai/voiceloop/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
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
	if err := config.ValidateServer(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sc := cfg.Server

	mp, shutdown, err := observe.InitProvider(ctx, "voiceloop-server")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdown(context.Background())
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	completer := llm.NewOpenAILLM(sc.LLM.APIKey, sc.LLM.Model, sc.LLM.BaseURL, sc.LLM.MaxTokens)

	g, ctx := errgroup.WithContext(ctx)

	var memorizer *server.Memorizer
	if cfg.Memory.Provider == "postgres" {
		var embedOpts []memory.EmbedderOption
		if cfg.Memory.BaseURL != "" {
			embedOpts = append(embedOpts, memory.WithBaseURL(cfg.Memory.BaseURL))
		}
		embedder, err := memory.NewOpenAIEmbedder(cfg.Memory.APIKey, cfg.Memory.EmbeddingModel, embedOpts...)
		if err != nil {
			return err
		}
		store, err := memory.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.Dimensions, embedder,
			memory.Options{TopK: cfg.Memory.TopK, Threshold: cfg.Memory.Threshold})
		if err != nil {
			return err
		}
		defer store.Close()
		memorizer = server.NewMemorizer(completer, store, logger)
		g.Go(func() error { return memorizer.Run(ctx) })
	}

	opts := server.SessionOptions{
		PerUser:      sc.SessionsPerUser,
		HistoryLimit: sc.HistoryLimit,
		TTL:          sc.SessionTTL,
		Persona: func(avatarID string) string {
			if p, ok := sc.Personas[avatarID]; ok {
				return p
			}
			return sc.DefaultPersona
		},
		Metrics: metrics,
	}
	if memorizer != nil {
		opts.OnExpire = memorizer.Enqueue
	}
	sessions := server.NewSessionManager(opts)

	srv := server.New(completer, sessions, auth.NewDashScopeFetcher(sc.DashScopeKey, sc.TokenURL, nil),
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithAllowedUsers(sc.AllowedUsers),
		server.WithMetricsHandler(promhttp.Handler()),
	)
	g.Go(func() error { return srv.Run(ctx, sc.ListenAddr, sc.SweepInterval) })
	return g.Wait()
}
