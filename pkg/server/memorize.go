package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

const extractPrompt = "请从以下对话中提取值得长期记住的信息（用户的偏好、经历、计划、与角色的约定等），每行一条，不要编号，没有值得记住的内容时只回复“无”。\n\n"

// MemoryWriter stores one memory for an avatar.
type MemoryWriter interface {
	Add(ctx context.Context, avatarID, text string) error
}

// Memorizer turns finished sessions into long-term memories: the model
// extracts fragments from the transcript and each one is stored.
type Memorizer struct {
	llm     Completer
	store   MemoryWriter
	logger  *slog.Logger
	workers int
	queue   chan Session
}

func NewMemorizer(llm Completer, store MemoryWriter, logger *slog.Logger) *Memorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memorizer{
		llm:     llm,
		store:   store,
		logger:  logger,
		workers: 2,
		queue:   make(chan Session, 64),
	}
}

// Enqueue schedules s without blocking. Sessions are dropped when the queue
// is full.
func (m *Memorizer) Enqueue(s Session) {
	select {
	case m.queue <- s:
	default:
		m.logger.Warn("memorize queue full, dropping session", "user", s.UserID, "avatar", s.AvatarID)
	}
}

// Run processes queued sessions until ctx is done.
func (m *Memorizer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range m.workers {
		g.Go(func() error {
			for {
				select {
				case s := <-m.queue:
					if err := m.Memorize(ctx, s); err != nil {
						m.logger.Error("memorize session", "user", s.UserID, "avatar", s.AvatarID, "error", err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// Memorize extracts and stores the memories of one session.
func (m *Memorizer) Memorize(ctx context.Context, s Session) error {
	transcript := formatTranscript(s.History)
	if transcript == "" {
		return nil
	}

	reply, err := m.llm.Stream(ctx, []orchestrator.Message{
		{Role: "user", Content: extractPrompt + transcript},
	}, func(string) error { return nil })
	if err != nil {
		return fmt.Errorf("extract memories: %w", err)
	}

	fragments := parseFragments(reply)
	for _, f := range fragments {
		if err := m.store.Add(ctx, s.AvatarID, f); err != nil {
			return fmt.Errorf("store memory: %w", err)
		}
	}
	m.logger.Info("memorized session", "user", s.UserID, "avatar", s.AvatarID, "fragments", len(fragments))
	return nil
}

func formatTranscript(history []orchestrator.Message) string {
	var b strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case "user":
			b.WriteString("用户：")
		case "assistant":
			b.WriteString("角色：")
		default:
			continue
		}
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func parseFragments(reply string) []string {
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•·"))
		if line == "" || line == "无" {
			continue
		}
		out = append(out, line)
	}
	return out
}
