package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// TTSSession feeds one reply's text increments to a synthesis stream and
// hands the audio back in arrival order. Text sent before the stream is
// connected is queued. One session serves one turn.
type TTSSession struct {
	provider TTSProvider
	cfg      TTSConfig
	logger   Logger

	mu       sync.Mutex
	texts    []string
	finished bool
	started  bool
	closed   bool
	stream   TTSStream
	err      error
	notify   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewTTSSession(provider TTSProvider, cfg TTSConfig, logger Logger) *TTSSession {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &TTSSession{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		notify:   make(chan struct{}, 1),
	}
}

// Connect opens the stream in the background. onAudio is called for every
// chunk in order; onDone is called once when the stream has ended, with nil
// after a clean flush.
func (s *TTSSession) Connect(ctx context.Context, onAudio func([]byte), onDone func(error)) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, onAudio, onDone)
}

func (s *TTSSession) run(ctx context.Context, onAudio func([]byte), onDone func(error)) {
	defer s.wg.Done()

	stream, err := s.provider.Open(ctx, s.cfg)
	if err != nil {
		onDone(fmt.Errorf("open %s: %w", s.provider.Name(), err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.stream = stream
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for chunk := range stream.Audio() {
			onAudio(chunk)
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = stream.Err()
		}
		onDone(err)
	}()

	for {
		s.mu.Lock()
		texts := s.texts
		s.texts = nil
		finished := s.finished
		s.mu.Unlock()

		for _, t := range texts {
			if err := stream.SendText(ctx, t); err != nil {
				s.fail(stream, fmt.Errorf("send text: %w", err))
				return
			}
		}
		if finished {
			if err := stream.Finish(ctx); err != nil {
				s.fail(stream, fmt.Errorf("finish: %w", err))
			}
			return
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (s *TTSSession) fail(stream TTSStream, err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = stream.Close()
}

// SendText queues one increment.
func (s *TTSSession) SendText(text string) {
	s.mu.Lock()
	if s.finished || s.closed {
		s.mu.Unlock()
		s.logger.Warn("dropping text sent after synthesis finished", "text", text)
		return
	}
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	s.wake()
}

// Stop marks the end of text; the stream flushes its tail audio and ends.
func (s *TTSSession) Stop() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *TTSSession) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close aborts synthesis and waits for the session's goroutines. It is
// idempotent.
func (s *TTSSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, stream := s.cancel, s.stream
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}
	s.wg.Wait()
	return err
}
