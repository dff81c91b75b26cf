package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lokutor-ai/voiceloop/pkg/observe"
)

type ASRState int

const (
	ASRDisconnected ASRState = iota
	ASRConnecting
	ASRReady
)

func (s ASRState) String() string {
	switch s {
	case ASRDisconnected:
		return "disconnected"
	case ASRConnecting:
		return "connecting"
	case ASRReady:
		return "ready"
	}
	return "unknown"
}

// ASRSession drives one recognition stream per utterance. Audio pushed while
// the stream is connecting is queued and delivered, oldest first, before any
// later frame. Writes happen on a goroutine of their own so Push never waits
// on the network. The session can be started again after Close.
type ASRSession struct {
	provider   ASRProvider
	cfg        ASRConfig
	maxPending int
	logger     Logger
	metrics    *observe.Metrics

	mu           sync.Mutex
	state        ASRState
	gen          uint64
	ctx          context.Context
	cancel       context.CancelFunc
	stream       ASRStream
	pending      [][]byte
	pendingBytes int
	wake         chan struct{}
	finishAsked  bool
	terminal     bool
	onEvent      func(ASREvent)
	wg           sync.WaitGroup
}

func NewASRSession(provider ASRProvider, cfg ASRConfig, maxPendingBytes int, logger Logger, metrics *observe.Metrics) *ASRSession {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = observe.Noop()
	}
	return &ASRSession{
		provider:   provider,
		cfg:        cfg,
		maxPending: maxPendingBytes,
		logger:     logger,
		metrics:    metrics,
	}
}

func (s *ASRSession) State() ASRState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ASRSession) Ready() bool {
	return s.State() == ASRReady
}

// Pending returns the number of frames not yet handed to the backend.
func (s *ASRSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start dials the backend in the background. onEvent receives partials and
// then exactly one final or error; it is never called after Close returns.
func (s *ASRSession) Start(ctx context.Context, onEvent func(ASREvent)) {
	s.mu.Lock()
	if s.state != ASRDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = ASRConnecting
	s.finishAsked = false
	s.terminal = false
	s.onEvent = onEvent
	s.wake = make(chan struct{}, 1)
	dctx, cfg, wake := s.ctx, s.cfg, s.wake
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connect(dctx, gen, cfg, wake)
}

// SetConfig changes the settings used by the next Start.
func (s *ASRSession) SetConfig(cfg ASRConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *ASRSession) connect(ctx context.Context, gen uint64, cfg ASRConfig, wake <-chan struct{}) {
	defer s.wg.Done()

	stream, err := s.provider.Dial(ctx, cfg)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		s.state = ASRDisconnected
		s.clearPendingLocked()
		s.mu.Unlock()
		s.deliver(gen, ASREvent{Kind: ASRError, Err: fmt.Errorf("dial %s: %w", s.provider.Name(), err)})
		return
	}
	queued := len(s.pending)
	s.stream = stream
	s.state = ASRReady
	s.mu.Unlock()

	s.metrics.PendingFrames.Record(ctx, int64(queued))
	s.logger.Debug("recognizer ready", "provider", s.provider.Name(), "queued_frames", queued)

	s.wg.Add(1)
	go s.readLoop(gen, stream)
	s.writeLoop(ctx, gen, stream, wake)
}

// writeLoop sends queued audio in order and then, once asked, the finish
// request. It exits after the finish or on the first failure.
func (s *ASRSession) writeLoop(ctx context.Context, gen uint64, stream ASRStream, wake <-chan struct{}) {
	for {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.clearPendingLocked()
		finish := s.finishAsked
		s.mu.Unlock()

		for _, pcm := range batch {
			if err := stream.SendAudio(ctx, pcm); err != nil {
				s.deliver(gen, ASREvent{Kind: ASRError, Err: fmt.Errorf("send audio: %w", err)})
				return
			}
		}
		if finish {
			if err := stream.Finish(ctx); err != nil {
				s.deliver(gen, ASREvent{Kind: ASRError, Err: fmt.Errorf("finish: %w", err)})
			}
			return
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

func (s *ASRSession) readLoop(gen uint64, stream ASRStream) {
	defer s.wg.Done()
	for ev := range stream.Events() {
		s.deliver(gen, ev)
		if ev.Kind != ASRPartial {
			return
		}
	}
	s.deliver(gen, ASREvent{Kind: ASRError, Err: ErrStreamClosed})
}

func (s *ASRSession) deliver(gen uint64, ev ASREvent) {
	s.mu.Lock()
	if gen != s.gen || s.terminal {
		s.mu.Unlock()
		return
	}
	if ev.Kind != ASRPartial {
		s.terminal = true
	}
	cb := s.onEvent
	s.mu.Unlock()

	if ev.Kind == ASRError {
		var te *TurnError
		if !errors.As(ev.Err, &te) {
			ev.Err = NewTurnError(KindOf(ev.Err), "asr", ev.Err)
		}
	}
	if cb != nil {
		cb(ev)
	}
}

// Push queues one frame for the writer. It never blocks on the backend;
// audio that piles up past the pending limit is an error.
func (s *ASRSession) Push(f AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ASRDisconnected {
		return fmt.Errorf("asr: push while %s", s.state)
	}
	if s.finishAsked {
		return nil
	}
	if s.maxPending > 0 && s.pendingBytes+len(f.PCM) > s.maxPending {
		return ErrPendingOverflow
	}
	s.pending = append(s.pending, f.PCM)
	s.pendingBytes += len(f.PCM)
	s.signalLocked()
	return nil
}

// Finish asks the backend for its final result once every queued frame has
// been sent.
func (s *ASRSession) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ASRDisconnected {
		s.finishAsked = true
		s.signalLocked()
	}
	return nil
}

func (s *ASRSession) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close tears the stream down and drops any queued audio. It is safe to
// call in any state and returns once no background work remains.
func (s *ASRSession) Close() error {
	s.mu.Lock()
	s.gen++
	cancel, stream := s.cancel, s.stream
	s.cancel = nil
	s.stream = nil
	s.state = ASRDisconnected
	s.onEvent = nil
	s.terminal = true
	s.clearPendingLocked()
	s.mu.Unlock()

	// A writer stuck on a stalled backend only returns once its context ends.
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

func (s *ASRSession) clearPendingLocked() {
	s.pending = nil
	s.pendingBytes = 0
}
