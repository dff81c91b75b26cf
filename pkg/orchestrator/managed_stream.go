package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

type controlOp int

const (
	opListen controlOp = iota
	opInterrupt
	opSubmit
	opConfigure
)

type controlMsg struct {
	op        controlOp
	text      string
	configure func(*Config)
	done      chan struct{}
}

// ManagedStream handles full-duplex voice orchestration. A single event loop
// owns the conversation state; capture, recognition, generation, synthesis
// and playback run in their own goroutines and report back through the
// loop's inbox.
type ManagedStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	logger    Logger
	ctrl      *TurnController
	inbox     chan any
	events    chan OrchestratorEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newManagedStream(ctx context.Context, o *Orchestrator, cfg Config, sessionID string) *ManagedStream {
	mCtx, mCancel := context.WithCancel(ctx)

	ms := &ManagedStream{
		ctx:       mCtx,
		cancel:    mCancel,
		sessionID: sessionID,
		logger:    o.logger,
		inbox:     make(chan any, 256),
		events:    make(chan OrchestratorEvent, 1024),
		done:      make(chan struct{}),
	}

	gate := NewVoiceActivityGate(o.scorer, cfg)
	playback := NewPlaybackQueue(o.sink, func(ctx context.Context, r PlaybackResult) {
		ms.post(ctx, playbackMsg{res: r})
	}, o.logger)

	var echo *EchoSuppressor
	if cfg.EchoSuppression {
		echo = NewEchoSuppressor(cfg.SampleRate)
		gate.SetEchoSuppressor(echo)
		playback.SetEchoSuppressor(echo)
	}

	ms.ctrl = &TurnController{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  o.metrics,
		gate:     gate,
		rec:      NewRecordingSession(cfg.SilenceDuration),
		asr:      NewASRSession(o.asr, cfg.asrConfig(), cfg.maxPendingBytes(), o.logger, o.metrics),
		gen:      o.gen,
		tts:      o.tts,
		memory:   o.memory,
		echo:     echo,
		playback: playback,
		parent:   mCtx,
		post:     ms.post,
		emit:     ms.emit,
		now:      time.Now,
	}

	go ms.loop()
	return ms
}

func (ms *ManagedStream) loop() {
	defer close(ms.done)
	for {
		select {
		case <-ms.ctx.Done():
			ms.ctrl.Shutdown()
			return
		case m := <-ms.inbox:
			if c, ok := m.(controlMsg); ok {
				ms.control(c)
				continue
			}
			ms.ctrl.Handle(m)
		}
	}
}

func (ms *ManagedStream) control(c controlMsg) {
	defer close(c.done)
	switch c.op {
	case opListen:
		ms.ctrl.Listen()
	case opInterrupt:
		ms.ctrl.Interrupt()
	case opSubmit:
		ms.ctrl.Submit(c.text)
	case opConfigure:
		c.configure(&ms.ctrl.cfg)
		ms.ctrl.asr.SetConfig(ms.ctrl.cfg.asrConfig())
	}
}

// post delivers m to the loop unless ctx or the stream ends first.
func (ms *ManagedStream) post(ctx context.Context, m any) bool {
	if ms.ctx.Err() != nil {
		return false
	}
	select {
	case ms.inbox <- m:
		return true
	case <-ctx.Done():
		return false
	case <-ms.ctx.Done():
		return false
	}
}

func (ms *ManagedStream) send(c controlMsg) error {
	c.done = make(chan struct{})
	if !ms.post(ms.ctx, c) {
		return ms.ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ms.done:
		return ms.ctx.Err()
	}
}

// Write feeds one captured frame. Frames are never dropped; Write blocks
// while the loop is busy.
func (ms *ManagedStream) Write(f AudioFrame) error {
	if !ms.post(ms.ctx, frameMsg{frame: f}) {
		return ms.ctx.Err()
	}
	return nil
}

// Run pumps frames from src until it is exhausted or ctx ends. A capture
// failure aborts the active turn, stops listening and is returned.
func (ms *ManagedStream) Run(ctx context.Context, src FrameSource) error {
	frames, err := src.Frames(ctx)
	if err != nil {
		return NewTurnError(KindDevice, "capture", err)
	}
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return ms.captureDone(src)
			}
			if err := ms.Write(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-ms.ctx.Done():
			return nil
		}
	}
}

// captureDone reports a capture failure, if any, to the loop.
func (ms *ManagedStream) captureDone(src FrameSource) error {
	err := src.Err()
	if err == nil {
		return nil
	}
	var te *TurnError
	if !errors.As(err, &te) {
		err = NewTurnError(KindDevice, "capture", err)
	}
	ms.post(ms.ctx, captureErrMsg{err: err})
	return err
}

// Listen starts listening for the user and keeps listening after each
// completed turn.
func (ms *ManagedStream) Listen() error {
	return ms.send(controlMsg{op: opListen})
}

// Interrupt aborts the current turn and stops listening. It returns once
// every stage of the turn has been torn down.
func (ms *ManagedStream) Interrupt() error {
	return ms.send(controlMsg{op: opInterrupt})
}

// SubmitText answers typed input, aborting anything in progress.
func (ms *ManagedStream) SubmitText(text string) error {
	return ms.send(controlMsg{op: opSubmit, text: text})
}

// Configure changes settings used from the next turn on.
func (ms *ManagedStream) Configure(fn func(*Config)) error {
	return ms.send(controlMsg{op: opConfigure, configure: fn})
}

func (ms *ManagedStream) State() TurnState {
	return ms.ctrl.State()
}

// Events returns the event channel
func (ms *ManagedStream) Events() <-chan OrchestratorEvent {
	return ms.events
}

// Close stops the loop, releases every stage and closes the event channel.
func (ms *ManagedStream) Close() {
	ms.closeOnce.Do(func() {
		ms.cancel()
		<-ms.done
		close(ms.events)
	})
}

func (ms *ManagedStream) emit(eventType EventType, turnID uint64, data interface{}) {
	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: ms.sessionID,
		TurnID:    turnID,
		Data:      data,
	}

	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
	}
}
