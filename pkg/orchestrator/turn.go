package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/voiceloop/pkg/observe"
)

type TurnState int32

const (
	StateIdle TurnState = iota
	StateRecording
	StateFinalizing
	StateGenerating
	StateSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Abort reasons.
const (
	ReasonUser       = "user"
	ReasonBargeIn    = "barge_in"
	ReasonTypedInput = "typed_input"
	ReasonShutdown   = "shutdown"
	ReasonError      = "error"
)

// Messages handled by the controller. Everything a stage produces carries
// the id of the turn it belongs to; messages for any other turn are dropped.
type (
	frameMsg struct {
		frame AudioFrame
	}
	asrMsg struct {
		turn uint64
		ev   ASREvent
	}
	recordMsg struct {
		turn uint64
		rec  StreamRecord
	}
	generationDoneMsg struct {
		turn uint64
		err  error
	}
	ttsAudioMsg struct {
		turn  uint64
		chunk []byte
	}
	ttsDoneMsg struct {
		turn uint64
		err  error
	}
	playbackMsg struct {
		res PlaybackResult
	}
	captureErrMsg struct {
		err error
	}
)

// turn holds everything allocated for one conversation turn.
type turn struct {
	id      uint64
	logID   string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	finalAt time.Time

	records    int
	gotEnd     bool
	heardAudio bool
	playGen    uint64
	failed     bool
	tts        *TTSSession
	reply      strings.Builder
}

// TurnController is the conversation state machine. All of its methods run
// on the stream's event loop; stage goroutines only talk to it through
// messages.
type TurnController struct {
	cfg      Config
	logger   Logger
	metrics  *observe.Metrics
	gate     *VoiceActivityGate
	rec      *RecordingSession
	asr      *ASRSession
	gen      Generator
	tts      TTSProvider
	memory   MemoryRetriever
	echo     *EchoSuppressor
	playback *PlaybackQueue

	parent context.Context
	post   func(ctx context.Context, m any) bool
	emit   func(t EventType, turnID uint64, data interface{})
	now    func() time.Time

	state     atomic.Int32
	cur       *turn
	nextID    uint64
	listening bool
	genWG     sync.WaitGroup
}

func (c *TurnController) State() TurnState {
	return TurnState(c.state.Load())
}

func (c *TurnController) setState(s TurnState) {
	prev := TurnState(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("turn state", "from", prev.String(), "to", s.String())
	}
}

// Handle dispatches one message.
func (c *TurnController) Handle(m any) {
	switch m := m.(type) {
	case frameMsg:
		c.onFrame(m.frame)
	case asrMsg:
		if !c.stale(m.turn) {
			c.onASR(m.ev)
		}
	case recordMsg:
		if !c.stale(m.turn) {
			c.onRecord(m.rec)
		}
	case generationDoneMsg:
		if !c.stale(m.turn) {
			c.onGenerationDone(m.err)
		}
	case ttsAudioMsg:
		if !c.stale(m.turn) {
			c.onTTSAudio(m.chunk)
		}
	case ttsDoneMsg:
		if !c.stale(m.turn) {
			c.onTTSDone(m.err)
		}
	case playbackMsg:
		c.onPlayback(m.res)
	case captureErrMsg:
		c.onCaptureError(m.err)
	}
}

func (c *TurnController) stale(id uint64) bool {
	return c.cur == nil || c.cur.id != id
}

// Listen enables continuous listening and opens a turn if none is active.
func (c *TurnController) Listen() {
	c.listening = true
	if c.State() == StateIdle {
		c.beginTurn(StateRecording)
	}
}

// Interrupt aborts the active turn and stops listening.
func (c *TurnController) Interrupt() {
	c.listening = false
	c.abort(ReasonUser, observe.OutcomeAborted)
}

// Submit aborts whatever is in progress and answers text as if it had been
// spoken.
func (c *TurnController) Submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.abort(ReasonTypedInput, observe.OutcomeAborted)
	c.beginTurn(StateFinalizing)
	c.generate(text)
}

// Shutdown releases everything. The controller is unusable afterwards.
func (c *TurnController) Shutdown() {
	c.listening = false
	c.abort(ReasonShutdown, observe.OutcomeAborted)
	c.playback.Close()
}

func (c *TurnController) beginTurn(state TurnState) *turn {
	c.nextID++
	ctx, cancel := context.WithCancel(c.parent)
	t := &turn{
		id:      c.nextID,
		logID:   uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		started: c.now(),
	}
	t.playGen = c.playback.Reset()
	c.rec.Abort()
	c.cur = t
	c.setState(state)
	c.logger.Debug("turn started", "turn", t.logID, "id", t.id)
	if state == StateRecording {
		c.emit(Listening, t.id, nil)
	}
	return t
}

func (c *TurnController) onFrame(f AudioFrame) {
	res := c.gate.Classify(f)

	switch c.State() {
	case StateRecording:
		c.record(f, res)
	case StateGenerating, StateSpeaking:
		if c.cfg.BargeIn && res.Active {
			c.logger.Info("user barged in", "turn", c.cur.logID, "score", res.Score)
			c.abort(ReasonBargeIn, observe.OutcomeAborted)
			c.beginTurn(StateRecording)
			c.record(f, res)
		}
	}
}

func (c *TurnController) record(f AudioFrame, res GateResult) {
	t := c.cur
	switch c.rec.Observe(f, res.Active, c.asr.Ready()) {
	case RecordStart:
		c.emit(UserSpeaking, t.id, nil)
		_ = c.asr.Close()
		id, ctx := t.id, t.ctx
		c.asr.Start(ctx, func(ev ASREvent) {
			c.post(ctx, asrMsg{turn: id, ev: ev})
		})
		for _, s := range c.gate.Seed() {
			if !c.push(s) {
				return
			}
		}
		c.push(f)
	case RecordForward:
		c.push(f)
	case RecordStop:
		c.emit(UserStopped, t.id, nil)
		c.setState(StateFinalizing)
		if err := c.asr.Finish(); err != nil {
			c.fail(KindOf(err), "asr", err)
		}
	}
}

func (c *TurnController) push(f AudioFrame) bool {
	if err := c.asr.Push(f); err != nil {
		c.fail(KindOf(err), "asr", err)
		return false
	}
	return true
}

func (c *TurnController) onASR(ev ASREvent) {
	t := c.cur
	state := c.State()
	if state != StateRecording && state != StateFinalizing {
		return
	}

	switch ev.Kind {
	case ASRPartial:
		c.emit(TranscriptPartial, t.id, ev.Text)
	case ASRFinal:
		_ = c.asr.Close()
		c.rec.Abort()
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			c.logger.Debug("empty transcript, listening again", "turn", t.logID)
			c.release()
			c.setState(StateIdle)
			c.beginTurn(StateRecording)
			return
		}
		c.generate(text)
	case ASRError:
		c.fail(KindOf(ev.Err), "asr", ev.Err)
	}
}

func (c *TurnController) generate(text string) {
	t := c.cur
	t.finalAt = c.now()
	c.setState(StateGenerating)
	c.emit(TranscriptFinal, t.id, text)
	c.emit(BotThinking, t.id, nil)

	req := GenerateRequest{Text: text, UserID: c.cfg.UserID, AvatarID: c.cfg.AvatarID}
	c.genWG.Add(1)
	go c.runGeneration(t.ctx, t.id, req)
}

func (c *TurnController) runGeneration(ctx context.Context, id uint64, req GenerateRequest) {
	defer c.genWG.Done()

	if c.memory != nil {
		s, err := c.memory.Retrieve(ctx, req.Text)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			c.logger.Warn("memory retrieval failed", "error", err)
		default:
			req.MemoryContext = s
		}
	}

	body, err := c.gen.Generate(ctx, req)
	if err != nil {
		c.post(ctx, generationDoneMsg{turn: id, err: err})
		return
	}

	reader := NewResponseStreamReader(c.logger)
	err = reader.Run(ctx, body, func(rec StreamRecord) bool {
		return c.post(ctx, recordMsg{turn: id, rec: rec})
	})
	if n := reader.Malformed(); n > 0 {
		c.metrics.MalformedRecords.Add(context.Background(), int64(n))
	}
	c.post(ctx, generationDoneMsg{turn: id, err: err})
}

// applyFiller replaces an empty first record that also ends the turn, so
// the user always hears a reply.
func applyFiller(rec StreamRecord, first bool, filler string) StreamRecord {
	if first && rec.EndOfTurn && rec.Text == "" && filler != "" {
		rec.Text = filler
	}
	return rec
}

func (c *TurnController) onRecord(rec StreamRecord) {
	t := c.cur
	state := c.State()
	if (state != StateGenerating && state != StateSpeaking) || t.gotEnd {
		return
	}

	rec = applyFiller(rec, t.records == 0, c.cfg.FillerText)
	t.records++

	if state == StateGenerating {
		c.setState(StateSpeaking)
		t.tts = NewTTSSession(c.tts, c.cfg.ttsConfig(), c.logger)
		id, ctx := t.id, t.ctx
		t.tts.Connect(ctx,
			func(chunk []byte) { c.post(ctx, ttsAudioMsg{turn: id, chunk: chunk}) },
			func(err error) { c.post(ctx, ttsDoneMsg{turn: id, err: err}) },
		)
		c.emit(BotSpeaking, t.id, nil)
	}

	if rec.Text != "" {
		t.reply.WriteString(rec.Text)
		t.tts.SendText(rec.Text)
		c.emit(BotResponse, t.id, rec.Text)
	}
	if rec.EndOfTurn {
		t.gotEnd = true
		t.tts.Stop()
	}
}

func (c *TurnController) onGenerationDone(err error) {
	t := c.cur
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		c.fail(KindOf(err), "generation", err)
		return
	}
	if t.gotEnd {
		return
	}
	if t.records == 0 {
		c.fail(KindConnection, "generation", ErrStreamClosed)
		return
	}
	c.logger.Warn("response stream ended without end of turn", "turn", t.logID)
	t.gotEnd = true
	t.tts.Stop()
}

func (c *TurnController) onTTSAudio(chunk []byte) {
	t := c.cur
	if c.State() != StateSpeaking {
		return
	}
	if !t.heardAudio {
		t.heardAudio = true
		c.metrics.RecordFirstAudio(t.ctx, c.now().Sub(t.finalAt))
	}
	c.playback.Push(chunk)
}

func (c *TurnController) onTTSDone(err error) {
	t := c.cur
	if err != nil {
		c.fail(KindOf(err), "tts", err)
		return
	}
	if !t.gotEnd {
		c.fail(KindConnection, "tts", ErrStreamClosed)
		return
	}
	c.playback.MarkEndOfTurn()
}

func (c *TurnController) onPlayback(res PlaybackResult) {
	t := c.cur
	if t == nil || res.Generation != t.playGen || c.State() != StateSpeaking {
		return
	}
	if res.Err != nil {
		c.fail(KindDevice, "playback", res.Err)
		return
	}

	c.emit(TurnCompleted, t.id, t.reply.String())
	c.metrics.RecordTurn(context.Background(), observe.OutcomeCompleted, c.now().Sub(t.started))
	c.logger.Info("turn completed", "turn", t.logID, "duration", c.now().Sub(t.started))
	c.release()
	c.setState(StateIdle)
	if c.listening {
		c.beginTurn(StateRecording)
	}
}

// release frees the current turn's stage resources without touching
// playback.
func (c *TurnController) release() {
	t := c.cur
	if t == nil {
		return
	}
	t.cancel()
	c.rec.Abort()
	_ = c.asr.Close()
	if t.tts != nil {
		_ = t.tts.Close()
	}
	c.genWG.Wait()
	c.cur = nil
}

// abort tears down every stage of the active turn as one unit and returns
// to Idle. A new turn can only be started once it has returned.
func (c *TurnController) abort(reason, outcome string) {
	t := c.cur
	if t == nil {
		c.setState(StateIdle)
		return
	}

	c.release()
	c.playback.Stop()
	if c.echo != nil {
		c.echo.ClearEchoBuffer()
	}
	c.setState(StateIdle)

	c.metrics.RecordAbort(context.Background(), reason)
	c.metrics.RecordTurn(context.Background(), outcome, c.now().Sub(t.started))
	c.logger.Info("turn aborted", "turn", t.logID, "reason", reason)
	if outcome == observe.OutcomeAborted {
		c.emit(Interrupted, t.id, reason)
	}
}

// fail reports err once for the current turn and aborts it. When listening,
// a fresh turn starts right away so the user can simply speak again.
// Protocol errors are only logged.
func (c *TurnController) fail(kind ErrorKind, stage string, err error) {
	if kind == KindProtocol {
		c.logger.Warn("protocol error", "stage", stage, "error", err)
		return
	}
	t := c.cur
	if t == nil {
		return
	}

	var te *TurnError
	if !errors.As(err, &te) {
		te = NewTurnError(kind, stage, err)
	}
	c.logger.Error("turn failed", "turn", t.logID, "stage", stage, "kind", kind.String(), "error", err)
	if !t.failed {
		t.failed = true
		c.emit(ErrorEvent, t.id, te)
	}
	c.abort(ReasonError, observe.OutcomeFailed)
	if c.listening {
		c.beginTurn(StateRecording)
	}
}

// onCaptureError ends listening for good, since no more audio will arrive,
// and reports the failure once.
func (c *TurnController) onCaptureError(err error) {
	c.listening = false
	if c.cur != nil {
		c.fail(KindDevice, "capture", err)
		return
	}
	var te *TurnError
	if !errors.As(err, &te) {
		te = NewTurnError(KindDevice, "capture", err)
	}
	c.logger.Error("capture failed", "error", err)
	c.emit(ErrorEvent, 0, te)
}
