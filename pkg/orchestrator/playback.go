package orchestrator

import (
	"context"
	"sync"
)

// PlaybackResult reports that a generation of the queue finished playing.
type PlaybackResult struct {
	Generation uint64
	Err        error
}

// PlaybackQueue plays audio chunks in order through an AudioSink. Chunks
// that arrive while a unit is playing are concatenated into the next unit.
// Each turn gets a new generation; completion of an older generation is
// never reported.
type PlaybackQueue struct {
	sink   AudioSink
	echo   *EchoSuppressor
	logger Logger
	onDone func(ctx context.Context, r PlaybackResult)

	mu        sync.Mutex
	gen       uint64
	queue     [][]byte
	playing   bool
	endOfTurn bool
	fired     bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPlaybackQueue creates a queue. onDone runs on the player goroutine; ctx
// is cancelled when the generation is stopped.
func NewPlaybackQueue(sink AudioSink, onDone func(ctx context.Context, r PlaybackResult), logger Logger) *PlaybackQueue {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	q := &PlaybackQueue{sink: sink, onDone: onDone, logger: logger}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// SetEchoSuppressor records every played unit as an echo reference.
func (q *PlaybackQueue) SetEchoSuppressor(es *EchoSuppressor) {
	q.echo = es
}

// Generation returns the current generation.
func (q *PlaybackQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// Reset stops anything playing and starts a new generation.
func (q *PlaybackQueue) Reset() uint64 {
	q.Stop()
	return q.Generation()
}

// Push appends a chunk and starts playback if the queue is idle.
func (q *PlaybackQueue) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, chunk)
	if !q.playing {
		q.startLocked()
	}
}

// MarkEndOfTurn records that no more audio will follow for this generation.
func (q *PlaybackQueue) MarkEndOfTurn() {
	q.mu.Lock()
	q.endOfTurn = true
	if q.playing || len(q.queue) > 0 || q.fired {
		q.mu.Unlock()
		return
	}
	q.fired = true
	ctx, gen := q.ctx, q.gen
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.onDone(ctx, PlaybackResult{Generation: gen})
	}()
}

// Playing reports whether a unit is being played.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *PlaybackQueue) startLocked() {
	var size int
	for _, c := range q.queue {
		size += len(c)
	}
	unit := make([]byte, 0, size)
	for _, c := range q.queue {
		unit = append(unit, c...)
	}
	q.queue = nil
	q.playing = true

	ctx, gen := q.ctx, q.gen
	q.wg.Add(1)
	go q.play(ctx, gen, unit)
}

func (q *PlaybackQueue) play(ctx context.Context, gen uint64, unit []byte) {
	defer q.wg.Done()

	if q.echo != nil {
		q.echo.RecordPlayedAudio(unit)
	}
	err := q.sink.Play(ctx, unit)

	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	q.playing = false
	if err != nil && ctx.Err() == nil {
		q.fired = true
		q.queue = nil
		q.mu.Unlock()
		q.logger.Error("playback failed", "error", err)
		q.onDone(ctx, PlaybackResult{Generation: gen, Err: NewTurnError(KindDevice, "playback", err)})
		return
	}
	if len(q.queue) > 0 {
		q.startLocked()
		q.mu.Unlock()
		return
	}
	if !q.endOfTurn || q.fired {
		q.mu.Unlock()
		return
	}
	q.fired = true
	q.mu.Unlock()
	q.onDone(ctx, PlaybackResult{Generation: gen})
}

// Stop halts playback, discards queued audio and moves to a new generation.
// It is idempotent and returns once the player has stopped.
func (q *PlaybackQueue) Stop() {
	q.mu.Lock()
	q.cancel()
	q.gen++
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.queue = nil
	q.playing = false
	q.endOfTurn = false
	q.fired = false
	q.mu.Unlock()

	q.wg.Wait()
}

// Close stops playback for good.
func (q *PlaybackQueue) Close() {
	q.Stop()
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
}
