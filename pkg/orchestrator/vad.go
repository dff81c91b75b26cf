package orchestrator

import "math"

// Scorer returns the probability in [0,1] that pcm contains speech.
type Scorer interface {
	Score(pcm []byte) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(pcm []byte) float64

func (f ScorerFunc) Score(pcm []byte) float64 { return f(pcm) }

// RMSScorer is a simple Root Mean Square based speech scorer.
// It's useful as a lightweight, no-dependency default: an RMS equal to the
// threshold maps to a score of 0.5.
type RMSScorer struct {
	threshold float64
	lastRMS   float64
}

// NewRMSScorer creates a scorer for the given RMS threshold.
func NewRMSScorer(threshold float64) *RMSScorer {
	return &RMSScorer{threshold: threshold}
}

// LastRMS returns the RMS of the last scored chunk
func (s *RMSScorer) LastRMS() float64 {
	return s.lastRMS
}

func (s *RMSScorer) Score(pcm []byte) float64 {
	rms := calculateRMS(pcm)
	s.lastRMS = rms
	if s.threshold <= 0 {
		if rms > 0 {
			return 1
		}
		return 0
	}
	return math.Min(1, 0.5*rms/s.threshold)
}

func calculateRMS(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}

	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(len(chunk)/2))
}

// LookbackBuffer keeps the most recent frames, oldest first.
type LookbackBuffer struct {
	frames []AudioFrame
	size   int
}

func NewLookbackBuffer(size int) *LookbackBuffer {
	if size < 1 {
		size = 1
	}
	return &LookbackBuffer{frames: make([]AudioFrame, 0, size), size: size}
}

func (b *LookbackBuffer) Push(f AudioFrame) {
	if len(b.frames) == b.size {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:b.size-1]
	}
	b.frames = append(b.frames, f)
}

func (b *LookbackBuffer) Len() int { return len(b.frames) }

// Snapshot returns the buffered frames, oldest first. The result is a copy
// of the slice; the frames themselves are shared.
func (b *LookbackBuffer) Snapshot() []AudioFrame {
	out := make([]AudioFrame, len(b.frames))
	copy(out, b.frames)
	return out
}

func (b *LookbackBuffer) Reset() {
	b.frames = b.frames[:0]
}

// GateResult is the gate's verdict on one frame.
type GateResult struct {
	Score  float64
	Active bool
	Echo   bool
}

// VoiceActivityGate classifies frames as speech or not. Every frame passes
// through the lookback buffer before it is judged, and a frame only counts
// as active once the buffer holds at least two frames.
type VoiceActivityGate struct {
	scorer      Scorer
	threshold   float64
	prefixBytes int
	lookback    *LookbackBuffer
	echo        *EchoSuppressor
}

func NewVoiceActivityGate(scorer Scorer, cfg Config) *VoiceActivityGate {
	return &VoiceActivityGate{
		scorer:      scorer,
		threshold:   cfg.SpeechThreshold,
		prefixBytes: cfg.VADPrefixSamples * 2,
		lookback:    NewLookbackBuffer(cfg.LookbackFrames),
	}
}

// SetEchoSuppressor makes the gate score frames that match recently played
// audio as silence.
func (g *VoiceActivityGate) SetEchoSuppressor(es *EchoSuppressor) {
	g.echo = es
}

func (g *VoiceActivityGate) Classify(f AudioFrame) GateResult {
	g.lookback.Push(f)

	if g.echo != nil && g.echo.IsEcho(f.PCM) {
		return GateResult{Echo: true}
	}

	pcm := f.PCM
	if g.prefixBytes > 0 && len(pcm) > g.prefixBytes {
		pcm = pcm[:g.prefixBytes]
	}
	score := g.scorer.Score(pcm)
	return GateResult{
		Score:  score,
		Active: score > g.threshold && g.lookback.Len() > 1,
	}
}

// Seed returns up to the two oldest buffered frames that precede the most
// recently classified frame. They lead in a new recording.
func (g *VoiceActivityGate) Seed() []AudioFrame {
	snap := g.lookback.Snapshot()
	if len(snap) < 2 {
		return nil
	}
	prior := snap[:len(snap)-1]
	if len(prior) > 2 {
		prior = prior[:2]
	}
	return prior
}

func (g *VoiceActivityGate) Reset() {
	g.lookback.Reset()
}
