package orchestrator

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// EchoSuppressor recognises microphone frames that are the speaker playing
// back our own reply. The playback queue records every unit it plays; the
// gate asks IsEcho before scoring a frame.
type EchoSuppressor struct {
	mu        sync.Mutex
	played    *bytes.Buffer // rolling window of played audio
	maxBytes  int
	threshold float64       // correlation above which a frame is echo
	hold      time.Duration // how long after playback echo is still expected
	lastPlay  time.Time
	enabled   bool
	now       func() time.Time
}

// NewEchoSuppressor keeps about two seconds of played audio at sampleRate.
func NewEchoSuppressor(sampleRate int) *EchoSuppressor {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &EchoSuppressor{
		played:    new(bytes.Buffer),
		maxBytes:  sampleRate * 2 * 2,
		threshold: 0.55,
		hold:      1200 * time.Millisecond,
		enabled:   true,
		now:       time.Now,
	}
}

// RecordPlayedAudio records audio that was just sent to speakers
func (es *EchoSuppressor) RecordPlayedAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if !es.enabled {
		return
	}

	es.played.Write(pcm)
	es.lastPlay = es.now()

	if es.played.Len() > es.maxBytes {
		data := es.played.Bytes()
		trim := append([]byte(nil), data[len(data)-es.maxBytes:]...)
		es.played.Reset()
		es.played.Write(trim)
	}
}

// IsEcho checks if input audio is primarily echo from speakers
func (es *EchoSuppressor) IsEcho(pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.enabled || es.now().Sub(es.lastPlay) > es.hold {
		return false
	}

	ref := es.played.Bytes()
	if len(ref) == 0 {
		return false
	}

	if correlation(pcm, ref) > es.threshold {
		return true
	}

	// Sibilants survive room phase shifts better as an envelope.
	env := maxEnvelopeCorrelation(bytesToSamples(pcm), bytesToSamples(ref), 8)
	return env > es.threshold+0.05
}

// correlation is the normalised cross-correlation of input against the tail
// of reference, clamped to [0, 1].
func correlation(input, reference []byte) float64 {
	in := bytesToSamples(input)
	ref := bytesToSamples(reference)
	if len(in) == 0 || len(ref) == 0 {
		return 0
	}

	n := len(in)
	if n > len(ref) {
		n = len(ref)
	}
	tail := ref[len(ref)-n:]
	in = in[:n]

	inEnergy := calculateEnergy(in)
	refEnergy := calculateEnergy(tail)
	if inEnergy == 0 || refEnergy == 0 {
		return 0
	}

	dot := 0.0
	for i := range in {
		dot += in[i] * tail[i]
	}

	c := dot / math.Sqrt(inEnergy*refEnergy)
	return math.Max(0, math.Min(1, c))
}

// bytesToSamples converts 16-bit little-endian PCM to samples in [-1, 1]
func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}
	return samples
}

func calculateEnergy(samples []float64) float64 {
	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	return energy
}

// maxEnvelopeCorrelation slides the decimated absolute envelope of in over
// that of ref and returns the best Pearson correlation.
func maxEnvelopeCorrelation(in, ref []float64, decimation int) float64 {
	inEnv := envelope(in, decimation)
	refEnv := envelope(ref, decimation)

	n := len(inEnv)
	if n > len(refEnv) {
		n = len(refEnv)
	}
	if n == 0 {
		return 0
	}
	inEnv = inEnv[:n]

	inMean := 0.0
	for _, v := range inEnv {
		inMean += v
	}
	inMean /= float64(n)

	inVar := 0.0
	for i := range inEnv {
		inEnv[i] -= inMean
		inVar += inEnv[i] * inEnv[i]
	}
	if inVar <= 0 {
		return 0
	}

	stride := n / 4
	if stride < 2 {
		stride = 2
	}

	best := 0.0
	for pos := 0; pos+n <= len(refEnv); pos += stride {
		seg := refEnv[pos : pos+n]
		refMean := 0.0
		for _, v := range seg {
			refMean += v
		}
		refMean /= float64(n)

		dot, refVar := 0.0, 0.0
		for i, v := range seg {
			r := v - refMean
			dot += inEnv[i] * r
			refVar += r * r
		}
		if refVar > 0 {
			if c := dot / math.Sqrt(inVar*refVar); c > best {
				best = c
			}
		}
	}
	return best
}

func envelope(samples []float64, decimation int) []float64 {
	env := make([]float64, len(samples)/decimation)
	for i := range env {
		sum := 0.0
		for j := 0; j < decimation; j++ {
			sum += math.Abs(samples[i*decimation+j])
		}
		env[i] = sum
	}
	return env
}

// ClearEchoBuffer drops the played-audio reference, e.g. after an abort.
func (es *EchoSuppressor) ClearEchoBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.played.Reset()
}

// SetThreshold adjusts the echo detection sensitivity (0-1)
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.threshold = threshold
	}
}

// SetEnabled enables or disables echo suppression
func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}
