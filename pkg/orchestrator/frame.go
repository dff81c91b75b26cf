package orchestrator

import "time"

// AudioFrame is one fixed-length block of 16-bit little-endian mono PCM.
// Frames are never mutated after they are produced: the gate, the lookback
// buffer and the recognizer all hold the same PCM slice read-only.
type AudioFrame struct {
	PCM        []byte
	SampleRate int
	Seq        uint64
	// At is the capture offset of the first sample, derived from the number
	// of samples produced before this frame.
	At time.Duration
}

// Samples returns the number of samples in the frame.
func (f AudioFrame) Samples() int {
	return len(f.PCM) / 2
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Framer slices an arbitrary PCM byte stream into fixed-size frames and
// stamps each one with a sequence number and capture offset.
type Framer struct {
	frameBytes int
	sampleRate int
	seq        uint64
	samples    int64
	buf        []byte
}

func NewFramer(frameSamples, sampleRate int) *Framer {
	return &Framer{
		frameBytes: frameSamples * 2,
		sampleRate: sampleRate,
	}
}

// Write appends pcm and returns every complete frame now available. The
// returned frames own their PCM.
func (fr *Framer) Write(pcm []byte) []AudioFrame {
	fr.buf = append(fr.buf, pcm...)
	var out []AudioFrame
	for len(fr.buf) >= fr.frameBytes {
		data := make([]byte, fr.frameBytes)
		copy(data, fr.buf[:fr.frameBytes])
		fr.buf = fr.buf[fr.frameBytes:]

		out = append(out, AudioFrame{
			PCM:        data,
			SampleRate: fr.sampleRate,
			Seq:        fr.seq,
			At:         time.Duration(fr.samples) * time.Second / time.Duration(fr.sampleRate),
		})
		fr.seq++
		fr.samples += int64(fr.frameBytes / 2)
	}
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return out
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (fr *Framer) Pending() int {
	return len(fr.buf)
}
