package orchestrator

import "time"

type RecordAction int

const (
	// RecordIgnore drops the frame; no recording is in progress.
	RecordIgnore RecordAction = iota
	// RecordStart opens a recording. The caller forwards the gate's seed
	// frames followed by the current frame.
	RecordStart
	// RecordForward sends the frame to the recognizer.
	RecordForward
	// RecordStop ends the recording. The frame is not forwarded.
	RecordStop
)

func (a RecordAction) String() string {
	switch a {
	case RecordIgnore:
		return "ignore"
	case RecordStart:
		return "start"
	case RecordForward:
		return "forward"
	case RecordStop:
		return "stop"
	}
	return "unknown"
}

// RecordingSession tracks a single utterance from speech onset to the
// silence that ends it.
type RecordingSession struct {
	silence    time.Duration
	recording  bool
	lastActive time.Duration
}

func NewRecordingSession(silence time.Duration) *RecordingSession {
	return &RecordingSession{silence: silence}
}

// Observe decides what to do with f. The stop is deferred while the
// recognizer is not ready so no audio is cut before it can be delivered.
func (r *RecordingSession) Observe(f AudioFrame, active, asrReady bool) RecordAction {
	if !r.recording {
		if !active {
			return RecordIgnore
		}
		r.recording = true
		r.lastActive = f.At
		return RecordStart
	}

	if active {
		r.lastActive = f.At
		return RecordForward
	}

	if f.At-r.lastActive >= r.silence && asrReady {
		r.recording = false
		return RecordStop
	}
	return RecordForward
}

func (r *RecordingSession) Recording() bool {
	return r.recording
}

// Abort ends the recording without a stop decision.
func (r *RecordingSession) Abort() {
	r.recording = false
	r.lastActive = 0
}
