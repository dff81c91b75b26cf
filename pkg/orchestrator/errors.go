package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds reported by a turn. Use errors.Is against these sentinels.
var (
	// ErrConnection covers dial failures, dropped sockets and backend errors.
	ErrConnection = errors.New("connection error")

	// ErrProtocol is a malformed message from a backend. It never ends a turn.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth is returned when a credential is missing or rejected.
	ErrAuth = errors.New("authentication error")

	// ErrDevice is returned when the audio input or output fails.
	ErrDevice = errors.New("audio device error")

	// ErrUserAbort marks a turn ended by the user: an interrupt, typed input
	// or barge-in.
	ErrUserAbort = errors.New("aborted by user")

	// ErrNilProvider is returned when a required provider is nil
	ErrNilProvider = errors.New("required provider is nil")

	// ErrPendingOverflow is returned when audio queued while the recognizer
	// was still connecting exceeds the configured limit.
	ErrPendingOverflow = errors.New("recognizer not ready: pending audio limit exceeded")

	// ErrStreamClosed is returned when a backend stream ends without a
	// terminal message.
	ErrStreamClosed = errors.New("stream closed before completion")
)

type ErrorKind int

const (
	KindConnection ErrorKind = iota
	KindProtocol
	KindAuth
	KindDevice
	KindUserAbort
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindDevice:
		return "device"
	case KindUserAbort:
		return "user_abort"
	}
	return "unknown"
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindProtocol:
		return ErrProtocol
	case KindAuth:
		return ErrAuth
	case KindDevice:
		return ErrDevice
	case KindUserAbort:
		return ErrUserAbort
	}
	return ErrConnection
}

// TurnError describes a failure inside one conversation turn.
type TurnError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func NewTurnError(kind ErrorKind, stage string, err error) *TurnError {
	return &TurnError{Kind: kind, Stage: stage, Err: err}
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind.sentinel(), e.Err)
}

func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf maps an arbitrary error onto an ErrorKind. Errors that carry no
// recognised sentinel are treated as connection errors.
func KindOf(err error) ErrorKind {
	var te *TurnError
	switch {
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrDevice):
		return KindDevice
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrUserAbort), errors.Is(err, context.Canceled):
		return KindUserAbort
	}
	return KindConnection
}
