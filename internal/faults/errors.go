// Package faults defines the error taxonomy shared by the session and
// playback controllers.
//
// Every error surfaced to a caller carries a Kind so the presentation layer
// can decide how to render it without inspecting message text:
//   - TransientNetwork: connect timeout, transport error before open, fetch failures
//   - DecodeMedia: decoder faults that exhausted in-place recovery
//   - Protocol: malformed frames and server-internal notices (logged, never surfaced)
//   - FatalUnrecoverable: unclassified fatal engine faults
//   - UserInput: empty task, empty credential, not connected
//   - Remote: terminal failure text reported by the generation backend
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindDecodeMedia
	KindProtocol
	KindFatalUnrecoverable
	KindUserInput
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindDecodeMedia:
		return "decode_media"
	case KindProtocol:
		return "protocol"
	case KindFatalUnrecoverable:
		return "fatal_unrecoverable"
	case KindUserInput:
		return "user_input"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Sentinel errors. Wrap them in *Error to attach a Kind and detail.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrConnectFailed     = errors.New("connect failed")
	ErrRetriesExhausted  = errors.New("reconnect retries exhausted")
	ErrEmptyTask         = errors.New("task description is required")
	ErrEmptyCredential   = errors.New("credential is required")
	ErrAlreadySubmitted  = errors.New("task already submitted for this connection")
	ErrSessionFinalized  = errors.New("session already finalized")
	ErrEmptyURL          = errors.New("url is required")
	ErrRecoveryExhausted = errors.New("media recovery budget exhausted")
	ErrUnrecoverable     = errors.New("unrecoverable playback fault")
	ErrRemote            = errors.New("generation failed")
	ErrAborted           = errors.New("connect aborted by disconnect")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Error is a classified error.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error wrapping err with a formatted detail.
func Newf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// DetailOf returns the human-readable detail of err. It falls back to the
// error message when no detail was attached.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != "" {
		return fe.Detail
	}
	return err.Error()
}
