package call

import (
	"errors"
	"fmt"
)

// Kind classifies call failures.
type Kind string

const (
	KindRoomCreation          Kind = "room_creation_failed"
	KindTokenAcquisition      Kind = "token_acquisition_failed"
	KindDispatch              Kind = "dispatch_failed"
	KindConnection            Kind = "connection_failed"
	KindChatSend              Kind = "chat_send_failed"
	KindAudioPermissionDenied Kind = "audio_permission_denied"
)

// Fatal reports whether a failure of this kind ends the startup attempt.
func (k Kind) Fatal() bool {
	switch k {
	case KindRoomCreation, KindTokenAcquisition, KindDispatch, KindConnection:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrAudioBlocked      = errors.New("audio playback not permitted")
)

// Error is a classified call failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
