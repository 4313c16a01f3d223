package voice

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindConnect          ErrorKind = "connect_error"
	KindProtocol         ErrorKind = "protocol_error"
	KindPlaybackStop     ErrorKind = "playback_stop_error"
	KindToolResultSend   ErrorKind = "tool_result_send_error"
	KindChannel          ErrorKind = "channel_error"
)

// Error carries the failure class of a session error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare error of the same kind, so errors.Is(err,
// ErrPermissionDenied) holds for any permission failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrConnect          = &Error{Kind: KindConnect}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrPlaybackStop     = &Error{Kind: KindPlaybackStop}
	ErrToolResultSend   = &Error{Kind: KindToolResultSend}
	ErrChannel          = &Error{Kind: KindChannel}

	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindPermissionDenied, KindConnect, KindChannel:
		return true
	default:
		return false
	}
}
