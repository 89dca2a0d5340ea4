package room

import "errors"

// Kind is the wire name of a room error.
type Kind string

const (
	KindAuth             Kind = "AuthError"
	KindAlreadyConnected Kind = "AlreadyConnectedError"
	KindRoomNotFound     Kind = "RoomNotFoundError"
	KindIllegalMove      Kind = "IllegalMoveError"
)

// Error is a domain error that terminates the offending connection.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrIllegalMove)
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an *Error.
func NewError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

var (
	ErrAuth             = &Error{Kind: KindAuth}
	ErrAlreadyConnected = &Error{Kind: KindAlreadyConnected}
	ErrRoomNotFound     = &Error{Kind: KindRoomNotFound}
	ErrIllegalMove      = &Error{Kind: KindIllegalMove}
)

// errorName maps any error to the name sent in the error event.
func errorName(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return string(re.Kind)
	}
	return "Error"
}

// Reject sends a single error event and disconnects the connection.
func Reject(conn Conn, err error) {
	if conn == nil {
		return
	}
	if err != nil && conn.Connected() {
		_ = conn.Send(errorEvent(err))
	}
	conn.Disconnect()
}
