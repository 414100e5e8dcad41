package model

import "errors"

// ErrorKind classifies a business error for transport mapping.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindForbidden    ErrorKind = "forbidden"
	KindBadRequest   ErrorKind = "bad_request"
	KindInvalidState ErrorKind = "invalid_state"
	KindInternal     ErrorKind = "internal"
)

// Error is a business-rule violation surfaced to the caller. MsgID names an
// i18n message resolved at the HTTP edge; Msg, when set, is a literal
// message passed through verbatim (gateway-sourced text).
type Error struct {
	Kind  ErrorKind
	MsgID string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	case e.Err != nil:
		return string(e.Kind) + ": " + e.MsgID + ": " + e.Err.Error()
	default:
		return string(e.Kind) + ": " + e.MsgID
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports a missing entity.
func NotFound(msgID string) *Error {
	return &Error{Kind: KindNotFound, MsgID: msgID}
}

// Forbidden reports an entity owned by a different user.
func Forbidden(msgID string) *Error {
	return &Error{Kind: KindForbidden, MsgID: msgID}
}

// BadRequest reports a well-formed request violating a business invariant.
func BadRequest(msgID string) *Error {
	return &Error{Kind: KindBadRequest, MsgID: msgID}
}

// BadRequestMsg reports a bad request with a literal, pre-localized message.
func BadRequestMsg(msg string) *Error {
	return &Error{Kind: KindBadRequest, Msg: msg}
}

// InvalidState reports an operation against an exam in the wrong lifecycle state.
func InvalidState(msgID string) *Error {
	return &Error{Kind: KindInvalidState, MsgID: msgID}
}

// Internal wraps an unexpected dependency failure. The user-facing message
// stays generic to avoid leaking internals.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, MsgID: "InternalError", Err: err}
}

// KindOf extracts the error kind, defaulting to internal for plain errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
