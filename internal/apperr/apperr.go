// Package apperr defines the coded errors surfaced to the transport.
package apperr

import (
	"errors"
	"fmt"
)

// Stable error codes returned to clients.
const (
	CodeChannelNotFound   = "CHANNEL_NOT_FOUND"
	CodeBotNotFound       = "BOT_NOT_FOUND"
	CodeSlotNotFound      = "SLOT_NOT_FOUND"
	CodeNotMember         = "NOT_MEMBER"
	CodeNotAdmin          = "NOT_ADMIN"
	CodeInviteInvalid     = "INVITE_INVALID"
	CodeSlotAlreadyFilled = "SLOT_ALREADY_FILLED"
	CodeBadOp             = "BAD_OP"
	CodeImportDenied      = "IMPORT_DENIED"
	CodeCompileError      = "COMPILE_ERROR"
	CodeHookTimeout       = "HOOK_TIMEOUT"
	CodeNoBotClass        = "NO_BOT_CLASS"
	CodeNoSession         = "NO_SESSION"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error carries a stable code plus a human-readable message.
type Error struct {
	ErrCode string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.ErrCode
	}
	return e.ErrCode + ": " + e.Message
}

// New creates a coded error with a plain message.
func New(code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the stable code from err, walking the wrap chain.
// Unknown errors map to INTERNAL_ERROR; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.ErrCode
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return Code(err) == code
}
