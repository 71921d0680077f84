package domain

import (
	"errors"
	"fmt"
)

// Code is the machine-readable part of an error event sent to clients.
type Code string

const (
	CodeAuthFailed          Code = "AUTH_FAILED"
	CodeNotAuthenticated    Code = "NOT_AUTHENTICATED"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeDuplicateConnection Code = "DUPLICATE_CONNECTION"
	CodeInvalidMembership   Code = "INVALID_MEMBERSHIP"
	CodeNotFound            Code = "NOT_FOUND"
	CodeNotAMember          Code = "NOT_A_MEMBER"
	CodeAlreadyInCall       Code = "ALREADY_IN_CALL"
	CodeRecipientOffline    Code = "RECIPIENT_OFFLINE"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeNoActiveCall        Code = "NO_ACTIVE_CALL"
	CodeInternal            Code = "INTERNAL"
)

// Error carries a Code. Two errors match under errors.Is when codes are equal,
// so wrapped or re-worded errors still compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAuthFailed          = &Error{Code: CodeAuthFailed, Message: "authentication failed"}
	ErrNotAuthenticated    = &Error{Code: CodeNotAuthenticated, Message: "not authenticated"}
	ErrBadRequest          = &Error{Code: CodeBadRequest, Message: "bad request"}
	ErrRateLimited         = &Error{Code: CodeRateLimited, Message: "rate limited"}
	ErrDuplicateConnection = &Error{Code: CodeDuplicateConnection, Message: "connection already registered"}
	ErrInvalidMembership   = &Error{Code: CodeInvalidMembership, Message: "room needs at least two distinct members"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNotAMember          = &Error{Code: CodeNotAMember, Message: "not a member of room"}
	ErrAlreadyInCall       = &Error{Code: CodeAlreadyInCall, Message: "room already has a call"}
	ErrRecipientOffline    = &Error{Code: CodeRecipientOffline, Message: "recipient offline"}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized, Message: "not allowed"}
	ErrInvalidState        = &Error{Code: CodeInvalidState, Message: "invalid call state"}
	ErrNoActiveCall        = &Error{Code: CodeNoActiveCall, Message: "no active call"}
)

// Errorf returns an error with base's code and a formatted message.
func Errorf(base *Error, format string, args ...any) error {
	return &Error{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
