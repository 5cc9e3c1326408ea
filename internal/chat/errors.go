package chat

import (
	"errors"
	"fmt"
)

// Code classifies failures of the delivery core.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeStorageUnavailable  Code = "STORAGE_UNAVAILABLE"
	CodeSinkDeliveryFailure Code = "SINK_DELIVERY_FAILURE"
	CodeStreamClosed        Code = "STREAM_CLOSED"
)

// Error is a coded failure. Two Errors match under errors.Is when their
// codes are equal, so callers can compare against the sentinels below.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidRequest      = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrStorageUnavailable  = &Error{Code: CodeStorageUnavailable, Message: "storage unavailable"}
	ErrSinkDeliveryFailure = &Error{Code: CodeSinkDeliveryFailure, Message: "sink delivery failure"}
	ErrStreamClosed        = &Error{Code: CodeStreamClosed, Message: "stream closed"}
)

// InvalidRequest reports a malformed or missing sender, recipient, or content.
func InvalidRequest(msg string) error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

// StorageUnavailable wraps a failure of the durable store.
func StorageUnavailable(cause error) error {
	return &Error{Code: CodeStorageUnavailable, Message: "message store unavailable", Cause: cause}
}

// SinkDeliveryFailure reports that a single subscriber could not accept a push.
func SinkDeliveryFailure(sinkID string, cause error) error {
	return &Error{Code: CodeSinkDeliveryFailure, Message: "delivery to sink " + sinkID + " failed", Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
