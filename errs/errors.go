// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

// Package errs implements the standardised error taxonomy shared by all
// imgbase components. Every fallible public operation returns an *Error
// carrying a stable Kind that edge adapters map onto transport status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error identifier. The string values are part of the
// public API: they appear verbatim in HTTP responses and WebSocket events.
type Kind string

const (
	InputInvalid       Kind = "INPUT_INVALID"
	UnsupportedFormat  Kind = "UNSUPPORTED_FORMAT"
	FileTooLarge       Kind = "FILE_TOO_LARGE"
	SecurityRejected   Kind = "SECURITY_REJECTED"
	CodecFailed        Kind = "CODEC_FAILED"
	CacheUnavailable   Kind = "CACHE_UNAVAILABLE"
	QueueFull          Kind = "QUEUE_FULL"
	RateLimited        Kind = "RATE_LIMITED"
	JobNotFound        Kind = "JOB_NOT_FOUND"
	JobAlreadyTerminal Kind = "JOB_ALREADY_TERMINAL"
	Internal           Kind = "INTERNAL"
)

// Error is the uniform failure value of the core. It wraps an optional
// underlying cause and prints as "KIND: message: cause".
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match two *Error values by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying cause with a kind and message. The cause
// remains reachable through errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Errors that do not carry a
// kind are classified as Internal. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convert coerces an arbitrary error into an *Error, classifying unknown
// errors as Internal.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error(), Err: err}
}

// HTTPStatus maps an error kind to the HTTP status code the edge responds
// with. JOB_ALREADY_TERMINAL maps to 200: requesting an effect that already
// holds is a no-op, not a failure.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InputInvalid, SecurityRejected, CodecFailed:
		return http.StatusBadRequest
	case UnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case QueueFull, RateLimited:
		return http.StatusTooManyRequests
	case JobNotFound:
		return http.StatusNotFound
	case JobAlreadyTerminal:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
