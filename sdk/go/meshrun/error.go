// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package meshrun

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Error is the error type exchanged between the coordination service
// and its clients. Code uses the canonical RPC code vocabulary so
// callers can branch on the failure class regardless of which
// transport carried the error.
type Error struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf returns an *Error with the given code.
func Errorf(code codes.Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the RPC code carried by err: codes.OK if err is
// nil, codes.Unknown if err carries no code.
func ErrorCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codes.Unknown
}

// IsRetryable reports whether err indicates a transient condition
// (timeout or unavailable server) that a caller may retry.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case codes.DeadlineExceeded, codes.Unavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an RPC code to the HTTP status used on the wire.
// The code itself also travels in the JSON error body, so this mapping
// only matters to intermediaries.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
