// Package domain provides the gateway's canonical types and error taxonomy.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes a gateway failure.
type ErrorKind string

const (
	// ErrUpstreamRequestFailed indicates a non-zero upstream status code or
	// a malformed response envelope.
	ErrUpstreamRequestFailed ErrorKind = "upstream_request_failed"

	// ErrInvalidRemoteAsset indicates an attachment probe failed or the
	// asset exceeded the size ceiling.
	ErrInvalidRemoteAsset ErrorKind = "invalid_remote_asset"

	// ErrUploadFailed indicates an upload-pipeline phase exhausted.
	ErrUploadFailed ErrorKind = "upload_failed"

	// ErrStreamFraming indicates an undecodable upstream event frame.
	ErrStreamFraming ErrorKind = "stream_framing"
)

// GatewayError is a categorized failure surfaced by the core pipeline.
type GatewayError struct {
	Kind    ErrorKind
	Message string

	// Code is the vendor status code when the upstream supplied one.
	Code int

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode maps the failure to a response status for buffered mode.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrInvalidRemoteAsset:
		return http.StatusBadRequest
	case ErrUpstreamRequestFailed, ErrStreamFraming:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewGatewayError creates a categorized error.
func NewGatewayError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// WrapGatewayError creates a categorized error around a cause.
func WrapGatewayError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// HTTPStatusCode maps any error chain to a response status.
// Uncategorized errors map to 502, matching the retry loop's default
// classification.
func HTTPStatusCode(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.HTTPStatusCode()
	}
	return http.StatusBadGateway
}

// KindOf extracts the taxonomy kind from an error chain. Uncategorized
// errors report ErrUpstreamRequestFailed, the retry loop's default.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ErrUpstreamRequestFailed
}
