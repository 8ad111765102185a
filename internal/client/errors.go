package client

import (
	"errors"
	"fmt"
)

// ProviderError is returned when a provider answers with a non-success status
// or with a body that does not match the expected shape.
type ProviderError struct {
	Provider   string
	HTTPStatus int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus == 0 {
		return fmt.Sprintf("%s: invalid response: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.HTTPStatus, e.Message)
}

// TransportError means the request never produced an HTTP response
// (DNS, connection refused, TLS, proxy, client timeout).
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TranscriptionError is a transcript job that ended in status "error"
type TranscriptionError struct {
	TranscriptID string
	Detail       string
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription %s failed: %s", e.TranscriptID, e.Detail)
}

// TimeoutError is returned by WaitForVideo when the attempt ceiling is reached
type TimeoutError struct {
	VideoID  string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("video %s not ready after %d attempts", e.VideoID, e.Attempts)
}

// ErrRenderFailed is returned by WaitForVideo when the provider reports the
// render as failed.
var ErrRenderFailed = errors.New("render failed")

// IsTransport reports whether err is (or wraps) a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
