package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/store"
	"github.com/voiceavatar/api/pkg/response"
)

// ValidationError is a missing or invalid precondition. It is always
// returned before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("%s %s", e.Field, reason)
}

// TransportBlockedError means the provider could not be reached at all while
// uploading the custom voice. The fix is network or proxy configuration,
// not a retry.
type TransportBlockedError struct {
	Op  string
	Err error
}

func (e *TransportBlockedError) Error() string {
	return fmt.Sprintf("%s blocked at transport level: %v", e.Op, e.Err)
}

func (e *TransportBlockedError) Unwrap() error { return e.Err }

// RenderFailedError is a render the provider reported as failed. The job
// history already records it as failed when this is returned.
type RenderFailedError struct {
	JobID  string
	Detail string
}

func (e *RenderFailedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("render %s failed", e.JobID)
	}
	return fmt.Sprintf("render %s failed: %s", e.JobID, e.Detail)
}

func (e *RenderFailedError) Unwrap() error { return client.ErrRenderFailed }

// ErrorCode maps an error from this package or its collaborators to the
// code reported to API and websocket clients.
func ErrorCode(err error) string {
	var (
		validation *ValidationError
		blocked    *TransportBlockedError
		failed     *RenderFailedError
		transcript *client.TranscriptionError
		provider   *client.ProviderError
		transport  *client.TransportError
		timeout    *client.TimeoutError
		notFound   *store.NotFoundError
		duplicate  *store.DuplicateIDError
	)
	switch {
	case errors.As(err, &validation):
		return response.CodeValidationError
	case errors.As(err, &blocked):
		return response.CodeTransportError
	case errors.As(err, &failed), errors.As(err, &transcript):
		return response.CodeJobFailed
	case errors.As(err, &provider), errors.As(err, &transport):
		return response.CodeProviderError
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return response.CodeTimeout
	case errors.As(err, &notFound):
		return response.CodeNotFound
	case errors.As(err, &duplicate):
		return response.CodeConflict
	default:
		return response.CodeServiceError
	}
}
