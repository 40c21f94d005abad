// Package apperr builds the service error envelopes returned by every stage
// and mapped onto HTTP responses by the api package.
package apperr

import (
	"fmt"
	"math"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeAdmissionRejected = "ADMISSION_REJECTED"
	CodeQueueFull         = "QUEUE_FULL"
	CodeQueueCleared      = "QUEUE_CLEARED"
	CodeResolution        = "RESOLUTION_ERROR"
	CodeDownload          = "DOWNLOAD_ERROR"
	CodeTranscription     = "TRANSCRIPTION_ERROR"
	CodeCRMUpdate         = "CRM_UPDATE_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeInternal          = "INTERNAL_ERROR"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return newError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func Validation(field, message string) error {
	return goerrors.NewValidation("validation failed: "+message, goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeValidation)
}

func AdmissionRejected(clientKey string, retryAfter time.Duration) error {
	return newError(
		"too many requests, please retry later",
		goerrors.CategoryRateLimit,
		http.StatusTooManyRequests,
		CodeAdmissionRejected,
		map[string]any{
			"client_key":  clientKey,
			"retry_after": RetryAfterSeconds(retryAfter),
		},
	)
}

func QueueFull(capacity int) error {
	return newError(
		fmt.Sprintf("queue is full (%d waiting), please retry later", capacity),
		goerrors.CategoryRateLimit,
		http.StatusServiceUnavailable,
		CodeQueueFull,
		map[string]any{"max_queue_size": capacity},
	)
}

func QueueCleared(requestID string) error {
	return newError(
		"request was removed from the queue before processing",
		goerrors.CategoryOperation,
		http.StatusServiceUnavailable,
		CodeQueueCleared,
		map[string]any{"request_id": requestID},
	)
}

func Resolution(source error, message string) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusInternalServerError, CodeResolution, nil)
}

func Download(source error, message string) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusInternalServerError, CodeDownload, nil)
}

func Transcription(source error, message string) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusInternalServerError, CodeTranscription, nil)
}

func CRMUpdate(source error, message string) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusInternalServerError, CodeCRMUpdate, nil)
}

func Unauthorized(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeUnauthorized, nil)
}

func NotFound(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, metadata)
}

func Internal(source error, message string) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, CodeInternal, nil)
}

// Envelope returns the rich error behind err, wrapping unknown errors as internal.
func Envelope(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	return wrapError(err, goerrors.CategoryInternal, err.Error(), http.StatusInternalServerError, CodeInternal, nil)
}

// Annotate merges metadata into the envelope of err and returns it.
func Annotate(err error, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	rich := Envelope(err)
	if rich.Metadata == nil {
		rich.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		rich.Metadata[k] = v
	}
	return rich
}

// AnnotateMissing is Annotate for keys err does not carry yet.
func AnnotateMissing(err error, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	rich := Envelope(err)
	if rich.Metadata == nil {
		rich.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		if _, ok := rich.Metadata[k]; !ok {
			rich.Metadata[k] = v
		}
	}
	return rich
}

func HTTPStatus(err error) int {
	rich := Envelope(err)
	if rich == nil {
		return http.StatusOK
	}
	if rich.Code == 0 {
		return http.StatusInternalServerError
	}
	return rich.Code
}

func TextCode(err error) string {
	if rich := Envelope(err); rich != nil {
		return rich.TextCode
	}
	return ""
}

func Is(err error, textCode string) bool {
	return err != nil && TextCode(err) == textCode
}

// Metadata returns the value stored under key on the envelope of err.
func Metadata(err error, key string) (any, bool) {
	rich := Envelope(err)
	if rich == nil || rich.Metadata == nil {
		return nil, false
	}
	v, ok := rich.Metadata[key]
	return v, ok
}

// RetryAfterSeconds rounds d up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
