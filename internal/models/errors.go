package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable classification callers see on a failed job.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindPermission ErrorKind = "permission"
	KindNotFound   ErrorKind = "not_found"
	KindTransient  ErrorKind = "transient"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
)

// Permanent reports whether a failure of this kind must never be retried.
func (k ErrorKind) Permanent() bool {
	switch k {
	case KindValidation, KindPermission, KindNotFound, KindCancelled:
		return true
	}
	return false
}

var (
	ErrValidation          = errors.New("validation error")
	ErrPermission          = errors.New("permission denied")
	ErrNotFound            = errors.New("not found")
	ErrTransient           = errors.New("transient error")
	ErrTimeout             = errors.New("attempt timed out")
	ErrCancelled           = errors.New("job cancelled")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// JobError is the last captured failure of a job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match a JobError against the sentinel of its kind.
func (e JobError) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// NewJobError classifies err into its caller-visible form.
func NewJobError(err error) JobError {
	var je JobError
	if errors.As(err, &je) {
		return je
	}
	return JobError{Kind: Classify(err), Message: err.Error()}
}

// Classify maps an error to its kind. Errors that match no sentinel are
// treated as transient: an unexpected failure from a downstream call is
// assumed to be worth another attempt.
func Classify(err error) ErrorKind {
	var je JobError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &je):
		return je.Kind
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindTransient
	}
}

// KindFromHTTPStatus classifies an upstream HTTP status code.
func KindFromHTTPStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code >= 500, code == http.StatusRequestTimeout:
		return KindTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindPermission
	case code == http.StatusNotFound, code == http.StatusGone:
		return KindNotFound
	default:
		return KindValidation
	}
}

// Errorf builds a JobError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindPermission:
		return ErrPermission
	case KindNotFound:
		return ErrNotFound
	case KindTransient:
		return ErrTransient
	case KindTimeout:
		return ErrTimeout
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}
