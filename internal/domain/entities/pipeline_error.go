package entities

import (
	"fmt"

	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

// CancelledMessage is the error message attached to pipelines stopped by a cancel
const CancelledMessage = "cancelled"

// PipelineError is the outcome of a failed pipeline attempt
type PipelineError struct {
	Kind      PipelineKind        `json:"kind"`
	Type      apperrors.ErrorType `json:"type"`
	Message   string              `json:"message"`
	Code      int                 `json:"code,omitempty"`
	Retryable bool                `json:"retryable"`
	Err       error               `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s pipeline %s (%d): %s", e.Kind, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s pipeline %s: %s", e.Kind, e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is eligible for automatic re-attempt
func (e *PipelineError) IsRetryable() bool {
	return e != nil && e.Retryable
}

// NewValidationPipelineError reports bad or missing pipeline input. Never retried.
func NewValidationPipelineError(kind PipelineKind, message string) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Type:    apperrors.ErrorTypeValidation,
		Message: message,
		Code:    400,
	}
}

// NewUpstreamPipelineError reports a failed upstream analysis call
func NewUpstreamPipelineError(kind PipelineKind, code int, message string, retryable bool, err error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Type:      apperrors.ErrorTypeUpstream,
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Err:       err,
	}
}

// NewTimeoutPipelineError reports an invocation that exceeded its deadline. Always retried.
func NewTimeoutPipelineError(kind PipelineKind, err error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Type:      apperrors.ErrorTypeTimeout,
		Message:   "analysis timed out",
		Code:      504,
		Retryable: true,
		Err:       err,
	}
}

// NewCancelledPipelineError is attached to pipelines stopped by a run cancel
func NewCancelledPipelineError(kind PipelineKind) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Type:    apperrors.ErrorTypeCancelled,
		Message: CancelledMessage,
	}
}

// IsValidation reports whether the error belongs to the validation class
func (e *PipelineError) IsValidation() bool {
	return e != nil && e.Type == apperrors.ErrorTypeValidation
}

// IsCancelled reports whether the error was produced by a run cancel
func (e *PipelineError) IsCancelled() bool {
	return e != nil && e.Type == apperrors.ErrorTypeCancelled
}
