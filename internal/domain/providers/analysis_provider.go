package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
)

// AnalysisResponse is the generic upstream response envelope
type AnalysisResponse struct {
	Success  bool                      `json:"success"`
	Data     json.RawMessage           `json:"data,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Metadata entities.PipelineMetadata `json:"metadata"`
}

// AnalysisProvider runs one analysis of a given kind against the upstream AI service
type AnalysisProvider interface {
	RunAnalysis(ctx context.Context, kind entities.PipelineKind, variables map[string]any) (*AnalysisResponse, error)
}

// UpstreamStatusError carries the HTTP-status-equivalent of a failed upstream call
type UpstreamStatusError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream analysis failed with status %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the status signals a transient, server-side failure
func (e *UpstreamStatusError) IsRetryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

// IsRetryableStatus classifies 5xx, 408 and 429 as transient
func IsRetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}
