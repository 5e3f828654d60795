package entities

import "time"

// PipelineKind identifies one independent analysis operation
type PipelineKind string

const (
	PipelineKindSafety   PipelineKind = "safety"
	PipelineKindBilling  PipelineKind = "billing"
	PipelineKindProgress PipelineKind = "progress"
	PipelineKindNote     PipelineKind = "note"
)

// PipelineStatus represents the lifecycle state of one pipeline within a run
type PipelineStatus string

const (
	PipelineStatusIdle     PipelineStatus = "idle"
	PipelineStatusLoading  PipelineStatus = "loading"
	PipelineStatusRetrying PipelineStatus = "retrying"
	PipelineStatusSuccess  PipelineStatus = "success"
	PipelineStatusError    PipelineStatus = "error"
)

// IsTerminal reports whether no further transitions occur for the pipeline
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineStatusSuccess || s == PipelineStatusError
}

// IsInFlight reports whether the pipeline is loading or waiting out a retry
func (s PipelineStatus) IsInFlight() bool {
	return s == PipelineStatusLoading || s == PipelineStatusRetrying
}

// PipelineConfig is the per-kind execution configuration
type PipelineConfig struct {
	Enabled    bool `json:"enabled"`
	Priority   int  `json:"priority"`
	MaxRetries int  `json:"max_retries"`
	TimeoutMs  int  `json:"timeout_ms"`
}

// Timeout returns the per-invocation deadline
func (c PipelineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// TokenUsage reports upstream token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// PipelineMetadata is passed through from the upstream response
type PipelineMetadata struct {
	Model            string     `json:"model,omitempty"`
	TokenUsage       TokenUsage `json:"token_usage"`
	CacheHit         bool       `json:"cache_hit"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
}

// PipelineRunState is the state of one pipeline kind within one run
type PipelineRunState struct {
	Kind            PipelineKind      `json:"kind"`
	Status          PipelineStatus    `json:"status"`
	ProgressPercent int               `json:"progress_percent"`
	Attempt         int               `json:"attempt"`
	Result          *Insight          `json:"result,omitempty"`
	Error           *PipelineError    `json:"error,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	Metadata        *PipelineMetadata `json:"metadata,omitempty"`
}

// HasData reports whether a normalized result is attached
func (s PipelineRunState) HasData() bool {
	return s.Result != nil
}

// Transition is a state change requested by an executor for one pipeline
type Transition struct {
	Kind     PipelineKind
	Status   PipelineStatus
	Progress int
	Attempt  int
	Result   *Insight
	Error    *PipelineError
	Metadata *PipelineMetadata
}
