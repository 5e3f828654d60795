package entities

import (
	"encoding/json"
	"time"
)

// ExecutionRecord is the audit row written after a successful pipeline attempt
type ExecutionRecord struct {
	ID             string          `json:"id" db:"id"`
	SessionID      string          `json:"session_id" db:"session_id"`
	PatientID      string          `json:"patient_id" db:"patient_id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	RequesterID    string          `json:"requester_id" db:"requester_id"`
	PipelineKind   PipelineKind    `json:"pipeline_kind" db:"pipeline_kind"`
	Attempt        int             `json:"attempt" db:"attempt"`
	Input          json.RawMessage `json:"input" db:"input"`
	Output         json.RawMessage `json:"output" db:"output"`
	Model          string          `json:"model" db:"model"`
	TokenUsage     TokenUsage      `json:"token_usage"`
	CacheHit       bool            `json:"cache_hit" db:"cache_hit"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	CompletedAt    time.Time       `json:"completed_at" db:"completed_at"`
	DurationMs     int64           `json:"duration_ms" db:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// SafetyAlertStatus is the review state of a persisted safety alert
type SafetyAlertStatus string

const (
	SafetyAlertStatusOpen SafetyAlertStatus = "open"
)

// SafetyAlertRecord is a persisted High or Critical safety alert
type SafetyAlertRecord struct {
	ID                 string            `json:"id" db:"id"`
	SessionID          string            `json:"session_id" db:"session_id"`
	PatientID          string            `json:"patient_id" db:"patient_id"`
	OrganizationID     string            `json:"organization_id" db:"organization_id"`
	RaisedBy           string            `json:"raised_by" db:"raised_by"`
	Category           string            `json:"category" db:"category"`
	Severity           RiskLevel         `json:"severity" db:"severity"`
	Description        string            `json:"description" db:"description"`
	Evidence           string            `json:"evidence" db:"evidence"`
	EscalationRequired bool              `json:"escalation_required" db:"escalation_required"`
	UrgentResponse     bool              `json:"urgent_response" db:"urgent_response"`
	Status             SafetyAlertStatus `json:"status" db:"status"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
}
