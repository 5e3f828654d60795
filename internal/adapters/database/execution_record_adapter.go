package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/repositories"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

const executionRecordsTable = "analysis_execution_records"

// ExecutionRecordAdapter implements pipeline audit persistence in Postgres
type ExecutionRecordAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewExecutionRecordAdapter creates a new execution record adapter
func NewExecutionRecordAdapter(client *postgres.Client) repositories.ExecutionRecordRepository {
	return &ExecutionRecordAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// executionRecordRow is the scan target of analysis_execution_records
type executionRecordRow struct {
	ID               string         `db:"id"`
	SessionID        string         `db:"session_id"`
	PatientID        sql.NullString `db:"patient_id"`
	OrganizationID   sql.NullString `db:"organization_id"`
	RequesterID      sql.NullString `db:"requester_id"`
	PipelineKind     string         `db:"pipeline_kind"`
	Attempt          int            `db:"attempt"`
	Input            []byte         `db:"input"`
	Output           []byte         `db:"output"`
	Model            sql.NullString `db:"model"`
	PromptTokens     int            `db:"prompt_tokens"`
	CompletionTokens int            `db:"completion_tokens"`
	TotalTokens      int            `db:"total_tokens"`
	CacheHit         bool           `db:"cache_hit"`
	StartedAt        time.Time      `db:"started_at"`
	CompletedAt      time.Time      `db:"completed_at"`
	DurationMs       int64          `db:"duration_ms"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r executionRecordRow) toEntity() *entities.ExecutionRecord {
	return &entities.ExecutionRecord{
		ID:             r.ID,
		SessionID:      r.SessionID,
		PatientID:      r.PatientID.String,
		OrganizationID: r.OrganizationID.String,
		RequesterID:    r.RequesterID.String,
		PipelineKind:   entities.PipelineKind(r.PipelineKind),
		Attempt:        r.Attempt,
		Input:          json.RawMessage(r.Input),
		Output:         json.RawMessage(r.Output),
		Model:          r.Model.String,
		TokenUsage: entities.TokenUsage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
		},
		CacheHit:    r.CacheHit,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  r.DurationMs,
		CreatedAt:   r.CreatedAt,
	}
}

// Create inserts an execution record
func (a *ExecutionRecordAdapter) Create(ctx context.Context, record *entities.ExecutionRecord) error {
	if record == nil {
		return apperrors.NewValidationError("execution record is nil")
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	row := goqu.Record{
		"id":                record.ID,
		"session_id":        record.SessionID,
		"patient_id":        nullString(record.PatientID),
		"organization_id":   nullString(record.OrganizationID),
		"requester_id":      nullString(record.RequesterID),
		"pipeline_kind":     string(record.PipelineKind),
		"attempt":           record.Attempt,
		"input":             jsonColumn(record.Input),
		"output":            jsonColumn(record.Output),
		"model":             nullString(record.Model),
		"prompt_tokens":     record.TokenUsage.PromptTokens,
		"completion_tokens": record.TokenUsage.CompletionTokens,
		"total_tokens":      record.TokenUsage.TotalTokens,
		"cache_hit":         record.CacheHit,
		"started_at":        record.StartedAt,
		"completed_at":      record.CompletedAt,
		"duration_ms":       record.DurationMs,
		"created_at":        record.CreatedAt,
	}

	query, args, err := a.db.Insert(executionRecordsTable).Prepared(true).Rows(row).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build execution record insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewPersistenceError("failed to create execution record", err)
	}

	return nil
}

// ListBySession returns the session's execution records, oldest first
func (a *ExecutionRecordAdapter) ListBySession(ctx context.Context, sessionID string) ([]*entities.ExecutionRecord, error) {
	query, args, err := a.db.Select(
		"id", "session_id", "patient_id", "organization_id", "requester_id",
		"pipeline_kind", "attempt", "input", "output", "model",
		"prompt_tokens", "completion_tokens", "total_tokens", "cache_hit",
		"started_at", "completed_at", "duration_ms", "created_at",
	).From(executionRecordsTable).
		Where(goqu.Ex{"session_id": sessionID}).
		Order(goqu.C("started_at").Asc(), goqu.C("created_at").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build execution record query", err)
	}

	var rows []executionRecordRow
	if err := a.client.DBX().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewPersistenceError(fmt.Sprintf("failed to list execution records for session %s", sessionID), err)
	}

	records := make([]*entities.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toEntity())
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonColumn stores empty payloads as JSON null
func jsonColumn(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
