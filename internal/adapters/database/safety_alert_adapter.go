package database

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/repositories"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

// SafetyAlertAdapter implements safety alert persistence in Postgres
type SafetyAlertAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewSafetyAlertAdapter creates a new safety alert adapter
func NewSafetyAlertAdapter(client *postgres.Client) repositories.SafetyAlertRepository {
	return &SafetyAlertAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Create inserts a safety alert
func (a *SafetyAlertAdapter) Create(ctx context.Context, alert *entities.SafetyAlertRecord) error {
	if alert == nil {
		return apperrors.NewValidationError("safety alert is nil")
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Status == "" {
		alert.Status = entities.SafetyAlertStatusOpen
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	query, args, err := a.db.Insert("safety_alerts").Prepared(true).Rows(goqu.Record{
		"id":                  alert.ID,
		"session_id":          alert.SessionID,
		"patient_id":          nullString(alert.PatientID),
		"organization_id":     nullString(alert.OrganizationID),
		"raised_by":           nullString(alert.RaisedBy),
		"category":            alert.Category,
		"severity":            string(alert.Severity),
		"description":         alert.Description,
		"evidence":            nullString(alert.Evidence),
		"escalation_required": alert.EscalationRequired,
		"urgent_response":     alert.UrgentResponse,
		"status":              string(alert.Status),
		"created_at":          alert.CreatedAt,
	}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build safety alert insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewPersistenceError("failed to create safety alert", err)
	}

	return nil
}
