package repositories

import (
	"context"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
)

// SafetyAlertRepository defines the interface for safety alert storage
type SafetyAlertRepository interface {
	// Create persists the alert, assigning an ID when empty
	Create(ctx context.Context, alert *entities.SafetyAlertRecord) error
}
