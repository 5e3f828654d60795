package repositories

import (
	"context"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
)

// ExecutionRecordRepository defines the interface for pipeline audit storage
type ExecutionRecordRepository interface {
	// Create persists the record, assigning an ID when empty
	Create(ctx context.Context, record *entities.ExecutionRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]*entities.ExecutionRecord, error)
}
