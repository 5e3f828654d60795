package services

import (
	"context"
	"fmt"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
)

// ActionOperations lists every operation a derived action can name.
// Batch actions execute their members and need no handler of their own.
func ActionOperations() []string {
	return []string{
		OperationEscalateAlert,
		OperationCrisisIntervention,
		OperationScheduleFollowUp,
		OperationUpdateSafetyPlan,
		OperationApproveCodes,
		OperationReviewCodes,
		OperationResolveCompliance,
		OperationDocumentAchievement,
		OperationAddressBarriers,
		OperationAdjustTreatment,
		OperationSignNote,
		OperationComposeCombinedNote,
	}
}

// NewActionEventHandler announces executed actions on the session's event
// channel. With a nil bus the execution is only logged.
func NewActionEventHandler(bus providers.EventBus) ActionHandler {
	return func(ctx context.Context, sessionID string, action entities.SmartAction) error {
		observability.LoggerFromContext(ctx).Info().
			Str("session_id", sessionID).
			Str("action_id", action.ID).
			Str("operation", action.Operation).
			Bool("urgent", action.Urgent).
			Msg("Executing action")

		if bus == nil {
			return nil
		}
		if err := bus.Publish(ctx, providers.GetSessionChannel(sessionID), entities.NewActionExecutedEvent(sessionID, action)); err != nil {
			return fmt.Errorf("failed to announce action: %w", err)
		}
		return nil
	}
}

// RegisterActionHandler binds handler to every operation in ActionOperations
func RegisterActionHandler(svc *ActionPrioritizationService, handler ActionHandler) {
	for _, op := range ActionOperations() {
		svc.RegisterHandler(op, handler)
	}
}
