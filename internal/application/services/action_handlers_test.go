package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/sessionreview/backend/internal/application/services"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
)

func TestActionEventHandler(t *testing.T) {
	action := entities.SmartAction{
		ID:        "action-1",
		Type:      entities.ActionTypeBilling,
		Title:     "Approve billing codes",
		Operation: services.OperationApproveCodes,
	}

	t.Run("publishes on the session channel", func(t *testing.T) {
		bus := new(MockEventBus)
		bus.On("Publish", mock.Anything, providers.GetSessionChannel("session-1"), mock.MatchedBy(func(e *entities.RunEvent) bool {
			return e.EventType == entities.RunEventTypeActionDone &&
				e.SessionID == "session-1" &&
				e.Action != nil && e.Action.ID == "action-1"
		})).Return(nil).Once()

		handler := services.NewActionEventHandler(bus)
		require.NoError(t, handler(context.Background(), "session-1", action))
		bus.AssertExpectations(t)
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		bus := new(MockEventBus)
		boom := errors.New("redis down")
		bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(boom)

		handler := services.NewActionEventHandler(bus)
		assert.ErrorIs(t, handler(context.Background(), "session-1", action), boom)
	})

	t.Run("nil bus only logs", func(t *testing.T) {
		handler := services.NewActionEventHandler(nil)
		assert.NoError(t, handler(context.Background(), "session-1", action))
	})
}

func TestRegisterActionHandler_CoversDerivedOperations(t *testing.T) {
	svc, err := services.NewActionPrioritizationService(services.DefaultActionConfig(), 8)
	require.NoError(t, err)

	var calls int
	services.RegisterActionHandler(svc, func(context.Context, string, entities.SmartAction) error {
		calls++
		return nil
	})

	table := statusTable(succeeded(criticalSafetyInsight()))
	actions := svc.DeriveActions(table)
	require.NotEmpty(t, actions)

	for _, a := range actions {
		_, err := svc.Execute(context.Background(), table, a.ID)
		require.NoError(t, err, a.Operation)
	}
	assert.GreaterOrEqual(t, calls, len(actions))
	assert.NotContains(t, services.ActionOperations(), services.OperationBatch)
}
