package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/sessionreview/backend/internal/application/services"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

func statusTable(states ...entities.PipelineRunState) entities.RunStatusTable {
	table := entities.RunStatusTable{
		RunID:       "run-1",
		SessionID:   "session-1",
		Status:      entities.RunStatusCompleted,
		Pipelines:   make(map[entities.PipelineKind]entities.PipelineRunState),
		LastUpdated: time.Now(),
	}
	for _, s := range states {
		table.Order = append(table.Order, s.Kind)
		table.Pipelines[s.Kind] = s
	}
	return table
}

func succeeded(insight *entities.Insight) entities.PipelineRunState {
	return entities.PipelineRunState{
		Kind:            insight.Kind,
		Status:          entities.PipelineStatusSuccess,
		ProgressPercent: 100,
		Result:          insight,
	}
}

func failed(kind entities.PipelineKind) entities.PipelineRunState {
	return entities.PipelineRunState{
		Kind:            kind,
		Status:          entities.PipelineStatusError,
		ProgressPercent: 100,
		Error:           nonRetryableUpstream(kind),
	}
}

func criticalSafetyInsight() *entities.Insight {
	return &entities.Insight{
		Kind: entities.PipelineKindSafety,
		Safety: &entities.SafetyInsight{
			OverallRisk: entities.RiskLevelCritical,
			RiskScore:   92,
			Confidence:  0.9,
			Alerts: []entities.SafetyAlert{{
				Category:           "suicidal-ideation",
				Severity:           entities.RiskLevelCritical,
				Description:        "Active ideation with plan",
				EscalationRequired: true,
				UrgentResponse:     true,
				Confidence:         0.95,
			}},
		},
	}
}

func billingInsight(confidences ...float64) *entities.Insight {
	codes := []string{"90837", "90834", "90785", "90832"}
	insight := &entities.BillingInsight{OverallConfidence: 0.85}
	for i, c := range confidences {
		insight.CPTCodes = append(insight.CPTCodes, entities.BillingCode{Code: codes[i], Confidence: c})
	}
	return &entities.Insight{Kind: entities.PipelineKindBilling, Billing: insight}
}

func newActionService(t *testing.T, cfg services.ActionConfig) *services.ActionPrioritizationService {
	t.Helper()
	svc, err := services.NewActionPrioritizationService(cfg, 16)
	require.NoError(t, err)
	return svc
}

func TestActionPrioritizationService_SafetyRules(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())

	actions := svc.DeriveActions(statusTable(succeeded(criticalSafetyInsight())))

	require.Len(t, actions, 4)
	titles := make([]string, 0, len(actions))
	for _, a := range actions {
		assert.Equal(t, entities.ActionTypeSafety, a.Type)
		assert.Equal(t, 10.0, a.Priority)
		titles = append(titles, a.Title)
	}
	assert.Equal(t, []string{
		"Escalate suicidal ideation alert",
		"Initiate crisis intervention protocol",
		"Schedule safety follow-up",
		"Update safety plan",
	}, titles)

	escalation := actions[0]
	assert.True(t, escalation.RequiresConfirmation)
	assert.True(t, escalation.Urgent)
	assert.Equal(t, services.OperationEscalateAlert, escalation.Operation)
	assert.NotEmpty(t, escalation.ID)
}

func TestActionPrioritizationService_BillingBands(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())

	actions := svc.DeriveActions(statusTable(succeeded(billingInsight(0.95, 0.95, 0.65))))

	require.Len(t, actions, 2)

	approve := actions[0]
	assert.Equal(t, "Approve billing codes", approve.Title)
	assert.Equal(t, []string{"90837", "90834"}, approve.Context["codes"])
	assert.InDelta(t, 5.85, approve.Priority, 0.001)
	assert.True(t, approve.RequiresConfirmation)

	review := actions[1]
	assert.Equal(t, "Review billing codes", review.Title)
	assert.Equal(t, []string{"90785"}, review.Context["codes"])
	assert.InDelta(t, 4.95, review.Priority, 0.001)
}

func TestActionPrioritizationService_ProgressAndNoteRules(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())

	progress := &entities.Insight{
		Kind: entities.PipelineKindProgress,
		Progress: &entities.ProgressInsight{
			OverallEffectiveness: entities.EffectivenessLow,
			Confidence:           0.6,
			Goals: []entities.GoalProgress{
				{GoalID: "g1", Description: "Reduce panic attacks", Status: entities.GoalStatusAchieved, Confidence: 0.8},
				{GoalID: "g2", Description: "Improve sleep", Status: entities.GoalStatusStalled, Barriers: []string{"shift work"}, Confidence: 0.7},
			},
		},
	}
	note := &entities.Insight{
		Kind: entities.PipelineKindNote,
		Note: &entities.NoteInsight{Format: "soap", WordCount: 240, Confidence: 0.9},
	}

	actions := svc.DeriveActions(statusTable(succeeded(progress), succeeded(note)))

	byTitle := make(map[string]entities.SmartAction)
	for _, a := range actions {
		byTitle[a.Title] = a
	}
	assert.Contains(t, byTitle, "Document achievement: Reduce panic attacks")
	assert.Contains(t, byTitle, "Address barriers: Improve sleep")
	assert.Contains(t, byTitle, "Consider treatment adjustment")
	assert.Contains(t, byTitle, "Review and sign session note")
	assert.Contains(t, byTitle, "Compose combined session note")
	assert.True(t, byTitle["Consider treatment adjustment"].RequiresConfirmation)

	for i := 1; i < len(actions); i++ {
		assert.GreaterOrEqual(t, actions[i-1].Priority, actions[i].Priority)
	}
}

func TestActionPrioritizationService_PriorityBounds(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())

	lowNote := &entities.Insight{
		Kind: entities.PipelineKindProgress,
		Progress: &entities.ProgressInsight{
			OverallEffectiveness: entities.EffectivenessModerate,
			Goals:                []entities.GoalProgress{{GoalID: "g1", Status: entities.GoalStatusAchieved}},
		},
	}

	actions := svc.DeriveActions(statusTable(succeeded(criticalSafetyInsight()), succeeded(lowNote)))
	for _, a := range actions {
		assert.GreaterOrEqual(t, a.Priority, 1.0, a.Title)
		assert.LessOrEqual(t, a.Priority, 10.0, a.Title)
	}
}

func TestActionPrioritizationService_Dedupe(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())

	insight := criticalSafetyInsight()
	insight.Safety.Alerts = append(insight.Safety.Alerts, entities.SafetyAlert{
		Category:           "suicidal-ideation",
		Severity:           entities.RiskLevelModerate,
		EscalationRequired: true,
		Confidence:         0.4,
	})

	actions := svc.DeriveActions(statusTable(succeeded(insight)))

	count := 0
	for _, a := range actions {
		if a.Title == "Escalate suicidal ideation alert" {
			count++
			assert.Equal(t, 10.0, a.Priority, "highest priority instance is kept")
		}
	}
	assert.Equal(t, 1, count)
}

func TestActionPrioritizationService_Determinism(t *testing.T) {
	table := statusTable(
		succeeded(criticalSafetyInsight()),
		succeeded(billingInsight(0.95, 0.7)),
		failed(entities.PipelineKindProgress),
	)

	first := newActionService(t, services.DefaultActionConfig()).DeriveActions(table)
	second := newActionService(t, services.DefaultActionConfig()).DeriveActions(table)

	svc := newActionService(t, services.DefaultActionConfig())
	cachedA := svc.DeriveActions(table)
	cachedB := svc.DeriveActions(table)

	assert.Equal(t, first, second)
	assert.Equal(t, cachedA, cachedB)
	assert.Equal(t, first, cachedA)
}

func TestActionPrioritizationService_CombinedNote(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())

	find := func(actions []entities.SmartAction) (entities.SmartAction, bool) {
		for _, a := range actions {
			if a.Operation == services.OperationComposeCombinedNote {
				return a, true
			}
		}
		return entities.SmartAction{}, false
	}

	t.Run("one success does not trigger it", func(t *testing.T) {
		_, ok := find(svc.DeriveActions(statusTable(
			succeeded(criticalSafetyInsight()),
			failed(entities.PipelineKindBilling),
		)))
		assert.False(t, ok)
	})

	t.Run("two successes trigger it with boosts", func(t *testing.T) {
		combined, ok := find(svc.DeriveActions(statusTable(
			succeeded(criticalSafetyInsight()),
			succeeded(billingInsight(0.95)),
			failed(entities.PipelineKindProgress),
			failed(entities.PipelineKindNote),
		)))
		require.True(t, ok)
		assert.Equal(t, entities.ActionTypeNote, combined.Type)
		assert.Equal(t, 6.5, combined.Priority)
	})

	t.Run("no boost without high risk or confident codes", func(t *testing.T) {
		calm := &entities.Insight{
			Kind:   entities.PipelineKindSafety,
			Safety: &entities.SafetyInsight{OverallRisk: entities.RiskLevelLow, RiskScore: 10},
		}
		combined, ok := find(svc.DeriveActions(statusTable(
			succeeded(calm),
			succeeded(billingInsight(0.7)),
		)))
		require.True(t, ok)
		assert.Equal(t, 4.0, combined.Priority)
	})
}

func TestActionPrioritizationService_Grouping(t *testing.T) {
	cfg := services.DefaultActionConfig()
	cfg.GroupingEnabled = true
	svc := newActionService(t, cfg)

	actions := svc.DeriveActions(statusTable(
		succeeded(criticalSafetyInsight()),
		succeeded(billingInsight(0.95, 0.65)),
	))

	var group *entities.SmartAction
	for i := range actions {
		if actions[i].IsGroup() {
			group = &actions[i]
		}
	}
	require.NotNil(t, group)
	assert.Equal(t, entities.ActionTypeSafety, group.Type)
	assert.Len(t, group.Grouped, 4)
	assert.Equal(t, 10.0, group.Priority)
	assert.Equal(t, 75, group.EstimatedTimeMinutes)
	assert.True(t, group.RequiresConfirmation)

	// Two billing actions stay below the threshold
	billing := 0
	for _, a := range actions {
		if a.Type == entities.ActionTypeBilling {
			billing++
			assert.False(t, a.IsGroup())
		}
	}
	assert.Equal(t, 2, billing)
}

func TestActionPrioritizationService_Execute(t *testing.T) {
	svc := newActionService(t, services.DefaultActionConfig())
	table := statusTable(succeeded(billingInsight(0.95, 0.65)))
	actions := svc.DeriveActions(table)
	require.Len(t, actions, 2)

	var executed []entities.SmartAction
	svc.RegisterHandler(services.OperationApproveCodes, func(_ context.Context, sessionID string, action entities.SmartAction) error {
		assert.Equal(t, "session-1", sessionID)
		executed = append(executed, action)
		return nil
	})

	t.Run("dispatches to the bound handler", func(t *testing.T) {
		action, err := svc.Execute(context.Background(), table, actions[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "Approve billing codes", action.Title)
		require.Len(t, executed, 1)
		assert.Equal(t, actions[0].ID, executed[0].ID)
	})

	t.Run("unbound operation", func(t *testing.T) {
		_, err := svc.Execute(context.Background(), table, actions[1].ID)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := svc.Execute(context.Background(), table, "missing")
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
	})

	t.Run("handler error is wrapped", func(t *testing.T) {
		boom := errors.New("billing system unavailable")
		svc.RegisterHandler(services.OperationReviewCodes, func(context.Context, string, entities.SmartAction) error {
			return boom
		})
		_, err := svc.Execute(context.Background(), table, actions[1].ID)
		assert.ErrorIs(t, err, boom)
	})
}
