package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/sessionreview/backend/internal/application/services"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []entities.Transition
}

func (r *transitionRecorder) Report(t entities.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *transitionRecorder) Progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, t := range r.transitions {
		out = append(out, t.Progress)
	}
	return out
}

const safetyPayload = `{
	"riskAssessment": {"overallRisk": "critical", "riskScore": 92},
	"alerts": [
		{"category": "suicidal-ideation", "severity": "critical", "description": "Active ideation with plan",
		 "escalationRequired": true, "urgentResponse": true, "confidence": 0.95},
		{"category": "sleep", "severity": "low", "description": "Poor sleep"}
	],
	"confidence": 0.9
}`

func executorConfig() entities.PipelineConfig {
	return entities.PipelineConfig{Enabled: true, Priority: 10, MaxRetries: 2, TimeoutMs: 1000}
}

func TestPipelineExecutor_Run_Success(t *testing.T) {
	provider := new(MockAnalysisProvider)
	records := new(MockExecutionRecordRepository)
	alerts := new(MockSafetyAlertRepository)

	actx := testContext(entities.PipelineKindSafety)
	actx.Clinical.SessionType = "individual"

	provider.On("RunAnalysis", mock.Anything, entities.PipelineKindSafety, mock.MatchedBy(func(vars map[string]any) bool {
		return vars["transcript"] == actx.TranscriptText && vars["sessionId"] == "session-1" && vars["sessionType"] == "individual"
	})).Return(&providers.AnalysisResponse{
		Success: true,
		Data:    json.RawMessage(safetyPayload),
		Metadata: entities.PipelineMetadata{
			Model:      "gpt-test",
			TokenUsage: entities.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
			CacheHit:   true,
		},
	}, nil)

	records.On("Create", mock.Anything, mock.MatchedBy(func(r *entities.ExecutionRecord) bool {
		return r.PipelineKind == entities.PipelineKindSafety && r.SessionID == "session-1" && r.Model == "gpt-test" && r.TokenUsage.TotalTokens == 150
	})).Return(nil).Once()

	alerts.On("Create", mock.Anything, mock.MatchedBy(func(a *entities.SafetyAlertRecord) bool {
		return a.Severity == entities.RiskLevelCritical && a.Status == entities.SafetyAlertStatusOpen && a.RaisedBy == "clinician-1"
	})).Return(nil).Once()

	executor := services.NewPipelineExecutor(provider, records, alerts, 4, nil)
	recorder := &transitionRecorder{}

	insight, perr := executor.Run(context.Background(), entities.PipelineKindSafety, &actx, executorConfig(), 0, recorder.Report)
	require.Nil(t, perr)
	require.NotNil(t, insight.Safety)
	assert.Equal(t, entities.RiskLevelCritical, insight.Safety.OverallRisk)

	assert.Equal(t, []int{10, 60, 100}, recorder.Progress())
	last := recorder.transitions[len(recorder.transitions)-1]
	assert.Equal(t, entities.PipelineStatusSuccess, last.Status)
	require.NotNil(t, last.Metadata)
	assert.True(t, last.Metadata.CacheHit)
	assert.Equal(t, "gpt-test", last.Metadata.Model)

	executor.Wait()
	provider.AssertExpectations(t)
	records.AssertExpectations(t)
	alerts.AssertExpectations(t)
}

func TestPipelineExecutor_Run_PersistenceFailureIsSwallowed(t *testing.T) {
	provider := new(MockAnalysisProvider)
	records := new(MockExecutionRecordRepository)
	alerts := new(MockSafetyAlertRepository)

	provider.On("RunAnalysis", mock.Anything, entities.PipelineKindSafety, mock.Anything).
		Return(&providers.AnalysisResponse{Success: true, Data: json.RawMessage(safetyPayload)}, nil)
	records.On("Create", mock.Anything, mock.Anything).
		Return(apperrors.NewPersistenceError("failed to insert execution record", errors.New("connection refused")))
	alerts.On("Create", mock.Anything, mock.Anything).Return(nil)

	executor := services.NewPipelineExecutor(provider, records, alerts, 0, nil)
	actx := testContext(entities.PipelineKindSafety)
	recorder := &transitionRecorder{}

	insight, perr := executor.Run(context.Background(), entities.PipelineKindSafety, &actx, executorConfig(), 0, recorder.Report)
	executor.Wait()

	require.Nil(t, perr)
	assert.NotNil(t, insight)
	assert.Equal(t, entities.PipelineStatusSuccess, recorder.transitions[len(recorder.transitions)-1].Status)
}

func TestPipelineExecutor_Run_ValidationError(t *testing.T) {
	provider := new(MockAnalysisProvider)
	executor := services.NewPipelineExecutor(provider, nil, nil, 0, nil)

	actx := testContext(entities.PipelineKindNote)
	actx.TranscriptText = ""
	recorder := &transitionRecorder{}

	insight, perr := executor.Run(context.Background(), entities.PipelineKindNote, &actx, executorConfig(), 0, recorder.Report)

	assert.Nil(t, insight)
	require.NotNil(t, perr)
	assert.True(t, perr.IsValidation())
	assert.False(t, perr.IsRetryable())
	assert.Empty(t, recorder.transitions)
	provider.AssertNotCalled(t, "RunAnalysis", mock.Anything, mock.Anything, mock.Anything)
}

func TestPipelineExecutor_Run_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		resp      *providers.AnalysisResponse
		err       error
		errType   apperrors.ErrorType
		code      int
		retryable bool
	}{
		{
			name:      "server error is retryable",
			err:       &providers.UpstreamStatusError{StatusCode: 503, Message: "overloaded"},
			errType:   apperrors.ErrorTypeUpstream,
			code:      503,
			retryable: true,
		},
		{
			name:      "rate limit is retryable",
			err:       &providers.UpstreamStatusError{StatusCode: 429, Message: "slow down"},
			errType:   apperrors.ErrorTypeUpstream,
			code:      429,
			retryable: true,
		},
		{
			name:      "client error is not retryable",
			err:       &providers.UpstreamStatusError{StatusCode: 400, Message: "bad request"},
			errType:   apperrors.ErrorTypeUpstream,
			code:      400,
			retryable: false,
		},
		{
			name:      "transport error is retryable",
			err:       errors.New("connection reset by peer"),
			errType:   apperrors.ErrorTypeUpstream,
			code:      503,
			retryable: true,
		},
		{
			name:      "rate limit wait past the deadline is a timeout",
			err:       fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded),
			errType:   apperrors.ErrorTypeTimeout,
			code:      504,
			retryable: true,
		},
		{
			name:      "failure envelope is retryable",
			resp:      &providers.AnalysisResponse{Success: false, Error: "model failure"},
			errType:   apperrors.ErrorTypeUpstream,
			code:      502,
			retryable: true,
		},
		{
			name:      "malformed data is retryable",
			resp:      &providers.AnalysisResponse{Success: true, Data: json.RawMessage(`[]`)},
			errType:   apperrors.ErrorTypeUpstream,
			code:      502,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockAnalysisProvider)
			provider.On("RunAnalysis", mock.Anything, entities.PipelineKindBilling, mock.Anything).Return(tt.resp, tt.err)

			executor := services.NewPipelineExecutor(provider, nil, nil, 0, nil)
			actx := testContext(entities.PipelineKindBilling)

			_, perr := executor.Run(context.Background(), entities.PipelineKindBilling, &actx, executorConfig(), 1, func(entities.Transition) {})
			require.NotNil(t, perr)
			assert.Equal(t, tt.errType, perr.Type)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, tt.retryable, perr.IsRetryable())
			assert.Equal(t, entities.PipelineKindBilling, perr.Kind)
		})
	}
}

func TestPipelineExecutor_Run_Timeout(t *testing.T) {
	provider := new(MockAnalysisProvider)
	provider.On("RunAnalysis", mock.Anything, entities.PipelineKindProgress, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	executor := services.NewPipelineExecutor(provider, nil, nil, 0, nil)
	actx := testContext(entities.PipelineKindProgress)
	cfg := executorConfig()
	cfg.TimeoutMs = 20

	start := time.Now()
	_, perr := executor.Run(context.Background(), entities.PipelineKindProgress, &actx, cfg, 0, func(entities.Transition) {})

	require.NotNil(t, perr)
	assert.Equal(t, apperrors.ErrorTypeTimeout, perr.Type)
	assert.True(t, perr.IsRetryable())
	assert.Less(t, time.Since(start), time.Second)
}

func TestPipelineExecutor_Run_Cancelled(t *testing.T) {
	started := make(chan struct{})
	provider := new(MockAnalysisProvider)
	provider.On("RunAnalysis", mock.Anything, entities.PipelineKindNote, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	executor := services.NewPipelineExecutor(provider, nil, nil, 1, nil)
	actx := testContext(entities.PipelineKindNote)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, perr := executor.Run(ctx, entities.PipelineKindNote, &actx, executorConfig(), 0, func(entities.Transition) {})

	require.NotNil(t, perr)
	assert.True(t, perr.IsCancelled())
	assert.False(t, perr.IsRetryable())
}
