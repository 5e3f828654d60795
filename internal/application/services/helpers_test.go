package services_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/zatekoja/sessionreview/backend/internal/application/services"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
)

// MockAnalysisProvider is a mock implementation of providers.AnalysisProvider
type MockAnalysisProvider struct {
	mock.Mock
}

func (m *MockAnalysisProvider) RunAnalysis(ctx context.Context, kind entities.PipelineKind, variables map[string]any) (*providers.AnalysisResponse, error) {
	args := m.Called(ctx, kind, variables)
	resp, _ := args.Get(0).(*providers.AnalysisResponse)
	return resp, args.Error(1)
}

// MockExecutionRecordRepository is a mock implementation of repositories.ExecutionRecordRepository
type MockExecutionRecordRepository struct {
	mock.Mock
}

func (m *MockExecutionRecordRepository) Create(ctx context.Context, record *entities.ExecutionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockExecutionRecordRepository) ListBySession(ctx context.Context, sessionID string) ([]*entities.ExecutionRecord, error) {
	args := m.Called(ctx, sessionID)
	records, _ := args.Get(0).([]*entities.ExecutionRecord)
	return records, args.Error(1)
}

// MockSafetyAlertRepository is a mock implementation of repositories.SafetyAlertRepository
type MockSafetyAlertRepository struct {
	mock.Mock
}

func (m *MockSafetyAlertRepository) Create(ctx context.Context, alert *entities.SafetyAlertRecord) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

// MockEventBus is a mock implementation of providers.EventBus
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.RunEvent) error {
	args := m.Called(ctx, channel, event)
	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.RunEvent, error) {
	args := m.Called(ctx, channel)
	ch, _ := args.Get(0).(<-chan *entities.RunEvent)
	return ch, args.Error(1)
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, channel string) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()
	return args.Error(0)
}

// attemptFunc scripts one executor attempt
type attemptFunc func(ctx context.Context, kind entities.PipelineKind, attempt int, report services.TransitionFunc) (*entities.Insight, *entities.PipelineError)

// fakeExecutor runs scripted attempts and counts invocations per kind
type fakeExecutor struct {
	mu     sync.Mutex
	calls  map[entities.PipelineKind]int
	script map[entities.PipelineKind]attemptFunc
}

func newFakeExecutor(script map[entities.PipelineKind]attemptFunc) *fakeExecutor {
	return &fakeExecutor{
		calls:  make(map[entities.PipelineKind]int),
		script: script,
	}
}

func (f *fakeExecutor) Run(ctx context.Context, kind entities.PipelineKind, _ *entities.AnalysisContext, _ entities.PipelineConfig, attempt int, report services.TransitionFunc) (*entities.Insight, *entities.PipelineError) {
	f.mu.Lock()
	f.calls[kind]++
	fn := f.script[kind]
	f.mu.Unlock()

	if fn == nil {
		return succeed(&entities.Insight{Kind: kind})(ctx, kind, attempt, report)
	}
	return fn(ctx, kind, attempt, report)
}

func (f *fakeExecutor) Calls(kind entities.PipelineKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// succeed reports Loading then Success with insight
func succeed(insight *entities.Insight) attemptFunc {
	return func(_ context.Context, kind entities.PipelineKind, attempt int, report services.TransitionFunc) (*entities.Insight, *entities.PipelineError) {
		report(entities.Transition{Kind: kind, Status: entities.PipelineStatusLoading, Progress: 10, Attempt: attempt})
		report(entities.Transition{Kind: kind, Status: entities.PipelineStatusLoading, Progress: 60, Attempt: attempt})
		report(entities.Transition{
			Kind:     kind,
			Status:   entities.PipelineStatusSuccess,
			Progress: 100,
			Attempt:  attempt,
			Result:   insight,
			Metadata: &entities.PipelineMetadata{Model: "test-model"},
		})
		return insight, nil
	}
}

// fail reports Loading then returns err
func fail(err func(kind entities.PipelineKind) *entities.PipelineError) attemptFunc {
	return func(_ context.Context, kind entities.PipelineKind, attempt int, report services.TransitionFunc) (*entities.Insight, *entities.PipelineError) {
		report(entities.Transition{Kind: kind, Status: entities.PipelineStatusLoading, Progress: 10, Attempt: attempt})
		return nil, err(kind)
	}
}

func retryableUpstream(kind entities.PipelineKind) *entities.PipelineError {
	return entities.NewUpstreamPipelineError(kind, 503, "service unavailable", true, nil)
}

func nonRetryableUpstream(kind entities.PipelineKind) *entities.PipelineError {
	return entities.NewUpstreamPipelineError(kind, 422, "unprocessable transcript", false, nil)
}

// recordingSleeper records every requested delay and returns immediately
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testContext(kinds ...entities.PipelineKind) entities.AnalysisContext {
	cfg := map[entities.PipelineKind]entities.PipelineConfig{
		entities.PipelineKindSafety:   {Enabled: false},
		entities.PipelineKindBilling:  {Enabled: false},
		entities.PipelineKindProgress: {Enabled: false},
		entities.PipelineKindNote:     {Enabled: false},
	}
	priority := len(kinds)
	for _, kind := range kinds {
		cfg[kind] = entities.PipelineConfig{Enabled: true, Priority: priority, MaxRetries: 2, TimeoutMs: 1000}
		priority--
	}

	return entities.AnalysisContext{
		SessionID:      "session-1",
		PatientID:      "patient-1",
		TranscriptText: "Therapist: How have you been sleeping? Client: Not well.",
		RequesterID:    "clinician-1",
		OrganizationID: "org-1",
		Config:         cfg,
	}
}

// waitDone blocks until run is done or the timeout elapses
func waitDone(run *services.AnalysisRun, timeout time.Duration) bool {
	select {
	case <-run.Done():
		run.Wait()
		return true
	case <-time.After(timeout):
		return false
	}
}
