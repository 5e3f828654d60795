package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
	"github.com/zatekoja/sessionreview/backend/pkg/retry"
)

const publishTimeout = 5 * time.Second

// SleepFunc waits out a retry delay. It returns early with ctx's error.
type SleepFunc func(ctx context.Context, d time.Duration) error

// OrchestratorOption configures an AnalysisOrchestrator
type OrchestratorOption func(*AnalysisOrchestrator)

// WithRetryPolicy replaces the default backoff policy
func WithRetryPolicy(policy retry.Policy) OrchestratorOption {
	return func(o *AnalysisOrchestrator) {
		o.policy = policy
	}
}

// WithSleeper replaces the timer-based retry wait
func WithSleeper(sleep SleepFunc) OrchestratorOption {
	return func(o *AnalysisOrchestrator) {
		o.sleep = sleep
	}
}

// WithActionService attaches the action engine. Actions are derived after
// every successful pipeline so the cache is warm when callers ask.
func WithActionService(actions *ActionPrioritizationService) OrchestratorOption {
	return func(o *AnalysisOrchestrator) {
		o.actions = actions
	}
}

// WithEventBus publishes every run update as a RunEvent
func WithEventBus(bus providers.EventBus) OrchestratorOption {
	return func(o *AnalysisOrchestrator) {
		o.events = bus
	}
}

// WithRunRetention drops finished runs once they have been idle for d.
// Finished runs are kept until discarded when d is zero.
func WithRunRetention(d time.Duration) OrchestratorOption {
	return func(o *AnalysisOrchestrator) {
		o.retention = d
	}
}

// WithPipelineMetrics records retry and run outcome metrics
func WithPipelineMetrics(metrics *observability.PipelineMetrics) OrchestratorOption {
	return func(o *AnalysisOrchestrator) {
		o.metrics = metrics
	}
}

// AnalysisOrchestrator is the process-wide registry of analysis runs, keyed
// by session id. At most one run per session is active at a time.
type AnalysisOrchestrator struct {
	registry *PipelineRegistry
	executor Executor
	policy   retry.Policy
	sleep    SleepFunc
	actions  *ActionPrioritizationService
	events   providers.EventBus
	metrics  *observability.PipelineMetrics

	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*AnalysisRun
}

// NewAnalysisOrchestrator creates a new orchestrator
func NewAnalysisOrchestrator(registry *PipelineRegistry, executor Executor, opts ...OrchestratorOption) *AnalysisOrchestrator {
	o := &AnalysisOrchestrator{
		registry: registry,
		executor: executor,
		policy:   retry.DefaultPolicy(),
		sleep:    retry.Sleep,
		runs:     make(map[string]*AnalysisRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches every enabled pipeline for actx. A second start for a
// session whose run has not finished returns that run without launching
// anything, including while the first start is still launching it. A
// finished run for the session is replaced by a new one.
func (o *AnalysisOrchestrator) Start(ctx context.Context, actx entities.AnalysisContext) (*AnalysisRun, error) {
	if actx.SessionID == "" {
		return nil, apperrors.NewValidationError("session id is required")
	}

	configs, err := o.registry.Resolve(actx.Config)
	if err != nil {
		return nil, err
	}
	kinds := o.registry.ListEnabled(configs)
	if len(kinds) == 0 {
		return nil, apperrors.NewValidationError("no pipelines enabled")
	}

	o.mu.Lock()
	o.pruneLocked(ctx, time.Now())
	if existing, ok := o.runs[actx.SessionID]; ok && existing.State().IsActive() {
		o.mu.Unlock()
		observability.LoggerFromContext(ctx).Warn().
			Str("session_id", actx.SessionID).
			Str("run_id", existing.ID()).
			Msg("Analysis already running for session, start ignored")
		return existing, nil
	}

	run := o.newRun(ctx, actx, configs, kinds)
	o.runs[actx.SessionID] = run
	o.mu.Unlock()

	if o.events != nil {
		run.Subscribe(o.publisher(run, entities.RunEventTypeStatusUpdate), o.publisher(run, entities.RunEventTypeCompleted))
	}

	run.launch()
	return run, nil
}

func (o *AnalysisOrchestrator) newRun(
	ctx context.Context,
	actx entities.AnalysisContext,
	configs map[entities.PipelineKind]entities.PipelineConfig,
	kinds []entities.PipelineKind,
) *AnalysisRun {
	id := uuid.New().String()

	// The run outlives the request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	pipelines := make(map[entities.PipelineKind]entities.PipelineRunState, len(kinds))
	generations := make(map[entities.PipelineKind]int, len(kinds))
	for _, kind := range kinds {
		pipelines[kind] = entities.PipelineRunState{Kind: kind, Status: entities.PipelineStatusIdle}
		generations[kind] = 0
	}

	return &AnalysisRun{
		id:      id,
		actx:    actx,
		configs: configs,
		orch:    o,
		logger:  observability.RunLogger(ctx, actx.SessionID, id),
		ctx:     runCtx,
		cancel:  cancel,
		table: entities.RunStatusTable{
			RunID:       id,
			SessionID:   actx.SessionID,
			Status:      entities.RunStatusNotStarted,
			Order:       kinds,
			Pipelines:   pipelines,
			LastUpdated: time.Now(),
		},
		generations: generations,
		done:        make(chan struct{}),
	}
}

// publisher forwards run snapshots to the event bus
func (o *AnalysisOrchestrator) publisher(run *AnalysisRun, eventType entities.RunEventType) UpdateFunc {
	return func(table entities.RunStatusTable) {
		t := eventType
		if t == entities.RunEventTypeStatusUpdate && table.Status == entities.RunStatusCancelled {
			t = entities.RunEventTypeCancelled
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), publishTimeout)
		defer cancel()

		if err := o.events.Publish(ctx, providers.GetSessionChannel(table.SessionID), entities.NewRunEvent(t, table)); err != nil {
			run.logger.Warn().Err(err).Str("event_type", string(t)).Msg("Failed to publish run event")
		}
	}
}

// warmActions derives the actions of run's current snapshot into the cache
func (o *AnalysisOrchestrator) warmActions(run *AnalysisRun) {
	if o.actions == nil {
		return
	}
	o.actions.DeriveActions(run.Status())
}

// Get returns the current run for sessionID
func (o *AnalysisOrchestrator) Get(sessionID string) (*AnalysisRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[sessionID]
	return run, ok
}

func (o *AnalysisOrchestrator) mustGet(sessionID string) (*AnalysisRun, error) {
	run, ok := o.Get(sessionID)
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no analysis run for session %s", sessionID))
	}
	return run, nil
}

// Status returns a snapshot of the session's run
func (o *AnalysisOrchestrator) Status(sessionID string) (entities.RunStatusTable, error) {
	run, err := o.mustGet(sessionID)
	if err != nil {
		return entities.RunStatusTable{}, err
	}
	return run.Status(), nil
}

// Subscribe observes the session's run. The returned func unsubscribes.
func (o *AnalysisOrchestrator) Subscribe(sessionID string, onUpdate, onComplete UpdateFunc) (func(), error) {
	run, err := o.mustGet(sessionID)
	if err != nil {
		return nil, err
	}
	return run.Subscribe(onUpdate, onComplete), nil
}

// RetryOne relaunches one failed pipeline of the session's run
func (o *AnalysisOrchestrator) RetryOne(sessionID string, kind entities.PipelineKind) error {
	run, err := o.mustGet(sessionID)
	if err != nil {
		return err
	}
	return run.RetryOne(kind)
}

// RetryAll relaunches every retryable failed pipeline of the session's run
func (o *AnalysisOrchestrator) RetryAll(sessionID string) ([]entities.PipelineKind, error) {
	run, err := o.mustGet(sessionID)
	if err != nil {
		return nil, err
	}
	return run.RetryAll()
}

// Cancel cancels the session's run
func (o *AnalysisOrchestrator) Cancel(sessionID string) error {
	run, err := o.mustGet(sessionID)
	if err != nil {
		return err
	}
	return run.Cancel()
}

// Actions returns the prioritized actions of the session's run
func (o *AnalysisOrchestrator) Actions(sessionID string) ([]entities.SmartAction, error) {
	if o.actions == nil {
		return nil, apperrors.NewInternalError("action engine not configured", nil)
	}
	table, err := o.Status(sessionID)
	if err != nil {
		return nil, err
	}
	return o.actions.DeriveActions(table), nil
}

// ExecuteAction runs the operation of one action of the session's run
func (o *AnalysisOrchestrator) ExecuteAction(ctx context.Context, sessionID, actionID string) (*entities.SmartAction, error) {
	if o.actions == nil {
		return nil, apperrors.NewInternalError("action engine not configured", nil)
	}
	table, err := o.Status(sessionID)
	if err != nil {
		return nil, err
	}
	return o.actions.Execute(ctx, table, actionID)
}

// Discard forgets the session's run, cancelling it first if it is running
func (o *AnalysisOrchestrator) Discard(sessionID string) error {
	o.mu.Lock()
	run, ok := o.runs[sessionID]
	if ok {
		delete(o.runs, sessionID)
	}
	o.mu.Unlock()

	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("no analysis run for session %s", sessionID))
	}
	if run.State().IsActive() {
		return run.Cancel()
	}
	return nil
}

// pruneLocked forgets finished runs idle for longer than the retention
func (o *AnalysisOrchestrator) pruneLocked(ctx context.Context, now time.Time) {
	if o.retention <= 0 {
		return
	}
	pruned := 0
	for id, run := range o.runs {
		if ended, ok := run.finishedAt(); ok && now.Sub(ended) > o.retention {
			delete(o.runs, id)
			pruned++
		}
	}
	if pruned > 0 {
		observability.LoggerFromContext(ctx).Debug().Int("pruned", pruned).Msg("Dropped finished analysis runs")
	}
}

// ActiveRuns returns the session ids whose run has not finished, sorted
func (o *AnalysisOrchestrator) ActiveRuns() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var ids []string
	for id, run := range o.runs {
		if run.State().IsActive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every running run and waits for their pipelines to return
func (o *AnalysisOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	runs := make([]*AnalysisRun, 0, len(o.runs))
	for _, run := range o.runs {
		runs = append(runs, run)
	}
	o.mu.RUnlock()

	for _, run := range runs {
		if run.State().IsActive() {
			_ = run.Cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, run := range runs {
			run.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
