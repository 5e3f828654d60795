package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/internal/domain/repositories"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
)

const (
	progressLoading  = 10
	progressResponse = 60
	progressDone     = 100

	persistTimeout = 10 * time.Second
)

// TransitionFunc receives the state changes of one pipeline attempt
type TransitionFunc func(entities.Transition)

// Executor runs a single attempt of one pipeline kind
type Executor interface {
	Run(ctx context.Context, kind entities.PipelineKind, actx *entities.AnalysisContext, cfg entities.PipelineConfig, attempt int, report TransitionFunc) (*entities.Insight, *entities.PipelineError)
}

// PipelineExecutor calls the upstream analysis operation for one pipeline
// attempt, normalizes the response and triggers audit persistence.
type PipelineExecutor struct {
	provider   providers.AnalysisProvider
	normalizer *InsightNormalizer
	records    repositories.ExecutionRecordRepository
	alerts     repositories.SafetyAlertRepository
	slots      *semaphore.Weighted
	metrics    *observability.PipelineMetrics

	pending sync.WaitGroup
}

// NewPipelineExecutor creates a new executor. maxConcurrent caps upstream
// calls across every run; zero or less means unbounded. records, alerts and
// metrics may be nil.
func NewPipelineExecutor(
	provider providers.AnalysisProvider,
	records repositories.ExecutionRecordRepository,
	alerts repositories.SafetyAlertRepository,
	maxConcurrent int64,
	metrics *observability.PipelineMetrics,
) *PipelineExecutor {
	var slots *semaphore.Weighted
	if maxConcurrent > 0 {
		slots = semaphore.NewWeighted(maxConcurrent)
	}
	return &PipelineExecutor{
		provider:   provider,
		normalizer: NewInsightNormalizer(),
		records:    records,
		alerts:     alerts,
		slots:      slots,
		metrics:    metrics,
	}
}

// Run performs one attempt of kind, bounded by cfg's timeout.
// Errors are returned as values and never panic across the run boundary.
func (e *PipelineExecutor) Run(
	ctx context.Context,
	kind entities.PipelineKind,
	actx *entities.AnalysisContext,
	cfg entities.PipelineConfig,
	attempt int,
	report TransitionFunc,
) (*entities.Insight, *entities.PipelineError) {
	ctx, span := observability.StartSpan(ctx, "pipeline."+string(kind),
		attribute.String("session.id", actx.SessionID),
		attribute.Int("pipeline.attempt", attempt),
	)
	defer span.End()

	logger := observability.LoggerFromContext(ctx).With().
		Str("session_id", actx.SessionID).
		Str("pipeline", string(kind)).
		Int("attempt", attempt).
		Logger()

	startedAt := time.Now()
	insight, metadata, pipelineErr := e.run(ctx, kind, actx, cfg, attempt, report, startedAt)

	errorType := ""
	if pipelineErr != nil {
		errorType = string(pipelineErr.Type)
		observability.RecordError(span, pipelineErr)
		logger.Debug().Err(pipelineErr).Bool("retryable", pipelineErr.Retryable).Msg("Pipeline attempt failed")
	}
	e.metrics.RecordAttempt(ctx, string(kind), time.Since(startedAt), errorType)
	if pipelineErr != nil {
		return nil, pipelineErr
	}

	observability.SetSpanAttributes(span,
		attribute.String("pipeline.model", metadata.Model),
		attribute.Int("pipeline.total_tokens", metadata.TokenUsage.TotalTokens),
		attribute.Bool("pipeline.cache_hit", metadata.CacheHit),
	)

	report(entities.Transition{
		Kind:     kind,
		Status:   entities.PipelineStatusSuccess,
		Progress: progressDone,
		Attempt:  attempt,
		Result:   insight,
		Metadata: metadata,
	})
	logger.Info().Int64("processing_ms", metadata.ProcessingTimeMs).Msg("Pipeline attempt succeeded")

	return insight, nil
}

func (e *PipelineExecutor) run(
	ctx context.Context,
	kind entities.PipelineKind,
	actx *entities.AnalysisContext,
	cfg entities.PipelineConfig,
	attempt int,
	report TransitionFunc,
	startedAt time.Time,
) (*entities.Insight, *entities.PipelineMetadata, *entities.PipelineError) {
	if actx.SessionID == "" {
		return nil, nil, entities.NewValidationPipelineError(kind, "session id is required")
	}
	if actx.TranscriptText == "" {
		return nil, nil, entities.NewValidationPipelineError(kind, "transcript is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, entities.NewCancelledPipelineError(kind)
	}

	report(entities.Transition{
		Kind:     kind,
		Status:   entities.PipelineStatusLoading,
		Progress: progressLoading,
		Attempt:  attempt,
	})

	variables := buildVariables(kind, actx)

	callCtx := ctx
	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := e.call(callCtx, kind, variables)
	if err != nil {
		return nil, nil, classifyCallError(ctx, kind, err)
	}

	report(entities.Transition{
		Kind:     kind,
		Status:   entities.PipelineStatusLoading,
		Progress: progressResponse,
		Attempt:  attempt,
	})

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "upstream reported failure"
		}
		// A failure envelope without a status is a server-side failure
		return nil, nil, entities.NewUpstreamPipelineError(kind, 502, msg, true, nil)
	}

	insight, ok := e.normalizer.Normalize(ctx, kind, resp.Data)
	if !ok {
		return nil, nil, entities.NewUpstreamPipelineError(kind, 502, "malformed upstream response", true, nil)
	}

	metadata := resp.Metadata
	if metadata.ProcessingTimeMs == 0 {
		metadata.ProcessingTimeMs = time.Since(startedAt).Milliseconds()
	}

	e.persist(ctx, kind, actx, attempt, variables, resp.Data, insight, metadata, startedAt)

	return insight, &metadata, nil
}

type callResult struct {
	resp *providers.AnalysisResponse
	err  error
}

// call races the upstream operation against ctx
func (e *PipelineExecutor) call(ctx context.Context, kind entities.PipelineKind, variables map[string]any) (*providers.AnalysisResponse, error) {
	if e.slots != nil {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.slots.Release(1)
	}

	done := make(chan callResult, 1)
	go func() {
		resp, err := e.provider.RunAnalysis(ctx, kind, variables)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err == nil && r.resp == nil {
			return nil, errors.New("empty upstream response")
		}
		return r.resp, r.err
	}
}

// classifyCallError maps a failed upstream call to the pipeline error taxonomy.
// parent is the run context without the per-attempt deadline.
func classifyCallError(parent context.Context, kind entities.PipelineKind, err error) *entities.PipelineError {
	if parent.Err() != nil {
		return entities.NewCancelledPipelineError(kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return entities.NewTimeoutPipelineError(kind, err)
	}

	var statusErr *providers.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return entities.NewUpstreamPipelineError(kind, statusErr.StatusCode, statusErr.Message, statusErr.IsRetryable(), err)
	}

	// Transport failures carry no status and are treated as transient
	return entities.NewUpstreamPipelineError(kind, 503, err.Error(), true, err)
}

// buildVariables derives the upstream variables of kind from the context
func buildVariables(kind entities.PipelineKind, actx *entities.AnalysisContext) map[string]any {
	vars := map[string]any{
		"transcript": actx.TranscriptText,
	}

	clinical := actx.Clinical
	switch kind {
	case entities.PipelineKindSafety:
		vars["sessionId"] = actx.SessionID
		vars["patientId"] = actx.PatientID
		vars["sessionType"] = clinical.SessionType
	case entities.PipelineKindBilling:
		vars["sessionType"] = clinical.SessionType
		vars["sessionDurationMinutes"] = clinical.SessionDurationMinutes
		vars["diagnoses"] = clinical.Diagnoses
	case entities.PipelineKindProgress:
		vars["treatmentGoals"] = clinical.TreatmentGoals
	case entities.PipelineKindNote:
		format := clinical.NoteFormat
		if format == "" {
			format = defaultNoteFormat
		}
		vars["noteFormat"] = format
		vars["sessionType"] = clinical.SessionType
	}

	return vars
}

// persist writes the audit record and, for safety, every High or Critical
// alert in the background. Failures are logged and never fail the pipeline.
func (e *PipelineExecutor) persist(
	ctx context.Context,
	kind entities.PipelineKind,
	actx *entities.AnalysisContext,
	attempt int,
	variables map[string]any,
	output json.RawMessage,
	insight *entities.Insight,
	metadata entities.PipelineMetadata,
	startedAt time.Time,
) {
	if e.records == nil && e.alerts == nil {
		return
	}

	completedAt := time.Now()
	logger := observability.LoggerFromContext(ctx).With().
		Str("session_id", actx.SessionID).
		Str("pipeline", string(kind)).
		Logger()

	input, err := json.Marshal(variables)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to encode pipeline input for audit")
		input = json.RawMessage("{}")
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer cancel()

		g, gctx := errgroup.WithContext(persistCtx)

		if e.records != nil {
			g.Go(func() error {
				record := &entities.ExecutionRecord{
					SessionID:      actx.SessionID,
					PatientID:      actx.PatientID,
					OrganizationID: actx.OrganizationID,
					RequesterID:    actx.RequesterID,
					PipelineKind:   kind,
					Attempt:        attempt,
					Input:          input,
					Output:         output,
					Model:          metadata.Model,
					TokenUsage:     metadata.TokenUsage,
					CacheHit:       metadata.CacheHit,
					StartedAt:      startedAt,
					CompletedAt:    completedAt,
					DurationMs:     completedAt.Sub(startedAt).Milliseconds(),
				}
				if err := e.records.Create(gctx, record); err != nil {
					return fmt.Errorf("execution record: %w", err)
				}
				return nil
			})
		}

		if e.alerts != nil && insight.Safety != nil {
			for _, alert := range insight.Safety.Alerts {
				if !alert.Severity.IsHighOrCritical() {
					continue
				}
				g.Go(func() error {
					record := &entities.SafetyAlertRecord{
						SessionID:          actx.SessionID,
						PatientID:          actx.PatientID,
						OrganizationID:     actx.OrganizationID,
						RaisedBy:           actx.RequesterID,
						Category:           alert.Category,
						Severity:           alert.Severity,
						Description:        alert.Description,
						Evidence:           alert.Evidence,
						EscalationRequired: alert.EscalationRequired,
						UrgentResponse:     alert.UrgentResponse,
						Status:             entities.SafetyAlertStatusOpen,
					}
					if err := e.alerts.Create(gctx, record); err != nil {
						return fmt.Errorf("safety alert: %w", err)
					}
					return nil
				})
			}
		}

		if err := g.Wait(); err != nil {
			logger.Warn().Err(err).Msg("Pipeline persistence failed, result kept")
		}
	}()
}

// Wait blocks until every background persistence started so far has finished
func (e *PipelineExecutor) Wait() {
	e.pending.Wait()
}
