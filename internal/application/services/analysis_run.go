package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

// UpdateFunc receives a status table snapshot
type UpdateFunc func(entities.RunStatusTable)

type subscriber struct {
	onUpdate   UpdateFunc
	onComplete UpdateFunc
	active     atomic.Bool
}

type notification struct {
	table      entities.RunStatusTable
	complete   bool
	recipients []*subscriber
}

// AnalysisRun is one run of every enabled pipeline for one session.
// The status table is written only through apply, under mu.
type AnalysisRun struct {
	id      string
	actx    entities.AnalysisContext
	configs map[entities.PipelineKind]entities.PipelineConfig
	orch    *AnalysisOrchestrator
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	table         entities.RunStatusTable
	generations   map[entities.PipelineKind]int
	subscribers   []*subscriber
	completeFired bool
	queue         []notification
	draining      bool
	finished      bool

	done chan struct{}
	wg   sync.WaitGroup
}

// ID returns the run id
func (r *AnalysisRun) ID() string {
	return r.id
}

// SessionID returns the session the run analyzes
func (r *AnalysisRun) SessionID() string {
	return r.actx.SessionID
}

// Done is closed when the run first reaches Completed or Cancelled
func (r *AnalysisRun) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until every pipeline task of the run has returned
func (r *AnalysisRun) Wait() {
	r.wg.Wait()
}

// Status returns a consistent snapshot of the status table
func (r *AnalysisRun) Status() entities.RunStatusTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Clone()
}

// State returns the run lifecycle state
func (r *AnalysisRun) State() entities.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Status
}

// finishedAt returns when a finished run last changed. It reports false
// while the run is active.
func (r *AnalysisRun) finishedAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table.Status.IsActive() {
		return time.Time{}, false
	}
	return r.table.LastUpdated, true
}

// Subscribe registers observers of the run. onUpdate receives the current
// snapshot immediately and every change after it; onComplete fires at most
// once per subscriber, when the run completes. Either may be nil.
// Callbacks run sequentially in update order and may call back into the run.
func (r *AnalysisRun) Subscribe(onUpdate, onComplete UpdateFunc) func() {
	sub := &subscriber{onUpdate: onUpdate, onComplete: onComplete}
	sub.active.Store(true)

	r.mu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.queue = append(r.queue, notification{
		table:      r.table.Clone(),
		complete:   r.completeFired && r.table.Status == entities.RunStatusCompleted,
		recipients: []*subscriber{sub},
	})
	r.mu.Unlock()

	r.drain()

	return func() {
		sub.active.Store(false)
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subscribers {
			if s == sub {
				r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
				break
			}
		}
	}
}

// launch starts every enabled pipeline in order. A run cancelled before it
// launched starts nothing.
func (r *AnalysisRun) launch() {
	r.mu.Lock()
	if r.table.Status != entities.RunStatusNotStarted {
		r.mu.Unlock()
		return
	}
	r.table.Status = entities.RunStatusRunning
	r.table.LastUpdated = time.Now()
	r.notifyLocked(false)
	kinds := append([]entities.PipelineKind(nil), r.table.Order...)
	gens := make([]int, len(kinds))
	for i, kind := range kinds {
		gens[i] = r.generations[kind]
	}
	r.wg.Add(len(kinds))
	r.mu.Unlock()

	r.drain()

	r.logger.Info().Strs("pipelines", kindNames(kinds)).Msg("Analysis run started")

	for i, kind := range kinds {
		go r.runPipeline(kind, gens[i])
	}
}

// runPipeline drives one kind through its attempts. Attempts are sequential.
func (r *AnalysisRun) runPipeline(kind entities.PipelineKind, gen int) {
	defer r.wg.Done()

	cfg := r.configs[kind]
	report := func(t entities.Transition) {
		r.apply(t, gen)
	}

	for attempt := 0; ; attempt++ {
		_, perr := r.orch.executor.Run(r.ctx, kind, &r.actx, cfg, attempt, report)
		if perr == nil {
			r.orch.warmActions(r)
			return
		}
		if perr.IsCancelled() || r.ctx.Err() != nil {
			return
		}

		logger := r.logger.With().Str("pipeline", string(kind)).Int("attempt", attempt).Logger()

		if !r.orch.policy.ShouldRetry(perr, attempt, cfg.MaxRetries) {
			r.apply(entities.Transition{
				Kind:    kind,
				Status:  entities.PipelineStatusError,
				Attempt: attempt,
				Error:   perr,
			}, gen)
			logger.Error().Err(perr).Bool("retryable", perr.Retryable).Msg("Pipeline failed")
			return
		}

		delay := r.orch.policy.DelayFor(attempt)
		if !r.apply(entities.Transition{
			Kind:    kind,
			Status:  entities.PipelineStatusRetrying,
			Attempt: attempt,
			Error:   perr,
		}, gen) {
			return
		}
		r.orch.metrics.RecordRetry(r.ctx, string(kind))
		logger.Warn().Err(perr).Dur("delay", delay).Msg("Pipeline retry scheduled")

		if err := r.orch.sleep(r.ctx, delay); err != nil {
			return
		}
	}
}

// apply writes t into the table unless the run was cancelled or the kind was
// relaunched since gen. It reports whether the transition was applied.
func (r *AnalysisRun) apply(t entities.Transition, gen int) bool {
	r.mu.Lock()

	if r.table.Status == entities.RunStatusCancelled || r.generations[t.Kind] != gen {
		r.mu.Unlock()
		return false
	}
	state, ok := r.table.Pipelines[t.Kind]
	if !ok || state.Status.IsTerminal() {
		r.mu.Unlock()
		return false
	}

	now := time.Now()
	state.Status = t.Status
	if t.Attempt > state.Attempt {
		state.Attempt = t.Attempt
	}

	switch {
	case t.Status.IsTerminal():
		state.ProgressPercent = progressDone
		state.EndedAt = &now
	case t.Progress > state.ProgressPercent:
		state.ProgressPercent = min(t.Progress, progressDone)
	}

	switch t.Status {
	case entities.PipelineStatusLoading:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
		state.Error = nil
	case entities.PipelineStatusRetrying, entities.PipelineStatusError:
		state.Error = t.Error
		state.Result = nil
	case entities.PipelineStatusSuccess:
		state.Result = t.Result
		state.Error = nil
	}
	if t.Metadata != nil {
		state.Metadata = t.Metadata
	}

	r.table.Pipelines[t.Kind] = state
	r.table.LastUpdated = now
	r.table.OverallProgress = r.table.ComputeOverallProgress()

	complete := false
	if r.table.Status == entities.RunStatusRunning && r.table.AllTerminal() {
		r.table.Status = entities.RunStatusCompleted
		if !r.completeFired {
			r.completeFired = true
			complete = true
		}
		r.finishLocked()
	}

	r.notifyLocked(complete)
	overall := r.table.OverallProgress
	succeeded := r.table.SuccessfulKinds()
	r.mu.Unlock()

	r.logger.Debug().
		Str("pipeline", string(t.Kind)).
		Str("status", string(t.Status)).
		Int("progress", state.ProgressPercent).
		Float64("overall_progress", overall).
		Msg("Pipeline transition")

	if complete {
		r.logger.Info().Strs("succeeded", kindNames(succeeded)).Msg("Analysis run completed")
		r.orch.metrics.RecordRunOutcome(r.ctx, string(entities.RunStatusCompleted))
	}

	r.drain()
	return true
}

// Cancel stops every in-flight pipeline. Cancellation is final.
func (r *AnalysisRun) Cancel() error {
	r.mu.Lock()

	switch r.table.Status {
	case entities.RunStatusCancelled:
		r.mu.Unlock()
		return nil
	case entities.RunStatusCompleted:
		r.mu.Unlock()
		return apperrors.NewConflictError("analysis run already completed")
	}

	now := time.Now()
	for _, kind := range r.table.Order {
		state := r.table.Pipelines[kind]
		if state.Status.IsTerminal() {
			continue
		}
		r.generations[kind]++
		state.Status = entities.PipelineStatusError
		state.Error = entities.NewCancelledPipelineError(kind)
		state.Result = nil
		state.EndedAt = &now
		r.table.Pipelines[kind] = state
	}
	r.table.Status = entities.RunStatusCancelled
	r.table.LastUpdated = now
	r.table.OverallProgress = r.table.ComputeOverallProgress()
	r.finishLocked()
	r.notifyLocked(false)
	r.mu.Unlock()

	r.cancel()
	r.logger.Info().Msg("Analysis run cancelled")
	r.orch.metrics.RecordRunOutcome(r.ctx, string(entities.RunStatusCancelled))

	r.drain()
	return nil
}

// RetryOne relaunches kind from attempt 0. Only kinds in Error that did not
// fail validation can be retried.
func (r *AnalysisRun) RetryOne(kind entities.PipelineKind) error {
	r.mu.Lock()
	gen, err := r.resetLocked(kind)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.notifyLocked(false)
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info().Str("pipeline", string(kind)).Msg("Pipeline retry requested")
	go r.runPipeline(kind, gen)

	r.drain()
	return nil
}

// RetryAll relaunches every retryable kind in Error and returns them
func (r *AnalysisRun) RetryAll() ([]entities.PipelineKind, error) {
	r.mu.Lock()
	if r.table.Status == entities.RunStatusCancelled {
		r.mu.Unlock()
		return nil, apperrors.NewConflictError("analysis run was cancelled")
	}

	var kinds []entities.PipelineKind
	var gens []int
	for _, kind := range r.table.Order {
		state := r.table.Pipelines[kind]
		if state.Status != entities.PipelineStatusError || state.Error.IsValidation() {
			continue
		}
		gen, err := r.resetLocked(kind)
		if err != nil {
			continue
		}
		kinds = append(kinds, kind)
		gens = append(gens, gen)
	}
	if len(kinds) > 0 {
		r.notifyLocked(false)
		r.wg.Add(len(kinds))
	}
	r.mu.Unlock()

	for i, kind := range kinds {
		go r.runPipeline(kind, gens[i])
	}
	if len(kinds) > 0 {
		r.logger.Info().Strs("pipelines", kindNames(kinds)).Msg("Pipeline retries requested")
	}

	r.drain()
	return kinds, nil
}

// resetLocked moves kind back to Idle under a new generation and reopens the run
func (r *AnalysisRun) resetLocked(kind entities.PipelineKind) (int, error) {
	if r.table.Status == entities.RunStatusCancelled {
		return 0, apperrors.NewConflictError("analysis run was cancelled")
	}
	state, ok := r.table.Pipelines[kind]
	if !ok {
		return 0, apperrors.NewNotFoundError(fmt.Sprintf("pipeline %s is not part of this run", kind))
	}
	if state.Status != entities.PipelineStatusError {
		return 0, apperrors.NewConflictError(fmt.Sprintf("pipeline %s is %s, only failed pipelines can be retried", kind, state.Status))
	}
	if state.Error.IsValidation() {
		return 0, apperrors.NewValidationError(fmt.Sprintf("pipeline %s failed validation and cannot be retried", kind))
	}

	r.generations[kind]++
	r.table.Pipelines[kind] = entities.PipelineRunState{
		Kind:   kind,
		Status: entities.PipelineStatusIdle,
	}
	r.table.Status = entities.RunStatusRunning
	r.table.LastUpdated = time.Now()
	r.table.OverallProgress = r.table.ComputeOverallProgress()
	return r.generations[kind], nil
}

// finishLocked closes done the first time the run leaves Running
func (r *AnalysisRun) finishLocked() {
	if !r.finished {
		r.finished = true
		close(r.done)
	}
}

// notifyLocked queues the current snapshot for every subscriber
func (r *AnalysisRun) notifyLocked(complete bool) {
	if len(r.subscribers) == 0 {
		return
	}
	r.queue = append(r.queue, notification{
		table:      r.table.Clone(),
		complete:   complete,
		recipients: append([]*subscriber(nil), r.subscribers...),
	})
}

// drain delivers queued notifications in order. Only one goroutine delivers
// at a time; others return immediately and leave their notifications queued.
func (r *AnalysisRun) drain() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		n := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.deliver(n)

		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

func (r *AnalysisRun) deliver(n notification) {
	for _, sub := range n.recipients {
		if !sub.active.Load() {
			continue
		}
		if sub.onUpdate != nil {
			r.safeCall(sub.onUpdate, n.table)
		}
		if n.complete && sub.onComplete != nil {
			r.safeCall(sub.onComplete, n.table)
		}
	}
}

func (r *AnalysisRun) safeCall(fn UpdateFunc, table entities.RunStatusTable) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Run subscriber panicked")
		}
	}()
	fn(table)
}

func kindNames(kinds []entities.PipelineKind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	return names
}
