package entities

import "time"

// RunStatus represents the lifecycle of one run
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsActive reports whether the run is registered and has not finished
func (s RunStatus) IsActive() bool {
	return s == RunStatusNotStarted || s == RunStatusRunning
}

// RunStatusTable is a snapshot of every enabled pipeline within a run
type RunStatusTable struct {
	RunID           string                            `json:"run_id"`
	SessionID       string                            `json:"session_id"`
	Status          RunStatus                         `json:"status"`
	Order           []PipelineKind                    `json:"order"`
	Pipelines       map[PipelineKind]PipelineRunState `json:"pipelines"`
	OverallProgress float64                           `json:"overall_progress"`
	LastUpdated     time.Time                         `json:"last_updated"`
}

// Pipeline returns the state of kind and whether it is part of the run
func (t RunStatusTable) Pipeline(kind PipelineKind) (PipelineRunState, bool) {
	state, ok := t.Pipelines[kind]
	return state, ok
}

// ComputeOverallProgress returns the unweighted mean progress of the enabled pipelines
func (t RunStatusTable) ComputeOverallProgress() float64 {
	if len(t.Order) == 0 {
		return 0
	}
	total := 0
	for _, kind := range t.Order {
		total += t.Pipelines[kind].ProgressPercent
	}
	return float64(total) / float64(len(t.Order))
}

// AllTerminal reports whether every enabled pipeline reached Success or Error
func (t RunStatusTable) AllTerminal() bool {
	for _, kind := range t.Order {
		if !t.Pipelines[kind].Status.IsTerminal() {
			return false
		}
	}
	return len(t.Order) > 0
}

// SuccessfulKinds returns the kinds in run order whose status is Success
func (t RunStatusTable) SuccessfulKinds() []PipelineKind {
	var kinds []PipelineKind
	for _, kind := range t.Order {
		if t.Pipelines[kind].Status == PipelineStatusSuccess {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Clone returns a copy that shares no mutable state with t.
// Results and errors are immutable once attached and are shared.
func (t RunStatusTable) Clone() RunStatusTable {
	clone := t
	clone.Order = append([]PipelineKind(nil), t.Order...)
	clone.Pipelines = make(map[PipelineKind]PipelineRunState, len(t.Pipelines))
	for kind, state := range t.Pipelines {
		if state.StartedAt != nil {
			started := *state.StartedAt
			state.StartedAt = &started
		}
		if state.EndedAt != nil {
			ended := *state.EndedAt
			state.EndedAt = &ended
		}
		clone.Pipelines[kind] = state
	}
	return clone
}
