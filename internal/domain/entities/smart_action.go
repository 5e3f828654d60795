package entities

// ActionType mirrors the pipeline kinds; note also covers cross-cutting actions
type ActionType string

const (
	ActionTypeSafety   ActionType = "safety"
	ActionTypeBilling  ActionType = "billing"
	ActionTypeProgress ActionType = "progress"
	ActionTypeNote     ActionType = "note"
)

// SmartAction is a derived, prioritized recommendation. Actions are recomputed
// from the run status table and never persisted.
type SmartAction struct {
	ID                   string         `json:"id"`
	Type                 ActionType     `json:"type"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	Priority             float64        `json:"priority"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	EstimatedTimeMinutes int            `json:"estimated_time_minutes"`
	Urgent               bool           `json:"urgent"`
	Operation            string         `json:"operation"`
	Context              map[string]any `json:"context,omitempty"`
	Grouped              []SmartAction  `json:"grouped,omitempty"`
}

// IsGroup reports whether the action collapses several actions of one type
func (a SmartAction) IsGroup() bool {
	return len(a.Grouped) > 0
}
