package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

const (
	minPriority = 1.0
	maxPriority = 10.0

	defaultActionCacheSize = 256
)

// ActionConfig tunes action scoring
type ActionConfig struct {
	BasePriority    map[entities.ActionType]float64
	GroupThreshold  int
	GroupingEnabled bool
}

// DefaultActionConfig ranks safety over billing over progress over note
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		BasePriority: map[entities.ActionType]float64{
			entities.ActionTypeSafety:   8,
			entities.ActionTypeBilling:  6,
			entities.ActionTypeProgress: 5,
			entities.ActionTypeNote:     4,
		},
		GroupThreshold: 2,
	}
}

// ActionHandler executes the operation bound to an action
type ActionHandler func(ctx context.Context, sessionID string, action entities.SmartAction) error

// ActionPrioritizationService derives ranked, deduplicated actions from a run
// status table. Derivation is deterministic, so results are cached by a hash
// of the per-kind status and last update time.
type ActionPrioritizationService struct {
	cfg   ActionConfig
	cache *lru.Cache[string, []entities.SmartAction]

	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionPrioritizationService creates a new action prioritization service
func NewActionPrioritizationService(cfg ActionConfig, cacheSize int) (*ActionPrioritizationService, error) {
	if cacheSize <= 0 {
		cacheSize = defaultActionCacheSize
	}
	cache, err := lru.New[string, []entities.SmartAction](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create action cache: %w", err)
	}

	defaults := DefaultActionConfig()
	if cfg.BasePriority == nil {
		cfg.BasePriority = defaults.BasePriority
	}
	if cfg.GroupThreshold <= 0 {
		cfg.GroupThreshold = defaults.GroupThreshold
	}

	return &ActionPrioritizationService{
		cfg:      cfg,
		cache:    cache,
		handlers: make(map[string]ActionHandler),
	}, nil
}

// DeriveActions returns the prioritized actions for table, highest priority first
func (s *ActionPrioritizationService) DeriveActions(table entities.RunStatusTable) []entities.SmartAction {
	key := cacheKey(table)
	if cached, ok := s.cache.Get(key); ok {
		return append([]entities.SmartAction(nil), cached...)
	}

	actions := s.derive(table)
	s.cache.Add(key, actions)
	return append([]entities.SmartAction(nil), actions...)
}

func (s *ActionPrioritizationService) derive(table entities.RunStatusTable) []entities.SmartAction {
	var candidates []candidate
	for _, kind := range table.Order {
		state := table.Pipelines[kind]
		if state.Status != entities.PipelineStatusSuccess || state.Result == nil {
			continue
		}
		result := state.Result
		switch {
		case result.Safety != nil:
			candidates = append(candidates, safetyCandidates(result.Safety)...)
		case result.Billing != nil:
			candidates = append(candidates, billingCandidates(result.Billing)...)
		case result.Progress != nil:
			candidates = append(candidates, progressCandidates(result.Progress)...)
		case result.Note != nil:
			candidates = append(candidates, noteCandidates(result.Note)...)
		}
	}

	actions := make([]entities.SmartAction, 0, len(candidates)+1)
	for _, c := range candidates {
		action := c.action
		action.Priority = s.score(action.Type, c.severity, c.confidence, action.Urgent)
		action.ID = actionID(action.Type, action.Title)
		actions = append(actions, action)
	}

	actions = dedupe(actions)
	sortActions(actions)

	if s.cfg.GroupingEnabled {
		actions = s.group(actions)
	}

	if combined, ok := s.combinedNote(table); ok {
		actions = append(actions, combined)
		sortActions(actions)
	}

	return actions
}

// score computes base * severity * (0.5 + 0.5*confidence) * urgency, clamped to [1,10]
func (s *ActionPrioritizationService) score(actionType entities.ActionType, severity entities.RiskLevel, confidence float64, urgent bool) float64 {
	priority := s.cfg.BasePriority[actionType] *
		severityMultiplier(severity) *
		(0.5 + 0.5*clampFloat(confidence, 0, 1))
	if urgent {
		priority *= 1.5
	}
	return roundPriority(clampFloat(priority, minPriority, maxPriority))
}

func severityMultiplier(level entities.RiskLevel) float64 {
	switch level {
	case entities.RiskLevelCritical:
		return 1.5
	case entities.RiskLevelHigh:
		return 1.25
	case entities.RiskLevelModerate:
		return 1.0
	default:
		return 0.75
	}
}

// combinedNote returns the cross-cutting note action when two or more kinds succeeded
func (s *ActionPrioritizationService) combinedNote(table entities.RunStatusTable) (entities.SmartAction, bool) {
	succeeded := table.SuccessfulKinds()
	if len(succeeded) < 2 {
		return entities.SmartAction{}, false
	}

	priority := s.cfg.BasePriority[entities.ActionTypeNote]
	for _, kind := range succeeded {
		result := table.Pipelines[kind].Result
		switch {
		case result.Safety != nil && result.Safety.HighestSeverity().IsHighOrCritical():
			priority += 1.5
		case result.Billing != nil && hasHighConfidenceCode(result.Billing):
			priority += 1.0
		}
	}

	kinds := make([]string, 0, len(succeeded))
	for _, kind := range succeeded {
		kinds = append(kinds, string(kind))
	}

	const title = "Compose combined session note"
	return entities.SmartAction{
		ID:                   actionID(entities.ActionTypeNote, title),
		Type:                 entities.ActionTypeNote,
		Title:                title,
		Description:          "Combine the completed analyses into a single session note",
		Priority:             roundPriority(clampFloat(priority, minPriority, maxPriority)),
		RequiresConfirmation: true,
		EstimatedTimeMinutes: 15,
		Operation:            OperationComposeCombinedNote,
		Context:              map[string]any{"kinds": kinds},
	}, true
}

func hasHighConfidenceCode(insight *entities.BillingInsight) bool {
	for _, code := range insight.CPTCodes {
		if code.Confidence >= highConfidenceThreshold {
			return true
		}
	}
	return false
}

// group collapses every type with more than GroupThreshold actions into one action
func (s *ActionPrioritizationService) group(actions []entities.SmartAction) []entities.SmartAction {
	byType := make(map[entities.ActionType][]entities.SmartAction)
	for _, a := range actions {
		byType[a.Type] = append(byType[a.Type], a)
	}

	out := make([]entities.SmartAction, 0, len(actions))
	emitted := make(map[entities.ActionType]bool)
	for _, a := range actions {
		members := byType[a.Type]
		if len(members) <= s.cfg.GroupThreshold {
			out = append(out, a)
			continue
		}
		if emitted[a.Type] {
			continue
		}
		emitted[a.Type] = true

		group := entities.SmartAction{
			Type:        a.Type,
			Title:       fmt.Sprintf("%d %s actions", len(members), a.Type),
			Description: fmt.Sprintf("Grouped %s actions", a.Type),
			Operation:   OperationBatch,
			Grouped:     members,
		}
		for _, m := range members {
			group.Priority = math.Max(group.Priority, m.Priority)
			group.EstimatedTimeMinutes += m.EstimatedTimeMinutes
			group.RequiresConfirmation = group.RequiresConfirmation || m.RequiresConfirmation
			group.Urgent = group.Urgent || m.Urgent
		}
		group.ID = actionID(group.Type, group.Title)
		out = append(out, group)
	}

	sortActions(out)
	return out
}

// RegisterHandler binds operation to handler, replacing any previous binding
func (s *ActionPrioritizationService) RegisterHandler(operation string, handler ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = handler
}

// Execute runs the operation of the action with actionID derived from table.
// A grouped action executes each of its members.
func (s *ActionPrioritizationService) Execute(ctx context.Context, table entities.RunStatusTable, actionID string) (*entities.SmartAction, error) {
	action, ok := findAction(s.DeriveActions(table), actionID)
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("action %s not found", actionID))
	}

	logger := observability.LoggerFromContext(ctx)

	if action.IsGroup() {
		var errs []error
		for _, member := range action.Grouped {
			if err := s.execute(ctx, table.SessionID, member); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
	} else if err := s.execute(ctx, table.SessionID, action); err != nil {
		return nil, err
	}

	logger.Info().
		Str("session_id", table.SessionID).
		Str("action_id", action.ID).
		Str("operation", action.Operation).
		Msg("Action executed")

	return &action, nil
}

func (s *ActionPrioritizationService) execute(ctx context.Context, sessionID string, action entities.SmartAction) error {
	s.mu.RLock()
	handler, ok := s.handlers[action.Operation]
	s.mu.RUnlock()
	if !ok {
		return apperrors.NewValidationError(fmt.Sprintf("no handler for operation %q", action.Operation))
	}
	if err := handler(ctx, sessionID, action); err != nil {
		return fmt.Errorf("failed to execute %s: %w", action.Operation, err)
	}
	return nil
}

func findAction(actions []entities.SmartAction, id string) (entities.SmartAction, bool) {
	for _, a := range actions {
		if a.ID == id {
			return a, true
		}
		if member, ok := findAction(a.Grouped, id); ok {
			return member, true
		}
	}
	return entities.SmartAction{}, false
}

// dedupe keeps the highest-priority action per (type, title), first wins on ties
func dedupe(actions []entities.SmartAction) []entities.SmartAction {
	index := make(map[string]int, len(actions))
	out := make([]entities.SmartAction, 0, len(actions))
	for _, a := range actions {
		key := string(a.Type) + "|" + a.Title
		if i, ok := index[key]; ok {
			if a.Priority > out[i].Priority {
				out[i] = a
			}
			continue
		}
		index[key] = len(out)
		out = append(out, a)
	}
	return out
}

var typeOrder = map[entities.ActionType]int{
	entities.ActionTypeSafety:   0,
	entities.ActionTypeBilling:  1,
	entities.ActionTypeProgress: 2,
	entities.ActionTypeNote:     3,
}

// sortActions orders by descending priority, then type rank, then title
func sortActions(actions []entities.SmartAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if typeOrder[a.Type] != typeOrder[b.Type] {
			return typeOrder[a.Type] < typeOrder[b.Type]
		}
		return a.Title < b.Title
	})
}

func actionID(actionType entities.ActionType, title string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(actionType)+"|"+title)).String()
}

func roundPriority(p float64) float64 {
	return math.Round(p*100) / 100
}

// cacheKey hashes the parts of table that change derived actions
func cacheKey(table entities.RunStatusTable) string {
	h := sha256.New()
	h.Write([]byte(table.RunID))
	for _, kind := range table.Order {
		state := table.Pipelines[kind]
		h.Write([]byte{0})
		h.Write([]byte(kind))
		h.Write([]byte{0})
		h.Write([]byte(state.Status))
		h.Write([]byte(strconv.FormatBool(state.HasData())))
	}
	h.Write([]byte(strconv.FormatInt(table.LastUpdated.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
