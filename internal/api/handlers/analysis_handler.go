package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zatekoja/sessionreview/backend/internal/application/services"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/repositories"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
)

const maxTranscriptBytes = 2 << 20

// AnalysisService defines the orchestrator operations used by the handler
type AnalysisService interface {
	Start(ctx context.Context, actx entities.AnalysisContext) (*services.AnalysisRun, error)
	Status(sessionID string) (entities.RunStatusTable, error)
	RetryOne(sessionID string, kind entities.PipelineKind) error
	RetryAll(sessionID string) ([]entities.PipelineKind, error)
	Cancel(sessionID string) error
	Discard(sessionID string) error
	Actions(sessionID string) ([]entities.SmartAction, error)
	ExecuteAction(ctx context.Context, sessionID, actionID string) (*entities.SmartAction, error)
}

// AnalysisHandler exposes analysis runs over HTTP
type AnalysisHandler struct {
	service  AnalysisService
	registry *services.PipelineRegistry
	records  repositories.ExecutionRecordRepository
}

// NewAnalysisHandler creates a new analysis handler. records may be nil when
// no audit store is configured.
func NewAnalysisHandler(service AnalysisService, registry *services.PipelineRegistry, records repositories.ExecutionRecordRepository) *AnalysisHandler {
	return &AnalysisHandler{
		service:  service,
		registry: registry,
		records:  records,
	}
}

type startAnalysisRequest struct {
	PatientID      string                                    `json:"patient_id"`
	Transcript     string                                    `json:"transcript"`
	RequesterID    string                                    `json:"requester_id"`
	OrganizationID string                                    `json:"organization_id"`
	Clinical       entities.ClinicalContext                  `json:"clinical"`
	Config         map[entities.PipelineKind]pipelineRequest `json:"config"`
}

// pipelineRequest lets callers override single fields of a kind's defaults
type pipelineRequest struct {
	Enabled    *bool `json:"enabled"`
	Priority   *int  `json:"priority"`
	MaxRetries *int  `json:"max_retries"`
	TimeoutMs  *int  `json:"timeout_ms"`
}

type retryResponse struct {
	Retried []entities.PipelineKind `json:"retried"`
}

type actionsResponse struct {
	SessionID string                 `json:"session_id"`
	Actions   []entities.SmartAction `json:"actions"`
}

// StartAnalysis handles POST /api/sessions/{id}/analysis
func (h *AnalysisHandler) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	var payload startAnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTranscriptBytes)).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if strings.TrimSpace(payload.Transcript) == "" {
		respondWithError(w, http.StatusBadRequest, "transcript is required")
		return
	}

	actx := entities.AnalysisContext{
		SessionID:      sessionID,
		PatientID:      payload.PatientID,
		TranscriptText: payload.Transcript,
		RequesterID:    payload.RequesterID,
		OrganizationID: payload.OrganizationID,
		Clinical:       payload.Clinical,
	}
	if len(payload.Config) > 0 {
		actx.Config = make(map[entities.PipelineKind]entities.PipelineConfig, len(payload.Config))
		for kind, override := range payload.Config {
			actx.Config[kind] = h.toPipelineConfig(kind, override)
		}
	}

	run, err := h.service.Start(r.Context(), actx)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	observability.LoggerFromContext(r.Context()).Info().
		Str("session_id", sessionID).
		Str("run_id", run.ID()).
		Msg("Analysis requested")

	respondWithJSON(w, http.StatusAccepted, run.Status())
}

// toPipelineConfig overlays the request on the kind's registered defaults.
// Unknown kinds are passed through so that Start rejects them.
func (h *AnalysisHandler) toPipelineConfig(kind entities.PipelineKind, req pipelineRequest) entities.PipelineConfig {
	cfg := entities.PipelineConfig{Enabled: true}
	if def, ok := h.registry.Definition(kind); ok {
		cfg = def.Defaults
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.Priority != nil {
		cfg.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutMs != nil {
		cfg.TimeoutMs = *req.TimeoutMs
	}
	return cfg
}

// GetAnalysisStatus handles GET /api/sessions/{id}/analysis
func (h *AnalysisHandler) GetAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	table, err := h.service.Status(r.PathValue("id"))
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, table)
}

// RetryAnalysis handles POST /api/sessions/{id}/analysis/retry[?kind=billing]
func (h *AnalysisHandler) RetryAnalysis(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if kind := r.URL.Query().Get("kind"); kind != "" {
		if err := h.service.RetryOne(sessionID, entities.PipelineKind(kind)); err != nil {
			respondWithAppError(w, err)
			return
		}
		respondWithJSON(w, http.StatusAccepted, retryResponse{Retried: []entities.PipelineKind{entities.PipelineKind(kind)}})
		return
	}

	kinds, err := h.service.RetryAll(sessionID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	if kinds == nil {
		kinds = []entities.PipelineKind{}
	}
	respondWithJSON(w, http.StatusAccepted, retryResponse{Retried: kinds})
}

// CancelAnalysis handles DELETE /api/sessions/{id}/analysis
func (h *AnalysisHandler) CancelAnalysis(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := h.service.Cancel(sessionID); err != nil {
		respondWithAppError(w, err)
		return
	}

	table, err := h.service.Status(sessionID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, table)
}

// DiscardAnalysis handles DELETE /api/sessions/{id}/analysis/run
// It forgets the session's run, cancelling it first if it has not finished.
func (h *AnalysisHandler) DiscardAnalysis(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Discard(r.PathValue("id")); err != nil {
		respondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetActions handles GET /api/sessions/{id}/analysis/actions
func (h *AnalysisHandler) GetActions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	actions, err := h.service.Actions(sessionID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	if actions == nil {
		actions = []entities.SmartAction{}
	}
	respondWithJSON(w, http.StatusOK, actionsResponse{SessionID: sessionID, Actions: actions})
}

// ExecuteAction handles POST /api/sessions/{id}/analysis/actions/{actionId}/execute
func (h *AnalysisHandler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.service.ExecuteAction(r.Context(), r.PathValue("id"), r.PathValue("actionId"))
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, action)
}

// ListExecutions handles GET /api/sessions/{id}/analysis/executions
func (h *AnalysisHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		respondWithError(w, http.StatusServiceUnavailable, "execution audit store not configured")
		return
	}

	records, err := h.records.ListBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	if records == nil {
		records = []*entities.ExecutionRecord{}
	}
	respondWithJSON(w, http.StatusOK, records)
}
