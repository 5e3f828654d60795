package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
)

const (
	sseHeartbeatInterval = 30 * time.Second
	sseClientBuffer      = 32
)

// StatusReader returns the current snapshot of a session's run
type StatusReader interface {
	Status(sessionID string) (entities.RunStatusTable, error)
}

// SSEHandler handles Server-Sent Events for live analysis progress
type SSEHandler struct {
	eventBus  providers.EventBus
	status    StatusReader
	heartbeat time.Duration
	clients   map[string]map[chan *entities.RunEvent]bool // channel -> clients
	mu        sync.RWMutex
}

// NewSSEHandler creates a new SSE handler. status may be nil when the
// process does not host the orchestrator.
func NewSSEHandler(eventBus providers.EventBus, status StatusReader) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		status:    status,
		heartbeat: sseHeartbeatInterval,
		clients:   make(map[string]map[chan *entities.RunEvent]bool),
	}
}

// SetHeartbeatInterval overrides the keep-alive interval
func (h *SSEHandler) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}

// StreamAnalysis handles SSE connections for one session's analysis runs
// GET /api/stream/sessions/{id}/analysis
func (h *SSEHandler) StreamAnalysis(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	logger := observability.LoggerFromContext(r.Context()).With().Str("session_id", sessionID).Logger()
	channel := providers.GetSessionChannel(sessionID)

	eventChan, err := h.eventBus.Subscribe(r.Context(), channel)
	if err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("Failed to subscribe to channel")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientChan := make(chan *entities.RunEvent, sseClientBuffer)
	h.registerClient(channel, clientChan)
	defer h.unregisterClient(channel, clientChan)

	h.sendEvent(w, "connected", map[string]interface{}{
		"session_id": sessionID,
		"timestamp":  time.Now(),
	})
	if h.status != nil {
		if table, err := h.status.Status(sessionID); err == nil {
			h.sendEvent(w, string(entities.RunEventTypeStatusUpdate), entities.NewRunEvent(entities.RunEventTypeStatusUpdate, table))
		}
	}
	flusher.Flush()

	// The stream ends when the bus closes the subscription
	forwarding := make(chan struct{})
	go func() {
		defer close(forwarding)
		h.forwardEvents(r.Context(), eventChan, clientChan)
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("Client disconnected from analysis stream")
			return
		case <-forwarding:
			logger.Debug().Msg("Event subscription closed, ending analysis stream")
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now(),
			})
			flusher.Flush()
		case event := <-clientChan:
			if event == nil {
				continue
			}
			h.sendEvent(w, string(event.EventType), event)
			flusher.Flush()
		}
	}
}

// forwardEvents forwards events from the event bus to a client channel
func (h *SSEHandler) forwardEvents(ctx context.Context, eventChan <-chan *entities.RunEvent, clientChan chan<- *entities.RunEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			select {
			case clientChan <- event:
			default:
				// Client channel full, skip event
			}
		}
	}
}

func (h *SSEHandler) registerClient(channel string, clientChan chan *entities.RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[chan *entities.RunEvent]bool)
	}
	h.clients[channel][clientChan] = true
	log.Debug().Str("channel", channel).Int("clients", len(h.clients[channel])).Msg("SSE client registered")
}

func (h *SSEHandler) unregisterClient(channel string, clientChan chan *entities.RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, exists := h.clients[channel]; exists {
		delete(clients, clientChan)
		log.Debug().Str("channel", channel).Int("clients", len(clients)).Msg("SSE client unregistered")

		if len(clients) == 0 {
			delete(h.clients, channel)
		}
	}
}

// sendEvent sends an SSE event to the client
func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("Failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

type streamStats struct {
	ConnectedClients int            `json:"connected_clients"`
	Channels         map[string]int `json:"channels"`
}

// Stats handles GET /api/stream/stats with the connected clients per channel
func (h *SSEHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stats := streamStats{Channels: make(map[string]int, len(h.clients))}
	for channel, clients := range h.clients {
		stats.Channels[channel] = len(clients)
		stats.ConnectedClients += len(clients)
	}
	h.mu.RUnlock()

	respondWithJSON(w, http.StatusOK, stats)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
