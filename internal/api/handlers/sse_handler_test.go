package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/sessionreview/backend/internal/api/handlers"
	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

// MockEventBus for testing
type MockEventBus struct {
	mu           sync.RWMutex
	subscribers  map[string][]chan *entities.RunEvent
	published    []*entities.RunEvent
	subscribeErr error
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		subscribers: make(map[string][]chan *entities.RunEvent),
		published:   make([]*entities.RunEvent, 0),
	}
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.RunEvent) error {
	m.mu.Lock()
	m.published = append(m.published, event)
	channels := append([]chan *entities.RunEvent(nil), m.subscribers[channel]...)
	m.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	ch := make(chan *entities.RunEvent, 10)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	return ch, nil
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, channel)
	return nil
}

func (m *MockEventBus) Close() error {
	m.mu.Lock()
	subs := m.subscribers
	m.subscribers = make(map[string][]chan *entities.RunEvent)
	m.mu.Unlock()
	for _, channels := range subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	return nil
}

func (m *MockEventBus) PublishedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.published)
}

type stubStatusReader struct {
	table entities.RunStatusTable
	err   error
}

func (s stubStatusReader) Status(string) (entities.RunStatusTable, error) {
	return s.table, s.err
}

// streamSession runs the handler until stop is called and returns the recorder
func streamSession(t *testing.T, handler *handlers.SSEHandler, sessionID string) (*httptest.ResponseRecorder, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/api/stream/sessions/"+sessionID+"/analysis", nil)
	req.SetPathValue("id", sessionID)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.StreamAnalysis(w, req)
		close(done)
	}()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not exit after cancel")
		}
	}
	return w, stop
}

func TestSSEHandler_StreamAnalysis(t *testing.T) {
	t.Run("should establish SSE connection", func(t *testing.T) {
		handler := handlers.NewSSEHandler(NewMockEventBus(), nil)

		w, stop := streamSession(t, handler, "session-1")
		require.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
		stop()

		result := w.Result()
		assert.Equal(t, "text/event-stream", result.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache", result.Header.Get("Cache-Control"))
		assert.Contains(t, w.Body.String(), "event: connected\n")
		assert.Zero(t, handler.GetClientCount())
	})

	t.Run("should send the current snapshot first", func(t *testing.T) {
		reader := stubStatusReader{table: entities.RunStatusTable{
			RunID:     "run-1",
			SessionID: "session-2",
			Status:    entities.RunStatusRunning,
		}}
		handler := handlers.NewSSEHandler(NewMockEventBus(), reader)

		w, stop := streamSession(t, handler, "session-2")
		require.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
		stop()

		body := w.Body.String()
		assert.Contains(t, body, "event: status_update\n")
		assert.Contains(t, body, `"run_id":"run-1"`)
		assert.Less(t, strings.Index(body, "event: connected"), strings.Index(body, "event: status_update"))
	})

	t.Run("should skip the snapshot for unknown sessions", func(t *testing.T) {
		reader := stubStatusReader{err: apperrors.NewNotFoundError("no analysis for session")}
		handler := handlers.NewSSEHandler(NewMockEventBus(), reader)

		w, stop := streamSession(t, handler, "session-3")
		require.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
		stop()

		assert.NotContains(t, w.Body.String(), "status_update")
	})

	t.Run("should forward run events", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus, nil)

		w, stop := streamSession(t, handler, "session-4")
		require.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

		table := entities.RunStatusTable{RunID: "run-4", SessionID: "session-4", Status: entities.RunStatusCompleted, OverallProgress: 100}
		channel := providers.GetSessionChannel("session-4")
		require.NoError(t, eventBus.Publish(context.Background(), channel, entities.NewRunEvent(entities.RunEventTypeCompleted, table)))
		require.NoError(t, eventBus.Publish(context.Background(), providers.GetSessionChannel("other"), entities.NewRunEvent(entities.RunEventTypeCompleted, table)))

		time.Sleep(100 * time.Millisecond)
		stop()

		body := w.Body.String()
		assert.Equal(t, 1, strings.Count(body, "event: completed\n"))
		assert.Contains(t, body, `"overall_progress":100`)
		assert.Equal(t, 2, eventBus.PublishedCount())
	})

	t.Run("should send heartbeats", func(t *testing.T) {
		handler := handlers.NewSSEHandler(NewMockEventBus(), nil)
		handler.SetHeartbeatInterval(20 * time.Millisecond)

		w, stop := streamSession(t, handler, "session-5")
		time.Sleep(100 * time.Millisecond)
		stop()

		assert.Contains(t, w.Body.String(), "event: heartbeat\n")
	})

	t.Run("should end the stream when the bus closes", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/sessions/session-6/analysis", nil)
		req.SetPathValue("id", "session-6")
		w := httptest.NewRecorder()

		done := make(chan struct{})
		go func() {
			handler.StreamAnalysis(w, req)
			close(done)
		}()
		require.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

		require.NoError(t, eventBus.Close())
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not exit after the bus closed")
		}
		assert.Zero(t, handler.GetClientCount())
	})

	t.Run("should report connected clients per channel", func(t *testing.T) {
		handler := handlers.NewSSEHandler(NewMockEventBus(), nil)

		_, stopFirst := streamSession(t, handler, "session-7")
		_, stopSecond := streamSession(t, handler, "session-7")
		_, stopOther := streamSession(t, handler, "session-8")
		require.Eventually(t, func() bool { return handler.GetClientCount() == 3 }, time.Second, 10*time.Millisecond)

		w := httptest.NewRecorder()
		handler.Stats(w, httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil))
		stopFirst()
		stopSecond()
		stopOther()

		require.Equal(t, http.StatusOK, w.Code)
		var stats struct {
			ConnectedClients int            `json:"connected_clients"`
			Channels         map[string]int `json:"channels"`
		}
		decodeBody(t, w, &stats)
		assert.Equal(t, 3, stats.ConnectedClients)
		assert.Equal(t, map[string]int{
			providers.GetSessionChannel("session-7"): 2,
			providers.GetSessionChannel("session-8"): 1,
		}, stats.Channels)
	})

	t.Run("should return error for missing session ID", func(t *testing.T) {
		handler := handlers.NewSSEHandler(NewMockEventBus(), nil)
		req := httptest.NewRequest(http.MethodGet, "/api/stream/sessions//analysis", nil)
		w := httptest.NewRecorder()

		handler.StreamAnalysis(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should fail when the event bus is unavailable", func(t *testing.T) {
		eventBus := NewMockEventBus()
		eventBus.subscribeErr = errors.New("redis: connection refused")
		handler := handlers.NewSSEHandler(eventBus, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/sessions/s1/analysis", nil)
		req.SetPathValue("id", "s1")
		w := httptest.NewRecorder()
		handler.StreamAnalysis(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Zero(t, handler.GetClientCount())
	})
}
