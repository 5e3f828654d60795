package routes

import (
	"net/http"

	"github.com/zatekoja/sessionreview/backend/internal/api/handlers"
	"github.com/zatekoja/sessionreview/backend/internal/api/middleware"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	analysisHandler *handlers.AnalysisHandler
	sseHandler      *handlers.SSEHandler

	metrics *observability.Metrics
}

// NewRouter creates a new router. Either handler may be nil; its routes are
// then not registered.
func NewRouter(
	analysisHandler *handlers.AnalysisHandler,
	sseHandler *handlers.SSEHandler,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		analysisHandler: analysisHandler,
		sseHandler:      sseHandler,
		metrics:         metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Analysis endpoints
	if r.analysisHandler != nil {
		r.mux.HandleFunc("POST /api/sessions/{id}/analysis", r.analysisHandler.StartAnalysis)
		r.mux.HandleFunc("GET /api/sessions/{id}/analysis", r.analysisHandler.GetAnalysisStatus)
		r.mux.HandleFunc("DELETE /api/sessions/{id}/analysis", r.analysisHandler.CancelAnalysis)
		r.mux.HandleFunc("DELETE /api/sessions/{id}/analysis/run", r.analysisHandler.DiscardAnalysis)
		r.mux.HandleFunc("POST /api/sessions/{id}/analysis/retry", r.analysisHandler.RetryAnalysis)
		r.mux.HandleFunc("GET /api/sessions/{id}/analysis/actions", r.analysisHandler.GetActions)
		r.mux.HandleFunc("POST /api/sessions/{id}/analysis/actions/{actionId}/execute", r.analysisHandler.ExecuteAction)
		r.mux.HandleFunc("GET /api/sessions/{id}/analysis/executions", r.analysisHandler.ListExecutions)
	}

	// Streaming endpoints
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/sessions/{id}/analysis", r.sseHandler.StreamAnalysis)
		r.mux.HandleFunc("GET /api/stream/stats", r.sseHandler.Stats)
	}

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)

	// CORS wraps everything so preflight requests never reach the handlers
	handler = middleware.CORSMiddleware(handler)

	return handler
}
