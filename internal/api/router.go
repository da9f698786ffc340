package api

import (
	"encoding/json"
	"net/http"
	"time"

	"callscribe/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router wraps the chi router with the service's middleware stack.
type Router struct {
	chi.Router
	logger *logger.Logger
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(handler *Handler, allowedOrigins []string, log *logger.Logger) *Router {
	r := chi.NewRouter()
	routerLogger := log.Named("api-router")

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(routerLogger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(allowedOrigins))

	// Sync-mode submission runs the whole pipeline inside the request and the
	// websocket connection is long-lived; neither can sit under a request
	// timeout.
	r.Post("/transcribe", handler.CreateJob)
	r.Get("/ws", handler.HandleWebSocket)

	r.Group(func(g chi.Router) {
		g.Use(middleware.Timeout(60 * time.Second))
		g.Get("/job/{jobID}", handler.GetJob)
		g.Post("/job/{jobID}/reset", handler.ResetJob)
		g.Get("/health", handler.Health)
	})

	return &Router{Router: r, logger: routerLogger}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing left to do but note it.
		return
	}
}

// requestLogger logs each request with method, path, status and latency.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Debug("HTTP request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Duration("latency", time.Since(start)))
		})
	}
}

// corsMiddleware allows cross-origin requests from the configured origins.
// An empty list allows any origin.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (len(allowed) == 0 || allowed[origin] || allowed["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
