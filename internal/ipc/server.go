package ipc

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Server wraps an HTTP server with orchestrator routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Routes(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// Routes builds the API mux.
func Routes(h *Handler) http.Handler {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Shipment endpoint.
	mux.HandleFunc("GET /api/v1/shipments", h.ListShipments)

	// Incident endpoints.
	mux.HandleFunc("POST /api/v1/incidents", h.CreateIncident)
	mux.HandleFunc("GET /api/v1/incidents", h.ListIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", h.GetIncident)
	mux.HandleFunc("GET /api/v1/incidents/{id}/logs", h.ListLogs)
	mux.HandleFunc("POST /api/v1/incidents/{id}/discover", h.Discover)
	mux.HandleFunc("POST /api/v1/incidents/{id}/handoff", h.TriggerHandoff)
	mux.HandleFunc("POST /api/v1/incidents/{id}/resolve", h.ResolveIncident)

	// Automation endpoints.
	mux.HandleFunc("POST /api/v1/automation/callback", h.AutomationCallback)
	mux.HandleFunc("GET /api/v1/runs/{runID}", h.GetRun)

	// Stream endpoints.
	mux.HandleFunc("GET /api/v1/incidents/{id}/events/stream", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/ws", h.WebSocket)

	// Demo endpoint.
	mux.HandleFunc("DELETE /api/v1/demo", h.ResetDemo)

	return corsMiddleware(requestLogger(h.logger, mux))
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for dashboard access from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Flush keeps SSE working through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.DebugContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

// FormatListenURL turns a listen address like ":9810" into a browsable URL.
func FormatListenURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
