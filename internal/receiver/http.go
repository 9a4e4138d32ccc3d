package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailcore/internal/types"
)

// EngineAPI is the slice of the engine the HTTP layer needs
type EngineAPI interface {
	Open(req types.OpenPositionRequest) (types.TrailingStopState, error)
	Close(positionID string)
	GetState(positionID string) (types.TrailingStopState, bool)
	ListActive() []types.TrailingStopState
	GetHistory(positionID string) ([]types.ReasonEntry, bool)
	ActiveCount() int
}

// TriggerStore optionally serves persisted trigger history
type TriggerStore interface {
	ListTriggers(ctx context.Context, positionID string, limit int) ([]types.TrailingStopTrigger, error)
}

// HTTPReceiver exposes position lifecycle and read endpoints to the
// execution engine and reporting collaborators.
type HTTPReceiver struct {
	server   *http.Server
	logger   *slog.Logger
	engine   EngineAPI
	triggers TriggerStore
	port     int
}

// NewHTTPReceiver creates a new HTTP receiver
func NewHTTPReceiver(port int, engine EngineAPI, logger *slog.Logger) *HTTPReceiver {
	return &HTTPReceiver{
		port:   port,
		engine: engine,
		logger: logger,
	}
}

// SetTriggerStore enables the persisted trigger history endpoint
func (r *HTTPReceiver) SetTriggerStore(store TriggerStore) {
	r.triggers = store
}

// Start starts the HTTP server
func (r *HTTPReceiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/position/open", r.handleOpen)
	mux.HandleFunc("/position/close", r.handleClose)
	mux.HandleFunc("/position/", r.handlePositionByID) // /position/{id}, /position/{id}/history, /position/{id}/triggers
	mux.HandleFunc("/positions", r.handlePositionsList)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/", r.handleRoot)

	r.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", r.port),
		Handler:      r.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	r.logger.Info("[RECEIVER] Starting HTTP server",
		"port", r.port,
		"address", r.server.Addr,
	)

	// Run server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait briefly to check for immediate errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}

	r.logger.Info("[RECEIVER] Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}

// loggingMiddleware logs all incoming requests
func (r *HTTPReceiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, req)

		r.logger.Info("[RECEIVER] Request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", req.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// handleRoot handles requests to the root path
func (r *HTTPReceiver) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "trailcore",
		"version": "1.0.0",
		"endpoints": []string{
			"POST /position/open - Start tracking a position",
			"POST /position/close - Stop tracking a position",
			"GET /position/{id} - Get position state",
			"GET /position/{id}/history - Get reasoning trail",
			"GET /position/{id}/triggers - Get persisted triggers",
			"GET /positions - List active positions",
			"GET /health - Health check",
			"GET /metrics - Prometheus metrics",
		},
	})
}

// handleHealth handles health check requests
func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(types.HealthResponse{
		Status:          "healthy",
		Timestamp:       time.Now(),
		ActivePositions: r.engine.ActiveCount(),
	})
}

// handleOpen handles POST /position/open
func (r *HTTPReceiver) handleOpen(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var openReq types.OpenPositionRequest
	if err := json.NewDecoder(req.Body).Decode(&openReq); err != nil {
		r.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if err := validateOpenRequest(&openReq); err != nil {
		r.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := r.engine.Open(openReq)
	if err != nil {
		r.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.logger.Info("[RECEIVER] Position opened",
		"position_id", openReq.PositionID,
		"symbol", openReq.Symbol,
	)
	r.sendSuccess(w, "Position tracked", state)
}

// handleClose handles POST /position/close
func (r *HTTPReceiver) handleClose(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var closeReq types.ClosePositionRequest
	if err := json.NewDecoder(req.Body).Decode(&closeReq); err != nil {
		r.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if closeReq.PositionID == "" {
		r.sendError(w, http.StatusBadRequest, "position_id is required")
		return
	}

	r.engine.Close(closeReq.PositionID)
	r.sendSuccess(w, "Position closed", map[string]string{"position_id": closeReq.PositionID})
}

// handlePositionByID routes /position/{id} and /position/{id}/history
func (r *HTTPReceiver) handlePositionByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	// parts: ["position", "{id}"] or ["position", "{id}", "history"|"triggers"]
	if len(parts) < 2 || parts[1] == "" {
		r.sendError(w, http.StatusBadRequest, "position id is required")
		return
	}
	positionID := parts[1]

	if len(parts) == 2 {
		r.handleGetPosition(w, positionID)
		return
	}

	switch parts[2] {
	case "history":
		r.handleGetHistory(w, positionID)
	case "triggers":
		r.handleGetTriggers(w, req, positionID)
	default:
		http.NotFound(w, req)
	}
}

func (r *HTTPReceiver) handleGetPosition(w http.ResponseWriter, positionID string) {
	state, ok := r.engine.GetState(positionID)
	if !ok {
		r.sendError(w, http.StatusNotFound, fmt.Sprintf("position %s not found", positionID))
		return
	}
	r.sendSuccess(w, "Position state", state)
}

func (r *HTTPReceiver) handleGetHistory(w http.ResponseWriter, positionID string) {
	history, ok := r.engine.GetHistory(positionID)
	if !ok {
		r.sendError(w, http.StatusNotFound, fmt.Sprintf("position %s not found", positionID))
		return
	}
	r.sendSuccess(w, "Reasoning trail", history)
}

func (r *HTTPReceiver) handleGetTriggers(w http.ResponseWriter, req *http.Request, positionID string) {
	if r.triggers == nil {
		r.sendError(w, http.StatusNotImplemented, "trigger history requires database persistence")
		return
	}

	triggers, err := r.triggers.ListTriggers(req.Context(), positionID, 50)
	if err != nil {
		r.logger.Error("[RECEIVER] Failed to list triggers",
			"position_id", positionID,
			"error", err,
		)
		r.sendError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}
	r.sendSuccess(w, "Triggers", triggers)
}

// handlePositionsList handles GET /positions
func (r *HTTPReceiver) handlePositionsList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	active := r.engine.ListActive()
	r.sendSuccess(w, fmt.Sprintf("%d active positions", len(active)), active)
}

// validateOpenRequest validates the incoming open request
func validateOpenRequest(req *types.OpenPositionRequest) error {
	if req.PositionID == "" {
		return fmt.Errorf("position_id is required")
	}
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Side != types.SideLong && req.Side != types.SideShort {
		return fmt.Errorf("invalid side: %s (valid: LONG, SHORT)", req.Side)
	}
	if req.EntryPrice <= 0 {
		return fmt.Errorf("entry_price must be positive")
	}
	return nil
}

// sendError sends an error response
func (r *HTTPReceiver) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// sendSuccess sends a success response
func (r *HTTPReceiver) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}
