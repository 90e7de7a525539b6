// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/data"
	"github.com/atlas-desktop/regime-trader/internal/session"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config holds the HTTP server settings.
type Config struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	WebSocketPath string        `json:"webSocketPath" mapstructure:"websocket_path"`
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          8080,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		WebSocketPath: "/ws",
	}
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     *Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	engine     *session.Engine
	configs    session.ConfigStore
	candles    data.CandleSource
	registry   *prometheus.Registry
}

// NewServer creates a new API server.
func NewServer(
	logger *zap.Logger,
	config *Config,
	engine *session.Engine,
	configs session.ConfigStore,
	candles data.CandleSource,
	hub *Hub,
	registry *prometheus.Registry,
) *Server {
	server := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      hub,
		engine:   engine,
		configs:  configs,
		candles:  candles,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	// Health check and metrics
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Session lifecycle
	s.router.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/{asset}/start", s.handleStartSession).Methods("POST")
	s.router.HandleFunc("/api/v1/sessions/{asset}/update", s.handleUpdateSession).Methods("POST")
	s.router.HandleFunc("/api/v1/sessions/{asset}/stop", s.handleStopSession).Methods("POST")
	s.router.HandleFunc("/api/v1/sessions/{asset}/emergency-stop", s.handleEmergencyStop).Methods("POST")
	s.router.HandleFunc("/api/v1/sessions/{asset}/resume", s.handleResumeSession).Methods("POST")

	// Session read side
	s.router.HandleFunc("/api/v1/sessions/{asset}", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/{asset}/performance", s.handleGetPerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/{asset}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/{asset}/history", s.handleGetHistory).Methods("GET")

	// Named engine configurations
	s.router.HandleFunc("/api/v1/configs", s.handleListConfigs).Methods("GET")
	s.router.HandleFunc("/api/v1/configs/{name}", s.handleSaveConfig).Methods("POST", "PUT")
	s.router.HandleFunc("/api/v1/configs/{name}", s.handleGetConfig).Methods("GET")
	s.router.HandleFunc("/api/v1/configs/{name}", s.handleDeleteConfig).Methods("DELETE")

	// Candle data
	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetCandles).Methods("GET")

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router exposes the mux for composition and tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps engine errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrConfigNotFound),
		errors.Is(err, data.ErrNoData):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionStopped):
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"clients": s.hub.ClientCount(),
	})
}

type startSessionRequest struct {
	Name       string              `json:"name,omitempty"`
	ConfigName string              `json:"configName,omitempty"`
	Config     *types.EngineConfig `json:"config,omitempty"`
}

// handleStartSession starts a paper trading session for the asset. The
// engine config comes inline or by reference to a saved config.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	config := req.Config
	if config == nil && req.ConfigName != "" {
		loaded, err := s.configs.GetConfig(r.Context(), req.ConfigName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		config = loaded
	}
	if config == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "config or configName required"})
		return
	}

	sess, err := s.engine.Start(r.Context(), asset, req.Name, config)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			s.writeError(w, err)
		} else {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

// handleUpdateSession runs one decision tick.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	result, err := s.engine.Update(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleStopSession ends the session and returns the final report.
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	sess, report, err := s.engine.Stop(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":     sess,
		"performance": report,
	})
}

// handleEmergencyStop halts trading without touching open positions.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	sess, err := s.engine.EmergencyStop(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleResumeSession resumes an emergency-stopped session.
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	sess, err := s.engine.Resume(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleListSessions returns all stored sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleGetSession returns the session document.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	sess, err := s.engine.ActiveSession(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleGetPerformance returns the analytics report for the session.
func (s *Server) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	report, err := s.engine.Performance(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleGetTrades returns the session's trade log with audit records.
func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	sess, err := s.engine.ActiveSession(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset":  asset,
		"trades": sess.Trades,
		"count":  len(sess.Trades),
	})
}

// handleGetHistory returns the portfolio value time series.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	sess, err := s.engine.ActiveSession(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history := sess.PortfolioHistory
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset":   asset,
		"history": history,
		"count":   len(history),
	})
}

// handleSaveConfig validates and stores a named engine configuration.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var config types.EngineConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := config.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := s.configs.SaveConfig(r.Context(), name, &config); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "saved": true})
}

// handleGetConfig returns a named engine configuration.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	config, err := s.configs.GetConfig(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, config)
}

// handleListConfigs returns the names of saved configurations.
func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	names, err := s.configs.ListConfigs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"configs": names, "count": len(names)})
}

// handleDeleteConfig removes a named configuration.
func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.configs.DeleteConfig(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "deleted": true})
}

// handleGetCandles returns historical candles for a symbol.
func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1h"
	}

	start := time.Now().AddDate(0, -1, 0) // Default: 1 month ago
	end := time.Now()
	if startStr := r.URL.Query().Get("start"); startStr != "" {
		if t, err := time.Parse(time.RFC3339, startStr); err == nil {
			start = t
		}
	}
	if endStr := r.URL.Query().Get("end"); endStr != "" {
		if t, err := time.Parse(time.RFC3339, endStr); err == nil {
			end = t
		}
	}

	candles, err := s.candles.FetchCandles(r.Context(), symbol, types.Timeframe(timeframe), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"timeframe": timeframe,
		"candles":   candles,
		"count":     len(candles),
	})
}

// handleWebSocket upgrades the connection and attaches it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.ReadPump()
	go client.WritePump()
}
