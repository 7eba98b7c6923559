package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/internal/trader"
	"github.com/vyx/signal-engine/pkg/config"
	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/sandbox"
	"github.com/vyx/signal-engine/pkg/types"
)

// MarketSource answers the read-only market endpoints.
type MarketSource interface {
	Symbols() []string
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
}

// TraderStore reads trader rows for listing endpoints.
type TraderStore interface {
	GetTraders(ctx context.Context, userID string) ([]types.Trader, error)
	GetBuiltInTraders(ctx context.Context) ([]types.Trader, error)
	GetTrader(ctx context.Context, traderID string) (*types.Trader, error)
}

// SignalStore reads and writes signal rows for the API surface.
type SignalStore interface {
	CreateSignal(ctx context.Context, signal *types.Signal) error
	GetRecentSignals(ctx context.Context, userID string, limit int) ([]types.Signal, error)
}

// Server is the engine's HTTP surface.
type Server struct {
	config     *config.Config
	router     *mux.Router
	httpServer *http.Server

	manager *trader.Manager
	sandbox *sandbox.Executor
	market  MarketSource
	traders TraderStore
	signals SignalStore
	users   UserStore

	startTime time.Time
	log       zerolog.Logger
}

// New creates a server wired to the engine's components.
func New(
	cfg *config.Config,
	manager *trader.Manager,
	sbx *sandbox.Executor,
	market MarketSource,
	traders TraderStore,
	signals SignalStore,
	users UserStore,
) *Server {
	s := &Server{
		config:    cfg,
		manager:   manager,
		sandbox:   sbx,
		market:    market,
		traders:   traders,
		signals:   signals,
		users:     users,
		startTime: time.Now(),
		log:       logger.WithComponent("server"),
	}

	s.setupRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:      corsHandler.Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func splitOrigins(origins string) []string {
	if origins == "" {
		return []string{"*"}
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(AuthMiddleware(s.config.SupabaseServiceKey))

	api.HandleFunc("/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/klines/{symbol}/{interval}", s.handleGetKlines).Methods("GET")

	api.HandleFunc("/traders", s.handleGetTraders).Methods("GET")
	api.HandleFunc("/traders/active", s.handleListActiveTraders).Methods("GET")
	api.Handle("/traders/metrics",
		ServiceRoleMiddleware(s.config.SupabaseServiceKey)(http.HandlerFunc(s.handleManagerMetrics))).Methods("GET")
	api.HandleFunc("/traders/{id}", s.handleGetTrader).Methods("GET")
	api.HandleFunc("/traders/{id}/status", s.handleTraderStatus).Methods("GET")
	api.HandleFunc("/traders/{id}/stop", s.handleStopTrader).Methods("POST")
	api.HandleFunc("/traders/{id}/reload", s.handleReloadTrader).Methods("POST")

	tierGate := TierMiddleware(s.users)
	api.Handle("/traders/{id}/start", tierGate(http.HandlerFunc(s.handleStartTrader))).Methods("POST")
	api.Handle("/traders/{id}/execute-immediate", tierGate(http.HandlerFunc(s.handleExecuteImmediate))).Methods("POST")

	api.Handle("/signals",
		ServiceRoleMiddleware(s.config.SupabaseServiceKey)(http.HandlerFunc(s.handleCreateSignal))).Methods("POST")
	api.HandleFunc("/signals", s.handleGetSignals).Methods("GET")

	api.HandleFunc("/execute-filter", s.handleExecuteFilter).Methods("POST")
	api.HandleFunc("/validate-code", s.handleValidateCode).Methods("POST")

	s.router = r
}

// Router exposes the configured router (used by handler tests).
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().
		Str("addr", s.httpServer.Addr).
		Str("environment", s.config.Environment).
		Str("version", s.config.Version).
		Msg("Starting server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// ==================== BASIC HANDLERS ====================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, types.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.config.Version,
		Uptime:    time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.market.Symbols()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleGetKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := strings.ToUpper(vars["symbol"])
	interval := vars["interval"]

	limit := 250
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	// limit=0 is a valid request for an empty window.
	if limit == 0 {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"symbol":   symbol,
			"interval": interval,
			"klines":   []types.Kline{},
			"count":    0,
		})
		return
	}

	klines, err := s.market.Klines(r.Context(), symbol, interval, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch klines", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
		"count":    len(klines),
	})
}

// ==================== SIGNAL HANDLERS ====================

func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	var signal types.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now()
	}
	if signal.Count == 0 {
		signal.Count = 1
	}

	if err := s.signals.CreateSignal(r.Context(), &signal); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create signal", err)
		return
	}

	respondJSON(w, http.StatusCreated, signal)
}

func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	signals, err := s.signals.GetRecentSignals(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch signals", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
	})
}

// ==================== FILTER HANDLERS ====================

type executeFilterRequest struct {
	Code       string           `json:"code"`
	MarketData types.MarketData `json:"marketData"`
}

func (s *Server) handleExecuteFilter(w http.ResponseWriter, r *http.Request) {
	var req executeFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	compiled, err := s.sandbox.Compile(req.Code)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Filter compilation failed", err)
		return
	}

	matched, err := s.sandbox.Execute(r.Context(), compiled, &req.MarketData, sandbox.DefaultTimeout)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Filter execution failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"matched": matched,
		"symbol":  req.MarketData.Symbol,
	})
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.sandbox.Validate(req.Code); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
	})
}

// ==================== HELPERS ====================

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	respondJSON(w, status, types.ErrorResponse{
		Error:   message,
		Message: errMsg,
		Code:    status,
	})
}

// statusForError maps engine error kinds to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrQuotaExceeded),
		errors.Is(err, errs.ErrTierBlocked),
		errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrFilterCompilation),
		errors.Is(err, errs.ErrInvalidTrader),
		errors.Is(err, errs.ErrInvalidTimeframe):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
