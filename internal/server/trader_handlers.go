package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vyx/signal-engine/internal/trader"
)

// ownedTrader resolves the trader's status (hydrating on registry miss) and
// enforces that the caller owns it. System-owned traders are not operable
// through the user API.
func (s *Server) ownedTrader(w http.ResponseWriter, r *http.Request) (*trader.Status, bool) {
	traderID := mux.Vars(r)["id"]

	userID, ok := UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return nil, false
	}

	status, err := s.manager.GetStatus(r.Context(), traderID)
	if err != nil {
		respondError(w, statusForError(err), "Trader not found", err)
		return nil, false
	}

	if status.UserID != userID {
		respondError(w, http.StatusForbidden, "You do not have permission to access this trader", nil)
		return nil, false
	}

	return status, true
}

// handleStartTrader handles POST /api/v1/traders/{id}/start.
func (s *Server) handleStartTrader(w http.ResponseWriter, r *http.Request) {
	status, ok := s.ownedTrader(w, r)
	if !ok {
		return
	}

	user, ok := UserFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	if err := s.manager.Start(r.Context(), status.ID, user.SubscriptionTier); err != nil {
		respondError(w, statusForError(err), "Failed to start trader", err)
		return
	}

	current, err := s.manager.GetStatus(r.Context(), status.ID)
	if err != nil {
		respondError(w, statusForError(err), "Failed to load trader", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"trader":  current,
	})
}

// handleStopTrader handles POST /api/v1/traders/{id}/stop.
func (s *Server) handleStopTrader(w http.ResponseWriter, r *http.Request) {
	status, ok := s.ownedTrader(w, r)
	if !ok {
		return
	}

	if err := s.manager.Stop(r.Context(), status.ID); err != nil {
		respondError(w, statusForError(err), "Failed to stop trader", err)
		return
	}

	current, err := s.manager.GetStatus(r.Context(), status.ID)
	if err != nil {
		respondError(w, statusForError(err), "Failed to load trader", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"trader":  current,
	})
}

// handleReloadTrader handles POST /api/v1/traders/{id}/reload.
func (s *Server) handleReloadTrader(w http.ResponseWriter, r *http.Request) {
	status, ok := s.ownedTrader(w, r)
	if !ok {
		return
	}

	if err := s.manager.Reload(r.Context(), status.ID); err != nil {
		respondError(w, statusForError(err), "Failed to reload trader", err)
		return
	}

	current, err := s.manager.GetStatus(r.Context(), status.ID)
	if err != nil {
		respondError(w, statusForError(err), "Failed to load trader", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"trader":  current,
	})
}

// handleExecuteImmediate handles POST /api/v1/traders/{id}/execute-immediate.
func (s *Server) handleExecuteImmediate(w http.ResponseWriter, r *http.Request) {
	status, ok := s.ownedTrader(w, r)
	if !ok {
		return
	}

	result, err := s.manager.ExecuteImmediate(r.Context(), status.ID)
	if err != nil {
		respondError(w, statusForError(err), "Immediate execution failed", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleTraderStatus handles GET /api/v1/traders/{id}/status.
func (s *Server) handleTraderStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.ownedTrader(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleGetTraders handles GET /api/v1/traders. A missing userId query
// returns the built-in set.
func (s *Server) handleGetTraders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	var err error
	var traders interface{}
	var count int

	if userID == "" {
		rows, berr := s.traders.GetBuiltInTraders(r.Context())
		traders, count, err = rows, len(rows), berr
	} else {
		rows, uerr := s.traders.GetTraders(r.Context(), userID)
		traders, count, err = rows, len(rows), uerr
	}

	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch traders", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"traders": traders,
		"count":   count,
	})
}

// handleGetTrader handles GET /api/v1/traders/{id}.
func (s *Server) handleGetTrader(w http.ResponseWriter, r *http.Request) {
	traderID := mux.Vars(r)["id"]

	row, err := s.traders.GetTrader(r.Context(), traderID)
	if err != nil {
		respondError(w, statusForError(err), "Trader not found", err)
		return
	}

	respondJSON(w, http.StatusOK, row)
}

// handleListActiveTraders handles GET /api/v1/traders/active for the caller.
func (s *Server) handleListActiveTraders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	traders := s.manager.ListByUser(userID)

	statuses := make([]trader.Status, 0, len(traders))
	for _, t := range traders {
		if state := t.State(); state != trader.StateRunning && state != trader.StateStarting {
			continue
		}
		statuses = append(statuses, t.GetStatus())
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"traders": statuses,
		"count":   len(statuses),
	})
}

// handleManagerMetrics handles GET /api/v1/traders/metrics.
func (s *Server) handleManagerMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.Metrics())
}
