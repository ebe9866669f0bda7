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

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/strategy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func parseLimit(r *http.Request) int {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.Status())
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req strategy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	req.MarketID = strings.TrimSpace(req.MarketID)
	if req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return
	}
	if req.TimeToStartMinutes < 0 || req.MatchedAmount < 0 {
		writeError(w, http.StatusBadRequest, "timeToStartMinutes and matchedAmount must be non-negative")
		return
	}

	out := s.deps.Evaluator.Evaluate(r.Context(), req)
	status := http.StatusOK
	if out.Status == domain.OutcomeFailed && out.Retryable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Markets == nil {
		writeError(w, http.StatusServiceUnavailable, "market data not configured")
		return
	}
	marketID := pathParam(r, "marketID")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	snap, err := s.deps.Markets.Snapshot(ctx, marketID)
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	bets, err := s.deps.Records.ListBets(ctx, r.URL.Query().Get("market"), parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db list bets: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	outs, err := s.deps.Records.ListOutcomes(ctx, r.URL.Query().Get("market"), parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db list outcomes: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, outs)
}

type riskStatus struct {
	Halted              bool   `json:"halted"`
	DailyLiabilityCents int64  `json:"daily_liability_cents"`
	Error               string `json:"error,omitempty"`
}

func (s *Server) riskStatus() riskStatus {
	st := riskStatus{
		Halted:              s.deps.Breaker.Halted(),
		DailyLiabilityCents: s.deps.Breaker.DailyLiabilityCents(),
	}
	if err := s.deps.Breaker.AllowTrading(); err != nil {
		st.Halted = true
		st.Error = err.Error()
	}
	return st
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.riskStatus())
}

func (s *Server) handleRiskHalt(w http.ResponseWriter, r *http.Request) {
	s.deps.Breaker.Halt()
	log.Warn("已手动熔断")
	writeJSON(w, http.StatusOK, s.riskStatus())
}

func (s *Server) handleRiskResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Breaker.Resume()
	log.Info("已手动恢复下单")
	writeJSON(w, http.StatusOK, s.riskStatus())
}
