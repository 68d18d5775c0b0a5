package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/dispute"
)

type disputeResponse struct {
	ID            int64   `json:"id"`
	PartyA        string  `json:"party_a"`
	PartyB        *string `json:"party_b,omitempty"`
	Amount        int64   `json:"amount"`
	CaseA         string  `json:"case_a,omitempty"`
	CaseB         string  `json:"case_b,omitempty"`
	RequestHandle *string `json:"request_handle,omitempty"`
	IsResolved    bool    `json:"is_resolved"`
	Winner        *string `json:"winner,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:            rec.ID,
		PartyA:        rec.PartyA,
		PartyB:        rec.PartyB,
		Amount:        rec.Amount,
		CaseA:         rec.CaseA,
		CaseB:         rec.CaseB,
		RequestHandle: rec.RequestHandle,
		IsResolved:    rec.IsResolved,
		Winner:        rec.Winner,
		Status:        string(rec.Status()),
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		v := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &v
	}
	return resp
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	party, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.ledgerService.Open(r.Context(), party.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":           party.ID,
		"email":        party.Email,
		"display_name": party.DisplayName,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":    result.Token,
		"party_id": result.Party.ID,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledgerService.Balance(r.Context(), callerID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	balance, err := s.ledgerService.Deposit(r.Context(), callerID(r), req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.disputeService.Create(r.Context(), callerID(r), req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	recs, err := s.disputeService.List(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	out := make([]disputeResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNextID(w http.ResponseWriter, r *http.Request) {
	next, err := s.disputeService.NextID(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"next_id": next})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}

	rec, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	held, err := s.ledgerService.Held(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := struct {
		disputeResponse
		Held int64 `json:"held"`
	}{toDisputeResponse(rec), held}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJoinDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.disputeService.Join(r.Context(), callerID(r), id, req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.disputeService.SubmitCase(r.Context(), callerID(r), id, req.Text); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (s *Server) handleRequestResolution(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}

	handle, err := s.gateway.RequestResolution(r.Context(), callerID(r), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"handle": handle})
}

// handleVerdictCallback is the inbound leg of the oracle round trip. The
// relay credential travels as a bearer token; the gateway does the
// constant-time check.
func (s *Server) handleVerdictCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle    string `json:"handle"`
		Winner    string `json:"winner"`
		Rationale string `json:"rationale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.gateway.DeliverVerdict(r.Context(), bearerToken(r), req.Handle, req.Winner, req.Rationale)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func disputeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return 0, false
	}
	return id, true
}
