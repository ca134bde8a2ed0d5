// Package admin exposes the read-only query surface and operational
// endpoints over HTTP. It is an operator API, not a public one: writes go
// through the engines, never through this server.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/dispute"
	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/escrow"
	"github.com/agoramesh-ai/settlement/internal/metrics"
	"github.com/agoramesh-ai/settlement/internal/store"
	"github.com/agoramesh-ai/settlement/internal/stream"
	"github.com/agoramesh-ai/settlement/internal/trust"
	"github.com/google/uuid"
)

// Server is the admin HTTP API.
type Server struct {
	trust   *trust.Engine
	escrow  *escrow.Engine
	stream  *stream.Engine
	dispute *dispute.Engine
	ledger  *custody.Ledger
	onramp  *custody.Onramp
	journal store.EventRepository
	logger  *slog.Logger
}

// NewServer creates the admin API server.
func NewServer(
	trustEng *trust.Engine,
	escrowEng *escrow.Engine,
	streamEng *stream.Engine,
	disputeEng *dispute.Engine,
	ledger *custody.Ledger,
	onramp *custody.Onramp,
	journal store.EventRepository,
	logger *slog.Logger,
) *Server {
	return &Server{
		trust:   trustEng,
		escrow:  escrowEng,
		stream:  streamEng,
		dispute: disputeEng,
		ledger:  ledger,
		onramp:  onramp,
		journal: journal,
		logger:  logger.With("component", "admin"),
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /admin/v1/agents/{did}", s.instrument("agents", s.handleGetAgent))
	mux.HandleFunc("GET /admin/v1/trust/{did}", s.instrument("trust", s.handleGetTrust))
	mux.HandleFunc("GET /admin/v1/escrows/{id}", s.instrument("escrows", s.handleGetEscrow))
	mux.HandleFunc("GET /admin/v1/streams/{id}", s.instrument("streams", s.handleGetStream))
	mux.HandleFunc("GET /admin/v1/disputes/{id}", s.instrument("disputes", s.handleGetDispute))
	mux.HandleFunc("GET /admin/v1/balances", s.instrument("balances", s.handleGetBalance))
	mux.HandleFunc("GET /admin/v1/events", s.instrument("events", s.handleListEvents))
	mux.HandleFunc("POST /admin/v1/reconcile", s.instrument("reconcile", s.handleReconcile))
	mux.HandleFunc("POST /admin/v1/credit", s.instrument("credit", s.handleCredit))
	mux.HandleFunc("POST /admin/v1/withdraw", s.instrument("withdraw", s.handleWithdraw))
	return mux
}

// statusWriter captures the status code for request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.AdminRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain faults to HTTP statuses: missing records read as
// 404, bad input as 400, permission problems as 403, and state or timing
// conflicts as 409.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.AgentNotRegistered),
		errors.Is(err, fault.EscrowNotFound),
		errors.Is(err, fault.StreamNotFound),
		errors.Is(err, fault.DisputeNotFound):
		status = http.StatusNotFound
	case fault.IsKind(err, fault.Validation):
		status = http.StatusBadRequest
	case fault.IsKind(err, fault.Authorization):
		status = http.StatusForbidden
	case fault.IsKind(err, fault.State), fault.IsKind(err, fault.Temporal), fault.IsKind(err, fault.Resource):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.trust.GetAgent(r.Context(), r.PathValue("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	details, err := s.trust.TrustDetails(r.Context(), r.PathValue("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	esc, err := s.escrow.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type streamResponse struct {
	Stream       any    `json:"stream"`
	Streamed     string `json:"streamed"`
	Withdrawable string `json:"withdrawable"`
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	st, err := s.stream.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	streamed, err := s.stream.StreamedAmountOf(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	withdrawable, err := s.stream.WithdrawableOf(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{Stream: st, Streamed: streamed, Withdrawable: withdrawable})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	d, err := s.dispute.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	token := r.URL.Query().Get("token")
	if account == "" || token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account and token query params required"})
		return
	}
	bal, err := s.ledger.BalanceOf(r.Context(), account, token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "token": token, "balance": bal.String()})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be within [1, 1000]"})
			return
		}
		limit = n
	}
	events, err := s.journal.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// custodyMoveRequest is the body of POST /admin/v1/credit and /withdraw.
type custodyMoveRequest struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	s.handleCustodyMove(w, r, s.onramp.Credit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCustodyMove(w, r, s.onramp.Withdraw)
}

// handleCustodyMove executes an on/off-ramp with the treasury role. The
// admin listener is the operator channel, so reaching it is the privilege.
func (s *Server) handleCustodyMove(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, as model.Role, account, token, amount string) error) {
	var req custodyMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := move(r.Context(), model.RoleTreasury, req.Account, req.Token, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": req.Account, "token": req.Token, "amount": req.Amount})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	checks, err := s.ledger.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}
