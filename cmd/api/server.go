package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowflow/arbitration"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/resolution"
)

// AuthService is the slice of the auth service the server needs.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Party, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, error)
}

// LedgerService exposes account funding and balance reads.
type LedgerService interface {
	Open(ctx context.Context, partyID string) error
	Deposit(ctx context.Context, partyID string, amount int64) (int64, error)
	Balance(ctx context.Context, partyID string) (int64, error)
	Held(ctx context.Context, disputeID int64) (int64, error)
}

// DisputeService exposes the dispute registry operations.
type DisputeService interface {
	Create(ctx context.Context, caller string, amount int64) (dispute.Record, error)
	Join(ctx context.Context, caller string, disputeID int64, amount int64) (dispute.Record, error)
	SubmitCase(ctx context.Context, caller string, disputeID int64, text string) error
	Get(ctx context.Context, disputeID int64) (dispute.Record, error)
	List(ctx context.Context, limit int) ([]dispute.Record, error)
	NextID(ctx context.Context) (int64, error)
}

// GatewayService exposes the arbitration boundary.
type GatewayService interface {
	RequestResolution(ctx context.Context, caller string, disputeID int64) (string, error)
	DeliverVerdict(ctx context.Context, sourceKey string, handle string, winner string, rationale string) (dispute.Record, error)
}

// Server wires HTTP handlers to the domain services.
type Server struct {
	authService    AuthService
	ledgerService  LedgerService
	disputeService DisputeService
	gateway        GatewayService
	log            *slog.Logger
}

// NewServer builds the HTTP server facade.
func NewServer(authService AuthService, ledgerService LedgerService, disputeService DisputeService, gateway GatewayService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		authService:    authService,
		ledgerService:  ledgerService,
		disputeService: disputeService,
		gateway:        gateway,
		log:            log,
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Post("/arbitration/callback", s.handleVerdictCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.requireParty)
			r.Get("/accounts/balance", s.handleBalance)
			r.Post("/accounts/deposit", s.handleDeposit)

			r.Post("/disputes", s.handleCreateDispute)
			r.Get("/disputes", s.handleListDisputes)
			r.Get("/disputes/next-id", s.handleNextID)
			r.Get("/disputes/{id}", s.handleGetDispute)
			r.Post("/disputes/{id}/join", s.handleJoinDispute)
			r.Post("/disputes/{id}/case", s.handleSubmitCase)
			r.Post("/disputes/{id}/resolution", s.handleRequestResolution)
		})
	})

	return r
}

type ctxKey string

const ctxKeyPartyID ctxKey = "party_id"

// requireParty authenticates the bearer token and stores the caller identity.
func (s *Server) requireParty(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		partyID, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPartyID, partyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyPartyID).(string)
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors onto HTTP statuses. Unknown errors
// are logged and reported as 500 without leaking internals.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispute.ErrBadAmount),
		errors.Is(err, dispute.ErrDepositMismatch),
		errors.Is(err, dispute.ErrEmptyCase),
		errors.Is(err, ledger.ErrBadAmount),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrNoAccount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrNotAParty),
		errors.Is(err, arbitration.ErrNotRequester):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, arbitration.ErrUnauthorizedSource):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, dispute.ErrAlreadyJoined),
		errors.Is(err, dispute.ErrNotJoined),
		errors.Is(err, dispute.ErrAlreadySubmitted),
		errors.Is(err, dispute.ErrAlreadyRequested),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, resolution.ErrNotReady),
		errors.Is(err, resolution.ErrAlreadyRequested),
		errors.Is(err, resolution.ErrUnknownHandle):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
