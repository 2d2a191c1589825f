package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/devicegrid/nexa-faucet/pkg/faucet"
	"github.com/devicegrid/nexa-faucet/pkg/nexa"
)

// Service is the faucet surface the API exposes. Implemented by
// faucet.Service.
type Service interface {
	Claim(ctx context.Context, req faucet.ClaimRequest) (*faucet.Receipt, error)
	Treasury(ctx context.Context) (*faucet.TreasuryStatus, error)
	Recent(ctx context.Context) ([]faucet.Activity, error)
	ResetCooldowns(ctx context.Context) error
}

// Config configures the HTTP layer.
type Config struct {
	CORSOrigins    []string
	AdminJWTSecret string
	HTTPRateRPS    int
	HTTPRateBurst  int
}

// Server routes faucet operations and translates typed pipeline
// outcomes into HTTP statuses.
type Server struct {
	svc     Service
	cfg     Config
	limiter *IPRateLimiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer builds the router with its middleware stack.
func NewServer(svc Service, cfg Config) *Server {
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		limiter: NewIPRateLimiter(cfg.HTTPRateRPS, cfg.HTTPRateBurst),
		logger:  slog.Default().With("component", "api"),
		mux:     http.NewServeMux(),
	}

	adminAuth := AdminAuthMiddleware(cfg.AdminJWTSecret)

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/faucet/claim", s.handleClaim)
	s.mux.HandleFunc("/v1/faucet/balance", s.handleBalance)
	s.mux.HandleFunc("/v1/faucet/transactions", s.handleTransactions)
	s.mux.Handle("/v1/admin/reset-cooldowns", adminAuth(http.HandlerFunc(s.handleResetCooldowns)))
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.limiter.Middleware(h)
	h = CORSMiddleware(s.cfg.CORSOrigins)(h)
	h = LoggingMiddleware(s.logger)(h)
	h = RequestIDMiddleware(h)
	return h
}

// Close releases middleware resources.
func (s *Server) Close() {
	s.limiter.Close()
}

type claimRequest struct {
	Address      string `json:"address"`
	CaptchaToken string `json:"captcha_token"`
}

type claimResponse struct {
	TxID       string `json:"txid"`
	Amount     int64  `json:"amount"`
	AmountNEXA string `json:"amount_nexa"`
	Address    string `json:"address"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	receipt, err := s.svc.Claim(r.Context(), faucet.ClaimRequest{
		Address:      req.Address,
		Origin:       ClientIP(r),
		CaptchaToken: req.CaptchaToken,
	})
	if err != nil {
		s.writeClaimError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{
		TxID:       receipt.TxID,
		Amount:     receipt.Amount,
		AmountNEXA: nexa.FormatNEXA(receipt.Amount),
		Address:    receipt.Address,
	})
}

// writeClaimError maps the pipeline's typed outcomes onto the HTTP
// contract. Operator-only failures get a generic body; the cause is
// already in the logs.
func (s *Server) writeClaimError(w http.ResponseWriter, r *http.Request, err error) {
	var ferr *faucet.Error
	if !errors.As(err, &ferr) {
		WriteInternal(w, r, err)
		return
	}

	switch ferr.Code {
	case faucet.CodeValidation:
		WriteBadRequest(w, r, ferr.Detail)
	case faucet.CodeCaptchaFailed:
		WriteForbidden(w, r, ferr.Detail)
	case faucet.CodeRateLimited:
		WriteTooManyRequests(w, r, "Too Many Requests", ferr.Detail, retrySecs(ferr.RetryAfter))
	case faucet.CodeCooldownActive:
		WriteTooManyRequests(w, r, "Cooldown Active", ferr.Detail, retrySecs(ferr.RetryAfter))
	case faucet.CodeVerificationUnavailable:
		WriteServiceUnavailable(w, r, "Verification Unavailable", ferr.Detail)
	case faucet.CodeTreasuryUnavailable:
		WriteServiceUnavailable(w, r, "Treasury Unavailable", ferr.Detail)
	case faucet.CodeInsufficientTreasury:
		WriteServiceUnavailable(w, r, "Insufficient Treasury", ferr.Detail)
	default:
		// disbursement_failed, disbursement_uncertain, storage_error
		WriteInternal(w, r, ferr)
	}
}

func retrySecs(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

type balanceResponse struct {
	Available     int64  `json:"available"`
	AvailableNEXA string `json:"available_nexa"`
	Address       string `json:"address"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	status, err := s.svc.Treasury(r.Context())
	if err != nil {
		WriteServiceUnavailable(w, r, "Treasury Unavailable", "Could not query the treasury")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Available:     status.Available,
		AvailableNEXA: nexa.FormatNEXA(status.Available),
		Address:       status.Address,
	})
}

type transactionsResponse struct {
	Transactions []faucet.Activity `json:"transactions"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	activities, err := s.svc.Recent(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if activities == nil {
		activities = []faucet.Activity{}
	}
	writeJSON(w, http.StatusOK, transactionsResponse{Transactions: activities})
}

func (s *Server) handleResetCooldowns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	if err := s.svc.ResetCooldowns(r.Context()); err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
