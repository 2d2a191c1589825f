// Package faucet is the disbursement orchestrator: one sequential
// decision pipeline per claim, composing the address validator, the
// rate limiter, the cooldown ledger, the captcha verifier and the
// wallet agent.
//
// Stage order is fixed: cheapest, local checks run before external
// calls (validation, origin rate limit, cooldown read), then captcha
// verification, then the identity rate limit, then the two treasury
// interactions. A captcha rejection therefore never charges the
// identity's rate window, while the origin window already counted the
// attempt. The first failing stage determines the outcome and nothing
// after it runs.
package faucet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicegrid/nexa-faucet/pkg/address"
	"github.com/devicegrid/nexa-faucet/pkg/captcha"
	"github.com/devicegrid/nexa-faucet/pkg/ledger"
	"github.com/devicegrid/nexa-faucet/pkg/nexa"
	"github.com/devicegrid/nexa-faucet/pkg/wallet"
)

// Agent is the disbursement agent surface the orchestrator needs.
// Implemented by wallet.Client.
type Agent interface {
	Balance(ctx context.Context) (int64, error)
	Send(ctx context.Context, to string, amount int64) (string, error)
	Address(ctx context.Context) (string, error)
}

// Verifier is the anti-automation check. Implemented by captcha.Verifier.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*captcha.Result, error)
}

// Limiter is the ephemeral rate limiter. Implemented by
// ratelimit.SlidingLimiter.
type Limiter interface {
	AllowOrigin(origin string) (bool, time.Duration)
	AllowIdentity(identity string) (bool, time.Duration)
}

// MetricsRecorder counts claim outcomes. Implemented by
// observability.Metrics; a nil recorder disables metrics.
type MetricsRecorder interface {
	ClaimOutcome(ctx context.Context, outcome string)
}

// Config carries the fixed gating parameters. Amounts are satoshis;
// the disbursed amount is configuration, never request data.
type Config struct {
	CooldownPeriod time.Duration
	Amount         int64
	RecentLimit    int
}

// ClaimRequest is one inbound claim. Origin is the caller-side
// identifier used for per-origin limiting (client IP), distinct from
// the claimed address.
type ClaimRequest struct {
	Address      string
	Origin       string
	CaptchaToken string
}

// Receipt is a successful disbursement outcome.
type Receipt struct {
	Address   string    `json:"address"`
	Amount    int64     `json:"amount"`
	TxID      string    `json:"txid"`
	Timestamp time.Time `json:"timestamp"`
}

// TreasuryStatus is the public balance view.
type TreasuryStatus struct {
	Available int64  `json:"available"`
	Address   string `json:"address"`
}

// Activity is one row of the public recent-claims feed.
type Activity struct {
	Address        string `json:"address"`
	ShortAddress   string `json:"short_address"`
	LastClaimEpoch int64  `json:"last_claim_epoch"`
}

// Service owns its dependencies explicitly; there is no ambient global
// state. Construct once and share.
type Service struct {
	cfg      Config
	store    ledger.Storage
	limiter  Limiter
	verifier Verifier
	agent    Agent
	metrics  MetricsRecorder
	logger   *slog.Logger
	clock    func() time.Time
}

// New wires the orchestrator. metrics may be nil.
func New(cfg Config, store ledger.Storage, limiter Limiter, verifier Verifier, agent Agent, metrics MetricsRecorder) (*Service, error) {
	if store == nil || limiter == nil || verifier == nil || agent == nil {
		return nil, errors.New("faucet: store, limiter, verifier and agent are required")
	}
	if cfg.CooldownPeriod <= 0 {
		return nil, errors.New("faucet: cooldown period must be positive")
	}
	if cfg.Amount <= 0 {
		return nil, errors.New("faucet: disbursement amount must be positive")
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 5
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		verifier: verifier,
		agent:    agent,
		metrics:  metrics,
		logger:   slog.Default().With("component", "faucet"),
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Claim runs the full gating pipeline and, on success, the
// disbursement and ledger commit. Every failure is a *Error.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*Receipt, error) {
	receipt, err := s.claim(ctx, req)
	s.record(ctx, err)
	return receipt, err
}

func (s *Service) claim(ctx context.Context, req ClaimRequest) (*Receipt, error) {
	// Validated
	if err := address.Validate(req.Address); err != nil {
		return nil, reject(CodeValidation, err.Error(), err)
	}
	identity := address.Normalize(req.Address)

	// RateChecked (origin)
	if ok, retry := s.limiter.AllowOrigin(req.Origin); !ok {
		return nil, throttle(CodeRateLimited, "too many requests from this origin", retry)
	}

	// CooldownChecked (cheap read; the commit below is authoritative)
	now := s.clock()
	lastEpoch, seen, err := s.store.LastClaim(ctx, identity)
	if err != nil {
		s.logger.Error("cooldown read failed", "identity", identity, "error", err)
		return nil, reject(CodeStorage, "ledger unavailable", err)
	}
	if !ledger.Allowed(lastEpoch, seen, now, s.cfg.CooldownPeriod) {
		remaining := ledger.Remaining(lastEpoch, now, s.cfg.CooldownPeriod)
		return nil, throttle(CodeCooldownActive,
			fmt.Sprintf("already claimed; retry in %s", remaining.Round(time.Minute)), remaining)
	}

	// Verified
	result, err := s.verifier.Verify(ctx, req.CaptchaToken, req.Origin)
	switch {
	case errors.Is(err, captcha.ErrMissingToken):
		return nil, reject(CodeValidation, "captcha token required", err)
	case err != nil:
		s.logger.Warn("captcha verification unavailable", "error", err)
		return nil, reject(CodeVerificationUnavailable, "captcha verification unavailable", err)
	case !result.Accepted:
		return nil, reject(CodeCaptchaFailed,
			fmt.Sprintf("captcha rejected: %v", result.Reasons), nil)
	}

	// RateChecked (identity; after captcha so a failed captcha never
	// charges the identity window)
	if ok, retry := s.limiter.AllowIdentity(identity); !ok {
		return nil, throttle(CodeRateLimited, "too many requests for this address", retry)
	}

	// BalanceChecked (fresh snapshot, never cached)
	available, err := s.agent.Balance(ctx)
	if err != nil {
		s.logger.Error("treasury balance query failed", "error", err)
		return nil, reject(CodeTreasuryUnavailable, "treasury unavailable", err)
	}
	if available < s.cfg.Amount {
		s.logger.Warn("treasury underfunded", "available", available, "required", s.cfg.Amount)
		return nil, reject(CodeInsufficientTreasury, "faucet is out of funds", nil)
	}

	// Disbursing
	txid, err := s.agent.Send(ctx, identity, s.cfg.Amount)
	if err != nil {
		var sendErr *wallet.SendError
		if errors.As(err, &sendErr) {
			s.logger.Error("disbursement rejected by agent", "identity", identity, "error", err)
			return nil, reject(CodeDisbursementFailed, "could not send transaction", err)
		}
		// Ambiguous: the transfer may have been broadcast. The ledger
		// commit is deliberately withheld so a failed claim is never
		// marked as used; operators reconcile against the treasury.
		s.logger.Error("disbursement outcome uncertain, manual review required",
			"identity", identity, "amount", s.cfg.Amount, "error", err)
		return nil, reject(CodeDisbursementUncertain, "disbursement outcome unknown", err)
	}

	// Committed: conditional upsert is the race-free cooldown decision.
	if err := s.store.CommitClaim(ctx, identity, now, s.cfg.CooldownPeriod); err != nil {
		if errors.Is(err, ledger.ErrCooldownActive) {
			// A concurrent claim won the window between our precheck
			// and this commit. Re-read the winner's epoch so the retry
			// hint reflects the actual remaining wait.
			s.logger.Warn("commit lost cooldown race after send",
				"identity", identity, "txid", txid)
			retry := s.cfg.CooldownPeriod
			if epoch, ok, rerr := s.store.LastClaim(ctx, identity); rerr == nil && ok {
				retry = ledger.Remaining(epoch, now, s.cfg.CooldownPeriod)
			}
			return nil, throttle(CodeCooldownActive, "already claimed", retry)
		}
		s.logger.Error("ledger commit failed after send",
			"identity", identity, "txid", txid, "error", err)
		return nil, reject(CodeStorage, "ledger unavailable", err)
	}

	s.logger.Info("disbursement committed",
		"identity", identity,
		"amount", s.cfg.Amount,
		"amount_nexa", nexa.FormatNEXA(s.cfg.Amount),
		"txid", txid)

	return &Receipt{
		Address:   identity,
		Amount:    s.cfg.Amount,
		TxID:      txid,
		Timestamp: now,
	}, nil
}

// Treasury returns a fresh balance snapshot and the faucet's address.
func (s *Service) Treasury(ctx context.Context) (*TreasuryStatus, error) {
	available, err := s.agent.Balance(ctx)
	if err != nil {
		return nil, reject(CodeTreasuryUnavailable, "treasury unavailable", err)
	}
	addr, err := s.agent.Address(ctx)
	if err != nil {
		return nil, reject(CodeTreasuryUnavailable, "treasury unavailable", err)
	}
	return &TreasuryStatus{Available: available, Address: addr}, nil
}

// Recent is the read-only activity projection over the cooldown
// ledger. It is display-only and not part of the gating contract.
func (s *Service) Recent(ctx context.Context) ([]Activity, error) {
	records, err := s.store.Recent(ctx, s.cfg.RecentLimit)
	if err != nil {
		return nil, reject(CodeStorage, "ledger unavailable", err)
	}
	activities := make([]Activity, 0, len(records))
	for _, r := range records {
		activities = append(activities, Activity{
			Address:        r.Identity,
			ShortAddress:   address.Truncate(r.Identity),
			LastClaimEpoch: r.LastClaimEpoch,
		})
	}
	return activities, nil
}

// ResetCooldowns clears the whole ledger. Privileged operation; access
// control happens at the API layer.
func (s *Service) ResetCooldowns(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return reject(CodeStorage, "ledger unavailable", err)
	}
	s.logger.Warn("cooldown ledger reset by administrator")
	return nil
}

// Amount returns the configured per-claim disbursement in satoshis.
func (s *Service) Amount() int64 { return s.cfg.Amount }

func (s *Service) record(ctx context.Context, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "committed"
	var ferr *Error
	if errors.As(err, &ferr) {
		outcome = string(ferr.Code)
	} else if err != nil {
		outcome = string(CodeStorage)
	}
	s.metrics.ClaimOutcome(ctx, outcome)
}
