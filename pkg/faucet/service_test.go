package faucet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicegrid/nexa-faucet/pkg/captcha"
	"github.com/devicegrid/nexa-faucet/pkg/ledger"
	"github.com/devicegrid/nexa-faucet/pkg/ratelimit"
	"github.com/devicegrid/nexa-faucet/pkg/wallet"
)

// fakeAgent is a scriptable disbursement agent.
type fakeAgent struct {
	mu         sync.Mutex
	balance    int64
	balanceErr error
	sendErr    error
	sends      int
}

func (a *fakeAgent) Balance(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, a.balanceErr
}

func (a *fakeAgent) Send(ctx context.Context, to string, amount int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.sends++
	return "txid-0001", nil
}

func (a *fakeAgent) Address(ctx context.Context) (string, error) {
	return "nexa:treasury", nil
}

func (a *fakeAgent) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sends
}

// fakeVerifier is a scriptable captcha verifier. Claims run
// concurrently, so the call counter is guarded like fakeAgent's state.
type fakeVerifier struct {
	mu      sync.Mutex
	err     error
	accept  bool
	reasons []string
	calls   int
}

func (v *fakeVerifier) Verify(ctx context.Context, token, remoteIP string) (*captcha.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if strings.TrimSpace(token) == "" {
		return nil, captcha.ErrMissingToken
	}
	if v.err != nil {
		return nil, v.err
	}
	return &captcha.Result{Accepted: v.accept, Reasons: v.reasons}, nil
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type harness struct {
	svc      *Service
	store    *ledger.SQLiteStorage
	agent    *fakeAgent
	verifier *fakeVerifier
	now      *time.Time
}

const testCooldown = 24 * time.Hour

func newHarness(t *testing.T, rl ratelimit.Config) *harness {
	t.Helper()
	store, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Unix(1_700_000_000, 0)
	h := &harness{
		store:    store,
		agent:    &fakeAgent{balance: 10_000_000},
		verifier: &fakeVerifier{accept: true},
		now:      &now,
	}

	limiter := ratelimit.New(rl).WithClock(func() time.Time { return *h.now })
	t.Cleanup(limiter.Close)

	svc, err := New(Config{CooldownPeriod: testCooldown, Amount: 100_000},
		store, limiter, h.verifier, h.agent, nil)
	require.NoError(t, err)
	h.svc = svc.WithClock(func() time.Time { return *h.now })
	return h
}

func defaultRL() ratelimit.Config {
	return ratelimit.Config{Window: time.Hour, MaxPerOrigin: 100, MaxPerIdentity: 100}
}

func validReq() ClaimRequest {
	return ClaimRequest{
		Address:      "nexa:" + strings.Repeat("q", 48),
		Origin:       "203.0.113.7",
		CaptchaToken: "good-token",
	}
}

func code(t *testing.T, err error) Code {
	t.Helper()
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	return ferr.Code
}

func TestClaimSucceedsAndCommits(t *testing.T) {
	h := newHarness(t, defaultRL())
	ctx := context.Background()

	receipt, err := h.svc.Claim(ctx, validReq())
	require.NoError(t, err)
	assert.Equal(t, "txid-0001", receipt.TxID)
	assert.Equal(t, int64(100_000), receipt.Amount)

	epoch, ok, err := h.store.LastClaim(ctx, receipt.Address)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, h.now.Unix(), epoch)
}

// Scenario: claim at t0 succeeds, t0+1s hits the cooldown, and
// t0+cooldown+1s succeeds again.
func TestClaimCooldownCycle(t *testing.T) {
	h := newHarness(t, defaultRL())
	ctx := context.Background()

	_, err := h.svc.Claim(ctx, validReq())
	require.NoError(t, err)

	*h.now = h.now.Add(time.Second)
	_, err = h.svc.Claim(ctx, validReq())
	assert.Equal(t, CodeCooldownActive, code(t, err))

	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Greater(t, ferr.RetryAfter, time.Duration(0), "cooldown rejection carries time remaining")

	*h.now = h.now.Add(testCooldown)
	_, err = h.svc.Claim(ctx, validReq())
	require.NoError(t, err)
	assert.Equal(t, 2, h.agent.sendCount())
}

// Scenario: malformed address fails validation with no ledger write and
// no send.
func TestClaimMalformedAddress(t *testing.T) {
	h := newHarness(t, defaultRL())
	ctx := context.Background()

	req := validReq()
	req.Address = "not-an-address"
	_, err := h.svc.Claim(ctx, req)
	assert.Equal(t, CodeValidation, code(t, err))
	assert.Equal(t, 0, h.agent.sendCount())
	assert.Equal(t, 0, h.verifier.callCount(), "validation failure precedes the verifier")

	records, err2 := h.store.Recent(ctx, 10)
	require.NoError(t, err2)
	assert.Empty(t, records)
}

// Scenario: captcha rejection leaves the ledger and the identity rate
// window untouched; the origin window still counted the attempt.
func TestClaimCaptchaRejected(t *testing.T) {
	h := newHarness(t, ratelimit.Config{Window: time.Hour, MaxPerOrigin: 2, MaxPerIdentity: 1})
	ctx := context.Background()

	h.verifier.accept = false
	h.verifier.reasons = []string{"invalid-input-response"}

	_, err := h.svc.Claim(ctx, validReq())
	assert.Equal(t, CodeCaptchaFailed, code(t, err))
	assert.Equal(t, 0, h.agent.sendCount())

	// Identity window untouched: a corrected claim goes through even
	// with MaxPerIdentity=1.
	h.verifier.accept = true
	_, err = h.svc.Claim(ctx, validReq())
	require.NoError(t, err)

	// Origin window counted both attempts: MaxPerOrigin=2 is spent.
	req := validReq()
	req.Address = "nexa:" + strings.Repeat("z", 48)
	_, err = h.svc.Claim(ctx, req)
	assert.Equal(t, CodeRateLimited, code(t, err))
}

func TestClaimMissingCaptchaToken(t *testing.T) {
	h := newHarness(t, defaultRL())

	req := validReq()
	req.CaptchaToken = ""
	_, err := h.svc.Claim(context.Background(), req)
	assert.Equal(t, CodeValidation, code(t, err))
}

func TestClaimVerifierDownFailsClosed(t *testing.T) {
	h := newHarness(t, defaultRL())
	h.verifier.err = captcha.ErrUnavailable

	_, err := h.svc.Claim(context.Background(), validReq())
	assert.Equal(t, CodeVerificationUnavailable, code(t, err))
	assert.Equal(t, 0, h.agent.sendCount())
}

// Scenario: all gates pass but the treasury cannot cover the amount.
func TestClaimInsufficientTreasury(t *testing.T) {
	h := newHarness(t, defaultRL())
	h.agent.balance = 99_999

	_, err := h.svc.Claim(context.Background(), validReq())
	assert.Equal(t, CodeInsufficientTreasury, code(t, err))
	assert.Equal(t, 0, h.agent.sendCount())

	records, err2 := h.store.Recent(context.Background(), 10)
	require.NoError(t, err2)
	assert.Empty(t, records, "no ledger write on insufficient treasury")
}

func TestClaimTreasuryUnavailable(t *testing.T) {
	h := newHarness(t, defaultRL())
	h.agent.balanceErr = wallet.ErrUnavailable

	_, err := h.svc.Claim(context.Background(), validReq())
	assert.Equal(t, CodeTreasuryUnavailable, code(t, err))
}

func TestClaimSendFailureDoesNotCommit(t *testing.T) {
	h := newHarness(t, defaultRL())
	h.agent.sendErr = &wallet.SendError{Status: 422, Message: "dust output"}
	ctx := context.Background()

	_, err := h.svc.Claim(ctx, validReq())
	assert.Equal(t, CodeDisbursementFailed, code(t, err))

	_, ok, err2 := h.store.LastClaim(ctx, validReq().Address)
	require.NoError(t, err2)
	assert.False(t, ok, "failed send must not mark the claim as used")

	// The agent recovers; the claim is immediately possible again.
	h.agent.sendErr = nil
	_, err = h.svc.Claim(ctx, validReq())
	require.NoError(t, err)
}

func TestClaimSendUncertainWithholdsCommit(t *testing.T) {
	h := newHarness(t, defaultRL())
	h.agent.sendErr = wallet.ErrSendUncertain
	ctx := context.Background()

	_, err := h.svc.Claim(ctx, validReq())
	assert.Equal(t, CodeDisbursementUncertain, code(t, err))

	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.True(t, ferr.Operator(), "uncertain outcomes are operator-only detail")

	_, ok, err2 := h.store.LastClaim(ctx, validReq().Address)
	require.NoError(t, err2)
	assert.False(t, ok, "uncertain send must not commit the cooldown")
}

// Rate limiter property: the (max+1)-th claim from one origin within a
// window is rejected regardless of identity.
func TestClaimOriginRateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.Config{Window: time.Hour, MaxPerOrigin: 3, MaxPerIdentity: 100})
	ctx := context.Background()

	letters := []string{"a", "b", "c", "d"}
	for i, l := range letters {
		req := validReq()
		req.Address = "nexa:" + strings.Repeat(l, 48)
		_, err := h.svc.Claim(ctx, req)
		if i < 3 {
			require.NoError(t, err, "claim %d within origin limit", i)
		} else {
			assert.Equal(t, CodeRateLimited, code(t, err))
		}
	}
}

// Concurrency property: fully concurrent claims for one identity yield
// exactly one committed disbursement; every other outcome is a
// throttle, never a second send that commits.
func TestConcurrentClaimsSingleCommit(t *testing.T) {
	h := newHarness(t, ratelimit.Config{Window: time.Hour, MaxPerOrigin: 1000, MaxPerIdentity: 1})
	ctx := context.Background()

	const claims = 24
	var wg sync.WaitGroup
	outcomes := make(chan error, claims)
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Claim(ctx, validReq())
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	committed := 0
	for err := range outcomes {
		if err == nil {
			committed++
			continue
		}
		var ferr *Error
		require.ErrorAs(t, err, &ferr)
		assert.Contains(t, []Code{CodeRateLimited, CodeCooldownActive}, ferr.Code)
	}
	assert.Equal(t, 1, committed, "exactly one concurrent claim may commit")
	assert.GreaterOrEqual(t, h.verifier.callCount(), 1, "at least the winner reached the verifier")
}

// staleReadStore hides the record from the first cooldown read,
// reproducing the window where a concurrent claim commits between the
// precheck and the conditional upsert.
type staleReadStore struct {
	ledger.Storage
	mu    sync.Mutex
	reads int
}

func (s *staleReadStore) LastClaim(ctx context.Context, identity string) (int64, bool, error) {
	s.mu.Lock()
	s.reads++
	first := s.reads == 1
	s.mu.Unlock()
	if first {
		return 0, false, nil
	}
	return s.Storage.LastClaim(ctx, identity)
}

// Scenario: the commit loses the cooldown race after a successful send.
// The rejection's retry hint must reflect the winner's record, not the
// full cooldown period.
func TestCommitRaceRetryAfterReflectsWinner(t *testing.T) {
	inner, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	winner := now.Add(-time.Hour)
	require.NoError(t, inner.CommitClaim(ctx, validReq().Address, winner, testCooldown))

	limiter := ratelimit.New(defaultRL()).WithClock(func() time.Time { return now })
	t.Cleanup(limiter.Close)

	svc, err := New(Config{CooldownPeriod: testCooldown, Amount: 100_000},
		&staleReadStore{Storage: inner}, limiter,
		&fakeVerifier{accept: true}, &fakeAgent{balance: 10_000_000}, nil)
	require.NoError(t, err)
	svc = svc.WithClock(func() time.Time { return now })

	_, err = svc.Claim(ctx, validReq())
	assert.Equal(t, CodeCooldownActive, code(t, err))

	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, testCooldown-time.Hour, ferr.RetryAfter,
		"retry hint comes from the winner's record")
}

func TestTreasuryAndRecent(t *testing.T) {
	h := newHarness(t, defaultRL())
	ctx := context.Background()

	status, err := h.svc.Treasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), status.Available)
	assert.Equal(t, "nexa:treasury", status.Address)

	_, err = h.svc.Claim(ctx, validReq())
	require.NoError(t, err)

	activities, err := h.svc.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, validReq().Address, activities[0].Address)
	assert.Equal(t, "nexa:qqqqqqq...", activities[0].ShortAddress)
	assert.Equal(t, h.now.Unix(), activities[0].LastClaimEpoch)
}

func TestResetCooldowns(t *testing.T) {
	h := newHarness(t, defaultRL())
	ctx := context.Background()

	_, err := h.svc.Claim(ctx, validReq())
	require.NoError(t, err)

	*h.now = h.now.Add(time.Second)
	_, err = h.svc.Claim(ctx, validReq())
	assert.Equal(t, CodeCooldownActive, code(t, err))

	require.NoError(t, h.svc.ResetCooldowns(ctx))

	_, err = h.svc.Claim(ctx, validReq())
	require.NoError(t, err)
}

func TestClaimRejectsWhenStoreFailsClosed(t *testing.T) {
	h := newHarness(t, defaultRL())
	require.NoError(t, h.store.Close())

	_, err := h.svc.Claim(context.Background(), validReq())
	assert.Equal(t, CodeStorage, code(t, err))
	assert.Equal(t, 0, h.agent.sendCount())
}

func TestNewValidatesWiring(t *testing.T) {
	_, err := New(Config{CooldownPeriod: time.Hour, Amount: 1}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestErrorFormatting(t *testing.T) {
	err := reject(CodeCaptchaFailed, "captcha rejected: [bad]", errors.New("cause"))
	assert.Equal(t, "captcha_failed: captcha rejected: [bad]", err.Error())
	assert.False(t, err.Operator())
	assert.True(t, reject(CodeStorage, "", nil).Operator())
}
