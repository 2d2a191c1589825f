package faucet

import (
	"fmt"
	"time"
)

// Code identifies the stage outcome that terminated a claim. The API
// layer maps codes onto HTTP statuses; the set is closed.
type Code string

const (
	CodeValidation              Code = "validation_error"
	CodeCaptchaFailed           Code = "captcha_failed"
	CodeVerificationUnavailable Code = "verification_unavailable"
	CodeRateLimited             Code = "rate_limit_exceeded"
	CodeCooldownActive          Code = "cooldown_active"
	CodeTreasuryUnavailable     Code = "treasury_unavailable"
	CodeInsufficientTreasury    Code = "insufficient_treasury"
	CodeDisbursementFailed      Code = "disbursement_failed"
	CodeDisbursementUncertain   Code = "disbursement_uncertain"
	CodeStorage                 Code = "storage_error"
)

// Error is a typed claim rejection or failure. Detail is safe to show
// to the caller for user-actionable codes; for operator-only codes
// (storage, uncertain disbursement) the API layer substitutes a generic
// message and the real cause stays in the logs.
type Error struct {
	Code   Code
	Detail string
	// RetryAfter is a wait hint for throttled outcomes; zero when not
	// applicable.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Operator reports whether the error's real cause is for operator eyes
// only and must not be surfaced to the caller.
func (e *Error) Operator() bool {
	switch e.Code {
	case CodeStorage, CodeDisbursementUncertain, CodeDisbursementFailed:
		return true
	}
	return false
}

func reject(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, cause: cause}
}

func throttle(code Code, detail string, retryAfter time.Duration) *Error {
	return &Error{Code: code, Detail: detail, RetryAfter: retryAfter}
}
