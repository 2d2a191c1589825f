// Package captcha verifies anti-automation proof tokens against an
// hCaptcha-compatible siteverify endpoint.
//
// The verifier fails closed: if the verification service is down or
// times out, the claim is rejected, never waved through. The shared
// secret is sent only to the verification endpoint and must never
// appear in logs, errors or responses.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrMissingToken means the client supplied no proof token. No
	// network call is made in this case.
	ErrMissingToken = errors.New("captcha token missing")

	// ErrUnavailable means the verification service could not be
	// reached or answered malformed. Treated as rejection.
	ErrUnavailable = errors.New("captcha verification unavailable")
)

// Result is the verification outcome for a presented token.
type Result struct {
	Accepted bool
	// Reasons carries the service's diagnostic codes on rejection.
	Reasons []string
}

// Verifier calls the external verification service.
type Verifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

// DefaultEndpoint is the public hCaptcha verification endpoint.
const DefaultEndpoint = "https://api.hcaptcha.com/siteverify"

// New creates a Verifier. An empty endpoint selects DefaultEndpoint;
// timeout bounds the whole verification round trip.
func New(endpoint, secret string, timeout time.Duration) *Verifier {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
	}
}

// siteverifyResponse is the wire format of the verification service.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks the proof token. remoteIP is a caller-origin hint
// forwarded to the service; it may be empty.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) (*Result, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		// Deliberately do not include the request in the error: the
		// form body carries the secret.
		return nil, fmt.Errorf("%w: request failed", ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: malformed response", ErrUnavailable)
	}

	return &Result{Accepted: body.Success, Reasons: body.ErrorCodes}, nil
}
