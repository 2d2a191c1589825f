// Package wallet is the HTTP client for the disbursement agent: the
// external collaborator that owns custody, signing and broadcast. The
// faucet core only ever queries the balance and asks for a send; keys
// never enter this process.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the agent could not be reached for a
	// read-only query (balance, address).
	ErrUnavailable = errors.New("wallet agent unavailable")

	// ErrSendUncertain means a send was dispatched but the reply never
	// arrived: the transfer may or may not have been broadcast. Callers
	// must not retry automatically and must not mark the claim as used.
	ErrSendUncertain = errors.New("disbursement outcome uncertain")
)

// SendError is a definite, agent-reported send failure. The transfer
// was not broadcast.
type SendError struct {
	Status  int
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("wallet agent rejected send (status %d): %s", e.Status, e.Message)
}

// Client talks JSON over HTTP to the agent.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client for the agent at baseURL. timeout bounds each
// call, including sends.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Confirmed int64  `json:"confirmed"`
	Address   string `json:"address"`
}

// Balance returns the confirmed treasury balance in satoshis. The value
// is a point-in-time snapshot and must not be cached across decisions.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var body balanceResponse
	if err := c.getJSON(ctx, "/v1/balance", &body); err != nil {
		return 0, err
	}
	return body.Confirmed, nil
}

// Address returns the treasury's receiving address, for display on the
// public balance endpoint.
func (c *Client) Address(ctx context.Context) (string, error) {
	var body balanceResponse
	if err := c.getJSON(ctx, "/v1/balance", &body); err != nil {
		return "", err
	}
	return body.Address, nil
}

type sendRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type sendResponse struct {
	TxID  string `json:"txid"`
	Error string `json:"error"`
}

// Send asks the agent to transfer amount satoshis to the given address
// and returns the transaction reference.
//
// Error classes matter here: an agent-reported 4xx rejection
// (*SendError) is definite and safe to surface as a failed claim; a
// transport error, timeout or 5xx reply wraps ErrSendUncertain because
// the transaction may already be in flight on the network.
func (c *Client) Send(ctx context.Context, to string, amount int64) (string, error) {
	payload, err := json.Marshal(sendRequest{To: to, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendUncertain, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// The agent answered, but we cannot tell what happened.
		return "", fmt.Errorf("%w: malformed reply", ErrSendUncertain)
	}

	if resp.StatusCode != http.StatusOK {
		// A 5xx may come from an intermediary rather than the agent
		// itself, so the transfer could still be in flight. Only 4xx is
		// a definite agent-side rejection.
		if resp.StatusCode >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: status %d", ErrSendUncertain, resp.StatusCode)
		}
		msg := body.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", &SendError{Status: resp.StatusCode, Message: msg}
	}
	if body.TxID == "" {
		return "", &SendError{Status: resp.StatusCode, Message: "agent returned no txid"}
	}
	return body.TxID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed reply", ErrUnavailable)
	}
	return nil
}
