// Package address validates Nexa recipient addresses.
//
// Validation is purely syntactic: network prefix, payload charset and
// payload length. It performs no I/O and has no side effects; anything
// beyond syntax (checksum, existence) is the wallet agent's problem.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned for any syntactically invalid address.
var ErrInvalidAddress = errors.New("invalid nexa address")

// Prefix is the required network prefix for mainnet addresses.
const Prefix = "nexa:"

// Payload is base32-style: letters and digits, 48 to 90 characters.
// Case-insensitive, matching observed wallet output.
var payloadPattern = regexp.MustCompile(`^[a-z0-9]{48,90}$`)

// Validate checks a raw address string. It returns nil for a
// well-formed address and an error wrapping ErrInvalidAddress otherwise.
func Validate(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, Prefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrInvalidAddress, Prefix)
	}
	payload := lower[len(Prefix):]
	if !payloadPattern.MatchString(payload) {
		return fmt.Errorf("%w: malformed payload", ErrInvalidAddress)
	}
	return nil
}

// Normalize returns the canonical (lower-case) form of a valid address.
// The ledger keys on the normalized form so that case variants of one
// address share a single cooldown record.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Truncate shortens an address for public display in the activity feed.
func Truncate(addr string) string {
	const visible = 12
	if len(addr) <= visible {
		return addr
	}
	return addr[:visible] + "..."
}
