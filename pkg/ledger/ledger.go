// Package ledger is the durable cooldown ledger: one record per
// recipient identity holding the epoch of its last successful
// disbursement. It is the single source of truth for "already claimed"
// and survives process restart.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrCooldownActive is returned by CommitClaim when a record inside the
// cooldown window already exists, including the case where a concurrent
// claim won the commit race.
var ErrCooldownActive = errors.New("cooldown active for identity")

// Record is one ledger row.
type Record struct {
	Identity       string `json:"identity"`
	LastClaimEpoch int64  `json:"last_claim_epoch"`
}

// Storage is the ledger contract. Implementations must make CommitClaim
// atomic with respect to concurrent commits for the same identity: the
// read-decide-write is a single conditional upsert, never a separate
// read followed by a write.
type Storage interface {
	// LastClaim returns the last successful claim epoch for the
	// identity. ok is false when no record exists.
	LastClaim(ctx context.Context, identity string) (epoch int64, ok bool, err error)

	// CommitClaim writes the claim timestamp if and only if no record
	// exists or the existing record is older than now minus the
	// cooldown. Returns ErrCooldownActive when the condition fails.
	CommitClaim(ctx context.Context, identity string, now time.Time, cooldown time.Duration) error

	// Recent returns up to limit records, most recent first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Reset clears the entire ledger. Administrative use only.
	Reset(ctx context.Context) error

	Close() error
}

// Allowed reports whether a claim at now clears the cooldown given the
// last recorded epoch. Callers use it for the cheap precheck; the
// authoritative decision is CommitClaim's conditional upsert.
func Allowed(lastEpoch int64, ok bool, now time.Time, cooldown time.Duration) bool {
	if !ok {
		return true
	}
	return now.Unix()-lastEpoch > int64(cooldown/time.Second)
}

// Remaining returns the wait until the cooldown clears. Zero when the
// claim would be allowed.
func Remaining(lastEpoch int64, now time.Time, cooldown time.Duration) time.Duration {
	elapsed := time.Duration(now.Unix()-lastEpoch) * time.Second
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}
