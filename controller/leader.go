package controller

import (
	"context"
	"fmt"
	"time"

	"wikimetrics.dev/usermetrics/broker"
)

// leaderKey is the well-known cache-target key a controller instance holds
// to claim exclusive ownership of the request/process/response pipeline.
// spec.md §9 leaves "what happens with multiple controllers" open; rather
// than building full leader election, a single lease key with a TTL is
// enough to forbid two controllers from ever popping the same request
// concurrently.
const leaderKey = "controller-leader"

// leaseRecord is the value stored under leaderKey.
type leaseRecord struct {
	HolderID  string
	ExpiresAt time.Time
}

func (l leaseRecord) String() string {
	return fmt.Sprintf("%s@%s", l.HolderID, l.ExpiresAt.Format(time.RFC3339Nano))
}

// parseLease splits the last '@' in s, since holderID itself never
// contains one.
func parseLease(s string) (leaseRecord, bool) {
	at := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return leaseRecord{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s[at+1:])
	if err != nil {
		return leaseRecord{}, false
	}
	return leaseRecord{HolderID: s[:at], ExpiresAt: t}, true
}

// AcquireLeadership claims the controller lease under holderID, valid for
// ttl. It succeeds if no lease exists, the existing lease has expired, or
// the caller already holds it; it fails if a live lease is held by another
// ID, so a second controller process started against the same broker
// refuses to run rather than racing the first for the same fingerprints.
func AcquireLeadership(ctx context.Context, store broker.Store, holderID string, ttl time.Duration) error {
	now := time.Now()
	existing, err := store.Get(ctx, broker.TargetCache, leaderKey)
	if err != nil && err != broker.ErrAbsent {
		return fmt.Errorf("controller: read leader lease: %w", err)
	}

	lease := leaseRecord{HolderID: holderID, ExpiresAt: now.Add(ttl)}

	if err == broker.ErrAbsent {
		return store.Add(ctx, broker.TargetCache, leaderKey, lease.String())
	}

	prev, ok := parseLease(existing)
	if ok && prev.HolderID != holderID && now.Before(prev.ExpiresAt) {
		return fmt.Errorf("controller: lease held by %q until %s", prev.HolderID, prev.ExpiresAt.Format(time.RFC3339))
	}
	return store.Update(ctx, broker.TargetCache, leaderKey, lease.String())
}

// RenewLeadership refreshes holderID's lease. Called periodically by a
// running controller so a crashed instance's lease expires and lets a
// replacement take over.
func RenewLeadership(ctx context.Context, store broker.Store, holderID string, ttl time.Duration) error {
	return AcquireLeadership(ctx, store, holderID, ttl)
}
