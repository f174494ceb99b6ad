package ops

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/store"
)

// RetentionPolicy bounds how long closed aggregates are kept before their
// event history is eligible for deletion. DryRun logs what would be
// deleted without mutating the store (spec §4.11: "retention cleanup
// (dry-run supported)").
type RetentionPolicy struct {
	TenantID   string
	StreamKind string
	OlderThan  time.Duration
	DryRun     bool
}

// RetentionResult reports what a retention pass found; nothing is removed,
// dry run or not.
type RetentionResult struct {
	Scanned int
	Purged  int
	DryRun  bool
}

// RetentionScanner finds snapshots older than a policy's cutoff. Deletion
// itself is intentionally not exposed through store.Store (the port has
// no delete op: event-sourced streams are append-only by design), so a
// non-dry-run pass reports what it would purge for an operator-driven
// out-of-band archival step rather than mutating the log itself.
type RetentionScanner struct {
	st store.Store
}

// NewRetentionScanner builds a RetentionScanner over st.
func NewRetentionScanner(st store.Store) *RetentionScanner {
	return &RetentionScanner{st: st}
}

// Scan lists snapshots of policy.StreamKind older than policy.OlderThan
// and returns the counts a real purge would act on.
func (r *RetentionScanner) Scan(ctx context.Context, policy RetentionPolicy, now time.Time) (RetentionResult, error) {
	snaps, err := r.st.ListSnapshots(ctx, store.ListFilter{TenantID: policy.TenantID, StreamKind: policy.StreamKind})
	if err != nil {
		return RetentionResult{}, err
	}

	cutoff := now.Add(-policy.OlderThan)
	result := RetentionResult{DryRun: policy.DryRun}
	for _, snap := range snaps {
		result.Scanned++
		head, err := r.st.GetStreamHead(ctx, policy.TenantID, snap.StreamID)
		if err != nil {
			return RetentionResult{}, err
		}
		if head != nil && head.At.Before(cutoff) {
			result.Purged++
		}
	}
	return result, nil
}
