package rails

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/canon"
	"github.com/nooterra/settld/internal/store"
)

// Triage row states (spec §4.7 "Reconciliation").
const (
	TriageOpen       = "open"
	TriageInProgress = "in_progress"
	TriageResolved   = "resolved"
)

// ReconcileMismatch is one expected-vs-actual divergence surfaced by the
// reconciler.
type ReconcileMismatch struct {
	MismatchType string `json:"mismatchType"`
	MismatchKey  string `json:"mismatchKey"`
	MismatchCode string `json:"mismatchCode"`
}

type triageKeyInput struct {
	SourceType   string `json:"sourceType"`
	MismatchType string `json:"mismatchType"`
	MismatchKey  string `json:"mismatchKey"`
}

// ComputeTriageKey is the deterministic hash spec §4.7 names:
// `triageKey = hash(sourceType, mismatchType, mismatchKey)`.
func ComputeTriageKey(sourceType string, m ReconcileMismatch) (string, error) {
	return canon.HashOf(triageKeyInput{SourceType: sourceType, MismatchType: m.MismatchType, MismatchKey: m.MismatchKey})
}

// Reconcile compares expected payout amounts (keyed by payoutInstructionId)
// against the amount of every rail op for (tenantId, period, providerId),
// whatever its status, returning one ReconcileMismatch per
// divergence. It does not itself write triage rows — callers feed
// mismatches to UpsertTriage.
func (r *Rails) Reconcile(ctx context.Context, tenantID, providerID, period string, expected map[string]int64) ([]ReconcileMismatch, error) {
	ops, err := r.st.ListRailOps(ctx, store.ListFilter{TenantID: tenantID})
	if err != nil {
		return nil, err
	}

	actual := make(map[string]int64)
	statusByInstruction := make(map[string]string)
	for _, op := range ops {
		if op.ProviderID != providerID {
			continue
		}
		opPeriod, _ := op.State["period"].(string)
		if opPeriod != period {
			continue
		}
		instructionID, _ := op.State["payoutInstructionId"].(string)
		amount, _ := op.State["amountCents"].(float64)
		status, _ := op.State["status"].(string)
		actual[instructionID] = int64(amount)
		statusByInstruction[instructionID] = status
	}

	var mismatches []ReconcileMismatch
	for instructionID, expectedAmount := range expected {
		status, seen := statusByInstruction[instructionID]
		if !seen {
			mismatches = append(mismatches, ReconcileMismatch{MismatchType: "MISSING_RAIL_OP", MismatchKey: instructionID, MismatchCode: "RAILS_MISMATCH_MISSING"})
			continue
		}
		if actual[instructionID] != expectedAmount {
			mismatches = append(mismatches, ReconcileMismatch{MismatchType: "AMOUNT_MISMATCH", MismatchKey: instructionID, MismatchCode: "RAILS_MISMATCH_AMOUNT"})
			continue
		}
		if status == RailOpFailed {
			mismatches = append(mismatches, ReconcileMismatch{MismatchType: "UNEXPECTED_FAILURE", MismatchKey: instructionID, MismatchCode: "RAILS_MISMATCH_FAILED"})
		}
	}
	for instructionID := range actual {
		if _, expectedSeen := expected[instructionID]; !expectedSeen {
			mismatches = append(mismatches, ReconcileMismatch{MismatchType: "UNEXPECTED_RAIL_OP", MismatchKey: instructionID, MismatchCode: "RAILS_MISMATCH_UNEXPECTED"})
		}
	}
	return mismatches, nil
}

// UpsertTriageInput is the ops/finance/reconciliation/triage command.
type UpsertTriageInput struct {
	TenantID         string
	SourceType       string
	Mismatch         ReconcileMismatch
	Status           string
	OwnerPrincipalID string
	Notes            string
	Severity         string
	IdempotencyKey   string
}

// UpsertTriage creates or updates the triage row for triageKey, replaying
// the prior result unchanged when idempotencyKey repeats (spec §4.7:
// "updates are idempotent on (tenantId, idempotencyKey) and produce
// identical responses on replay").
func (r *Rails) UpsertTriage(ctx context.Context, in UpsertTriageInput) (*store.TriageRow, error) {
	triageKey, err := ComputeTriageKey(in.SourceType, in.Mismatch)
	if err != nil {
		return nil, err
	}

	existing, err := r.st.GetTriage(ctx, in.TenantID, triageKey)
	if err != nil {
		return nil, err
	}
	if existing != nil && in.IdempotencyKey != "" {
		if lastKey, _ := existing.Details["lastIdempotencyKey"].(string); lastKey == in.IdempotencyKey {
			return existing, nil
		}
	}

	revision := 0
	details := map[string]any{
		"mismatchType":       in.Mismatch.MismatchType,
		"mismatchCode":       in.Mismatch.MismatchCode,
		"lastIdempotencyKey": in.IdempotencyKey,
		"updatedAt":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	status := in.Status
	if status == "" {
		status = TriageOpen
	}
	if existing != nil {
		revision = existing.Revision + 1
	}

	row := store.TriageRow{
		TenantID:         in.TenantID,
		TriageKey:        triageKey,
		Status:           status,
		OwnerPrincipalID: in.OwnerPrincipalID,
		Notes:            in.Notes,
		Severity:         in.Severity,
		Revision:         revision,
		Details:          details,
	}
	if err := r.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpTriageUpsert, Triage: &row}}); err != nil {
		return nil, err
	}
	return &row, nil
}
