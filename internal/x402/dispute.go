package x402

import (
	"context"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/store"
)

// Arbitration verdicts (spec §4.5 "Dispute window & arbitration").
const (
	ArbitrationUphold  = "uphold"
	ArbitrationReverse = "reverse"
)

// OpenDisputeInput is the x402/gate/dispute/open command.
type OpenDisputeInput struct {
	TenantID          string
	GateID            string
	BindingEvidence   string
	DisputeWindowDays int
	Reason            string
	EvidenceRefs      []string
}

// OpenDispute moves a released gate to disputed, provided the dispute
// window (days since settlement) has not yet elapsed.
func (g *Gateway) OpenDispute(ctx context.Context, in OpenDisputeInput) (*store.Snapshot, error) {
	snap, err := g.st.GetSnapshot(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, coordinatorerrors.NotFound("gate", in.GateID)
	}
	if err := CheckBindingEvidence(snap, "dispute_open", in.BindingEvidence); err != nil {
		return nil, err
	}
	state, _ := snap.State["state"].(string)
	if state != StateReleased && state != StatePartial {
		return nil, coordinatorerrors.Conflict("gate is not in a disputable state").WithDetails("state", state)
	}

	settlement, _ := snap.State["settlement"].(map[string]any)
	settledAtStr, _ := settlement["settledAt"].(string)
	if settledAtStr != "" {
		settledAt, parseErr := time.Parse(time.RFC3339Nano, settledAtStr)
		if parseErr == nil && in.DisputeWindowDays > 0 {
			deadline := settledAt.Add(time.Duration(in.DisputeWindowDays) * 24 * time.Hour)
			if time.Now().UTC().After(deadline) {
				return nil, coordinatorerrors.Conflict("dispute window has elapsed").WithDetails("deadline", deadline.Format(time.RFC3339Nano))
			}
		}
	}

	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:              in.TenantID,
		StreamID:              in.GateID,
		StreamKind:            StreamKindGate,
		Type:                  EventGateSettled,
		Actor:                 "system",
		ExpectedPrevChainHash: &snap.LastChainHash,
		ChainSensitive:        true,
		RouteBindingHash:      "route:x402.gate.dispute.open",
		Payload: map[string]any{
			"resultState": StateDisputed,
			"settlement": map[string]any{
				"status":       StateDisputed,
				"disputeReason": in.Reason,
				"evidenceRefs": toAnySlice(in.EvidenceRefs),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// EscalateInput is the x402/gate/dispute/escalate command.
type EscalateInput struct {
	TenantID        string
	GateID          string
	BindingEvidence string
}

// Escalate moves a disputed gate into arbitration.
func (g *Gateway) Escalate(ctx context.Context, in EscalateInput) (*store.Snapshot, error) {
	snap, err := g.st.GetSnapshot(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, coordinatorerrors.NotFound("gate", in.GateID)
	}
	if err := CheckBindingEvidence(snap, "dispute_escalate", in.BindingEvidence); err != nil {
		return nil, err
	}
	if state, _ := snap.State["state"].(string); state != StateDisputed {
		return nil, coordinatorerrors.Conflict("gate is not disputed").WithDetails("state", state)
	}

	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:              in.TenantID,
		StreamID:              in.GateID,
		StreamKind:            StreamKindGate,
		Type:                  EventGateSettled,
		Actor:                 "system",
		ExpectedPrevChainHash: &snap.LastChainHash,
		ChainSensitive:        true,
		RouteBindingHash:      "route:x402.gate.dispute.escalate",
		Payload: map[string]any{
			"resultState": StateArbitrating,
			"settlement":  map[string]any{"status": StateArbitrating},
		},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// ResolveArbitrationInput is the x402/gate/arbitration/resolve command.
type ResolveArbitrationInput struct {
	TenantID        string
	GateID          string
	BindingEvidence string
	Verdict         string // uphold | reverse
	ArbiterID       string
}

// ResolveArbitration applies an arbiter's binary verdict: uphold keeps the
// existing settlement, reverse refunds the released amount back to the
// payer via a fresh ledger entry against the provider-suspense account
// (spec §4.5: "translated into ledger adjustments").
func (g *Gateway) ResolveArbitration(ctx context.Context, in ResolveArbitrationInput) (*store.Snapshot, error) {
	snap, err := g.st.GetSnapshot(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, coordinatorerrors.NotFound("gate", in.GateID)
	}
	if err := CheckBindingEvidence(snap, "settlement_resolve", in.BindingEvidence); err != nil {
		return nil, err
	}
	if state, _ := snap.State["state"].(string); state != StateArbitrating {
		return nil, coordinatorerrors.Conflict("gate is not arbitrating").WithDetails("state", state)
	}
	if in.Verdict != ArbitrationUphold && in.Verdict != ArbitrationReverse {
		return nil, coordinatorerrors.SchemaInvalid("verdict must be uphold or reverse")
	}

	settlement, _ := snap.State["settlement"].(map[string]any)
	if in.Verdict == ArbitrationReverse {
		releasedCents, _ := toInt64(settlement["releasedAmountCents"])
		currency, _ := snap.State["currency"].(string)
		payeeID, _ := snap.State["payeeAgentId"].(string)
		if releasedCents > 0 {
			if _, err := g.ledger.ReverseRelease(ctx, in.TenantID, payeeID, releasedCents, currency); err != nil {
				return nil, err
			}
		}
	}

	newSettlement := cloneState(settlement)
	newSettlement["status"] = StateResolved
	newSettlement["arbitrationVerdict"] = in.Verdict
	newSettlement["arbiterId"] = in.ArbiterID
	newSettlement["resolvedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:              in.TenantID,
		StreamID:              in.GateID,
		StreamKind:            StreamKindGate,
		Type:                  EventGateSettled,
		Actor:                 in.ArbiterID,
		ExpectedPrevChainHash: &snap.LastChainHash,
		ChainSensitive:        true,
		RouteBindingHash:      "route:x402.gate.arbitration.resolve",
		Payload: map[string]any{
			"resultState": StateResolved,
			"settlement":  newSettlement,
		},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}
