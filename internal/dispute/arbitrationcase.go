package dispute

import (
	"context"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/x402"
)

// ArbitrationCase states.
const (
	ArbitrationPending  = "pending"
	ArbitrationResolved = "resolved"
)

const StreamKindArbitrationCase = "arbitration_case"

const (
	EventArbitrationOpened   = "ArbitrationCaseOpened"
	EventArbitrationResolved = "ArbitrationCaseResolved"
)

func reduceArbitrationCase(state map[string]any, event store.Event) (map[string]any, error) {
	switch event.Type {
	case EventArbitrationOpened:
		return cloneState(event.Payload), nil
	case EventArbitrationResolved:
		next := cloneState(state)
		next["status"] = ArbitrationResolved
		next["verdict"] = event.Payload["verdict"]
		next["arbiterId"] = event.Payload["arbiterId"]
		next["resolvedAt"] = event.Payload["resolvedAt"]
		return next, nil
	default:
		return nil, coordinatorerrors.New("EVENT_PAYLOAD_INVALID", "unknown arbitration case event type", 400).WithDetails("type", event.Type)
	}
}

// EscalateInput is the dispute-case/escalate command: opens an
// ArbitrationCase and moves the parent DisputeCase and underlying gate
// to arbitrating (spec §4.9).
type EscalateInput struct {
	TenantID        string
	DisputeCaseID   string
	GateID          string
	BindingEvidence string
}

// Escalate moves a DisputeCase into arbitration, creating its paired
// ArbitrationCase.
func (c *Cases) Escalate(ctx context.Context, in EscalateInput) (*store.Snapshot, error) {
	if _, err := c.gates.Escalate(ctx, x402.EscalateInput{
		TenantID:        in.TenantID,
		GateID:          in.GateID,
		BindingEvidence: in.BindingEvidence,
	}); err != nil {
		return nil, err
	}

	disputeSnap, err := c.st.GetSnapshot(ctx, in.TenantID, in.DisputeCaseID)
	if err != nil {
		return nil, err
	}
	if disputeSnap == nil {
		return nil, coordinatorerrors.NotFound("disputeCase", in.DisputeCaseID)
	}
	status, _ := disputeSnap.State["status"].(string)
	if status != DisputeOpen {
		return nil, coordinatorerrors.Conflict("dispute case is not open").WithDetails("status", status)
	}

	arbCaseID := idgen.Stream("arbitration")
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := c.k.Append(ctx, kernel.AppendInput{
		TenantID:   in.TenantID,
		StreamID:   arbCaseID,
		StreamKind: StreamKindArbitrationCase,
		Type:       EventArbitrationOpened,
		Actor:      "system",
		Payload: map[string]any{
			"caseId":        arbCaseID,
			"disputeCaseId": in.DisputeCaseID,
			"gateId":        in.GateID,
			"status":        ArbitrationPending,
			"openedAt":      now,
		},
		RouteBindingHash: "route:arbitration.open",
	}); err != nil {
		return nil, err
	}

	res, err := c.k.Append(ctx, kernel.AppendInput{
		TenantID:   in.TenantID,
		StreamID:   in.DisputeCaseID,
		StreamKind: StreamKindDisputeCase,
		Type:       EventDisputeEscalated,
		Actor:      "system",
		Payload: map[string]any{
			"arbitrationCaseId": arbCaseID,
			"escalatedAt":       now,
		},
		RouteBindingHash: "route:disputes.escalate",
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// ResolveInput is the arbitration-case/resolve command.
type ResolveInput struct {
	TenantID          string
	ArbitrationCaseID string
	GateID            string
	BindingEvidence   string
	Verdict           string
	ArbiterID         string
}

// Resolve applies a binary uphold|reverse verdict to the ArbitrationCase
// and, via the gate, to the ledger (spec §4.9: "terminal states map to
// ledger adjustments").
func (c *Cases) Resolve(ctx context.Context, in ResolveInput) (*store.Snapshot, error) {
	if _, err := c.gates.ResolveArbitration(ctx, x402.ResolveArbitrationInput{
		TenantID:        in.TenantID,
		GateID:          in.GateID,
		BindingEvidence: in.BindingEvidence,
		Verdict:         in.Verdict,
		ArbiterID:       in.ArbiterID,
	}); err != nil {
		return nil, err
	}

	snap, err := c.st.GetSnapshot(ctx, in.TenantID, in.ArbitrationCaseID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, coordinatorerrors.NotFound("arbitrationCase", in.ArbitrationCaseID)
	}
	status, _ := snap.State["status"].(string)
	if status != ArbitrationPending {
		return nil, coordinatorerrors.Conflict("arbitration case is not pending").WithDetails("status", status)
	}

	res, err := c.k.Append(ctx, kernel.AppendInput{
		TenantID:   in.TenantID,
		StreamID:   in.ArbitrationCaseID,
		StreamKind: StreamKindArbitrationCase,
		Type:       EventArbitrationResolved,
		Actor:      in.ArbiterID,
		Payload: map[string]any{
			"verdict":    in.Verdict,
			"arbiterId":  in.ArbiterID,
			"resolvedAt": time.Now().UTC().Format(time.RFC3339Nano),
		},
		RouteBindingHash: "route:arbitration.resolve",
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}
