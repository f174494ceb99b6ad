// Package dispute implements the DisputeCase and ArbitrationCase aggregates:
// two parallel state machines, each transition gated by binding-evidence,
// with terminal states translated into ledger adjustments via
// internal/x402's gate-side settlement calls (spec §4.9).
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

// DisputeCase states.
const (
	DisputeOpen       = "open"
	DisputeEscalated  = "escalated"
	DisputeAutoClosed = "auto_closed"
	DisputeResolved   = "resolved"
)

const StreamKindDisputeCase = "dispute_case"

const (
	EventDisputeOpened    = "DisputeCaseOpened"
	EventDisputeEscalated = "DisputeCaseEscalated"
	EventDisputeClosed    = "DisputeCaseClosed"
)

// Cases owns the DisputeCase/ArbitrationCase aggregates and the gateway
// used to apply their terminal effects to the underlying X402Gate.
type Cases struct {
	k     *kernel.Kernel
	st    store.Store
	gates *x402.Gateway
}

// New wires a Cases registry and registers its reducers on k.
func New(k *kernel.Kernel, st store.Store, gates *x402.Gateway) *Cases {
	c := &Cases{k: k, st: st, gates: gates}
	k.Register(StreamKindDisputeCase, reduceDisputeCase)
	k.Register(StreamKindArbitrationCase, reduceArbitrationCase)
	return c
}

func reduceDisputeCase(state map[string]any, event store.Event) (map[string]any, error) {
	switch event.Type {
	case EventDisputeOpened:
		return cloneState(event.Payload), nil
	case EventDisputeEscalated:
		next := cloneState(state)
		next["status"] = DisputeEscalated
		next["arbitrationCaseId"] = event.Payload["arbitrationCaseId"]
		next["escalatedAt"] = event.Payload["escalatedAt"]
		return next, nil
	case EventDisputeClosed:
		next := cloneState(state)
		next["status"] = event.Payload["status"]
		next["closedAt"] = event.Payload["closedAt"]
		next["closeReason"] = event.Payload["closeReason"]
		return next, nil
	default:
		return nil, coordinatorerrors.New("EVENT_PAYLOAD_INVALID", "unknown dispute case event type", 400).WithDetails("type", event.Type)
	}
}

func cloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// OpenInput is the dispute-case/open command.
type OpenInput struct {
	TenantID          string
	GateID            string
	BindingEvidence   string
	DisputeWindowDays int
	Reason            string
	EvidenceRefs      []string
}

// Open records a DisputeCase and moves the underlying gate to disputed,
// provided the gate's dispute window has not elapsed (spec §4.5/§4.9).
func (c *Cases) Open(ctx context.Context, in OpenInput) (*store.Snapshot, error) {
	if _, err := c.gates.OpenDispute(ctx, x402.OpenDisputeInput{
		TenantID:          in.TenantID,
		GateID:            in.GateID,
		BindingEvidence:   in.BindingEvidence,
		DisputeWindowDays: in.DisputeWindowDays,
		Reason:            in.Reason,
		EvidenceRefs:      in.EvidenceRefs,
	}); err != nil {
		return nil, err
	}

	caseID := idgen.Stream("dispute")
	res, err := c.k.Append(ctx, kernel.AppendInput{
		TenantID:   in.TenantID,
		StreamID:   caseID,
		StreamKind: StreamKindDisputeCase,
		Type:       EventDisputeOpened,
		Actor:      "system",
		Payload: map[string]any{
			"caseId":            caseID,
			"gateId":            in.GateID,
			"status":            DisputeOpen,
			"reason":            in.Reason,
			"evidenceRefs":      toAnySlice(in.EvidenceRefs),
			"disputeWindowDays": in.DisputeWindowDays,
			"openedAt":          time.Now().UTC().Format(time.RFC3339Nano),
		},
		RouteBindingHash: "route:disputes.open",
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// AutoClose transitions an open DisputeCase to auto_closed once its
// window has elapsed without escalation (spec §4.9: "a dispute that
// expires its window transitions to auto_closed").
func (c *Cases) AutoClose(ctx context.Context, tenantID, caseID string) (*store.Snapshot, error) {
	snap, err := c.st.GetSnapshot(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, coordinatorerrors.NotFound("disputeCase", caseID)
	}
	status, _ := snap.State["status"].(string)
	if status != DisputeOpen {
		return nil, coordinatorerrors.Conflict("dispute case is not open").WithDetails("status", status)
	}

	openedAtStr, _ := snap.State["openedAt"].(string)
	windowDays, _ := toInt(snap.State["disputeWindowDays"])
	if openedAtStr != "" && windowDays > 0 {
		openedAt, parseErr := time.Parse(time.RFC3339Nano, openedAtStr)
		if parseErr == nil {
			deadline := openedAt.Add(time.Duration(windowDays) * 24 * time.Hour)
			if time.Now().UTC().Before(deadline) {
				return nil, coordinatorerrors.Conflict("dispute window has not yet elapsed").WithDetails("deadline", deadline.Format(time.RFC3339Nano))
			}
		}
	}

	res, err := c.k.Append(ctx, kernel.AppendInput{
		TenantID:   tenantID,
		StreamID:   caseID,
		StreamKind: StreamKindDisputeCase,
		Type:       EventDisputeClosed,
		Actor:      "system",
		Payload: map[string]any{
			"status":      DisputeAutoClosed,
			"closedAt":    time.Now().UTC().Format(time.RFC3339Nano),
			"closeReason": "window_expired",
		},
		RouteBindingHash: "route:disputes.auto_close",
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
