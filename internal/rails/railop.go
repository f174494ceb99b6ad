// Package rails implements the MoneyRailOperation lifecycle: payout
// enqueue/submit/confirm/reverse/fail, idempotent terminal-event ingest,
// reconciliation triage, and chargeback exposure tracking (spec §4.7).
package rails

import (
	"context"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/store"
)

// MoneyRailOperation states.
const (
	RailOpInitiated = "initiated"
	RailOpSubmitted = "submitted"
	RailOpConfirmed = "confirmed"
	RailOpReleased  = "released"
	RailOpReversed  = "reversed"
	RailOpFailed    = "failed"
)

// providerEventRecorder is satisfied by internal/store/memory.Store; a
// Postgres implementation would enforce (providerId, providerEventId)
// uniqueness via a DB constraint instead of this side index.
type providerEventRecorder interface {
	RecordProviderEvent(tenantID, providerID, providerEventID, operationID string)
}

// Rails wraps the Store port with payout lifecycle and chargeback logic.
type Rails struct {
	st store.Store
}

// New builds a Rails over st.
func New(st store.Store) *Rails {
	return &Rails{st: st}
}

// EnqueueInput is the rails/payout/enqueue command.
type EnqueueInput struct {
	TenantID               string
	ProviderID             string
	PartyID                string
	Period                 string // "YYYY-MM"
	AmountCents            int64
	Currency               string
	PayoutInstructionID    string
}

// Enqueue creates a MoneyRailOperation in `initiated`, failing closed if
// outstanding chargeback exposure exists for (providerId, partyId, period)
// (spec §4.7 "Chargebacks").
func (r *Rails) Enqueue(ctx context.Context, in EnqueueInput) (*store.RailOp, error) {
	exposure, err := r.chargebackExposure(ctx, in.TenantID, in.ProviderID, in.PartyID, in.Period)
	if err != nil {
		return nil, err
	}
	if exposure > 0 {
		return nil, coordinatorerrors.New("RAILS_CHARGEBACK_EXPOSURE_OUTSTANDING", "party has outstanding chargeback exposure for this period", 409).
			WithDetails("providerId", in.ProviderID).WithDetails("partyId", in.PartyID).WithDetails("period", in.Period).
			WithDetails("exposureCents", exposure)
	}

	op := store.RailOp{
		TenantID:    in.TenantID,
		OperationID: idgen.New("railop"),
		ProviderID:  in.ProviderID,
		State: map[string]any{
			"status":              RailOpInitiated,
			"partyId":             in.PartyID,
			"period":              in.Period,
			"amountCents":         float64(in.AmountCents),
			"currency":            in.Currency,
			"payoutInstructionId": in.PayoutInstructionID,
			"createdAt":           time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := r.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpRailOpUpsert, RailOp: &op}}); err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *Rails) transition(ctx context.Context, tenantID, operationID string, from []string, to string, mutate func(state map[string]any)) (*store.RailOp, error) {
	op, err := r.st.GetRailOp(ctx, tenantID, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, coordinatorerrors.NotFound("railOp", operationID)
	}
	status, _ := op.State["status"].(string)
	allowed := false
	for _, f := range from {
		if status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, coordinatorerrors.Conflict("rail operation is not in an eligible state for this transition").
			WithDetails("operationId", operationID).WithDetails("state", status).WithDetails("expected", from)
	}

	next := cloneState(op.State)
	next["status"] = to
	if mutate != nil {
		mutate(next)
	}
	updated := store.RailOp{TenantID: op.TenantID, OperationID: op.OperationID, ProviderID: op.ProviderID, State: next}
	if err := r.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpRailOpUpsert, RailOp: &updated}}); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Submit moves initiated -> submitted.
func (r *Rails) Submit(ctx context.Context, tenantID, operationID, providerRef string) (*store.RailOp, error) {
	return r.transition(ctx, tenantID, operationID, []string{RailOpInitiated}, RailOpSubmitted, func(s map[string]any) {
		s["providerRef"] = providerRef
		s["submittedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	})
}

// Confirm moves submitted -> confirmed.
func (r *Rails) Confirm(ctx context.Context, tenantID, operationID string) (*store.RailOp, error) {
	return r.transition(ctx, tenantID, operationID, []string{RailOpSubmitted}, RailOpConfirmed, func(s map[string]any) {
		s["confirmedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	})
}

// Fail moves initiated/submitted -> failed.
func (r *Rails) Fail(ctx context.Context, tenantID, operationID, reason string) (*store.RailOp, error) {
	return r.transition(ctx, tenantID, operationID, []string{RailOpInitiated, RailOpSubmitted}, RailOpFailed, func(s map[string]any) {
		s["failureReason"] = reason
	})
}

// Reverse moves confirmed -> reversed; spec §4.7: "Reversal is allowed
// only from confirmed". reasonCode "chargeback" is what Ingest passes
// when a provider's terminal reversal event arrives.
func (r *Rails) Reverse(ctx context.Context, tenantID, operationID, reasonCode string) (*store.RailOp, error) {
	return r.transition(ctx, tenantID, operationID, []string{RailOpConfirmed}, RailOpReversed, func(s map[string]any) {
		s["reasonCode"] = reasonCode
		s["reversedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	})
}

// IngestInput is one terminal rail event delivered by a provider webhook.
type IngestInput struct {
	TenantID        string
	ProviderID      string
	ProviderEventID string
	OperationID     string
	EventType       string // "confirmed" | "reversed" | "failed"
	ReasonCode      string
}

// Ingest applies a provider's terminal event idempotently on
// (providerId, eventId): a repeat delivery of the same eventId is a no-op
// replay of the first result.
func (r *Rails) Ingest(ctx context.Context, in IngestInput) (*store.RailOp, error) {
	if existing, err := r.st.GetRailOpByProviderEvent(ctx, in.TenantID, in.ProviderID, in.ProviderEventID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	var op *store.RailOp
	var err error
	switch in.EventType {
	case RailOpConfirmed:
		op, err = r.Confirm(ctx, in.TenantID, in.OperationID)
	case RailOpReversed:
		op, err = r.Reverse(ctx, in.TenantID, in.OperationID, in.ReasonCode)
	case RailOpFailed:
		op, err = r.Fail(ctx, in.TenantID, in.OperationID, in.ReasonCode)
	default:
		return nil, coordinatorerrors.SchemaInvalid("unrecognized rail event type")
	}
	if err != nil {
		return nil, err
	}

	if rec, ok := r.st.(providerEventRecorder); ok {
		rec.RecordProviderEvent(in.TenantID, in.ProviderID, in.ProviderEventID, op.OperationID)
	}
	return op, nil
}

// chargebackExposure sums amountCents of rail ops reversed with
// reasonCode=="chargeback" for (providerId, partyId, period), matching
// spec §4.7's "aggregated per (providerId, partyId, period)".
func (r *Rails) chargebackExposure(ctx context.Context, tenantID, providerID, partyID, period string) (int64, error) {
	ops, err := r.st.ListRailOps(ctx, store.ListFilter{TenantID: tenantID})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, op := range ops {
		if op.ProviderID != providerID {
			continue
		}
		status, _ := op.State["status"].(string)
		reasonCode, _ := op.State["reasonCode"].(string)
		opPartyID, _ := op.State["partyId"].(string)
		opPeriod, _ := op.State["period"].(string)
		if status != RailOpReversed || reasonCode != "chargeback" || opPartyID != partyID || opPeriod != period {
			continue
		}
		amount, _ := op.State["amountCents"].(float64)
		total += int64(amount)
	}
	return total, nil
}

func cloneState(state map[string]any) map[string]any {
	next := make(map[string]any, len(state)+2)
	for k, v := range state {
		next[k] = v
	}
	return next
}
