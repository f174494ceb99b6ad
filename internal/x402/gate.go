// Package x402 implements the payment-gate state machine: one bounded
// payment decision per tool call, from create through authorize, verify,
// and settlement (release/refund/partial), plus the dispute/arbitration
// branches' binding-evidence requirements.
package x402

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/identity"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/ledger"
	"github.com/nooterra/settld/internal/store"
)

// Gate states (spec §4.5's state diagram).
const (
	StateCreated      = "created"
	StateAuthorized   = "authorized"
	StateVerified     = "verified"
	StateReleased     = "released"
	StateRefunded     = "refunded"
	StatePartial      = "partial"
	StateAwaitingManual = "awaiting_manual"
	StateCanceled     = "canceled"
	StateDisputed     = "disputed"
	StateArbitrating  = "arbitrating"
	StateResolved     = "resolved"
)

// StreamKindGate is the EventKernel stream kind for X402Gate aggregates.
const StreamKindGate = "x402_gate"

const (
	EventGateCreated           = "GateCreated"
	EventGateAuthorized        = "GateAuthorized"
	EventGateVerified          = "GateVerified"
	EventGateSettled           = "GateSettled"
	EventGateCanceled          = "GateCanceled"
)

// Gateway owns the gate reducer plus the ledger and grant lookups
// authorize/verify consult.
type Gateway struct {
	k       *kernel.Kernel
	st      store.Store
	ledger  *ledger.Ledger
	grants  *identity.GrantRegistry
	agents  *identity.AgentRegistry
	signers *identity.SignerRegistry
}

// New registers the gate reducer on k and returns a Gateway wired to the
// ledger and identity registries it depends on. signers resolves the
// issuer keys that sign WalletAuthorizationDecisionToken (spec §4.5
// "Sponsor-wallet policy").
func New(k *kernel.Kernel, st store.Store, ldg *ledger.Ledger, grants *identity.GrantRegistry, agents *identity.AgentRegistry, signers *identity.SignerRegistry) *Gateway {
	k.Register(StreamKindGate, reduceGate)
	return &Gateway{k: k, st: st, ledger: ldg, grants: grants, agents: agents, signers: signers}
}

func reduceGate(state map[string]any, event store.Event) (map[string]any, error) {
	next := cloneState(state)
	switch event.Type {
	case EventGateCreated:
		for k, v := range event.Payload {
			next[k] = v
		}
		next["state"] = StateCreated
	case EventGateAuthorized:
		next["state"] = StateAuthorized
		next["authorization"] = event.Payload["authorization"]
		next["requestBinding"] = event.Payload["requestBinding"]
		next["holdId"] = event.Payload["holdId"]
		next["decisionRecord"] = event.Payload["decisionRecord"]
	case EventGateVerified:
		next["state"] = event.Payload["resultState"]
		next["verification"] = event.Payload["verification"]
		next["settlement"] = event.Payload["settlement"]
	case EventGateSettled:
		next["state"] = event.Payload["resultState"]
		next["settlement"] = event.Payload["settlement"]
	case EventGateCanceled:
		next["state"] = StateCanceled
	default:
		return nil, coordinatorerrors.Wrap("EVENT_PAYLOAD_INVALID", "unrecognized gate event type", 500, nil).
			WithDetails("type", event.Type)
	}
	return next, nil
}

func cloneState(state map[string]any) map[string]any {
	next := make(map[string]any, len(state)+4)
	for k, v := range state {
		next[k] = v
	}
	return next
}

// CreateInput is the x402/gate/create command.
type CreateInput struct {
	TenantID        string
	PayerAgentID    string
	PayeeAgentID    string
	AmountCents     int64
	Currency        string
	ToolID          string
	PolicyRef       string
	MaxAmountCents  int64
	AgentPassport   map[string]any
	SponsorWalletRef string // non-empty ⇒ authorize requires a WalletAuthorizationDecisionToken
	IdempotencyKey  string
}

// Create validates payer/payee lifecycle and the policy amount ceiling,
// then appends GateCreated (spec §4.5 "Create").
func (g *Gateway) Create(ctx context.Context, in CreateInput) (string, *store.Snapshot, error) {
	payerSnap, err := g.st.GetSnapshot(ctx, in.TenantID, in.PayerAgentID)
	if err != nil {
		return "", nil, err
	}
	if err := identity.CheckActive(payerSnap); err != nil {
		return "", nil, err
	}
	payeeSnap, err := g.st.GetSnapshot(ctx, in.TenantID, in.PayeeAgentID)
	if err != nil {
		return "", nil, err
	}
	if err := identity.CheckActive(payeeSnap); err != nil {
		return "", nil, err
	}
	if in.MaxAmountCents > 0 && in.AmountCents > in.MaxAmountCents {
		return "", nil, coordinatorerrors.New("X402_AMOUNT_EXCEEDS_POLICY", "amount exceeds policy.maxAmountCents", 409).
			WithDetails("amountCents", in.AmountCents).WithDetails("maxAmountCents", in.MaxAmountCents)
	}

	streamID := idgen.Stream("gate")
	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:         in.TenantID,
		StreamID:         streamID,
		StreamKind:       StreamKindGate,
		Type:             EventGateCreated,
		Actor:            in.PayerAgentID,
		IdempotencyKey:   in.IdempotencyKey,
		RouteBindingHash: "route:x402.gate.create",
		Payload: map[string]any{
			"gateId":           streamID,
			"payerAgentId":     in.PayerAgentID,
			"payeeAgentId":     in.PayeeAgentID,
			"amountCents":      float64(in.AmountCents),
			"currency":         in.Currency,
			"toolId":           in.ToolID,
			"policyRef":        in.PolicyRef,
			"agentPassport":    in.AgentPassport,
			"sponsorWalletRef": in.SponsorWalletRef,
			"requestBinding":   nil,
		},
	})
	if err != nil {
		return "", nil, err
	}
	return streamID, &res.Snapshot, nil
}

// RequestBinding is the canonical request fingerprint recorded at
// authorize-time and re-checked on every downstream action (spec §4.5
// "Settlement & binding integrity").
type RequestBinding struct {
	Method           string `json:"method"`
	Host             string `json:"host"`
	Path             string `json:"path"`
	RequestBodyHash  string `json:"requestBodyHash"`
}

// ComputeRequestBindingHash is the canonical hash clients/servers must
// reproduce exactly when submitting bindingEvidence on downstream actions.
func ComputeRequestBindingHash(b RequestBinding) (string, error) {
	return canon.HashOf(b)
}

// PromptRiskOverride lets a caller push past a challenge/escalate verdict.
type PromptRiskOverride struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
	TicketRef string `json:"ticketRef"`
}

// WalletAuthorizationDecisionToken is the opaque signed token a sponsor
// wallet's issuer endpoint returns authorizing one payment against that
// wallet (spec §4.5 "Sponsor-wallet policy"). It encodes delegation lineage
// and a max amount, signed by the issuer's registered signer key under the
// reserved keyID namespace "wallet-issuer:<sponsorWalletRef>".
type WalletAuthorizationDecisionToken struct {
	IssuerKeyID          string `json:"issuerKeyId"`
	SponsorWalletRef     string `json:"sponsorWalletRef"`
	DelegationLineageRef string `json:"delegationLineageRef"`
	MaxAmountCents       int64  `json:"maxAmountCents"`
	SignatureB64         string `json:"signatureB64"`
}

// AuthorizeInput is the x402/gate/authorize-payment command.
type AuthorizeInput struct {
	TenantID                         string
	GateID                           string
	DelegationGrantRef               string
	PromptRiskVerdict                string // "allow" | "challenge" | "escalate", computed by caller's policy evaluator
	PromptRiskOverride               *PromptRiskOverride
	TaintedSessionRefs               []string // session:event:*/session:chain:* refs captured if a taint was recorded this call
	RequestBinding                   RequestBinding
	ExecutionIntentID                string
	ExecutionIntentIdempotencyKey    string
	WalletAuthorizationDecisionToken *WalletAuthorizationDecisionToken
	IdempotencyKey                   string
}

const authorizeRoute = "route:x402.gate.authorize-payment"

// AuthorizePayment enforces every precondition in spec §4.5 in order, then
// places a Reserve hold and records the request binding.
func (g *Gateway) AuthorizePayment(ctx context.Context, in AuthorizeInput) (*store.Snapshot, error) {
	// Idempotency must be checked, and the original response returned
	// untouched, *before* any side effect outside the kernel (placing a
	// ledger hold) or even the state-machine preconditions below: Append's
	// own replay memoization only short-circuits once inside Append, which
	// is too late to stop PlaceHold running twice for a retried request
	// carrying the same idempotencyKey. A retry that resends a different
	// executionIntentId under the same idempotencyKey is a genuine client
	// bug, not a replay, and must fail rather than silently return the
	// original intent's response (spec §4.5's
	// X402_EXECUTION_INTENT_IDEMPOTENCY_MISMATCH).
	if in.IdempotencyKey != "" {
		replayed, err := g.k.PeekIdempotent(ctx, in.TenantID, in.IdempotencyKey, authorizeRoute)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
			priorIntentID, _ := executionIntentIDOf(&replayed.Snapshot)
			if in.ExecutionIntentID != "" && priorIntentID != "" && priorIntentID != in.ExecutionIntentID {
				return nil, coordinatorerrors.New("X402_EXECUTION_INTENT_IDEMPOTENCY_MISMATCH",
					"executionIntentId does not match the intent already authorized under this idempotencyKey", 409).
					WithDetails("expected", priorIntentID).WithDetails("actual", in.ExecutionIntentID)
			}
			return &replayed.Snapshot, nil
		}
	}

	snap, err := g.st.GetSnapshot(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, coordinatorerrors.NotFound("gate", in.GateID)
	}
	if state, _ := snap.State["state"].(string); state != StateCreated {
		return nil, coordinatorerrors.Conflict("gate is not in created state").WithDetails("state", state)
	}

	payerID, _ := snap.State["payerAgentId"].(string)
	payeeID, _ := snap.State["payeeAgentId"].(string)
	amountCents, _ := toInt64(snap.State["amountCents"])
	currency, _ := snap.State["currency"].(string)

	payerSnap, err := g.st.GetSnapshot(ctx, in.TenantID, payerID)
	if err != nil {
		return nil, err
	}
	if err := identity.CheckActive(payerSnap); err != nil {
		return nil, err
	}
	payeeSnap, err := g.st.GetSnapshot(ctx, in.TenantID, payeeID)
	if err != nil {
		return nil, err
	}
	if err := identity.CheckActive(payeeSnap); err != nil {
		return nil, err
	}

	decisionRecord := map[string]any{}

	if sponsorWalletRef, _ := snap.State["sponsorWalletRef"].(string); sponsorWalletRef != "" {
		if err := g.checkWalletAuthorizationDecision(ctx, in.TenantID, sponsorWalletRef, in.DelegationGrantRef, amountCents, in.WalletAuthorizationDecisionToken); err != nil {
			return nil, err
		}
		decisionRecord["walletAuthorizationDecisionToken"] = in.WalletAuthorizationDecisionToken
	}

	if in.DelegationGrantRef != "" {
		grantSnap, err := g.st.GetSnapshot(ctx, in.TenantID, in.DelegationGrantRef)
		if err != nil {
			return nil, err
		}
		if grantSnap == nil {
			return nil, coordinatorerrors.NotFound("grant", in.DelegationGrantRef)
		}
		status, _ := grantSnap.State["status"].(string)
		if status == "revoked" {
			return nil, coordinatorerrors.New("X402_DELEGATION_GRANT_REVOKED", "delegation grant has been revoked", 409)
		}
		now := time.Now().UTC()
		dailyUsed, err := g.dailyDelegationSpend(ctx, in.TenantID, in.DelegationGrantRef, now)
		if err != nil {
			return nil, err
		}
		if err := identity.CheckScope(grantSnap, now, amountCents, dailyUsed); err != nil {
			message := "delegation grant scope check failed"
			code := "X402_DELEGATION_GRANT_PER_CALL_EXCEEDED"
			if svcErr, ok := coordinatorerrors.As(err); ok {
				message = svcErr.Message
				code = "X402_" + string(svcErr.Code)
			}
			return nil, coordinatorerrors.New(coordinatorerrors.Code(code), message, 409).WithDetails("grantId", in.DelegationGrantRef)
		}
		decisionRecord["delegationGrantRef"] = in.DelegationGrantRef
	}

	switch in.PromptRiskVerdict {
	case "challenge", "escalate":
		if in.PromptRiskOverride == nil || !in.PromptRiskOverride.Enabled {
			code := "X402_PROMPT_RISK_FORCE_CHALLENGE"
			if in.PromptRiskVerdict == "escalate" {
				code = "X402_PROMPT_RISK_FORCE_ESCALATE"
			}
			return nil, coordinatorerrors.New(coordinatorerrors.Code(code), "prompt-risk verdict blocks authorize", 409)
		}
		decisionRecord["promptRiskOverride"] = in.PromptRiskOverride
	}

	if in.ExecutionIntentID == "" {
		return nil, coordinatorerrors.New("X402_EXECUTION_INTENT_REQUIRED", "executionIntent is required", 409)
	}
	// The TA-supplied executionIntent declares the idempotencyKey it expects
	// to be authorized under; a mismatch against the request's actual
	// IdempotencyKey means the caller reused an intent meant for a different
	// call.
	if in.ExecutionIntentIdempotencyKey != "" && in.ExecutionIntentIdempotencyKey != in.IdempotencyKey {
		return nil, coordinatorerrors.New("X402_EXECUTION_INTENT_IDEMPOTENCY_MISMATCH",
			"executionIntent's idempotencyKey does not match the request's idempotencyKey", 409).
			WithDetails("executionIntentIdempotencyKey", in.ExecutionIntentIdempotencyKey).WithDetails("idempotencyKey", in.IdempotencyKey)
	}
	if conflictGateID, err := g.findExecutionIntentConflict(ctx, in.TenantID, in.ExecutionIntentID, in.GateID); err != nil {
		return nil, err
	} else if conflictGateID != "" {
		return nil, coordinatorerrors.New("X402_EXECUTION_INTENT_CONFLICT",
			"executionIntentId is already authorized against a different gate", 409).
			WithDetails("gateId", conflictGateID).WithDetails("executionIntentId", in.ExecutionIntentID)
	}

	bindingHash, err := ComputeRequestBindingHash(in.RequestBinding)
	if err != nil {
		return nil, err
	}

	hold, err := g.ledger.PlaceHold(ctx, in.TenantID, payerID, amountCents, currency)
	if err != nil {
		return nil, err
	}

	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:              in.TenantID,
		StreamID:              in.GateID,
		StreamKind:            StreamKindGate,
		Type:                  EventGateAuthorized,
		Actor:                 payerID,
		ExpectedPrevChainHash: &snap.LastChainHash,
		ChainSensitive:        true,
		IdempotencyKey:        in.IdempotencyKey,
		RouteBindingHash:      authorizeRoute,
		Payload: map[string]any{
			"holdId": hold.HoldID,
			"requestBinding": map[string]any{
				"method":          in.RequestBinding.Method,
				"host":            in.RequestBinding.Host,
				"path":            in.RequestBinding.Path,
				"requestBodyHash": in.RequestBinding.RequestBodyHash,
				"bindingHash":     bindingHash,
			},
			"authorization": map[string]any{
				"executionIntentId":  in.ExecutionIntentID,
				"authorizedAt":       time.Now().UTC().Format(time.RFC3339Nano),
				"taintedSessionRefs": toAnySlice(in.TaintedSessionRefs),
			},
			"decisionRecord": decisionRecord,
		},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// dailyDelegationSpend sums amountCents of every gate already authorized
// against grantRef within at's UTC calendar day (spec §4.5's "cumulative
// exposure across the tenant's daily window"). Gates still in "created"
// state (no authorization recorded yet) don't count.
func (g *Gateway) dailyDelegationSpend(ctx context.Context, tenantID, grantRef string, at time.Time) (int64, error) {
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	snaps, err := g.st.ListSnapshots(ctx, store.ListFilter{TenantID: tenantID, StreamKind: StreamKindGate})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, snap := range snaps {
		decisionRecord, _ := snap.State["decisionRecord"].(map[string]any)
		if ref, _ := decisionRecord["delegationGrantRef"].(string); ref != grantRef {
			continue
		}
		authorization, _ := snap.State["authorization"].(map[string]any)
		authorizedAtStr, _ := authorization["authorizedAt"].(string)
		if authorizedAtStr == "" {
			continue
		}
		authorizedAt, err := time.Parse(time.RFC3339Nano, authorizedAtStr)
		if err != nil || authorizedAt.Before(dayStart) || !authorizedAt.Before(dayEnd) {
			continue
		}
		amount, _ := toInt64(snap.State["amountCents"])
		total += amount
	}
	return total, nil
}

// walletIssuerKeyID is the reserved signer-key namespace a sponsor wallet's
// issuer registers its decision-token signing key under.
func walletIssuerKeyID(sponsorWalletRef string) string {
	return "wallet-issuer:" + sponsorWalletRef
}

// checkWalletAuthorizationDecision verifies a gate targeting a sponsor
// wallet carries a WalletAuthorizationDecisionToken that (a) is present,
// (b) is signed by the wallet's registered issuer key, (c) targets this
// sponsorWalletRef and this (or no) delegation lineage, and (d) covers
// amountCents. Any failure is X402_WALLET_ISSUER_DECISION_REQUIRED (spec
// §4.5 "Sponsor-wallet policy").
func (g *Gateway) checkWalletAuthorizationDecision(ctx context.Context, tenantID, sponsorWalletRef, delegationGrantRef string, amountCents int64, token *WalletAuthorizationDecisionToken) error {
	fail := func(reason string) error {
		return coordinatorerrors.New("X402_WALLET_ISSUER_DECISION_REQUIRED", reason, 409).
			WithDetails("sponsorWalletRef", sponsorWalletRef)
	}
	if token == nil {
		return fail("walletAuthorizationDecisionToken is required for a gate bound to a sponsor wallet")
	}
	if token.SponsorWalletRef != sponsorWalletRef {
		return fail("walletAuthorizationDecisionToken does not target this gate's sponsorWalletRef")
	}
	if delegationGrantRef != "" && token.DelegationLineageRef != "" && token.DelegationLineageRef != delegationGrantRef {
		return fail("walletAuthorizationDecisionToken does not cover this gate's delegation lineage")
	}
	if token.MaxAmountCents > 0 && amountCents > token.MaxAmountCents {
		return fail("walletAuthorizationDecisionToken's maxAmountCents is below the gate's amountCents")
	}
	contentHash, err := canon.HashOf(map[string]any{
		"sponsorWalletRef":     token.SponsorWalletRef,
		"delegationLineageRef": token.DelegationLineageRef,
		"maxAmountCents":       token.MaxAmountCents,
	})
	if err != nil {
		return fail("walletAuthorizationDecisionToken could not be canonicalized")
	}
	wantKeyID := walletIssuerKeyID(sponsorWalletRef)
	if token.IssuerKeyID != wantKeyID {
		return fail("walletAuthorizationDecisionToken.issuerKeyId does not match this wallet's registered issuer key")
	}
	if err := g.signers.VerifySignedEvent(ctx, tenantID, token.IssuerKeyID, contentHash, token.SignatureB64, time.Now().UTC()); err != nil {
		return fail("walletAuthorizationDecisionToken signature does not verify against the registered issuer key")
	}
	return nil
}

// executionIntentIDOf reads back the executionIntentId recorded on a gate's
// authorization, if any.
func executionIntentIDOf(snap *store.Snapshot) (string, bool) {
	if snap == nil {
		return "", false
	}
	authorization, _ := snap.State["authorization"].(map[string]any)
	id, ok := authorization["executionIntentId"].(string)
	return id, ok && id != ""
}

// findExecutionIntentConflict scans every other gate in the tenant for one
// already authorized under the same executionIntentId (spec §4.5's
// X402_EXECUTION_INTENT_CONFLICT: an executionIntentId must bind to exactly
// one gate). Returns the conflicting gate's ID, or "" if none exists.
func (g *Gateway) findExecutionIntentConflict(ctx context.Context, tenantID, executionIntentID, gateID string) (string, error) {
	snaps, err := g.st.ListSnapshots(ctx, store.ListFilter{TenantID: tenantID, StreamKind: StreamKindGate})
	if err != nil {
		return "", err
	}
	for _, snap := range snaps {
		if snap.StreamID == gateID {
			continue
		}
		if id, ok := executionIntentIDOf(snap); ok && id == executionIntentID {
			return snap.StreamID, nil
		}
	}
	return "", nil
}

func toInt64(v any) (int64, bool) {
	f, ok := v.(float64)
	return int64(f), ok
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
