package x402

import (
	"context"
	"fmt"
	"strings"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/store"
)

// Verification verdicts (spec §4.5 "Verify").
const (
	VerificationGreen = "green"
	VerificationAmber = "amber"
	VerificationRed   = "red"
)

// ReleaseRule is one verdict's release rate out of policy.rules.
type ReleaseRule struct {
	AutoRelease   bool `json:"autoRelease"`
	ReleaseRatePct int `json:"releaseRatePct"` // integer 0..100
}

// ReleasePolicy is policy{mode, rules} from the Verify input.
type ReleasePolicy struct {
	Mode  string                 `json:"mode"` // "auto" | "manual"
	Rules map[string]ReleaseRule `json:"rules"` // keyed by verificationStatus
}

// VerifierIdentity identifies the plugin that produced the verdict.
type VerifierIdentity struct {
	VerifierID   string `json:"verifierId"`
	VerifierHash string `json:"verifierHash"`
	Mode         string `json:"mode"`
	Source       string `json:"source"`
}

// VerifyInput is the x402/gate/verify command.
type VerifyInput struct {
	TenantID           string
	GateID             string
	VerificationStatus string // green | amber | red
	RunStatus          string
	VerificationMethod VerifierIdentity
	EvidenceRefs       []string
	Policy             ReleasePolicy
	IdempotencyKey     string
}

// computeRelease applies the release matrix (spec §4.5 "Release matrix"):
// given rules for the verdict, split amountCents into released/refunded such
// that released+refunded==amountCents, rounding down on release.
func computeRelease(amountCents int64, status string, policy ReleasePolicy) (releasedCents, refundedCents int64) {
	rule, ok := policy.Rules[status]
	if !ok || !rule.AutoRelease {
		return 0, amountCents
	}
	rate := rule.ReleaseRatePct
	if rate < 0 {
		rate = 0
	}
	if rate > 100 {
		rate = 100
	}
	released := (amountCents * int64(rate)) / 100 // round down on release
	return released, amountCents - released
}

func hasEvidenceRef(refs []string, prefix string) (string, bool) {
	for _, r := range refs {
		if strings.HasPrefix(r, prefix) {
			return r, true
		}
	}
	return "", false
}

// deterministicVerifierPlugin re-evaluates a verifier run independently of
// the caller-submitted verificationStatus (spec §4.5: "deterministic plugins
// (latency, schema-check) evaluate their own pass/fail and may override the
// submitted verificationStatus"). Keyed by VerifierIdentity.Source. Returns
// ok=false when the plugin has no opinion on this runStatus, leaving the
// submitted status untouched.
type deterministicVerifierPlugin func(runStatus string) (status string, ok bool)

var deterministicVerifierPlugins = map[string]deterministicVerifierPlugin{
	"latency":      evaluateLatencyVerdict,
	"schema-check": evaluateSchemaCheckVerdict,
}

// evaluateLatencyVerdict fails the run on a timeout or slow-response
// runStatus regardless of what the caller submitted.
func evaluateLatencyVerdict(runStatus string) (string, bool) {
	switch runStatus {
	case "timeout", "slow":
		return VerificationRed, true
	case "ok":
		return VerificationGreen, true
	default:
		return "", false
	}
}

// evaluateSchemaCheckVerdict fails the run when the tool's response failed
// schema validation, regardless of what the caller submitted.
func evaluateSchemaCheckVerdict(runStatus string) (string, bool) {
	switch runStatus {
	case "schema_invalid":
		return VerificationRed, true
	case "schema_valid":
		return VerificationGreen, true
	default:
		return "", false
	}
}

const verifyRoute = "route:x402.gate.verify"

// Verify checks binding-evidence integrity, prompt-risk evidence
// completeness, resolves the release matrix, and appends GateVerified,
// which carries the settlement on auto-release paths.
func (g *Gateway) Verify(ctx context.Context, in VerifyInput) (*store.Snapshot, error) {
	// Checked first, before the ReleaseHold/RefundHold calls below: those are
	// side effects outside the kernel, and Append's own replay memoization
	// only short-circuits once inside Append, too late to stop a retried
	// request with the same idempotencyKey from releasing or refunding the
	// hold twice.
	if in.IdempotencyKey != "" {
		replayed, err := g.k.PeekIdempotent(ctx, in.TenantID, in.IdempotencyKey, verifyRoute)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
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
	if state, _ := snap.State["state"].(string); state != StateAuthorized {
		return nil, coordinatorerrors.Conflict("gate is not in authorized state").WithDetails("state", state)
	}

	requestBinding, _ := snap.State["requestBinding"].(map[string]any)
	boundHash, _ := requestBinding["bindingHash"].(string)

	reqRef, reqOK := hasEvidenceRef(in.EvidenceRefs, "http:request_sha256:")
	respRef, respOK := hasEvidenceRef(in.EvidenceRefs, "http:response_sha256:")
	if !reqOK || !respOK {
		return nil, coordinatorerrors.New("X402_REQUEST_BINDING_EVIDENCE_REQUIRED", "evidenceRefs missing request/response binding hashes", 409)
	}
	requestBodyHash, _ := requestBinding["requestBodyHash"].(string)
	expectedReqRef := "http:request_sha256:" + requestBodyHash
	if requestBodyHash != "" && reqRef != expectedReqRef {
		return nil, coordinatorerrors.New("X402_REQUEST_BINDING_EVIDENCE_MISMATCH", "evidenceRefs request hash does not match authorize binding", 409).
			WithDetails("expected", expectedReqRef).WithDetails("actual", reqRef)
	}
	_ = boundHash
	_ = respRef

	authorization, _ := snap.State["authorization"].(map[string]any)
	taintRefs, _ := authorization["taintedSessionRefs"].([]any)
	if len(taintRefs) > 0 {
		missing := make([]string, 0)
		for _, tr := range taintRefs {
			ref, _ := tr.(string)
			found := false
			for _, er := range in.EvidenceRefs {
				if er == ref {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, ref)
			}
		}
		if len(missing) > 0 {
			return nil, coordinatorerrors.New("X402_PROMPT_RISK_EVIDENCE_REQUIRED", "evidenceRefs missing required session taint refs", 409).
				WithDetails("missingEvidenceRefs", missing)
		}
	}

	amountCents, _ := toInt64(snap.State["amountCents"])
	currency, _ := snap.State["currency"].(string)
	payerID, _ := snap.State["payerAgentId"].(string)
	payeeID, _ := snap.State["payeeAgentId"].(string)
	holdID, _ := snap.State["holdId"].(string)

	verificationStatus := in.VerificationStatus
	pluginOverrode := false
	if plugin, ok := deterministicVerifierPlugins[in.VerificationMethod.Source]; ok {
		if status, did := plugin(in.RunStatus); did {
			verificationStatus = status
			pluginOverrode = status != in.VerificationStatus
		}
	}

	resultState := StateVerified
	settlement := map[string]any{
		"verificationStatus":          verificationStatus,
		"submittedVerificationStatus": in.VerificationStatus,
		"verificationOverridden":      pluginOverrode,
		"verifierId":                  in.VerificationMethod.VerifierID,
		"verifierHash":                in.VerificationMethod.VerifierHash,
	}

	if in.Policy.Mode == "manual" {
		settlement["status"] = StateAwaitingManual
		res, err := g.k.Append(ctx, kernel.AppendInput{
			TenantID:              in.TenantID,
			StreamID:              in.GateID,
			StreamKind:            StreamKindGate,
			Type:                  EventGateVerified,
			Actor:                 "system",
			ExpectedPrevChainHash: &snap.LastChainHash,
			ChainSensitive:        true,
			IdempotencyKey:        in.IdempotencyKey,
			RouteBindingHash:      verifyRoute,
			Payload: map[string]any{
				"resultState":  StateAwaitingManual,
				"verification": map[string]any{"status": verificationStatus, "runStatus": in.RunStatus, "evidenceRefs": toAnySlice(in.EvidenceRefs)},
				"settlement":   settlement,
			},
		})
		if err != nil {
			return nil, err
		}
		return &res.Snapshot, nil
	}

	releasedCents, refundedCents := computeRelease(amountCents, verificationStatus, in.Policy)
	settlement["releasedAmountCents"] = float64(releasedCents)
	settlement["refundedAmountCents"] = float64(refundedCents)

	if releasedCents > 0 {
		if _, err := g.ledger.ReleaseHold(ctx, in.TenantID, holdID, payeeID, releasedCents, currency); err != nil {
			return nil, err
		}
	}
	if refundedCents > 0 {
		if _, err := g.ledger.RefundHold(ctx, in.TenantID, holdID, refundedCents, currency); err != nil {
			return nil, err
		}
	}

	switch {
	case releasedCents == amountCents:
		resultState = StateReleased
		settlement["status"] = StateReleased
	case refundedCents == amountCents:
		resultState = StateRefunded
		settlement["status"] = StateRefunded
	default:
		resultState = StatePartial
		settlement["status"] = StatePartial
	}
	settlement["settledAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	_ = payerID

	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:              in.TenantID,
		StreamID:              in.GateID,
		StreamKind:            StreamKindGate,
		Type:                  EventGateVerified,
		Actor:                 "system",
		ExpectedPrevChainHash: &snap.LastChainHash,
		ChainSensitive:        true,
		IdempotencyKey:        in.IdempotencyKey,
		RouteBindingHash:      verifyRoute,
		Payload: map[string]any{
			"resultState": resultState,
			"verification": map[string]any{
				"status":       verificationStatus,
				"runStatus":    in.RunStatus,
				"evidenceRefs": toAnySlice(in.EvidenceRefs),
			},
			"settlement": settlement,
		},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// bindingEvidenceError builds the X402_<ACTION>_BINDING_EVIDENCE_{REQUIRED|
// MISMATCH} code spec §4.5 names for each downstream action.
func bindingEvidenceError(action, reasonSuffix, message string) *coordinatorerrors.ServiceError {
	code := fmt.Sprintf("X402_%s_BINDING_EVIDENCE_%s", strings.ToUpper(action), reasonSuffix)
	return coordinatorerrors.New(coordinatorerrors.Code(code), message, 409)
}

// CheckBindingEvidence verifies bindingEvidence (a caller-supplied hash)
// matches the gate's original request-binding hash, required on every
// downstream action per spec §4.5 "Settlement & binding integrity".
func CheckBindingEvidence(snap *store.Snapshot, action, bindingEvidence string) error {
	requestBinding, _ := snap.State["requestBinding"].(map[string]any)
	boundHash, _ := requestBinding["bindingHash"].(string)
	if bindingEvidence == "" {
		return bindingEvidenceError(action, "REQUIRED", "bindingEvidence is required")
	}
	if boundHash == "" || bindingEvidence != boundHash {
		return bindingEvidenceError(action, "MISMATCH", "bindingEvidence does not match the gate's request binding")
	}
	return nil
}
