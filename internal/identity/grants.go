package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/store"
)

// GrantType distinguishes the three grant flavors sharing one lineage model.
type GrantType string

const (
	GrantTypeAuthority   GrantType = "AuthorityGrant"   // principal -> agent
	GrantTypeDelegation  GrantType = "DelegationGrant"  // agent -> agent
	GrantTypeCapability  GrantType = "CapabilityAttestation" // issuer -> subject
)

// StreamKindGrant is the shared EventKernel stream kind for all grant types;
// GrantType distinguishes them within the stream payload.
const StreamKindGrant = "grant"

const (
	EventGrantIssued   = "GrantIssued"
	EventGrantRevoked  = "GrantRevoked"
)

// SpendLimit bounds a grant's authorized spend.
type SpendLimit struct {
	MaxPerCallCents int64  `json:"maxPerCallCents"`
	MaxDailyCents   int64  `json:"maxDailyCents"`
	MaxTotalCents   int64  `json:"maxTotalCents"`
	Currency        string `json:"currency"`
}

// ChainBinding links a grant to its delegation lineage.
type ChainBinding struct {
	RootGrantHash      string `json:"rootGrantHash"`
	ParentGrantHash    string `json:"parentGrantHash,omitempty"`
	Depth              int    `json:"depth"`
	MaxDelegationDepth int    `json:"maxDelegationDepth"`
}

// Validity is a grant's active window.
type Validity struct {
	NotBefore time.Time  `json:"notBefore"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// GrantCore is the part of a grant that is hashed to produce grantHash;
// never includes grantHash itself (content-addressing invariant ii).
type GrantCore struct {
	GrantType           GrantType    `json:"grantType"`
	TenantID            string       `json:"tenantId"`
	GranterID           string       `json:"granterId"`
	GranteeID           string       `json:"granteeId"`
	AllowedToolIDs      []string     `json:"allowedToolIds,omitempty"`
	AllowedProviderIDs  []string     `json:"allowedProviderIds,omitempty"`
	AllowedRiskClasses  []string     `json:"allowedRiskClasses,omitempty"`
	SideEffectingAllowed bool        `json:"sideEffectingAllowed"`
	SpendLimit          SpendLimit   `json:"spendLimit"`
	ChainBinding        ChainBinding `json:"chainBinding"`
	Validity            Validity     `json:"validity"`
}

// reduceGrant folds grant-stream events into a grant's snapshot state.
func reduceGrant(state map[string]any, event store.Event) (map[string]any, error) {
	next := cloneState(state)
	switch event.Type {
	case EventGrantIssued:
		for k, v := range event.Payload {
			next[k] = v
		}
		next["status"] = "active"
	case EventGrantRevoked:
		next["status"] = "revoked"
		next["revokedAt"] = event.At.UTC().Format(time.RFC3339Nano)
		next["revocationReason"], _ = event.Payload["reason"].(string)
	default:
		return nil, coordinatorerrors.Wrap("EVENT_PAYLOAD_INVALID", "unrecognized grant event type", 500, nil).
			WithDetails("type", event.Type)
	}
	return next, nil
}

// GrantRegistry issues and resolves AuthorityGrant / DelegationGrant /
// CapabilityAttestation streams, all sharing the StreamKindGrant reducer.
type GrantRegistry struct {
	k  *kernel.Kernel
	st store.Store
}

// NewGrantRegistry registers the grant reducer on k.
func NewGrantRegistry(k *kernel.Kernel, st store.Store) *GrantRegistry {
	k.Register(StreamKindGrant, reduceGrant)
	return &GrantRegistry{k: k, st: st}
}

// IssueInput is the Grants.Issue command.
type IssueInput struct {
	TenantID           string
	GrantType          GrantType
	GranterID          string
	GranteeID          string
	AllowedToolIDs     []string
	AllowedProviderIDs []string
	AllowedRiskClasses []string
	SideEffectingAllowed bool
	SpendLimit         SpendLimit
	ParentGrantID      string // empty for a root grant
	MaxDelegationDepth int
	Validity           Validity
	IdempotencyKey     string
}

// Issue computes grantHash over the canonical core, resolves chain binding
// against the parent (if any), and appends GrantIssued.
func (g *GrantRegistry) Issue(ctx context.Context, in IssueInput) (string, *store.Snapshot, error) {
	binding := ChainBinding{Depth: 0, MaxDelegationDepth: in.MaxDelegationDepth}

	if in.ParentGrantID != "" {
		parentSnap, err := g.st.GetSnapshot(ctx, in.TenantID, in.ParentGrantID)
		if err != nil {
			return "", nil, err
		}
		if parentSnap == nil {
			return "", nil, coordinatorerrors.NotFound("grant", in.ParentGrantID)
		}
		parentStatus, _ := parentSnap.State["status"].(string)
		if parentStatus != "active" {
			return "", nil, grantError(in.GrantType, "REVOKED", "parent grant is not active")
		}
		parentHash, _ := parentSnap.State["grantHash"].(string)
		rootHash, _ := parentSnap.State["chainBinding"].(map[string]any)["rootGrantHash"].(string)
		if rootHash == "" {
			rootHash = parentHash
		}
		parentDepth, _ := toInt(parentSnap.State["chainBinding"].(map[string]any)["depth"])
		binding = ChainBinding{
			RootGrantHash:      rootHash,
			ParentGrantHash:    parentHash,
			Depth:              parentDepth + 1,
			MaxDelegationDepth: in.MaxDelegationDepth,
		}
		if in.MaxDelegationDepth == 0 {
			parentMax, _ := toInt(parentSnap.State["chainBinding"].(map[string]any)["maxDelegationDepth"])
			binding.MaxDelegationDepth = parentMax
		}
		if binding.Depth > binding.MaxDelegationDepth {
			return "", nil, grantError(in.GrantType, "DELEGATION_DEPTH_EXCEEDED", "grant chain exceeds maxDelegationDepth")
		}
	}

	core := GrantCore{
		GrantType:            in.GrantType,
		TenantID:             in.TenantID,
		GranterID:            in.GranterID,
		GranteeID:            in.GranteeID,
		AllowedToolIDs:       in.AllowedToolIDs,
		AllowedProviderIDs:   in.AllowedProviderIDs,
		AllowedRiskClasses:   in.AllowedRiskClasses,
		SideEffectingAllowed: in.SideEffectingAllowed,
		SpendLimit:           in.SpendLimit,
		ChainBinding:         binding,
		Validity:             in.Validity,
	}
	grantHash, err := canon.HashOf(core)
	if err != nil {
		return "", nil, err
	}
	if binding.RootGrantHash == "" {
		binding.RootGrantHash = grantHash
	}

	streamID := idgen.Stream("grant")
	payload := map[string]any{
		"grantType":            string(in.GrantType),
		"granterId":            in.GranterID,
		"granteeId":            in.GranteeID,
		"grantHash":            grantHash,
		"parentGrantId":        in.ParentGrantID,
		"allowedToolIds":       toAnySlice(in.AllowedToolIDs),
		"allowedProviderIds":   toAnySlice(in.AllowedProviderIDs),
		"allowedRiskClasses":   toAnySlice(in.AllowedRiskClasses),
		"sideEffectingAllowed": in.SideEffectingAllowed,
		"spendLimit": map[string]any{
			"maxPerCallCents": float64(in.SpendLimit.MaxPerCallCents),
			"maxDailyCents":   float64(in.SpendLimit.MaxDailyCents),
			"maxTotalCents":   float64(in.SpendLimit.MaxTotalCents),
			"currency":        in.SpendLimit.Currency,
		},
		"chainBinding": map[string]any{
			"rootGrantHash":      binding.RootGrantHash,
			"parentGrantHash":    binding.ParentGrantHash,
			"depth":              float64(binding.Depth),
			"maxDelegationDepth": float64(binding.MaxDelegationDepth),
		},
		"validity": map[string]any{
			"notBefore": in.Validity.NotBefore.UTC().Format(time.RFC3339Nano),
			"expiresAt": formatOptionalTime(in.Validity.ExpiresAt),
		},
	}

	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:         in.TenantID,
		StreamID:         streamID,
		StreamKind:       StreamKindGrant,
		Type:             EventGrantIssued,
		Actor:            in.GranterID,
		IdempotencyKey:   in.IdempotencyKey,
		RouteBindingHash: "route:grants.issue:" + string(in.GrantType),
		Payload:          payload,
	})
	if err != nil {
		return "", nil, err
	}
	return streamID, &res.Snapshot, nil
}

// Revoke appends GrantRevoked. Revoked grants remain queryable but must
// fail every subsequent scope check with a *_GRANT_REVOKED code.
func (g *GrantRegistry) Revoke(ctx context.Context, tenantID, grantID, reason string) (*store.Snapshot, error) {
	res, err := g.k.Append(ctx, kernel.AppendInput{
		TenantID:         tenantID,
		StreamID:         grantID,
		StreamKind:       StreamKindGrant,
		Type:             EventGrantRevoked,
		Actor:            "system",
		RouteBindingHash: "route:grants.revoke",
		Payload:          map[string]any{"reason": reason},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// ResolveEffectiveDelegationHash walks parentGrantHash pointers from
// grantID to the root, failing closed on cycles, unknown parents, depth >
// maxDelegationDepth, or any link outside its validity window (spec §4.4).
func (g *GrantRegistry) ResolveEffectiveDelegationHash(ctx context.Context, tenantID, grantID string, at time.Time) (string, error) {
	visited := make(map[string]bool)
	currentID := grantID
	var lastHash string

	for {
		if visited[currentID] {
			return "", grantError("", "CHAIN_CYCLE", "grant lineage contains a cycle").WithDetails("grantId", currentID)
		}
		visited[currentID] = true

		snap, err := g.st.GetSnapshot(ctx, tenantID, currentID)
		if err != nil {
			return "", err
		}
		if snap == nil {
			return "", grantError("", "CHAIN_UNKNOWN_PARENT", "grant lineage references an unknown grant").WithDetails("grantId", currentID)
		}

		if err := checkValidityWindow(snap.State, at); err != nil {
			return "", err
		}
		status, _ := snap.State["status"].(string)
		if status == "revoked" {
			return "", grantError("", "REVOKED", "grant lineage includes a revoked grant").WithDetails("grantId", currentID)
		}

		binding, _ := snap.State["chainBinding"].(map[string]any)
		depth, _ := toInt(binding["depth"])
		maxDepth, _ := toInt(binding["maxDelegationDepth"])
		if maxDepth > 0 && depth > maxDepth {
			return "", grantError("", "DELEGATION_DEPTH_EXCEEDED", "grant chain exceeds maxDelegationDepth").WithDetails("grantId", currentID)
		}

		lastHash, _ = snap.State["grantHash"].(string)
		parentHash, _ := binding["parentGrantHash"].(string)
		parentID, _ := snap.State["parentGrantId"].(string)
		if parentHash == "" || parentID == "" {
			return lastHash, nil
		}
		currentID = parentID
	}
}

// CheckScope verifies a grant is active, within its validity window at
// `at`, and within its spendLimit.maxPerCallCents for amountCents.
// CheckScope enforces a grant's per-call and cumulative-daily spend limits.
// dailyUsedCents is the sum already authorized against this grant within the
// tenant's current UTC day (spec §4.5: "cumulative exposure across the
// tenant's daily window"), excluding the call being authorized now; CheckScope
// adds amountCents to it before comparing against spendLimit.maxDailyCents.
func CheckScope(snap *store.Snapshot, at time.Time, amountCents, dailyUsedCents int64) error {
	if snap == nil {
		return coordinatorerrors.NotFound("grant", "")
	}
	if err := checkValidityWindow(snap.State, at); err != nil {
		return err
	}
	status, _ := snap.State["status"].(string)
	if status == "revoked" {
		return grantError(grantTypeOf(snap), "REVOKED", "grant has been revoked")
	}
	spendLimit, _ := snap.State["spendLimit"].(map[string]any)
	maxPerCall, _ := toInt64(spendLimit["maxPerCallCents"])
	if maxPerCall > 0 && amountCents > maxPerCall {
		return grantError(grantTypeOf(snap), "PER_CALL_EXCEEDED", "amount exceeds grant's per-call spend limit").
			WithDetails("maxPerCallCents", maxPerCall).WithDetails("amountCents", amountCents)
	}
	maxDaily, _ := toInt64(spendLimit["maxDailyCents"])
	if maxDaily > 0 && dailyUsedCents+amountCents > maxDaily {
		return grantError(grantTypeOf(snap), "TOTAL_EXCEEDED", "amount exceeds grant's cumulative daily spend limit").
			WithDetails("maxDailyCents", maxDaily).WithDetails("dailyUsedCents", dailyUsedCents).WithDetails("amountCents", amountCents)
	}
	return nil
}

func grantTypeOf(snap *store.Snapshot) GrantType {
	t, _ := snap.State["grantType"].(string)
	return GrantType(t)
}

func checkValidityWindow(state map[string]any, at time.Time) error {
	validity, _ := state["validity"].(map[string]any)
	if validity == nil {
		return nil
	}
	if nb, ok := validity["notBefore"].(string); ok && nb != "" {
		notBefore, err := time.Parse(time.RFC3339Nano, nb)
		if err == nil && at.Before(notBefore) {
			return grantError("", "NOT_YET_VALID", "grant is not yet valid at this time")
		}
	}
	if ea, ok := validity["expiresAt"].(string); ok && ea != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, ea)
		if err == nil && at.After(expiresAt) {
			return grantError("", "EXPIRED", "grant validity window has elapsed")
		}
	}
	return nil
}

// grantCodePrefixes maps each grant type to the stable error-code prefix
// clients program against (spec §4.4: "*_GRANT_REVOKED" reused per type).
var grantCodePrefixes = map[GrantType]string{
	GrantTypeAuthority:  "AUTHORITY_GRANT",
	GrantTypeDelegation: "DELEGATION_GRANT",
	GrantTypeCapability: "CAPABILITY_ATTESTATION",
}

func grantError(grantType GrantType, reasonSuffix, message string) *coordinatorerrors.ServiceError {
	prefix, ok := grantCodePrefixes[grantType]
	if !ok {
		prefix = "GRANT"
	}
	code := fmt.Sprintf("%s_%s", prefix, reasonSuffix)
	return coordinatorerrors.New(coordinatorerrors.Code(code), message, 409)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toInt(v any) (int, bool) {
	f, ok := v.(float64)
	return int(f), ok
}

func toInt64(v any) (int64, bool) {
	f, ok := v.(float64)
	return int64(f), ok
}
